// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/soothill/nextdns-profile-monitor/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDevice(id string, created time.Time) *device.Device {
	return &device.Device{
		ID:           id,
		Name:         "Home",
		Data:         map[string]string{"id": "p1"},
		Store:        map[string]string{"id": "p1"},
		Settings:     map[string]string{"timerange": "24h"},
		Capabilities: map[string]float64{"total_dns_requests": 100},
		State:        device.StateAvailable,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

func TestDeviceRepo_SaveAndList(t *testing.T) {
	db := setupTestDB(t)
	repo := NewDeviceRepo(db)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.SaveDevice(ctx, testDevice("b", now.Add(time.Minute))))
	require.NoError(t, repo.SaveDevice(ctx, testDevice("a", now)))

	devices, err := repo.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 2)

	assert.Equal(t, "a", devices[0].ID)
	assert.Equal(t, "b", devices[1].ID)

	got := devices[0]
	assert.Equal(t, "Home", got.Name)
	assert.Equal(t, map[string]string{"id": "p1"}, got.Data)
	assert.Equal(t, map[string]string{"id": "p1"}, got.Store)
	assert.Equal(t, "24h", got.Settings["timerange"])
	assert.Equal(t, 100.0, got.Capabilities["total_dns_requests"])
	assert.Equal(t, device.StateAvailable, got.State)
	assert.True(t, got.CreatedAt.Equal(now))
}

func TestDeviceRepo_Upsert(t *testing.T) {
	db := setupTestDB(t)
	repo := NewDeviceRepo(db)
	ctx := context.Background()
	now := time.Now()

	d := testDevice("a", now)
	require.NoError(t, repo.SaveDevice(ctx, d))

	d.Name = "Renamed"
	d.State = device.StateUnavailable
	d.UnavailableReason = "Invalid API key."
	d.Settings["timerange"] = "all"
	require.NoError(t, repo.SaveDevice(ctx, d))

	devices, err := repo.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "Renamed", devices[0].Name)
	assert.Equal(t, device.StateUnavailable, devices[0].State)
	assert.Equal(t, "Invalid API key.", devices[0].UnavailableReason)
	assert.Equal(t, "all", devices[0].Settings["timerange"])
}

func TestDeviceRepo_Delete(t *testing.T) {
	db := setupTestDB(t)
	repo := NewDeviceRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.SaveDevice(ctx, testDevice("a", time.Now())))
	require.NoError(t, repo.DeleteDevice(ctx, "a"))
	require.NoError(t, repo.DeleteDevice(ctx, "missing"))

	devices, err := repo.ListDevices(ctx)
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestDeviceRepo_WithManager(t *testing.T) {
	db := setupTestDB(t)
	repo := NewDeviceRepo(db)
	ctx := context.Background()

	manager := device.NewManager(repo)
	added, err := manager.Add(ctx, device.Candidate{
		Name:  "Home",
		Data:  map[string]string{"id": "p1"},
		Store: map[string]string{"id": "p1"},
	})
	require.NoError(t, err)
	require.NoError(t, manager.SetCapabilityValue(ctx, added.ID, "blocked_dns_requests", 5))

	restored := device.NewManager(repo)
	require.NoError(t, restored.Load(ctx))

	got, err := restored.Get(added.ID)
	require.NoError(t, err)
	assert.Equal(t, "p1", got.StoreValue("id"))
	assert.Equal(t, 5.0, got.Capabilities["blocked_dns_requests"])
}

func TestOpen_File(t *testing.T) {
	path := t.TempDir() + "/monitor.db"

	db, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, path, db.Path())

	repo, err := NewSettingsRepo(db, nil)
	require.NoError(t, err)
	require.NoError(t, repo.Set(context.Background(), "apikey", "abc"))
	require.NoError(t, db.Close())

	// Reopening runs migrations again without error.
	db, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	repo, err = NewSettingsRepo(db, nil)
	require.NoError(t, err)
	val, err := repo.Get(context.Background(), "apikey")
	require.NoError(t, err)
	assert.Equal(t, "abc", val)
}
