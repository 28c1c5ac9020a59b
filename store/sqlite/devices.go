// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/soothill/nextdns-profile-monitor/device"
)

var _ device.Store = (*DeviceRepo)(nil)

// DeviceRepo persists devices. The map fields are stored as JSON text.
type DeviceRepo struct {
	db *DB
}

// NewDeviceRepo creates a device repository backed by db.
func NewDeviceRepo(db *DB) *DeviceRepo {
	return &DeviceRepo{db: db}
}

// SaveDevice inserts a device or replaces every column of an existing one.
func (r *DeviceRepo) SaveDevice(ctx context.Context, d *device.Device) error {
	data, err := json.Marshal(d.Data)
	if err != nil {
		return fmt.Errorf("marshal data for %s: %w", d.ID, err)
	}
	store, err := json.Marshal(d.Store)
	if err != nil {
		return fmt.Errorf("marshal store for %s: %w", d.ID, err)
	}
	settings, err := json.Marshal(d.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings for %s: %w", d.ID, err)
	}
	capabilities, err := json.Marshal(d.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities for %s: %w", d.ID, err)
	}

	const query = `
		INSERT INTO devices (id, name, data, store, settings, capabilities, state, unavailable_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			data = excluded.data,
			store = excluded.store,
			settings = excluded.settings,
			capabilities = excluded.capabilities,
			state = excluded.state,
			unavailable_reason = excluded.unavailable_reason,
			updated_at = excluded.updated_at
	`

	_, err = r.db.Writer.ExecContext(ctx, query,
		d.ID, d.Name, string(data), string(store), string(settings), string(capabilities),
		string(d.State), d.UnavailableReason, formatTime(d.CreatedAt), formatTime(d.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save device %s: %w", d.ID, err)
	}
	return nil
}

// DeleteDevice removes a device. Deleting an unknown ID is not an error.
func (r *DeviceRepo) DeleteDevice(ctx context.Context, id string) error {
	const query = `DELETE FROM devices WHERE id = ?`
	if _, err := r.db.Writer.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete device %s: %w", id, err)
	}
	return nil
}

// ListDevices returns all devices ordered by creation time.
func (r *DeviceRepo) ListDevices(ctx context.Context) ([]*device.Device, error) {
	const query = `
		SELECT id, name, data, store, settings, capabilities, state, unavailable_reason, created_at, updated_at
		FROM devices
		ORDER BY created_at, id
	`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []*device.Device
	for rows.Next() {
		var (
			d                                   device.Device
			data, store, settings, capabilities string
			state, createdAt, updatedAt         string
		)
		if err := rows.Scan(&d.ID, &d.Name, &data, &store, &settings, &capabilities,
			&state, &d.UnavailableReason, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}

		if err := unmarshalColumns(&d, data, store, settings, capabilities); err != nil {
			return nil, err
		}
		d.State = device.Availability(state)

		if d.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at for %s: %w", d.ID, err)
		}
		if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parse updated_at for %s: %w", d.ID, err)
		}

		devices = append(devices, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return devices, nil
}

func unmarshalColumns(d *device.Device, data, store, settings, capabilities string) error {
	if err := json.Unmarshal([]byte(data), &d.Data); err != nil {
		return fmt.Errorf("unmarshal data for %s: %w", d.ID, err)
	}
	if err := json.Unmarshal([]byte(store), &d.Store); err != nil {
		return fmt.Errorf("unmarshal store for %s: %w", d.ID, err)
	}
	if err := json.Unmarshal([]byte(settings), &d.Settings); err != nil {
		return fmt.Errorf("unmarshal settings for %s: %w", d.ID, err)
	}
	if err := json.Unmarshal([]byte(capabilities), &d.Capabilities); err != nil {
		return fmt.Errorf("unmarshal capabilities for %s: %w", d.ID, err)
	}
	return nil
}

// timeLayout has a fixed width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
