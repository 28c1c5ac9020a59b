// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package store provides in-memory implementations of the settings and device
// stores. They are used in tests and when no database path is configured.
// Nothing is persisted across restarts.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/soothill/nextdns-profile-monitor/device"
	"github.com/soothill/nextdns-profile-monitor/pkg/interfaces"
)

var (
	_ interfaces.SettingsStore = (*MemorySettings)(nil)
	_ device.Store             = (*MemoryDevices)(nil)
)

// MemorySettings is a mutex-guarded key-value settings store.
type MemorySettings struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemorySettings creates an empty settings store.
func NewMemorySettings() *MemorySettings {
	return &MemorySettings{values: make(map[string]string)}
}

// Get returns the value under key, or "" when absent.
func (s *MemorySettings) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key], nil
}

// Set stores or replaces the value under key.
func (s *MemorySettings) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// MemoryDevices keeps device snapshots in a map.
type MemoryDevices struct {
	mu      sync.RWMutex
	devices map[string]*device.Device
}

// NewMemoryDevices creates an empty device store.
func NewMemoryDevices() *MemoryDevices {
	return &MemoryDevices{devices: make(map[string]*device.Device)}
}

// SaveDevice inserts or replaces a device.
func (s *MemoryDevices) SaveDevice(_ context.Context, d *device.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = d.Clone()
	return nil
}

// DeleteDevice removes a device. Deleting an unknown ID is not an error.
func (s *MemoryDevices) DeleteDevice(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, id)
	return nil
}

// ListDevices returns copies of all stored devices ordered by creation time.
func (s *MemoryDevices) ListDevices(_ context.Context) ([]*device.Device, error) {
	s.mu.RLock()
	out := make([]*device.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
