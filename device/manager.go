// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package device

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/soothill/nextdns-profile-monitor/pkg/errors"
	"github.com/soothill/nextdns-profile-monitor/pkg/logger"
	"github.com/soothill/nextdns-profile-monitor/pkg/metrics"
)

// SettingsDefaulter is implemented by a Lifecycle that supplies default
// settings for newly added devices.
type SettingsDefaulter interface {
	DefaultSettings() map[string]string
}

// Manager owns the paired devices and drives their lifecycle.
type Manager struct {
	store     Store
	lifecycle Lifecycle

	mu      sync.RWMutex // Protects devices and persists under the same lock
	devices map[string]*Device

	subMu       sync.RWMutex
	subscribers map[int]func(Event)
	nextSubID   int

	now func() time.Time
}

// NewManager creates a device manager backed by store.
func NewManager(store Store) *Manager {
	return &Manager{
		store:       store,
		devices:     make(map[string]*Device),
		subscribers: make(map[int]func(Event)),
		now:         time.Now,
	}
}

// Register installs the lifecycle implementation. It must be called before
// Load or Add.
func (m *Manager) Register(l Lifecycle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lifecycle = l
}

// Load restores persisted devices and initializes each of them.
func (m *Manager) Load(ctx context.Context) error {
	devices, err := m.store.ListDevices(ctx)
	if err != nil {
		return apperrors.NewStorageError("load devices", "", err)
	}

	m.mu.Lock()
	for _, d := range devices {
		d.Data = nonNil(d.Data)
		d.Store = nonNil(d.Store)
		d.Settings = nonNil(d.Settings)
		if d.Capabilities == nil {
			d.Capabilities = make(map[string]float64)
		}
		if d.State == "" {
			d.State = StateUnpolled
		}
		m.devices[d.ID] = d
	}
	count := len(m.devices)
	m.mu.Unlock()

	metrics.DevicesPaired.Set(float64(count))
	logger.Info().Int("count", len(devices)).Msg("Loaded paired devices")

	for _, d := range devices {
		m.initDevice(ctx, d.Clone())
	}
	return nil
}

// Add creates a device from a pairing candidate, persists it and runs the
// init and added hooks. A failing added hook is logged and the device kept.
func (m *Manager) Add(ctx context.Context, c Candidate) (*Device, error) {
	if strings.TrimSpace(c.Name) == "" {
		return nil, apperrors.NewValidationError("name", c.Name, "must not be empty")
	}

	now := m.now()
	d := &Device{
		ID:           uuid.NewString(),
		Name:         c.Name,
		Data:         nonNil(maps.Clone(c.Data)),
		Store:        nonNil(maps.Clone(c.Store)),
		Settings:     make(map[string]string),
		Capabilities: make(map[string]float64),
		State:        StateUnpolled,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	lc := m.getLifecycle()
	if defaulter, ok := lc.(SettingsDefaulter); ok {
		maps.Copy(d.Settings, defaulter.DefaultSettings())
	}

	m.mu.Lock()
	if err := m.store.SaveDevice(ctx, d); err != nil {
		m.mu.Unlock()
		return nil, apperrors.NewStorageError("save device", d.ID, err)
	}
	m.devices[d.ID] = d
	count := len(m.devices)
	snapshot := d.Clone()
	m.mu.Unlock()

	metrics.DevicesPaired.Set(float64(count))
	logger.Info().Str("device_id", d.ID).Str("name", d.Name).Msg("Device added")
	m.publish(Event{Type: EventAdded, DeviceID: d.ID, Device: snapshot})

	m.initDevice(ctx, snapshot.Clone())

	if lc != nil {
		if err := lc.OnAdded(ctx, snapshot.Clone()); err != nil {
			logger.Error().Err(err).Str("device_id", d.ID).Msg("Device added hook failed")
		}
	}

	return m.Get(d.ID)
}

// UpdateSettings applies changes to a device's settings, persists them and
// calls the settings hook with the old and new values. Keys whose value does
// not change are ignored; if nothing changes the hook is not called.
func (m *Manager) UpdateSettings(ctx context.Context, id string, changes map[string]string) (*Device, error) {
	var change SettingsChange

	snapshot, err := m.mutate(ctx, id, "update settings", func(d *Device) bool {
		old := maps.Clone(d.Settings)
		for k, v := range changes {
			if d.Settings[k] != v {
				change.ChangedKeys = append(change.ChangedKeys, k)
				d.Settings[k] = v
			}
		}
		sort.Strings(change.ChangedKeys)
		change.Old = old
		change.New = maps.Clone(d.Settings)
		return len(change.ChangedKeys) > 0
	})
	if err != nil {
		return nil, err
	}
	if len(change.ChangedKeys) == 0 {
		return snapshot, nil
	}

	m.publish(Event{Type: EventSettings, DeviceID: id, Device: snapshot})

	if lc := m.getLifecycle(); lc != nil {
		if err := lc.OnSettings(ctx, snapshot.Clone(), change); err != nil {
			logger.Error().Err(err).Str("device_id", id).Msg("Device settings hook failed")
		}
	}
	return m.Get(id)
}

// Rename changes a device's display name.
func (m *Manager) Rename(ctx context.Context, id, name string) (*Device, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apperrors.NewValidationError("name", name, "must not be empty")
	}

	snapshot, err := m.mutate(ctx, id, "rename device", func(d *Device) bool {
		if d.Name == name {
			return false
		}
		d.Name = name
		return true
	})
	if err != nil {
		return nil, err
	}

	m.publish(Event{Type: EventRenamed, DeviceID: id, Device: snapshot})
	if lc := m.getLifecycle(); lc != nil {
		lc.OnRenamed(ctx, snapshot.Clone(), name)
	}
	return snapshot, nil
}

// Delete removes a device after running its deleted hook.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	d, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("delete %s: %w", id, apperrors.ErrDeviceNotFound)
	}
	if err := m.store.DeleteDevice(ctx, id); err != nil {
		m.mu.Unlock()
		return apperrors.NewStorageError("delete device", id, err)
	}
	delete(m.devices, id)
	count := len(m.devices)
	snapshot := d.Clone()
	m.mu.Unlock()

	metrics.DevicesPaired.Set(float64(count))

	if lc := m.getLifecycle(); lc != nil {
		lc.OnDeleted(ctx, snapshot)
	}
	m.publish(Event{Type: EventDeleted, DeviceID: id, Device: snapshot})
	return nil
}

// SetCapabilityValue writes a numeric capability value.
func (m *Manager) SetCapabilityValue(ctx context.Context, id, capability string, value float64) error {
	_, err := m.mutate(ctx, id, "set capability", func(d *Device) bool {
		d.Capabilities[capability] = value
		return true
	})
	if err != nil {
		return err
	}
	m.publish(Event{Type: EventCapability, DeviceID: id, Capability: capability, Value: value})
	return nil
}

// SetAvailable marks a device available. An event is published only on a
// state transition.
func (m *Manager) SetAvailable(ctx context.Context, id string) error {
	var transition bool
	snapshot, err := m.mutate(ctx, id, "set available", func(d *Device) bool {
		transition = d.State != StateAvailable
		d.State = StateAvailable
		d.UnavailableReason = ""
		return transition
	})
	if err != nil {
		return err
	}
	if transition {
		m.publish(Event{Type: EventAvailable, DeviceID: id, Device: snapshot})
	}
	return nil
}

// SetUnavailable marks a device unavailable with a reason. An event is
// published only on a state transition.
func (m *Manager) SetUnavailable(ctx context.Context, id, reason string) error {
	var transition bool
	snapshot, err := m.mutate(ctx, id, "set unavailable", func(d *Device) bool {
		transition = d.State != StateUnavailable
		changed := transition || d.UnavailableReason != reason
		d.State = StateUnavailable
		d.UnavailableReason = reason
		return changed
	})
	if err != nil {
		return err
	}
	if transition {
		m.publish(Event{Type: EventUnavailable, DeviceID: id, Device: snapshot, Reason: reason})
	}
	return nil
}

// Get returns a snapshot of a device.
func (m *Manager) Get(id string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.devices[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, apperrors.ErrDeviceNotFound)
	}
	return d.Clone(), nil
}

// List returns snapshots of all devices ordered by creation time.
func (m *Manager) List() []*Device {
	m.mu.RLock()
	out := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d.Clone())
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Device) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Subscribe registers fn to receive device events. fn is called
// synchronously from the goroutine that made the change and must not block.
// The returned function removes the subscription.
func (m *Manager) Subscribe(fn func(Event)) func() {
	m.subMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subscribers, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = m.now()
	}

	m.subMu.RLock()
	subs := make([]func(Event), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.subMu.RUnlock()

	for _, fn := range subs {
		fn(e)
	}
}

// mutate applies fn to the device under the lock and persists it when fn
// reports a change. It returns a snapshot taken after the change.
func (m *Manager) mutate(ctx context.Context, id, op string, fn func(d *Device) bool) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[id]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", op, id, apperrors.ErrDeviceNotFound)
	}

	next := d.Clone()
	if !fn(next) {
		return next, nil
	}
	next.UpdatedAt = m.now()

	if err := m.store.SaveDevice(ctx, next); err != nil {
		return nil, apperrors.NewStorageError(op, id, err)
	}
	m.devices[id] = next
	return next.Clone(), nil
}

func (m *Manager) initDevice(ctx context.Context, d *Device) {
	lc := m.getLifecycle()
	if lc == nil {
		return
	}
	if err := lc.OnInit(ctx, d); err != nil {
		logger.Error().Err(err).Str("device_id", d.ID).Msg("Device init hook failed")
	}
}

func (m *Manager) getLifecycle() Lifecycle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lifecycle
}

func nonNil(v map[string]string) map[string]string {
	if v == nil {
		return make(map[string]string)
	}
	return v
}
