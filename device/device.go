// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package device implements the host side of device management.
//
// A Manager owns every paired device, persists it through a Store and calls
// back into a registered Lifecycle implementation (the driver) when a device
// is initialized, added, reconfigured, renamed or deleted. State changes made
// by the driver (capability values, availability) are published as Events to
// subscribers such as the WebSocket hub.
//
// # Device Data
//
// Each device carries three string maps:
//   - Data: immutable identity assigned at pairing time
//   - Store: mutable driver-private values
//   - Settings: user-editable configuration
//
// Capabilities hold the numeric sensor values written by the driver.
package device

import (
	"context"
	"maps"
	"time"
)

// Availability is the reachability state of a device.
type Availability string

// Availability states. A device starts unpolled and moves to available or
// unavailable after its first poll.
const (
	StateUnpolled    Availability = "unpolled"
	StateAvailable   Availability = "available"
	StateUnavailable Availability = "unavailable"
)

// Device is a paired device instance.
type Device struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	Data              map[string]string  `json:"data"`
	Store             map[string]string  `json:"store"`
	Settings          map[string]string  `json:"settings"`
	Capabilities      map[string]float64 `json:"capabilities"`
	State             Availability       `json:"state"`
	UnavailableReason string             `json:"unavailable_reason,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// StoreValue returns a value from the device's store map.
func (d *Device) StoreValue(key string) string {
	return d.Store[key]
}

// Setting returns a value from the device's settings map.
func (d *Device) Setting(key string) string {
	return d.Settings[key]
}

// Clone returns a deep copy of the device.
func (d *Device) Clone() *Device {
	c := *d
	c.Data = maps.Clone(d.Data)
	c.Store = maps.Clone(d.Store)
	c.Settings = maps.Clone(d.Settings)
	c.Capabilities = maps.Clone(d.Capabilities)
	return &c
}

// Candidate is a pairable device offered to the user during pairing.
type Candidate struct {
	Name  string            `json:"name" binding:"required"`
	Data  map[string]string `json:"data"`
	Store map[string]string `json:"store"`
}

// SettingsChange describes a settings update passed to Lifecycle.OnSettings.
type SettingsChange struct {
	Old         map[string]string
	New         map[string]string
	ChangedKeys []string
}

// Lifecycle receives device lifecycle callbacks from the Manager.
// Every device passed to a callback is a snapshot; mutations go through the
// Manager.
type Lifecycle interface {
	OnInit(ctx context.Context, d *Device) error
	OnAdded(ctx context.Context, d *Device) error
	OnSettings(ctx context.Context, d *Device, change SettingsChange) error
	OnRenamed(ctx context.Context, d *Device, name string)
	OnDeleted(ctx context.Context, d *Device)
}

// Store persists devices.
type Store interface {
	SaveDevice(ctx context.Context, d *Device) error
	DeleteDevice(ctx context.Context, id string) error
	ListDevices(ctx context.Context) ([]*Device, error)
}

// EventType identifies what changed on a device.
type EventType string

// Event types published by the Manager.
const (
	EventAdded       EventType = "added"
	EventDeleted     EventType = "deleted"
	EventRenamed     EventType = "renamed"
	EventSettings    EventType = "settings"
	EventCapability  EventType = "capability"
	EventAvailable   EventType = "available"
	EventUnavailable EventType = "unavailable"
)

// Event is a device change notification.
type Event struct {
	Type       EventType `json:"type"`
	DeviceID   string    `json:"device_id"`
	Device     *Device   `json:"device,omitempty"`
	Capability string    `json:"capability,omitempty"`
	Value      float64   `json:"value,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
