// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package driver implements the NextDNS profile device type.
//
// A profile device mirrors the analytics of one NextDNS configuration
// profile. Pairing asks for an API key, validates it against the service and
// lists the profiles the key can access. Once paired, each device is polled
// on a fixed timer and its total, blocked and allowed query counters are
// written as capabilities.
//
// The API key is a single process-wide setting shared by every device.
// Replacing it through repair affects all devices from their next poll.
package driver

import (
	"context"
	"time"

	"github.com/soothill/nextdns-profile-monitor/device"
	"github.com/soothill/nextdns-profile-monitor/pkg/interfaces"
	"github.com/soothill/nextdns-profile-monitor/pkg/logger"
	"github.com/soothill/nextdns-profile-monitor/pkg/metrics"
)

// defaultPollTimeout bounds polls triggered outside the device timer.
const defaultPollTimeout = 30 * time.Second

// DeviceSource looks up the current state of a device.
type DeviceSource interface {
	Get(id string) (*device.Device, error)
}

var (
	_ device.Lifecycle         = (*ProfileDriver)(nil)
	_ device.SettingsDefaulter = (*ProfileDriver)(nil)
)

// ProfileDriver receives device lifecycle callbacks and schedules polls.
type ProfileDriver struct {
	ctx     context.Context // lifetime of device timers
	poller  *Poller
	monitor interfaces.DeviceMonitor
	devices DeviceSource
}

// NewProfileDriver creates the driver. Device timers run until ctx is
// cancelled or the device is deleted.
func NewProfileDriver(ctx context.Context, poller *Poller, monitor interfaces.DeviceMonitor, devices DeviceSource) *ProfileDriver {
	return &ProfileDriver{
		ctx:     ctx,
		poller:  poller,
		monitor: monitor,
		devices: devices,
	}
}

// DefaultSettings returns the settings of a newly paired device.
func (pd *ProfileDriver) DefaultSettings() map[string]string {
	return map[string]string{SettingTimeRange: DefaultTimeRange}
}

// OnInit starts the device's poll timer.
func (pd *ProfileDriver) OnInit(_ context.Context, d *device.Device) error {
	id := d.ID
	pd.monitor.StartMonitoringDevice(pd.ctx, id, func(ctx context.Context) {
		pd.PollDevice(ctx, id)
	})
	return nil
}

// OnAdded polls the new device once.
func (pd *ProfileDriver) OnAdded(ctx context.Context, d *device.Device) error {
	pd.pollDetached(ctx, d)
	return nil
}

// OnSettings polls the device once with its new settings.
func (pd *ProfileDriver) OnSettings(ctx context.Context, d *device.Device, change device.SettingsChange) error {
	log := logger.ForDevice(d.ID, d.StoreValue(StoreKeyProfileID))
	log.Info().Strs("changed_keys", change.ChangedKeys).Msg("Profile device settings changed")
	pd.pollDetached(ctx, d)
	return nil
}

// OnRenamed logs the new name.
func (pd *ProfileDriver) OnRenamed(_ context.Context, d *device.Device, name string) {
	log := logger.ForDevice(d.ID, d.StoreValue(StoreKeyProfileID))
	log.Info().Str("name", name).Msg("Profile device was renamed")
}

// OnDeleted stops the device's timer and drops its metrics.
func (pd *ProfileDriver) OnDeleted(_ context.Context, d *device.Device) {
	profileID := d.StoreValue(StoreKeyProfileID)
	pd.monitor.StopMonitoringDevice(d.ID)
	metrics.ForgetDevice(d.ID, profileID)
	log := logger.ForDevice(d.ID, profileID)
	log.Info().Msg("Profile device has been deleted")
}

// PollDevice polls a device by ID using its current settings. Devices that
// no longer exist are skipped.
func (pd *ProfileDriver) PollDevice(ctx context.Context, id string) {
	d, err := pd.devices.Get(id)
	if err != nil {
		logger.Debug().Err(err).Str("device_id", id).Msg("Skipping poll of unknown device")
		return
	}
	pd.poller.CheckStatus(ctx, d)
}

// pollDetached runs a poll that outlives the caller's cancellation, so a
// dropped HTTP request does not turn into a failed poll.
func (pd *ProfileDriver) pollDetached(ctx context.Context, d *device.Device) {
	pollCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultPollTimeout)
	defer cancel()
	pd.poller.CheckStatus(pollCtx, d)
}
