// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package notifications

import (
	"context"
	"sync"

	"github.com/soothill/nextdns-profile-monitor/device"
	"github.com/soothill/nextdns-profile-monitor/pkg/logger"
)

const alertQueueSize = 64

// DeviceNotifier sends device availability alerts.
type DeviceNotifier interface {
	SendDeviceUnavailable(ctx context.Context, deviceName, reason string) error
	SendDeviceRecovered(ctx context.Context, deviceName string) error
	IsEnabled() bool
}

// DeviceAlerter turns device availability events into alerts. Handle is
// called from the device manager's event dispatch and never blocks; alerts
// are sent from Run.
type DeviceAlerter struct {
	notifier DeviceNotifier
	queue    chan device.Event

	mu   sync.Mutex
	down map[string]bool // devices with an outstanding unavailable alert
}

// NewDeviceAlerter creates an alerter.
func NewDeviceAlerter(notifier DeviceNotifier) *DeviceAlerter {
	return &DeviceAlerter{
		notifier: notifier,
		queue:    make(chan device.Event, alertQueueSize),
		down:     make(map[string]bool),
	}
}

// Handle queues availability events. Other events are ignored.
func (a *DeviceAlerter) Handle(ev device.Event) {
	switch ev.Type {
	case device.EventAvailable, device.EventUnavailable, device.EventDeleted:
	default:
		return
	}
	select {
	case a.queue <- ev:
	default:
		logger.Warn().Str("device_id", ev.DeviceID).Msg("Alert queue full, dropping device alert")
	}
}

// Run sends queued alerts until ctx is cancelled.
func (a *DeviceAlerter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.queue:
			a.process(ctx, ev)
		}
	}
}

func (a *DeviceAlerter) process(ctx context.Context, ev device.Event) {
	name := ev.DeviceID
	if ev.Device != nil && ev.Device.Name != "" {
		name = ev.Device.Name
	}

	a.mu.Lock()
	wasDown := a.down[ev.DeviceID]
	switch ev.Type {
	case device.EventUnavailable:
		a.down[ev.DeviceID] = true
	case device.EventAvailable, device.EventDeleted:
		delete(a.down, ev.DeviceID)
	}
	a.mu.Unlock()

	if !a.notifier.IsEnabled() {
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()

	var err error
	switch {
	case ev.Type == device.EventUnavailable && !wasDown:
		err = a.notifier.SendDeviceUnavailable(sendCtx, name, ev.Reason)
	case ev.Type == device.EventAvailable && wasDown:
		err = a.notifier.SendDeviceRecovered(sendCtx, name)
	}
	if err != nil {
		logger.Error().Err(err).Str("device_id", ev.DeviceID).Msg("Failed to send device alert")
	}
}

// Outstanding returns the number of devices currently alerted as unavailable.
func (a *DeviceAlerter) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.down)
}
