// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package interfaces

import (
	"context"
	"time"
)

// PollFunc performs one poll of a device.
type PollFunc func(ctx context.Context)

// DeviceMonitor runs the periodic poll timer of each device.
type DeviceMonitor interface {
	ReadingPublisher

	// StartMonitoringDevice starts a timer that calls poll every interval.
	// Returns true if monitoring started, false if already monitored
	StartMonitoringDevice(ctx context.Context, deviceID string, poll PollFunc) bool

	// StopMonitoringDevice stops the timer of a specific device
	StopMonitoringDevice(deviceID string)

	// IsMonitoring checks if a device is currently being monitored
	IsMonitoring(deviceID string) bool

	// GetMonitoredDeviceCount returns the number of devices being monitored
	GetMonitoredDeviceCount() int

	// UpdatePollInterval changes the cadence of all timers, taking effect
	// after each timer's next tick
	UpdatePollInterval(interval time.Duration)

	// Readings returns the channel for receiving query readings
	Readings() <-chan *QueryReading

	// Stop stops all device timers and closes the readings channel
	Stop()
}
