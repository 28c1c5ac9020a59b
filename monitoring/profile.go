// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package monitoring runs the periodic status poll of every profile device.
//
// Each monitored device gets its own goroutine driven by a ticker. A tick
// that arrives while the previous poll is still running is coalesced by the
// ticker, so polls of one device never overlap on its timer. Successful
// polls publish readings into a buffered channel drained by the data writer.
package monitoring

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soothill/nextdns-profile-monitor/pkg/interfaces"
	"github.com/soothill/nextdns-profile-monitor/pkg/logger"
	"github.com/soothill/nextdns-profile-monitor/pkg/metrics"
)

const (
	// DefaultPollInterval is the cadence used when none is configured.
	DefaultPollInterval = 15 * time.Second

	// DefaultReadingsBuffer is used when a non-positive buffer size is given.
	DefaultReadingsBuffer = 100
)

var _ interfaces.DeviceMonitor = (*ProfileMonitor)(nil)

type monitoredDevice struct {
	cancel context.CancelFunc
}

// ProfileMonitor owns the poll timers of all devices.
type ProfileMonitor struct {
	pollInterval     atomic.Int64 // nanoseconds
	readings         chan *interfaces.QueryReading
	monitoredDevices map[string]*monitoredDevice
	deviceMutex      sync.RWMutex // Protects monitoredDevices and stopped
	wg               sync.WaitGroup
	stopped          bool
}

// NewProfileMonitor creates a monitor that polls each device every
// pollInterval and buffers up to bufferSize readings.
func NewProfileMonitor(pollInterval time.Duration, bufferSize int) *ProfileMonitor {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if bufferSize <= 0 {
		bufferSize = DefaultReadingsBuffer
	}
	pm := &ProfileMonitor{
		readings:         make(chan *interfaces.QueryReading, bufferSize),
		monitoredDevices: make(map[string]*monitoredDevice),
	}
	pm.pollInterval.Store(int64(pollInterval))
	return pm
}

// StartMonitoringDevice starts the timer of a device if it is not already
// running. The first poll happens one interval after the start.
func (pm *ProfileMonitor) StartMonitoringDevice(ctx context.Context, deviceID string, poll interfaces.PollFunc) bool {
	pm.deviceMutex.Lock()
	defer pm.deviceMutex.Unlock()

	if pm.stopped {
		logger.Warn().Str("device_id", deviceID).Msg("Monitor stopped, not starting device timer")
		return false
	}

	if _, exists := pm.monitoredDevices[deviceID]; exists {
		logger.Debug().Str("device_id", deviceID).Msg("Device already being monitored, skipping")
		return false
	}

	deviceCtx, cancel := context.WithCancel(ctx)
	entry := &monitoredDevice{cancel: cancel}
	pm.monitoredDevices[deviceID] = entry
	metrics.DevicesMonitored.Set(float64(len(pm.monitoredDevices)))

	logger.Info().Str("device_id", deviceID).Dur("interval", pm.interval()).Msg("Starting monitoring for device")

	pm.wg.Add(1)
	go pm.monitorDevice(deviceCtx, deviceID, entry, poll)
	return true
}

// StopMonitoringDevice stops the timer of a device. A poll in progress is
// cancelled through its context.
func (pm *ProfileMonitor) StopMonitoringDevice(deviceID string) {
	pm.deviceMutex.Lock()
	defer pm.deviceMutex.Unlock()

	if entry, exists := pm.monitoredDevices[deviceID]; exists {
		entry.cancel()
		delete(pm.monitoredDevices, deviceID)
		metrics.DevicesMonitored.Set(float64(len(pm.monitoredDevices)))
		logger.Info().Str("device_id", deviceID).Msg("Stopped monitoring device")
	}
}

// IsMonitoring checks if a device is currently being monitored
func (pm *ProfileMonitor) IsMonitoring(deviceID string) bool {
	pm.deviceMutex.RLock()
	defer pm.deviceMutex.RUnlock()
	_, exists := pm.monitoredDevices[deviceID]
	return exists
}

// GetMonitoredDeviceCount returns the number of devices being monitored
func (pm *ProfileMonitor) GetMonitoredDeviceCount() int {
	pm.deviceMutex.RLock()
	defer pm.deviceMutex.RUnlock()
	return len(pm.monitoredDevices)
}

// UpdatePollInterval changes the poll cadence. Running timers pick up the
// new interval after their next tick.
func (pm *ProfileMonitor) UpdatePollInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	old := time.Duration(pm.pollInterval.Swap(int64(interval)))
	if old != interval {
		logger.Info().Dur("old_interval", old).Dur("new_interval", interval).Msg("Poll interval updated")
	}
}

func (pm *ProfileMonitor) interval() time.Duration {
	return time.Duration(pm.pollInterval.Load())
}

// Publish queues a reading without blocking. The reading is dropped when the
// channel is full or the monitor has stopped.
func (pm *ProfileMonitor) Publish(reading *interfaces.QueryReading) {
	pm.deviceMutex.RLock()
	defer pm.deviceMutex.RUnlock()

	if pm.stopped {
		return
	}

	select {
	case pm.readings <- reading:
	default:
		logger.Warn().Str("device_id", reading.DeviceID).Msg("Readings channel full, dropping reading")
	}
}

func (pm *ProfileMonitor) monitorDevice(ctx context.Context, deviceID string, entry *monitoredDevice, poll interfaces.PollFunc) {
	defer pm.wg.Done()

	current := pm.interval()
	ticker := time.NewTicker(current)
	defer ticker.Stop()

	defer func() {
		pm.deviceMutex.Lock()
		// A restart may already have replaced this entry.
		if pm.monitoredDevices[deviceID] == entry {
			delete(pm.monitoredDevices, deviceID)
			metrics.DevicesMonitored.Set(float64(len(pm.monitoredDevices)))
		}
		pm.deviceMutex.Unlock()
		logger.Debug().Str("device_id", deviceID).Msg("Device timer exited")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			poll(ctx)

			if next := pm.interval(); next != current {
				current = next
				ticker.Reset(current)
			}
		}
	}
}

// Readings returns the channel for receiving query readings
func (pm *ProfileMonitor) Readings() <-chan *interfaces.QueryReading {
	return pm.readings
}

// Stop stops all device timers, waits for running polls to return and
// closes the readings channel.
func (pm *ProfileMonitor) Stop() {
	pm.deviceMutex.Lock()
	if pm.stopped {
		pm.deviceMutex.Unlock()
		return
	}
	pm.stopped = true

	for deviceID, entry := range pm.monitoredDevices {
		logger.Debug().Str("device_id", deviceID).Msg("Stopping device monitoring")
		entry.cancel()
	}
	pm.deviceMutex.Unlock()

	pm.wg.Wait()

	close(pm.readings)
	logger.Info().Msg("Profile monitor stopped, readings channel closed")
}
