// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package driver

import (
	"context"
	"errors"
	"time"

	"github.com/soothill/nextdns-profile-monitor/device"
	"github.com/soothill/nextdns-profile-monitor/nextdns"
	apperrors "github.com/soothill/nextdns-profile-monitor/pkg/errors"
	"github.com/soothill/nextdns-profile-monitor/pkg/interfaces"
	"github.com/soothill/nextdns-profile-monitor/pkg/logger"
	"github.com/soothill/nextdns-profile-monitor/pkg/metrics"
)

// Device keys used by the profile driver.
const (
	StoreKeyProfileID = "id"
	SettingTimeRange  = "timerange"
	DefaultTimeRange  = "24h"
)

// Capabilities written after a successful poll.
const (
	CapabilityTotal   = "total_dns_requests"
	CapabilityBlocked = "blocked_dns_requests"
	CapabilityAllowed = "allowed_dns_requests"
)

// StatusFetcher fetches the per-status analytics of a profile.
type StatusFetcher interface {
	AnalyticsStatus(ctx context.Context, apiKey, profileID, timeRange string) ([]nextdns.StatusCount, error)
}

// DeviceState is the part of the device manager the poller writes to.
type DeviceState interface {
	SetCapabilityValue(ctx context.Context, id, capability string, value float64) error
	SetAvailable(ctx context.Context, id string) error
	SetUnavailable(ctx context.Context, id, reason string) error
}

// Poller refreshes the query counters of profile devices.
type Poller struct {
	api       StatusFetcher
	settings  interfaces.SettingsStore
	devices   DeviceState
	publisher interfaces.ReadingPublisher
	now       func() time.Time
}

// NewPoller creates a poller. publisher may be nil.
func NewPoller(api StatusFetcher, settings interfaces.SettingsStore, devices DeviceState, publisher interfaces.ReadingPublisher) *Poller {
	return &Poller{
		api:       api,
		settings:  settings,
		devices:   devices,
		publisher: publisher,
		now:       time.Now,
	}
}

// TimeRange returns the device's time-range setting, defaulting to 24h.
func TimeRange(d *device.Device) string {
	if tr := d.Setting(SettingTimeRange); tr != "" {
		return tr
	}
	return DefaultTimeRange
}

// CheckStatus polls the analytics of the device's profile once. On success
// the device is marked available and its three counters are written. On any
// failure the error is logged, the device is marked unavailable and no
// counter is touched. CheckStatus never fails.
func (p *Poller) CheckStatus(ctx context.Context, d *device.Device) {
	start := p.now()
	metrics.PollsTotal.Inc()
	defer func() {
		metrics.PollDuration.Observe(time.Since(start).Seconds())
	}()

	profileID := d.StoreValue(StoreKeyProfileID)
	log := logger.ForDevice(d.ID, profileID)

	snapshot, timeRange, err := p.fetch(ctx, d, profileID)
	if err == nil {
		err = p.devices.SetAvailable(ctx, d.ID)
	}
	if errors.Is(err, apperrors.ErrDeviceNotFound) {
		log.Debug().Msg("Device deleted during poll, result dropped")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Error while checking device status")

		uerr := p.devices.SetUnavailable(ctx, d.ID, err.Error())
		if errors.Is(uerr, apperrors.ErrDeviceNotFound) {
			log.Debug().Msg("Device deleted during poll, result dropped")
			return
		}
		if uerr != nil {
			log.Error().Err(uerr).Msg("Failed to mark device unavailable")
		}
		metrics.PollErrors.Inc()
		metrics.DeviceAvailable.WithLabelValues(d.ID, profileID).Set(0)
		return
	}

	for _, c := range []struct {
		name  string
		value float64
	}{
		{CapabilityTotal, snapshot.Total},
		{CapabilityBlocked, snapshot.Blocked},
		{CapabilityAllowed, snapshot.Allowed},
	} {
		if err := p.devices.SetCapabilityValue(ctx, d.ID, c.name, c.value); err != nil {
			if errors.Is(err, apperrors.ErrDeviceNotFound) {
				log.Debug().Msg("Device deleted during poll, result dropped")
				return
			}
			log.Warn().Err(err).Str("capability", c.name).Msg("Failed to set capability value")
		}
	}

	metrics.DeviceAvailable.WithLabelValues(d.ID, profileID).Set(1)
	metrics.TotalQueries.WithLabelValues(d.ID, profileID).Set(snapshot.Total)
	metrics.BlockedQueries.WithLabelValues(d.ID, profileID).Set(snapshot.Blocked)
	metrics.AllowedQueries.WithLabelValues(d.ID, profileID).Set(snapshot.Allowed)

	log.Debug().
		Str("timerange", timeRange).
		Float64("total", snapshot.Total).
		Float64("blocked", snapshot.Blocked).
		Float64("allowed", snapshot.Allowed).
		Msg("Profile status updated")

	if p.publisher != nil {
		p.publisher.Publish(&interfaces.QueryReading{
			DeviceID:   d.ID,
			DeviceName: d.Name,
			ProfileID:  profileID,
			TimeRange:  timeRange,
			Timestamp:  start,
			Total:      snapshot.Total,
			Blocked:    snapshot.Blocked,
			Allowed:    snapshot.Allowed,
		})
	}
}

func (p *Poller) fetch(ctx context.Context, d *device.Device, profileID string) (nextdns.Snapshot, string, error) {
	timeRange := TimeRange(d)

	key, err := p.settings.Get(ctx, SettingsKeyAPIKey)
	if err != nil {
		return nextdns.Snapshot{}, timeRange, apperrors.NewMonitoringError("read api key", d.ID, err)
	}
	if key == "" {
		return nextdns.Snapshot{}, timeRange, apperrors.NewMonitoringError("read api key", d.ID, apperrors.ErrCredentialNotFound)
	}
	if profileID == "" {
		return nextdns.Snapshot{}, timeRange, apperrors.NewValidationError(StoreKeyProfileID, profileID, "device has no profile id")
	}

	counts, err := p.api.AnalyticsStatus(ctx, key, profileID, timeRange)
	if err != nil {
		if errors.Is(err, apperrors.ErrAuthRequired) {
			err = apperrors.ErrInvalidCredential
		}
		return nextdns.Snapshot{}, timeRange, apperrors.NewMonitoringError("check status", d.ID, err)
	}

	return nextdns.Summarize(counts), timeRange, nil
}
