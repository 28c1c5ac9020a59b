// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package metrics provides Prometheus metrics for the NextDNS profile monitor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DevicesPaired tracks the number of profile devices known to the device manager
	DevicesPaired = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nextdns_devices_paired",
		Help: "Number of paired NextDNS profile devices",
	})

	// DevicesMonitored tracks the number of devices with an active poll timer
	DevicesMonitored = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nextdns_devices_monitored",
		Help: "Number of devices currently being polled",
	})

	// PollsTotal tracks the total number of successful analytics polls
	PollsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nextdns_polls_total",
		Help: "Total number of successful analytics polls",
	})

	// PollErrors tracks the number of failed analytics polls
	PollErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nextdns_poll_errors_total",
		Help: "Total number of failed analytics polls",
	})

	// PollDuration tracks how long one analytics poll takes
	PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nextdns_poll_duration_seconds",
		Help:    "Duration of an analytics poll in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// APIRequests counts remote API calls by endpoint and outcome
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nextdns_api_requests_total",
		Help: "Total number of NextDNS API requests",
	}, []string{"endpoint", "result"})

	// PairingAttempts counts API key submissions by result
	PairingAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nextdns_pairing_attempts_total",
		Help: "Total number of API key submissions during pairing and repair",
	}, []string{"result"})

	// InfluxDBWritesTotal tracks the total number of writes to InfluxDB
	InfluxDBWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nextdns_influxdb_writes_total",
		Help: "Total number of writes to InfluxDB",
	})

	// InfluxDBWriteErrors tracks the number of failed writes to InfluxDB
	InfluxDBWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nextdns_influxdb_write_errors_total",
		Help: "Total number of failed writes to InfluxDB",
	})

	// CacheSizeBytes tracks the size of the local reading cache
	CacheSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nextdns_cache_size_bytes",
		Help: "Size of readings held in the local cache while InfluxDB is unavailable",
	})

	// ReadingsCached counts readings diverted to the local cache
	ReadingsCached = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nextdns_readings_cached_total",
		Help: "Total number of readings written to the local cache",
	})

	// ReadingsReplayed counts cached readings written back to InfluxDB
	ReadingsReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nextdns_readings_replayed_total",
		Help: "Total number of cached readings replayed to InfluxDB",
	})

	// HTTPRequests counts requests served by the control API
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nextdns_http_requests_total",
		Help: "Total number of control API requests",
	}, []string{"method", "route", "status"})

	// NotificationsSent counts outgoing alerts by result
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nextdns_notifications_total",
		Help: "Total number of alerts sent, by result",
	}, []string{"result"})

	// TotalQueries tracks the latest total query count per device
	TotalQueries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nextdns_total_dns_requests",
		Help: "Total DNS queries in the configured time range",
	}, []string{"device_id", "profile_id"})

	// BlockedQueries tracks the latest blocked query count per device
	BlockedQueries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nextdns_blocked_dns_requests",
		Help: "Blocked DNS queries in the configured time range",
	}, []string{"device_id", "profile_id"})

	// AllowedQueries tracks the latest allowed query count per device
	AllowedQueries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nextdns_allowed_dns_requests",
		Help: "Allowed DNS queries in the configured time range",
	}, []string{"device_id", "profile_id"})

	// DeviceAvailable is 1 when the last poll of a device succeeded, 0 otherwise
	DeviceAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nextdns_device_available",
		Help: "Whether the device's last poll succeeded (1) or failed (0)",
	}, []string{"device_id", "profile_id"})
)

// ForgetDevice removes the per-device series of a deleted device.
func ForgetDevice(deviceID, profileID string) {
	TotalQueries.DeleteLabelValues(deviceID, profileID)
	BlockedQueries.DeleteLabelValues(deviceID, profileID)
	AllowedQueries.DeleteLabelValues(deviceID, profileID)
	DeviceAvailable.DeleteLabelValues(deviceID, profileID)
}
