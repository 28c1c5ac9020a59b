// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package storage persists query readings to InfluxDB.
//
// Every successful poll produces one point in the "dns_queries" measurement,
// tagged with the device and profile and carrying the total, blocked and
// allowed counters as fields. Writes are synchronous so that a failure can be
// detected and the reading diverted to the local file cache (CachingStorage),
// from which it is replayed once InfluxDB is healthy again.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sony/gobreaker"
	apperrors "github.com/soothill/nextdns-profile-monitor/pkg/errors"
	"github.com/soothill/nextdns-profile-monitor/pkg/interfaces"
	"github.com/soothill/nextdns-profile-monitor/pkg/logger"
	"github.com/soothill/nextdns-profile-monitor/pkg/metrics"
)

const (
	// Measurement is the InfluxDB measurement name of query readings.
	Measurement = "dns_queries"

	connectTimeout        = 5 * time.Second
	breakerFailures       = 5
	breakerOpenTimeout    = 30 * time.Second
	maxFluxStringLength   = 1000
	latestReadingLookback = "-30d"
)

var _ interfaces.TimeSeriesStorage = (*InfluxDBStorage)(nil)

// InfluxDBStorage writes query readings to InfluxDB.
type InfluxDBStorage struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	breaker  *gobreaker.CircuitBreaker
	bucket   string
	org      string
}

// NewInfluxDBStorage connects to InfluxDB and verifies its health.
func NewInfluxDBStorage(url, token, org, bucket string) (*InfluxDBStorage, error) {
	if url == "" {
		return nil, apperrors.NewConfigError("influxdb.url", "", errors.New("must not be empty"))
	}

	client := influxdb2.NewClient(url, token)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}

	if health.Status != "pass" {
		client.Close()
		message := "unknown error"
		if health.Message != nil {
			message = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", message)
	}

	logger.Info().Str("url", url).Str("status", string(health.Status)).Msg("Connected to InfluxDB")

	return &InfluxDBStorage{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		breaker:  newWriteBreaker(),
		bucket:   bucket,
		org:      org,
	}, nil
}

func newWriteBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "influxdb-write",
		MaxRequests: 1,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("InfluxDB circuit breaker changed state")
		},
	})
}

// validateReading rejects readings that cannot be written.
func validateReading(reading *interfaces.QueryReading) error {
	if reading == nil {
		return apperrors.NewValidationError("reading", nil, "cannot be nil")
	}
	if reading.DeviceID == "" {
		return apperrors.NewValidationError("device_id", "", "cannot be empty")
	}
	if reading.Timestamp.IsZero() {
		return apperrors.NewValidationError("timestamp", reading.Timestamp, "cannot be zero")
	}
	return nil
}

// newPoint converts a reading into an InfluxDB point.
func newPoint(reading *interfaces.QueryReading) *write.Point {
	return influxdb2.NewPoint(
		Measurement,
		map[string]string{
			"device_id":   reading.DeviceID,
			"device_name": reading.DeviceName,
			"profile_id":  reading.ProfileID,
			"timerange":   reading.TimeRange,
		},
		map[string]interface{}{
			"total":   reading.Total,
			"blocked": reading.Blocked,
			"allowed": reading.Allowed,
		},
		reading.Timestamp,
	)
}

// WriteReading writes a single reading.
func (s *InfluxDBStorage) WriteReading(ctx context.Context, reading *interfaces.QueryReading) error {
	if err := validateReading(reading); err != nil {
		return err
	}
	return s.writePoints(ctx, reading.DeviceID, newPoint(reading))
}

// WriteBatch validates every reading and writes them in one request.
func (s *InfluxDBStorage) WriteBatch(ctx context.Context, readings []*interfaces.QueryReading) error {
	if readings == nil {
		return apperrors.NewValidationError("readings", nil, "slice cannot be nil")
	}
	if len(readings) == 0 {
		return nil
	}

	points := make([]*write.Point, 0, len(readings))
	for i, reading := range readings {
		if err := validateReading(reading); err != nil {
			return fmt.Errorf("invalid reading at index %d: %w", i, err)
		}
		points = append(points, newPoint(reading))
	}
	return s.writePoints(ctx, "", points...)
}

func (s *InfluxDBStorage) writePoints(ctx context.Context, deviceID string, points ...*write.Point) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.writeAPI.WritePoint(ctx, points...)
	})
	if err != nil {
		metrics.InfluxDBWriteErrors.Inc()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %v", apperrors.ErrCircuitBreakerOpen, err)
		}
		return apperrors.NewStorageError("write", deviceID, err)
	}
	metrics.InfluxDBWritesTotal.Add(float64(len(points)))
	return nil
}

// Flush completes pending batched writes. Writes are synchronous, so this
// only matters if batching was enabled on the write API.
func (s *InfluxDBStorage) Flush() {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := s.writeAPI.Flush(ctx); err != nil {
		logger.Warn().Err(err).Msg("InfluxDB flush failed")
	}
}

// Close closes the InfluxDB client.
func (s *InfluxDBStorage) Close() {
	logger.Info().Msg("Closing InfluxDB connection")
	s.Flush()
	s.client.Close()
}

// Health checks that InfluxDB reports a passing status.
func (s *InfluxDBStorage) Health(ctx context.Context) error {
	health, err := s.client.Health(ctx)
	if err != nil {
		return apperrors.NewStorageError("health", "", err)
	}
	if health.Status != "pass" {
		message := string(health.Status)
		if health.Message != nil {
			message = *health.Message
		}
		return apperrors.NewStorageError("health", "", errors.New(message))
	}
	return nil
}

// Client returns the underlying InfluxDB client.
func (s *InfluxDBStorage) Client() influxdb2.Client {
	return s.client
}

// QueryLatestReading returns the most recent reading of a device.
func (s *InfluxDBStorage) QueryLatestReading(ctx context.Context, deviceID string) (*interfaces.QueryReading, error) {
	if deviceID == "" {
		return nil, apperrors.NewValidationError("device_id", "", "cannot be empty")
	}

	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: %s)
			|> filter(fn: (r) => r._measurement == "%s")
			|> filter(fn: (r) => r.device_id == "%s")
			|> last()
	`, sanitizeFluxString(s.bucket), latestReadingLookback, Measurement, sanitizeFluxString(deviceID))

	result, err := s.client.QueryAPI(s.org).Query(ctx, query)
	if err != nil {
		return nil, apperrors.NewStorageError("query", deviceID, err)
	}
	defer func() {
		_ = result.Close()
	}()

	reading := &interfaces.QueryReading{DeviceID: deviceID}
	found := false

	for result.Next() {
		record := result.Record()
		found = true

		if name, ok := record.ValueByKey("device_name").(string); ok {
			reading.DeviceName = name
		}
		if profile, ok := record.ValueByKey("profile_id").(string); ok {
			reading.ProfileID = profile
		}
		if tr, ok := record.ValueByKey("timerange").(string); ok {
			reading.TimeRange = tr
		}
		if record.Time().After(reading.Timestamp) {
			reading.Timestamp = record.Time()
		}

		val, ok := record.Value().(float64)
		if !ok {
			continue
		}
		switch record.Field() {
		case "total":
			reading.Total = val
		case "blocked":
			reading.Blocked = val
		case "allowed":
			reading.Allowed = val
		}
	}

	if result.Err() != nil {
		return nil, apperrors.NewStorageError("query", deviceID, result.Err())
	}
	if !found {
		return nil, apperrors.NewStorageError("query", deviceID, apperrors.ErrDeviceNotFound)
	}

	return reading, nil
}

// sanitizeFluxString makes s safe to embed in a double-quoted Flux string
// literal. Input is cut to 1000 bytes on a rune boundary, NUL bytes are
// dropped and quotes, backslashes and line breaks are escaped.
func sanitizeFluxString(s string) string {
	if len(s) > maxFluxStringLength {
		cut := maxFluxStringLength
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case 0:
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
