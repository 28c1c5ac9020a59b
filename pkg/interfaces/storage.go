// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package interfaces defines abstract interfaces for core system components.
// This package promotes loose coupling and testability by allowing
// dependency injection and easy mocking in tests.
package interfaces

import (
	"context"
	"time"
)

// QueryReading is one successful analytics poll of a profile device.
type QueryReading struct {
	DeviceID   string
	DeviceName string
	ProfileID  string
	TimeRange  string
	Timestamp  time.Time
	Total      float64 // blocked + allowed
	Blocked    float64
	Allowed    float64
}

// TimeSeriesStorage defines the interface for time-series data persistence.
type TimeSeriesStorage interface {
	// WriteReading writes a single query reading to storage
	WriteReading(ctx context.Context, reading *QueryReading) error

	// WriteBatch writes multiple readings to storage
	WriteBatch(ctx context.Context, readings []*QueryReading) error

	// Flush ensures all pending writes are completed
	Flush()

	// Close gracefully shuts down the storage connection
	Close()

	// Health checks if the storage backend is healthy
	Health(ctx context.Context) error

	// QueryLatestReading retrieves the most recent reading for a device
	QueryLatestReading(ctx context.Context, deviceID string) (*QueryReading, error)
}

// ReadingPublisher accepts readings produced by a poll.
// Publish must not block the poller.
type ReadingPublisher interface {
	Publish(reading *QueryReading)
}
