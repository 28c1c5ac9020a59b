// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package interfaces

import "context"

// SettingsStore is the process-wide key-value store owned by the host.
// It holds the API key shared by the pairing coordinator and the poller.
type SettingsStore interface {
	// Get returns the value stored under key, or "" when nothing is stored.
	Get(ctx context.Context, key string) (string, error)

	// Set stores or replaces the value under key.
	Set(ctx context.Context, key, value string) error
}
