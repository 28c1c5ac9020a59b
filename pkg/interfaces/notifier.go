// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package interfaces

import (
	"context"
)

// Notifier is a generic operator alert channel. Components with their own
// alert kinds (device availability, storage outages) declare narrower
// interfaces next to where they are used.
type Notifier interface {
	// SendAlert sends a titled message. severity is one of "danger",
	// "warning" or "good".
	SendAlert(ctx context.Context, severity, title, message string) error
	// IsEnabled reports whether alerts are delivered anywhere.
	IsEnabled() bool
}
