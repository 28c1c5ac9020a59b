// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package errors provides structured error types for the NextDNS profile monitor.
//
// The types carry the operation that failed and wrap the underlying cause, so
// callers can inspect failures with errors.Is and errors.As instead of
// matching on message text.
//
// # Error Kinds
//
// Three kinds of failure reach the boundary of a pairing or polling operation:
//
//   - a missing credential (ErrCredentialNotFound)
//   - a remote authentication rejection (ErrAuthRequired, surfaced to pairing as
//     ErrInvalidCredential)
//   - a transport or unexpected response shape failure (APIError)
//
// Pairing wraps all of them in a PairingError whose message is a static
// prefix followed by the original message. Polling logs them and marks the
// device unavailable.
//
// # Example Usage
//
//	err := errors.NewAPIError("list profiles", 502, fmt.Errorf("bad gateway"))
//	if errors.IsAPIError(err) {
//	    log.Printf("remote call failed: %v", err)
//	}
//
//	var pairingErr *errors.PairingError
//	if errors.As(err, &pairingErr) {
//	    log.Printf("pairing step failed: %s", pairingErr.Prefix)
//	}
package errors

import (
	"errors"
	"fmt"
)

// APIError represents a failed call to the remote analytics API.
type APIError struct {
	Op         string // Operation being performed (e.g., "list profiles", "analytics status")
	StatusCode int    // HTTP status code, 0 when no response was received
	Code       string // First error code reported in the response body, if any
	Err        error  // Underlying error
}

func (e *APIError) Error() string {
	switch {
	case e.Code != "" && e.StatusCode != 0:
		return fmt.Sprintf("api %s (status=%d, code=%s): %v", e.Op, e.StatusCode, e.Code, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("api %s (status=%d): %v", e.Op, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("api %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("api %s failed", e.Op)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// NewAPIError creates a new API error.
func NewAPIError(op string, statusCode int, err error) *APIError {
	return &APIError{Op: op, StatusCode: statusCode, Err: err}
}

// IsAPIError checks if an error is an APIError.
func IsAPIError(err error) bool {
	var ae *APIError
	return errors.As(err, &ae)
}

// PairingError is returned to a pairing or repair session. Its message is the
// static prefix of the failing step followed by the cause's message.
type PairingError struct {
	Prefix string // Descriptive prefix, e.g. "Error during API key check: "
	Err    error  // Underlying error
}

func (e *PairingError) Error() string {
	if e.Err == nil {
		return e.Prefix
	}
	return e.Prefix + e.Err.Error()
}

func (e *PairingError) Unwrap() error {
	return e.Err
}

// NewPairingError creates a new pairing error.
func NewPairingError(prefix string, err error) *PairingError {
	return &PairingError{Prefix: prefix, Err: err}
}

// IsPairingError checks if an error is a PairingError.
func IsPairingError(err error) bool {
	var pe *PairingError
	return errors.As(err, &pe)
}

// StorageError represents an error during storage operations.
type StorageError struct {
	Op       string // Operation being performed (e.g., "write", "read", "query")
	DeviceID string // Device ID involved in the operation (if applicable)
	Err      error  // Underlying error
}

func (e *StorageError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("storage %s (device=%s): %v", e.Op, e.DeviceID, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s failed", e.Op)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new storage error.
func NewStorageError(op string, deviceID string, err error) *StorageError {
	return &StorageError{Op: op, DeviceID: deviceID, Err: err}
}

// IsStorageError checks if an error is a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field string // Configuration field that caused the error
	Value string // Invalid value (optional, may be redacted for sensitive fields)
	Err   error  // Underlying error or description
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("config error in field %q (value=%q): %v", e.Field, e.Value, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("config error in field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config error in field %q", e.Field)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new configuration error.
func NewConfigError(field string, value string, err error) *ConfigError {
	return &ConfigError{Field: field, Value: value, Err: err}
}

// IsConfigError checks if an error is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// MonitoringError represents an error while polling a device.
type MonitoringError struct {
	Op       string // Operation being performed (e.g., "check status", "mark unavailable")
	DeviceID string // Device ID involved
	Err      error  // Underlying error
}

func (e *MonitoringError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("monitoring %s (device=%s): %v", e.Op, e.DeviceID, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("monitoring %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("monitoring %s failed", e.Op)
}

func (e *MonitoringError) Unwrap() error {
	return e.Err
}

// NewMonitoringError creates a new monitoring error.
func NewMonitoringError(op string, deviceID string, err error) *MonitoringError {
	return &MonitoringError{Op: op, DeviceID: deviceID, Err: err}
}

// IsMonitoringError checks if an error is a MonitoringError.
func IsMonitoringError(err error) bool {
	var me *MonitoringError
	return errors.As(err, &me)
}

// ValidationError represents a data validation error.
type ValidationError struct {
	Field   string // Field that failed validation
	Value   any    // Invalid value
	Reason  string // Why validation failed
	Details error  // Additional details (optional)
}

func (e *ValidationError) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("validation error: field %q with value %v: %s (%v)", e.Field, e.Value, e.Reason, e.Details)
	}
	return fmt.Sprintf("validation error: field %q with value %v: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Details
}

// NewValidationError creates a new validation error.
func NewValidationError(field string, value any, reason string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NotificationError represents an error sending notifications.
type NotificationError struct {
	Type string // Notification type (e.g., "slack")
	Err  error  // Underlying error
}

func (e *NotificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("notification %s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("notification %s failed", e.Type)
}

func (e *NotificationError) Unwrap() error {
	return e.Err
}

// NewNotificationError creates a new notification error.
func NewNotificationError(notifType string, err error) *NotificationError {
	return &NotificationError{Type: notifType, Err: err}
}

// IsNotificationError checks if an error is a NotificationError.
func IsNotificationError(err error) bool {
	var ne *NotificationError
	return errors.As(err, &ne)
}

// Sentinel errors for common conditions
var (
	// ErrCredentialNotFound indicates no API key is stored
	ErrCredentialNotFound = errors.New("API key not found in storage.")

	// ErrInvalidCredential indicates the stored API key was rejected by the remote service
	ErrInvalidCredential = errors.New("Invalid API key.")

	// ErrAuthRequired indicates the remote response carried the authRequired marker
	ErrAuthRequired = errors.New("authentication required")

	// ErrUnexpectedResponse indicates a response body that could not be interpreted
	ErrUnexpectedResponse = errors.New("unexpected response shape")

	// ErrDeviceNotFound indicates a device was not found
	ErrDeviceNotFound = errors.New("device not found")

	// ErrSessionNotFound indicates a pairing session was not found or already finished
	ErrSessionNotFound = errors.New("pairing session not found")

	// ErrCircuitBreakerOpen indicates the circuit breaker is open
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")
)
