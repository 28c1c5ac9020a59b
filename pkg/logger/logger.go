// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package logger provides structured logging using zerolog.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	log zerolog.Logger
	mu  sync.RWMutex
)

// Output formats accepted by Initialize.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Initialize sets up the global logger with the specified level and format.
// Unknown levels fall back to info and unknown formats fall back to console.
func Initialize(level string, format ...string) {
	logLevel, err := parseLogLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339

	var output io.Writer = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	if len(format) > 0 && strings.EqualFold(format[0], FormatJSON) {
		output = os.Stdout
	}

	mu.Lock()
	log = zerolog.New(output).
		Level(logLevel).
		With().
		Timestamp().
		Caller().
		Logger()
	mu.Unlock()
}

// parseLogLevel converts string log level to zerolog.Level
func parseLogLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "info", "":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "fatal":
		return zerolog.FatalLevel, nil
	case "panic":
		return zerolog.PanicLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// SetLevel changes the level of the global logger without replacing its output.
// It is used when the configuration is reloaded.
func SetLevel(level string) error {
	logLevel, err := parseLogLevel(level)
	if err != nil {
		return err
	}
	mu.Lock()
	log = log.Level(logLevel)
	mu.Unlock()
	return nil
}

func current() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := log
	return &l
}

// Get returns the global logger instance
func Get() *zerolog.Logger {
	return current()
}

// Debug logs a debug message
func Debug() *zerolog.Event {
	return current().Debug()
}

// Info logs an info message
func Info() *zerolog.Event {
	return current().Info()
}

// Warn logs a warning message
func Warn() *zerolog.Event {
	return current().Warn()
}

// Error logs an error message
func Error() *zerolog.Event {
	return current().Error()
}

// Fatal logs a fatal message and exits
func Fatal() *zerolog.Event {
	return current().Fatal()
}

// With creates a child logger with additional fields
func With() zerolog.Context {
	return current().With()
}

// ForDevice returns a child logger tagged with a device and its bound profile.
func ForDevice(deviceID, profileID string) zerolog.Logger {
	return current().With().Str("device_id", deviceID).Str("profile_id", profileID).Logger()
}

// SetOutput sets the output writer for the logger
func SetOutput(w io.Writer) {
	mu.Lock()
	log = log.Output(w)
	mu.Unlock()
}
