// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package util holds small filesystem helpers shared by the config loader and
// the SQLite store.
package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// MaxConfigFileSize bounds files read by ReadFileSafely.
const MaxConfigFileSize = 1 << 20

// ReadFileSafely reads a regular file of at most MaxConfigFileSize bytes
// after resolving it to an absolute path.
func ReadFileSafely(path string) ([]byte, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("could not get absolute path for %s: %w", path, err)
	}

	f, err := os.Open(absPath) // #nosec G304
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", absPath)
	}
	if info.Size() > MaxConfigFileSize {
		return nil, fmt.Errorf("%s is larger than %d bytes", absPath, MaxConfigFileSize)
	}

	return io.ReadAll(io.LimitReader(f, MaxConfigFileSize))
}

// EnsureParentDir creates the directory that will hold path.
func EnsureParentDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("could not create directory %s: %w", dir, err)
	}
	return nil
}
