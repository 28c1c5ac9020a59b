// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package sqlite

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/soothill/nextdns-profile-monitor/pkg/interfaces"
)

// ErrEncryptionKeyNotSet is returned when an encrypted value is read without a key.
var ErrEncryptionKeyNotSet = errors.New("encryption key not set")

var _ interfaces.SettingsStore = (*SettingsRepo)(nil)

// SettingsRepo is the SQLite settings store. When created with a key, values
// are sealed with AES-256-GCM before they are written.
type SettingsRepo struct {
	db  *DB
	key []byte // 32-byte AES-256 key; nil stores plaintext
}

// NewSettingsRepo creates a settings repository. key must be nil or 32 bytes.
func NewSettingsRepo(db *DB, key []byte) (*SettingsRepo, error) {
	if key != nil && len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	return &SettingsRepo{db: db, key: key}, nil
}

// Set stores or replaces the value under key.
func (r *SettingsRepo) Set(ctx context.Context, key, value string) error {
	stored, encrypted := value, 0
	if r.key != nil {
		sealed, err := r.encrypt(value)
		if err != nil {
			return fmt.Errorf("encrypt setting %q: %w", key, err)
		}
		stored, encrypted = sealed, 1
	}

	const query = `INSERT OR REPLACE INTO settings (key, value, encrypted, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)`
	if _, err := r.db.Writer.ExecContext(ctx, query, key, stored, encrypted); err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}

// Get returns the value under key, or ("", nil) when nothing is stored.
func (r *SettingsRepo) Get(ctx context.Context, key string) (string, error) {
	const query = `SELECT value, encrypted FROM settings WHERE key = ?`

	var (
		value     string
		encrypted bool
	)
	err := r.db.Reader.QueryRowContext(ctx, query, key).Scan(&value, &encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %q: %w", key, err)
	}

	if !encrypted {
		return value, nil
	}
	if r.key == nil {
		return "", fmt.Errorf("get setting %q: %w", key, ErrEncryptionKeyNotSet)
	}

	plaintext, err := r.decrypt(value)
	if err != nil {
		return "", fmt.Errorf("decrypt setting %q: %w", key, err)
	}
	return plaintext, nil
}

// encrypt returns base64(nonce || ciphertext || tag).
func (r *SettingsRepo) encrypt(plaintext string) (string, error) {
	gcm, err := r.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (r *SettingsRepo) decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}

	gcm, err := r.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("gcm.Open: %w", err)
	}
	return string(plaintext), nil
}

func (r *SettingsRepo) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(r.key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return gcm, nil
}
