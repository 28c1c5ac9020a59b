// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package driver

import (
	"context"
	"errors"

	"github.com/soothill/nextdns-profile-monitor/device"
	"github.com/soothill/nextdns-profile-monitor/nextdns"
	apperrors "github.com/soothill/nextdns-profile-monitor/pkg/errors"
	"github.com/soothill/nextdns-profile-monitor/pkg/interfaces"
	"github.com/soothill/nextdns-profile-monitor/pkg/logger"
	"github.com/soothill/nextdns-profile-monitor/pkg/metrics"
)

// SettingsKeyAPIKey is the settings store key holding the shared API key.
const SettingsKeyAPIKey = "apikey"

// Pairing views.
const (
	ViewAPIKey      = "apikey"
	ViewListDevices = "list_devices"
)

// Error prefixes returned to pairing sessions.
const (
	PrefixStorageCheck  = "Error while checking API key in storage: "
	PrefixKeyCheck      = "Error during API key check: "
	PrefixFetchProfiles = "Error while fetching profiles: "
)

// Session is one interactive pairing or repair flow on the host side.
type Session interface {
	// ShowView navigates the session to the named view.
	ShowView(ctx context.Context, view string) error
	// Done ends the session.
	Done(ctx context.Context) error
}

// ProfileLister lists the profiles an API key can access.
type ProfileLister interface {
	ListProfiles(ctx context.Context, apiKey string) ([]nextdns.Profile, error)
}

// Coordinator validates API keys and lists profiles while pairing.
type Coordinator struct {
	api            ProfileLister
	settings       interfaces.SettingsStore
	validateRepair bool
}

// NewCoordinator creates a pairing coordinator. When validateRepair is set a
// key submitted through repair is checked against the remote service before
// it replaces the stored one.
func NewCoordinator(api ProfileLister, settings interfaces.SettingsStore, validateRepair bool) *Coordinator {
	return &Coordinator{
		api:            api,
		settings:       settings,
		validateRepair: validateRepair,
	}
}

// BeginView handles a view being shown. When the API key view is requested
// and a key is already stored, the session skips straight to the profile list.
func (c *Coordinator) BeginView(ctx context.Context, session Session, viewID string) error {
	if viewID != ViewAPIKey {
		return nil
	}

	key, err := c.settings.Get(ctx, SettingsKeyAPIKey)
	if err != nil {
		return apperrors.NewPairingError(PrefixStorageCheck, err)
	}
	if key == "" {
		return nil
	}

	if err := session.ShowView(ctx, ViewListDevices); err != nil {
		return apperrors.NewPairingError(PrefixStorageCheck, err)
	}
	return nil
}

// SubmitCredential checks a user-supplied API key. A key the service rejects
// yields false and is not stored. An accepted key is stored and the session
// moves on to the profile list.
func (c *Coordinator) SubmitCredential(ctx context.Context, session Session, apiKey string) (bool, error) {
	if _, err := c.api.ListProfiles(ctx, apiKey); err != nil {
		if errors.Is(err, apperrors.ErrAuthRequired) {
			metrics.PairingAttempts.WithLabelValues("rejected").Inc()
			logger.Info().Msg("API key rejected by NextDNS")
			return false, nil
		}
		metrics.PairingAttempts.WithLabelValues("error").Inc()
		return false, apperrors.NewPairingError(PrefixKeyCheck, err)
	}

	if err := c.settings.Set(ctx, SettingsKeyAPIKey, apiKey); err != nil {
		metrics.PairingAttempts.WithLabelValues("error").Inc()
		return false, apperrors.NewPairingError(PrefixKeyCheck, err)
	}

	if err := session.ShowView(ctx, ViewListDevices); err != nil {
		metrics.PairingAttempts.WithLabelValues("error").Inc()
		return false, apperrors.NewPairingError(PrefixKeyCheck, err)
	}

	metrics.PairingAttempts.WithLabelValues("accepted").Inc()
	logger.Info().Msg("API key accepted and stored")
	return true, nil
}

// ListRemoteProfiles returns one pairing candidate per profile visible to the
// stored API key, in the order the service lists them. Without a stored key
// it fails before any request is made.
func (c *Coordinator) ListRemoteProfiles(ctx context.Context) ([]device.Candidate, error) {
	key, err := c.settings.Get(ctx, SettingsKeyAPIKey)
	if err != nil {
		return nil, apperrors.NewPairingError(PrefixFetchProfiles, err)
	}
	if key == "" {
		return nil, apperrors.NewPairingError(PrefixFetchProfiles, apperrors.ErrCredentialNotFound)
	}

	profiles, err := c.api.ListProfiles(ctx, key)
	if err != nil {
		if errors.Is(err, apperrors.ErrAuthRequired) {
			return nil, apperrors.NewPairingError(PrefixFetchProfiles, apperrors.ErrInvalidCredential)
		}
		return nil, apperrors.NewPairingError(PrefixFetchProfiles, err)
	}

	candidates := make([]device.Candidate, 0, len(profiles))
	for _, p := range profiles {
		candidates = append(candidates, device.Candidate{
			Name:  p.Name,
			Data:  map[string]string{StoreKeyProfileID: p.ID},
			Store: map[string]string{StoreKeyProfileID: p.ID},
		})
	}
	return candidates, nil
}

// Repair replaces the stored API key and ends the session. With repair
// validation enabled a rejected key yields false and nothing is stored.
func (c *Coordinator) Repair(ctx context.Context, session Session, apiKey string) (bool, error) {
	if c.validateRepair {
		if _, err := c.api.ListProfiles(ctx, apiKey); err != nil {
			if errors.Is(err, apperrors.ErrAuthRequired) {
				metrics.PairingAttempts.WithLabelValues("rejected").Inc()
				return false, nil
			}
			return false, apperrors.NewPairingError(PrefixKeyCheck, err)
		}
	}

	if err := c.settings.Set(ctx, SettingsKeyAPIKey, apiKey); err != nil {
		return false, apperrors.NewPairingError(PrefixKeyCheck, err)
	}
	logger.Info().Bool("validated", c.validateRepair).Msg("API key replaced by repair")

	return true, session.Done(ctx)
}
