// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package driver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/soothill/nextdns-profile-monitor/device"
	apperrors "github.com/soothill/nextdns-profile-monitor/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginView_SkipsToListWhenKeyStored(t *testing.T) {
	_, client := newFakeAPI(t, profilesBody, http.StatusOK)
	c := NewCoordinator(client, settingsWithKey(t, "abc"), true)
	session := &fakeSession{}

	require.NoError(t, c.BeginView(context.Background(), session, ViewAPIKey))
	assert.Equal(t, []string{ViewListDevices}, session.views)
}

func TestBeginView_NoKeyStaysOnView(t *testing.T) {
	_, client := newFakeAPI(t, profilesBody, http.StatusOK)
	c := NewCoordinator(client, settingsWithKey(t, ""), true)
	session := &fakeSession{}

	require.NoError(t, c.BeginView(context.Background(), session, ViewAPIKey))
	assert.Empty(t, session.views)
}

func TestBeginView_OtherViewIgnored(t *testing.T) {
	_, client := newFakeAPI(t, profilesBody, http.StatusOK)
	c := NewCoordinator(client, settingsWithKey(t, "abc"), true)
	session := &fakeSession{}

	require.NoError(t, c.BeginView(context.Background(), session, ViewListDevices))
	assert.Empty(t, session.views)
}

func TestBeginView_StorageFailure(t *testing.T) {
	_, client := newFakeAPI(t, profilesBody, http.StatusOK)
	c := NewCoordinator(client, failingSettings{}, true)

	err := c.BeginView(context.Background(), &fakeSession{}, ViewAPIKey)
	require.Error(t, err)
	assert.Equal(t, "Error while checking API key in storage: settings unavailable", err.Error())
}

func TestSubmitCredential_Accepted(t *testing.T) {
	api, client := newFakeAPI(t, profilesBody, http.StatusOK)
	settings := settingsWithKey(t, "")
	c := NewCoordinator(client, settings, true)
	session := &fakeSession{}

	ok, err := c.SubmitCredential(context.Background(), session, "abc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "abc", api.LastKey())
	assert.Equal(t, []string{ViewListDevices}, session.views)

	stored, _ := settings.Get(context.Background(), SettingsKeyAPIKey)
	assert.Equal(t, "abc", stored)
}

func TestSubmitCredential_AuthRequiredNotPersisted(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusForbidden} {
		_, client := newFakeAPI(t, authRequiredBody, status)
		settings := settingsWithKey(t, "previous")
		c := NewCoordinator(client, settings, true)
		session := &fakeSession{}

		ok, err := c.SubmitCredential(context.Background(), session, "bad")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, session.views)

		stored, _ := settings.Get(context.Background(), SettingsKeyAPIKey)
		assert.Equal(t, "previous", stored)
	}
}

func TestSubmitCredential_TransportError(t *testing.T) {
	_, client := newFakeAPI(t, `not json`, http.StatusOK)
	settings := settingsWithKey(t, "")
	c := NewCoordinator(client, settings, true)

	ok, err := c.SubmitCredential(context.Background(), &fakeSession{}, "abc")
	require.Error(t, err)
	assert.False(t, ok)
	assert.True(t, strings.HasPrefix(err.Error(), PrefixKeyCheck))
	assert.True(t, apperrors.IsPairingError(err))

	stored, _ := settings.Get(context.Background(), SettingsKeyAPIKey)
	assert.Empty(t, stored)
}

func TestListRemoteProfiles(t *testing.T) {
	api, client := newFakeAPI(t, profilesBody, http.StatusOK)
	c := NewCoordinator(client, settingsWithKey(t, "abc"), true)

	candidates, err := c.ListRemoteProfiles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", api.LastKey())
	assert.Equal(t, []device.Candidate{
		{Name: "Home", Data: map[string]string{"id": "p1"}, Store: map[string]string{"id": "p1"}},
		{Name: "Kids", Data: map[string]string{"id": "p2"}, Store: map[string]string{"id": "p2"}},
	}, candidates)
}

func TestListRemoteProfiles_Empty(t *testing.T) {
	_, client := newFakeAPI(t, `{"data":[]}`, http.StatusOK)
	c := NewCoordinator(client, settingsWithKey(t, "abc"), true)

	candidates, err := c.ListRemoteProfiles(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, candidates)
	assert.Empty(t, candidates)
}

func TestListRemoteProfiles_NoKeyMakesNoRequest(t *testing.T) {
	api, client := newFakeAPI(t, profilesBody, http.StatusOK)
	c := NewCoordinator(client, settingsWithKey(t, ""), true)

	_, err := c.ListRemoteProfiles(context.Background())
	require.Error(t, err)
	assert.Equal(t, "Error while fetching profiles: API key not found in storage.", err.Error())
	assert.ErrorIs(t, err, apperrors.ErrCredentialNotFound)
	assert.Equal(t, int32(0), api.requests.Load())
}

func TestListRemoteProfiles_InvalidKey(t *testing.T) {
	_, client := newFakeAPI(t, authRequiredBody, http.StatusForbidden)
	c := NewCoordinator(client, settingsWithKey(t, "stale"), true)

	_, err := c.ListRemoteProfiles(context.Background())
	require.Error(t, err)
	assert.Equal(t, "Error while fetching profiles: Invalid API key.", err.Error())
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredential)
}

func TestListRemoteProfiles_StorageFailure(t *testing.T) {
	_, client := newFakeAPI(t, profilesBody, http.StatusOK)
	c := NewCoordinator(client, failingSettings{}, true)

	_, err := c.ListRemoteProfiles(context.Background())
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), PrefixFetchProfiles))
}

func TestListRemoteProfiles_UnexpectedShape(t *testing.T) {
	_, client := newFakeAPI(t, `{}`, http.StatusOK)
	c := NewCoordinator(client, settingsWithKey(t, "abc"), true)

	_, err := c.ListRemoteProfiles(context.Background())
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), PrefixFetchProfiles))
	assert.ErrorIs(t, err, apperrors.ErrUnexpectedResponse)
}

func TestRepair_Validated(t *testing.T) {
	_, client := newFakeAPI(t, profilesBody, http.StatusOK)
	settings := settingsWithKey(t, "old")
	c := NewCoordinator(client, settings, true)
	session := &fakeSession{}

	ok, err := c.Repair(context.Background(), session, "new")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, session.done)

	stored, _ := settings.Get(context.Background(), SettingsKeyAPIKey)
	assert.Equal(t, "new", stored)
}

func TestRepair_RejectedKeyKeepsOld(t *testing.T) {
	_, client := newFakeAPI(t, authRequiredBody, http.StatusForbidden)
	settings := settingsWithKey(t, "old")
	c := NewCoordinator(client, settings, true)
	session := &fakeSession{}

	ok, err := c.Repair(context.Background(), session, "bad")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, session.done)

	stored, _ := settings.Get(context.Background(), SettingsKeyAPIKey)
	assert.Equal(t, "old", stored)
}

func TestRepair_UnvalidatedStoresBlindly(t *testing.T) {
	api, client := newFakeAPI(t, authRequiredBody, http.StatusForbidden)
	settings := settingsWithKey(t, "old")
	c := NewCoordinator(client, settings, false)
	session := &fakeSession{}

	ok, err := c.Repair(context.Background(), session, "anything")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, session.done)
	assert.Equal(t, int32(0), api.requests.Load())

	stored, _ := settings.Get(context.Background(), SettingsKeyAPIKey)
	assert.Equal(t, "anything", stored)
}

func TestSubmitCredential_ShowViewFailure(t *testing.T) {
	_, client := newFakeAPI(t, profilesBody, http.StatusOK)
	c := NewCoordinator(client, settingsWithKey(t, ""), true)

	_, err := c.SubmitCredential(context.Background(), &fakeSession{showErr: errors.New("session closed")}, "abc")
	require.Error(t, err)
	assert.Equal(t, "Error during API key check: session closed", err.Error())
}
