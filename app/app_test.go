// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/soothill/nextdns-profile-monitor/config"
	"github.com/soothill/nextdns-profile-monitor/device"
	"github.com/soothill/nextdns-profile-monitor/driver"
	apperrors "github.com/soothill/nextdns-profile-monitor/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "good-key"

// fakeNextDNS serves one profile and its analytics for testAPIKey.
func fakeNextDNS(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /profiles", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != testAPIKey {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"errors":[{"code":"authRequired"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"abc123","name":"Kids"}]}`))
	})
	mux.HandleFunc("GET /profiles/abc123/analytics/status", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"status":"default","queries":90},{"status":"blocked","queries":10}]}`))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func freeListenAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func loadTestConfig(t *testing.T, apiURL, dbPath string) (*config.Config, string) {
	t.Helper()
	content := fmt.Sprintf(`
nextdns:
  base_url: %q
  poll_interval: 1s
store:
  driver: sqlite
  path: %q
server:
  listen: %q
  shutdown_timeout: 2s
cache:
  directory: %q
logging:
  level: warn
`, apiURL, dbPath, freeListenAddr(t), t.TempDir())

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg, path
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func call(t *testing.T, method, url string, body any) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func startApp(t *testing.T, a *App) (base string, stopped <-chan struct{}) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		a.Run()
		close(done)
	}()

	base = "http://" + a.cfg.Server.Listen
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	return base, done
}

func TestApp_PairPollAndRestore(t *testing.T) {
	api := fakeNextDNS(t)
	dbPath := filepath.Join(t.TempDir(), "monitor.db")
	cfg, cfgPath := loadTestConfig(t, api.URL, dbPath)

	a, err := New(cfg, cfgPath, "test")
	require.NoError(t, err)
	base, stopped := startApp(t, a)

	// Pairing: API key view, key submission, profile list, add.
	status, env := call(t, http.MethodPost, base+"/api/pair/sessions", nil)
	require.Equal(t, http.StatusCreated, status)
	session := decodeData[map[string]any](t, env)
	sessionID := session["id"].(string)
	assert.Equal(t, driver.ViewAPIKey, session["view"])

	status, env = call(t, http.MethodPost, base+"/api/pair/sessions/"+sessionID+"/apikey",
		map[string]string{"apikey": testAPIKey})
	require.Equal(t, http.StatusOK, status)
	result := decodeData[map[string]any](t, env)
	assert.Equal(t, true, result["valid"])
	assert.Equal(t, driver.ViewListDevices, result["view"])

	status, env = call(t, http.MethodGet, base+"/api/pair/sessions/"+sessionID+"/list_devices", nil)
	require.Equal(t, http.StatusOK, status)
	candidates := decodeData[[]device.Candidate](t, env)
	require.Len(t, candidates, 1)
	assert.Equal(t, "Kids", candidates[0].Name)

	status, env = call(t, http.MethodPost, base+"/api/pair/sessions/"+sessionID+"/devices", candidates[0])
	require.Equal(t, http.StatusCreated, status)
	added := decodeData[device.Device](t, env)
	assert.Equal(t, "abc123", added.StoreValue(driver.StoreKeyProfileID))

	// The add poll fills the capabilities.
	require.Eventually(t, func() bool {
		d, err := a.manager.Get(added.ID)
		return err == nil && d.State == device.StateAvailable &&
			d.Capabilities[driver.CapabilityTotal] == 100
	}, 5*time.Second, 20*time.Millisecond)

	d, err := a.manager.Get(added.ID)
	require.NoError(t, err)
	assert.InDelta(t, 10, d.Capabilities[driver.CapabilityBlocked], 0)
	assert.InDelta(t, 90, d.Capabilities[driver.CapabilityAllowed], 0)
	assert.True(t, a.monitor.IsMonitoring(added.ID))

	a.Shutdown()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("App did not shut down gracefully")
	}

	// A second process restores the device and the API key from SQLite.
	cfg2, cfgPath2 := loadTestConfig(t, api.URL, dbPath)
	restored, err := New(cfg2, cfgPath2, "test")
	require.NoError(t, err)
	defer restored.performCleanup()

	devices := restored.manager.List()
	require.Len(t, devices, 1)
	assert.Equal(t, added.ID, devices[0].ID)
	assert.True(t, restored.monitor.IsMonitoring(added.ID))

	key, err := restored.settings.Get(t.Context(), driver.SettingsKeyAPIKey)
	require.NoError(t, err)
	assert.Equal(t, testAPIKey, key)
}

func TestApp_InvalidKeyStaysOnKeyView(t *testing.T) {
	api := fakeNextDNS(t)
	cfg, cfgPath := loadTestConfig(t, api.URL, filepath.Join(t.TempDir(), "monitor.db"))

	a, err := New(cfg, cfgPath, "test")
	require.NoError(t, err)
	base, stopped := startApp(t, a)
	defer func() {
		a.Shutdown()
		<-stopped
	}()

	_, env := call(t, http.MethodPost, base+"/api/pair/sessions", nil)
	sessionID := decodeData[map[string]any](t, env)["id"].(string)

	status, env := call(t, http.MethodPost, base+"/api/pair/sessions/"+sessionID+"/apikey",
		map[string]string{"apikey": "wrong"})
	require.Equal(t, http.StatusOK, status)
	result := decodeData[map[string]any](t, env)
	assert.Equal(t, false, result["valid"])
	assert.Equal(t, driver.ViewAPIKey, result["view"])

	status, env = call(t, http.MethodGet, base+"/api/pair/devices", nil)
	assert.Equal(t, http.StatusPreconditionFailed, status)
	assert.Equal(t, "Error while fetching profiles: API key not found in storage.", env.Error)
}

func TestApp_ShutdownIsIdempotent(t *testing.T) {
	api := fakeNextDNS(t)
	cfg, cfgPath := loadTestConfig(t, api.URL, filepath.Join(t.TempDir(), "monitor.db"))

	a, err := New(cfg, cfgPath, "test")
	require.NoError(t, err)
	_, stopped := startApp(t, a)

	a.Shutdown()
	a.Shutdown()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("App did not shut down gracefully")
	}
}

func TestApp_UpdateConfig(t *testing.T) {
	api := fakeNextDNS(t)
	cfg, cfgPath := loadTestConfig(t, api.URL, filepath.Join(t.TempDir(), "monitor.db"))

	a, err := New(cfg, cfgPath, "test")
	require.NoError(t, err)
	defer a.performCleanup()

	updated := *cfg
	updated.NextDNS.PollInterval = 5 * time.Minute
	updated.Notifications.SlackWebhookURL = "https://hooks.slack.com/services/T/B/X"
	updated.Logging.Level = "error"
	updated.Server.Listen = "127.0.0.1:1"

	a.UpdateConfig(&updated)

	assert.Equal(t, 5*time.Minute, a.cfg.NextDNS.PollInterval)
	assert.True(t, a.notifier.IsEnabled())
	assert.Equal(t, "error", a.cfg.Logging.Level)
	assert.Equal(t, cfg.Server.Listen, a.cfg.Server.Listen, "listen address needs a restart")
}

func TestNew_MemoryStoreWithoutInfluxDB(t *testing.T) {
	cfg, cfgPath := loadTestConfig(t, fakeNextDNS(t).URL, filepath.Join(t.TempDir(), "unused.db"))
	cfg.Store.Driver = config.StoreMemory
	cfg.Store.Path = ""

	a, err := New(cfg, cfgPath, "test")
	require.NoError(t, err)
	defer a.performCleanup()

	assert.Nil(t, a.db)
	assert.Nil(t, a.storage)
	assert.Empty(t, a.manager.List())
}

func TestNew_BadEncryptionKey(t *testing.T) {
	cfg, cfgPath := loadTestConfig(t, fakeNextDNS(t).URL, filepath.Join(t.TempDir(), "monitor.db"))
	cfg.Store.EncryptionKey = "not-hex"

	_, err := New(cfg, cfgPath, "test")
	require.Error(t, err)
	assert.True(t, apperrors.IsConfigError(err))
}

func TestListenPort(t *testing.T) {
	port, err := listenPort(":8080")
	require.NoError(t, err)
	assert.Equal(t, 8080, port)

	_, err = listenPort("localhost")
	assert.Error(t, err)
}

type recordingNotifier struct {
	enabled bool
	titles  []string
}

func (n *recordingNotifier) SendAlert(_ context.Context, _, title, _ string) error {
	n.titles = append(n.titles, title)
	return nil
}

func (n *recordingNotifier) IsEnabled() bool { return n.enabled }

func TestSendFailureAlert(t *testing.T) {
	disabled := &recordingNotifier{}
	sendFailureAlert(disabled, "Host API Server Failure", errors.New("address in use"))
	assert.Empty(t, disabled.titles)

	enabled := &recordingNotifier{enabled: true}
	sendFailureAlert(enabled, "Host API Server Failure", errors.New("address in use"))
	require.Len(t, enabled.titles, 1)
	assert.Contains(t, enabled.titles[0], "Host API Server Failure")
}
