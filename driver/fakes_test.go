// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package driver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/soothill/nextdns-profile-monitor/nextdns"
	"github.com/soothill/nextdns-profile-monitor/pkg/interfaces"
	"github.com/soothill/nextdns-profile-monitor/store"
)

type fakeSession struct {
	mu      sync.Mutex
	views   []string
	done    int
	showErr error
}

func (s *fakeSession) ShowView(_ context.Context, view string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.showErr != nil {
		return s.showErr
	}
	s.views = append(s.views, view)
	return nil
}

func (s *fakeSession) Done(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done++
	return nil
}

type failingSettings struct{}

func (failingSettings) Get(context.Context, string) (string, error) {
	return "", errors.New("settings unavailable")
}

func (failingSettings) Set(context.Context, string, string) error {
	return errors.New("settings unavailable")
}

var _ interfaces.SettingsStore = failingSettings{}

// fakeAPI is a NextDNS test server that counts requests.
type fakeAPI struct {
	server   *httptest.Server
	requests atomic.Int32
	lastURL  atomic.Value
	lastKey  atomic.Value
}

func newFakeAPI(t *testing.T, body string, status int) (*fakeAPI, *nextdns.Client) {
	t.Helper()
	f := &fakeAPI{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		f.lastURL.Store(r.URL.String())
		f.lastKey.Store(r.Header.Get("X-Api-Key"))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(f.server.Close)
	return f, nextdns.NewClient(nextdns.Config{BaseURL: f.server.URL})
}

func (f *fakeAPI) LastURL() string {
	v, _ := f.lastURL.Load().(string)
	return v
}

func (f *fakeAPI) LastKey() string {
	v, _ := f.lastKey.Load().(string)
	return v
}

func settingsWithKey(t *testing.T, key string) *store.MemorySettings {
	t.Helper()
	s := store.NewMemorySettings()
	if key != "" {
		if err := s.Set(context.Background(), SettingsKeyAPIKey, key); err != nil {
			t.Fatalf("set api key: %v", err)
		}
	}
	return s
}

const (
	profilesBody     = `{"data":[{"id":"p1","name":"Home"},{"id":"p2","name":"Kids"}]}`
	authRequiredBody = `{"errors":[{"code":"authRequired"}]}`
	statusBody       = `{"data":[{"status":"blocked","queries":5},{"status":"default","queries":95}]}`
)
