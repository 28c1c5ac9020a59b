// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/soothill/nextdns-profile-monitor/pkg/errors"
	"github.com/soothill/nextdns-profile-monitor/pkg/interfaces"
)

// fakeInflux serves the health, write and query endpoints of InfluxDB 2.
type fakeInflux struct {
	server     *httptest.Server
	healthy    atomic.Bool
	failWrites atomic.Bool
	writes     atomic.Int32
	queryCSV   string

	mu     sync.Mutex
	bodies []string
	params []string
}

func newFakeInflux(t *testing.T) *fakeInflux {
	t.Helper()
	fi := &fakeInflux{}
	fi.healthy.Store(true)

	fi.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health":
			w.Header().Set("Content-Type", "application/json")
			if fi.healthy.Load() {
				_, _ = io.WriteString(w, `{"name":"influxdb","message":"ready for queries and writes","status":"pass","checks":[],"version":"2.7.1","commit":"test"}`)
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"name":"influxdb","message":"not ready","status":"fail","checks":[]}`)

		case r.URL.Path == "/api/v2/write":
			fi.writes.Add(1)
			body, _ := io.ReadAll(r.Body)
			fi.mu.Lock()
			fi.bodies = append(fi.bodies, string(body))
			fi.params = append(fi.params, r.URL.RawQuery)
			fi.mu.Unlock()
			if fi.failWrites.Load() {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = io.WriteString(w, `{"code":"internal error","message":"disk full"}`)
				return
			}
			w.WriteHeader(http.StatusNoContent)

		case r.URL.Path == "/api/v2/query":
			w.Header().Set("Content-Type", "text/csv; charset=utf-8")
			_, _ = io.WriteString(w, fi.queryCSV)

		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(fi.server.Close)
	return fi
}

func (fi *fakeInflux) lastBody() string {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	if len(fi.bodies) == 0 {
		return ""
	}
	return fi.bodies[len(fi.bodies)-1]
}

func (fi *fakeInflux) lastParams() string {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	if len(fi.params) == 0 {
		return ""
	}
	return fi.params[len(fi.params)-1]
}

func newTestStorage(t *testing.T, fi *fakeInflux) *InfluxDBStorage {
	t.Helper()
	s, err := NewInfluxDBStorage(fi.server.URL, "test-token", "test-org", "test-bucket")
	if err != nil {
		t.Fatalf("NewInfluxDBStorage() error = %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func testReading(deviceID string) *interfaces.QueryReading {
	return &interfaces.QueryReading{
		DeviceID:   deviceID,
		DeviceName: "Home",
		ProfileID:  "abc123",
		TimeRange:  "24h",
		Timestamp:  time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC),
		Total:      100,
		Blocked:    5,
		Allowed:    95,
	}
}

func TestNewInfluxDBStorage_EmptyURL(t *testing.T) {
	_, err := NewInfluxDBStorage("", "token", "org", "bucket")
	if !apperrors.IsConfigError(err) {
		t.Errorf("NewInfluxDBStorage(\"\") error = %v, want ConfigError", err)
	}
}

func TestNewInfluxDBStorage_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if _, err := NewInfluxDBStorage(url, "token", "org", "bucket"); err == nil {
		t.Error("NewInfluxDBStorage() expected error for unreachable server")
	}
}

func TestNewInfluxDBStorage_Unhealthy(t *testing.T) {
	fi := newFakeInflux(t)
	fi.healthy.Store(false)

	if _, err := NewInfluxDBStorage(fi.server.URL, "token", "org", "bucket"); err == nil {
		t.Error("NewInfluxDBStorage() expected error for failing health check")
	}
}

func TestWriteReading_WritesPoint(t *testing.T) {
	fi := newFakeInflux(t)
	s := newTestStorage(t, fi)

	if err := s.WriteReading(context.Background(), testReading("dev-1")); err != nil {
		t.Fatalf("WriteReading() error = %v", err)
	}

	body := fi.lastBody()
	for _, want := range []string{
		"dns_queries,",
		"device_id=dev-1",
		"device_name=Home",
		"profile_id=abc123",
		"timerange=24h",
		"total=100",
		"blocked=5",
		"allowed=95",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("line protocol %q missing %q", body, want)
		}
	}

	params := fi.lastParams()
	if !strings.Contains(params, "bucket=test-bucket") || !strings.Contains(params, "org=test-org") {
		t.Errorf("write query = %q, want bucket and org", params)
	}
}

func TestWriteReading_Validation(t *testing.T) {
	fi := newFakeInflux(t)
	s := newTestStorage(t, fi)

	noDevice := testReading("")
	noTime := testReading("dev-1")
	noTime.Timestamp = time.Time{}

	tests := []struct {
		name    string
		reading *interfaces.QueryReading
	}{
		{"nil reading", nil},
		{"empty device id", noDevice},
		{"zero timestamp", noTime},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.WriteReading(context.Background(), tt.reading)
			if !apperrors.IsValidationError(err) {
				t.Errorf("WriteReading() error = %v, want ValidationError", err)
			}
		})
	}

	if n := fi.writes.Load(); n != 0 {
		t.Errorf("invalid readings caused %d write requests", n)
	}
}

func TestWriteBatch(t *testing.T) {
	fi := newFakeInflux(t)
	s := newTestStorage(t, fi)
	ctx := context.Background()

	if err := s.WriteBatch(ctx, nil); !apperrors.IsValidationError(err) {
		t.Errorf("WriteBatch(nil) error = %v, want ValidationError", err)
	}
	if err := s.WriteBatch(ctx, []*interfaces.QueryReading{}); err != nil {
		t.Errorf("WriteBatch(empty) error = %v", err)
	}

	bad := []*interfaces.QueryReading{testReading("dev-1"), testReading(""), testReading("dev-3")}
	err := s.WriteBatch(ctx, bad)
	if err == nil || !strings.Contains(err.Error(), "index 1") {
		t.Errorf("WriteBatch(invalid) error = %v, want mention of index 1", err)
	}
	if n := fi.writes.Load(); n != 0 {
		t.Fatalf("rejected batches caused %d write requests", n)
	}

	batch := []*interfaces.QueryReading{testReading("dev-1"), testReading("dev-2"), testReading("dev-3")}
	if err := s.WriteBatch(ctx, batch); err != nil {
		t.Fatalf("WriteBatch() error = %v", err)
	}
	if n := fi.writes.Load(); n != 1 {
		t.Errorf("WriteBatch() made %d requests, want 1", n)
	}
	if lines := strings.Count(strings.TrimSpace(fi.lastBody()), "\n") + 1; lines != 3 {
		t.Errorf("WriteBatch() wrote %d lines, want 3", lines)
	}
}

func TestWriteReading_ServerError(t *testing.T) {
	fi := newFakeInflux(t)
	s := newTestStorage(t, fi)
	fi.failWrites.Store(true)

	err := s.WriteReading(context.Background(), testReading("dev-1"))
	if !apperrors.IsStorageError(err) {
		t.Errorf("WriteReading() error = %v, want StorageError", err)
	}
}

func TestWriteReading_CircuitBreakerOpens(t *testing.T) {
	fi := newFakeInflux(t)
	s := newTestStorage(t, fi)
	fi.failWrites.Store(true)
	ctx := context.Background()

	for i := 0; i < breakerFailures; i++ {
		if err := s.WriteReading(ctx, testReading("dev-1")); err == nil {
			t.Fatalf("write %d unexpectedly succeeded", i)
		}
	}

	err := s.WriteReading(ctx, testReading("dev-1"))
	if !errors.Is(err, apperrors.ErrCircuitBreakerOpen) {
		t.Errorf("WriteReading() error = %v, want ErrCircuitBreakerOpen", err)
	}
	if n := fi.writes.Load(); n != breakerFailures {
		t.Errorf("server saw %d writes, want %d", n, breakerFailures)
	}
}

func TestHealth(t *testing.T) {
	fi := newFakeInflux(t)
	s := newTestStorage(t, fi)

	if err := s.Health(context.Background()); err != nil {
		t.Errorf("Health() error = %v", err)
	}

	fi.healthy.Store(false)
	if err := s.Health(context.Background()); err == nil {
		t.Error("Health() expected error when InfluxDB reports fail")
	}
}

func TestClient_Accessor(t *testing.T) {
	fi := newFakeInflux(t)
	s := newTestStorage(t, fi)

	if s.Client() == nil {
		t.Error("Client() returned nil")
	}
	if got := s.Client().ServerURL(); got != fi.server.URL {
		t.Errorf("Client().ServerURL() = %q, want %q", got, fi.server.URL)
	}
}

func TestQueryLatestReading_EmptyDeviceID(t *testing.T) {
	fi := newFakeInflux(t)
	s := newTestStorage(t, fi)

	_, err := s.QueryLatestReading(context.Background(), "")
	if !apperrors.IsValidationError(err) {
		t.Errorf("QueryLatestReading(\"\") error = %v, want ValidationError", err)
	}
}

func TestQueryLatestReading(t *testing.T) {
	fi := newFakeInflux(t)
	fi.queryCSV = "#datatype,string,long,dateTime:RFC3339,dateTime:RFC3339,dateTime:RFC3339,double,string,string,string,string,string,string\n" +
		"#group,false,false,true,true,false,false,true,true,true,true,true,true\n" +
		"#default,_result,,,,,,,,,,,\n" +
		",result,table,_start,_stop,_time,_value,_field,_measurement,device_id,device_name,profile_id,timerange\n" +
		",,0,2026-09-19T10:00:00Z,2026-10-19T10:00:00Z,2026-10-19T09:59:00Z,5,blocked,dns_queries,dev-1,Home,abc123,7d\n" +
		",,1,2026-09-19T10:00:00Z,2026-10-19T10:00:00Z,2026-10-19T09:59:00Z,95,allowed,dns_queries,dev-1,Home,abc123,7d\n" +
		",,2,2026-09-19T10:00:00Z,2026-10-19T10:00:00Z,2026-10-19T09:59:00Z,100,total,dns_queries,dev-1,Home,abc123,7d\n" +
		"\n"
	s := newTestStorage(t, fi)

	got, err := s.QueryLatestReading(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("QueryLatestReading() error = %v", err)
	}

	if got.Total != 100 || got.Blocked != 5 || got.Allowed != 95 {
		t.Errorf("counters = %v/%v/%v, want 100/5/95", got.Total, got.Blocked, got.Allowed)
	}
	if got.DeviceName != "Home" || got.ProfileID != "abc123" || got.TimeRange != "7d" {
		t.Errorf("tags = %q/%q/%q", got.DeviceName, got.ProfileID, got.TimeRange)
	}
	if want := time.Date(2026, 10, 19, 9, 59, 0, 0, time.UTC); !got.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, want)
	}
}

func TestQueryLatestReading_NoData(t *testing.T) {
	fi := newFakeInflux(t)
	s := newTestStorage(t, fi)

	_, err := s.QueryLatestReading(context.Background(), "dev-1")
	if !errors.Is(err, apperrors.ErrDeviceNotFound) {
		t.Errorf("QueryLatestReading() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestSanitizeFluxString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain device id", "0b1c3e07-8d6c-4f5e", "0b1c3e07-8d6c-4f5e"},
		{"double quotes", `device"with"quotes`, `device\"with\"quotes`},
		{"backslashes", `device\with\backslashes`, `device\\with\\backslashes`},
		{"injection attempt", `") |> drop() //`, `\") |> drop() //`},
		{"mixed", `dev"ice\123`, `dev\"ice\\123`},
		{"line breaks", "a\nb\rc", `a\nb\rc`},
		{"nul bytes", "a\x00b", "ab"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeFluxString(tt.input); got != tt.expected {
				t.Errorf("sanitizeFluxString(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSanitizeFluxString_Truncates(t *testing.T) {
	if got := sanitizeFluxString(strings.Repeat("A", 1500)); len(got) != maxFluxStringLength {
		t.Errorf("len = %d, want %d", len(got), maxFluxStringLength)
	}

	// 999 ASCII bytes followed by a two-byte rune: the rune must not be split.
	got := sanitizeFluxString(strings.Repeat("A", 999) + "éé")
	if len(got) != 999 {
		t.Errorf("len = %d, want 999", len(got))
	}
}
