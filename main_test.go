// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}
	return path
}

func healthServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(http.StatusText(status)))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthURL(t *testing.T) {
	tests := []struct {
		listen  string
		want    string
		wantErr bool
	}{
		{":8080", "http://localhost:8080/health", false},
		{"0.0.0.0:9000", "http://localhost:9000/health", false},
		{"[::]:9000", "http://localhost:9000/health", false},
		{"127.0.0.1:8080", "http://127.0.0.1:8080/health", false},
		{"monitor.lan:80", "http://monitor.lan:80/health", false},
		{"8080", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.listen, func(t *testing.T) {
			got, err := healthURL(tt.listen)
			if (err != nil) != tt.wantErr {
				t.Fatalf("healthURL(%q) error = %v, wantErr %v", tt.listen, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("healthURL(%q) = %q, want %q", tt.listen, got, tt.want)
			}
		})
	}
}

func TestCheckHealth(t *testing.T) {
	healthy := healthServer(t, http.StatusOK)
	if err := checkHealth(healthy.URL + "/health"); err != nil {
		t.Errorf("checkHealth() on healthy server = %v, want nil", err)
	}

	unhealthy := healthServer(t, http.StatusServiceUnavailable)
	err := checkHealth(unhealthy.URL + "/health")
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("checkHealth() on unhealthy server = %v, want status 503 error", err)
	}

	if err := checkHealth("http://127.0.0.1:1/health"); err == nil {
		t.Error("checkHealth() on closed port should fail")
	}
}

func TestPerformHealthCheck(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   int
	}{
		{"healthy", http.StatusOK, 0},
		{"rate limited", http.StatusTooManyRequests, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := healthServer(t, tt.status)
			listen := strings.TrimPrefix(ts.URL, "http://")
			path := writeTestConfig(t, "server:\n  listen: \""+listen+"\"\n")

			if got := performHealthCheck(path); got != tt.want {
				t.Errorf("performHealthCheck() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPerformHealthCheck_MissingConfig(t *testing.T) {
	if got := performHealthCheck(filepath.Join(t.TempDir(), "missing.yaml")); got != 1 {
		t.Errorf("performHealthCheck() = %d, want 1", got)
	}
}

func TestPerformConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{
			name: "valid",
			content: `
nextdns:
  poll_interval: 30s
store:
  driver: sqlite
  path: "` + filepath.Join(t.TempDir(), "monitor.db") + `"
server:
  listen: "127.0.0.1:8080"
logging:
  level: debug
  format: json
`,
			want: 0,
		},
		{
			name:    "schema violation",
			content: "nextdns:\n  poll_interval: soon\n",
			want:    1,
		},
		{
			name:    "unknown section",
			content: "legacy:\n  poll_interval: 30s\n",
			want:    1,
		},
		{
			name:    "sqlite without path",
			content: "store:\n  driver: sqlite\n",
			want:    1,
		},
		{
			name:    "poll interval out of range",
			content: "nextdns:\n  poll_interval: 2h\n",
			want:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTestConfig(t, tt.content)
			if got := performConfigValidation(path); got != tt.want {
				t.Errorf("performConfigValidation() = %d, want %d", got, tt.want)
			}
		})
	}
}
