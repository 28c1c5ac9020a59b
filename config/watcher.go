// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	"context"
	"os"
	"os/signal"
	"reflect"
	"syscall"

	"github.com/soothill/nextdns-profile-monitor/pkg/logger"
)

// Watcher reloads the configuration file on SIGHUP and hands the result to
// the application. Only poll interval, Slack webhook and log level are applied
// to a running process; other changes are reported as needing a restart.
type Watcher struct {
	path       string
	configChan chan<- *Config
	reloadChan chan os.Signal
	cancelFunc context.CancelFunc
}

// NewWatcher creates a new configuration watcher.
func NewWatcher(path string, configChan chan<- *Config) *Watcher {
	return &Watcher{
		path:       path,
		configChan: configChan,
		reloadChan: make(chan os.Signal, 1),
	}
}

// Start begins watching for SIGHUP signals to trigger a configuration reload.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancelFunc = context.WithCancel(ctx)
	signal.Notify(w.reloadChan, syscall.SIGHUP)

	go w.watch(ctx)
}

// Stop stops the configuration watcher.
func (w *Watcher) Stop() {
	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	signal.Stop(w.reloadChan)
}

// watch listens for reload signals and reloads the configuration.
func (w *Watcher) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.reloadChan:
			logger.Info().Str("path", w.path).Msg("SIGHUP received, reloading configuration")
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := Load(w.path)
	if err != nil {
		logger.Error().Err(err).Msg("failed to reload configuration")
		return
	}

	select {
	case w.configChan <- cfg:
		logger.Info().Msg("configuration reloaded successfully")
	case <-ctx.Done():
	}
}

// Changes lists the config sections that differ between old and updated,
// split into those a running process applies and those needing a restart.
func Changes(old, updated *Config) (applied, restart []string) {
	if old.NextDNS.PollInterval != updated.NextDNS.PollInterval {
		applied = append(applied, "nextdns.poll_interval")
	}
	if old.Notifications.SlackWebhookURL != updated.Notifications.SlackWebhookURL {
		applied = append(applied, "notifications.slack_webhook_url")
	}
	if old.Logging.Level != updated.Logging.Level {
		applied = append(applied, "logging.level")
	}

	// Compare the rest with the hot-reloadable fields masked out.
	a, b := *old, *updated
	a.NextDNS.PollInterval, b.NextDNS.PollInterval = 0, 0
	a.Notifications, b.Notifications = NotificationsConfig{}, NotificationsConfig{}
	a.Logging.Level, b.Logging.Level = "", ""

	sections := []struct {
		name string
		a, b any
	}{
		{"nextdns", a.NextDNS, b.NextDNS},
		{"store", a.Store, b.Store},
		{"influxdb", a.InfluxDB, b.InfluxDB},
		{"cache", a.Cache, b.Cache},
		{"server", a.Server, b.Server},
		{"mdns", a.MDNS, b.MDNS},
		{"logging", a.Logging, b.Logging},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.a, s.b) {
			restart = append(restart, s.name)
		}
	}
	return applied, restart
}
