// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package notifications delivers operator alerts.
//
// Alerts are raised for conditions an operator can act on:
//
//   - a profile device becoming unavailable (the API key was revoked, the
//     profile was deleted, NextDNS is unreachable) and its recovery
//   - InfluxDB write failures, their recovery and high local cache usage
//
// Slack incoming webhooks are the only channel. An empty webhook URL disables
// the notifier; every Send method then returns nil without doing anything.
// Sends are rate limited so that a burst of failing devices cannot flood the
// channel.
//
//	notifier := notifications.NewSlackNotifier(cfg.Notifications.SlackWebhookURL)
//	if err := notifier.SendDeviceUnavailable(ctx, "Kids", "Invalid API key."); err != nil {
//	    logger.Error().Err(err).Msg("alert failed")
//	}
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/soothill/nextdns-profile-monitor/pkg/errors"
	"github.com/soothill/nextdns-profile-monitor/pkg/interfaces"
	"github.com/soothill/nextdns-profile-monitor/pkg/logger"
	"github.com/soothill/nextdns-profile-monitor/pkg/metrics"
	"golang.org/x/time/rate"
)

const (
	footer        = "NextDNS Profile Monitor"
	clientTimeout = 10 * time.Second

	// Sustained alert rate and burst size.
	alertRate  = rate.Limit(1)
	alertBurst = 5
)

// Severity levels understood by SendAlert.
const (
	SeverityDanger  = "danger"
	SeverityWarning = "warning"
	SeverityGood    = "good"
)

var _ interfaces.Notifier = (*SlackNotifier)(nil)

// SlackNotifier sends alerts to a Slack incoming webhook.
type SlackNotifier struct {
	mu         sync.RWMutex
	webhookURL string
	client     *http.Client
	limiter    *rate.Limiter
}

// SlackMessage is the webhook payload.
type SlackMessage struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is a colored message attachment.
type Attachment struct {
	Color  string `json:"color,omitempty"`
	Title  string `json:"title,omitempty"`
	Text   string `json:"text,omitempty"`
	Footer string `json:"footer,omitempty"`
	Ts     int64  `json:"ts,omitempty"`
}

// NewSlackNotifier creates a notifier. An empty webhookURL disables it.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: clientTimeout},
		limiter:    rate.NewLimiter(alertRate, alertBurst),
	}
}

// IsEnabled reports whether a webhook URL is configured.
func (s *SlackNotifier) IsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.webhookURL != ""
}

// UpdateWebhookURL replaces the webhook URL. An empty URL disables the
// notifier.
func (s *SlackNotifier) UpdateWebhookURL(webhookURL string) {
	s.mu.Lock()
	changed := s.webhookURL != webhookURL
	s.webhookURL = webhookURL
	s.mu.Unlock()

	if changed {
		logger.Info().Bool("enabled", webhookURL != "").Msg("Slack webhook updated")
	}
}

// SendMessage sends plain text.
func (s *SlackNotifier) SendMessage(ctx context.Context, message string) error {
	return s.send(ctx, SlackMessage{Text: message})
}

// SendAlert sends a titled attachment colored by severity.
func (s *SlackNotifier) SendAlert(ctx context.Context, severity, title, message string) error {
	return s.send(ctx, SlackMessage{
		Attachments: []Attachment{{
			Color:  severityColor(severity),
			Title:  title,
			Text:   message,
			Footer: footer,
			Ts:     time.Now().Unix(),
		}},
	})
}

// SendDeviceUnavailable reports a device whose poll failed.
func (s *SlackNotifier) SendDeviceUnavailable(ctx context.Context, deviceName, reason string) error {
	return s.SendAlert(ctx, SeverityDanger, "NextDNS profile unavailable",
		fmt.Sprintf("Profile %q could not be polled: %s", deviceName, reason))
}

// SendDeviceRecovered reports a device that is polling again.
func (s *SlackNotifier) SendDeviceRecovered(ctx context.Context, deviceName string) error {
	return s.SendAlert(ctx, SeverityGood, "NextDNS profile available",
		fmt.Sprintf("Profile %q is reporting analytics again.", deviceName))
}

// SendInfluxDBFailure reports the first failed write of an outage.
func (s *SlackNotifier) SendInfluxDBFailure(ctx context.Context, err error) error {
	return s.SendAlert(ctx, SeverityDanger, "InfluxDB write failure",
		fmt.Sprintf("Writing query readings failed: %v\nReadings are cached locally until InfluxDB recovers.", err))
}

// SendInfluxDBRecovery reports that cached readings have been replayed.
func (s *SlackNotifier) SendInfluxDBRecovery(ctx context.Context) error {
	return s.SendAlert(ctx, SeverityGood, "InfluxDB recovered",
		"InfluxDB is healthy again and cached readings have been replayed.")
}

// SendCacheWarning reports high local cache usage.
func (s *SlackNotifier) SendCacheWarning(ctx context.Context, cacheSize, maxSize int64) error {
	pct := 0.0
	if maxSize > 0 {
		pct = float64(cacheSize) / float64(maxSize) * 100
	}
	return s.SendAlert(ctx, SeverityWarning, "Local cache usage high",
		fmt.Sprintf("Cache holds %d bytes (%.1f%% of %d). Readings are dropped once it is full.", cacheSize, pct, maxSize))
}

func (s *SlackNotifier) send(ctx context.Context, payload SlackMessage) error {
	s.mu.RLock()
	url := s.webhookURL
	s.mu.RUnlock()

	if url == "" {
		metrics.NotificationsSent.WithLabelValues("skipped").Inc()
		return nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		metrics.NotificationsSent.WithLabelValues("dropped").Inc()
		return apperrors.NewNotificationError("slack", fmt.Errorf("rate limited: %w", err))
	}

	if err := s.post(ctx, url, payload); err != nil {
		metrics.NotificationsSent.WithLabelValues("failed").Inc()
		return apperrors.NewNotificationError("slack", err)
	}

	metrics.NotificationsSent.WithLabelValues("sent").Inc()
	return nil
}

func (s *SlackNotifier) post(ctx context.Context, url string, payload SlackMessage) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}

	title := payload.Text
	if len(payload.Attachments) > 0 {
		title = payload.Attachments[0].Title
	}
	logger.Debug().Str("title", title).Msg("Slack notification sent")
	return nil
}

func severityColor(severity string) string {
	switch severity {
	case SeverityDanger, "error":
		return "danger"
	case SeverityWarning, "warn":
		return "warning"
	case SeverityGood, "success":
		return "good"
	default:
		return "#808080"
	}
}
