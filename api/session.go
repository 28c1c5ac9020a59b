// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/soothill/nextdns-profile-monitor/driver"
	apperrors "github.com/soothill/nextdns-profile-monitor/pkg/errors"
	"github.com/soothill/nextdns-profile-monitor/pkg/logger"
)

// Session kinds.
const (
	KindPair   = "pair"
	KindRepair = "repair"
)

// DefaultSessionTTL is how long an idle pairing session is kept.
const DefaultSessionTTL = 15 * time.Minute

var errSessionDone = errors.New("pairing session already finished")

var _ driver.Session = (*PairSession)(nil)

// PairSession is a pairing or repair flow driven over HTTP. The coordinator
// navigates it with ShowView and ends it with Done.
type PairSession struct {
	ID       string
	Kind     string
	DeviceID string // repaired device, empty when pairing

	mu        sync.Mutex
	view      string
	done      bool
	updatedAt time.Time
}

// ShowView moves the session to view.
func (s *PairSession) ShowView(_ context.Context, view string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return errSessionDone
	}
	s.view = view
	s.updatedAt = time.Now()
	logger.Debug().Str("session_id", s.ID).Str("view", view).Msg("Pairing session view changed")
	return nil
}

// Done ends the session.
func (s *PairSession) Done(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	s.updatedAt = time.Now()
	return nil
}

// View returns the current view.
func (s *PairSession) View() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// IsDone reports whether the session has ended.
func (s *PairSession) IsDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *PairSession) lastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// SessionView is the JSON form of a session.
type SessionView struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	View     string `json:"view"`
	Done     bool   `json:"done"`
	DeviceID string `json:"device_id,omitempty"`
}

func (s *PairSession) snapshot() SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionView{ID: s.ID, Kind: s.Kind, View: s.view, Done: s.done, DeviceID: s.DeviceID}
}

// SessionRegistry holds the open pairing sessions.
type SessionRegistry struct {
	ttl time.Duration

	mu       sync.RWMutex
	sessions map[string]*PairSession
}

// NewSessionRegistry creates a registry that expires sessions idle for ttl.
func NewSessionRegistry(ttl time.Duration) *SessionRegistry {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionRegistry{
		ttl:      ttl,
		sessions: make(map[string]*PairSession),
	}
}

// Create opens a new session starting at view.
func (r *SessionRegistry) Create(kind, view, deviceID string) *PairSession {
	s := &PairSession{
		ID:        uuid.NewString(),
		Kind:      kind,
		DeviceID:  deviceID,
		view:      view,
		updatedAt: time.Now(),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	logger.Info().Str("session_id", s.ID).Str("kind", kind).Msg("Pairing session opened")
	return s
}

// Get returns an open session.
func (r *SessionRegistry) Get(id string) (*PairSession, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()

	if !ok || time.Since(s.lastUsed()) > r.ttl {
		return nil, fmt.Errorf("session %s: %w", id, apperrors.ErrSessionNotFound)
	}
	return s, nil
}

// Remove closes a session.
func (r *SessionRegistry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Len returns the number of sessions held.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep drops finished and expired sessions and returns how many it removed.
func (r *SessionRegistry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, s := range r.sessions {
		if s.IsDone() || time.Since(s.lastUsed()) > r.ttl {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}

// Run sweeps the registry every interval until ctx ends.
func (r *SessionRegistry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				logger.Debug().Int("removed", n).Msg("Swept pairing sessions")
			}
		}
	}
}
