package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	lherrors "github.com/tachyon-beep/lighthouse-sub002/infrastructure/errors"
)

// SessionState is one of the sink-terminated states a Session moves
// through (spec.md §4.7).
type SessionState string

const (
	SessionActive  SessionState = "active"
	SessionExpired SessionState = "expired"
	SessionRevoked SessionState = "revoked"
)

// Session is a fingerprint-bound, time-boxed grant derived from a verified
// token.
type Session struct {
	ID          string
	Identity    Identity
	Fingerprint string
	State       SessionState
	CreatedAt   time.Time
	LastSeen    time.Time
}

// appendFunc records a session_started/session_ended transition to the
// event store, so the audit trail survives restart (spec.md §4.7). Bridge
// wires this to eventstore.Store.AppendBatch through a small adapter,
// keeping identity free of any direct dependency on eventstore's types.
type appendFunc func(ctx context.Context, eventType, aggregateID, actorID string, payload map[string]any) error

// Manager is the in-memory, lock-guarded session state machine (C7).
type Manager struct {
	authority *Authority
	append    appendFunc

	idleTimeout time.Duration
	maxAge      time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager builds a session Manager backed by authority for token
// verification. append, if non-nil, is called for every session_started/
// session_ended transition so the audit trail survives restart.
func NewManager(authority *Authority, idleTimeout, maxAge time.Duration, append appendFunc) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	if maxAge <= 0 {
		maxAge = 12 * time.Hour
	}
	return &Manager{
		authority:   authority,
		append:      append,
		idleTimeout: idleTimeout,
		maxAge:      maxAge,
		sessions:    make(map[string]*Session),
	}
}

func newSessionID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// CreateSession verifies token through the Authority and opens a new
// active session bound to fingerprint (spec.md §4.7).
func (m *Manager) CreateSession(ctx context.Context, token, fingerprint string) (*Session, error) {
	id, err := m.authority.Verify(token)
	if err != nil {
		return nil, err
	}
	if fingerprint == "" {
		return nil, lherrors.MissingParameter("fingerprint")
	}

	now := time.Now()
	sess := &Session{
		ID:          newSessionID(),
		Identity:    id,
		Fingerprint: fingerprint,
		State:       SessionActive,
		CreatedAt:   now,
		LastSeen:    now,
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	m.emit(ctx, "session_started", sess, nil)
	return sess, nil
}

// Validate checks sessionID against fingerprint and the idle/max-age
// timeouts, updating last_seen on success (spec.md §4.7).
func (m *Manager) Validate(ctx context.Context, sessionID, fingerprint string) (*Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, lherrors.Unauthorized("unknown session")
	}

	if sess.State != SessionActive {
		m.mu.Unlock()
		return nil, lherrors.SessionExpired()
	}

	if sess.Fingerprint != fingerprint {
		sess.State = SessionRevoked
		m.mu.Unlock()
		m.emit(ctx, "session_ended", sess, map[string]any{"reason": "hijack_suspected"})
		return nil, lherrors.FingerprintMismatch()
	}

	now := time.Now()
	expiredIdle := now.Sub(sess.LastSeen) > m.idleTimeout
	expiredAge := now.Sub(sess.CreatedAt) > m.maxAge
	if expiredIdle || expiredAge {
		sess.State = SessionExpired
		m.mu.Unlock()
		m.emit(ctx, "session_ended", sess, nil)
		return nil, lherrors.SessionExpired()
	}

	sess.LastSeen = now
	result := *sess
	m.mu.Unlock()

	return &result, nil
}

// End transitions sessionID from active to revoked. Idempotent: ending an
// already-terminal session is a no-op, not an error (spec.md §4.7).
func (m *Manager) End(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return lherrors.NotFound("session", sessionID)
	}
	if sess.State != SessionActive {
		m.mu.Unlock()
		return nil
	}
	sess.State = SessionRevoked
	m.mu.Unlock()

	m.emit(ctx, "session_ended", sess, nil)
	return nil
}

func (m *Manager) emit(ctx context.Context, eventType string, sess *Session, extra map[string]any) {
	if m.append == nil {
		return
	}
	payload := map[string]any{
		"agent_id": sess.Identity.AgentID,
		"role":     string(sess.Identity.Role),
		"state":    string(sess.State),
	}
	for k, v := range extra {
		payload[k] = v
	}
	_ = m.append(ctx, eventType, sess.ID, sess.Identity.AgentID, payload)
}

// ActiveCount returns the number of sessions currently in the active state.
// Used by periodic housekeeping and health reporting.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.State == SessionActive {
			n++
		}
	}
	return n
}

// SweepExpired transitions every active session that has breached its idle
// or max-age timeout to expired, emitting session_ended for each. Intended
// to be called from a periodic background job (spec.md §9 notes a
// cron-style sweep keeps expiry honest even for sessions nobody validates
// again).
func (m *Manager) SweepExpired(ctx context.Context) int {
	now := time.Now()

	m.mu.Lock()
	var toExpire []*Session
	for _, s := range m.sessions {
		if s.State != SessionActive {
			continue
		}
		if now.Sub(s.LastSeen) > m.idleTimeout || now.Sub(s.CreatedAt) > m.maxAge {
			s.State = SessionExpired
			toExpire = append(toExpire, s)
		}
	}
	m.mu.Unlock()

	for _, s := range toExpire {
		m.emit(ctx, "session_ended", s, nil)
	}
	return len(toExpire)
}
