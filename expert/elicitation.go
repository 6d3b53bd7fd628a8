package expert

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	lherrors "github.com/tachyon-beep/lighthouse-sub002/infrastructure/errors"
	"github.com/tachyon-beep/lighthouse-sub002/infrastructure/security"
)

// ElicitationState is the closed set of states an Elicitation moves through
// (spec.md §4.10).
type ElicitationState string

const (
	ElicitationPending   ElicitationState = "pending"
	ElicitationAnswered  ElicitationState = "answered"
	ElicitationExpired   ElicitationState = "expired"
	ElicitationCancelled ElicitationState = "cancelled"
)

// Outcome is the terminal result a waiter observes.
type Outcome struct {
	State    ElicitationState
	Response map[string]any
}

// Elicitation is a single request/response rendezvous between a requester
// (from_agent) and a designated expert (to_agent).
type Elicitation struct {
	ID         string
	From       string
	To         string
	Capability string
	Schema     string
	Prompt     string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ResponseKey []byte

	mu       sync.Mutex
	state    ElicitationState
	response map[string]any
	done     chan struct{}
	timer    *time.Timer
}

func (e *Elicitation) snapshot() Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Outcome{State: e.state, Response: e.response}
}

// Wait blocks until the elicitation reaches a terminal state or ctx is
// cancelled. A cancelled wait does not affect the elicitation itself: it
// continues toward answered/expired independently, since its outcome is
// still persisted (spec.md §4.10).
func (e *Elicitation) Wait(ctx context.Context) (Outcome, error) {
	e.mu.Lock()
	if e.state != ElicitationPending {
		out := Outcome{State: e.state, Response: e.response}
		e.mu.Unlock()
		return out, nil
	}
	done := e.done
	e.mu.Unlock()

	select {
	case <-done:
		return e.snapshot(), nil
	case <-ctx.Done():
		return Outcome{}, lherrors.Cancelled("elicitation_wait")
	}
}

// transition moves the elicitation to a terminal state exactly once. Later
// calls (whether from a timer racing a response, or a duplicate accepted
// response) observe the already-settled outcome instead of re-running the
// transition (spec.md §4.10: "second acceptance attempts return the first
// outcome").
func (e *Elicitation) transition(state ElicitationState, response map[string]any) (Outcome, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != ElicitationPending {
		return Outcome{State: e.state, Response: e.response}, false
	}
	e.state = state
	e.response = response
	close(e.done)
	if e.timer != nil {
		e.timer.Stop()
	}
	return Outcome{State: state, Response: response}, true
}

// AuditFunc records a bus-level security event (rate limit, replay,
// signature failure) for the audit trail.
type AuditFunc func(ctx context.Context, eventType string, details map[string]any)

type bucketKey struct {
	from, to string
}

// Bus brokers elicitations between requesters and registered experts
// (spec.md §4.10). Its pending elicitations and rate-limit buckets are held
// behind a single mutex, per spec.md §5's concurrency model; the replay
// nonce store carries its own lock.
type Bus struct {
	secret   []byte
	registry *Registry
	replay   *security.ReplayProtection
	append   appendFunc
	audit    AuditFunc

	createLimit    int
	responseLimit  int

	mu            sync.Mutex
	elicitations  map[string]*Elicitation
	createBuckets map[bucketKey]*rate.Limiter
	respBuckets   map[string]*rate.Limiter
}

// NewBus builds an elicitation Bus. secret derives each elicitation's
// response_key and must be the event store's secret (spec.md §4.10:
// "precomputed at creation from store secret + ids").
func NewBus(secret []byte, registry *Registry, createLimitPerMinute, responseLimitPerMinute int, append appendFunc, audit AuditFunc) *Bus {
	if createLimitPerMinute <= 0 {
		createLimitPerMinute = 60
	}
	if responseLimitPerMinute <= 0 {
		responseLimitPerMinute = 120
	}
	return &Bus{
		secret:        secret,
		registry:      registry,
		replay:        security.NewReplayProtection(24*time.Hour, nil),
		append:        append,
		audit:         audit,
		createLimit:   createLimitPerMinute,
		responseLimit: responseLimitPerMinute,
		elicitations:  make(map[string]*Elicitation),
		createBuckets: make(map[bucketKey]*rate.Limiter),
		respBuckets:   make(map[string]*rate.Limiter),
	}
}

func newElicitationID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func responseKey(secret []byte, elicitationID, to string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(elicitationID))
	mac.Write([]byte{'|'})
	mac.Write([]byte(to))
	return mac.Sum(nil)
}

// SignResponse computes the signature an expert must attach to a response
// payload for elicitationID. Experts (or test doubles standing in for one)
// call this with the response_key returned at elicitation creation time.
func SignResponse(responseKeyBytes []byte, nonce string, verdict string) []byte {
	mac := hmac.New(sha256.New, responseKeyBytes)
	mac.Write([]byte(nonce))
	mac.Write([]byte{'|'})
	mac.Write([]byte(verdict))
	return mac.Sum(nil)
}

// Create allocates a pending elicitation from 'from' to the designated
// expert 'to', appends elicitation_created, and starts its TTL timer.
// Creation still succeeds with no eligible expert reachable; the
// elicitation simply runs out its timer and expires (spec.md §4.10).
func (b *Bus) Create(ctx context.Context, from, to, capability, schema, prompt string, ttl time.Duration) (*Elicitation, []byte, error) {
	if err := b.allowCreate(ctx, from, to); err != nil {
		return nil, nil, err
	}

	id := newElicitationID()
	now := time.Now()
	key := responseKey(b.secret, id, to)

	e := &Elicitation{
		ID:          id,
		From:        from,
		To:          to,
		Capability:  capability,
		Schema:      schema,
		Prompt:      prompt,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		ResponseKey: key,
		state:       ElicitationPending,
		done:        make(chan struct{}),
	}

	b.mu.Lock()
	b.elicitations[id] = e
	b.mu.Unlock()

	e.timer = time.AfterFunc(ttl, func() { b.expire(ctx, e) })

	b.emit(ctx, "elicitation_created", id, from, map[string]any{
		"elicitation_id": id,
		"from_agent":     from,
		"to_agent":       to,
		"capability":     capability,
		"ttl_ms":         ttl.Milliseconds(),
	})

	return e, key, nil
}

func (b *Bus) expire(ctx context.Context, e *Elicitation) {
	if out, transitioned := e.transition(ElicitationExpired, nil); transitioned {
		b.emit(ctx, "elicitation_expired", e.ID, e.From, map[string]any{
			"elicitation_id": e.ID,
			"state":          string(out.State),
		})
	}
}

// Respond verifies and applies a signed response from the designated expert
// (spec.md §4.10). responderIdentity is the agent_id the caller's token
// verified to, independently of the elicitation record — this is what
// prevents a stolen expert_token for a *different* expert from answering on
// to_agent's behalf, since responderIdentity must equal e.To.
func (b *Bus) Respond(ctx context.Context, elicitationID, responderIdentity, nonce string, signature []byte, response map[string]any) (Outcome, error) {
	b.mu.Lock()
	e, ok := b.elicitations[elicitationID]
	b.mu.Unlock()
	if !ok {
		return Outcome{}, lherrors.NotFound("elicitation", elicitationID)
	}

	if responderIdentity != e.To {
		b.auditEvent(ctx, "elicitation_impersonation_attempt", map[string]any{
			"elicitation_id": elicitationID,
			"claimed":        responderIdentity,
			"expected":       e.To,
		})
		return Outcome{}, lherrors.Forbidden("responder identity does not match to_agent")
	}

	if err := b.allowResponse(ctx, responderIdentity); err != nil {
		return Outcome{}, err
	}

	replayKey := elicitationID + ":" + nonce
	if !b.replay.ValidateAndMark(replayKey) {
		b.auditEvent(ctx, "elicitation_response_replay", map[string]any{"elicitation_id": elicitationID})
		return Outcome{}, lherrors.InvalidSignature(fmt.Errorf("replayed response nonce"))
	}

	expected := SignResponse(e.ResponseKey, nonce, stringField(response, "verdict"))
	if subtle.ConstantTimeCompare(expected, signature) != 1 {
		b.auditEvent(ctx, "elicitation_signature_invalid", map[string]any{"elicitation_id": elicitationID})
		return Outcome{}, lherrors.InvalidSignature(fmt.Errorf("response signature mismatch"))
	}

	if time.Now().After(e.ExpiresAt) {
		out, _ := e.transition(ElicitationExpired, nil)
		return out, lherrors.SessionExpired()
	}

	out, transitioned := e.transition(ElicitationAnswered, response)
	if transitioned {
		b.emit(ctx, "elicitation_answered", elicitationID, responderIdentity, map[string]any{
			"elicitation_id": elicitationID,
			"to_agent":       responderIdentity,
			"response":       response,
		})
	}
	return out, nil
}

// Cancel transitions a pending elicitation to cancelled. Allowed by the
// requester (from) or an admin acting on their behalf (spec.md §4.10).
func (b *Bus) Cancel(ctx context.Context, elicitationID, by string) error {
	b.mu.Lock()
	e, ok := b.elicitations[elicitationID]
	b.mu.Unlock()
	if !ok {
		return lherrors.NotFound("elicitation", elicitationID)
	}

	if out, transitioned := e.transition(ElicitationCancelled, nil); transitioned {
		b.emit(ctx, "elicitation_cancelled", elicitationID, by, map[string]any{
			"elicitation_id": elicitationID,
			"cancelled_by":   by,
			"state":          string(out.State),
		})
	}
	return nil
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func (b *Bus) allowCreate(ctx context.Context, from, to string) error {
	key := bucketKey{from: from, to: to}

	b.mu.Lock()
	limiter, ok := b.createBuckets[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(b.createLimit)/60.0), b.createLimit)
		b.createBuckets[key] = limiter
	}
	b.mu.Unlock()

	if limiter.Allow() {
		return nil
	}
	b.auditEvent(ctx, "elicitation_rate_limited", map[string]any{"from_agent": from, "to_agent": to})
	return lherrors.RateLimitExceeded(b.createLimit, "1m")
}

func (b *Bus) allowResponse(ctx context.Context, responder string) error {
	b.mu.Lock()
	limiter, ok := b.respBuckets[responder]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(b.responseLimit)/60.0), b.responseLimit)
		b.respBuckets[responder] = limiter
	}
	b.mu.Unlock()

	if limiter.Allow() {
		return nil
	}
	b.auditEvent(ctx, "elicitation_response_rate_limited", map[string]any{"responder": responder})
	return lherrors.RateLimitExceeded(b.responseLimit, "1m")
}

func (b *Bus) emit(ctx context.Context, eventType, aggregateID, actorID string, payload map[string]any) {
	if b.append != nil {
		_ = b.append(ctx, eventType, aggregateID, actorID, payload)
	}
}

func (b *Bus) auditEvent(ctx context.Context, eventType string, details map[string]any) {
	if b.audit != nil {
		b.audit(ctx, eventType, details)
	}
}
