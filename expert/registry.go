// Package expert implements the expert registry and elicitation bus (C10):
// expert registration with a nonce-bound challenge/response, heartbeat-based
// liveness, and a request/response rendezvous for builder-to-expert
// escalations.
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

	lherrors "github.com/tachyon-beep/lighthouse-sub002/infrastructure/errors"
	"github.com/tachyon-beep/lighthouse-sub002/identity"
)

// Status is the liveness state of a registered expert.
type Status string

const (
	StatusActive Status = "active"
	StatusStale  Status = "stale"
)

// Expert is a registered expert's routing record.
type Expert struct {
	AgentID       string
	Token         string
	Capabilities  map[string]bool
	Status        Status
	RegisteredAt  time.Time
	LastHeartbeat time.Time
}

// HasCapability reports whether e declared capability.
func (e *Expert) HasCapability(capability string) bool {
	return e.Capabilities[capability]
}

// pendingChallenge is a server nonce issued for one agent_id, good for
// challengeTTL before it must be re-requested.
type pendingChallenge struct {
	nonce   string
	issued  time.Time
}

// appendFunc records a registry event to the store's audit trail. Kept as a
// callback, matching identity.appendFunc, so this package never imports
// eventstore directly.
type appendFunc func(ctx context.Context, eventType, aggregateID, actorID string, payload map[string]any) error

// Registry tracks live experts and brokers their registration challenge
// (spec.md §4.10). It issues expert_token via the shared identity.Authority
// rather than minting its own token format, since an expert token grants the
// same kind of bearer identity a builder token does (role=expert_agent) and
// the codebase should have exactly one place that signs bearer tokens.
type Registry struct {
	challengeSecret []byte
	authority       *identity.Authority
	livenessTimeout time.Duration
	challengeTTL    time.Duration
	append          appendFunc

	mu         sync.Mutex
	challenges map[string]pendingChallenge
	experts    map[string]*Expert
}

// NewRegistry builds a Registry. challengeSecret authenticates the
// registration handshake; it is deliberately distinct from the Authority's
// token-signing secret so rotating one does not require rotating the other.
func NewRegistry(challengeSecret []byte, authority *identity.Authority, livenessTimeout time.Duration, append appendFunc) *Registry {
	if livenessTimeout <= 0 {
		livenessTimeout = 2 * time.Minute
	}
	return &Registry{
		challengeSecret: challengeSecret,
		authority:       authority,
		livenessTimeout: livenessTimeout,
		challengeTTL:    5 * time.Minute,
		append:          append,
		challenges:      make(map[string]pendingChallenge),
		experts:         make(map[string]*Expert),
	}
}

// IssueChallenge returns a fresh server nonce bound to agentID. The
// registrant must return HMAC(challengeSecret, agent_id|nonce) to prove
// possession of the shared provisioning secret (spec.md §4.10: "a fresh HMAC
// challenge bound to its agent_id and a server nonce, not a pure timestamp,
// to prevent replay").
func (r *Registry) IssueChallenge(agentID string) (string, error) {
	if agentID == "" {
		return "", lherrors.MissingParameter("agent_id")
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", lherrors.Internal("failed to generate challenge nonce", err)
	}
	nonceHex := hex.EncodeToString(nonce)

	r.mu.Lock()
	r.challenges[agentID] = pendingChallenge{nonce: nonceHex, issued: time.Now()}
	r.mu.Unlock()

	return nonceHex, nil
}

// ChallengeResponse computes the expected response for a given challenge.
// Exposed so registrants holding challengeSecret out-of-band can compute it;
// tests also use it directly to simulate a well-behaved registrant.
func ChallengeResponse(secret []byte, agentID, nonce string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(agentID))
	mac.Write([]byte{'|'})
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

// RegisterExpert completes the challenge/response and returns an
// expert_token carrying role=expert_agent. Duplicate registrations for an
// already-active agent_id are idempotent: the existing token is returned
// without re-checking the challenge (spec.md §4.10), until Release is
// called for that agent_id.
func (r *Registry) RegisterExpert(ctx context.Context, agentID string, capabilities []string, challengeResponse string) (string, error) {
	r.mu.Lock()
	if existing, ok := r.experts[agentID]; ok {
		token := existing.Token
		r.mu.Unlock()
		return token, nil
	}

	pending, ok := r.challenges[agentID]
	if !ok {
		r.mu.Unlock()
		return "", lherrors.Unauthorized("no pending registration challenge for agent_id")
	}
	if time.Since(pending.issued) > r.challengeTTL {
		delete(r.challenges, agentID)
		r.mu.Unlock()
		return "", lherrors.Unauthorized("registration challenge expired")
	}
	r.mu.Unlock()

	expected := ChallengeResponse(r.challengeSecret, agentID, pending.nonce)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(challengeResponse)) != 1 {
		return "", lherrors.InvalidSignature(fmt.Errorf("challenge response mismatch"))
	}

	token, err := r.authority.IssueToken(agentID, identity.RoleExpertAgent)
	if err != nil {
		return "", err
	}

	caps := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		caps[c] = true
	}

	now := time.Now()
	expert := &Expert{
		AgentID:       agentID,
		Token:         token,
		Capabilities:  caps,
		Status:        StatusActive,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}

	r.mu.Lock()
	delete(r.challenges, agentID)
	r.experts[agentID] = expert
	r.mu.Unlock()

	r.emit(ctx, "agent_registered", agentID, agentID, map[string]any{
		"agent_id":     agentID,
		"role":         string(identity.RoleExpertAgent),
		"capabilities": capabilities,
	})

	return token, nil
}

// Release removes agentID's registration, allowing a subsequent
// RegisterExpert call to re-run the challenge instead of returning the
// stale token idempotently.
func (r *Registry) Release(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.experts, agentID)
}

// Heartbeat records agentID as live, reinstating it if it had gone stale
// (spec.md §4.10). token must match the expert_token issued at
// registration, so a heartbeat cannot be spoofed on another expert's
// behalf.
func (r *Registry) Heartbeat(agentID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	expert, ok := r.experts[agentID]
	if !ok {
		return lherrors.NotFound("expert", agentID)
	}
	if subtle.ConstantTimeCompare([]byte(expert.Token), []byte(token)) != 1 {
		return lherrors.Forbidden("token does not match this expert's registration")
	}
	expert.LastHeartbeat = time.Now()
	expert.Status = StatusActive
	return nil
}

// SweepStale marks any expert whose last heartbeat exceeds livenessTimeout
// as stale, excluding it from routing until it heartbeats again. Returns the
// number of experts newly marked stale.
func (r *Registry) SweepStale() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	n := 0
	for _, e := range r.experts {
		if e.Status == StatusActive && now.Sub(e.LastHeartbeat) > r.livenessTimeout {
			e.Status = StatusStale
			n++
		}
	}
	return n
}

// EligibleExperts returns every active (non-stale) expert that declared
// capability.
func (r *Registry) EligibleExperts(capability string) []*Expert {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Expert
	for _, e := range r.experts {
		if e.Status == StatusActive && e.HasCapability(capability) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

// Lookup returns a copy of agentID's registration, if any.
func (r *Registry) Lookup(agentID string) (*Expert, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.experts[agentID]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

func (r *Registry) emit(ctx context.Context, eventType, aggregateID, actorID string, payload map[string]any) {
	if r.append == nil {
		return
	}
	_ = r.append(ctx, eventType, aggregateID, actorID, payload)
}
