// Package identity implements the token authority (C6) and session manager
// (C7): HMAC bearer tokens, secret rotation, and fingerprint-bound sessions.
package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	lherrors "github.com/tachyon-beep/lighthouse-sub002/infrastructure/errors"
)

// Role is a closed set of identity roles, each mapping to a fixed
// permission set (spec.md §4.6, §4.8).
type Role string

const (
	RoleAgent       Role = "agent"
	RoleExpertAgent Role = "expert_agent"
	RoleSystemAgent Role = "system_agent"
	RoleAdmin       Role = "admin"
)

// Permission is one entry from the closed permissions enumeration
// (spec.md §6c).
type Permission string

const (
	PermEventsRead          Permission = "events:read"
	PermEventsWrite         Permission = "events:write"
	PermEventsQuery         Permission = "events:query"
	PermAdminAccess         Permission = "admin:access"
	PermHealthCheck         Permission = "health:check"
	PermExpertCoordination  Permission = "expert:coordination"
	PermShadowRead          Permission = "shadow:read"
	PermShadowWrite         Permission = "shadow:write"
	PermShadowAnnotate      Permission = "shadow:annotate"
	PermCommandValidate     Permission = "command:validate"
	PermCommandExecute      Permission = "command:execute"
	PermSystemAdmin         Permission = "system:admin"
	PermSystemConfig        Permission = "system:config"
	PermBridgeAccess        Permission = "bridge:access"
	PermContextShare        Permission = "context:share"
	PermSessionManage       Permission = "session:manage"
	PermAuditAccess         Permission = "audit:access"
	PermSecurityReview      Permission = "security:review"
)

// RolePermissions is the single source of truth mapping each role to its
// fixed permission set (spec.md §4.6).
var RolePermissions = map[Role]map[Permission]bool{
	RoleAgent: set(
		PermEventsRead, PermEventsWrite, PermEventsQuery,
		PermHealthCheck, PermCommandValidate, PermCommandExecute,
		PermBridgeAccess, PermContextShare, PermShadowRead, PermShadowWrite,
	),
	RoleExpertAgent: set(
		PermEventsRead, PermEventsQuery, PermHealthCheck,
		PermExpertCoordination, PermCommandValidate, PermShadowRead,
		PermShadowAnnotate, PermBridgeAccess, PermContextShare,
	),
	RoleSystemAgent: set(
		PermEventsRead, PermEventsWrite, PermEventsQuery, PermHealthCheck,
		PermCommandValidate, PermCommandExecute, PermSystemConfig,
		PermBridgeAccess, PermContextShare, PermSessionManage,
		PermShadowRead, PermShadowWrite,
	),
	RoleAdmin: set(
		PermEventsRead, PermEventsWrite, PermEventsQuery, PermAdminAccess,
		PermHealthCheck, PermExpertCoordination, PermShadowRead,
		PermShadowWrite, PermShadowAnnotate, PermCommandValidate,
		PermCommandExecute, PermSystemAdmin, PermSystemConfig,
		PermBridgeAccess, PermContextShare, PermSessionManage,
		PermAuditAccess, PermSecurityReview,
	),
}

func set(perms ...Permission) map[Permission]bool {
	out := make(map[Permission]bool, len(perms))
	for _, p := range perms {
		out[p] = true
	}
	return out
}

// Identity is what a verified token resolves to.
type Identity struct {
	AgentID string
	Role    Role
}

// Permissions returns the fixed permission set for id's role.
func (id Identity) Permissions() map[Permission]bool {
	return RolePermissions[id.Role]
}

// HasPermission reports whether id's role carries perm.
func (id Identity) HasPermission(perm Permission) bool {
	return RolePermissions[id.Role][perm]
}

var authorityConstructed bool
var authorityGuard sync.Mutex

// Authority is the process-wide token issuer/verifier (C6). Exactly one
// instance may exist per process — NewAuthority enforces this by
// construction so dependency-injecting the wrong instance somewhere is
// impossible rather than merely discouraged (spec.md §4.6 singleton
// discipline).
type Authority struct {
	mu             sync.RWMutex
	secret         []byte
	previousSecret []byte
	revoked        map[string]bool

	tokenTTL time.Duration
}

// NewAuthority constructs the process's one Authority. Calling it twice in
// the same process is a programming bug and panics rather than silently
// returning a second, state-isolated instance.
func NewAuthority(secret []byte, tokenTTL time.Duration) *Authority {
	authorityGuard.Lock()
	defer authorityGuard.Unlock()
	if authorityConstructed {
		panic("identity: NewAuthority called more than once in this process")
	}
	authorityConstructed = true

	if len(secret) == 0 {
		panic("identity: auth secret is required")
	}
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	return &Authority{
		secret:   secret,
		revoked:  make(map[string]bool),
		tokenTTL: tokenTTL,
	}
}

// resetForTest undoes the singleton guard. Only ever called from this
// package's own tests, which otherwise could not construct more than one
// Authority across the whole test binary.
func resetForTest() {
	authorityGuard.Lock()
	defer authorityGuard.Unlock()
	authorityConstructed = false
}

// IssueToken mints a bearer token of the form
// "agent_id|issued_ns|expires_ns|nonce|role|sig" (see signingPayload).
func (a *Authority) IssueToken(agentID string, role Role) (string, error) {
	if agentID == "" {
		return "", lherrors.MissingParameter("agent_id")
	}
	if _, ok := RolePermissions[role]; !ok {
		return "", lherrors.InvalidInput("role", "unknown role")
	}

	a.mu.RLock()
	if a.revoked[agentID] {
		a.mu.RUnlock()
		return "", lherrors.Forbidden("agent_id has been revoked")
	}
	secret := a.secret
	ttl := a.tokenTTL
	a.mu.RUnlock()

	now := time.Now().UnixNano()
	expires := now + ttl.Nanoseconds()

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", lherrors.Internal("failed to generate nonce", err)
	}
	nonceHex := hex.EncodeToString(nonce)

	payload := signingPayload(agentID, now, expires, nonceHex, role)
	sig := computeSignature(secret, payload)

	token := fmt.Sprintf("%s|%s", payload, base64.RawURLEncoding.EncodeToString(sig))
	return token, nil
}

// signingPayload builds the authenticated portion of a token. spec.md §4.6
// describes the wire layout as "agent_id|issued_ns|expires_ns|nonce|sig";
// role is folded into the signed payload (rather than carried as a trailing
// unsigned field, or looked up from a side table keyed by agent_id) so a
// single agent can hold concurrent tokens for different roles without
// forgery risk — an unsigned role field would let a holder of any valid
// token for agent X re-point it at a higher-privilege role.
func signingPayload(agentID string, issuedNs, expiresNs int64, nonce string, role Role) string {
	return fmt.Sprintf("%s|%d|%d|%s|%s", agentID, issuedNs, expiresNs, nonce, role)
}

func computeSignature(secret []byte, payload string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// Verify parses and authenticates token, returning the Identity it grants.
// Verification is constant-time (spec.md §4.6).
func (a *Authority) Verify(token string) (Identity, error) {
	parts := strings.Split(token, "|")
	if len(parts) != 6 {
		return Identity{}, lherrors.InvalidToken(fmt.Errorf("malformed token"))
	}
	agentID, issuedStr, expiresStr, nonce, roleStr, sigB64 := parts[0], parts[1], parts[2], parts[3], parts[4], parts[5]

	issued, err := strconv.ParseInt(issuedStr, 10, 64)
	if err != nil {
		return Identity{}, lherrors.InvalidToken(err)
	}
	expires, err := strconv.ParseInt(expiresStr, 10, 64)
	if err != nil {
		return Identity{}, lherrors.InvalidToken(err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return Identity{}, lherrors.InvalidToken(err)
	}

	payload := signingPayload(agentID, issued, expires, nonce, Role(roleStr))

	a.mu.RLock()
	secret := a.secret
	prevSecret := a.previousSecret
	revoked := a.revoked[agentID]
	a.mu.RUnlock()

	if !validSignature(secret, payload, sig) && !(len(prevSecret) > 0 && validSignature(prevSecret, payload, sig)) {
		return Identity{}, lherrors.InvalidSignature(fmt.Errorf("signature mismatch"))
	}

	if revoked {
		return Identity{}, lherrors.Forbidden("agent_id has been revoked")
	}

	if time.Now().UnixNano() > expires {
		return Identity{}, lherrors.TokenExpired()
	}

	return Identity{AgentID: agentID, Role: Role(roleStr)}, nil
}

func validSignature(secret []byte, payload string, sig []byte) bool {
	expected := computeSignature(secret, payload)
	return subtle.ConstantTimeCompare(expected, sig) == 1
}

// Revoke marks agentID's tokens as no longer valid, effective immediately.
func (a *Authority) Revoke(agentID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.revoked[agentID] = true
}

// RotateSecret replaces the active signing secret, keeping the previous one
// live for the verification overlap window (spec.md §4.6). Tokens issued
// before rotation remain valid until they expire or the overlap window
// closes, whichever comes first — closing the window is the caller's
// responsibility (call RotateSecret again with the same new secret to drop
// the old one once the window has elapsed).
func (a *Authority) RotateSecret(newSecret []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.previousSecret = a.secret
	a.secret = newSecret
}
