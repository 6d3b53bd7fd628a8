// Package authz implements permission authorization and per-(agent,
// operation-class) rate limiting (C8).
package authz

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	lherrors "github.com/tachyon-beep/lighthouse-sub002/infrastructure/errors"
	"github.com/tachyon-beep/lighthouse-sub002/identity"
)

// ResourceCheck carries the optional resource-scoped context for a
// permission check (spec.md §4.8): a file path and/or a command kind.
type ResourceCheck struct {
	Path        string
	CommandKind string
}

// Policy holds the configured "sensitive roots" and command kinds that
// require system_admin regardless of the base permission check.
type Policy struct {
	SensitiveRoots      []string
	SensitiveCommandKinds map[string]bool
}

// DefaultPolicy is a reasonable starting point; operators override via
// configuration.
func DefaultPolicy() Policy {
	return Policy{
		SensitiveRoots: []string{"/etc", "/sys", "/proc", "/boot"},
		SensitiveCommandKinds: map[string]bool{
			"system_admin":  true,
			"system_config": true,
		},
	}
}

func (p Policy) pathIsSensitive(path string) bool {
	for _, root := range p.SensitiveRoots {
		if root == "" {
			continue
		}
		if path == root || strings.HasPrefix(path, strings.TrimRight(root, "/")+"/") {
			return true
		}
	}
	return false
}

// AuditFunc records a deny or rate-limit decision for the audit trail
// (spec.md §4.8: "every deny and every rate-limit event is appended to the
// store"). Kept as a callback, like identity.appendFunc, so authz never
// needs to import eventstore directly.
type AuditFunc func(ctx context.Context, eventType string, agentID string, payload map[string]any)

// Authorizer evaluates permission and resource-scoped checks against a
// fixed role→permission mapping plus a configurable sensitive-resource
// policy.
type Authorizer struct {
	policy Policy
	audit  AuditFunc
}

// NewAuthorizer builds an Authorizer. audit may be nil.
func NewAuthorizer(policy Policy, audit AuditFunc) *Authorizer {
	return &Authorizer{policy: policy, audit: audit}
}

// Authorize deny unless identity.Role's permission set contains perm, and
// applies the resource-scoped predicates from spec.md §4.8.
func (a *Authorizer) Authorize(ctx context.Context, id identity.Identity, perm identity.Permission, resource *ResourceCheck) error {
	if !id.HasPermission(perm) {
		a.deny(ctx, id, perm, resource, "permission_not_granted")
		return lherrors.Forbidden("permission not granted")
	}

	if resource != nil {
		if resource.Path != "" && a.policy.pathIsSensitive(resource.Path) && !id.HasPermission(identity.PermSystemAdmin) {
			a.deny(ctx, id, perm, resource, "sensitive_path_requires_system_admin")
			return lherrors.Forbidden("path requires system_admin permission")
		}
		if resource.CommandKind != "" && a.policy.SensitiveCommandKinds[resource.CommandKind] && !id.HasPermission(identity.PermSystemAdmin) {
			a.deny(ctx, id, perm, resource, "sensitive_command_kind_requires_system_admin")
			return lherrors.Forbidden("command kind requires system_admin permission")
		}
	}

	return nil
}

func (a *Authorizer) deny(ctx context.Context, id identity.Identity, perm identity.Permission, resource *ResourceCheck, reason string) {
	if a.audit == nil {
		return
	}
	payload := map[string]any{
		"agent_id": id.AgentID,
		"role":     string(id.Role),
		"permission": string(perm),
		"reason":   reason,
	}
	if resource != nil {
		payload["path"] = resource.Path
		payload["command_kind"] = resource.CommandKind
	}
	a.audit(ctx, "authz_denied", id.AgentID, payload)
}

// RoleRateLimits maps each role to its per-minute request budget
// (spec.md §4.8 defaults; overridable via configuration's
// `role_rate_limits`).
var RoleRateLimits = map[identity.Role]int{
	identity.RoleAgent:       100,
	identity.RoleExpertAgent: 500,
	identity.RoleSystemAgent: 5000,
	identity.RoleAdmin:       10000,
}

// bucketKey identifies one token bucket: an (agent_id, op_class) pair.
type bucketKey struct {
	agentID string
	opClass string
}

// RateLimiter is a concurrent-safe token-bucket limiter keyed by
// (agent_id, op_class), using golang.org/x/time/rate for continuous refill
// (spec.md §4.8).
type RateLimiter struct {
	mu       sync.Mutex
	limits   map[identity.Role]int
	buckets  map[bucketKey]*rate.Limiter
	audit    AuditFunc
}

// NewRateLimiter builds a RateLimiter using limits (falling back to
// RoleRateLimits for any role not present). audit may be nil.
func NewRateLimiter(limits map[identity.Role]int, audit AuditFunc) *RateLimiter {
	merged := make(map[identity.Role]int, len(RoleRateLimits))
	for role, n := range RoleRateLimits {
		merged[role] = n
	}
	for role, n := range limits {
		merged[role] = n
	}
	return &RateLimiter{
		limits:  merged,
		buckets: make(map[bucketKey]*rate.Limiter),
		audit:   audit,
	}
}

// AllowRate reports whether id may perform one operation in opClass right
// now, consuming one token from its bucket if so. Bucket capacity equals
// the per-minute rate, and refill is continuous (spec.md §4.8).
func (r *RateLimiter) AllowRate(ctx context.Context, id identity.Identity, opClass string) error {
	limiter := r.limiterFor(id, opClass)
	if limiter.Allow() {
		return nil
	}

	if r.audit != nil {
		r.audit(ctx, "rate_limited", id.AgentID, map[string]any{
			"agent_id": id.AgentID,
			"role":     string(id.Role),
			"op_class": opClass,
		})
	}
	perMinute := r.limits[id.Role]
	return lherrors.RateLimitExceeded(perMinute, "1m")
}

func (r *RateLimiter) limiterFor(id identity.Identity, opClass string) *rate.Limiter {
	key := bucketKey{agentID: id.AgentID, opClass: opClass}

	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.buckets[key]; ok {
		return l
	}

	perMinute := r.limits[id.Role]
	if perMinute <= 0 {
		perMinute = RoleRateLimits[identity.RoleAgent]
	}
	ratePerSec := rate.Limit(float64(perMinute) / 60.0)
	l := rate.NewLimiter(ratePerSec, perMinute)
	r.buckets[key] = l
	return l
}

// Reset drops all tracked buckets. Used in tests and when role rate limits
// are reconfigured at runtime.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buckets = make(map[bucketKey]*rate.Limiter)
}
