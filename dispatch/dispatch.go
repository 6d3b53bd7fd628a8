// Package dispatch implements the tiered speed-layer validation dispatcher
// (C9): memory cache, policy rules, a learned-pattern classifier, and
// expert escalation, each guarded by its own circuit breaker and falling
// back to deny(fail_closed) when nothing resolves the command.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/blake2b"

	lhlog "github.com/tachyon-beep/lighthouse-sub002/infrastructure/logging"
	lhmetrics "github.com/tachyon-beep/lighthouse-sub002/infrastructure/metrics"
	"github.com/tachyon-beep/lighthouse-sub002/infrastructure/resilience"
	"github.com/tachyon-beep/lighthouse-sub002/identity"
)

// Verdict is the closed set of dispatcher outcomes (spec.md §4.9).
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictDeny  Verdict = "deny"
	VerdictDefer Verdict = "defer"
)

// Tier names the stage of the pipeline that produced a Decision, for
// metrics, caching feedback, and logging.
type Tier string

const (
	TierCache      Tier = "tier1_cache"
	TierPolicy     Tier = "tier2_policy"
	TierClassifier Tier = "tier3_classifier"
	TierExpert     Tier = "tier4_expert"
	TierFailClosed Tier = "fail_closed"
)

// CommandDescriptor is the normalized input the dispatcher reasons about.
type CommandDescriptor struct {
	Kind    string
	Payload map[string]any
	// Fingerprint, if pre-computed by the caller, is used verbatim;
	// otherwise Dispatch computes one from Kind+Payload+context.
	Fingerprint string
}

// Decision is the dispatcher's answer (spec.md §4.9).
type Decision struct {
	Verdict    Verdict
	Reason     string
	SourceTier Tier
	Confidence float64
	ExpiresAt  time.Time
}

// PolicyEngine evaluates a loaded, declarative rule set with no I/O
// (spec.md §4.9 tier 2). Implementations must be synchronous.
type PolicyEngine interface {
	Evaluate(cmd CommandDescriptor, id identity.Identity) (Decision, bool)
}

// Classifier emits a Decision only when confident enough to do so
// (spec.md §4.9 tier 3); it may abstain.
type Classifier interface {
	Classify(ctx context.Context, cmd CommandDescriptor, id identity.Identity) (Decision, bool)
}

// ExpertEscalator dispatches an elicitation to registered experts and
// aggregates their responses (spec.md §4.9 tier 4, backed by C10).
type ExpertEscalator interface {
	Escalate(ctx context.Context, cmd CommandDescriptor, id identity.Identity, timeout time.Duration) (Decision, error)
}

// AuditFunc records a tier_failure or fail_closed decision for the audit
// trail.
type AuditFunc func(ctx context.Context, eventType string, payload map[string]any)

// Config configures a Dispatcher.
type Config struct {
	CacheSize      int
	CacheTTL       time.Duration
	ExpertTimeout  time.Duration
	BreakerConfig  resilience.Config

	Metrics *lhmetrics.Metrics
	Logger  *lhlog.Logger
	Audit   AuditFunc
}

func (c *Config) setDefaults() {
	if c.CacheSize <= 0 {
		c.CacheSize = 4096
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.ExpertTimeout <= 0 {
		c.ExpertTimeout = 30 * time.Second
	}
}

type cacheEntry struct {
	decision  Decision
	expiresAt time.Time
}

// Dispatcher runs the four-tier pipeline (spec.md §4.9). It is reentrant:
// Dispatch may be invoked concurrently, and per-request state is local.
type Dispatcher struct {
	cfg Config

	cache *lru.Cache[string, cacheEntry]

	policy    PolicyEngine
	classifier Classifier
	expert    ExpertEscalator

	policyBreaker     *resilience.CircuitBreaker
	classifierBreaker *resilience.CircuitBreaker
	expertBreaker     *resilience.CircuitBreaker
}

// New builds a Dispatcher. policy, classifier, and expert may each be nil,
// in which case that tier is always skipped (its breaker never opens since
// it is never invoked).
func New(cfg Config, policy PolicyEngine, classifier Classifier, expert ExpertEscalator) (*Dispatcher, error) {
	cfg.setDefaults()

	cache, err := lru.New[string, cacheEntry](cfg.CacheSize)
	if err != nil {
		return nil, err
	}

	return &Dispatcher{
		cfg:               cfg,
		cache:             cache,
		policy:            policy,
		classifier:        classifier,
		expert:            expert,
		policyBreaker:     resilience.New(cfg.BreakerConfig),
		classifierBreaker: resilience.New(cfg.BreakerConfig),
		expertBreaker:     resilience.New(cfg.BreakerConfig),
	}, nil
}

// Fingerprint derives the normalized cache key for cmd in the given
// context fingerprint, using blake2b (a fast non-MAC hash: tier 1 caching
// does not need HMAC's keyed authentication, only a stable fingerprint, so
// eventstore's HMAC tagging is not reused here).
func Fingerprint(cmd CommandDescriptor, contextFingerprint string) string {
	if cmd.Fingerprint != "" {
		return cmd.Fingerprint
	}
	h, _ := blake2b.New256(nil)
	h.Write([]byte(cmd.Kind))
	h.Write([]byte{0})
	h.Write([]byte(contextFingerprint))

	keys := make([]string, 0, len(cmd.Payload))
	for k := range cmd.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(toStableString(cmd.Payload[k])))
	}
	return string(h.Sum(nil))
}

func toStableString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "\x00nil"
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Dispatch runs the tiered pipeline for one command, short-circuiting on
// the first definite answer (spec.md §4.9).
func (d *Dispatcher) Dispatch(ctx context.Context, cmd CommandDescriptor, id identity.Identity, contextFingerprint string) Decision {
	key := Fingerprint(cmd, contextFingerprint)

	start := time.Now()
	if entry, ok := d.cache.Get(key); ok {
		if time.Now().Before(entry.expiresAt) {
			d.record(TierCache, "hit", start)
			return entry.decision
		}
		d.cache.Remove(key)
	}
	d.record(TierCache, "miss", start)

	if d.policy != nil {
		tierStart := time.Now()
		if decision, ok := d.runPolicyTier(cmd, id); ok {
			d.record(TierPolicy, string(decision.Verdict), tierStart)
			d.cacheDecision(key, decision, 5*time.Minute)
			return decision
		}
	}

	if d.classifier != nil {
		tierStart := time.Now()
		if decision, ok := d.runClassifierTier(ctx, cmd, id); ok {
			d.record(TierClassifier, string(decision.Verdict), tierStart)
			d.cacheDecision(key, decision, time.Minute)
			return decision
		}
	}

	if d.expert != nil {
		tierStart := time.Now()
		decision, ok := d.runExpertTier(ctx, cmd, id)
		if ok {
			d.record(TierExpert, string(decision.Verdict), tierStart)
			d.cacheDecision(key, decision, 30*time.Second)
			return decision
		}
	}

	return d.failClosed(ctx, id, "all_tiers_skipped_or_inconclusive")
}

func (d *Dispatcher) runPolicyTier(cmd CommandDescriptor, id identity.Identity) (Decision, bool) {
	if d.policyBreaker.State() == resilience.StateOpen {
		return Decision{}, false
	}

	var decision Decision
	var matched bool
	err := d.policyBreaker.Execute(context.Background(), func() error {
		decision, matched = d.policy.Evaluate(cmd, id)
		return nil
	})
	if err != nil {
		d.reportTierFailure(context.Background(), TierPolicy, id, err)
		return Decision{}, false
	}
	return decision, matched
}

func (d *Dispatcher) runClassifierTier(ctx context.Context, cmd CommandDescriptor, id identity.Identity) (Decision, bool) {
	if d.classifierBreaker.State() == resilience.StateOpen {
		return Decision{}, false
	}

	var decision Decision
	var confident bool
	err := d.classifierBreaker.Execute(ctx, func() error {
		decision, confident = d.classifier.Classify(ctx, cmd, id)
		return nil
	})
	if err != nil {
		d.reportTierFailure(ctx, TierClassifier, id, err)
		return Decision{}, false
	}
	return decision, confident
}

func (d *Dispatcher) runExpertTier(ctx context.Context, cmd CommandDescriptor, id identity.Identity) (Decision, bool) {
	if d.expertBreaker.State() == resilience.StateOpen {
		return Decision{}, false
	}

	var decision Decision
	err := d.expertBreaker.Execute(ctx, func() error {
		var innerErr error
		decision, innerErr = d.expert.Escalate(ctx, cmd, id, d.cfg.ExpertTimeout)
		return innerErr
	})
	if err != nil {
		d.reportTierFailure(ctx, TierExpert, id, err)
		return Decision{}, false
	}
	return decision, true
}

// reportTierFailure audits a breaker trip or tier error. id attributes the
// event to the command's caller, since aggregate_id must be non-empty for
// the append to validate (spec.md §4.8).
func (d *Dispatcher) reportTierFailure(ctx context.Context, tier Tier, id identity.Identity, err error) {
	if d.cfg.Audit != nil {
		d.cfg.Audit(ctx, "tier_failure", map[string]any{
			"agent_id": id.AgentID,
			"tier":     string(tier),
			"error":    err.Error(),
		})
	}
	if d.cfg.Logger != nil {
		d.cfg.Logger.LogDispatchDecision(ctx, "", string(tier), "tier_failure", 0)
	}
}

func (d *Dispatcher) failClosed(ctx context.Context, id identity.Identity, reason string) Decision {
	if d.cfg.Audit != nil {
		d.cfg.Audit(ctx, "fail_closed", map[string]any{"agent_id": id.AgentID, "reason": reason})
	}
	return Decision{Verdict: VerdictDeny, Reason: "fail_closed", SourceTier: TierFailClosed}
}

func (d *Dispatcher) cacheDecision(key string, decision Decision, ttl time.Duration) {
	d.cache.Add(key, cacheEntry{decision: decision, expiresAt: time.Now().Add(ttl)})
}

func (d *Dispatcher) record(tier Tier, outcome string, start time.Time) {
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.RecordDispatchTier(string(tier), outcome, time.Since(start))
	}
}

// BreakerStates reports the current state of each downstream's circuit
// breaker, for health reporting and the breaker-state gauge.
func (d *Dispatcher) BreakerStates() map[string]resilience.State {
	return map[string]resilience.State{
		string(TierPolicy):     d.policyBreaker.State(),
		string(TierClassifier): d.classifierBreaker.State(),
		string(TierExpert):     d.expertBreaker.State(),
	}
}
