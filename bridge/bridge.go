// Package bridge implements the Lighthouse façade (C11): it wires the
// event store, identity, authorization, dispatch, and expert subsystems
// together and exposes them over the Control/Coordination HTTP + WebSocket
// API (spec.md §6a).
package bridge

import (
	"context"
	"time"

	"github.com/tachyon-beep/lighthouse-sub002/authz"
	"github.com/tachyon-beep/lighthouse-sub002/dispatch"
	"github.com/tachyon-beep/lighthouse-sub002/eventstore"
	"github.com/tachyon-beep/lighthouse-sub002/expert"
	lherrors "github.com/tachyon-beep/lighthouse-sub002/infrastructure/errors"
	lhlog "github.com/tachyon-beep/lighthouse-sub002/infrastructure/logging"
	lhmetrics "github.com/tachyon-beep/lighthouse-sub002/infrastructure/metrics"
	"github.com/tachyon-beep/lighthouse-sub002/infrastructure/resilience"
	"github.com/tachyon-beep/lighthouse-sub002/identity"
)

// Config collects every knob on spec.md §6c's configuration surface. A
// zero Config is not usable: New validates the fields that have no safe
// default.
type Config struct {
	DataDir string
	NodeID  string

	AuthSecret         []byte
	AuthSecretPrevious []byte

	SessionIdleTimeout time.Duration
	SessionMaxAge      time.Duration

	FsyncPolicy     eventstore.FsyncPolicy
	MaxEventSize    int
	MaxBatchEvents  int
	MaxSegmentBytes int64

	RoleRateLimits map[identity.Role]int

	ExpertChallengeSecret    []byte
	ExpertLivenessTimeout    time.Duration
	ExpertCreateLimitPerMin  int
	ExpertResponseLimitPerMin int
	ExpertTimeout            time.Duration
	ExpertQuorum             int

	DispatchCacheSize int
	DispatchCacheTTL  time.Duration
	BreakerThreshold  int
	BreakerCooldown   time.Duration

	PolicyRules []dispatch.Rule

	IntegrityQueueSize int
	IntegrityMaxSkew   time.Duration

	CORSAllowedOrigins []string
	BindAddr           string

	AuthzPolicy authz.Policy

	Metrics *lhmetrics.Metrics
	Logger  *lhlog.Logger
}

func (c *Config) setDefaults() {
	if c.SessionIdleTimeout <= 0 {
		c.SessionIdleTimeout = 30 * time.Minute
	}
	if c.SessionMaxAge <= 0 {
		c.SessionMaxAge = 12 * time.Hour
	}
	if c.ExpertLivenessTimeout <= 0 {
		c.ExpertLivenessTimeout = 2 * time.Minute
	}
	if c.ExpertTimeout <= 0 {
		c.ExpertTimeout = 30 * time.Second
	}
	if c.ExpertQuorum <= 0 {
		c.ExpertQuorum = 1
	}
	if c.DispatchCacheSize <= 0 {
		c.DispatchCacheSize = 4096
	}
	if c.DispatchCacheTTL <= 0 {
		c.DispatchCacheTTL = 5 * time.Minute
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.IntegrityQueueSize <= 0 {
		c.IntegrityQueueSize = 1024
	}
	if c.IntegrityMaxSkew <= 0 {
		c.IntegrityMaxSkew = 5 * time.Second
	}
	if c.BindAddr == "" {
		c.BindAddr = ":8765"
	}
	if len(c.AuthzPolicy.SensitiveRoots) == 0 && len(c.AuthzPolicy.SensitiveCommandKinds) == 0 {
		c.AuthzPolicy = authz.DefaultPolicy()
	}
}

// Bridge composes every Lighthouse subsystem behind one handle. It is the
// thing cmd/bridged constructs once at startup and hands to the HTTP
// router.
type Bridge struct {
	cfg Config

	Store      *eventstore.Store
	Monitor    *eventstore.Monitor
	Authority  *identity.Authority
	Sessions   *identity.Manager
	Authorizer *authz.Authorizer
	RateLimit  *authz.RateLimiter
	Dispatcher *dispatch.Dispatcher
	Experts    *expert.Registry
	Bus        *expert.Bus
	Escalator  *expert.Escalator

	hub *hub

	logger  *lhlog.Logger
	metrics *lhmetrics.Metrics
}

// appendEvent adapts Store.AppendBatch to the appendFunc shape that
// identity and expert expect, so neither package imports eventstore
// directly (spec.md §5's layering: core subsystems never import the
// façade or each other's storage concerns). Callers pass whatever
// semantic event name their own domain uses (e.g. "authz_denied",
// "tier_failure"); names outside eventstore's closed EventType
// enumeration are carried as EventCustom with the original name
// preserved in the payload, rather than rejected by EventBatch.Validate
// (spec.md §4.8/§7: every deny, rate-limit, tier-failure, and bus
// security event must actually reach the store, not just attempt to).
func (b *Bridge) appendEvent(ctx context.Context, eventType, aggregateID, actorID string, payload map[string]any) error {
	et := eventstore.EventType(eventType)
	if !et.Valid() {
		if payload == nil {
			payload = make(map[string]any, 1)
		}
		payload["event_name"] = eventType
		et = eventstore.EventCustom
	}
	ev := eventstore.Event{
		EventType:   et,
		AggregateID: aggregateID,
		ActorID:     actorID,
		Payload:     payload,
	}
	seq, err := b.Store.AppendBatch(ctx, eventstore.EventBatch{Events: []eventstore.Event{ev}})
	if err != nil {
		return err
	}
	ev.Sequence = seq
	b.hub.publish(ev)
	return nil
}

// logAuditFailure records that an audit event failed to append. Audit
// callbacks are void (the authz/dispatch/expert packages have no
// meaningful caller to return an error to), so this is the last place the
// failure can surface before it would otherwise be dropped silently.
func (b *Bridge) logAuditFailure(ctx context.Context, eventType string, err error) {
	if b.logger == nil {
		return
	}
	b.logger.Error(ctx, "failed to append audit event", err, map[string]interface{}{"event_type": eventType})
}

// auditAuthz adapts authz.AuditFunc to appendEvent, recording every deny
// and rate-limit decision as an event (spec.md §7: "every ... deny/
// rate-limit decision is recorded as an event").
func (b *Bridge) auditAuthz(ctx context.Context, eventType, agentID string, payload map[string]any) {
	if agentID == "" {
		agentID = firstString(payload, "agent_id")
	}
	if err := b.appendEvent(ctx, eventType, agentID, agentID, payload); err != nil {
		b.logAuditFailure(ctx, eventType, err)
	}
}

// auditDispatch adapts dispatch.AuditFunc to appendEvent.
func (b *Bridge) auditDispatch(ctx context.Context, eventType string, payload map[string]any) {
	actor := firstString(payload, "agent_id")
	if err := b.appendEvent(ctx, eventType, actor, actor, payload); err != nil {
		b.logAuditFailure(ctx, eventType, err)
	}
}

// auditExpert adapts expert.AuditFunc to appendEvent. The bus's audit
// payloads don't share one consistent actor key (a rate-limit event names
// "responder", an impersonation attempt names "claimed", and so on), so
// the aggregate and actor are each resolved from a priority list of the
// keys that do appear.
func (b *Bridge) auditExpert(ctx context.Context, eventType string, details map[string]any) {
	aggregateID := firstString(details, "elicitation_id", "from_agent", "responder", "claimed")
	actor := firstString(details, "claimed", "from_agent", "responder")
	if err := b.appendEvent(ctx, eventType, aggregateID, actor, details); err != nil {
		b.logAuditFailure(ctx, eventType, err)
	}
}

// firstString returns the first non-empty string value found in m among
// keys, in order, or "unknown" if none are present. AppendBatch rejects an
// empty aggregate_id, so audit paths that cannot identify a specific actor
// still need a non-empty placeholder rather than failing to append at all.
func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return "unknown"
}

// New constructs every subsystem and wires them together. Only one Bridge
// may exist per process: identity.NewAuthority enforces a process-wide
// singleton (spec.md §5), so a second call panics.
func New(cfg Config) (*Bridge, error) {
	cfg.setDefaults()
	if cfg.DataDir == "" {
		return nil, lherrors.MissingParameter("data_dir")
	}
	if len(cfg.AuthSecret) == 0 {
		return nil, lherrors.SecretUnavailable()
	}

	b := &Bridge{cfg: cfg, logger: cfg.Logger, metrics: cfg.Metrics, hub: newHub()}

	store, err := eventstore.Open(eventstore.StoreConfig{
		DataDir:         cfg.DataDir,
		NodeID:          cfg.NodeID,
		FsyncPolicy:     cfg.FsyncPolicy,
		MaxEventSize:    cfg.MaxEventSize,
		MaxBatchEvents:  cfg.MaxBatchEvents,
		MaxSegmentBytes: cfg.MaxSegmentBytes,
		Secret:          cfg.AuthSecret,
		PreviousSecret:  cfg.AuthSecretPrevious,
		Metrics:         cfg.Metrics,
		Logger:          cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	b.Store = store

	monitor := eventstore.NewMonitor(store, cfg.IntegrityQueueSize, cfg.IntegrityMaxSkew, cfg.Logger)
	store.SetMonitor(monitor)
	b.Monitor = monitor

	authority := identity.NewAuthority(cfg.AuthSecret, cfg.SessionMaxAge)
	b.Authority = authority

	b.Sessions = identity.NewManager(authority, cfg.SessionIdleTimeout, cfg.SessionMaxAge, b.appendEvent)

	b.Authorizer = authz.NewAuthorizer(cfg.AuthzPolicy, b.auditAuthz)
	b.RateLimit = authz.NewRateLimiter(cfg.RoleRateLimits, b.auditAuthz)

	b.Experts = expert.NewRegistry(cfg.ExpertChallengeSecret, authority, cfg.ExpertLivenessTimeout, b.appendEvent)
	b.Bus = expert.NewBus(cfg.AuthSecret, b.Experts, cfg.ExpertCreateLimitPerMin, cfg.ExpertResponseLimitPerMin, b.appendEvent, b.auditExpert)
	b.Escalator = expert.NewEscalator(b.Experts, b.Bus, cfg.ExpertQuorum, cfg.Logger, cfg.Metrics)

	var policy dispatch.PolicyEngine
	if len(cfg.PolicyRules) > 0 {
		policy = dispatch.NewRuleEngine(cfg.PolicyRules)
	}

	dispatcher, err := dispatch.New(dispatch.Config{
		CacheSize:     cfg.DispatchCacheSize,
		CacheTTL:      cfg.DispatchCacheTTL,
		ExpertTimeout: cfg.ExpertTimeout,
		BreakerConfig: resilience.Config{
			MaxFailures: cfg.BreakerThreshold,
			Timeout:     cfg.BreakerCooldown,
		},
		Metrics: cfg.Metrics,
		Logger:  cfg.Logger,
		Audit:   b.auditDispatch,
	}, policy, nil, b.Escalator)
	if err != nil {
		store.Close()
		return nil, err
	}
	b.Dispatcher = dispatcher

	return b, nil
}

// Close releases the store's file handles. Safe to call once during
// shutdown.
func (b *Bridge) Close() error {
	return b.Store.Close()
}
