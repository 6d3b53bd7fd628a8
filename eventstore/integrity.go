package eventstore

import (
	"context"
	"sync"
	"time"

	lhlog "github.com/tachyon-beep/lighthouse-sub002/infrastructure/logging"
)

// ViolationKind is the closed set of integrity problems the monitor detects
// (spec.md §4.5).
type ViolationKind string

const (
	ViolationHashMismatch        ViolationKind = "hash_mismatch"
	ViolationSequenceGap         ViolationKind = "sequence_gap"
	ViolationSequenceReorder     ViolationKind = "sequence_reorder"
	ViolationTimestampAnomaly    ViolationKind = "timestamp_anomaly"
	ViolationUnauthorizedMutate  ViolationKind = "unauthorized_mutation"
	ViolationCryptographicFail  ViolationKind = "cryptographic_failure"
)

// Severity ranks how urgently a violation needs operator attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IntegrityViolation records one detected problem.
type IntegrityViolation struct {
	Kind      ViolationKind
	Severity  Severity
	Sequence  uint64
	DetectedAt int64
	Detail    string
}

// AlertFunc is invoked synchronously, in the monitor's own goroutine, for
// every detected violation. It must not block the writer, so callers should
// hand off slow work (paging, webhooks) to their own goroutine.
type AlertFunc func(IntegrityViolation)

func severityFor(kind ViolationKind) Severity {
	switch kind {
	case ViolationHashMismatch, ViolationUnauthorizedMutate, ViolationCryptographicFail:
		return SeverityCritical
	case ViolationSequenceGap, ViolationSequenceReorder:
		return SeverityHigh
	case ViolationTimestampAnomaly:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// verifyJob is one unit of integrity-check work.
type verifyJob struct {
	event Event
	prev  *Event
}

// Monitor runs background verification over a Store's committed events,
// never blocking the writer (spec.md §4.5 performance contract). When its
// bounded queue is full, Submit drops the new job and sets a degraded flag
// (read through Degraded) rather than back-pressuring appends; no
// monitor_degraded event is appended and verification does not switch to
// sampling.
type Monitor struct {
	store       *Store
	codec       *Codec
	maxSkewNs   int64
	queue       chan verifyJob
	alerts      []AlertFunc
	logger      *lhlog.Logger

	mu       sync.Mutex
	lastSeq  int64 // -1 until the first job is seen
	degraded bool

	stop chan struct{}
	done chan struct{}
}

// NewMonitor builds a Monitor for store. queueSize bounds how many pending
// verify jobs may queue; once it is full, further submissions are dropped
// and the monitor is marked degraded.
func NewMonitor(store *Store, queueSize int, maxSkew time.Duration, logger *lhlog.Logger, alerts ...AlertFunc) *Monitor {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Monitor{
		store:     store,
		codec:     store.codec,
		maxSkewNs: maxSkew.Nanoseconds(),
		queue:     make(chan verifyJob, queueSize),
		alerts:    alerts,
		logger:    logger,
		lastSeq:   -1,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the background worker. Call Stop to shut it down.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop signals the worker to exit and waits for it to finish.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case job := <-m.queue:
			m.verify(ctx, job)
		}
	}
}

// Submit enqueues an event for verification. If the queue is full, the
// submission is dropped and the monitor is marked degraded — it never
// blocks the caller (spec.md §4.5: "must never block the writer").
func (m *Monitor) Submit(event Event, prev *Event) {
	job := verifyJob{event: event, prev: prev}
	select {
	case m.queue <- job:
	default:
		m.mu.Lock()
		m.degraded = true
		m.mu.Unlock()
	}
}

// Degraded reports whether the monitor has had to drop submissions due to
// queue overflow since the last call to ClearDegraded.
func (m *Monitor) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// ClearDegraded resets the degraded flag, typically called after an
// operator-triggered full sweep restores confidence.
func (m *Monitor) ClearDegraded() {
	m.mu.Lock()
	m.degraded = false
	m.mu.Unlock()
}

func (m *Monitor) verify(ctx context.Context, job verifyJob) {
	ev := job.event

	if !m.codec.Verify(ev) {
		m.report(ctx, IntegrityViolation{
			Kind:       ViolationHashMismatch,
			Sequence:   ev.Sequence,
			DetectedAt: time.Now().UnixNano(),
			Detail:     "integrity tag does not verify against current or previous secret",
		})
		return
	}

	if job.prev != nil {
		if ev.Sequence == job.prev.Sequence {
			m.report(ctx, IntegrityViolation{Kind: ViolationSequenceReorder, Sequence: ev.Sequence, DetectedAt: time.Now().UnixNano(), Detail: "duplicate sequence"})
			return
		}
		if ev.Sequence < job.prev.Sequence {
			m.report(ctx, IntegrityViolation{Kind: ViolationSequenceReorder, Sequence: ev.Sequence, DetectedAt: time.Now().UnixNano(), Detail: "sequence went backward"})
			return
		}
		if ev.Sequence != job.prev.Sequence+1 {
			m.report(ctx, IntegrityViolation{Kind: ViolationSequenceGap, Sequence: ev.Sequence, DetectedAt: time.Now().UnixNano(), Detail: "non-contiguous sequence"})
			return
		}
		if m.maxSkewNs > 0 && job.prev.TimestampNs-ev.TimestampNs > m.maxSkewNs {
			m.report(ctx, IntegrityViolation{Kind: ViolationTimestampAnomaly, Sequence: ev.Sequence, DetectedAt: time.Now().UnixNano(), Detail: "timestamp regressed beyond configured skew"})
			return
		}
	}
}

// report appends a self-verifying integrity_violation event to the store's
// audit trail and fans out to alert subscribers (spec.md §4.5).
func (m *Monitor) report(ctx context.Context, v IntegrityViolation) {
	v.Severity = severityFor(v.Kind)

	if m.logger != nil {
		m.logger.LogSecurityEvent(ctx, "integrity_violation", map[string]interface{}{
			"kind":     string(v.Kind),
			"sequence": v.Sequence,
			"severity": string(v.Severity),
			"detail":   v.Detail,
		})
	}

	batch := EventBatch{Events: []Event{{
		EventType:   EventIntegrityViolated,
		AggregateID: "integrity_monitor",
		ActorID:     "system",
		Payload: map[string]any{
			"kind":     string(v.Kind),
			"severity": string(v.Severity),
			"sequence": int64(v.Sequence),
			"detail":   v.Detail,
		},
	}}}
	_, _ = m.store.AppendBatch(ctx, batch)

	for _, alert := range m.alerts {
		alert(v)
	}
}

// Sweep walks every committed event for aggregateID (or, if empty, the
// entire store) and verifies it synchronously, returning every violation
// found. Used for periodic full sweeps and on-demand checks; unlike Submit,
// this call blocks until the sweep completes.
func (m *Monitor) Sweep(ctx context.Context, aggregateID string) ([]IntegrityViolation, error) {
	events, err := m.store.Query(ctx, Filter{AggregateID: aggregateID})
	if err != nil {
		return nil, err
	}

	var violations []IntegrityViolation
	var prev *Event
	for i := range events {
		ev := events[i]
		if !m.codec.Verify(ev) {
			v := IntegrityViolation{Kind: ViolationHashMismatch, Severity: severityFor(ViolationHashMismatch), Sequence: ev.Sequence, DetectedAt: time.Now().UnixNano()}
			violations = append(violations, v)
			prev = &ev
			continue
		}
		if prev != nil && ev.Sequence != prev.Sequence+1 {
			v := IntegrityViolation{Kind: ViolationSequenceGap, Severity: severityFor(ViolationSequenceGap), Sequence: ev.Sequence, DetectedAt: time.Now().UnixNano()}
			violations = append(violations, v)
		}
		prev = &ev
	}
	return violations, nil
}
