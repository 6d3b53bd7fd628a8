package expert

import (
	"context"
	"time"

	lhlog "github.com/tachyon-beep/lighthouse-sub002/infrastructure/logging"
	lhmetrics "github.com/tachyon-beep/lighthouse-sub002/infrastructure/metrics"
	"github.com/tachyon-beep/lighthouse-sub002/dispatch"
	"github.com/tachyon-beep/lighthouse-sub002/identity"
)

// Escalator implements dispatch.ExpertEscalator (tier 4, spec.md §4.9) by
// routing to every eligible registered expert and aggregating responses
// with a strict quorum: any deny wins at any time, and an allow requires
// at least Quorum allows (spec.md §4.9, Open Question: "any deny beats any
// allow" is the safer default and applies regardless of when the deny
// arrives relative to timeout).
type Escalator struct {
	registry *Registry
	bus      *Bus
	quorum   int
	logger   *lhlog.Logger
	metrics  *lhmetrics.Metrics
}

// NewEscalator builds an Escalator. quorum <= 0 defaults to 1 (spec.md
// §4.9's configurable default).
func NewEscalator(registry *Registry, bus *Bus, quorum int, logger *lhlog.Logger, metrics *lhmetrics.Metrics) *Escalator {
	if quorum <= 0 {
		quorum = 1
	}
	return &Escalator{registry: registry, bus: bus, quorum: quorum, logger: logger, metrics: metrics}
}

// Escalate creates one elicitation per eligible expert for cmd's capability
// (cmd.Kind is used as the capability key) and waits up to timeout for
// enough responses to reach a verdict. If no expert is eligible, no
// elicitation is created and Escalate returns a deny with reason
// no_eligible_expert immediately rather than waiting out the full timeout.
func (es *Escalator) Escalate(ctx context.Context, cmd dispatch.CommandDescriptor, id identity.Identity, timeout time.Duration) (dispatch.Decision, error) {
	capability := cmd.Kind
	experts := es.registry.EligibleExperts(capability)
	if len(experts) == 0 {
		return dispatch.Decision{
			Verdict:    dispatch.VerdictDeny,
			Reason:     "no_eligible_expert",
			SourceTier: dispatch.TierExpert,
		}, nil
	}

	deadline := time.Now().Add(timeout)
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	type waiter struct {
		elicitation *Elicitation
	}
	var waiters []waiter
	for _, e := range experts {
		el, _, err := es.bus.Create(ctx, id.AgentID, e.AgentID, capability, "", cmd.Kind, timeout)
		if err != nil {
			continue
		}
		waiters = append(waiters, waiter{elicitation: el})
	}
	if len(waiters) == 0 {
		return dispatch.Decision{
			Verdict:    dispatch.VerdictDeny,
			Reason:     "no_elicitation_created",
			SourceTier: dispatch.TierExpert,
		}, nil
	}

	allows, denies := 0, 0
	for _, w := range waiters {
		outcome, err := w.elicitation.Wait(waitCtx)
		if err != nil {
			continue
		}
		if outcome.State != ElicitationAnswered {
			continue
		}
		if stringField(outcome.Response, "verdict") == string(dispatch.VerdictDeny) {
			denies++
		} else if stringField(outcome.Response, "verdict") == string(dispatch.VerdictAllow) {
			allows++
		}
	}

	if denies > 0 {
		return dispatch.Decision{
			Verdict:    dispatch.VerdictDeny,
			Reason:     "expert_denied",
			SourceTier: dispatch.TierExpert,
		}, nil
	}
	if allows >= es.quorum {
		return dispatch.Decision{
			Verdict:    dispatch.VerdictAllow,
			Reason:     "expert_quorum_reached",
			SourceTier: dispatch.TierExpert,
			Confidence: float64(allows) / float64(len(waiters)),
		}, nil
	}

	return dispatch.Decision{
		Verdict:    dispatch.VerdictDeny,
		Reason:     "expert_quorum_not_reached",
		SourceTier: dispatch.TierExpert,
	}, nil
}
