package bridge

import (
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/tachyon-beep/lighthouse-sub002/dispatch"
	"github.com/tachyon-beep/lighthouse-sub002/eventstore"
	"github.com/tachyon-beep/lighthouse-sub002/expert"
	lherrors "github.com/tachyon-beep/lighthouse-sub002/infrastructure/errors"
	"github.com/tachyon-beep/lighthouse-sub002/infrastructure/httputil"
	"github.com/tachyon-beep/lighthouse-sub002/identity"
)

// bearerToken extracts the value of an "Authorization: Bearer <value>"
// header. Every route but /session/create and /expert/register treats the
// value as a session id rather than an identity token (spec.md §6a).
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

// sessionFromRequest resolves the caller's active Session from the
// Authorization header and the X-Fingerprint header, the binding value a
// session was created with (spec.md §4.7).
func (b *Bridge) sessionFromRequest(r *http.Request) (*identity.Session, error) {
	sessionID := bearerToken(r)
	if sessionID == "" {
		return nil, lherrors.Unauthorized("missing session")
	}
	fingerprint := r.Header.Get("X-Fingerprint")
	return b.Sessions.Validate(r.Context(), sessionID, fingerprint)
}

// ---- /session/create ----

type createSessionRequest struct {
	Fingerprint string `json:"fingerprint"`
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	Role      string `json:"role"`
}

func (b *Bridge) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	token := bearerToken(r)
	if token == "" {
		writeError(w, r, lherrors.Unauthorized("missing token"))
		return
	}

	sess, err := b.Sessions.CreateSession(r.Context(), token, req.Fingerprint)
	if err != nil {
		writeError(w, r, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, sessionResponse{
		SessionID: sess.ID,
		AgentID:   sess.Identity.AgentID,
		Role:      string(sess.Identity.Role),
	})
}

// ---- /session/validate ----

func (b *Bridge) handleSessionValidate(w http.ResponseWriter, r *http.Request) {
	sess, err := b.sessionFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sessionResponse{
		SessionID: sess.ID,
		AgentID:   sess.Identity.AgentID,
		Role:      string(sess.Identity.Role),
	})
}

// ---- /session/end ----

func (b *Bridge) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	sessionID := bearerToken(r)
	if sessionID == "" {
		writeError(w, r, lherrors.Unauthorized("missing session"))
		return
	}
	if err := b.Sessions.End(r.Context(), sessionID); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.RespondNoContent(w)
}

// ---- /validate ----

type validateRequest struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload"`
}

type validateResponse struct {
	Verdict string `json:"verdict"`
	Reason  string `json:"reason"`
	Tier    string `json:"tier"`
}

func (b *Bridge) handleValidate(w http.ResponseWriter, r *http.Request) {
	sess, err := b.sessionFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := b.Authorizer.Authorize(r.Context(), sess.Identity, identity.PermCommandValidate, nil); err != nil {
		writeError(w, r, err)
		return
	}
	if err := b.RateLimit.AllowRate(r.Context(), sess.Identity, "validate"); err != nil {
		writeError(w, r, err)
		return
	}

	var req validateRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	// A command has no aggregate of its own; it inherits the caller's, or
	// the one named in its payload if the caller supplied one.
	aggregateID := firstString(req.Payload, "aggregate_id")
	if aggregateID == "unknown" {
		aggregateID = sess.Identity.AgentID
	}

	if err := b.appendEvent(r.Context(), string(eventstore.EventCommandReceived), aggregateID, sess.Identity.AgentID, map[string]any{
		"kind": req.Kind,
	}); err != nil {
		b.logAuditFailure(r.Context(), string(eventstore.EventCommandReceived), err)
	}

	decision := b.Dispatcher.Dispatch(r.Context(), dispatch.CommandDescriptor{
		Kind:    req.Kind,
		Payload: req.Payload,
	}, sess.Identity, sess.Fingerprint)

	// Any non-allow outcome renders uniformly as deny (spec.md §7).
	verdict := string(decision.Verdict)
	decisionEventType := eventstore.EventCommandValidated
	if decision.Verdict != dispatch.VerdictAllow {
		verdict = string(dispatch.VerdictDeny)
		decisionEventType = eventstore.EventCommandRejected
	}
	if err := b.appendEvent(r.Context(), string(decisionEventType), aggregateID, sess.Identity.AgentID, map[string]any{
		"kind":        req.Kind,
		"verdict":     verdict,
		"reason":      decision.Reason,
		"source_tier": string(decision.SourceTier),
	}); err != nil {
		b.logAuditFailure(r.Context(), string(decisionEventType), err)
	}

	httputil.WriteJSON(w, http.StatusOK, validateResponse{
		Verdict: verdict,
		Reason:  decision.Reason,
		Tier:    string(decision.SourceTier),
	})
}

// ---- /event/store ----

type storeEventRequest struct {
	EventType   string         `json:"event_type"`
	AggregateID string         `json:"aggregate_id"`
	Payload     map[string]any `json:"payload"`
}

type storeEventResponse struct {
	Sequence uint64 `json:"sequence"`
}

func (b *Bridge) handleEventStore(w http.ResponseWriter, r *http.Request) {
	sess, err := b.sessionFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := b.Authorizer.Authorize(r.Context(), sess.Identity, identity.PermEventsWrite, nil); err != nil {
		writeError(w, r, err)
		return
	}
	if err := b.RateLimit.AllowRate(r.Context(), sess.Identity, "event_store"); err != nil {
		writeError(w, r, err)
		return
	}

	var req storeEventRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	ev := eventstore.Event{
		EventType:   eventstore.EventType(req.EventType),
		AggregateID: req.AggregateID,
		ActorID:     sess.Identity.AgentID,
		Payload:     req.Payload,
	}
	seq, err := b.Store.AppendBatch(r.Context(), eventstore.EventBatch{Events: []eventstore.Event{ev}})
	if err != nil {
		writeError(w, r, err)
		return
	}
	ev.Sequence = seq
	b.hub.publish(ev)

	httputil.WriteJSON(w, http.StatusCreated, storeEventResponse{Sequence: seq})
}

// ---- /event/query ----

func (b *Bridge) handleEventQuery(w http.ResponseWriter, r *http.Request) {
	sess, err := b.sessionFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := b.Authorizer.Authorize(r.Context(), sess.Identity, identity.PermEventsQuery, nil); err != nil {
		writeError(w, r, err)
		return
	}

	f := eventstore.Filter{
		AggregateID: httputil.QueryString(r, "aggregate_id", ""),
		ActorID:     httputil.QueryString(r, "actor_id", ""),
		SequenceLo:  uint64(httputil.QueryInt64(r, "sequence_lo", 0)),
		SequenceHi:  uint64(httputil.QueryInt64(r, "sequence_hi", 0)),
		Limit:       httputil.QueryInt(r, "limit", 100),
		Descending:  httputil.QueryBool(r, "descending", false),
	}
	if kind := httputil.QueryString(r, "event_type", ""); kind != "" {
		f.EventTypes = []eventstore.EventType{eventstore.EventType(kind)}
	}

	events, err := b.Store.Query(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

// ---- /expert/register ----

type expertRegisterRequest struct {
	AgentID           string   `json:"agent_id"`
	Capabilities      []string `json:"capabilities"`
	ChallengeResponse string   `json:"challenge_response"`
}

func (b *Bridge) handleExpertRegister(w http.ResponseWriter, r *http.Request) {
	var req expertRegisterRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		writeError(w, r, lherrors.MissingParameter("agent_id"))
		return
	}

	// A bare request (no challenge_response yet) issues a fresh nonce; a
	// request carrying one attempts registration. This lets a single route
	// carry the full challenge/response exchange without a second
	// endpoint (spec.md §4.10 describes the exchange, not its transport).
	if req.ChallengeResponse == "" {
		nonce, err := b.Experts.IssueChallenge(req.AgentID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"nonce": nonce})
		return
	}

	token, err := b.Experts.RegisterExpert(r.Context(), req.AgentID, req.Capabilities, req.ChallengeResponse)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]any{"token": token})
}

// ---- /expert/delegate ----

type delegateRequest struct {
	Capability string `json:"capability"`
	Schema     string `json:"schema"`
	Prompt     string `json:"prompt"`
	TTLSeconds int    `json:"ttl_seconds"`
	To         string `json:"to"`
}

type delegationTarget struct {
	ExpertID      string `json:"expert_id"`
	ElicitationID string `json:"elicitation_id"`
	ResponseKey   string `json:"response_key"`
}

func (b *Bridge) handleExpertDelegate(w http.ResponseWriter, r *http.Request) {
	sess, err := b.sessionFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := b.Authorizer.Authorize(r.Context(), sess.Identity, identity.PermExpertCoordination, nil); err != nil {
		writeError(w, r, err)
		return
	}

	var req delegateRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = b.cfg.ExpertTimeout
	}

	var targets []*expert.Expert
	if req.To != "" {
		e, ok := b.Experts.Lookup(req.To)
		if !ok {
			writeError(w, r, lherrors.NotFound("expert", req.To))
			return
		}
		targets = []*expert.Expert{e}
	} else {
		targets = b.Experts.EligibleExperts(req.Capability)
	}
	if len(targets) == 0 {
		writeError(w, r, lherrors.NotFound("eligible_expert", req.Capability))
		return
	}

	results := make([]delegationTarget, 0, len(targets))
	for _, e := range targets {
		el, key, err := b.Bus.Create(r.Context(), sess.Identity.AgentID, e.AgentID, req.Capability, req.Schema, req.Prompt, ttl)
		if err != nil {
			continue
		}
		results = append(results, delegationTarget{
			ExpertID:      e.AgentID,
			ElicitationID: el.ID,
			ResponseKey:   hex.EncodeToString(key),
		})
	}

	httputil.WriteJSON(w, http.StatusCreated, map[string]any{"elicitations": results})
}

// ---- /elicitation/respond ----

type respondRequest struct {
	ElicitationID string         `json:"elicitation_id"`
	Nonce         string         `json:"nonce"`
	Signature     string         `json:"signature"`
	Response      map[string]any `json:"response"`
}

func (b *Bridge) handleElicitationRespond(w http.ResponseWriter, r *http.Request) {
	sess, err := b.sessionFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sess.Identity.Role != identity.RoleExpertAgent {
		writeError(w, r, lherrors.Forbidden("only expert sessions may respond to elicitations"))
		return
	}

	var req respondRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	sig, err := decodeHex(req.Signature)
	if err != nil {
		writeError(w, r, lherrors.InvalidFormat("signature", "hex"))
		return
	}

	outcome, err := b.Bus.Respond(r.Context(), req.ElicitationID, sess.Identity.AgentID, req.Nonce, sig, req.Response)
	if err != nil {
		writeError(w, r, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"state": string(outcome.State)})
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
