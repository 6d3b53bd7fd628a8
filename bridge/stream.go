package bridge

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tachyon-beep/lighthouse-sub002/eventstore"
)

// hub fans out every appended event to subscribed /stream connections,
// each filtered independently (spec.md §6a: "Subscribe to event stream
// (filtered)"). It is a thin, in-process pub/sub: Bridge has exactly one,
// and publishing never blocks on a slow subscriber (a full subscriber
// channel drops the event rather than stalling the writer that appended
// it).
type hub struct {
	mu   sync.Mutex
	subs map[chan eventstore.Event]streamFilter
}

func newHub() *hub {
	return &hub{subs: make(map[chan eventstore.Event]streamFilter)}
}

// streamFilter narrows a /stream subscription. A zero field is
// unconstrained, matching eventstore.Filter's convention.
type streamFilter struct {
	aggregateID string
	eventType   string
	actorID     string
}

func (f streamFilter) matches(ev eventstore.Event) bool {
	if f.aggregateID != "" && ev.AggregateID != f.aggregateID {
		return false
	}
	if f.eventType != "" && string(ev.EventType) != f.eventType {
		return false
	}
	if f.actorID != "" && ev.ActorID != f.actorID {
		return false
	}
	return true
}

func (h *hub) subscribe(f streamFilter) chan eventstore.Event {
	ch := make(chan eventstore.Event, 64)
	h.mu.Lock()
	h.subs[ch] = f
	h.mu.Unlock()
	return ch
}

func (h *hub) unsubscribe(ch chan eventstore.Event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
	close(ch)
}

func (h *hub) publish(ev eventstore.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch, f := range h.subs {
		if !f.matches(ev) {
			continue
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin enforcement already happened in the CORS middleware ahead of
	// the upgrade; the handshake itself accepts any origin that reached it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream upgrades to a WebSocket and streams matching events until
// the session expires or the client disconnects (spec.md §6a).
func (b *Bridge) handleStream(w http.ResponseWriter, r *http.Request) {
	sess, err := b.sessionFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	f := streamFilter{
		aggregateID: r.URL.Query().Get("aggregate_id"),
		eventType:   r.URL.Query().Get("event_type"),
		actorID:     r.URL.Query().Get("actor_id"),
	}
	ch := b.hub.subscribe(f)
	defer b.hub.unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if _, err := b.Sessions.Validate(ctx, sess.ID, sess.Fingerprint); err != nil {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
