package eventstore

import "fmt"

// EventType is a closed enumeration of event kinds. Unknown values never
// appear on the wire; decode rejects them.
type EventType string

const (
	EventCommandReceived   EventType = "command_received"
	EventCommandValidated  EventType = "command_validated"
	EventCommandRejected   EventType = "command_rejected"
	EventFileModified      EventType = "file_modified"
	EventSnapshotCreated   EventType = "snapshot_created"
	EventAgentRegistered   EventType = "agent_registered"
	EventSessionStarted    EventType = "session_started"
	EventSessionEnded      EventType = "session_ended"
	EventElicitationCreate EventType = "elicitation_created"
	EventElicitationAnswer EventType = "elicitation_answered"
	EventElicitationExpire EventType = "elicitation_expired"
	EventIntegrityViolated EventType = "integrity_violation"
	EventCustom            EventType = "custom"
)

func (t EventType) valid() bool {
	switch t {
	case EventCommandReceived, EventCommandValidated, EventCommandRejected,
		EventFileModified, EventSnapshotCreated, EventAgentRegistered,
		EventSessionStarted, EventSessionEnded, EventElicitationCreate,
		EventElicitationAnswer, EventElicitationExpire, EventIntegrityViolated,
		EventCustom:
		return true
	default:
		return false
	}
}

// Valid reports whether t is one of the closed enumeration's members.
// Callers outside this package that accept a caller-supplied event type
// name (audit callbacks, the /event/store handler) use this to decide
// whether to fall back to EventCustom rather than constructing an invalid
// Event and discovering it at AppendBatch time.
func (t EventType) Valid() bool {
	return t.valid()
}

// Default resource limits, per spec.md §5 and §6c. StoreConfig's
// MaxEventSize, MaxBatchEvents and MaxSegmentBytes override the matching
// defaults; the encoded batch size is always capped at DefaultMaxBatchBytes.
const (
	DefaultMaxEventSize   = 1 << 20        // 1 MiB
	DefaultMaxBatchEvents = 1000
	DefaultMaxBatchBytes  = 10 << 20 // 10 MiB
	DefaultMaxSegmentSize = 128 << 20
)

// Event is an immutable, authenticated record of a state transition.
// Ordering authority is Sequence, never Timestamp (spec.md §3, invariant I1).
type Event struct {
	EventID      string
	Sequence     uint64
	EventType    EventType
	AggregateID  string
	ActorID      string
	TimestampNs  int64
	Payload      map[string]any
	IntegrityTag []byte
}

// EventBatch is an ordered, size-bounded set of events appended atomically.
type EventBatch struct {
	Events []Event
}

// Validate checks the batch against the resource limits before it is handed
// to the store for sequencing. It does not check per-event size; that is
// validated during encoding, since the canonical size is only known then.
func (b EventBatch) Validate(maxBatchEvents int) error {
	if len(b.Events) == 0 {
		return &ValidationError{Reason: "empty batch"}
	}
	if maxBatchEvents > 0 && len(b.Events) > maxBatchEvents {
		return &ValidationError{Reason: fmt.Sprintf("batch has %d events, max is %d", len(b.Events), maxBatchEvents)}
	}
	for i := range b.Events {
		if !b.Events[i].EventType.valid() {
			return &ValidationError{Reason: fmt.Sprintf("unknown event_type %q at index %d", b.Events[i].EventType, i)}
		}
		if b.Events[i].AggregateID == "" {
			return &ValidationError{Reason: fmt.Sprintf("empty aggregate_id at index %d", i)}
		}
	}
	return nil
}
