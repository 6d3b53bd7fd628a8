package eventstore

import "sync"

// indexEntry is the in-memory location/metadata record the query engine
// filters over without touching disk.
type indexEntry struct {
	sequence    uint64
	segmentID   uint64
	aggregateID string
	eventType   EventType
	actorID     string
	timestampNs int64
}

// index is an in-memory, append-only catalogue of committed events, kept in
// sequence order. Rebuilt from segments on recovery; extended on every
// append. Readers take a point-in-time snapshot (spec.md §4.3: "many
// readers... never read past the writer's current committed sequence").
type index struct {
	mu      sync.RWMutex
	entries []indexEntry
}

func newIndex() *index {
	return &index{}
}

func (ix *index) add(sequence, segmentID uint64, aggregateID string, eventType EventType, actorID string, timestampNs int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries = append(ix.entries, indexEntry{
		sequence:    sequence,
		segmentID:   segmentID,
		aggregateID: aggregateID,
		eventType:   eventType,
		actorID:     actorID,
		timestampNs: timestampNs,
	})
}

// snapshot returns the committed entries visible right now, as a read-only
// copy so callers can iterate without holding the index lock.
func (ix *index) snapshot() []indexEntry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]indexEntry, len(ix.entries))
	copy(out, ix.entries)
	return out
}

// highestSequence reports the last committed sequence, or (0, false) if the
// index is empty.
func (ix *index) highestSequence() (uint64, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if len(ix.entries) == 0 {
		return 0, false
	}
	return ix.entries[len(ix.entries)-1].sequence, true
}
