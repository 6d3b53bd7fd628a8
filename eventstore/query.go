package eventstore

import (
	"context"
	"sort"
)

// Filter selects a subset of committed events. A zero-value field means
// "unconstrained" for that dimension (spec.md §4.4).
type Filter struct {
	AggregateID string
	EventTypes  []EventType
	ActorID     string
	SequenceLo  uint64
	SequenceHi  uint64
	TimeLoNs    int64
	TimeHiNs    int64
	Limit       int
	Descending  bool
}

func (f Filter) matches(e indexEntry) bool {
	if f.AggregateID != "" && e.aggregateID != f.AggregateID {
		return false
	}
	if f.ActorID != "" && e.actorID != f.ActorID {
		return false
	}
	if len(f.EventTypes) > 0 {
		ok := false
		for _, t := range f.EventTypes {
			if t == e.eventType {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.SequenceHi > 0 && e.sequence > f.SequenceHi {
		return false
	}
	if f.SequenceLo > 0 && e.sequence < f.SequenceLo {
		return false
	}
	if f.TimeHiNs > 0 && e.timestampNs > f.TimeHiNs {
		return false
	}
	if f.TimeLoNs > 0 && e.timestampNs < f.TimeLoNs {
		return false
	}
	return true
}

// Query returns every committed event matching filter, in strict sequence
// order (descending if filter.Descending), regardless of time fields
// (spec.md §4.4 ordering guarantee; property P3).
//
// The result is a point-in-time snapshot: events committed by concurrent
// appends after Query is called are never included (spec.md §4.3
// concurrency note).
func (s *Store) Query(ctx context.Context, f Filter) ([]Event, error) {
	entries := s.index.snapshot()

	matched := make([]indexEntry, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.matches(e) {
			matched = append(matched, e)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if f.Descending {
			return matched[i].sequence > matched[j].sequence
		}
		return matched[i].sequence < matched[j].sequence
	})

	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}

	return s.loadEvents(matched)
}

// loadEvents resolves index entries to full Event values, reading each
// distinct segment at most once and caching its decoded records.
func (s *Store) loadEvents(entries []indexEntry) ([]Event, error) {
	bySegment := make(map[uint64][]indexEntry)
	for _, e := range entries {
		bySegment[e.segmentID] = append(bySegment[e.segmentID], e)
	}

	bySeq := make(map[uint64]Event, len(entries))
	for segID := range bySegment {
		_, records, _, err := readSegmentRecords(segmentPath(s.cfg.DataDir, segID))
		if err != nil {
			return nil, err
		}
		for _, raw := range records {
			ev, err := Decode(raw)
			if err != nil {
				continue
			}
			bySeq[ev.Sequence] = ev
		}
	}

	out := make([]Event, 0, len(entries))
	for _, e := range entries {
		if ev, ok := bySeq[e.sequence]; ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

// FoldFunc is a pure projection step: given the accumulated state and the
// next event in sequence order, it returns the new state.
type FoldFunc func(state any, event Event) any

// Project runs fold over every event for aggregateID, in sequence order, up
// to and including upToSequence if non-zero, starting from initial
// (spec.md §4.4).
func (s *Store) Project(ctx context.Context, aggregateID string, initial any, fold FoldFunc, upToSequence uint64) (any, error) {
	f := Filter{AggregateID: aggregateID}
	if upToSequence > 0 {
		f.SequenceHi = upToSequence
	}
	events, err := s.Query(ctx, f)
	if err != nil {
		return nil, err
	}

	state := initial
	for _, ev := range events {
		state = fold(state, ev)
	}
	return state, nil
}
