// Package eventstore implements the durable, authenticated append-only
// event log: id generation, canonical encoding, segmented storage, the
// query/projection engine, and the integrity monitor.
package eventstore

import (
	"fmt"
	"sync"
	"time"
)

// IDGenerator produces strictly monotonic, globally unique event ids of the
// form "<ns_timestamp>_<seq>_<node_id>". It is safe for concurrent use.
type IDGenerator struct {
	mu      sync.Mutex
	lastNs  int64
	counter uint32
	nodeID  string

	now func() int64
}

// NewIDGenerator builds a generator that embeds nodeID in every id it mints.
func NewIDGenerator(nodeID string) *IDGenerator {
	return &IDGenerator{
		nodeID: nodeID,
		now:    func() int64 { return time.Now().UnixNano() },
	}
}

// Next returns the next id. If the wall clock appears to move backward, the
// generator holds lastNs steady and advances only the counter, so ids never
// regress.
func (g *IDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now > g.lastNs {
		g.lastNs = now
		g.counter = 0
	} else {
		g.counter++
	}

	return fmt.Sprintf("%d_%06d_%s", g.lastNs, g.counter, g.nodeID)
}
