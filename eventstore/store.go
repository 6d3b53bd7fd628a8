package eventstore

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	lherrors "github.com/tachyon-beep/lighthouse-sub002/infrastructure/errors"
	lhlog "github.com/tachyon-beep/lighthouse-sub002/infrastructure/logging"
	lhmetrics "github.com/tachyon-beep/lighthouse-sub002/infrastructure/metrics"
)

// FsyncPolicy selects how aggressively a Store flushes appended events to
// stable storage (spec.md §6c).
type FsyncPolicy string

const (
	FsyncAlways FsyncPolicy = "fsync"
	FsyncBatch  FsyncPolicy = "batch"
	FsyncAsync  FsyncPolicy = "async"
)

// StoreConfig configures one Store instance.
type StoreConfig struct {
	DataDir         string
	NodeID          string
	FsyncPolicy     FsyncPolicy
	MaxEventSize    int
	MaxBatchEvents  int
	MaxSegmentBytes int64
	Secret          []byte
	PreviousSecret  []byte

	Metrics *lhmetrics.Metrics
	Logger  *lhlog.Logger
}

func (c *StoreConfig) setDefaults() {
	if c.FsyncPolicy == "" {
		c.FsyncPolicy = FsyncAlways
	}
	if c.MaxEventSize <= 0 {
		c.MaxEventSize = DefaultMaxEventSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = DefaultMaxBatchEvents
	}
	if c.MaxSegmentBytes <= 0 {
		c.MaxSegmentBytes = DefaultMaxSegmentSize
	}
}

// Store is a single-writer, segmented, authenticated append-only event log.
// Exactly one Store must own a data_dir at a time (spec.md §5).
type Store struct {
	cfg   StoreConfig
	codec *Codec
	ids   *IDGenerator

	mu      sync.Mutex
	current *segment
	nextSeq uint64

	index *index

	asyncMu      sync.Mutex
	asyncPending bool

	monitor     *Monitor
	lastAppended *Event
}

// SetMonitor attaches an integrity Monitor so every appended event is
// submitted for background verification. Must be called before the first
// AppendBatch to avoid a gap in coverage.
func (s *Store) SetMonitor(m *Monitor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitor = m
}

// Open opens or initializes the store at cfg.DataDir, running crash recovery
// first (spec.md §4.3).
func Open(cfg StoreConfig) (*Store, error) {
	cfg.setDefaults()
	if cfg.DataDir == "" {
		return nil, &ValidationError{Reason: "data_dir is required"}
	}
	if len(cfg.Secret) == 0 {
		return nil, lherrors.SecretUnavailable()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, lhStorageErr(err)
	}

	s := &Store{
		cfg:   cfg,
		codec: NewCodec(cfg.Secret, cfg.PreviousSecret, cfg.MaxEventSize),
		ids:   NewIDGenerator(cfg.NodeID),
		index: newIndex(),
	}

	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

// listSegmentIDs returns every segment id present on disk, ascending.
func (s *Store) listSegmentIDs() ([]uint64, error) {
	entries, err := os.ReadDir(s.cfg.DataDir)
	if err != nil {
		return nil, lhStorageErr(err)
	}
	var ids []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "segment-") || !strings.HasSuffix(name, ".lhlog") {
			continue
		}
		trimmed := strings.TrimSuffix(strings.TrimPrefix(name, "segment-"), ".lhlog")
		id, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// recover replays every segment, rebuilding the index and next_sequence, and
// truncates a torn trailing record on the last segment (invariant I2, I4;
// property P4).
func (s *Store) recover() error {
	ids, err := s.listSegmentIDs()
	if err != nil {
		return err
	}

	if len(ids) == 0 {
		seg, err := createSegment(s.cfg.DataDir, 1, 0)
		if err != nil {
			return err
		}
		s.current = seg
		s.nextSeq = 0
		return nil
	}

	var lastSeq uint64
	var sawAny bool

	for i, id := range ids {
		path := segmentPath(s.cfg.DataDir, id)
		header, records, truncatedAt, err := readSegmentRecords(path)
		if err != nil {
			return err
		}
		isLast := i == len(ids)-1
		if isLast && truncatedAt >= 0 {
			if err := truncateSegmentTo(path, truncatedAt); err != nil {
				return err
			}
		}

		for recIdx, raw := range records {
			ev, err := Decode(raw)
			if err != nil {
				if isLast && recIdx == len(records)-1 {
					continue
				}
				return lherrors.CorruptSegment(id, err)
			}
			if !s.codec.Verify(ev) {
				return lherrors.IntegrityViolationError("recovery_tag_mismatch")
			}
			s.index.add(ev.Sequence, id, ev.AggregateID, ev.EventType, ev.ActorID, ev.TimestampNs)
			lastSeq = ev.Sequence
			sawAny = true
		}
		_ = header
	}

	if sawAny {
		s.nextSeq = lastSeq + 1
	} else {
		s.nextSeq = 0
	}

	lastID := ids[len(ids)-1]
	seg, err := openSegmentForAppend(s.cfg.DataDir, lastID)
	if err != nil {
		return err
	}
	s.current = seg
	return nil
}

// AppendBatch durably appends every event in batch, assigning each the next
// contiguous sequence number, and returns the sequence of the last event
// written (spec.md §4.3, invariants I1 I2 I3 I4; property P3).
func (s *Store) AppendBatch(ctx context.Context, batch EventBatch) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, lherrors.Cancelled("append_batch")
	}
	if err := batch.Validate(s.cfg.MaxBatchEvents); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()

	sealed := make([]Event, len(batch.Events))
	encoded := make([][]byte, len(batch.Events))
	for i, ev := range batch.Events {
		ev.EventID = s.ids.Next()
		ev.Sequence = s.nextSeq + uint64(i)
		if ev.TimestampNs == 0 {
			ev.TimestampNs = time.Now().UnixNano()
		}

		sealedEv, err := s.codec.Seal(ev)
		if err != nil {
			return 0, err
		}
		data, err := s.codec.Encode(sealedEv)
		if err != nil {
			return 0, err
		}

		sealed[i] = sealedEv
		encoded[i] = data
	}

	batchBytes := 0
	for _, data := range encoded {
		batchBytes += len(data)
	}
	if batchBytes > DefaultMaxBatchBytes {
		return 0, &ValidationError{Reason: "batch exceeds max batch bytes"}
	}

	segIDs := make([]uint64, len(sealed))
	for i, ev := range sealed {
		if s.current.size+int64(4+len(encoded[i])) > s.cfg.MaxSegmentBytes {
			if err := s.rotateLocked(); err != nil {
				return 0, err
			}
		}
		if err := s.current.appendRecord(ev.Sequence, encoded[i]); err != nil {
			return 0, err
		}
		segIDs[i] = s.current.id
	}

	if err := s.applyDurability(); err != nil {
		return 0, err
	}

	for i := range sealed {
		ev := sealed[i]
		s.index.add(ev.Sequence, segIDs[i], ev.AggregateID, ev.EventType, ev.ActorID, ev.TimestampNs)
		if s.monitor != nil {
			s.monitor.Submit(ev, s.lastAppended)
			s.lastAppended = &sealed[i]
		}
	}

	s.nextSeq += uint64(len(batch.Events))
	lastSeq := s.nextSeq - 1

	if s.cfg.Metrics != nil {
		for _, ev := range sealed {
			s.cfg.Metrics.RecordEventAppended("eventstore", string(ev.EventType), time.Since(start))
		}
	}
	if s.cfg.Logger != nil {
		s.cfg.Logger.LogEventAppend(ctx, string(sealed[len(sealed)-1].EventType), lastSeq, uint32(s.current.id), time.Since(start), nil)
	}

	return lastSeq, nil
}

// applyDurability flushes/fsyncs the current segment according to the
// configured policy (spec.md §4.3 step 4).
func (s *Store) applyDurability() error {
	switch s.cfg.FsyncPolicy {
	case FsyncAsync:
		if err := s.current.flush(); err != nil {
			return err
		}
		s.scheduleAsyncSync()
		return nil
	case FsyncBatch:
		return s.current.flush()
	default:
		return s.current.sync()
	}
}

// scheduleAsyncSync fires a background fsync if one isn't already pending,
// collapsing bursts of async appends into a single fsync call.
func (s *Store) scheduleAsyncSync() {
	s.asyncMu.Lock()
	if s.asyncPending {
		s.asyncMu.Unlock()
		return
	}
	s.asyncPending = true
	s.asyncMu.Unlock()

	seg := s.current
	go func() {
		defer func() {
			s.asyncMu.Lock()
			s.asyncPending = false
			s.asyncMu.Unlock()
		}()
		_ = seg.file.Sync()
	}()
}

// Rotate closes the current segment (fsyncing first) and opens a new one.
// Exposed for operator-triggered rotation in addition to automatic
// size-based rotation.
func (s *Store) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked()
}

func (s *Store) rotateLocked() error {
	if err := s.current.sync(); err != nil {
		return err
	}
	if err := s.current.close(); err != nil {
		return err
	}
	next, err := createSegment(s.cfg.DataDir, s.current.id+1, s.nextSeq)
	if err != nil {
		return err
	}
	s.current = next
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordSegmentRotation()
	}
	return nil
}

// NextSequence returns the sequence number the next appended event would
// receive.
func (s *Store) NextSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq
}

// Close flushes and closes the current segment.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.close()
}

// segmentDir is a small helper so callers constructing paths for snapshots
// can share the data dir layout without reaching into Store internals.
func (s *Store) segmentDir() string {
	return filepath.Join(s.cfg.DataDir)
}
