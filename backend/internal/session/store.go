package session

import (
	"sync"

	"github.com/bci-mcp/backend/internal/dsp"
)

const maxFeatureFrames = 60

// Record is one stored sample. Seq is the sample's position in the
// session-wide sequence and never repeats.
type Record struct {
	Seq       uint64    `json:"seq"`
	Timestamp float64   `json:"timestamp"`
	Raw       []float64 `json:"raw"`
	Filtered  []float64 `json:"filtered"`
	Artifact  bool      `json:"artifact"`
}

// Batch is everything one processed chunk contributes to the store. Raw
// and Filtered are indexed [sample][channel] and are copied by Commit.
type Batch struct {
	Timestamps []float64
	Raw        [][]float64
	Filtered   [][]float64
	Artifact   bool
	Event      *Event // ID is assigned by Commit
	Features   []dsp.FeatureFrame
	Pipeline   *dsp.State
}

// Snapshot is a consistent view of the store taken under one lock.
type Snapshot struct {
	Cursor     uint64
	Data       SignalData
	EventCount int
	Recent     []Event
	Pipeline   dsp.State
	Features   *dsp.FeatureFrame
}

// Store is a bounded ring of the most recent samples plus the session's
// event log. There is a single writer (the acquisition loop); readers
// take copies and never observe a partially committed batch.
type Store struct {
	mu       sync.RWMutex
	channels int
	capacity int

	ts       []float64
	raw      []float64
	filtered []float64
	artifact []bool
	next     uint64 // sequence number of the next sample
	floor    uint64 // samples below floor were discarded by Reset

	events    []Event
	eventBase uint64 // IDs at or below eventBase were discarded by Reset
	features  []dsp.FeatureFrame
	pipeline  dsp.State

	changed chan struct{}
}

func NewStore(channels, capacity int) *Store {
	if channels < 1 {
		channels = 1
	}
	if capacity < 1 {
		capacity = 1
	}
	return &Store{
		channels: channels,
		capacity: capacity,
		ts:       make([]float64, capacity),
		raw:      make([]float64, capacity*channels),
		filtered: make([]float64, capacity*channels),
		artifact: make([]bool, capacity),
		changed:  make(chan struct{}),
	}
}

func (s *Store) Channels() int { return s.channels }

func (s *Store) Capacity() int { return s.capacity }

// Commit appends a processed chunk, its detection, features and the
// pipeline state in one step. The stored event is returned when the batch
// carried one.
func (s *Store) Commit(b Batch) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range b.Timestamps {
		slot := int(s.next % uint64(s.capacity))
		off := slot * s.channels
		s.ts[slot] = t
		s.artifact[slot] = b.Artifact
		copyRow(s.raw[off:off+s.channels], b.Raw, i)
		copyRow(s.filtered[off:off+s.channels], b.Filtered, i)
		s.next++
	}

	var ev Event
	stored := false
	if b.Event != nil {
		ev = s.appendEventLocked(*b.Event)
		stored = true
	}
	if len(b.Features) > 0 {
		s.features = append(s.features, b.Features...)
		if over := len(s.features) - maxFeatureFrames; over > 0 {
			s.features = append(s.features[:0], s.features[over:]...)
		}
	}
	if b.Pipeline != nil {
		s.pipeline = *b.Pipeline
	}
	s.signalLocked()
	return ev, stored
}

// copyRow copies rows[i] into dst, zero filling anything missing.
func copyRow(dst []float64, rows [][]float64, i int) {
	var row []float64
	if i < len(rows) {
		row = rows[i]
	}
	n := copy(dst, row)
	for ; n < len(dst); n++ {
		dst[n] = 0
	}
}

// Append stores samples without an event or pipeline update.
func (s *Store) Append(ts []float64, raw, filtered [][]float64, artifact bool) {
	s.Commit(Batch{Timestamps: ts, Raw: raw, Filtered: filtered, Artifact: artifact})
}

// AppendEvent assigns the next ID to e and appends it to the log.
func (s *Store) AppendEvent(e Event) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	e = s.appendEventLocked(e)
	s.signalLocked()
	return e
}

func (s *Store) appendEventLocked(e Event) Event {
	e.ID = s.eventBase + uint64(len(s.events)) + 1
	s.events = append(s.events, e)
	return e
}

func (s *Store) signalLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Changed returns a channel that is closed at the next commit. Callers
// fetch a fresh channel after each wake-up.
func (s *Store) Changed() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changed
}

func (s *Store) horizonLocked() uint64 {
	h := s.floor
	if s.next > uint64(s.capacity) && s.next-uint64(s.capacity) > h {
		h = s.next - uint64(s.capacity)
	}
	return h
}

// Cursor is the sequence number the next sample will get.
func (s *Store) Cursor() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.next
}

// Horizon is the oldest sequence number still held.
func (s *Store) Horizon() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.horizonLocked()
}

// Len is the number of samples currently held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int(s.next - s.horizonLocked())
}

// ReadWindow returns up to max records starting at from (max <= 0 means
// all available) and the cursor to resume from. A cursor that fell behind
// the horizon, or that is ahead of the writer after a reset, restarts at
// the horizon and reports truncated.
func (s *Store) ReadWindow(from uint64, max int) (recs []Record, next uint64, truncated bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	horizon := s.horizonLocked()
	if from < horizon || from > s.next {
		from = horizon
		truncated = true
	}
	n := int(s.next - from)
	if max > 0 && n > max {
		n = max
	}
	if n == 0 {
		return nil, from, truncated
	}

	buf := make([]float64, 2*n*s.channels)
	recs = make([]Record, n)
	for i := 0; i < n; i++ {
		seq := from + uint64(i)
		slot := int(seq % uint64(s.capacity))
		off := slot * s.channels
		raw := buf[2*i*s.channels : (2*i+1)*s.channels]
		filtered := buf[(2*i+1)*s.channels : (2*i+2)*s.channels]
		copy(raw, s.raw[off:off+s.channels])
		copy(filtered, s.filtered[off:off+s.channels])
		recs[i] = Record{
			Seq:       seq,
			Timestamp: s.ts[slot],
			Raw:       raw,
			Filtered:  filtered,
			Artifact:  s.artifact[slot],
		}
	}
	return recs, from + uint64(n), truncated
}

// ReadEvents returns every event with an ID of at least fromID.
func (s *Store) ReadEvents(fromID uint64) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := 0
	if fromID > s.eventBase+1 {
		start = int(fromID - s.eventBase - 1)
	}
	if start >= len(s.events) {
		return nil
	}
	out := make([]Event, len(s.events)-start)
	copy(out, s.events[start:])
	return out
}

// EventCount is the number of events since the last reset.
func (s *Store) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// LatestTimestamp is the timestamp of the newest sample.
func (s *Store) LatestTimestamp() (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.next == s.horizonLocked() {
		return 0, false
	}
	return s.ts[int((s.next-1)%uint64(s.capacity))], true
}

// Features returns the retained feature frames, oldest first.
func (s *Store) Features() []dsp.FeatureFrame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]dsp.FeatureFrame, len(s.features))
	copy(out, s.features)
	return out
}

// Pipeline returns the pipeline state recorded with the last commit.
func (s *Store) Pipeline() dsp.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pipeline
}

// Snapshot copies the newest window samples (channel-major) and the last
// recent events, newest first.
func (s *Store) Snapshot(window, recent int) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	horizon := s.horizonLocked()
	from := horizon
	if window > 0 && s.next-horizon > uint64(window) {
		from = s.next - uint64(window)
	}
	n := int(s.next - from)

	data := SignalData{
		Timestamps: make([]float64, n),
		Raw:        make([][]float64, s.channels),
		Filtered:   make([][]float64, s.channels),
		Artifact:   make([]bool, n),
		Cursor:     s.next,
	}
	for ch := 0; ch < s.channels; ch++ {
		data.Raw[ch] = make([]float64, n)
		data.Filtered[ch] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		slot := int((from + uint64(i)) % uint64(s.capacity))
		off := slot * s.channels
		data.Timestamps[i] = s.ts[slot]
		data.Artifact[i] = s.artifact[slot]
		for ch := 0; ch < s.channels; ch++ {
			data.Raw[ch][i] = s.raw[off+ch]
			data.Filtered[ch][i] = s.filtered[off+ch]
		}
	}

	if recent > len(s.events) || recent < 0 {
		recent = len(s.events)
	}
	rec := make([]Event, recent)
	for i := 0; i < recent; i++ {
		rec[i] = s.events[len(s.events)-1-i]
	}

	snap := Snapshot{
		Cursor:     s.next,
		Data:       data,
		EventCount: len(s.events),
		Recent:     rec,
		Pipeline:   s.pipeline,
	}
	if len(s.features) > 0 {
		f := s.features[len(s.features)-1]
		snap.Features = &f
	}
	return snap
}

// Reset discards held samples, events and features. Sequence numbers and
// event IDs keep increasing so stale cursors are detected.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.floor = s.next
	s.eventBase += uint64(len(s.events))
	s.events = nil
	s.features = nil
	s.signalLocked()
}
