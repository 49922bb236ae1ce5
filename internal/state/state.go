// Package state implements the bounded, evicting per-CAN-ID runtime state that the
// detector pipeline reads and mutates on every frame.
package state

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/skywalker-88/canwarden/internal/canframe"
	"github.com/skywalker-88/canwarden/internal/canhash"
)

const (
	maxIDs                = 5000
	staleIDThresholdSec    = 600
	hashHistoryMax         = 1000
	hashHistoryTTLSec      = 300
	sequenceHistoryMax     = 1000
	sequenceHistoryTTLSec  = 1800
	defaultCleanupInterval = 300

	// Memory-pressure cleanup thresholds (spec §4.2's memory_pressure_cleanup): a much
	// more aggressive retention window than the ordinary periodic sweep.
	pressureRecentActiveSec  = 60
	pressureHashHistoryMax   = 50
	pressureHistoricalSeqMax = 100
)

// hashEntry is one recorded payload hash with the frame timestamp it was seen at.
type hashEntry struct {
	hash string
	ts   float64
}

// sequenceEntry is one recorded "<can_id>:<payload_hash>" fingerprint.
type sequenceEntry struct {
	fingerprint string
	ts          float64
}

// IDState is the bounded per-CAN-ID runtime record (spec §3.3), created by
// Manager.UpdateAndGet. The embedded mutex guards the history methods, Snapshot and
// UpdateAndGet's timestamp bookkeeping; detectors read and write the other fields
// directly without it, since each ID's frames are processed by one goroutine in order.
type IDState struct {
	mu sync.Mutex

	CANID string

	LastTimestamp     float64
	LastActive        float64 // frame-timestamp clock, not wall clock
	LastIAT           float64
	ConsecutiveMissing int
	FrameCount        int64

	LastPayloadBytes []byte
	CounterInitialized      [8]bool
	LastByteValuesForCounter [8]byte
	StaticByteMismatchCounts [8]int

	HashHistory     []hashEntry
	SequenceHistory []sequenceEntry

	// HistoricalSequences maps a joined sequence key to the timestamp it was last seen,
	// used by the Replay Detector's sequence-replay check (spec §4.5).
	HistoricalSequences map[string]float64

	// Shadow-learning bookkeeping for unknown IDs (spec §4.6).
	ShadowFirstSeen  float64
	ShadowFrameCount int64
	Promoted         bool
}

// Snapshot is a read-only copy of an IDState's observability-relevant fields, safe to
// hand to a concurrent HTTP request without holding the state's own lock (spec §19's
// /stats, /debug/shadow).
type Snapshot struct {
	CANID            string
	FrameCount       int64
	LastActive       float64
	ShadowFirstSeen  float64
	ShadowFrameCount int64
	Promoted         bool
}

// Snapshot copies the fields a read-only observability view needs.
func (s *IDState) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		CANID:            s.CANID,
		FrameCount:       s.FrameCount,
		LastActive:       s.LastActive,
		ShadowFirstSeen:  s.ShadowFirstSeen,
		ShadowFrameCount: s.ShadowFrameCount,
		Promoted:         s.Promoted,
	}
}

func newIDState(canID string) *IDState {
	return &IDState{
		CANID:               canID,
		HistoricalSequences: make(map[string]float64),
	}
}

// RecordHash appends a payload hash observation, trimming to the configured bound.
func (s *IDState) RecordHash(hash string, ts float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.HashHistory = append(s.HashHistory, hashEntry{hash: hash, ts: ts})
	s.trimHashHistoryLocked(ts)
}

func (s *IDState) trimHashHistoryLocked(now float64) {
	cutoff := now - hashHistoryTTLSec
	out := s.HashHistory[:0]
	for _, e := range s.HashHistory {
		if e.ts >= cutoff {
			out = append(out, e)
		}
	}
	s.HashHistory = out
	if len(s.HashHistory) > hashHistoryMax {
		s.HashHistory = s.HashHistory[len(s.HashHistory)-hashHistoryMax:]
	}
}

// trimHashHistoryToLocked keeps only the most recent max entries, regardless of age —
// used by memory_pressure_cleanup's harder cap (spec §4.2).
func (s *IDState) trimHashHistoryToLocked(max int) {
	if len(s.HashHistory) > max {
		s.HashHistory = append([]hashEntry(nil), s.HashHistory[len(s.HashHistory)-max:]...)
	}
}

// RecentHashes returns a snapshot of the currently retained payload hashes, oldest first.
func (s *IDState) RecentHashes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.HashHistory))
	for i, e := range s.HashHistory {
		out[i] = e.hash
	}
	return out
}

// HashesWithin returns the recorded payload hashes seen within windowSec of now,
// oldest first (spec §4.5 contextual payload-repetition check).
func (s *IDState) HashesWithin(now, windowSec float64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now - windowSec
	var out []string
	for _, e := range s.HashHistory {
		if e.ts >= cutoff {
			out = append(out, e.hash)
		}
	}
	return out
}

// RecordSequenceFrame appends one fingerprint to the sliding sequence window and returns
// the window contents once it reaches length n (spec §4.5 sequence-replay check).
func (s *IDState) RecordSequenceFrame(fingerprint string, ts float64, n int) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SequenceHistory = append(s.SequenceHistory, sequenceEntry{fingerprint: fingerprint, ts: ts})
	cutoff := ts - sequenceHistoryTTLSec
	out := s.SequenceHistory[:0]
	for _, e := range s.SequenceHistory {
		if e.ts >= cutoff {
			out = append(out, e)
		}
	}
	s.SequenceHistory = out
	if len(s.SequenceHistory) > sequenceHistoryMax {
		s.SequenceHistory = s.SequenceHistory[len(s.SequenceHistory)-sequenceHistoryMax:]
	}
	if len(s.SequenceHistory) < n {
		return nil, false
	}
	window := s.SequenceHistory[len(s.SequenceHistory)-n:]
	out2 := make([]string, n)
	for i, e := range window {
		out2[i] = e.fingerprint
	}
	return out2, true
}

// CheckAndRecordSequence reports whether key was seen within maxAgeSec, then records
// the current timestamp under it (most-recent-wins, time-evicted, capacity-bounded).
func (s *IDState) CheckAndRecordSequence(key string, ts, maxAgeSec float64) (lastSeen float64, seen bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.HistoricalSequences[key]; ok && ts-prev <= maxAgeSec {
		lastSeen, seen = prev, true
	}
	s.HistoricalSequences[key] = ts
	s.evictHistoricalSequencesLocked(ts)
	return lastSeen, seen
}

func (s *IDState) evictHistoricalSequencesLocked(now float64) {
	cutoff := now - sequenceHistoryTTLSec
	for k, ts := range s.HistoricalSequences {
		if ts < cutoff {
			delete(s.HistoricalSequences, k)
		}
	}
	if len(s.HistoricalSequences) <= sequenceHistoryMax {
		return
	}
	type kv struct {
		k  string
		ts float64
	}
	all := make([]kv, 0, len(s.HistoricalSequences))
	for k, ts := range s.HistoricalSequences {
		all = append(all, kv{k, ts})
	}
	for len(all) > sequenceHistoryMax {
		oldestIdx := 0
		for i, e := range all {
			if e.ts < all[oldestIdx].ts {
				oldestIdx = i
			}
		}
		delete(s.HistoricalSequences, all[oldestIdx].k)
		all[oldestIdx] = all[len(all)-1]
		all = all[:len(all)-1]
	}
}

// trimHistoricalSequencesToLocked keeps only the max most-recently-seen entries,
// regardless of age — used by memory_pressure_cleanup's harder cap (spec §4.2).
func (s *IDState) trimHistoricalSequencesToLocked(max int) {
	if len(s.HistoricalSequences) <= max {
		return
	}
	type kv struct {
		k  string
		ts float64
	}
	all := make([]kv, 0, len(s.HistoricalSequences))
	for k, ts := range s.HistoricalSequences {
		all = append(all, kv{k, ts})
	}
	for len(all) > max {
		oldestIdx := 0
		for i, e := range all {
			if e.ts < all[oldestIdx].ts {
				oldestIdx = i
			}
		}
		delete(s.HistoricalSequences, all[oldestIdx].k)
		all[oldestIdx] = all[len(all)-1]
		all = all[:len(all)-1]
	}
}

// Manager owns the sync.Map of per-ID state and the janitor that evicts/trims it,
// mirroring the teacher's internal/anom.Detector.keys + janitor() shape.
type Manager struct {
	states sync.Map // string -> *IDState
	count  int32
	mu     sync.Mutex // guards eviction sweeps and count

	log  zerolog.Logger
	stop chan struct{}

	cleanupIntervalSec float64
	lastCleanupFrameTS  float64
}

// New creates a Manager. cleanupIntervalSec is the spec §4.2 frame-clock-gated cleanup
// period; zero selects the 300s default.
func New(log zerolog.Logger, cleanupIntervalSec float64) *Manager {
	if cleanupIntervalSec <= 0 {
		cleanupIntervalSec = defaultCleanupInterval
	}
	return &Manager{
		log:                log,
		stop:               make(chan struct{}),
		cleanupIntervalSec: cleanupIntervalSec,
	}
}

// StartJanitor launches the background eviction sweep (spec §4.2, teacher's janitor()
// shape). Call Close to stop it.
func (m *Manager) StartJanitor(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.evictLRU()
			}
		}
	}()
}

// Close stops the janitor goroutine.
func (m *Manager) Close() {
	close(m.stop)
}

// UpdateAndGet fetches or creates the IDState for f.CANID, updates LastIAT/
// LastTimestamp/LastActive/FrameCount for this frame, and returns it for detector use
// (spec §4.2). Resolves Open Question #1: LastIAT is left untouched, not zeroed, when
// the frame timestamp does not strictly advance past LastTimestamp.
func (m *Manager) UpdateAndGet(f canframe.Frame) *IDState {
	actual, loaded := m.states.LoadOrStore(f.CANID, newIDState(f.CANID))
	st := actual.(*IDState)

	st.mu.Lock()
	if st.FrameCount > 0 && st.LastTimestamp < f.Timestamp {
		st.LastIAT = f.Timestamp - st.LastTimestamp
	}
	st.LastTimestamp = f.Timestamp
	st.LastActive = f.Timestamp
	st.FrameCount++
	st.mu.Unlock()

	if !loaded {
		m.mu.Lock()
		m.count++
		m.mu.Unlock()
		if m.count > maxIDs {
			// Over capacity: drop IDs idle for more than staleIDThresholdSec first, then
			// evict by smallest LastActive. The new ID already carries this frame's
			// LastActive, so it is not the one evicted.
			m.CleanupOldData(f.Timestamp)
			m.evictLRU()
		}
	}

	return st
}

// Get returns the IDState for canID if it exists, without creating one.
func (m *Manager) Get(canID string) (*IDState, bool) {
	v, ok := m.states.Load(canID)
	if !ok {
		return nil, false
	}
	return v.(*IDState), true
}

// Len returns the current number of tracked IDs.
func (m *Manager) Len() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// Range calls fn for every tracked ID's state, stopping early if fn returns false.
// Intended for read-only observability snapshots (spec §19's /stats, /debug/shadow);
// fn must not block for long since it runs while other callers may be updating state
// concurrently.
func (m *Manager) Range(fn func(canID string, st *IDState) bool) {
	m.states.Range(func(k, v any) bool {
		return fn(k.(string), v.(*IDState))
	})
}

// evictLRU evicts the IDs with the smallest LastActive until at most maxIDs remain
// (spec §4.2). The 600s stale sweep is CleanupOldData, which UpdateAndGet runs before
// this on overflow; the janitor calls evictLRU alone.
func (m *Manager) evictLRU() {
	type entry struct {
		id         string
		lastActive float64
	}
	var entries []entry
	m.states.Range(func(k, v any) bool {
		st := v.(*IDState)
		st.mu.Lock()
		entries = append(entries, entry{id: k.(string), lastActive: st.LastActive})
		st.mu.Unlock()
		return true
	})

	if len(entries) <= maxIDs {
		return
	}

	toEvict := len(entries) - maxIDs
	for i := 0; i < toEvict; i++ {
		oldestIdx := 0
		for j, e := range entries {
			if e.lastActive < entries[oldestIdx].lastActive {
				oldestIdx = j
			}
		}
		m.states.Delete(entries[oldestIdx].id)
		m.mu.Lock()
		m.count--
		m.mu.Unlock()
		m.log.Debug().Str("can_id", entries[oldestIdx].id).Msg("evicted id state under capacity pressure")
		entries[oldestIdx] = entries[len(entries)-1]
		entries = entries[:len(entries)-1]
	}
}

// CleanupOldData runs the periodic, frame-clock-gated sweep (spec §4.2): it trims
// per-ID hash/sequence histories against the most recent frame timestamp rather than
// wall-clock time, so that replayed historical traffic drives eviction correctly, then
// drops any ID whose last_active has fallen more than staleIDThresholdSec (600s) behind.
func (m *Manager) CleanupOldData(nowFrameTS float64) {
	staleCutoff := nowFrameTS - staleIDThresholdSec
	var stale []string
	m.states.Range(func(k, v any) bool {
		st := v.(*IDState)
		st.mu.Lock()
		st.trimHashHistoryLocked(nowFrameTS)
		st.evictHistoricalSequencesLocked(nowFrameTS)
		lastActive := st.LastActive
		st.mu.Unlock()
		if lastActive < staleCutoff {
			stale = append(stale, k.(string))
		}
		return true
	})

	for _, id := range stale {
		m.states.Delete(id)
		m.mu.Lock()
		m.count--
		m.mu.Unlock()
		m.log.Debug().Str("can_id", id).Msg("dropped stale id state")
	}
}

// MaybeCleanup runs CleanupOldData only if cleanupIntervalSec has elapsed on the frame
// clock since the last sweep (spec §4.2).
func (m *Manager) MaybeCleanup(nowFrameTS float64) {
	if nowFrameTS-m.lastCleanupFrameTS >= m.cleanupIntervalSec {
		m.CleanupOldData(nowFrameTS)
		m.lastCleanupFrameTS = nowFrameTS
	}
}

// MemoryPressureCleanup implements the explicit pressure-relief operation (spec §4.2):
// it retains only IDs active within the last 60s (further capped to maxIDs by recency),
// drops everything else outright, and trims what remains to a much harder 50-entry hash
// history / 100-entry historical-sequence cap than the ordinary periodic sweep uses.
func (m *Manager) MemoryPressureCleanup(nowFrameTS float64) {
	m.log.Warn().Msg("memory pressure cleanup triggered")

	type entry struct {
		id         string
		lastActive float64
	}
	var entries []entry
	m.states.Range(func(k, v any) bool {
		st := v.(*IDState)
		st.mu.Lock()
		entries = append(entries, entry{id: k.(string), lastActive: st.LastActive})
		st.mu.Unlock()
		return true
	})

	cutoff := nowFrameTS - pressureRecentActiveSec
	var recent []entry
	for _, e := range entries {
		if e.lastActive >= cutoff {
			recent = append(recent, e)
			continue
		}
		m.states.Delete(e.id)
		m.mu.Lock()
		m.count--
		m.mu.Unlock()
	}

	if len(recent) > maxIDs {
		toEvict := len(recent) - maxIDs
		for i := 0; i < toEvict; i++ {
			oldestIdx := 0
			for j, e := range recent {
				if e.lastActive < recent[oldestIdx].lastActive {
					oldestIdx = j
				}
			}
			m.states.Delete(recent[oldestIdx].id)
			m.mu.Lock()
			m.count--
			m.mu.Unlock()
			recent[oldestIdx] = recent[len(recent)-1]
			recent = recent[:len(recent)-1]
		}
	}

	m.states.Range(func(_, v any) bool {
		st := v.(*IDState)
		st.mu.Lock()
		st.trimHashHistoryToLocked(pressureHashHistoryMax)
		st.trimHistoricalSequencesToLocked(pressureHistoricalSeqMax)
		st.mu.Unlock()
		return true
	})
}

// PayloadHash is a thin re-export so callers in internal/detect don't need a second
// import for the common case of hashing a frame's payload into hash history.
func PayloadHash(payload []byte) string {
	return canhash.Payload(payload)
}
