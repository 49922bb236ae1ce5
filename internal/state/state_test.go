package state

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/skywalker-88/canwarden/internal/canframe"
)

func mustFrame(t *testing.T, ts float64, id string, dlc int) canframe.Frame {
	t.Helper()
	payload := make([]byte, dlc)
	f, err := canframe.New(ts, id, dlc, payload, "", false)
	if err != nil {
		t.Fatalf("canframe.New: %v", err)
	}
	return f
}

func newTestManager() *Manager {
	return New(zerolog.Nop(), 300)
}

func TestUpdateAndGetComputesIAT(t *testing.T) {
	m := newTestManager()
	st := m.UpdateAndGet(mustFrame(t, 1.0, "0x0080", 0))
	if st.LastIAT != 0 {
		t.Errorf("first frame should not set an IAT, got %v", st.LastIAT)
	}
	st = m.UpdateAndGet(mustFrame(t, 1.5, "0x0080", 0))
	if st.LastIAT != 0.5 {
		t.Errorf("LastIAT = %v, want 0.5", st.LastIAT)
	}
}

func TestUpdateAndGetLeavesIATOnNonIncreasingTimestamp(t *testing.T) {
	m := newTestManager()
	m.UpdateAndGet(mustFrame(t, 2.0, "0x0080", 0))
	st := m.UpdateAndGet(mustFrame(t, 1.5, "0x0080", 0))
	if st.LastIAT != 0.5 && st.LastIAT != 0 {
		t.Fatalf("unexpected LastIAT after non-increasing timestamp: %v", st.LastIAT)
	}
	prevIAT := st.LastIAT
	st = m.UpdateAndGet(mustFrame(t, 1.5, "0x0080", 0))
	if st.LastIAT != prevIAT {
		t.Errorf("LastIAT should be left untouched on non-increasing timestamp, got %v want %v", st.LastIAT, prevIAT)
	}
}

func TestSeparateIDsGetSeparateState(t *testing.T) {
	m := newTestManager()
	m.UpdateAndGet(mustFrame(t, 1.0, "0x0080", 0))
	m.UpdateAndGet(mustFrame(t, 1.0, "0x00FF", 0))
	if m.Len() != 2 {
		t.Errorf("Len() = %d, want 2", m.Len())
	}
}

func TestRecordHashTrimsToBound(t *testing.T) {
	m := newTestManager()
	st := m.UpdateAndGet(mustFrame(t, 0, "0x0080", 0))
	for i := 0; i < hashHistoryMax+10; i++ {
		st.RecordHash("h", float64(i)*0.1) // 0.1s spacing keeps every entry inside the 300s TTL
	}
	if got := len(st.RecentHashes()); got != hashHistoryMax {
		t.Errorf("hash history length = %d, want %d", got, hashHistoryMax)
	}
}

func TestRecordSequenceFrameWindow(t *testing.T) {
	m := newTestManager()
	st := m.UpdateAndGet(mustFrame(t, 0, "0x0080", 0))
	for i := 0; i < 4; i++ {
		if _, ok := st.RecordSequenceFrame("fp", float64(i), 5); ok {
			t.Fatalf("window should not be ready before 5 entries")
		}
	}
	window, ok := st.RecordSequenceFrame("fp", 4, 5)
	if !ok || len(window) != 5 {
		t.Fatalf("expected a ready 5-length window, got ok=%v len=%d", ok, len(window))
	}
}

func TestCheckAndRecordSequence(t *testing.T) {
	m := newTestManager()
	st := m.UpdateAndGet(mustFrame(t, 0, "0x0080", 0))
	if _, seen := st.CheckAndRecordSequence("abc", 0, 300); seen {
		t.Fatalf("first sighting should not be seen")
	}
	if last, seen := st.CheckAndRecordSequence("abc", 10, 300); !seen || last != 0 {
		t.Fatalf("second sighting within window should be seen, last=%v seen=%v", last, seen)
	}
	if _, seen := st.CheckAndRecordSequence("abc", 1000, 300); seen {
		t.Fatalf("sighting outside max age should not be seen")
	}
}

func TestEvictLRUEnforcesCapacity(t *testing.T) {
	m := newTestManager()
	for i := 0; i < maxIDs+5; i++ {
		id := canframe.NormalizeID(fmt.Sprintf("%06X", i))
		m.UpdateAndGet(mustFrame(t, float64(i), id, 0))
	}
	m.evictLRU()
	if m.Len() > maxIDs {
		t.Errorf("Len() = %d, want <= %d after eviction", m.Len(), maxIDs)
	}
}

func TestMemoryPressureCleanup(t *testing.T) {
	m := newTestManager()
	m.UpdateAndGet(mustFrame(t, 0, "0x0080", 0))
	m.UpdateAndGet(mustFrame(t, 1000, "0x00FF", 0))
	m.MemoryPressureCleanup(1000)
	if _, ok := m.Get("0x0080"); ok {
		t.Errorf("0x0080 last active 1000s ago should be dropped by memory pressure cleanup")
	}
	if _, ok := m.Get("0x00FF"); !ok {
		t.Errorf("0x00FF active just now should survive memory pressure cleanup")
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
}

func TestMemoryPressureCleanupTrimsHistories(t *testing.T) {
	m := newTestManager()
	st := m.UpdateAndGet(mustFrame(t, 0, "0x0080", 0))
	for i := 0; i < pressureHashHistoryMax+20; i++ {
		st.RecordHash("h", float64(i))
	}
	for i := 0; i < pressureHistoricalSeqMax+20; i++ {
		st.CheckAndRecordSequence(fmt.Sprintf("seq-%d", i), float64(i), sequenceHistoryTTLSec)
	}
	m.MemoryPressureCleanup(0)
	if got := len(st.RecentHashes()); got > pressureHashHistoryMax {
		t.Errorf("hash history length = %d, want <= %d", got, pressureHashHistoryMax)
	}
	st.mu.Lock()
	gotSeq := len(st.HistoricalSequences)
	st.mu.Unlock()
	if gotSeq > pressureHistoricalSeqMax {
		t.Errorf("historical sequence count = %d, want <= %d", gotSeq, pressureHistoricalSeqMax)
	}
}
