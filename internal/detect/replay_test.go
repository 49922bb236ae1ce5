package detect

import (
	"testing"

	"github.com/skywalker-88/canwarden/internal/canframe"
	"github.com/skywalker-88/canwarden/internal/state"
	"github.com/skywalker-88/canwarden/pkg/config"
)

func TestReplayDetectorWhitelistedPeriodicNoAlert(t *testing.T) {
	mgr := state.New(testLogger(), 300)
	cfg := loadConfigJSON(t, `{"global_settings":{},"general_rules":{},"ids":{}}`)
	d := NewReplayDetector()

	// 0x0080 is compiled-in whitelisted at 10ms +-1ms.
	ts := 0.0
	var alerts []Alert
	for i := 0; i < 3; i++ {
		f := frameAt(ts, "0x0080", 0)
		st := mgr.UpdateAndGet(f)
		alerts = d.Detect(f, st, cfg)
		ts += 0.010
	}
	if alerts != nil {
		t.Errorf("expected no alerts for whitelisted periodic traffic inside tolerance, got %+v", alerts)
	}
}

func TestReplayDetectorFastReplayLegacyFallback(t *testing.T) {
	mgr := state.New(testLogger(), 300)
	cfg := loadConfigJSON(t, `{"global_settings":{},"general_rules":{},"ids":{}}`)
	d := NewReplayDetector()

	f1 := frameAt(0, "0x300", 0)
	mgr.UpdateAndGet(f1)

	// Default absolute_min_iat_ms is 0.2ms; 0.05ms gap is far below it.
	f2 := frameAt(0.00005, "0x300", 0)
	st := mgr.UpdateAndGet(f2)
	alerts := d.Detect(f2, st, cfg)

	found := false
	for _, a := range alerts {
		if a.AlertType == "fast_replay" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected fast_replay alert from legacy fallback, got %+v", alerts)
	}
}

func TestReplayDetectorFastReplayAgainstPeriodicityBaseline(t *testing.T) {
	mgr := state.New(testLogger(), 300)
	cfg := loadConfigJSON(t, `{
		"global_settings": {},
		"general_rules": {},
		"ids": {
			"0x301": {
				"replay": {
					"periodicity_baseline": {
						"dominant_periods": [100],
						"period_tolerance": 5,
						"periodicity_score": 0.95,
						"is_periodic": true
					}
				}
			}
		}
	}`)
	d := NewReplayDetector()

	f1 := frameAt(0, "0x301", 0)
	mgr.UpdateAndGet(f1)

	// 10ms gap is far faster than the learned 100ms period and not a clean sub-multiple.
	f2 := frameAt(0.010, "0x301", 0)
	st := mgr.UpdateAndGet(f2)
	alerts := d.Detect(f2, st, cfg)

	found := false
	for _, a := range alerts {
		if a.AlertType == "fast_replay" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected fast_replay alert against periodicity baseline, got %+v", alerts)
	}
}

func TestReplayDetectorPeriodicityBaselineAllowsPeriodMultiple(t *testing.T) {
	mgr := state.New(testLogger(), 300)
	cfg := loadConfigJSON(t, `{
		"global_settings": {},
		"general_rules": {},
		"ids": {
			"0x302": {
				"replay": {
					"periodicity_baseline": {
						"dominant_periods": [100],
						"period_tolerance": 5,
						"periodicity_score": 0.95,
						"is_periodic": true
					}
				}
			}
		}
	}`)
	d := NewReplayDetector()

	f1 := frameAt(0, "0x302", 0)
	mgr.UpdateAndGet(f1)

	// A 200ms gap (2x the dominant period) is a plausible dropped-frame gap, not a replay.
	f2 := frameAt(0.200, "0x302", 0)
	st := mgr.UpdateAndGet(f2)
	alerts := d.Detect(f2, st, cfg)
	for _, a := range alerts {
		if a.AlertType == "fast_replay" {
			t.Errorf("did not expect fast_replay for a 2x-period gap, got %+v", alerts)
		}
	}
}

func TestReplayDetectorIdenticalPayloadRepetition(t *testing.T) {
	mgr := state.New(testLogger(), 300)
	cfg := loadConfigJSON(t, `{"global_settings":{},"general_rules":{},"ids":{}}`)
	d := NewReplayDetector()

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	ts := 0.0
	var alerts []Alert
	for i := 0; i < 5; i++ {
		f, err := frameWithPayloadDLC(ts, "0x400", payload)
		if err != nil {
			t.Fatal(err)
		}
		st := mgr.UpdateAndGet(f)
		alerts = d.Detect(f, st, cfg)
		ts += 0.2 // keeps all 5 occurrences within the default 1000ms repetition window
	}
	found := false
	for _, a := range alerts {
		if a.AlertType == "identical_payload_repetition" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected identical_payload_repetition once the threshold of repeats is reached, got %+v", alerts)
	}
}

// sendSequenceWindow feeds payloads through d.Detect at 0.1s spacing starting at
// startTS, returning every alert produced across the whole window.
func sendSequenceWindow(t *testing.T, mgr *state.Manager, d *ReplayDetector, cfg *config.Store, canID string, payloads [][]byte, startTS float64) []Alert {
	t.Helper()
	var alerts []Alert
	ts := startTS
	for _, p := range payloads {
		f, err := frameWithPayloadDLC(ts, canID, p)
		if err != nil {
			t.Fatal(err)
		}
		st := mgr.UpdateAndGet(f)
		alerts = append(alerts, d.Detect(f, st, cfg)...)
		ts += 0.1
	}
	return alerts
}

// TestReplayDetectorSequenceReplay covers spec.md §8 scenario 6: the same 5-fingerprint
// sequence repeats 15s after its prior occurrence, which must fall inside
// (min_interval_between_sequences_sec, max_sequence_age_sec) = (10s, 300s) and fire a
// sequence_replay alert escalated to critical since 15s < 2*min_interval (20s).
func TestReplayDetectorSequenceReplay(t *testing.T) {
	mgr := state.New(testLogger(), 300)
	cfg := loadConfigJSON(t, `{
		"global_settings": {},
		"general_rules": {},
		"ids": {
			"0x500": {
				"replay": {
					"sequence_replay_params": {
						"sequence_length": 5,
						"max_sequence_age_sec": 300,
						"min_interval_between_sequences_sec": 10
					}
				}
			}
		}
	}`)
	d := NewReplayDetector()

	payloads := [][]byte{{1}, {2}, {3}, {4}, {5}}
	firstRound := sendSequenceWindow(t, mgr, d, cfg, "0x500", payloads, 0)
	for _, a := range firstRound {
		if a.AlertType == "sequence_replay" {
			t.Fatalf("first sighting of a sequence should not be a replay, got %+v", a)
		}
	}

	secondRound := sendSequenceWindow(t, mgr, d, cfg, "0x500", payloads, 15.0)
	var found *Alert
	for i, a := range secondRound {
		if a.AlertType == "sequence_replay" {
			found = &secondRound[i]
		}
	}
	if found == nil {
		t.Fatalf("expected sequence_replay when the same 5-frame window recurs after 15s, got %+v", secondRound)
	}
	if found.Severity != SeverityCritical {
		t.Errorf("severity = %v, want critical (gap 15s < 2*min_interval 20s)", found.Severity)
	}
}

// TestReplayDetectorSequenceReplayTooSoonIsNotFlagged covers the lower edge of spec.md
// §8's (min_interval, max_age) window: a repeat inside min_interval_between_sequences_sec
// is ordinary periodic traffic, not a replay.
func TestReplayDetectorSequenceReplayTooSoonIsNotFlagged(t *testing.T) {
	mgr := state.New(testLogger(), 300)
	cfg := loadConfigJSON(t, `{
		"global_settings": {},
		"general_rules": {},
		"ids": {
			"0x500": {
				"replay": {
					"sequence_replay_params": {
						"sequence_length": 3,
						"max_sequence_age_sec": 300,
						"min_interval_between_sequences_sec": 10
					}
				}
			}
		}
	}`)
	d := NewReplayDetector()

	payloads := [][]byte{{1}, {2}, {3}}
	sendSequenceWindow(t, mgr, d, cfg, "0x500", payloads, 0)
	secondRound := sendSequenceWindow(t, mgr, d, cfg, "0x500", payloads, 1.0)
	for _, a := range secondRound {
		if a.AlertType == "sequence_replay" {
			t.Errorf("a repeat within min_interval should not be flagged as a replay, got %+v", a)
		}
	}
}

func frameWithPayloadDLC(ts float64, canID string, payload []byte) (canframe.Frame, error) {
	return canframe.New(ts, canID, len(payload), payload, "", false)
}
