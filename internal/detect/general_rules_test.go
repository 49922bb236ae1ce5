package detect

import (
	"testing"

	"github.com/skywalker-88/canwarden/internal/state"
)

type fakePromoter struct{ allow bool }

func (f fakePromoter) ShouldAutoAddID(string) bool { return f.allow }

func TestGeneralRulesDetectorKnownIDNoAlert(t *testing.T) {
	cfg := loadConfigJSON(t, `{"global_settings":{},"general_rules":{},"ids":{}}`)
	cfg.AddKnownID("0x600")
	d := NewGeneralRulesDetector(nil)
	f := frameAt(0, "0x600", 0)
	st := &state.IDState{}
	if alerts := d.Detect(f, st, cfg); alerts != nil {
		t.Errorf("expected no alerts for a known ID, got %+v", alerts)
	}
}

func TestGeneralRulesDetectorDisabled(t *testing.T) {
	cfg := loadConfigJSON(t, `{
		"global_settings": {},
		"general_rules": {"detect_unknown_id": {"enabled": false, "learning_mode": "alert_immediate"}},
		"ids": {}
	}`)
	d := NewGeneralRulesDetector(nil)
	f := frameAt(0, "0x601", 0)
	st := &state.IDState{}
	if alerts := d.Detect(f, st, cfg); alerts != nil {
		t.Errorf("expected no alerts when unknown-ID detection disabled, got %+v", alerts)
	}
}

func TestGeneralRulesDetectorImmediateAlertMode(t *testing.T) {
	cfg := loadConfigJSON(t, `{
		"global_settings": {},
		"general_rules": {"detect_unknown_id": {"enabled": true, "learning_mode": "alert_immediate"}},
		"ids": {}
	}`)
	d := NewGeneralRulesDetector(nil)
	st := &state.IDState{}

	for i := 0; i < 3; i++ {
		f := frameAt(float64(i), "0x602", 0)
		alerts := d.Detect(f, st, cfg)
		found := false
		for _, a := range alerts {
			if a.AlertType == "unknown_id_detected" {
				found = true
			}
		}
		if !found {
			t.Errorf("expected unknown_id_detected on every frame in immediate mode, frame %d got %+v", i, alerts)
		}
	}
}

func TestGeneralRulesDetectorShadowLearningFirstSightingOnly(t *testing.T) {
	cfg := loadConfigJSON(t, `{
		"global_settings": {},
		"general_rules": {"detect_unknown_id": {"enabled": true, "learning_mode": "shadow", "shadow_duration_sec": 600, "auto_add_to_baseline": true, "min_frames_for_learning": 50}},
		"ids": {}
	}`)
	d := NewGeneralRulesDetector(fakePromoter{allow: true})
	st := &state.IDState{}

	f1 := frameAt(0, "0x603", 0)
	alerts1 := d.Detect(f1, st, cfg)
	found := false
	for _, a := range alerts1 {
		if a.AlertType == "unknown_id_detected" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected unknown_id_detected on first shadow sighting, got %+v", alerts1)
	}

	f2 := frameAt(1, "0x603", 0)
	alerts2 := d.Detect(f2, st, cfg)
	for _, a := range alerts2 {
		if a.AlertType == "unknown_id_detected" {
			t.Errorf("did not expect a repeat unknown_id_detected alert on the second shadow frame")
		}
	}
}

func TestGeneralRulesDetectorShadowLearningPromotes(t *testing.T) {
	cfg := loadConfigJSON(t, `{
		"global_settings": {},
		"general_rules": {"detect_unknown_id": {"enabled": true, "learning_mode": "shadow", "shadow_duration_sec": 5, "auto_add_to_baseline": true, "min_frames_for_learning": 3}},
		"ids": {}
	}`)
	d := NewGeneralRulesDetector(fakePromoter{allow: true})
	st := &state.IDState{}

	ts := 0.0
	var lastAlerts []Alert
	for i := 0; i < 4; i++ {
		f := frameAt(ts, "0x604", 0)
		lastAlerts = d.Detect(f, st, cfg)
		ts += 2.0 // 4 frames spanning 6s, past the 5s shadow_duration_sec
	}

	found := false
	for _, a := range lastAlerts {
		if a.AlertType == "unknown_id_auto_added" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected unknown_id_auto_added once shadow duration and frame count are satisfied, got %+v", lastAlerts)
	}
	if !cfg.IsKnownID("0x604") {
		t.Errorf("expected 0x604 to be registered as known after promotion")
	}
	if !st.Promoted {
		t.Errorf("expected IDState.Promoted to be set after promotion")
	}
}

func TestGeneralRulesDetectorShadowLearningWithholdsUntilEngineAgrees(t *testing.T) {
	cfg := loadConfigJSON(t, `{
		"global_settings": {},
		"general_rules": {"detect_unknown_id": {"enabled": true, "learning_mode": "shadow", "shadow_duration_sec": 1, "auto_add_to_baseline": true, "min_frames_for_learning": 1}},
		"ids": {}
	}`)
	d := NewGeneralRulesDetector(fakePromoter{allow: false})
	st := &state.IDState{}

	ts := 0.0
	for i := 0; i < 3; i++ {
		f := frameAt(ts, "0x605", 0)
		alerts := d.Detect(f, st, cfg)
		for _, a := range alerts {
			if a.AlertType == "unknown_id_auto_added" {
				t.Errorf("did not expect promotion while the baseline engine declines it")
			}
		}
		ts += 2.0
	}
	if cfg.IsKnownID("0x605") {
		t.Errorf("expected 0x605 to remain unknown while the baseline engine declines promotion")
	}
}
