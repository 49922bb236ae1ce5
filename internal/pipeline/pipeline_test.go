package pipeline_test

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/skywalker-88/canwarden/internal/alert"
	"github.com/skywalker-88/canwarden/internal/baseline"
	"github.com/skywalker-88/canwarden/internal/canframe"
	"github.com/skywalker-88/canwarden/internal/pipeline"
	"github.com/skywalker-88/canwarden/internal/state"
	"github.com/skywalker-88/canwarden/pkg/config"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func loadConfig(t *testing.T, body string) *config.Store {
	t.Helper()
	path := t.TempDir() + "/cfg.json"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

const fastLearningConfig = `{
  "global_settings": {
    "learning_params": {
      "initial_learning_window_sec": 0.01,
      "min_samples_for_stable_baseline": 2
    }
  },
  "general_rules": {},
  "ids": {}
}`

func newTestPipeline(t *testing.T, mode pipeline.Mode) (*pipeline.Pipeline, *config.Store, *state.Manager, *alert.Manager) {
	t.Helper()
	cfg := loadConfig(t, fastLearningConfig)
	log := testLogger()
	bl := baseline.New(cfg, log)
	st := state.New(log, 300)
	am := alert.NewManager(cfg, log, nil)
	p := pipeline.New(cfg, log, mode, bl, st, am, nil)
	return p, cfg, st, am
}

func frame(t *testing.T, ts float64, canID string, dlc int, payload []byte) canframe.Frame {
	t.Helper()
	f, err := canframe.New(ts, canID, dlc, payload, "", false)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestPipelineLearnModeNeverDetects(t *testing.T) {
	p, cfg, _, am := newTestPipeline(t, pipeline.ModeLearn)

	for i := 0; i < 20; i++ {
		ts := float64(i) * 0.02
		p.ProcessFrame(frame(t, ts, "0x100", 8, []byte{1, 2, 3, 4, 5, 6, 7, 8}))
	}
	time.Sleep(15 * time.Millisecond)
	p.ProcessFrame(frame(t, 0.5, "0x100", 8, []byte{1, 2, 3, 4, 5, 6, 7, 8}))

	if p.IsDetecting() {
		t.Fatal("learn-mode pipeline should never transition to detection")
	}
	if !cfg.IsKnownID("0x100") {
		t.Fatal("expected baseline learning to have registered 0x100 as known")
	}
	stats := am.GetStatistics(time.Now())
	if stats.TotalAlerts != 0 {
		t.Fatalf("learn mode should produce no alerts, got %d", stats.TotalAlerts)
	}
}

func TestPipelineAutoModeTransitionsToDetection(t *testing.T) {
	p, cfg, _, _ := newTestPipeline(t, pipeline.ModeAuto)

	for i := 0; i < 20; i++ {
		ts := float64(i) * 0.02
		p.ProcessFrame(frame(t, ts, "0x200", 8, []byte{1, 2, 3, 4, 5, 6, 7, 8}))
	}
	if p.IsDetecting() {
		t.Fatal("pipeline should still be learning before the window elapses")
	}

	time.Sleep(15 * time.Millisecond)
	p.ProcessFrame(frame(t, 0.5, "0x200", 8, []byte{1, 2, 3, 4, 5, 6, 7, 8}))

	if !p.IsDetecting() {
		t.Fatal("expected pipeline to have switched to detection after the learning window elapsed")
	}
	if !cfg.IsKnownID("0x200") {
		t.Fatal("expected 0x200 to be registered as known after finalization")
	}
}

func TestPipelineDetectModeRunsDetectorsImmediately(t *testing.T) {
	p, _, st, _ := newTestPipeline(t, pipeline.ModeDetect)

	if !p.IsDetecting() {
		t.Fatal("detect-mode pipeline should report IsDetecting immediately")
	}

	p.ProcessFrame(frame(t, 1.0, "0x300", 8, []byte{1, 2, 3, 4, 5, 6, 7, 8}))

	if st.Len() != 1 {
		t.Fatalf("expected state manager to track one ID, got %d", st.Len())
	}
}

func TestPipelineUnknownIDInDetectModeAlerts(t *testing.T) {
	p, _, _, am := newTestPipeline(t, pipeline.ModeDetect)

	p.ProcessFrame(frame(t, 1.0, "0x400", 0, nil))

	stats := am.GetStatistics(time.Now())
	if stats.TotalAlerts == 0 {
		t.Fatal("expected unknown-id detection to produce at least one alert in detect mode")
	}
}
