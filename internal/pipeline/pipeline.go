// Package pipeline wires the Baseline Engine, State Manager, detectors, and Alert
// Manager into the single per-frame call the external driver makes (spec §2's data-flow
// diagram, §21).
package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/skywalker-88/canwarden/internal/alert"
	"github.com/skywalker-88/canwarden/internal/baseline"
	"github.com/skywalker-88/canwarden/internal/baselinestore"
	"github.com/skywalker-88/canwarden/internal/canframe"
	"github.com/skywalker-88/canwarden/internal/detect"
	"github.com/skywalker-88/canwarden/internal/state"
	"github.com/skywalker-88/canwarden/pkg/config"
	"github.com/skywalker-88/canwarden/pkg/metrics"
)

// Mode selects which side(s) of the learn/detect boundary ProcessFrame drives, matching
// spec §6.4's three external-driver modes.
type Mode int

const (
	// ModeLearn feeds every frame to the Baseline Engine and never starts detection,
	// even once the learning window completes (used by the "learn" subcommand to produce
	// a baseline file and stop).
	ModeLearn Mode = iota
	// ModeDetect skips learning entirely and runs every frame straight through the
	// detectors, assuming the Config Store already carries a learned baseline (loaded
	// from a config file produced by a prior "learn" run, or restored from
	// internal/baselinestore).
	ModeDetect
	// ModeAuto learns until the window completes, then switches to detection for every
	// subsequent frame — the "auto" subcommand's single-process learn-then-detect flow.
	ModeAuto
)

func (m Mode) String() string {
	switch m {
	case ModeLearn:
		return "learn"
	case ModeDetect:
		return "detect"
	case ModeAuto:
		return "auto"
	default:
		return "unknown"
	}
}

// Pipeline is the single per-frame entry point the CLI driver calls (spec §21). It is not
// safe for concurrent calls to ProcessFrame: the reference scheduling model is one
// goroutine consuming frames in timestamp order, per §5's per-ID serialization guarantee.
type Pipeline struct {
	cfg       *config.Store
	log       zerolog.Logger
	mode      Mode
	baseline  *baseline.Engine
	states    *state.Manager
	detectors []detect.Detector
	alerts    *alert.Manager
	store     *baselinestore.Store

	finalized bool
}

// New builds a Pipeline. baselineEngine and store may be used as-is regardless of mode:
// a ModeDetect pipeline still holds a *baseline.Engine (for the General Rules Detector's
// ShouldAutoAddID gate) but never feeds it frames.
func New(cfg *config.Store, log zerolog.Logger, mode Mode, baselineEngine *baseline.Engine, states *state.Manager, alerts *alert.Manager, store *baselinestore.Store) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		log:      log,
		mode:     mode,
		baseline: baselineEngine,
		states:   states,
		alerts:   alerts,
		store:    store,
		detectors: []detect.Detector{
			detect.NewDropDetector(),
			detect.NewTamperDetector(),
			detect.NewReplayDetector(),
			detect.NewGeneralRulesDetector(baselineEngine),
		},
	}
	if mode == ModeDetect {
		// Nothing to finalize — detection mode assumes the baseline is already in cfg.
		p.finalized = true
	}
	return p
}

// RestoreBaselines loads any previously persisted learned settings for cfg's known IDs
// from the optional baseline store, so a restarted process resumes without re-learning
// (spec §3.4, §20). A no-op when the store is disabled.
func (p *Pipeline) RestoreBaselines(ctx context.Context) int {
	if p.store == nil || !p.store.Enabled() {
		return 0
	}
	return p.store.RestoreAll(ctx, p.cfg, p.cfg.KnownIDs())
}

// ProcessFrame implements the §2 data-flow diagram: during the learning window, route to
// the Baseline Engine; once finalized, route to the State Manager and then every
// detector in turn, forwarding any resulting alerts to the Alert Manager.
func (p *Pipeline) ProcessFrame(f canframe.Frame) {
	metrics.FramesProcessed.WithLabelValues(p.mode.String()).Inc()

	if p.mode == ModeLearn {
		p.baseline.ProcessFrame(f)
		p.maybeFinalize()
		return
	}

	if p.mode == ModeAuto && !p.finalized {
		p.baseline.ProcessFrame(f)
		p.maybeFinalize()
		return
	}

	p.runDetection(f)
}

// maybeFinalize finalizes the baseline exactly once, the moment the learning window's
// completion predicate is satisfied, and opportunistically persists the result.
func (p *Pipeline) maybeFinalize() {
	if p.finalized || !p.baseline.IsLearningComplete() {
		return
	}
	p.baseline.FinalizeBaselines()
	p.finalized = true
	p.log.Info().Msg("baseline learning window complete")

	if p.store != nil && p.store.Enabled() {
		ctx := context.Background()
		for _, canID := range p.cfg.KnownIDs() {
			p.store.Put(ctx, canID, p.cfg.IDSettings(canID))
		}
	}
}

// IsDetecting reports whether ProcessFrame is currently routing frames to the detectors
// rather than the Baseline Engine.
func (p *Pipeline) IsDetecting() bool {
	return p.mode == ModeDetect || (p.mode == ModeAuto && p.finalized)
}

func (p *Pipeline) runDetection(f canframe.Frame) {
	st := p.states.UpdateAndGet(f)
	p.states.MaybeCleanup(f.Timestamp)
	var alerts []detect.Alert
	for _, d := range p.detectors {
		alerts = append(alerts, p.runDetector(d, f, st)...)
	}
	for _, a := range alerts {
		p.alerts.Report(a)
	}
}

// runDetector calls d.Detect, isolating the rest of the pipeline from a panicking
// detector per spec §7's DetectorError policy: the panic is recovered, logged as a
// detect.Error, counted, and discarded — it never reaches the caller or stops the other
// detectors from running on this same frame.
func (p *Pipeline) runDetector(d detect.Detector, f canframe.Frame, st *state.IDState) (alerts []detect.Alert) {
	defer func() {
		if r := recover(); r != nil {
			err := detect.NewError(d.Name(), fmt.Errorf("panic: %v", r))
			metrics.DetectorErrors.WithLabelValues(d.Name()).Inc()
			p.log.Error().Err(err).Str("detector", d.Name()).Str("can_id", f.CANID).
				Msg("detector failed, discarding its output for this frame")
			alerts = nil
		}
	}()
	return d.Detect(f, st, p.cfg)
}
