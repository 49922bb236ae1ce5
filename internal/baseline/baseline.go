// Package baseline implements the Baseline Engine (spec §4.1): it accumulates raw
// per-ID samples during a learning window, then reduces them into the Drop/Tamper/
// Replay detectors' learned thresholds, writing the result back into the Config Store.
package baseline

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/skywalker-88/canwarden/internal/canframe"
	"github.com/skywalker-88/canwarden/internal/canhash"
	"github.com/skywalker-88/canwarden/internal/canstat"
	"github.com/skywalker-88/canwarden/pkg/config"
)

const (
	minSamplesForBaseline = 10
	minIATSamplesForFFT   = 10
	periodMinSec          = 0.001
	periodMaxSec          = 10.0
	periodicityThreshold  = 0.7
	staticPayloadRatio    = 0.2
)

// accumulator is the raw learning-window sample set for one CAN ID, grounded on
// BaselineEngine.data_per_id's per-ID dict shape in the reference implementation.
type accumulator struct {
	mu sync.Mutex

	timestamps []float64
	dlcs       map[int]struct{}
	payloads   [][]byte
	bytesAtPos [8][]int

	frameCount int64
	firstSeen  float64
	lastSeen   float64
}

func newAccumulator() *accumulator {
	return &accumulator{dlcs: make(map[int]struct{})}
}

// Engine owns one accumulator per observed CAN ID and the learning-window clock.
// Grounded on original_source/learning/baseline_engine.py's BaselineEngine, with the
// EWMA-adjacent sync.RWMutex-guarded-struct layout adapted from the ebpf-ddos-scrubber
// baseline tracker.
type Engine struct {
	mu sync.RWMutex

	cfg *config.Store
	log zerolog.Logger

	learningDuration time.Duration
	minSamples       int

	learningStart      time.Time
	learningActive     bool
	learningCompleted  bool
	data               map[string]*accumulator
}

// New creates an Engine reading its learning-window parameters from the Config Store's
// global learning_params section (spec §4.1).
func New(cfg *config.Store, log zerolog.Logger) *Engine {
	lp := cfg.GlobalSettings().LearningParams
	return &Engine{
		cfg:              cfg,
		log:              log,
		learningDuration: time.Duration(lp.InitialLearningWindowSec * float64(time.Second)),
		minSamples:       lp.MinSamplesForStableBaseline,
		data:             make(map[string]*accumulator),
	}
}

// ProcessFrame feeds one frame into the learning accumulators (spec §4.1
// process_frame_for_learning). Starts the learning clock on first call.
func (e *Engine) ProcessFrame(f canframe.Frame) {
	e.mu.Lock()
	if !e.learningActive {
		e.learningStart = time.Now()
		e.learningActive = true
		e.learningCompleted = false
	}
	acc, ok := e.data[f.CANID]
	if !ok {
		acc = newAccumulator()
		e.data[f.CANID] = acc
	}
	e.mu.Unlock()

	acc.mu.Lock()
	acc.timestamps = append(acc.timestamps, f.Timestamp)
	if acc.frameCount == 0 {
		acc.firstSeen = f.Timestamp
	}
	acc.lastSeen = f.Timestamp
	acc.dlcs[f.DLC] = struct{}{}

	entropyParams := e.cfg.EffectiveTamper(f.CANID).EntropyParams
	if entropyParams.Enabled == nil || *entropyParams.Enabled {
		acc.payloads = append(acc.payloads, append([]byte(nil), f.Payload...))
	}

	byteParams := e.cfg.EffectiveTamper(f.CANID).ByteBehaviorParams
	if byteParams.Enabled == nil || *byteParams.Enabled {
		for i, b := range f.Payload {
			if i >= 8 {
				break
			}
			acc.bytesAtPos[i] = append(acc.bytesAtPos[i], int(b))
		}
	}
	acc.frameCount++
	acc.mu.Unlock()
}

// SetLearningDuration overrides the configured learning window, for the CLI's
// --learning-duration flag (spec §6.2/§6.4). A no-op once learning has completed.
func (e *Engine) SetLearningDuration(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.learningCompleted {
		return
	}
	e.learningDuration = d
}

// IsLearningComplete implements spec §4.1's completion predicate: elapsed time must
// reach the configured window, and (if any ID has samples) every sampled ID must have
// reached min_samples_for_stable_baseline.
func (e *Engine) IsLearningComplete() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLearningCompleteLocked()
}

func (e *Engine) isLearningCompleteLocked() bool {
	if e.learningCompleted {
		return true
	}
	if e.learningStart.IsZero() {
		return false
	}
	elapsed := time.Since(e.learningStart)
	timeOK := elapsed >= e.learningDuration

	sampleOK := true
	any := false
	for _, acc := range e.data {
		acc.mu.Lock()
		fc := acc.frameCount
		acc.mu.Unlock()
		if fc > 0 {
			any = true
			if fc < int64(e.minSamples) {
				sampleOK = false
			}
		}
	}
	return timeOK && (sampleOK || !any)
}

// FinalizeBaselines reduces every accumulator into learned thresholds and writes them
// back into the Config Store (spec §4.1 finalize_baselines). Idempotent: a second call
// after completion is a no-op.
func (e *Engine) FinalizeBaselines() {
	e.mu.Lock()
	if e.learningCompleted {
		e.mu.Unlock()
		return
	}
	ids := make(map[string]*accumulator, len(e.data))
	for k, v := range e.data {
		ids[k] = v
	}
	e.mu.Unlock()

	for canID, acc := range ids {
		acc.mu.Lock()
		frameCount := acc.frameCount
		acc.mu.Unlock()
		if frameCount < minSamplesForBaseline {
			e.log.Warn().Str("can_id", canID).Int64("frame_count", frameCount).
				Msg("insufficient samples for baseline, skipping")
			continue
		}

		e.computeDropBaseline(canID, acc)
		e.computeTamperBaseline(canID, acc)
		e.computePeriodicityBaseline(canID, acc)
		e.cfg.AddKnownID(canID)

		e.log.Info().Str("can_id", canID).Int64("frame_count", frameCount).
			Msg("completed baseline learning")
	}

	e.mu.Lock()
	e.learningCompleted = true
	e.learningActive = false
	e.mu.Unlock()
}

func (e *Engine) computeDropBaseline(canID string, acc *accumulator) {
	acc.mu.Lock()
	timestamps := append([]float64(nil), acc.timestamps...)
	acc.mu.Unlock()

	if len(timestamps) < 2 {
		e.log.Warn().Str("can_id", canID).Msg("insufficient timestamps for IAT calculation")
		return
	}

	var iats []float64
	for i := 1; i < len(timestamps); i++ {
		iat := timestamps[i] - timestamps[i-1]
		if iat > 0 {
			iats = append(iats, iat)
		}
	}
	if len(iats) == 0 {
		e.log.Warn().Str("can_id", canID).Msg("no valid IATs for drop baseline")
		return
	}

	s := canstat.Calculate(iats)
	mean, std, median, min, max, count := s.Mean, s.Std, s.Median, s.Min, s.Max, s.Count
	e.cfg.UpdateLearnedData(config.LearnedUpdate{
		CANID:   canID,
		Section: "drop",
		Drop: &config.DropSettings{
			LearnedMeanIAT:   &mean,
			LearnedStdIAT:    &std,
			LearnedMedianIAT: &median,
			MinIAT:           &min,
			MaxIAT:           &max,
			IATCount:         &count,
		},
	})
}

func (e *Engine) computeTamperBaseline(canID string, acc *accumulator) {
	acc.mu.Lock()
	dlcs := make([]int, 0, len(acc.dlcs))
	for d := range acc.dlcs {
		dlcs = append(dlcs, d)
	}
	payloads := append([][]byte(nil), acc.payloads...)
	var bytesAtPos [8][]int
	for i := range acc.bytesAtPos {
		bytesAtPos[i] = append([]int(nil), acc.bytesAtPos[i]...)
	}
	acc.mu.Unlock()

	tamper := e.cfg.EffectiveTamper(canID)

	if len(payloads) > 0 && (tamper.EntropyParams.Enabled == nil || *tamper.EntropyParams.Enabled) {
		e.computeEntropyBaseline(canID, payloads)
	}

	if tamper.ByteBehaviorParams.Enabled == nil || *tamper.ByteBehaviorParams.Enabled {
		minChanges := tamper.ByteBehaviorParams.LearningWindowMinChangesForVariable
		if minChanges <= 0 {
			minChanges = 5
		}
		var profiles []config.ByteBehaviorProfile
		for pos, values := range bytesAtPos {
			if len(values) == 0 {
				continue
			}
			profiles = append(profiles, analyzeByteBehavior(values, minChanges, pos))
		}
		if len(profiles) > 0 {
			e.cfg.UpdateLearnedData(config.LearnedUpdate{
				CANID:   canID,
				Section: "tamper",
				Tamper:  &config.TamperSettings{LearnedDLCs: dlcs, ByteBehaviorProfiles: profiles},
			})
			return
		}
	}

	e.cfg.UpdateLearnedData(config.LearnedUpdate{
		CANID:   canID,
		Section: "tamper",
		Tamper:  &config.TamperSettings{LearnedDLCs: dlcs},
	})
}

func (e *Engine) computeEntropyBaseline(canID string, payloads [][]byte) {
	var entropies []float64
	for _, p := range payloads {
		if len(p) > 0 {
			entropies = append(entropies, canstat.Entropy(p))
		}
	}
	if len(entropies) == 0 {
		e.log.Warn().Str("can_id", canID).Msg("no valid payloads for entropy baseline")
		return
	}
	s := canstat.Calculate(entropies)
	mean, std, min, max, count := s.Mean, s.Std, s.Min, s.Max, s.Count
	e.cfg.UpdateLearnedData(config.LearnedUpdate{
		CANID:   canID,
		Section: "tamper",
		Tamper: &config.TamperSettings{
			EntropyParams: config.EntropyParams{
				LearnedMean:   &mean,
				LearnedStddev: &std,
				MinEntropy:    &min,
				MaxEntropy:    &max,
				EntropyCount:  &count,
			},
		},
	})
}

// analyzeByteBehavior classifies one byte position's observed values as static,
// counter, or variable (spec §4.1.3 / original_source's _analyze_byte_behavior).
func analyzeByteBehavior(values []int, minChangesForVariable, position int) config.ByteBehaviorProfile {
	unique := map[int]struct{}{}
	for _, v := range values {
		unique[v] = struct{}{}
	}

	if len(unique) == 1 {
		var v int
		for k := range unique {
			v = k
		}
		return config.ByteBehaviorProfile{Position: position, Kind: "static", ExpectedValue: v}
	}

	if len(unique) < minChangesForVariable {
		observed := make([]int, 0, len(unique))
		for k := range unique {
			observed = append(observed, k)
		}
		return config.ByteBehaviorProfile{Position: position, Kind: "variable", ObservedValues: observed}
	}

	if step, isCounter := counterStep(values); isCounter {
		min, max := values[0], values[0]
		for _, v := range values {
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
		return config.ByteBehaviorProfile{
			Position:         position,
			Kind:             "counter",
			Step:             step,
			MinValue:         min,
			MaxValue:         max,
			RolloverDetected: max-min > 200,
			InitialValue:     values[0],
		}
	}

	min, max := values[0], values[0]
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return config.ByteBehaviorProfile{Position: position, Kind: "variable", ValueRangeLow: min, ValueRangeHigh: max}
}

// counterStep detects the 70%-consistency counter-step pattern (spec §4.1.3 /
// original_source's _is_counter_pattern + _create_counter_profile).
func counterStep(values []int) (step int, isCounter bool) {
	if len(values) < 3 {
		return 0, false
	}
	diffCounts := map[int]int{}
	diffs := make([]int, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		d := ((values[i]-values[i-1])%256 + 256) % 256
		diffs = append(diffs, d)
		diffCounts[d]++
	}
	bestDiff, bestCount := 0, 0
	for d, c := range diffCounts {
		if c > bestCount {
			bestDiff, bestCount = d, c
		}
	}
	ratio := float64(bestCount) / float64(len(diffs))
	validStep := bestDiff == 1 || bestDiff == 2 || bestDiff == 4 || bestDiff == 8 || bestDiff == 16
	return bestDiff, ratio > 0.7 && validStep
}

func (e *Engine) computePeriodicityBaseline(canID string, acc *accumulator) {
	acc.mu.Lock()
	timestamps := append([]float64(nil), acc.timestamps...)
	payloads := append([][]byte(nil), acc.payloads...)
	acc.mu.Unlock()

	if len(timestamps) < 10 {
		return
	}

	iats := make([]float64, 0, len(timestamps)-1)
	for i := 1; i < len(timestamps); i++ {
		iats = append(iats, timestamps[i]-timestamps[i-1])
	}

	periods := detectDominantPeriods(iats)
	score := periodicityScore(iats, periods)

	uniqueRatio, isMostlyStatic := analyzePayloadPeriodicity(payloads)

	e.cfg.UpdateLearnedData(config.LearnedUpdate{
		CANID:   canID,
		Section: "replay",
		Replay: &config.ReplaySettings{
			PeriodicityBaseline: &config.PeriodicityBaseline{
				DominantPeriods:    periods,
				PeriodTolerance:    0.1,
				PeriodicityScore:   score,
				IsPeriodic:         score > periodicityThreshold,
				UniquePayloadRatio: uniqueRatio,
				IsMostlyStatic:     isMostlyStatic,
			},
		},
	})
}

// detectDominantPeriods applies an FFT over the IAT sequence and converts the top-3
// non-zero-magnitude bins into candidate periods, falling back to [mean, median] when
// FFT yields nothing in the valid [1ms, 10s] range (spec §4.1, design note §9).
func detectDominantPeriods(iats []float64) []float64 {
	if len(iats) < minIATSamplesForFFT {
		return statisticalPeriods(iats)
	}

	fft := fourier.NewFFT(len(iats))
	coeffs := fft.Coefficients(nil, iats)

	type bin struct {
		freq float64
		mag  float64
	}
	var bins []bin
	for i := 1; i < len(coeffs); i++ {
		freq := float64(i) / float64(len(iats))
		mag := math.Hypot(real(coeffs[i]), imag(coeffs[i]))
		bins = append(bins, bin{freq: freq, mag: mag})
	}

	// selection sort for the top 3 — bins is small (len(iats)/2), no need for sort.Slice overhead.
	top := make([]bin, 0, 3)
	for len(top) < 3 && len(bins) > 0 {
		bestIdx := 0
		for i, b := range bins {
			if b.mag > bins[bestIdx].mag {
				bestIdx = i
			}
		}
		top = append(top, bins[bestIdx])
		bins[bestIdx] = bins[len(bins)-1]
		bins = bins[:len(bins)-1]
	}

	var periods []float64
	for _, b := range top {
		if b.freq == 0 {
			continue
		}
		period := 1.0 / b.freq
		if period >= periodMinSec && period <= periodMaxSec {
			periods = append(periods, period)
		}
	}
	if len(periods) == 0 {
		return statisticalPeriods(iats)
	}
	sortFloat64s(periods)
	return periods
}

func statisticalPeriods(iats []float64) []float64 {
	if len(iats) == 0 {
		return nil
	}
	s := canstat.Calculate(iats)
	var periods []float64
	if s.Mean >= periodMinSec && s.Mean <= periodMaxSec {
		periods = append(periods, s.Mean)
	}
	if s.Median >= periodMinSec && s.Median <= periodMaxSec && math.Abs(s.Median-s.Mean) > 0.001 {
		periods = append(periods, s.Median)
	}
	sortFloat64s(periods)
	return periods
}

func sortFloat64s(v []float64) {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j-1] > v[j]; j-- {
			v[j-1], v[j] = v[j], v[j-1]
		}
	}
}

// periodicityScore measures how tightly IATs cluster around the dominant period:
// 1 - mean(|iat-p|/p), floored at 0 (spec §4.1 / _calculate_periodicity_score).
func periodicityScore(iats []float64, periods []float64) float64 {
	if len(periods) == 0 || len(iats) == 0 {
		return 0
	}
	mainPeriod := periods[0]
	var sum float64
	for _, iat := range iats {
		sum += math.Abs(iat-mainPeriod) / mainPeriod
	}
	avgDeviation := sum / float64(len(iats))
	return math.Max(0, 1.0-avgDeviation)
}

func analyzePayloadPeriodicity(payloads [][]byte) (uniqueRatio float64, isMostlyStatic bool) {
	if len(payloads) == 0 {
		return 0, false
	}
	seen := map[string]struct{}{}
	for _, p := range payloads {
		seen[canhash.Payload(p)] = struct{}{}
	}
	ratio := float64(len(seen)) / float64(len(payloads))
	return ratio, ratio < staticPayloadRatio
}

// ShouldAutoAddID reports whether canID is eligible for shadow-learning promotion into
// the baseline set (spec §4.6's gate on the General Rules Detector's promotion path,
// grounded on original_source's should_auto_add_id).
func (e *Engine) ShouldAutoAddID(canID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, known := e.data[canID]; known {
		return false
	}
	return !e.learningCompleted
}

// LearningProgress reports the current learning-phase status (spec §4.1
// get_learning_progress), used by the observability surface's /stats endpoint.
type LearningProgress struct {
	Status        string
	ElapsedSec    float64
	TotalSec      float64
	ProgressRatio float64
	IDsLearned    int
	TotalFrames   int64
}

func (e *Engine) LearningProgress() LearningProgress {
	e.mu.RLock()
	defer e.mu.RUnlock()

	status := "not_started"
	switch {
	case e.learningCompleted:
		status = "completed"
	case e.learningActive:
		status = "active"
	}

	var elapsed float64
	if !e.learningStart.IsZero() {
		elapsed = time.Since(e.learningStart).Seconds()
	}
	total := e.learningDuration.Seconds()
	ratio := 0.0
	if total > 0 {
		ratio = math.Min(elapsed/total, 1.0)
	}

	var totalFrames int64
	for _, acc := range e.data {
		acc.mu.Lock()
		totalFrames += acc.frameCount
		acc.mu.Unlock()
	}

	return LearningProgress{
		Status:        status,
		ElapsedSec:    elapsed,
		TotalSec:      total,
		ProgressRatio: ratio,
		IDsLearned:    len(e.data),
		TotalFrames:   totalFrames,
	}
}
