package detect

import (
	"fmt"
	"sort"

	"github.com/skywalker-88/canwarden/internal/canframe"
	"github.com/skywalker-88/canwarden/internal/canstat"
	"github.com/skywalker-88/canwarden/internal/state"
	"github.com/skywalker-88/canwarden/pkg/config"
)

// entropyMinStddev floors a near-zero learned entropy stddev when the sigma deviation of
// a low-variance ID is computed, so it never divides by ~0 (tamper_detector.py's
// MIN_STDDEV). Whether the absolute-deviation check applies is decided by
// entropyLowVarianceEpsilon, not by this floor.
const entropyMinStddev = 0.01

// entropyLowVarianceEpsilon is the stddev below which an ID is treated as low-variance.
const entropyLowVarianceEpsilon = 1e-5

// TamperDetector flags payload content tampering against the learned baseline
// (spec §4.4): DLC whitelist violations, entropy anomalies, per-byte-position
// behavior violations (static/counter/variable), and whole-payload change ratio.
type TamperDetector struct{}

// NewTamperDetector constructs the Tamper Detector.
func NewTamperDetector() *TamperDetector { return &TamperDetector{} }

func (d *TamperDetector) Name() string { return "tamper" }

// Detect implements Detector (spec §4.4), grounded on tamper_detector.py's detect().
func (d *TamperDetector) Detect(f canframe.Frame, st *state.IDState, cfg *config.Store) []Alert {
	eff := cfg.EffectiveTamper(f.CANID)
	if eff.Enabled != nil && !*eff.Enabled {
		return nil
	}

	var alerts []Alert
	alerts = append(alerts, d.checkDLCAnomaly(f, eff)...)

	minDLC := eff.PayloadAnalysisMinDLC
	if minDLC == 0 {
		minDLC = 1
	}
	if f.DLC < minDLC {
		return alerts
	}

	alerts = append(alerts, d.checkEntropyAnomaly(f, eff)...)
	alerts = append(alerts, d.checkByteBehaviorAnomaly(f, st, eff)...)
	alerts = append(alerts, d.checkByteChangeRatio(f, st, eff)...)
	return alerts
}

// checkDLCAnomaly implements tamper_detector.py's _check_dlc_anomaly: flag any DLC not
// in the learned whitelist. Skipped entirely when no DLC baseline has been learned yet.
func (d *TamperDetector) checkDLCAnomaly(f canframe.Frame, eff config.TamperSettings) []Alert {
	if len(eff.LearnedDLCs) == 0 {
		return nil
	}
	for _, allowed := range eff.LearnedDLCs {
		if f.DLC == allowed {
			return nil
		}
	}

	severity := SeverityHigh
	if f.DLC > 8 || f.DLC < 0 {
		severity = SeverityCritical
	}

	sorted := append([]int(nil), eff.LearnedDLCs...)
	sort.Ints(sorted)

	details := fmt.Sprintf("DLC anomaly detected: current=%d, learned_dlcs=%v", f.DLC, sorted)
	ctx := map[string]any{
		"current_dlc":       f.DLC,
		"learned_dlcs":      sorted,
		"payload_length":    len(f.Payload),
		"dlc_learning_mode": eff.DLCLearningMode,
	}
	return []Alert{NewAlert(d.Name(), "tamper_dlc_anomaly", f, details, severity, ctx)}
}

// checkEntropyAnomaly implements tamper_detector.py's _check_entropy_anomaly: sigma
// check against the learned mean/stddev, falling back to an absolute-deviation check
// for IDs whose learned entropy stddev is near zero.
func (d *TamperDetector) checkEntropyAnomaly(f canframe.Frame, eff config.TamperSettings) []Alert {
	ep := eff.EntropyParams
	if ep.Enabled != nil && !*ep.Enabled {
		return nil
	}
	if len(f.Payload) == 0 {
		return nil
	}
	if ep.LearnedMean == nil || ep.LearnedStddev == nil {
		return nil
	}

	learnedMean := *ep.LearnedMean
	learnedStddev := *ep.LearnedStddev

	isLowVariance := learnedStddev < entropyLowVarianceEpsilon
	effectiveStddev := learnedStddev
	if isLowVariance {
		effectiveStddev = entropyMinStddev
	}

	currentEntropy := canstat.Entropy(f.Payload)
	deviation := currentEntropy - learnedMean
	if deviation < 0 {
		deviation = -deviation
	}

	sigmaThreshold := ep.SigmaThreshold
	if sigmaThreshold == 0 {
		sigmaThreshold = 3.0
	}
	absoluteThreshold := ep.AbsoluteThreshold
	if absoluteThreshold == 0 {
		absoluteThreshold = 0.1
	}

	sigmaDeviation := deviation / effectiveStddev
	isAnomaly := false
	if isLowVariance {
		isAnomaly = deviation > absoluteThreshold
	} else {
		isAnomaly = sigmaDeviation > sigmaThreshold
	}
	if !isAnomaly {
		return nil
	}

	severity := SeverityMedium
	if !isLowVariance && sigmaDeviation > sigmaThreshold*2 {
		severity = SeverityHigh
	}

	anomalyType := "sigma"
	detectionType := "sigma"
	threshold := sigmaThreshold
	if isLowVariance {
		anomalyType = "low-variance"
		detectionType = "absolute"
		threshold = absoluteThreshold
	}

	details := fmt.Sprintf("Entropy anomaly (%s) detected: current=%.3f, learned_mean=%.3f±%.3f, deviation=%.3f, threshold=%v",
		anomalyType, currentEntropy, learnedMean, learnedStddev, deviation, threshold)
	ctx := map[string]any{
		"current_entropy":        currentEntropy,
		"learned_mean_entropy":   learnedMean,
		"learned_stddev_entropy": learnedStddev,
		"deviation":              deviation,
		"sigma_threshold":        sigmaThreshold,
		"sigma_deviation":        sigmaDeviation,
		"payload_size":           len(f.Payload),
		"detection_type":         detectionType,
	}
	return []Alert{NewAlert(d.Name(), "entropy_anomaly", f, details, severity, ctx)}
}

// checkByteBehaviorAnomaly dispatches per-position checks from tamper_detector.py's
// _check_byte_behavior_anomaly over each learned ByteBehaviorProfile.
func (d *TamperDetector) checkByteBehaviorAnomaly(f canframe.Frame, st *state.IDState, eff config.TamperSettings) []Alert {
	bp := eff.ByteBehaviorParams
	if bp.Enabled != nil && !*bp.Enabled {
		return nil
	}
	if len(eff.ByteBehaviorProfiles) == 0 {
		return nil
	}

	var alerts []Alert
	for _, profile := range eff.ByteBehaviorProfiles {
		pos := profile.Position
		if pos < 0 || pos >= len(f.Payload) {
			continue
		}
		current := int(f.Payload[pos])

		switch profile.Kind {
		case "static":
			alerts = append(alerts, d.checkStaticByteMismatch(f, profile, pos, current, st, bp)...)
		case "counter":
			alerts = append(alerts, d.checkCounterByteAnomaly(f, profile, pos, current, st, bp)...)
		case "variable":
			alerts = append(alerts, d.checkVariableByteAnomaly(f, profile, pos, current)...)
		}
	}
	return alerts
}

// checkStaticByteMismatch implements tamper_detector.py's _check_static_byte_mismatch.
func (d *TamperDetector) checkStaticByteMismatch(f canframe.Frame, profile config.ByteBehaviorProfile, pos, current int, st *state.IDState, bp config.ByteBehaviorParams) []Alert {
	expected := profile.ExpectedValue

	if current == expected {
		st.StaticByteMismatchCounts[pos] = 0
		return nil
	}

	st.StaticByteMismatchCounts[pos]++

	threshold := bp.StaticByteMismatchThreshold
	if threshold == 0 {
		threshold = 1
	}
	if st.StaticByteMismatchCounts[pos] < threshold {
		return nil
	}

	severity := SeverityHigh
	diff := current - expected
	if diff < 0 {
		diff = -diff
	}
	if diff > 100 {
		severity = SeverityCritical
	}

	details := fmt.Sprintf("Static byte mismatch at position %d: current=0x%02X, expected=0x%02X, mismatch_count=%d, threshold=%d",
		pos, current, expected, st.StaticByteMismatchCounts[pos], threshold)
	ctx := map[string]any{
		"byte_position":      pos,
		"current_value":      current,
		"expected_value":     expected,
		"mismatch_count":     st.StaticByteMismatchCounts[pos],
		"mismatch_threshold": threshold,
		"value_difference":   current - expected,
	}
	return []Alert{NewAlert(d.Name(), "static_byte_mismatch", f, details, severity, ctx)}
}

// checkCounterByteAnomaly implements tamper_detector.py's _check_counter_byte_anomaly:
// the expected next value is last+step*(skip+1) mod 256 for skip in [0,allowed_skips],
// plus rollover-adjusted candidates when the profile says this counter rolls over.
func (d *TamperDetector) checkCounterByteAnomaly(f canframe.Frame, profile config.ByteBehaviorProfile, pos, current int, st *state.IDState, bp config.ByteBehaviorParams) []Alert {
	if bp.CounterByteParams.DetectSimpleCounters != nil && !*bp.CounterByteParams.DetectSimpleCounters {
		return nil
	}

	step := profile.Step
	if step == 0 {
		step = 1
	}
	maxValue := profile.MaxValue
	if maxValue == 0 {
		maxValue = 255
	}
	minValue := profile.MinValue
	allowedSkips := bp.CounterByteParams.AllowedCounterSkips
	if allowedSkips == 0 {
		allowedSkips = 1
	}

	if !st.CounterInitialized[pos] {
		st.CounterInitialized[pos] = true
		st.LastByteValuesForCounter[pos] = byte(current)
		return nil
	}

	lastValue := int(st.LastByteValuesForCounter[pos])

	var expectedValues []int
	for skip := 0; skip <= allowedSkips; skip++ {
		expectedValues = append(expectedValues, (lastValue+step*(skip+1))%256)
	}
	if profile.RolloverDetected {
		for skip := 0; skip <= allowedSkips; skip++ {
			if lastValue+step*(skip+1) > maxValue {
				rolloverValue := minValue + (lastValue + step*(skip+1) - maxValue - 1)
				expectedValues = append(expectedValues, ((rolloverValue%256)+256)%256)
			}
		}
	}

	st.LastByteValuesForCounter[pos] = byte(current)

	matched := false
	minExpected, maxExpected := expectedValues[0], expectedValues[0]
	for _, v := range expectedValues {
		if v == current {
			matched = true
		}
		if v < minExpected {
			minExpected = v
		}
		if v > maxExpected {
			maxExpected = v
		}
	}
	if matched {
		return nil
	}

	severity := SeverityMedium
	if current < minExpected-10 || current > maxExpected+10 {
		severity = SeverityHigh
	}

	details := fmt.Sprintf("Counter byte anomaly at position %d: current=0x%02X, last=0x%02X, expected_values=%v, step=%d, allowed_skips=%d",
		pos, current, lastValue, hexList(expectedValues), step, allowedSkips)
	ctx := map[string]any{
		"byte_position":     pos,
		"current_value":     current,
		"last_value":        lastValue,
		"expected_values":   expectedValues,
		"expected_step":     step,
		"allowed_skips":     allowedSkips,
		"rollover_detected": profile.RolloverDetected,
		"min_value":         minValue,
		"max_value":         maxValue,
	}
	return []Alert{NewAlert(d.Name(), "counter_byte_anomaly", f, details, severity, ctx)}
}

func hexList(vals []int) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = fmt.Sprintf("0x%02X", v)
	}
	return out
}

// checkVariableByteAnomaly implements tamper_detector.py's _check_variable_byte_anomaly:
// a basic learned-range check, low severity since variable bytes are expected to vary.
func (d *TamperDetector) checkVariableByteAnomaly(f canframe.Frame, profile config.ByteBehaviorProfile, pos, current int) []Alert {
	minVal, maxVal := profile.ValueRangeLow, profile.ValueRangeHigh
	if minVal == 0 && maxVal == 0 {
		minVal, maxVal = 0, 255
	}
	if current >= minVal && current <= maxVal {
		return nil
	}

	observed := profile.ObservedValues
	if len(observed) > 10 {
		observed = observed[:10]
	}

	details := fmt.Sprintf("Variable byte out of learned range at position %d: current=0x%02X, learned_range=[0x%02X, 0x%02X]",
		pos, current, minVal, maxVal)
	ctx := map[string]any{
		"byte_position":   pos,
		"current_value":   current,
		"learned_range":   []int{minVal, maxVal},
		"observed_values": observed,
	}
	return []Alert{NewAlert(d.Name(), "variable_byte_range_violation", f, details, SeverityLow, ctx)}
}

// checkByteChangeRatio implements tamper_detector.py's _check_byte_change_ratio: the
// last-payload snapshot is only advanced when this call produced no alert, so a single
// tampered frame never gets learned into the baseline it's about to be compared against.
func (d *TamperDetector) checkByteChangeRatio(f canframe.Frame, st *state.IDState, eff config.TamperSettings) []Alert {
	threshold := eff.ByteChangeRatioThreshold
	if threshold == 0 {
		threshold = 0.85
	}
	if threshold <= 0 || threshold > 1 {
		return nil
	}

	last := st.LastPayloadBytes
	if last == nil || len(last) != len(f.Payload) {
		st.LastPayloadBytes = append([]byte(nil), f.Payload...)
		return nil
	}

	ratio := canstat.ByteDifferenceRatio(last, f.Payload)
	if ratio <= threshold {
		st.LastPayloadBytes = append([]byte(nil), f.Payload...)
		return nil
	}

	changed := 0
	var changedPositions []int
	for i := range f.Payload {
		if f.Payload[i] != last[i] {
			changed++
			changedPositions = append(changedPositions, i)
		}
	}

	severity := SeverityMedium
	if ratio > 0.95 {
		severity = SeverityHigh
	}

	details := fmt.Sprintf("High byte change ratio: %.2f%% (%d/%d bytes changed), threshold=%.2f%%",
		ratio*100, changed, len(f.Payload), threshold*100)
	ctx := map[string]any{
		"change_ratio":       ratio,
		"changed_bytes":      changed,
		"total_bytes":        len(f.Payload),
		"threshold":          threshold,
		"current_payload":    f.PayloadHex(),
		"last_payload":       fmt.Sprintf("%X", last),
		"changed_positions":  changedPositions,
	}
	// last_payload_bytes deliberately left unadvanced here (spec §4.4): an alerted
	// frame must not be learned into the next comparison's baseline.
	return []Alert{NewAlert(d.Name(), "tamper_byte_change_ratio", f, details, severity, ctx)}
}
