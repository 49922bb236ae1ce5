package detect

import (
	"fmt"

	"github.com/skywalker-88/canwarden/internal/canframe"
	"github.com/skywalker-88/canwarden/internal/state"
	"github.com/skywalker-88/canwarden/pkg/config"
)

// dropSpecialFactor relaxes the sigma threshold for DLC=0 heartbeat-style frames
// (spec §4.3): the threshold sigma is multiplied by this factor rather than swapped
// for a second configured value, mirroring drop_detector.py's hard-coded 1.5.
const dropSpecialFactor = 1.5

// DropDetector flags missing/delayed frames against the learned inter-arrival-time
// baseline (spec §4.3): IAT-sigma anomalies, runs of consecutive missing frames, and
// absolute max-IAT-factor violations, with a relaxed special case for DLC=0 frames.
type DropDetector struct{}

// NewDropDetector constructs the Drop Detector.
func NewDropDetector() *DropDetector { return &DropDetector{} }

func (d *DropDetector) Name() string { return "drop" }

// Detect implements Detector (spec §4.3), grounded on drop_detector.py's detect().
func (d *DropDetector) Detect(f canframe.Frame, st *state.IDState, cfg *config.Store) []Alert {
	eff := cfg.EffectiveDrop(f.CANID)
	if eff.Enabled != nil && !*eff.Enabled {
		return nil
	}

	if eff.LearnedMeanIAT == nil || eff.LearnedStdIAT == nil {
		// No learned baseline for this ID yet; nothing to compare against.
		return nil
	}
	meanIAT := *eff.LearnedMeanIAT
	stdIAT := *eff.LearnedStdIAT
	medianIAT := meanIAT
	if eff.LearnedMedianIAT != nil {
		medianIAT = *eff.LearnedMedianIAT
	}

	currentIAT := st.LastIAT
	if st.FrameCount <= 1 {
		// First frame seen for this ID: no prior timestamp to compute an IAT from.
		return nil
	}

	var alerts []Alert
	alerts = append(alerts, d.checkIATAnomaly(f, st, currentIAT, meanIAT, stdIAT, eff.MissingFrameSigma)...)
	alerts = append(alerts, d.checkConsecutiveMissing(f, st, currentIAT, medianIAT, eff.ConsecutiveMissingAllowed)...)
	alerts = append(alerts, d.checkMaxIATFactor(f, currentIAT, medianIAT, meanIAT, eff.MaxIATFactor)...)
	if f.DLC == 0 && eff.TreatDLCZeroAsSpecial != nil && *eff.TreatDLCZeroAsSpecial {
		alerts = append(alerts, d.checkDLCZeroSpecial(f, currentIAT, meanIAT, stdIAT, eff.MissingFrameSigma)...)
	}
	return alerts
}

// checkIATAnomaly implements drop_detector.py's _check_iat_anomaly: flag when the
// current IAT exceeds mean + sigma*std (or mean*1.1 when std is zero).
func (d *DropDetector) checkIATAnomaly(f canframe.Frame, st *state.IDState, currentIAT, meanIAT, stdIAT, sigma float64) []Alert {
	var threshold float64
	if stdIAT == 0 {
		threshold = meanIAT * 1.1
	} else {
		threshold = meanIAT + sigma*stdIAT
	}

	if currentIAT <= threshold {
		st.ConsecutiveMissing = 0
		return nil
	}

	st.ConsecutiveMissing++

	severity := SeverityMedium
	if currentIAT > threshold*2 {
		severity = SeverityHigh
	}

	details := fmt.Sprintf("IAT anomaly detected: current=%.6fs, expected<=%.6fs (mean=%.6fs, std=%.6fs, sigma=%v)",
		currentIAT, threshold, meanIAT, stdIAT, sigma)
	ctx := map[string]any{
		"current_iat":      currentIAT,
		"threshold":        threshold,
		"learned_mean":     meanIAT,
		"learned_std":      stdIAT,
		"sigma_threshold":  sigma,
		"consecutive_count": st.ConsecutiveMissing,
	}
	return []Alert{NewAlert(d.Name(), "iat_anomaly", f, details, severity, ctx)}
}

// checkConsecutiveMissing implements drop_detector.py's _check_consecutive_missing.
func (d *DropDetector) checkConsecutiveMissing(f canframe.Frame, st *state.IDState, currentIAT, medianIAT float64, allowed int) []Alert {
	count := st.ConsecutiveMissing
	if count <= allowed {
		return nil
	}

	severity := SeverityHigh
	if count > allowed*2 {
		severity = SeverityCritical
	}

	estimatedMissing := 1
	if medianIAT > 0 {
		if n := int(currentIAT/medianIAT) - 1; n > 1 {
			estimatedMissing = n
		}
	}

	details := fmt.Sprintf("Consecutive missing frames detected: count=%d, allowed<=%d, current_iat=%.6fs",
		count, allowed, currentIAT)
	ctx := map[string]any{
		"consecutive_count":        count,
		"consecutive_allowed":      allowed,
		"current_iat":              currentIAT,
		"estimated_missing_frames": estimatedMissing,
	}
	return []Alert{NewAlert(d.Name(), "consecutive_missing_frames", f, details, severity, ctx)}
}

// checkMaxIATFactor implements drop_detector.py's _check_max_iat_factor: baseline_iat
// prefers the learned median, falling back to the mean when no median is available.
func (d *DropDetector) checkMaxIATFactor(f canframe.Frame, currentIAT, medianIAT, meanIAT, factor float64) []Alert {
	baselineIAT := medianIAT
	if baselineIAT <= 0 {
		baselineIAT = meanIAT
	}
	if baselineIAT <= 0 {
		return nil
	}

	maxAllowed := baselineIAT * factor
	if currentIAT <= maxAllowed {
		return nil
	}

	severity := SeverityMedium
	if currentIAT > maxAllowed*2 {
		severity = SeverityHigh
	}

	violationRatio := currentIAT / maxAllowed

	details := fmt.Sprintf("IAT exceeded max factor: current=%.6fs, max_allowed=%.6fs (baseline=%.6fs * factor=%v)",
		currentIAT, maxAllowed, baselineIAT, factor)
	ctx := map[string]any{
		"current_iat":     currentIAT,
		"max_allowed_iat": maxAllowed,
		"baseline_iat":    baselineIAT,
		"max_iat_factor":  factor,
		"violation_ratio": violationRatio,
	}
	return []Alert{NewAlert(d.Name(), "iat_max_factor_violation", f, details, severity, ctx)}
}

// checkDLCZeroSpecial implements drop_detector.py's _check_dlc_zero_special: DLC=0
// frames (often heartbeats) get a 50%-relaxed threshold rather than the normal one.
func (d *DropDetector) checkDLCZeroSpecial(f canframe.Frame, currentIAT, meanIAT, stdIAT, sigma float64) []Alert {
	var threshold float64
	if stdIAT == 0 {
		threshold = meanIAT * (1 + dropSpecialFactor)
	} else {
		threshold = meanIAT + (sigma*dropSpecialFactor)*stdIAT
	}

	if currentIAT <= threshold {
		return nil
	}

	details := fmt.Sprintf("DLC=0 frame timing anomaly: current=%.6fs, special_threshold=%.6fs (relaxed by factor %v)",
		currentIAT, threshold, dropSpecialFactor)
	ctx := map[string]any{
		"current_iat":       currentIAT,
		"special_threshold": threshold,
		"special_factor":    dropSpecialFactor,
		"frame_dlc":         f.DLC,
	}
	return []Alert{NewAlert(d.Name(), "dlc_zero_timing_anomaly", f, details, SeverityLow, ctx)}
}
