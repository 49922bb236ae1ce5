package detect

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/skywalker-88/canwarden/internal/canframe"
	"github.com/skywalker-88/canwarden/internal/state"
	"github.com/skywalker-88/canwarden/pkg/config"
)

// BaselinePromoter is the narrow slice of the Baseline Engine the General Rules
// Detector needs for shadow-learning promotion (spec §4.6), kept as an interface so this
// package doesn't import internal/baseline directly.
type BaselinePromoter interface {
	ShouldAutoAddID(canID string) bool
}

// suspiciousIDs are exact-match CAN IDs the original flags regardless of numeric range
// (general_rules_detector.py's _is_suspicious_id literal set).
var suspiciousIDs = map[string]struct{}{
	"0X0000":     {},
	"0X7FF":      {},
	"0XFFFF":     {},
	"0X1FFFFFFF": {},
}

// diagnosticIDRangeLow, diagnosticIDRangeHigh bound the reserved diagnostic-ID range
// (0x7F0-0x7FF) the original also treats as suspicious.
const (
	diagnosticIDRangeLow  = 0x7F0
	diagnosticIDRangeHigh = 0x7FF
	extendedIDThreshold   = 0x1FFFFFFF
	standardIDThreshold   = 0x7FF
)

// GeneralRulesDetector flags unknown CAN IDs, either alerting immediately or running a
// shadow-learning window that can promote the ID into the baseline set (spec §4.6).
type GeneralRulesDetector struct {
	baseline BaselinePromoter
}

// NewGeneralRulesDetector constructs the General Rules Detector. baseline may be nil,
// in which case shadow-learning promotion never fires (matching the original's
// hasattr-guarded no-op when no baseline engine reference is wired).
func NewGeneralRulesDetector(baseline BaselinePromoter) *GeneralRulesDetector {
	return &GeneralRulesDetector{baseline: baseline}
}

func (d *GeneralRulesDetector) Name() string { return "general_rules" }

// Detect implements Detector (spec §4.6), grounded on general_rules_detector.py's
// detect()/_check_unknown_id().
func (d *GeneralRulesDetector) Detect(f canframe.Frame, st *state.IDState, cfg *config.Store) []Alert {
	settings := cfg.GeneralRules().DetectUnknownID
	if settings.Enabled != nil && !*settings.Enabled {
		return nil
	}
	if cfg.IsKnownID(f.CANID) {
		return nil
	}

	if settings.LearningMode == "shadow" {
		return d.handleShadowLearning(f, st, settings, cfg)
	}
	return d.handleImmediateAlert(f)
}

// handleShadowLearning implements _handle_shadow_learning: alert once on first sighting,
// then accumulate frame_count/duration in IDState until eligible for promotion.
func (d *GeneralRulesDetector) handleShadowLearning(f canframe.Frame, st *state.IDState, settings config.UnknownIDSettings, cfg *config.Store) []Alert {
	var alerts []Alert

	firstSighting := st.ShadowFrameCount == 0
	if firstSighting {
		st.ShadowFirstSeen = f.Timestamp
		details := fmt.Sprintf("Unknown CAN ID detected in shadow learning mode: %s", f.CANID)
		ctx := map[string]any{
			"learning_mode":      "shadow",
			"is_first_detection": true,
			"id_format":          analyzeIDFormat(f.CANID),
		}
		alerts = append(alerts, NewAlert(d.Name(), "unknown_id_detected", f, details, SeverityMedium, ctx))
	}
	st.ShadowFrameCount++

	if st.Promoted {
		return alerts
	}

	timeInShadow := f.Timestamp - st.ShadowFirstSeen
	autoAdd := settings.AutoAddToBaseline == nil || *settings.AutoAddToBaseline
	eligible := autoAdd &&
		timeInShadow >= settings.ShadowDurationSec &&
		st.ShadowFrameCount >= int64(settings.MinFramesForLearning) &&
		d.baseline != nil && d.baseline.ShouldAutoAddID(f.CANID)

	if !eligible {
		return alerts
	}

	cfg.AddKnownID(f.CANID)
	st.Promoted = true

	details := fmt.Sprintf("Unknown ID %s auto-added to baseline after shadow learning: duration=%.1fs, frames=%d",
		f.CANID, timeInShadow, st.ShadowFrameCount)
	ctx := map[string]any{
		"shadow_duration":        timeInShadow,
		"frame_count":            st.ShadowFrameCount,
		"min_required_duration":  settings.ShadowDurationSec,
		"min_required_frames":    settings.MinFramesForLearning,
		"auto_added":             true,
	}
	alerts = append(alerts, NewAlert(d.Name(), "unknown_id_auto_added", f, details, SeverityLow, ctx))
	return alerts
}

// handleImmediateAlert implements _handle_immediate_alert: every frame from an unknown
// ID alerts, with no learning window.
func (d *GeneralRulesDetector) handleImmediateAlert(f canframe.Frame) []Alert {
	severity := SeverityHigh
	details := fmt.Sprintf("Unknown CAN ID detected: %s", f.CANID)
	ctx := map[string]any{
		"learning_mode": "immediate_alert",
		"is_suspicious": isSuspiciousID(f.CANID),
		"id_format":     analyzeIDFormat(f.CANID),
	}
	return []Alert{NewAlert(d.Name(), "unknown_id_detected", f, details, severity, ctx)}
}

// isSuspiciousID implements _is_suspicious_id: IDs outside the valid 29-bit extended
// range, exact matches against a known-suspicious literal set, or inside the reserved
// diagnostic range are flagged regardless of learning mode.
func isSuspiciousID(canID string) bool {
	idInt, err := parseCANIDHex(canID)
	if err != nil {
		return true
	}
	if idInt > extendedIDThreshold {
		return true
	}
	if _, ok := suspiciousIDs[strings.ToUpper(canID)]; ok {
		return true
	}
	if idInt >= diagnosticIDRangeLow && idInt <= diagnosticIDRangeHigh {
		return true
	}
	return false
}

// analyzeIDFormat implements _analyze_id_format: the standard/extended classification
// and bit length used as alert evidence.
func analyzeIDFormat(canID string) map[string]any {
	idInt, err := parseCANIDHex(canID)
	if err != nil {
		return map[string]any{
			"hex_string":      canID,
			"decimal_value":   nil,
			"is_extended_id":  nil,
			"bit_length":      nil,
			"is_valid_format": false,
		}
	}
	return map[string]any{
		"hex_string":      strings.ToUpper(canID),
		"decimal_value":   idInt,
		"is_extended_id":  idInt > standardIDThreshold,
		"bit_length":      bitLength(idInt),
		"is_valid_format": true,
	}
}

func parseCANIDHex(canID string) (int64, error) {
	clean := strings.TrimPrefix(strings.TrimPrefix(strings.ToUpper(canID), "0X"), "0x")
	return strconv.ParseInt(clean, 16, 64)
}

func bitLength(v int64) int {
	n := 0
	for v > 0 {
		n++
		v >>= 1
	}
	return n
}
