// Package detect implements the four detector components (spec §4.3-§4.6): Drop,
// Tamper, Replay, and General Rules, sharing the Alert/Severity types and the
// panic-isolating error-handling wrapper defined here.
package detect

import (
	"fmt"
	"time"

	"github.com/skywalker-88/canwarden/internal/canframe"
	"github.com/skywalker-88/canwarden/internal/canhash"
	"github.com/skywalker-88/canwarden/internal/state"
	"github.com/skywalker-88/canwarden/pkg/config"
)

// Severity is the alert severity level (spec §3.2).
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// FrameSnapshot is the immutable frame-data portion of an Alert (spec §3.2), captured
// at alert-creation time so later frame mutation can never change a reported alert.
type FrameSnapshot struct {
	Timestamp   float64 `json:"timestamp"`
	CANID       string  `json:"can_id"`
	DLC         int     `json:"dlc"`
	PayloadHex  string  `json:"payload"`
	PayloadHash string  `json:"payload_hash"`
	RawText     string  `json:"raw_text"`
}

// Alert is the detector output record (spec §3.2). DetectionContext is a generic
// structured-evidence bag rather than one Go struct per alert type: the spec's JSON
// schema (§6.3) wants arbitrary detector-specific evidence round-tripped verbatim, and
// the detectors here produce a wide, growing variety of shapes (IAT ratios, entropy
// z-scores, byte positions, sequence fingerprints) that don't share a common field set —
// seeAlso DESIGN.md's note on this as the one deliberate exception to reifying detector
// output as tagged Go types.
type Alert struct {
	AlertType         string         `json:"alert_type"`
	CANID             string         `json:"can_id"`
	Details           string         `json:"details"`
	Timestamp         float64        `json:"timestamp"`
	Severity          Severity       `json:"severity"`
	FrameData         *FrameSnapshot `json:"frame_data,omitempty"`
	DetectionContext  map[string]any `json:"detection_context,omitempty"`
}

// ID returns the spec §6.3 alert_id format: "<can_id>_<alert_type>_<timestamp>".
func (a Alert) ID() string {
	return fmt.Sprintf("%s_%s_%v", a.CANID, a.AlertType, a.Timestamp)
}

func (a Alert) String() string {
	return fmt.Sprintf("Alert[%s] %s on ID %s: %s", a.Severity, a.AlertType, a.CANID, a.Details)
}

// NewAlert builds an Alert from a frame, stamping frame_data and detection_context the
// way original_source's _create_alert does: detector name and wall-clock detection time
// are always added to the context, and the frame's own timestamp (not wall-clock) is
// used as the alert timestamp.
func NewAlert(detectorName, alertType string, f canframe.Frame, details string, severity Severity, ctx map[string]any) Alert {
	if ctx == nil {
		ctx = map[string]any{}
	}
	ctx["detector"] = detectorName
	ctx["detection_time"] = float64(time.Now().UnixNano()) / 1e9

	return Alert{
		AlertType: alertType,
		CANID:     f.CANID,
		Details:   details,
		Timestamp: f.Timestamp,
		Severity:  severity,
		FrameData: &FrameSnapshot{
			Timestamp:   f.Timestamp,
			CANID:       f.CANID,
			DLC:         f.DLC,
			PayloadHex:  f.PayloadHex(),
			PayloadHash: canhash.Payload(f.Payload),
			RawText:     f.RawText,
		},
		DetectionContext: ctx,
	}
}

// Detector is the shared interface every detector component implements (spec §4.3-§4.6).
type Detector interface {
	Name() string
	Detect(f canframe.Frame, st *state.IDState, cfg *config.Store) []Alert
}

// Error is the DetectorError kind (spec §7): a detector-local failure that the pipeline
// logs and discards rather than propagating, so one misbehaving detector never stops
// the others from running on the same frame.
type Error struct {
	Detector string
	Cause    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("detector %s: %v", e.Detector, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError wraps cause as a detector-local Error.
func NewError(detector string, cause error) *Error {
	return &Error{Detector: detector, Cause: cause}
}
