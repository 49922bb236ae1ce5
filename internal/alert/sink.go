// Package alert implements the Alert Manager (spec §4.7): tiered throttling, bounded
// retention, and pluggable output sinks for detector alerts.
package alert

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/skywalker-88/canwarden/internal/detect"
)

// ansi severity colors, matching alert_manager.py's _get_severity_color.
const (
	colorReset    = "\033[0m"
	colorLow      = "\033[32m"
	colorMedium   = "\033[33m"
	colorHigh     = "\033[31m"
	colorCritical = "\033[35m"
	colorDefault  = "\033[37m"
)

func severityColor(s detect.Severity) string {
	switch s {
	case detect.SeverityLow:
		return colorLow
	case detect.SeverityMedium:
		return colorMedium
	case detect.SeverityHigh:
		return colorHigh
	case detect.SeverityCritical:
		return colorCritical
	default:
		return colorDefault
	}
}

// alertTimestamp prefers detection_context's detection_time (wall clock, stamped at
// alert-creation time) over the frame timestamp for human-facing output, matching the
// original's "fix timestamp issue" workaround in _output_to_console/_output_to_file.
func alertTimestamp(a detect.Alert) time.Time {
	if a.DetectionContext != nil {
		if v, ok := a.DetectionContext["detection_time"]; ok {
			if f, ok := v.(float64); ok && f != 0 {
				return time.Unix(0, int64(f*1e9))
			}
		}
	}
	return time.Unix(0, int64(a.Timestamp*1e9))
}

// Sink is one alert output destination. Sinks must be safe for concurrent Write calls
// only if the Manager's caller does not already serialize them — the Manager here calls
// sinks under its own lock, so implementations need not add their own.
type Sink interface {
	Write(a detect.Alert) error
	Close() error
}

// ConsoleSink writes one colorized text line per alert to an io.Writer (spec §4.7,
// grounded on _output_to_console's text format).
type ConsoleSink struct {
	out io.Writer
	log zerolog.Logger
}

// NewConsoleSink builds a ConsoleSink. A nil out defaults to os.Stdout.
func NewConsoleSink(out io.Writer, log zerolog.Logger) *ConsoleSink {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleSink{out: out, log: log}
}

func (s *ConsoleSink) Write(a detect.Alert) error {
	ts := alertTimestamp(a)
	line := fmt.Sprintf("%s [%s%s%s] ID:%s %s: %s\n",
		ts.Format("2006-01-02 15:04:05.000"),
		severityColor(a.Severity), string(a.Severity), colorReset,
		a.CANID, a.AlertType, a.Details)
	_, err := io.WriteString(s.out, line)
	return err
}

func (s *ConsoleSink) Close() error { return nil }

// FileSink appends one plain-text line per alert to a file, optionally including the
// detection context and frame snapshot (spec §4.7, grounded on _output_to_file).
type FileSink struct {
	f                *os.File
	includeContext   bool
	includeFrameData bool
}

// NewFileSink opens path for writing (truncating any prior content, matching the
// original's open(..., 'w')).
func NewFileSink(path string, includeContext, includeFrameData bool) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f, includeContext: includeContext, includeFrameData: includeFrameData}, nil
}

func (s *FileSink) Write(a detect.Alert) error {
	ts := alertTimestamp(a)
	line := fmt.Sprintf("%s [%s] ID:%s %s: %s",
		ts.Format("2006-01-02 15:04:05.000"), string(a.Severity), a.CANID, a.AlertType, a.Details)

	if s.includeContext && len(a.DetectionContext) > 0 {
		if b, err := json.Marshal(a.DetectionContext); err == nil {
			line += " | Context: " + string(b)
		}
	}
	if s.includeFrameData && a.FrameData != nil {
		line += fmt.Sprintf(" | Frame: DLC:%d Payload:%s", a.FrameData.DLC, a.FrameData.PayloadHex)
	}
	line += "\n"

	if _, err := io.WriteString(s.f, line); err != nil {
		return err
	}
	return s.f.Sync()
}

func (s *FileSink) Close() error { return s.f.Close() }

// JSONFileSink appends one JSON line per alert (spec §4.7, grounded on
// _output_to_json_file / alert.to_dict).
type JSONFileSink struct {
	f   *os.File
	enc *json.Encoder
}

// NewJSONFileSink opens path for writing, truncating any prior content.
func NewJSONFileSink(path string) (*JSONFileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &JSONFileSink{f: f, enc: json.NewEncoder(f)}, nil
}

func (s *JSONFileSink) Write(a detect.Alert) error {
	if err := s.enc.Encode(a); err != nil {
		return err
	}
	return s.f.Sync()
}

func (s *JSONFileSink) Close() error { return s.f.Close() }
