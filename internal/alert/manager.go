package alert

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/skywalker-88/canwarden/internal/detect"
	"github.com/skywalker-88/canwarden/pkg/config"
	"github.com/skywalker-88/canwarden/pkg/metrics"
)

const (
	throttleWindowSec  = 1.0
	defaultRetainedCap = 1000
	minRetainedCap     = 100
)

// Stats is a point-in-time snapshot of the Alert Manager's counters (spec §4.7
// get_alert_statistics).
type Stats struct {
	TotalAlerts         int64            `json:"total_alerts"`
	AlertsByType        map[string]int64 `json:"alerts_by_type"`
	AlertsByID          map[string]int64 `json:"alerts_by_id"`
	AlertsBySeverity    map[string]int64 `json:"alerts_by_severity"`
	ThrottledAlerts     int64            `json:"throttled_alerts"`
	LastAlertTime       *float64         `json:"last_alert_time,omitempty"`
	AlertsPerMinute     int              `json:"alerts_per_minute"`
	ActiveThrottles     int              `json:"active_throttles"`
	RecentAlertsCount   int              `json:"recent_alerts_count"`
	StatisticsTimestamp float64          `json:"statistics_timestamp"`
}

// Manager applies the three-tier throttle (global cooldown, per-ID rate, global rate),
// records a bounded recent-alert history, fans each surviving alert out to its sinks, and
// tracks reporting statistics (spec §4.7), grounded on alert_manager.py's AlertManager.
type Manager struct {
	mu  sync.Mutex
	cfg *config.Store
	log zerolog.Logger

	sinks []Sink

	idTimestamps      map[string]map[string][]float64
	globalTimestamps  map[string][]float64
	lastAlertTSAny    float64
	hasLastAlertTSAny bool

	recent       []detect.Alert
	retainedCap  int

	totalAlerts      int64
	alertsByType     map[string]int64
	alertsByID       map[string]int64
	alertsBySeverity map[string]int64
	throttledAlerts  int64
	lastAlertTime    *float64
}

// NewManager constructs a Manager. sinks are written to in order on every surviving
// alert; a sink failing does not stop the others (spec §4.7, _output_alert's
// per-destination try/except).
func NewManager(cfg *config.Store, log zerolog.Logger, sinks []Sink) *Manager {
	return &Manager{
		cfg:              cfg,
		log:              log,
		sinks:            sinks,
		idTimestamps:     make(map[string]map[string][]float64),
		globalTimestamps: make(map[string][]float64),
		alertsByType:     make(map[string]int64),
		alertsByID:       make(map[string]int64),
		alertsBySeverity: make(map[string]int64),
		retainedCap:      defaultRetainedCap,
	}
}

// Report applies throttling, then records, outputs, and counts the alert if it survives
// (spec §4.7 report_alert).
func (m *Manager) Report(a detect.Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reason, throttle := m.shouldThrottleLocked(a); throttle {
		m.throttledAlerts++
		metrics.AlertsThrottled.WithLabelValues(reason).Inc()
		m.log.Debug().Str("alert_type", a.AlertType).Str("can_id", a.CANID).Str("reason", reason).Msg("alert throttled")
		return
	}

	m.recordAlertLocked(a)
	m.outputAlertLocked(a)
	m.updateStatisticsLocked(a)
}

// shouldThrottleLocked implements _should_throttle_alert's three checks in order: a
// global cooldown since the last surviving alert of any kind, a per-ID-per-type rate
// limit, then a per-type global rate limit.
func (m *Manager) shouldThrottleLocked(a detect.Alert) (reason string, throttle bool) {
	throttleCfg := m.cfg.EffectiveThrottle()
	cooldownSec := float64(throttleCfg.CooldownMS) / 1000.0

	if m.hasLastAlertTSAny && a.Timestamp-m.lastAlertTSAny < cooldownSec {
		return "cooldown", true
	}
	if m.checkIDThrottleLocked(a.CANID, a.AlertType, a.Timestamp, throttleCfg.MaxAlertsPerIDPerSec) {
		return "per_id_rate", true
	}
	if m.checkGlobalThrottleLocked(a.AlertType, a.Timestamp, throttleCfg.GlobalMaxAlertsPerSec) {
		return "global_rate", true
	}
	return "", false
}

func (m *Manager) checkIDThrottleLocked(canID, alertType string, now float64, maxPerSec int) bool {
	byType, ok := m.idTimestamps[canID]
	if !ok {
		byType = make(map[string][]float64)
		m.idTimestamps[canID] = byType
	}
	ts := trimBefore(byType[alertType], now-throttleWindowSec)
	byType[alertType] = ts
	return len(ts) >= maxPerSec
}

func (m *Manager) checkGlobalThrottleLocked(alertType string, now float64, maxPerSec int) bool {
	ts := trimBefore(m.globalTimestamps[alertType], now-throttleWindowSec)
	m.globalTimestamps[alertType] = ts
	return len(ts) >= maxPerSec
}

// trimBefore drops leading timestamps at or before cutoff, matching the original's
// "pop from the front while stale" eviction (the slice is append-ordered, so the oldest
// entries are always at the front).
func trimBefore(ts []float64, cutoff float64) []float64 {
	i := 0
	for i < len(ts) && ts[i] <= cutoff {
		i++
	}
	if i == 0 {
		return ts
	}
	return append([]float64(nil), ts[i:]...)
}

func (m *Manager) recordAlertLocked(a detect.Alert) {
	byType, ok := m.idTimestamps[a.CANID]
	if !ok {
		byType = make(map[string][]float64)
		m.idTimestamps[a.CANID] = byType
	}
	byType[a.AlertType] = append(byType[a.AlertType], a.Timestamp)
	m.globalTimestamps[a.AlertType] = append(m.globalTimestamps[a.AlertType], a.Timestamp)
	m.lastAlertTSAny = a.Timestamp
	m.hasLastAlertTSAny = true

	m.recent = append(m.recent, a)
	if len(m.recent) > m.retainedCap {
		m.recent = m.recent[len(m.recent)-m.retainedCap:]
	}
	metrics.AlertsRetained.Set(float64(len(m.recent)))
}

func (m *Manager) outputAlertLocked(a detect.Alert) {
	for _, s := range m.sinks {
		if err := s.Write(a); err != nil {
			m.log.Error().Err(err).Str("alert_type", a.AlertType).Msg("alert sink write failed")
		}
	}
}

func (m *Manager) updateStatisticsLocked(a detect.Alert) {
	m.totalAlerts++
	m.alertsByType[a.AlertType]++
	m.alertsByID[a.CANID]++
	m.alertsBySeverity[string(a.Severity)]++
	ts := a.Timestamp
	m.lastAlertTime = &ts
	metrics.AlertsTotal.WithLabelValues(a.AlertType, string(a.Severity)).Inc()
}

// GetStatistics returns a snapshot of the manager's counters, grounded on
// get_alert_statistics. now is the wall-clock time to measure alerts_per_minute and
// active-throttle recency against.
func (m *Manager) GetStatistics(now time.Time) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	nowSec := float64(now.UnixNano()) / 1e9

	perMinute := 0
	for _, a := range m.recent {
		if nowSec-a.Timestamp <= 60 {
			perMinute++
		}
	}

	activeThrottles := 0
	for _, byType := range m.idTimestamps {
		for _, ts := range byType {
			if len(ts) > 0 && nowSec-ts[len(ts)-1] <= throttleWindowSec {
				activeThrottles++
			}
		}
	}

	return Stats{
		TotalAlerts:         m.totalAlerts,
		AlertsByType:        copyCounts(m.alertsByType),
		AlertsByID:          copyCounts(m.alertsByID),
		AlertsBySeverity:    copyCounts(m.alertsBySeverity),
		ThrottledAlerts:     m.throttledAlerts,
		LastAlertTime:       m.lastAlertTime,
		AlertsPerMinute:     perMinute,
		ActiveThrottles:     activeThrottles,
		RecentAlertsCount:   len(m.recent),
		StatisticsTimestamp: nowSec,
	}
}

func copyCounts(src map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// GetRecentAlerts returns at most the last limit alerts, oldest first.
func (m *Manager) GetRecentAlerts(limit int) []detect.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lastN(m.recent, limit)
}

// GetAlertsByID returns at most the last limit alerts for canID, oldest first.
func (m *Manager) GetAlertsByID(canID string, limit int) []detect.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []detect.Alert
	for _, a := range m.recent {
		if a.CANID == canID {
			matched = append(matched, a)
		}
	}
	return lastN(matched, limit)
}

// GetAlertsByType returns at most the last limit alerts of alertType, oldest first.
func (m *Manager) GetAlertsByType(alertType string, limit int) []detect.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []detect.Alert
	for _, a := range m.recent {
		if a.AlertType == alertType {
			matched = append(matched, a)
		}
	}
	return lastN(matched, limit)
}

func lastN(alerts []detect.Alert, limit int) []detect.Alert {
	if limit <= 0 || limit >= len(alerts) {
		out := make([]detect.Alert, len(alerts))
		copy(out, alerts)
		return out
	}
	out := make([]detect.Alert, limit)
	copy(out, alerts[len(alerts)-limit:])
	return out
}

// ReduceRetention halves the recent-alert ring buffer's capacity (floor 100) and purges
// throttle timestamps older than 60s, under memory pressure (spec §4.2/§4.7
// reduce_alert_retention).
func (m *Manager) ReduceRetention() {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldCap := m.retainedCap
	newCap := oldCap / 2
	if newCap < minRetainedCap {
		newCap = minRetainedCap
	}
	m.retainedCap = newCap
	if len(m.recent) > newCap {
		m.recent = m.recent[len(m.recent)-newCap:]
	}
	metrics.AlertsRetained.Set(float64(len(m.recent)))

	m.cleanupThrottleTimestampsLocked()
	m.log.Warn().Int("old_cap", oldCap).Int("new_cap", newCap).Msg("reduced alert retention under memory pressure")
}

// cleanupThrottleTimestampsLocked drops throttle timestamps older than 60s of the most
// recently recorded alert, matching _cleanup_throttle_timestamps.
func (m *Manager) cleanupThrottleTimestampsLocked() {
	cutoff := m.lastAlertTSAny - 60
	for canID, byType := range m.idTimestamps {
		for alertType, ts := range byType {
			trimmed := trimBefore(ts, cutoff)
			if len(trimmed) == 0 {
				delete(byType, alertType)
			} else {
				byType[alertType] = trimmed
			}
		}
		if len(byType) == 0 {
			delete(m.idTimestamps, canID)
		}
	}
	for alertType, ts := range m.globalTimestamps {
		trimmed := trimBefore(ts, cutoff)
		if len(trimmed) == 0 {
			delete(m.globalTimestamps, alertType)
		} else {
			m.globalTimestamps[alertType] = trimmed
		}
	}
}

// ExportToFile writes the subset of retained alerts within [startTime, endTime] (either
// bound nil-able) to filepath as json or csv (spec §4.7 export_alerts_to_file).
func (m *Manager) ExportToFile(filepath, format string, startTime, endTime *float64) error {
	m.mu.Lock()
	var filtered []detect.Alert
	for _, a := range m.recent {
		if startTime != nil && a.Timestamp < *startTime {
			continue
		}
		if endTime != nil && a.Timestamp > *endTime {
			continue
		}
		filtered = append(filtered, a)
	}
	m.mu.Unlock()

	f, err := os.Create(filepath)
	if err != nil {
		return err
	}
	defer f.Close()

	switch format {
	case "json":
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(filtered)
	case "csv":
		if _, err := fmt.Fprintln(f, "timestamp,severity,can_id,alert_type,details"); err != nil {
			return err
		}
		for _, a := range filtered {
			ts := alertTimestamp(a).Format(time.RFC3339)
			if _, err := fmt.Fprintf(f, "%s,%s,%s,%s,%q\n", ts, a.Severity, a.CANID, a.AlertType, a.Details); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("alert: unsupported export format %q", format)
	}
}

// Close closes every configured sink, collecting the first error but attempting all of
// them (spec §4.7 close()).
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
