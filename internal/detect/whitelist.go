package detect

// PeriodicWhitelistEntry is one compiled-in known-periodic-ID record: the set of
// historically observed inter-arrival intervals (milliseconds) and the tolerance band
// around them used by the fast-replay check (spec §4.5).
type PeriodicWhitelistEntry struct {
	ExpectedIntervalsMS []float64
	ToleranceMS         float64
}

// periodicWhitelist is the compiled-in table of known-periodic CAN IDs, ported verbatim
// from original_source/config/whitelist_config.py's _periodic_whitelist. It resolves
// Open Question #2 as the always-available default; a per-ID config
// replay.whitelist_override (pkg/config/types.go WhitelistOverride) takes precedence
// when present, so the table never needs hand-editing for one-off deployments.
var periodicWhitelist = map[string]PeriodicWhitelistEntry{
	"0x0018": {ExpectedIntervalsMS: []float64{200}, ToleranceMS: 19},
	"0x0034": {ExpectedIntervalsMS: []float64{1000}, ToleranceMS: 100},
	"0x0042": {ExpectedIntervalsMS: []float64{1000}, ToleranceMS: 100},
	"0x0043": {ExpectedIntervalsMS: []float64{1000}, ToleranceMS: 100},
	"0x0044": {ExpectedIntervalsMS: []float64{1000}, ToleranceMS: 100},
	"0x0050": {ExpectedIntervalsMS: []float64{200}, ToleranceMS: 19},
	"0x0080": {ExpectedIntervalsMS: []float64{10}, ToleranceMS: 1},
	"0x0081": {ExpectedIntervalsMS: []float64{10}, ToleranceMS: 1},
	"0x00A0": {ExpectedIntervalsMS: []float64{99, 100, 98}, ToleranceMS: 10},
	"0x00A1": {ExpectedIntervalsMS: []float64{99, 100}, ToleranceMS: 10},
	"0x0110": {ExpectedIntervalsMS: []float64{100}, ToleranceMS: 10},
	"0x0120": {ExpectedIntervalsMS: []float64{200}, ToleranceMS: 20},
	"0x0165": {ExpectedIntervalsMS: []float64{10}, ToleranceMS: 1},
	"0x018F": {ExpectedIntervalsMS: []float64{10, 9, 11}, ToleranceMS: 1},
	"0x0260": {ExpectedIntervalsMS: []float64{10, 9, 11}, ToleranceMS: 1},
	"0x02A0": {ExpectedIntervalsMS: []float64{10, 9, 11}, ToleranceMS: 1},
	"0x02B0": {ExpectedIntervalsMS: []float64{10}, ToleranceMS: 1},
	"0x0316": {ExpectedIntervalsMS: []float64{10, 9, 11}, ToleranceMS: 1},
	"0x0329": {ExpectedIntervalsMS: []float64{10, 9, 11}, ToleranceMS: 1},
	"0x0350": {ExpectedIntervalsMS: []float64{20}, ToleranceMS: 2},
	"0x0370": {ExpectedIntervalsMS: []float64{10}, ToleranceMS: 1},
	"0x0382": {ExpectedIntervalsMS: []float64{20, 21, 19}, ToleranceMS: 2},
	"0x043F": {ExpectedIntervalsMS: []float64{10}, ToleranceMS: 1},
	"0x0440": {ExpectedIntervalsMS: []float64{10}, ToleranceMS: 1},
	"0x04F0": {ExpectedIntervalsMS: []float64{20, 19, 21}, ToleranceMS: 2},
	"0x04F1": {ExpectedIntervalsMS: []float64{100}, ToleranceMS: 10},
	"0x04F2": {ExpectedIntervalsMS: []float64{20, 21, 19}, ToleranceMS: 2},
	"0x0510": {ExpectedIntervalsMS: []float64{100}, ToleranceMS: 10},
	"0x0517": {ExpectedIntervalsMS: []float64{200, 201, 199}, ToleranceMS: 20},
	"0x051A": {ExpectedIntervalsMS: []float64{200, 199, 201}, ToleranceMS: 20},
	"0x0545": {ExpectedIntervalsMS: []float64{10, 11, 9}, ToleranceMS: 1},
	"0x0587": {ExpectedIntervalsMS: []float64{100}, ToleranceMS: 10},
	"0x059B": {ExpectedIntervalsMS: []float64{100, 101, 99}, ToleranceMS: 10},
	"0x05E4": {ExpectedIntervalsMS: []float64{100, 99, 101}, ToleranceMS: 10},
	"0x05F0": {ExpectedIntervalsMS: []float64{200}, ToleranceMS: 20},
	"0x0690": {ExpectedIntervalsMS: []float64{100, 99, 101}, ToleranceMS: 10},
}

// lookupWhitelist resolves the effective periodic-whitelist entry for canID: an
// explicit per-ID config override wins over the compiled-in table (spec Open
// Question #2), and a miss in both returns ok=false.
func lookupWhitelist(canID string, override *PeriodicWhitelistEntry) (PeriodicWhitelistEntry, bool) {
	if override != nil {
		return *override, true
	}
	e, ok := periodicWhitelist[canID]
	return e, ok
}

// withinTolerance reports whether intervalMS is within any of the entry's expected
// intervals plus its tolerance band.
func (e PeriodicWhitelistEntry) withinTolerance(intervalMS float64) bool {
	for _, expected := range e.ExpectedIntervalsMS {
		diff := intervalMS - expected
		if diff < 0 {
			diff = -diff
		}
		if diff <= e.ToleranceMS {
			return true
		}
	}
	return false
}

// minExpectedIntervalMS returns the smallest of this entry's expected intervals.
func (e PeriodicWhitelistEntry) minExpectedIntervalMS() float64 {
	min := e.ExpectedIntervalsMS[0]
	for _, v := range e.ExpectedIntervalsMS[1:] {
		if v < min {
			min = v
		}
	}
	return min
}
