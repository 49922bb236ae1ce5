// Package config implements the layered Config Store (spec §3.5, §4.8): JSON load with
// default-merging, versioned writeback, an observer registry, and effective-setting
// resolution (per-ID override, else global).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	koanfjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog/log"
)

// Error is the fatal configuration error kind (spec §7 ConfigError): missing file,
// malformed JSON, or an unmarshal failure.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

func newError(format string, args ...any) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// Observer is notified after every writeback with the (can_id, section, key) that changed.
type Observer func(canID, section, key string)

// Store wraps a loaded Config with the runtime behaviors spec §4.8 requires beyond a
// static unmarshal: versioning, observers, and a known-ID registry. All mutation goes
// through a single mutex, mirroring the reference's internal RLock.
type Store struct {
	mu               sync.RWMutex
	filepath         string
	cfg              Config
	knownIDs         map[string]struct{}
	observers        []Observer
	version          int
	ValidationErrors []string
}

// Load parses filepath as JSON (spec §4.8 "parse a JSON file on initialization"),
// merges structural defaults, and validates. Load failures are *Error (fatal, spec §7).
func Load(filepath string) (*Store, error) {
	if _, err := os.Stat(filepath); err != nil {
		return nil, newError("configuration file not found: %s", filepath)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(filepath), koanfjson.Parser()); err != nil {
		return nil, newError("invalid JSON in configuration file: %v", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, newError("error unmarshalling configuration: %v", err)
	}

	s := &Store{
		filepath: filepath,
		cfg:      cfg,
	}
	s.applyDefaults()
	s.knownIDs = make(map[string]struct{}, len(s.cfg.IDs))
	for id := range s.cfg.IDs {
		s.knownIDs[id] = struct{}{}
	}
	s.validate()

	if len(s.ValidationErrors) > 0 {
		log.Warn().Int("count", len(s.ValidationErrors)).Msg("configuration validation found issues")
		for _, e := range s.ValidationErrors {
			log.Warn().Str("issue", e).Msg("config validation")
		}
	}

	return s, nil
}

// applyDefaults fills every zero-valued field of global_settings with the spec §6.2
// defaults. Per-ID sections are left untouched: a zero value there correctly means
// "fall back to global", resolved later by the Effective* accessors.
func (s *Store) applyDefaults() {
	g := &s.cfg.GlobalSettings

	if g.LearningParams.InitialLearningWindowSec == 0 {
		g.LearningParams.InitialLearningWindowSec = 60
	}
	if g.LearningParams.BaselineUpdateIntervalSec == 0 {
		g.LearningParams.BaselineUpdateIntervalSec = 15
	}
	if g.LearningParams.MinSamplesForStableBaseline == 0 {
		g.LearningParams.MinSamplesForStableBaseline = 100
	}

	if g.Drop.MissingFrameSigma == 0 {
		g.Drop.MissingFrameSigma = 3.5
	}
	if g.Drop.ConsecutiveMissingAllowed == 0 {
		g.Drop.ConsecutiveMissingAllowed = 2
	}
	if g.Drop.MaxIATFactor == 0 {
		g.Drop.MaxIATFactor = 2.5
	}
	if g.Drop.TreatDLCZeroAsSpecial == nil {
		t := true
		g.Drop.TreatDLCZeroAsSpecial = &t
	}

	if g.Tamper.PayloadAnalysisMinDLC == 0 {
		g.Tamper.PayloadAnalysisMinDLC = 1
	}
	if g.Tamper.DLCLearningMode == "" {
		g.Tamper.DLCLearningMode = "strict_whitelist"
	}
	if g.Tamper.EntropyParams.SigmaThreshold == 0 {
		g.Tamper.EntropyParams.SigmaThreshold = 3.0
	}
	if g.Tamper.EntropyParams.AbsoluteThreshold == 0 {
		g.Tamper.EntropyParams.AbsoluteThreshold = 0.1
	}
	if g.Tamper.EntropyParams.LearningMode == "" {
		g.Tamper.EntropyParams.LearningMode = "per_id_baseline"
	}
	if g.Tamper.ByteBehaviorParams.LearningWindowMinChangesForVariable == 0 {
		g.Tamper.ByteBehaviorParams.LearningWindowMinChangesForVariable = 5
	}
	if g.Tamper.ByteBehaviorParams.StaticByteMismatchThreshold == 0 {
		g.Tamper.ByteBehaviorParams.StaticByteMismatchThreshold = 1
	}
	if g.Tamper.ByteBehaviorParams.CounterByteParams.MaxValueBeforeRolloverGuess == 0 {
		g.Tamper.ByteBehaviorParams.CounterByteParams.MaxValueBeforeRolloverGuess = 255
	}
	if g.Tamper.ByteBehaviorParams.CounterByteParams.AllowedCounterSkips == 0 {
		g.Tamper.ByteBehaviorParams.CounterByteParams.AllowedCounterSkips = 1
	}
	if g.Tamper.ByteBehaviorParams.CounterByteParams.DetectSimpleCounters == nil {
		t := true
		g.Tamper.ByteBehaviorParams.CounterByteParams.DetectSimpleCounters = &t
	}
	if g.Tamper.ByteChangeRatioThreshold == 0 {
		g.Tamper.ByteChangeRatioThreshold = 0.85
	}

	if g.Replay.MinIATFactorForFastReplay == 0 {
		g.Replay.MinIATFactorForFastReplay = 0.3
	}
	if g.Replay.AbsoluteMinIATMs == 0 {
		g.Replay.AbsoluteMinIATMs = 0.2
	}
	if g.Replay.IdenticalPayloadParams.TimeWindowMS == 0 {
		g.Replay.IdenticalPayloadParams.TimeWindowMS = 1000
	}
	if g.Replay.IdenticalPayloadParams.RepetitionThreshold == 0 {
		g.Replay.IdenticalPayloadParams.RepetitionThreshold = 4
	}
	if g.Replay.SequenceReplayParams.SequenceLength == 0 {
		g.Replay.SequenceReplayParams.SequenceLength = 5
	}
	if g.Replay.SequenceReplayParams.MaxSequenceAgeSec == 0 {
		g.Replay.SequenceReplayParams.MaxSequenceAgeSec = 300
	}
	if g.Replay.SequenceReplayParams.MinIntervalBetweenSequencesSec == 0 {
		g.Replay.SequenceReplayParams.MinIntervalBetweenSequencesSec = 10
	}

	if g.Throttle.MaxAlertsPerIDPerSec == 0 {
		g.Throttle.MaxAlertsPerIDPerSec = 3
	}
	if g.Throttle.GlobalMaxAlertsPerSec == 0 {
		g.Throttle.GlobalMaxAlertsPerSec = 20
	}
	if g.Throttle.CooldownMS == 0 {
		g.Throttle.CooldownMS = 250
	}

	gr := &s.cfg.GeneralRules.DetectUnknownID
	if gr.LearningMode == "" {
		gr.LearningMode = "shadow"
	}
	if gr.Enabled == nil {
		t := true
		gr.Enabled = &t
	}
	if gr.AutoAddToBaseline == nil {
		t := true
		gr.AutoAddToBaseline = &t
	}
	if gr.ShadowDurationSec == 0 {
		gr.ShadowDurationSec = 600
	}
	if gr.MinFramesForLearning == 0 {
		gr.MinFramesForLearning = 50
	}

	if s.cfg.IDs == nil {
		s.cfg.IDs = make(map[string]IDSettings)
	}
}

func (s *Store) validate() {
	g := s.cfg.GlobalSettings
	if g.LearningParams.InitialLearningWindowSec <= 0 {
		s.ValidationErrors = append(s.ValidationErrors, "initial_learning_window_sec must be positive")
	}
	if g.LearningParams.MinSamplesForStableBaseline <= 0 {
		s.ValidationErrors = append(s.ValidationErrors, "min_samples_for_stable_baseline must be positive")
	}
	if g.Drop.MissingFrameSigma <= 0 {
		s.ValidationErrors = append(s.ValidationErrors, "missing_frame_sigma must be positive")
	}
	if g.Tamper.EntropyParams.SigmaThreshold <= 0 {
		s.ValidationErrors = append(s.ValidationErrors, "entropy sigma_threshold must be positive")
	}
	if r := g.Tamper.ByteChangeRatioThreshold; r <= 0 || r > 1.0 {
		s.ValidationErrors = append(s.ValidationErrors, "byte_change_ratio_threshold must be between 0 and 1")
	}
	if g.LearningParams.BaselineUpdateIntervalSec >= g.LearningParams.InitialLearningWindowSec {
		s.ValidationErrors = append(s.ValidationErrors,
			"baseline_update_interval_sec should be less than initial_learning_window_sec")
	}
}

// Version returns the current config_version (spec §3.5): it increments monotonically
// on every writeback and is used by detector caches to detect staleness.
func (s *Store) Version() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// AddObserver registers a callback invoked with (can_id, section, key) on every writeback.
func (s *Store) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

func (s *Store) notify(canID, section, key string) {
	for _, o := range s.observers {
		o(canID, section, key)
	}
}

// IsKnownID reports whether can_id is in the known-ID registry.
func (s *Store) IsKnownID(canID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.knownIDs[canID]
	return ok
}

// AddKnownID registers can_id as known, creating an empty per-ID subtree if absent, and
// notifies observers.
func (s *Store) AddKnownID(canID string) {
	s.mu.Lock()
	if _, ok := s.knownIDs[canID]; ok {
		s.mu.Unlock()
		return
	}
	s.knownIDs[canID] = struct{}{}
	if _, ok := s.cfg.IDs[canID]; !ok {
		s.cfg.IDs[canID] = IDSettings{}
	}
	s.version++
	s.mu.Unlock()
	s.notify(canID, "ids", "known")
}

// KnownIDs returns a snapshot copy of the known-ID set.
func (s *Store) KnownIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.knownIDs))
	for id := range s.knownIDs {
		out = append(out, id)
	}
	return out
}

// GlobalSettings returns a copy of the global settings section.
func (s *Store) GlobalSettings() GlobalSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.GlobalSettings
}

// GeneralRules returns a copy of the general_rules section.
func (s *Store) GeneralRules() GeneralRules {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.GeneralRules
}

// IDSettings returns the per-ID override subtree for canID, or the zero value if absent.
func (s *Store) IDSettings(canID string) IDSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.IDs[canID]
}

// SetIDSettings replaces the per-ID override subtree for canID wholesale. Used to
// restore a previously persisted learned baseline at startup (spec §3.4/§9's optional
// durable-cache discussion), bypassing the field-by-field merge UpdateLearnedData does
// for live writeback since a restore has no existing in-memory state to merge against.
func (s *Store) SetIDSettings(canID string, settings IDSettings) {
	s.mu.Lock()
	if s.cfg.IDs == nil {
		s.cfg.IDs = make(map[string]IDSettings)
	}
	s.cfg.IDs[canID] = settings
	s.knownIDs[canID] = struct{}{}
	s.version++
	s.mu.Unlock()
	s.notify(canID, "restore", "learned")
}

// RedisSettings returns a copy of the redis config section.
func (s *Store) RedisSettings() RedisSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Redis
}

// EffectiveDrop resolves the effective Drop Detector settings for canID: an explicit
// per-ID override field wins, otherwise the global value is used (spec §4.8
// get_effective_setting, id-first-then-global-fallback).
func (s *Store) EffectiveDrop(canID string) DropSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	eff := s.cfg.GlobalSettings.Drop
	if id, ok := s.cfg.IDs[canID]; ok {
		d := id.Drop
		if d.Enabled != nil {
			eff.Enabled = d.Enabled
		}
		if d.MissingFrameSigma != 0 {
			eff.MissingFrameSigma = d.MissingFrameSigma
		}
		if d.ConsecutiveMissingAllowed != 0 {
			eff.ConsecutiveMissingAllowed = d.ConsecutiveMissingAllowed
		}
		if d.MaxIATFactor != 0 {
			eff.MaxIATFactor = d.MaxIATFactor
		}
		if d.TreatDLCZeroAsSpecial != nil {
			eff.TreatDLCZeroAsSpecial = d.TreatDLCZeroAsSpecial
		}
		if d.LearnedMeanIAT != nil {
			eff.LearnedMeanIAT = d.LearnedMeanIAT
		}
		if d.LearnedStdIAT != nil {
			eff.LearnedStdIAT = d.LearnedStdIAT
		}
		if d.LearnedMedianIAT != nil {
			eff.LearnedMedianIAT = d.LearnedMedianIAT
		}
		if d.MinIAT != nil {
			eff.MinIAT = d.MinIAT
		}
		if d.MaxIAT != nil {
			eff.MaxIAT = d.MaxIAT
		}
		if d.IATCount != nil {
			eff.IATCount = d.IATCount
		}
	}
	return eff
}

// EffectiveTamper resolves the effective Tamper Detector settings for canID.
func (s *Store) EffectiveTamper(canID string) TamperSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	eff := s.cfg.GlobalSettings.Tamper
	if id, ok := s.cfg.IDs[canID]; ok {
		t := id.Tamper
		if t.Enabled != nil {
			eff.Enabled = t.Enabled
		}
		if t.DLCLearningMode != "" {
			eff.DLCLearningMode = t.DLCLearningMode
		}
		if t.PayloadAnalysisMinDLC != 0 {
			eff.PayloadAnalysisMinDLC = t.PayloadAnalysisMinDLC
		}
		if t.ByteChangeRatioThreshold != 0 {
			eff.ByteChangeRatioThreshold = t.ByteChangeRatioThreshold
		}
		if len(t.LearnedDLCs) > 0 {
			eff.LearnedDLCs = t.LearnedDLCs
		}
		if len(t.ByteBehaviorProfiles) > 0 {
			eff.ByteBehaviorProfiles = t.ByteBehaviorProfiles
		}
		ep := t.EntropyParams
		if ep.SigmaThreshold != 0 {
			eff.EntropyParams.SigmaThreshold = ep.SigmaThreshold
		}
		if ep.AbsoluteThreshold != 0 {
			eff.EntropyParams.AbsoluteThreshold = ep.AbsoluteThreshold
		}
		if ep.LearningMode != "" {
			eff.EntropyParams.LearningMode = ep.LearningMode
		}
		if ep.LearnedMean != nil {
			eff.EntropyParams.LearnedMean = ep.LearnedMean
		}
		if ep.LearnedStddev != nil {
			eff.EntropyParams.LearnedStddev = ep.LearnedStddev
		}
		if ep.MinEntropy != nil {
			eff.EntropyParams.MinEntropy = ep.MinEntropy
		}
		if ep.MaxEntropy != nil {
			eff.EntropyParams.MaxEntropy = ep.MaxEntropy
		}
		if ep.EntropyCount != nil {
			eff.EntropyParams.EntropyCount = ep.EntropyCount
		}
	}
	return eff
}

// EffectiveReplay resolves the effective Replay Detector settings for canID.
func (s *Store) EffectiveReplay(canID string) ReplaySettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	eff := s.cfg.GlobalSettings.Replay
	if id, ok := s.cfg.IDs[canID]; ok {
		r := id.Replay
		if r.MinIATFactorForFastReplay != 0 {
			eff.MinIATFactorForFastReplay = r.MinIATFactorForFastReplay
		}
		if r.AbsoluteMinIATMs != 0 {
			eff.AbsoluteMinIATMs = r.AbsoluteMinIATMs
		}
		if r.MinExpectedIATMs != nil {
			eff.MinExpectedIATMs = r.MinExpectedIATMs
		}
		if r.PeriodicityBaseline != nil {
			eff.PeriodicityBaseline = r.PeriodicityBaseline
		}
		if r.WhitelistOverride != nil {
			eff.WhitelistOverride = r.WhitelistOverride
		}
		if r.IdenticalPayloadParams.Enabled != nil {
			eff.IdenticalPayloadParams.Enabled = r.IdenticalPayloadParams.Enabled
		}
		if r.IdenticalPayloadParams.TimeWindowMS != 0 {
			eff.IdenticalPayloadParams.TimeWindowMS = r.IdenticalPayloadParams.TimeWindowMS
		}
		if r.IdenticalPayloadParams.RepetitionThreshold != 0 {
			eff.IdenticalPayloadParams.RepetitionThreshold = r.IdenticalPayloadParams.RepetitionThreshold
		}
		if r.SequenceReplayParams.Enabled != nil {
			eff.SequenceReplayParams.Enabled = r.SequenceReplayParams.Enabled
		}
		if r.SequenceReplayParams.SequenceLength != 0 {
			eff.SequenceReplayParams.SequenceLength = r.SequenceReplayParams.SequenceLength
		}
		if r.SequenceReplayParams.MaxSequenceAgeSec != 0 {
			eff.SequenceReplayParams.MaxSequenceAgeSec = r.SequenceReplayParams.MaxSequenceAgeSec
		}
		if r.SequenceReplayParams.MinIntervalBetweenSequencesSec != 0 {
			eff.SequenceReplayParams.MinIntervalBetweenSequencesSec = r.SequenceReplayParams.MinIntervalBetweenSequencesSec
		}
	}
	return eff
}

// EffectiveThrottle returns the global throttle settings (spec §4.7: throttling has no
// per-ID override surface).
func (s *Store) EffectiveThrottle() ThrottleSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.GlobalSettings.Throttle
}

// LearnedUpdate carries one section's worth of learned-data writeback for a single ID
// (spec §4.8 update_learned_data).
type LearnedUpdate struct {
	CANID   string
	Section string // "drop" | "tamper" | "replay"
	Drop    *DropSettings
	Tamper  *TamperSettings
	Replay  *ReplaySettings
}

// UpdateLearnedData merges learned baseline fields into the per-ID override subtree,
// bumps config_version, and notifies observers — the Baseline Engine's sole write path
// into the Config Store (spec §4.1, §4.8). Merging is field-by-field, per-data-type
// (original_source's update_learned_data dispatches on a data-type key and merges or
// replaces just that slice of the subtree): a later write to one field (e.g. learned
// DLCs) must not clobber an earlier write to a sibling field (e.g. entropy stats)
// within the same section.
func (s *Store) UpdateLearnedData(u LearnedUpdate) {
	s.mu.Lock()
	id := s.cfg.IDs[u.CANID]
	switch u.Section {
	case "drop":
		if u.Drop != nil {
			mergeDropLearned(&id.Drop, u.Drop)
		}
	case "tamper":
		if u.Tamper != nil {
			mergeTamperLearned(&id.Tamper, u.Tamper)
		}
	case "replay":
		if u.Replay != nil {
			mergeReplayLearned(&id.Replay, u.Replay)
		}
	}
	s.cfg.IDs[u.CANID] = id
	if _, ok := s.knownIDs[u.CANID]; !ok {
		s.knownIDs[u.CANID] = struct{}{}
	}
	s.version++
	s.mu.Unlock()
	s.notify(u.CANID, u.Section, "learned")
}

func mergeDropLearned(dst *DropSettings, src *DropSettings) {
	if src.LearnedMeanIAT != nil {
		dst.LearnedMeanIAT = src.LearnedMeanIAT
	}
	if src.LearnedStdIAT != nil {
		dst.LearnedStdIAT = src.LearnedStdIAT
	}
	if src.LearnedMedianIAT != nil {
		dst.LearnedMedianIAT = src.LearnedMedianIAT
	}
	if src.MinIAT != nil {
		dst.MinIAT = src.MinIAT
	}
	if src.MaxIAT != nil {
		dst.MaxIAT = src.MaxIAT
	}
	if src.IATCount != nil {
		dst.IATCount = src.IATCount
	}
}

func mergeTamperLearned(dst *TamperSettings, src *TamperSettings) {
	if len(src.LearnedDLCs) > 0 {
		dst.LearnedDLCs = src.LearnedDLCs
	}
	if len(src.ByteBehaviorProfiles) > 0 {
		dst.ByteBehaviorProfiles = src.ByteBehaviorProfiles
	}
	ep := src.EntropyParams
	if ep.LearnedMean != nil {
		dst.EntropyParams.LearnedMean = ep.LearnedMean
	}
	if ep.LearnedStddev != nil {
		dst.EntropyParams.LearnedStddev = ep.LearnedStddev
	}
	if ep.MinEntropy != nil {
		dst.EntropyParams.MinEntropy = ep.MinEntropy
	}
	if ep.MaxEntropy != nil {
		dst.EntropyParams.MaxEntropy = ep.MaxEntropy
	}
	if ep.EntropyCount != nil {
		dst.EntropyParams.EntropyCount = ep.EntropyCount
	}
}

func mergeReplayLearned(dst *ReplaySettings, src *ReplaySettings) {
	if src.PeriodicityBaseline != nil {
		dst.PeriodicityBaseline = src.PeriodicityBaseline
	}
	if src.WhitelistOverride != nil {
		dst.WhitelistOverride = src.WhitelistOverride
	}
	if src.MinExpectedIATMs != nil {
		dst.MinExpectedIATMs = src.MinExpectedIATMs
	}
}

// Save serializes the full config tree as indented JSON (spec §4.8 persistence). An empty
// path reuses the path the store was loaded from.
func (s *Store) Save(filepath string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if filepath == "" {
		filepath = s.filepath
	}
	b, err := json.MarshalIndent(s.cfg, "", "  ")
	if err != nil {
		return newError("error marshalling configuration: %v", err)
	}
	if err := os.WriteFile(filepath, b, 0o644); err != nil {
		return newError("error saving configuration: %v", err)
	}
	return nil
}
