package config

// LearningParams controls the Baseline Engine's learning window (spec §4.1).
type LearningParams struct {
	InitialLearningWindowSec   float64 `json:"initial_learning_window_sec"`
	BaselineUpdateIntervalSec  float64 `json:"baseline_update_interval_sec"`
	MinSamplesForStableBaseline int    `json:"min_samples_for_stable_baseline"`
}

// DropSettings parametrizes the Drop Detector (spec §4.3).
type DropSettings struct {
	Enabled                  *bool   `json:"enabled,omitempty"`
	MissingFrameSigma        float64 `json:"missing_frame_sigma"`
	ConsecutiveMissingAllowed int    `json:"consecutive_missing_allowed"`
	MaxIATFactor             float64 `json:"max_iat_factor"`
	TreatDLCZeroAsSpecial    *bool   `json:"treat_dlc_zero_as_special,omitempty"`

	// Learned data (writeback target, spec §3.4).
	LearnedMeanIAT   *float64 `json:"learned_mean_iat,omitempty"`
	LearnedStdIAT    *float64 `json:"learned_std_iat,omitempty"`
	LearnedMedianIAT *float64 `json:"learned_median_iat,omitempty"`
	MinIAT           *float64 `json:"min_iat,omitempty"`
	MaxIAT           *float64 `json:"max_iat,omitempty"`
	IATCount         *int     `json:"iat_count,omitempty"`
}

// EntropyParams parametrizes the Tamper Detector's entropy-anomaly branch.
type EntropyParams struct {
	Enabled           *bool   `json:"enabled,omitempty"`
	LearningMode      string  `json:"learning_mode,omitempty"`
	SigmaThreshold    float64 `json:"sigma_threshold"`
	AbsoluteThreshold float64 `json:"absolute_threshold"`

	LearnedMean    *float64 `json:"learned_mean,omitempty"`
	LearnedStddev  *float64 `json:"learned_stddev,omitempty"`
	MinEntropy     *float64 `json:"min_entropy,omitempty"`
	MaxEntropy     *float64 `json:"max_entropy,omitempty"`
	EntropyCount   *int     `json:"entropy_count,omitempty"`
}

// CounterByteParams controls counter-byte classification and anomaly tolerance.
type CounterByteParams struct {
	DetectSimpleCounters      *bool `json:"detect_simple_counters,omitempty"`
	MaxValueBeforeRolloverGuess int `json:"max_value_before_rollover_guess"`
	AllowedCounterSkips       int  `json:"allowed_counter_skips"`
}

// ByteBehaviorParams controls per-byte-position classification thresholds.
type ByteBehaviorParams struct {
	Enabled                          *bool             `json:"enabled,omitempty"`
	LearningWindowMinChangesForVariable int            `json:"learning_window_min_changes_for_variable"`
	StaticByteMismatchThreshold      int               `json:"static_byte_mismatch_threshold"`
	CounterByteParams                CounterByteParams `json:"counter_byte_params"`
}

// ByteBehaviorProfile is one learned per-position classification (spec §3.4).
type ByteBehaviorProfile struct {
	Position        int     `json:"position"`
	Kind            string  `json:"kind"` // static | counter | variable
	ExpectedValue   int     `json:"expected_value,omitempty"`
	Step            int     `json:"step,omitempty"`
	MinValue        int     `json:"min_value,omitempty"`
	MaxValue        int     `json:"max_value,omitempty"`
	RolloverDetected bool   `json:"rollover_detected,omitempty"`
	InitialValue    int     `json:"initial_value,omitempty"`
	ValueRangeLow   int     `json:"value_range_low,omitempty"`
	ValueRangeHigh  int     `json:"value_range_high,omitempty"`
	ObservedValues  []int   `json:"observed_values,omitempty"`
}

// TamperSettings parametrizes the Tamper Detector (spec §4.4).
type TamperSettings struct {
	Enabled                *bool                 `json:"enabled,omitempty"`
	DLCLearningMode        string                `json:"dlc_learning_mode,omitempty"`
	PayloadAnalysisMinDLC  int                   `json:"payload_analysis_min_dlc"`
	EntropyParams          EntropyParams         `json:"entropy_params"`
	ByteBehaviorParams     ByteBehaviorParams    `json:"byte_behavior_params"`
	ByteChangeRatioThreshold float64             `json:"byte_change_ratio_threshold"`

	LearnedDLCs          []int                 `json:"learned_dlcs,omitempty"`
	ByteBehaviorProfiles []ByteBehaviorProfile `json:"byte_behavior_profiles,omitempty"`
}

// IdenticalPayloadParams controls contextual payload-repetition detection.
type IdenticalPayloadParams struct {
	Enabled              *bool `json:"enabled,omitempty"`
	TimeWindowMS         int   `json:"time_window_ms"`
	RepetitionThreshold  int   `json:"repetition_threshold"`
}

// SequenceReplayParams controls sequence-replay detection.
type SequenceReplayParams struct {
	Enabled                          *bool `json:"enabled,omitempty"`
	SequenceLength                   int   `json:"sequence_length"`
	MaxSequenceAgeSec                float64 `json:"max_sequence_age_sec"`
	MinIntervalBetweenSequencesSec   float64 `json:"min_interval_between_sequences_sec"`
}

// PeriodicityBaseline is the learned periodicity profile (spec §3.4).
type PeriodicityBaseline struct {
	DominantPeriods    []float64 `json:"dominant_periods,omitempty"`
	PeriodTolerance    float64   `json:"period_tolerance,omitempty"`
	PeriodicityScore   float64   `json:"periodicity_score"`
	IsPeriodic         bool      `json:"is_periodic"`
	UniquePayloadRatio float64   `json:"unique_payload_ratio,omitempty"`
	IsMostlyStatic     bool      `json:"is_mostly_static,omitempty"`
}

// WhitelistOverride lets a per-ID config entry override the compiled-in periodic whitelist
// (spec §9 Open Question #2).
type WhitelistOverride struct {
	ExpectedIntervalsMS []float64 `json:"expected_intervals_ms"`
	ToleranceMS         float64   `json:"tolerance_ms"`
}

// ReplaySettings parametrizes the Replay Detector (spec §4.5).
type ReplaySettings struct {
	MinIATFactorForFastReplay float64                `json:"min_iat_factor_for_fast_replay"`
	AbsoluteMinIATMs          float64                `json:"absolute_min_iat_ms"`
	MinExpectedIATMs          *float64               `json:"min_expected_iat,omitempty"`
	IdenticalPayloadParams    IdenticalPayloadParams `json:"identical_payload_params"`
	SequenceReplayParams      SequenceReplayParams   `json:"sequence_replay_params"`
	PeriodicityBaseline       *PeriodicityBaseline   `json:"periodicity_baseline,omitempty"`
	WhitelistOverride         *WhitelistOverride     `json:"whitelist_override,omitempty"`
}

// ThrottleSettings parametrizes the Alert Manager (spec §4.7).
type ThrottleSettings struct {
	MaxAlertsPerIDPerSec   int `json:"max_alerts_per_id_per_sec"`
	GlobalMaxAlertsPerSec  int `json:"global_max_alerts_per_sec"`
	CooldownMS             int `json:"cooldown_ms"`
}

// UnknownIDSettings parametrizes the General Rules Detector (spec §4.6).
type UnknownIDSettings struct {
	Enabled              *bool   `json:"enabled,omitempty"`
	LearningMode         string  `json:"learning_mode"`
	ShadowDurationSec    float64 `json:"shadow_duration_sec"`
	AutoAddToBaseline    *bool   `json:"auto_add_to_baseline,omitempty"`
	MinFramesForLearning int     `json:"min_frames_for_learning"`
}

// GeneralRules holds the general_rules config section.
type GeneralRules struct {
	DetectUnknownID UnknownIDSettings `json:"detect_unknown_id"`
}

// GlobalSettings is the global_settings config section (spec §3.5).
type GlobalSettings struct {
	LearningParams LearningParams   `json:"learning_params"`
	Drop           DropSettings     `json:"drop"`
	Tamper         TamperSettings   `json:"tamper"`
	Replay         ReplaySettings   `json:"replay"`
	Throttle       ThrottleSettings `json:"throttle"`
}

// IDSettings is a per-ID override subtree; any section may be partially populated.
type IDSettings struct {
	Drop   DropSettings   `json:"drop,omitempty"`
	Tamper TamperSettings `json:"tamper,omitempty"`
	Replay ReplaySettings `json:"replay,omitempty"`
}

// RedisSettings controls the optional baseline-persistence cache (spec §9 Open
// Question, "optional durable cache"). Disabled by default: a deployment with no Redis
// reachable runs exactly as if this section were absent.
type RedisSettings struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Addr    string `json:"addr,omitempty"`
}

// Config is the full unmarshalled configuration tree (spec §6.2).
type Config struct {
	GlobalSettings GlobalSettings        `json:"global_settings"`
	GeneralRules   GeneralRules          `json:"general_rules"`
	IDs            map[string]IDSettings `json:"ids"`
	Redis          RedisSettings         `json:"redis,omitempty"`
}
