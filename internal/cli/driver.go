package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/skywalker-88/canwarden/internal/alert"
	"github.com/skywalker-88/canwarden/internal/baseline"
	"github.com/skywalker-88/canwarden/internal/baselinestore"
	"github.com/skywalker-88/canwarden/internal/canframe"
	"github.com/skywalker-88/canwarden/internal/detect"
	"github.com/skywalker-88/canwarden/internal/httpserver"
	"github.com/skywalker-88/canwarden/internal/pipeline"
	"github.com/skywalker-88/canwarden/internal/state"
	"github.com/skywalker-88/canwarden/pkg/config"
)

const (
	warningMemoryRatio  = 0.8
	criticalMemoryRatio = 0.9
	stateCleanupSec     = 600
)

// run is the shared learn/detect/auto driver: load config, wire the pipeline, stream
// frames from the input file through it, and periodically report statistics and check
// memory pressure, matching original_source/main.py's batch-processing loop (spec §6.4).
func run(mode pipeline.Mode) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	bl := baseline.New(cfg, log.Logger)
	if learningDurationSec > 0 {
		bl.SetLearningDuration(time.Duration(learningDurationSec) * time.Second)
	}

	states := state.New(log.Logger, stateCleanupSec)
	states.StartJanitor(stateCleanupSec * time.Second)
	defer states.Close()

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}

	sinks, err := buildSinks(outputDir)
	if err != nil {
		return err
	}
	alerts := alert.NewManager(cfg, log.Logger, sinks)
	defer alerts.Close()

	baselineCache := baselinestore.New(context.Background(), cfg, log.Logger)
	defer baselineCache.Close()

	p := pipeline.New(cfg, log.Logger, mode, bl, states, alerts, baselineCache)
	if restored := p.RestoreBaselines(context.Background()); restored > 0 {
		log.Info().Int("count", restored).Msg("restored learned baselines from the persistence cache")
	}

	stopHTTP := maybeServeHTTP(cfg, states, alerts)
	defer stopHTTP()

	in, closeIn, err := openInput(inputPath)
	if err != nil {
		return err
	}
	defer closeIn()

	log.Info().
		Str("mode", mode.String()).
		Str("input", inputPath).
		Str("config", configPath).
		Msg("canwarden starting")

	frameCount, parseErrors := runLoop(in, p, states, alerts, log.Logger)

	if mode != pipeline.ModeDetect {
		learnedPath := filepath.Join(outputDir, "learned_config.json")
		if err := cfg.Save(learnedPath); err != nil {
			log.Error().Err(err).Msg("failed to save learned baseline config")
		} else {
			log.Info().Str("path", learnedPath).Msg("learned baseline config saved")
		}
	}

	stats := alerts.GetStatistics(time.Now())
	log.Info().
		Int64("frames_processed", frameCount).
		Int64("alerts_reported", stats.TotalAlerts).
		Int64("parse_errors", parseErrors).
		Int64("throttled_alerts", stats.ThrottledAlerts).
		Msg("canwarden finished")

	return nil
}

// buildSinks wires the three Alert Manager sinks under outputDir: a console sink for
// interactive feedback and the text/JSON file sinks for durable records (spec §4.7/§6.3).
func buildSinks(dir string) ([]alert.Sink, error) {
	sinks := []alert.Sink{alert.NewConsoleSink(os.Stdout, log.Logger)}

	textSink, err := alert.NewFileSink(filepath.Join(dir, "alerts.log"), true, true)
	if err != nil {
		return nil, fmt.Errorf("creating text alert sink: %w", err)
	}
	sinks = append(sinks, textSink)

	jsonSink, err := alert.NewJSONFileSink(filepath.Join(dir, "alerts.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("creating json alert sink: %w", err)
	}
	sinks = append(sinks, jsonSink)

	return sinks, nil
}

// openInput resolves --input to a readable stream: "-" reads stdin, anything else opens
// the named file.
func openInput(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening input: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// runLoop streams frames from in through p, reporting statistics every statsIntervalSec
// and checking memory pressure every batchSize frames, mirroring main.py's
// report_statistics/check_memory_pressure cadence.
func runLoop(in io.Reader, p *pipeline.Pipeline, states *state.Manager, alerts *alert.Manager, logger zerolog.Logger) (frameCount, parseErrors int64) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	start := time.Now()
	lastStats := start
	var lastFrame canframe.Frame

	for scanner.Scan() {
		line := scanner.Text()
		f, ok := canframe.Parse(line)
		if !ok {
			if strings.TrimSpace(line) != "" && !strings.HasPrefix(strings.TrimSpace(line), "#") {
				parseErrors++
			}
			continue
		}
		lastFrame = f
		p.ProcessFrame(f)
		frameCount++

		if batchSize > 0 && frameCount%int64(batchSize) == 0 {
			checkMemoryPressure(states, alerts, logger, lastFrame)
		}

		if statsIntervalSec > 0 && time.Since(lastStats) >= time.Duration(statsIntervalSec)*time.Second {
			reportStatistics(logger, p, alerts, frameCount, start)
			lastStats = time.Now()
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error().Err(err).Msg("input scan failed")
	}
	return frameCount, parseErrors
}

// reportStatistics logs a periodic progress line (spec §6.4's --stats-interval).
func reportStatistics(logger zerolog.Logger, p *pipeline.Pipeline, alerts *alert.Manager, frameCount int64, start time.Time) {
	elapsed := time.Since(start).Seconds()
	stats := alerts.GetStatistics(time.Now())
	logger.Info().
		Int64("frames", frameCount).
		Int64("alerts", stats.TotalAlerts).
		Float64("elapsed_sec", elapsed).
		Bool("detecting", p.IsDetecting()).
		Int64("throttled", stats.ThrottledAlerts).
		Msg("progress")
}

// checkMemoryPressure implements spec §7's MemoryError handling in two tiers, grounded on
// original_source/main.py's MemoryMonitor and handle_memory_pressure: above the critical
// ratio every check reports a HIGH memory_pressure alert and runs MemoryPressureCleanup,
// ReduceRetention and a forced GC; above the warning ratio it only runs CleanupOldData,
// with no alert. A memoryLimitMB of 0 or less disables the check. runtime.MemStats.Sys (total memory obtained from the OS) stands
// in for the original's psutil-based process RSS reading — no pack dependency exposes
// process memory without cgo, so this one reaches for the standard library.
func checkMemoryPressure(states *state.Manager, alerts *alert.Manager, logger zerolog.Logger, lastFrame canframe.Frame) {
	if memoryLimitMB <= 0 {
		return
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	limitBytes := uint64(memoryLimitMB) * 1024 * 1024
	ratio := float64(m.Sys) / float64(limitBytes)

	switch {
	case ratio > criticalMemoryRatio:
		logger.Warn().Float64("ratio", ratio).Msg("critical memory pressure detected")
		alerts.Report(detect.Alert{
			AlertType: "memory_pressure",
			CANID:     lastFrame.CANID,
			Details:   fmt.Sprintf("critical memory pressure: %.0f MB in use against a %d MB limit", float64(m.Sys)/1024/1024, memoryLimitMB),
			Timestamp: lastFrame.Timestamp,
			Severity:  detect.SeverityHigh,
			DetectionContext: map[string]any{
				"pressure_level": "critical",
				"sys_bytes":      m.Sys,
				"limit_mb":       memoryLimitMB,
			},
		})
		states.MemoryPressureCleanup(lastFrame.Timestamp)
		alerts.ReduceRetention()
		runtime.GC()
	case ratio > warningMemoryRatio:
		logger.Warn().Float64("ratio", ratio).Msg("memory pressure warning")
		states.CleanupOldData(lastFrame.Timestamp)
	}
}

// maybeServeHTTP starts the observability surface in the background when --http-addr is
// set, returning a stop func that shuts it down gracefully. A no-op stop func when
// httpAddr is empty, so callers can always `defer stopHTTP()` unconditionally.
func maybeServeHTTP(cfg *config.Store, states *state.Manager, alerts *alert.Manager) func() {
	if httpAddr == "" {
		return func() {}
	}

	httpserver.EnableDrainFlag(true)
	router := httpserver.NewRouter(httpserver.RouterDeps{Cfg: cfg, States: states, Alerts: alerts})
	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", httpAddr).Msg("observability http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("observability http server stopped unexpectedly")
		}
	}()

	return func() {
		httpserver.SetDraining(true)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
