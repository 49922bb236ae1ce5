package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/skywalker-88/canwarden/internal/alert"
	"github.com/skywalker-88/canwarden/internal/canframe"
	"github.com/skywalker-88/canwarden/internal/pipeline"
	"github.com/skywalker-88/canwarden/internal/state"
	"github.com/skywalker-88/canwarden/pkg/config"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func testConfig(t *testing.T) *config.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.json")
	body := `{"global_settings":{},"general_rules":{},"ids":{}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestBuildSinksReturnsThreeSinksAndCreatesFiles(t *testing.T) {
	dir := t.TempDir()
	sinks, err := buildSinks(dir)
	if err != nil {
		t.Fatalf("buildSinks: %v", err)
	}
	if len(sinks) != 3 {
		t.Fatalf("expected 3 sinks, got %d", len(sinks))
	}
	for _, name := range []string{"alerts.log", "alerts.jsonl"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s to exist: %v", name, err)
		}
	}
}

func TestOpenInputStdinSentinel(t *testing.T) {
	r, closeFn, err := openInput("-")
	if err != nil {
		t.Fatalf("openInput: %v", err)
	}
	defer closeFn()
	if r != os.Stdin {
		t.Errorf("expected os.Stdin for \"-\", got a different reader")
	}
}

func TestOpenInputMissingFile(t *testing.T) {
	if _, _, err := openInput(filepath.Join(t.TempDir(), "missing.log")); err == nil {
		t.Fatal("expected an error opening a nonexistent file")
	}
}

func TestOpenInputReadsNamedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.log")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	r, closeFn, err := openInput(path)
	if err != nil {
		t.Fatalf("openInput: %v", err)
	}
	defer closeFn()
	buf := make([]byte, 5)
	if _, err := r.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("got %q, want %q", buf, "hello")
	}
}

func TestRunLoopSkipsBlankAndCommentLinesWithoutCountingParseErrors(t *testing.T) {
	cfg := testConfig(t)
	states := state.New(testLogger(), 300)
	defer states.Close()
	alerts := alert.NewManager(cfg, testLogger(), nil)
	defer alerts.Close()
	p := pipeline.New(cfg, testLogger(), pipeline.ModeDetect, nil, states, alerts, nil)

	input := strings.Join([]string{
		"",
		"# a comment",
		"Timestamp:          0.000271        ID: 0080    000    DLC: 8    00 17 dc 09 16 11 16 bb",
		"not a valid line at all",
	}, "\n")

	prevBatch, prevStats := batchSize, statsIntervalSec
	batchSize, statsIntervalSec = 0, 0
	defer func() { batchSize, statsIntervalSec = prevBatch, prevStats }()

	frames, parseErrs := runLoop(strings.NewReader(input), p, states, alerts, testLogger())
	if frames != 1 {
		t.Errorf("expected 1 parsed frame, got %d", frames)
	}
	if parseErrs != 1 {
		t.Errorf("expected 1 parse error for the garbage line, got %d", parseErrs)
	}
}

func TestCheckMemoryPressureNoLimitIsNoop(t *testing.T) {
	cfg := testConfig(t)
	states := state.New(testLogger(), 300)
	defer states.Close()
	alerts := alert.NewManager(cfg, testLogger(), nil)
	defer alerts.Close()

	prev := memoryLimitMB
	memoryLimitMB = 0
	defer func() { memoryLimitMB = prev }()

	checkMemoryPressure(states, alerts, testLogger(), canframe.Frame{})

	stats := alerts.GetStatistics(time.Now())
	if stats.TotalAlerts != 0 {
		t.Errorf("expected no alerts when memoryLimitMB is disabled, got %d", stats.TotalAlerts)
	}
}

func TestCheckMemoryPressureCriticalEmitsAlert(t *testing.T) {
	cfg := testConfig(t)
	states := state.New(testLogger(), 300)
	defer states.Close()
	alerts := alert.NewManager(cfg, testLogger(), nil)
	defer alerts.Close()

	prev := memoryLimitMB
	memoryLimitMB = 1 // 1MB limit guarantees runtime.MemStats.Sys blows past the critical ratio
	defer func() { memoryLimitMB = prev }()

	checkMemoryPressure(states, alerts, testLogger(), canframe.Frame{CANID: "0x080", Timestamp: 1.0})

	stats := alerts.GetStatistics(time.Now())
	if stats.AlertsByType["memory_pressure"] == 0 {
		t.Errorf("expected a memory_pressure alert, stats=%+v", stats)
	}
}

func TestMaybeServeHTTPNoopWhenAddrEmpty(t *testing.T) {
	cfg := testConfig(t)
	states := state.New(testLogger(), 300)
	defer states.Close()
	alerts := alert.NewManager(cfg, testLogger(), nil)
	defer alerts.Close()

	prev := httpAddr
	httpAddr = ""
	defer func() { httpAddr = prev }()

	stop := maybeServeHTTP(cfg, states, alerts)
	stop() // must not panic or block
}
