package httpserver_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/rs/zerolog"

	"github.com/skywalker-88/canwarden/internal/alert"
	"github.com/skywalker-88/canwarden/internal/canframe"
	"github.com/skywalker-88/canwarden/internal/detect"
	"github.com/skywalker-88/canwarden/internal/httpserver"
	"github.com/skywalker-88/canwarden/internal/state"
	"github.com/skywalker-88/canwarden/pkg/config"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func loadConfig(t *testing.T) *config.Store {
	t.Helper()
	path := t.TempDir() + "/cfg.json"
	body := `{"global_settings":{},"general_rules":{},"ids":{}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func testDeps(t *testing.T) httpserver.RouterDeps {
	t.Helper()
	cfg := loadConfig(t)
	return httpserver.RouterDeps{
		Cfg:    cfg,
		States: state.New(testLogger(), 300),
		Alerts: alert.NewManager(cfg, testLogger(), nil),
	}
}

func TestRouterHealthOK(t *testing.T) {
	router := httpserver.NewRouter(testDeps(t))
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.StatusCode)
	}
}

func TestRouterMetricsOK(t *testing.T) {
	router := httpserver.NewRouter(testDeps(t))
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.StatusCode)
	}
}

func TestRouterStatsReturnsJSON(t *testing.T) {
	deps := testDeps(t)
	deps.Alerts.Report(testAlert(1.0, "0x123", "drop"))

	router := httpserver.NewRouter(deps)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode stats body: %v", err)
	}
	if _, ok := body["alerts"]; !ok {
		t.Errorf("expected an 'alerts' key in stats response, got %v", body)
	}
}

func TestRouterDebugShadowListsShadowTrackedID(t *testing.T) {
	deps := testDeps(t)

	f, err := canframe.New(0, "0x999", 0, nil, "", false)
	if err != nil {
		t.Fatal(err)
	}
	st := deps.States.UpdateAndGet(f)
	st.ShadowFirstSeen = 0
	st.ShadowFrameCount = 3

	router := httpserver.NewRouter(deps)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/debug/shadow")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var entries []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("failed to decode shadow body: %v", err)
	}
	if len(entries) != 1 || entries[0]["can_id"] != "0x999" {
		t.Fatalf("expected one shadow entry for 0x999, got %v", entries)
	}
}

func TestRouterNotFound(t *testing.T) {
	router := httpserver.NewRouter(testDeps(t))
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404, got %d", resp.StatusCode)
	}
}

func testAlert(ts float64, canID, alertType string) detect.Alert {
	return detect.Alert{
		AlertType: alertType,
		CANID:     canID,
		Details:   "test alert",
		Timestamp: ts,
		Severity:  detect.SeverityMedium,
	}
}
