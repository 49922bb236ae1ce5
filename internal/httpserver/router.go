// Package httpserver is the observability surface around the detection pipeline
// (spec §19): process liveness, prometheus metrics, and JSON status snapshots. It is
// ambient operational tooling, not part of the detection CORE itself.
package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skywalker-88/canwarden/internal/alert"
	"github.com/skywalker-88/canwarden/internal/middleware"
	"github.com/skywalker-88/canwarden/internal/state"
	"github.com/skywalker-88/canwarden/pkg/config"
	"github.com/skywalker-88/canwarden/pkg/metrics"
)

// RouterDeps wires the status endpoints to the live pipeline components.
type RouterDeps struct {
	Cfg    *config.Store
	States *state.Manager
	Alerts *alert.Manager
}

// NewRouter builds the Chi router: /health, /metrics, /stats, /debug/shadow.
func NewRouter(d RouterDeps) http.Handler {
	metrics.RegisterPipelineMetrics(prometheus.DefaultRegisterer)
	metrics.RegisterAlertMetrics(prometheus.DefaultRegisterer)

	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)
	r.Use(middleware.AccessLoggerFromEnv())

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"name":"canwarden","status":"ok","hint":"see /health, /metrics, /stats, /debug/shadow"}`))
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if IsDraining() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"draining"}` + "\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, statsSnapshot(d))
	})

	r.Get("/debug/shadow", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, shadowSnapshot(d))
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not_found"}`))
	})

	return r
}

type statsResponse struct {
	ConfigVersion int         `json:"config_version"`
	TrackedIDs    int32       `json:"tracked_ids"`
	KnownIDs      int         `json:"known_ids"`
	Alerts        alert.Stats `json:"alerts"`
}

func statsSnapshot(d RouterDeps) statsResponse {
	resp := statsResponse{
		ConfigVersion: d.Cfg.Version(),
		KnownIDs:      len(d.Cfg.KnownIDs()),
	}
	if d.States != nil {
		resp.TrackedIDs = d.States.Len()
	}
	if d.Alerts != nil {
		resp.Alerts = d.Alerts.GetStatistics(time.Now())
	}
	return resp
}

type shadowEntry struct {
	CANID            string  `json:"can_id"`
	FrameCount       int64   `json:"frame_count"`
	ShadowFirstSeen  float64 `json:"shadow_first_seen"`
	ShadowFrameCount int64   `json:"shadow_frame_count"`
	Promoted         bool    `json:"promoted"`
}

// shadowSnapshot lists every tracked ID currently in (or having completed) shadow
// learning: a non-zero ShadowFrameCount is the only signal available, since IDState
// doesn't separately flag "is unknown" once it exists.
func shadowSnapshot(d RouterDeps) []shadowEntry {
	var entries []shadowEntry
	if d.States == nil {
		return entries
	}
	d.States.Range(func(canID string, st *state.IDState) bool {
		snap := st.Snapshot()
		if snap.ShadowFrameCount > 0 {
			entries = append(entries, shadowEntry{
				CANID:            snap.CANID,
				FrameCount:       snap.FrameCount,
				ShadowFirstSeen:  snap.ShadowFirstSeen,
				ShadowFrameCount: snap.ShadowFrameCount,
				Promoted:         snap.Promoted,
			})
		}
		return true
	})
	return entries
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
