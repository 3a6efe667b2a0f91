package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ChuLiYu/forge-dispatch/internal/metrics"
	"github.com/ChuLiYu/forge-dispatch/internal/orchestrator"
)

// HealthFunc reports whether the process can serve traffic.
type HealthFunc func() error

// NewOpsRouter serves health, Prometheus metrics and queue statistics.
//
//	GET /healthz
//	GET /metrics
//	GET /queues
//	GET /queues/{queue}/stats
//	GET /deadletter?user_id=&limit=
func NewOpsRouter(orch *orchestrator.Orchestrator, queue Queue, collector *metrics.Collector, health HealthFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if health != nil {
			if err := health(); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if collector != nil {
		r.Method(http.MethodGet, "/metrics", collector.Handler())
	}

	r.Route("/queues", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"queues": queue.AllStats()})
		})
		r.Get("/{queue}/stats", func(w http.ResponseWriter, req *http.Request) {
			resp := orch.GetQueueStats(chi.URLParam(req, "queue"))
			code := http.StatusOK
			if !resp.Success {
				code = http.StatusNotFound
			}
			writeJSON(w, code, resp)
		})
	})

	r.Get("/deadletter", func(w http.ResponseWriter, req *http.Request) {
		limit := 0
		if raw := req.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit: " + raw})
				return
			}
			limit = n
		}
		resp := orch.GetFailedJobs(req.URL.Query().Get("user_id"), limit)
		code := http.StatusOK
		switch {
		case resp.Success:
		case resp.Error == orchestrator.ErrDeadLetterDisabled.Error():
			code = http.StatusNotFound
		default:
			code = http.StatusBadRequest
		}
		writeJSON(w, code, resp)
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
