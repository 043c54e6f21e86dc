package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lkozma/debridgate/scheduler"
	"github.com/lkozma/debridgate/store"
)

type api struct {
	sched *scheduler.Scheduler
	store store.ConfigStore
	log   *zap.Logger
}

func newAPI(sched *scheduler.Scheduler, cfgStore store.ConfigStore, log *zap.Logger) *api {
	return &api{sched: sched, store: cfgStore, log: log}
}

func (a *api) routes(hub *statsHub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws/stats", hub.handleWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", a.handleAllStats)
		r.Get("/stats/{service}", a.handleServiceStats)
		r.Get("/timeline", a.handleTimeline)
		r.Route("/services/{service}", func(r chi.Router) {
			r.Get("/config", a.handleGetConfig)
			r.Patch("/config", a.handlePatchConfig)
			r.Post("/reset", a.handleReset)
		})
	})

	return r
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) handleAllStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.sched.AllStats())
}

func (a *api) handleServiceStats(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	writeJSON(w, http.StatusOK, a.sched.GetStats(service))
}

func (a *api) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if service := r.URL.Query().Get("service"); service != "" {
		writeJSON(w, http.StatusOK, a.sched.Timeline().ByService(service))
		return
	}
	if reqID := r.URL.Query().Get("request_id"); reqID != "" {
		writeJSON(w, http.StatusOK, a.sched.Timeline().ByRequest(reqID))
		return
	}
	writeJSON(w, http.StatusOK, a.sched.Timeline().All())
}

func (a *api) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	writeJSON(w, http.StatusOK, a.sched.Config(service))
}

func (a *api) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")

	var patch scheduler.ConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid config patch: " + err.Error()})
		return
	}
	if err := a.sched.UpdateConfig(service, patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	updated := a.sched.Config(service)

	if err := a.store.Save(r.Context(), service, updated); err != nil {
		a.log.Error("failed to persist service limits",
			zap.String("service", service),
			zap.Error(err))
		// The running scheduler already applied the change; report the
		// persistence failure without rolling it back.
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "config applied but not persisted"})
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (a *api) handleReset(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	a.sched.Reset(service)
	writeJSON(w, http.StatusOK, a.sched.GetStats(service))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
