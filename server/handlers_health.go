package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/onnwee/post-relay/relay"
)

// HandleHealthz responds to liveness probes. It does not touch the database.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probes with per-dependency checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.deps.Store == nil {
				return errors.New("store not configured")
			}
			return h.deps.Store.Ping(r.Context())
		}},
		{"engine", func() error {
			if h.deps.Engine == nil {
				return errors.New("engine not configured")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	HasRun    bool               `json:"has_run"`
	LastCycle *relay.CycleReport `json:"last_cycle,omitempty"`
	// Age is seconds since the last cycle started.
	Age float64 `json:"age_seconds,omitempty"`
}

// HandleStatus returns the summary of the most recent poll cycle.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "engine not configured")
		return
	}
	var resp statusResponse
	if rep, ok := h.deps.Engine.LastReport(); ok {
		resp.HasRun = true
		resp.LastCycle = &rep
		resp.Age = time.Since(rep.StartedAt).Seconds()
	}
	writeJSON(w, http.StatusOK, resp)
}
