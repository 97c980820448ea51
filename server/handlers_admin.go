package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/post-relay/relay"
	"github.com/onnwee/post-relay/subscription"
)

// accountView is the JSON shape of a watched account.
type accountView struct {
	ID             string     `json:"id"`
	Handle         string     `json:"handle"`
	Active         bool       `json:"active"`
	AddedBy        string     `json:"added_by,omitempty"`
	AddedAt        *time.Time `json:"added_at,omitempty"`
	LastCheckedAt  *time.Time `json:"last_checked_at,omitempty"`
	WatermarkCount int64      `json:"watermark_count"`
	WatermarkTime  *time.Time `json:"watermark_time,omitempty"`
	LastSeenID     string     `json:"last_seen_id,omitempty"`
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func viewOf(a relay.Account) accountView {
	return accountView{
		ID:             a.ID,
		Handle:         a.Handle,
		Active:         a.Active,
		AddedBy:        a.AddedBy,
		AddedAt:        optTime(a.AddedAt),
		LastCheckedAt:  optTime(a.LastCheckedAt),
		WatermarkCount: a.Watermark.Count,
		WatermarkTime:  optTime(a.Watermark.Time),
		LastSeenID:     a.Watermark.LastSeenID,
	}
}

type subscribeRequest struct {
	Link    string `json:"link"`
	AddedBy string `json:"added_by"`
}

// HandleAdminAccounts lists (GET), subscribes (POST) and unsubscribes (DELETE) accounts.
func (h *Handlers) HandleAdminAccounts(w http.ResponseWriter, r *http.Request) {
	svc := h.deps.Subscriptions
	if svc == nil {
		writeError(w, http.StatusServiceUnavailable, "subscriptions not configured")
		return
	}
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
		accounts, err := svc.List(ctx, all)
		if err != nil {
			h.logger.Error("list accounts", slog.Any("err", err))
			writeError(w, http.StatusInternalServerError, "failed to list accounts")
			return
		}
		out := make([]accountView, 0, len(accounts))
		for _, a := range accounts {
			out = append(out, viewOf(a))
		}
		writeJSON(w, http.StatusOK, map[string]any{"accounts": out, "count": len(out)})

	case http.MethodPost:
		var req subscribeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if req.AddedBy == "" {
			req.AddedBy = "admin-api"
		}
		res, err := svc.Subscribe(ctx, req.Link, req.AddedBy)
		if err != nil {
			h.writeSubscriptionError(w, err)
			return
		}
		status := http.StatusCreated
		if res.Reactivated {
			status = http.StatusOK
		}
		writeJSON(w, status, map[string]any{"account": viewOf(res.Account), "reactivated": res.Reactivated})

	case http.MethodDelete:
		link := r.URL.Query().Get("link")
		if link == "" {
			writeError(w, http.StatusBadRequest, "link query parameter required")
			return
		}
		acc, err := svc.Unsubscribe(ctx, link)
		if err != nil {
			h.writeSubscriptionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"account": viewOf(acc)})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) writeSubscriptionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, subscription.ErrInvalidLink):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, subscription.ErrUserNotFound), errors.Is(err, subscription.ErrNotSubscribed):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error("subscription request failed", slog.Any("err", err))
		writeError(w, http.StatusBadGateway, "subscription request failed")
	}
}

// HandleAdminCycle runs one poll cycle inline and returns its report.
func (h *Handlers) HandleAdminCycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "engine not configured")
		return
	}
	rep, err := h.deps.Engine.RunCycle(r.Context())
	switch {
	case errors.Is(err, relay.ErrCycleInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		h.logger.Error("manual cycle failed", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "report": rep})
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}
