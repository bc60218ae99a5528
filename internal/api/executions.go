package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/pccare/internal/authorization"
	"github.com/ashureev/pccare/internal/domain"
	"github.com/go-chi/chi/v5"
)

// PendingExecution returns the request awaiting a decision, or null.
func (h *Handler) PendingExecution(w http.ResponseWriter, r *http.Request) {
	rec, err := h.repo.GetPendingExecution(r.Context())
	if err != nil {
		slog.Error("Failed to read pending request", "error", err)
		Error(w, http.StatusInternalServerError, "Could not check for requests.")
		return
	}
	JSON(w, http.StatusOK, rec)
}

// ListExecutions returns recent remote requests, newest first.
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	recs, err := h.repo.ListExecutions(r.Context(), limit)
	if err != nil {
		slog.Error("Failed to list requests", "error", err)
		Error(w, http.StatusInternalServerError, "Could not load request history.")
		return
	}
	if recs == nil {
		recs = []domain.RemoteExecution{}
	}
	JSON(w, http.StatusOK, recs)
}

type decisionRequest struct {
	Decision string `json:"decision"`
}

// DecideExecution accepts or rejects a pending request.
func (h *Handler) DecideExecution(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	d, err := authorization.ParseDecision(req.Decision)
	if err != nil {
		Error(w, http.StatusBadRequest, "decision must be accept or reject")
		return
	}

	rec, err := h.decider.Decide(r.Context(), chi.URLParam(r, "id"), d)
	switch {
	case err == nil:
		JSON(w, http.StatusOK, rec)
	case errors.Is(err, authorization.ErrNotFound):
		Error(w, http.StatusNotFound, "This request no longer exists.")
	case errors.Is(err, authorization.ErrExpired):
		Error(w, http.StatusGone, "This request expired before it was answered.")
	case errors.Is(err, authorization.ErrAlreadyDecided):
		Error(w, http.StatusConflict, "This request was already answered.")
	default:
		slog.Error("Decision failed", "error", err)
		Error(w, http.StatusInternalServerError, "Something went wrong. Please try again.")
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return fallback
	}
	return min(v, 1000)
}
