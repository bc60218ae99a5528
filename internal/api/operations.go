package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/pccare/internal/domain"
	"github.com/ashureev/pccare/internal/execution"
	"github.com/go-chi/chi/v5"
)

// Status reports connectivity, the last sync and whether a request awaits
// the user.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := map[string]interface{}{
		"online": h.conn.Online(),
	}

	if v, ok, err := h.repo.GetSetting(ctx, domain.SettingLastSyncAt); err != nil {
		slog.Error("Failed to read last sync time", "error", err)
	} else if ok {
		resp["last_sync_at"] = v
	}

	pending, err := h.repo.GetPendingExecution(ctx)
	if err != nil {
		slog.Error("Failed to read pending request", "error", err)
		Error(w, http.StatusInternalServerError, "Could not load status. Please try again.")
		return
	}
	resp["pending_request"] = pending != nil

	onboarded, _, err := h.repo.GetSetting(ctx, domain.SettingOnboardingComplete)
	if err != nil {
		slog.Error("Failed to read onboarding state", "error", err)
	}
	resp["onboarding_complete"] = onboarded == "true"

	JSON(w, http.StatusOK, resp)
}

// Sync runs a sync cycle now.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	res, err := h.syncer.Sync(r.Context())
	if err != nil {
		slog.Warn("Manual sync failed", "error", err)
		Error(w, http.StatusBadGateway, "Sync did not finish. We'll try again automatically.")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"online": h.conn.Online(),
		"pulled": res.Pulled,
		"pushed": res.Pushed,
	})
}

// ListOperations returns the active catalog.
func (h *Handler) ListOperations(w http.ResponseWriter, r *http.Request) {
	ops, err := h.repo.GetOperations(r.Context(), false)
	if err != nil {
		slog.Error("Failed to list operations", "error", err)
		Error(w, http.StatusInternalServerError, "Could not load the list of fixes.")
		return
	}
	if ops == nil {
		ops = []domain.Operation{}
	}
	JSON(w, http.StatusOK, ops)
}

// ConfirmOperation describes an operation before the user runs it.
func (h *Handler) ConfirmOperation(w http.ResponseWriter, r *http.Request) {
	c, err := h.pipeline.Confirm(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		h.operationError(w, err)
		return
	}
	JSON(w, http.StatusOK, c)
}

type runRequest struct {
	Confirmed bool `json:"confirmed"`
}

// RunOperation runs a confirmed operation and returns its outcome. The run is
// bounded by the pipeline timeout rather than the request, so a client that
// goes away does not stop it.
func (h *Handler) RunOperation(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	slug := chi.URLParam(r, "slug")
	started := time.Now()
	res, err := h.pipeline.RunLocal(context.WithoutCancel(r.Context()), slug, req.Confirmed)
	if err != nil {
		h.operationError(w, err)
		return
	}
	slog.Info("Local run finished", "slug", slug, "success", res.Success, "duration", time.Since(started))
	JSON(w, http.StatusOK, res)
}

func (h *Handler) operationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, execution.ErrConfirmationRequired):
		Error(w, http.StatusPreconditionRequired, "Please confirm before running this fix.")
	case errors.Is(err, execution.ErrOperationUnavailable):
		Error(w, http.StatusNotFound, "This fix is not available right now.")
	case errors.Is(err, execution.ErrBusy):
		Error(w, http.StatusConflict, "Another fix is running. Please wait for it to finish.")
	default:
		slog.Error("Operation request failed", "error", err)
		Error(w, http.StatusInternalServerError, "Something went wrong. Please try again.")
	}
}
