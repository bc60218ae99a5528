package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/pccare/internal/domain"
	"github.com/go-chi/chi/v5"
)

// Telemetry returns recent samples, newest first.
func (h *Handler) Telemetry(w http.ResponseWriter, r *http.Request) {
	samples, err := h.repo.GetRecentTelemetry(r.Context(), queryInt(r, "limit", 60))
	if err != nil {
		slog.Error("Failed to read telemetry", "error", err)
		Error(w, http.StatusInternalServerError, "Could not load health history.")
		return
	}
	if samples == nil {
		samples = []domain.TelemetrySample{}
	}
	JSON(w, http.StatusOK, samples)
}

// Conversation returns the tail of the conversation log.
func (h *Handler) Conversation(w http.ResponseWriter, r *http.Request) {
	entries, err := h.repo.GetConversation(r.Context(), queryInt(r, "limit", h.conversationLimit))
	if err != nil {
		slog.Error("Failed to read conversation", "error", err)
		Error(w, http.StatusInternalServerError, "Could not load the conversation.")
		return
	}
	if entries == nil {
		entries = []domain.ConversationEntry{}
	}
	JSON(w, http.StatusOK, entries)
}

type conversationRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AppendConversation appends one message to the log.
func (h *Handler) AppendConversation(w http.ResponseWriter, r *http.Request) {
	var req conversationRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Role == "" {
		req.Role = domain.RoleUser
	}
	if !domain.ValidRole(req.Role) || strings.TrimSpace(req.Content) == "" {
		Error(w, http.StatusBadRequest, "message must have a role and content")
		return
	}

	entry := &domain.ConversationEntry{Role: req.Role, Content: req.Content}
	if err := h.repo.AppendConversation(r.Context(), entry); err != nil {
		slog.Error("Failed to append conversation", "error", err)
		Error(w, http.StatusInternalServerError, "Could not save your message.")
		return
	}
	JSON(w, http.StatusCreated, entry)
}

type supportRequest struct {
	Subject string `json:"subject"`
	Message string `json:"message"`
	Contact string `json:"contact"`
}

// SubmitSupport buffers a support request and asks for a sync so it is sent
// as soon as the remote is reachable.
func (h *Handler) SubmitSupport(w http.ResponseWriter, r *http.Request) {
	var req supportRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "Please describe the problem.")
		return
	}

	sr := &domain.SupportRequest{Subject: req.Subject, Message: req.Message, Contact: req.Contact}
	if err := h.repo.AppendSupportRequest(r.Context(), sr); err != nil {
		slog.Error("Failed to save support request", "error", err)
		Error(w, http.StatusInternalServerError, "Could not save your request.")
		return
	}
	h.syncer.Trigger()
	JSON(w, http.StatusAccepted, sr)
}

// managedKey reports whether a setting is owned by the agent itself.
func managedKey(key string) bool {
	return strings.HasPrefix(key, "device.") ||
		strings.HasPrefix(key, domain.RemoteSettingPrefix) ||
		key == domain.SettingLastSyncAt
}

// ListSettings returns every setting the UI may show.
func (h *Handler) ListSettings(w http.ResponseWriter, r *http.Request) {
	all, err := h.repo.ListSettings(r.Context(), "")
	if err != nil {
		slog.Error("Failed to list settings", "error", err)
		Error(w, http.StatusInternalServerError, "Could not load settings.")
		return
	}
	for k := range all {
		if strings.HasPrefix(k, "device.") {
			delete(all, k)
		}
	}
	JSON(w, http.StatusOK, all)
}

// GetSetting returns one setting.
func (h *Handler) GetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if strings.HasPrefix(key, "device.") {
		Error(w, http.StatusNotFound, "setting not found")
		return
	}
	v, ok, err := h.repo.GetSetting(r.Context(), key)
	if err != nil {
		slog.Error("Failed to read setting", "key", key, "error", err)
		Error(w, http.StatusInternalServerError, "Could not load settings.")
		return
	}
	if !ok {
		Error(w, http.StatusNotFound, "setting not found")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"key": key, "value": v})
}

type settingRequest struct {
	Value string `json:"value"`
}

// PutSetting writes a user setting.
func (h *Handler) PutSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if managedKey(key) {
		Error(w, http.StatusForbidden, "This setting is managed automatically.")
		return
	}
	var req settingRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.repo.SetSetting(r.Context(), key, req.Value); err != nil {
		slog.Error("Failed to write setting", "key", key, "error", err)
		Error(w, http.StatusInternalServerError, "Could not save settings.")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"key": key, "value": req.Value})
}
