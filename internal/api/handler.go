// Package api provides the local HTTP API consumed by the desktop UI.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ashureev/pccare/internal/authorization"
	"github.com/ashureev/pccare/internal/domain"
	"github.com/ashureev/pccare/internal/events"
	"github.com/ashureev/pccare/internal/execution"
	"github.com/ashureev/pccare/internal/reconcile"
	"github.com/ashureev/pccare/internal/store"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 64 * 1024

// Pipeline runs operations on user request.
type Pipeline interface {
	Confirm(ctx context.Context, slug string) (*execution.Confirmation, error)
	RunLocal(ctx context.Context, slug string, confirmed bool) (*execution.Result, error)
}

// Decider applies decisions to remote requests.
type Decider interface {
	Decide(ctx context.Context, id string, d authorization.Decision) (*domain.RemoteExecution, error)
}

// Syncer runs sync cycles.
type Syncer interface {
	Sync(ctx context.Context) (reconcile.Result, error)
	Trigger()
}

// Connectivity reports the last known reachability of the remote.
type Connectivity interface {
	Online() bool
}

// Subscriber hands out event streams.
type Subscriber interface {
	Subscribe() (<-chan events.Event, func())
}

// Handler serves the local API.
type Handler struct {
	repo              store.Repository
	pipeline          Pipeline
	decider           Decider
	syncer            Syncer
	conn              Connectivity
	hub               Subscriber
	conversationLimit int
	allowedOrigins    []string
}

// Deps groups the Handler's collaborators.
type Deps struct {
	Repo              store.Repository
	Pipeline          Pipeline
	Decider           Decider
	Syncer            Syncer
	Connectivity      Connectivity
	Events            Subscriber
	ConversationLimit int
	AllowedOrigins    []string
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(d Deps) *Handler {
	h := &Handler{
		repo:              d.Repo,
		pipeline:          d.Pipeline,
		decider:           d.Decider,
		syncer:            d.Syncer,
		conn:              d.Connectivity,
		hub:               d.Events,
		conversationLimit: d.ConversationLimit,
		allowedOrigins:    d.AllowedOrigins,
	}
	if h.conversationLimit <= 0 {
		h.conversationLimit = 200
	}
	if len(h.allowedOrigins) == 0 {
		h.allowedOrigins = []string{"*"}
	}
	return h
}

// RegisterRoutes registers the API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Post("/sync", h.Sync)

		r.Get("/operations", h.ListOperations)
		r.Get("/operations/{slug}/confirm", h.ConfirmOperation)
		r.Post("/operations/{slug}/run", h.RunOperation)

		r.Get("/executions", h.ListExecutions)
		r.Get("/executions/pending", h.PendingExecution)
		r.Post("/executions/{id}/decision", h.DecideExecution)

		r.Get("/telemetry", h.Telemetry)
		r.Get("/conversation", h.Conversation)
		r.Post("/conversation", h.AppendConversation)
		r.Post("/support", h.SubmitSupport)

		r.Get("/settings", h.ListSettings)
		r.Get("/settings/{key}", h.GetSetting)
		r.Put("/settings/{key}", h.PutSetting)
	})
	r.Get("/ws/events", h.Events)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
