package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/quill/internal/engine"
	"github.com/roach88/quill/internal/event"
	"github.com/roach88/quill/internal/store"
)

// Handler routes the notebook API: event submission, projection reads,
// and the event stream.
type Handler struct {
	engine *engine.Engine
	store  *store.Store
	hub    *Hub
	auth   *TokenAuth
	log    *slog.Logger
}

// NewHandler creates a Handler over the given engine and projection.
func NewHandler(e *engine.Engine, s *store.Store, hub *Hub, auth *TokenAuth, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if auth == nil {
		auth = NewTokenAuth(nil)
	}
	return &Handler{engine: e, store: s, hub: hub, auth: auth, log: log}
}

// Router builds the chi router with all routes mounted.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.auth.Middleware)

	r.Get("/api/v1/notebooks", h.listNotebooks)
	r.Route("/api/v1/notebooks/{notebookID}", func(r chi.Router) {
		r.Post("/events", h.appendEvent)
		r.Get("/events", h.listEvents)
		r.Get("/stream", h.streamEvents)
		r.Get("/cells", h.listCells)
		r.Get("/cells/{cellID}", h.getCell)
		r.Get("/cells/{cellID}/outputs", h.listOutputs)
		r.Get("/queue", h.listQueue)
		r.Get("/sessions", h.listSessions)
		r.Get("/presence", h.listPresence)
	})
	return r
}

type appendRequest struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

type appendResponse struct {
	Accepted bool `json:"accepted"`
}

// appendEvent validates and submits one event to the notebook's log.
// Acceptance means the event passed validation and entered the write
// queue; commit ordering is observed on the stream.
func (h *Handler) appendEvent(w http.ResponseWriter, r *http.Request) {
	notebookID := chi.URLParam(r, "notebookID")

	var req appendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", "")
		return
	}
	if event.Deprecated(req.Name) {
		writeErrorCode(w, http.StatusBadRequest, string(engine.ErrCodeDeprecated),
			"deprecated event names are replay-only", "")
		return
	}
	payload, err := event.Decode(req.Name, req.Payload)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, string(engine.ErrCodeMalformed),
			"undecodable event", err.Error())
		return
	}

	if err := h.engine.Append(r.Context(), notebookID, Actor(r.Context()), payload); err != nil {
		var ae *engine.AppendError
		if errors.As(err, &ae) {
			status := http.StatusBadRequest
			if ae.Code == engine.ErrCodeStopped {
				status = http.StatusServiceUnavailable
			}
			writeErrorCode(w, status, string(ae.Code), ae.Message, "")
			return
		}
		writeError(w, http.StatusInternalServerError, "append failed", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(appendResponse{Accepted: true})
}

func (h *Handler) listNotebooks(w http.ResponseWriter, r *http.Request) {
	ids, err := h.store.NotebookIDs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list notebooks", err.Error())
		return
	}
	writeJSON(w, map[string][]string{"notebooks": ids})
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.ReadEvents(r.Context(), chi.URLParam(r, "notebookID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read events", err.Error())
		return
	}
	writeJSON(w, map[string][]store.EventRecord{"events": records})
}

func (h *Handler) listCells(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cells, err := h.store.CellsByOrder(ctx, h.store.DB(), chi.URLParam(r, "notebookID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list cells", err.Error())
		return
	}
	writeJSON(w, map[string][]store.Cell{"cells": cells})
}

func (h *Handler) getCell(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cell, err := h.store.CellByID(ctx, h.store.DB(), chi.URLParam(r, "cellID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read cell", err.Error())
		return
	}
	if cell == nil || cell.NotebookID != chi.URLParam(r, "notebookID") {
		writeError(w, http.StatusNotFound, "cell not found", "")
		return
	}
	writeJSON(w, cell)
}

// outputView is a projected output with its delta chain rendered into
// the final text clients display.
type outputView struct {
	store.Output
	RenderedText string `json:"renderedText,omitempty"`
}

func (h *Handler) listOutputs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	outputs, err := h.store.OutputsForCell(ctx, h.store.DB(), chi.URLParam(r, "cellID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list outputs", err.Error())
		return
	}

	views := make([]outputView, 0, len(outputs))
	for _, out := range outputs {
		view := outputView{Output: out}
		if out.OutputType == store.OutputTypeStream || out.OutputType == store.OutputTypeMarkdown {
			text, err := h.store.RenderedText(ctx, h.store.DB(), out.ID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to render output", err.Error())
				return
			}
			view.RenderedText = text
		}
		views = append(views, view)
	}
	writeJSON(w, map[string][]outputView{"outputs": views})
}

func (h *Handler) listQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.QueueEntries(r.Context(), h.store.DB(), chi.URLParam(r, "notebookID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list queue", err.Error())
		return
	}
	writeJSON(w, map[string][]store.QueueEntry{"queue": entries})
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.ActiveSessions(r.Context(), h.store.DB(), chi.URLParam(r, "notebookID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions", err.Error())
		return
	}
	writeJSON(w, map[string][]store.Session{"sessions": sessions})
}

func (h *Handler) listPresence(w http.ResponseWriter, r *http.Request) {
	presence, err := h.store.PresenceForNotebook(r.Context(), h.store.DB(), chi.URLParam(r, "notebookID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list presence", err.Error())
		return
	}
	writeJSON(w, map[string][]store.Presence{"presence": presence})
}

type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: message, Details: details})
}

func writeErrorCode(w http.ResponseWriter, status int, code, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: message, Code: code, Details: details})
}
