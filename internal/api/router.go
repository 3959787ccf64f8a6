// Package api exposes the daemon's HTTP surface: supervision health, adapter
// listings with secrets redacted, adapter deletion, adapter logs, spaces, and
// the WebSocket event stream.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	hverrors "github.com/haven-home/haven/internal/errors"
	"github.com/haven-home/haven/internal/secrets"
	"github.com/haven-home/haven/internal/spaces"
	"github.com/haven-home/haven/internal/store"
	"github.com/haven-home/haven/internal/supervisor"
	"github.com/haven-home/haven/internal/websocket"
)

// Router wires the HTTP handlers to their collaborators.
type Router struct {
	supervisor *supervisor.Supervisor
	spaces     *spaces.Registry
	store      *store.Store
	hub        *websocket.Hub
}

// NewRouter builds the daemon's HTTP handler.
func NewRouter(sup *supervisor.Supervisor, reg *spaces.Registry, st *store.Store, hub *websocket.Hub) *Router {
	return &Router{supervisor: sup, spaces: reg, store: st, hub: hub}
}

// Handler returns the configured mux.
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", rt.handleHealth)
	mux.HandleFunc("GET /api/adapters", rt.handleListAdapters)
	mux.HandleFunc("DELETE /api/adapters/{id}", rt.handleDeleteAdapter)
	mux.HandleFunc("GET /api/adapters/{id}/logs", rt.handleAdapterLogs)
	mux.HandleFunc("GET /api/spaces", rt.handleListSpaces)
	mux.HandleFunc("GET /ws", rt.hub.HandleWebSocket)
	return mux
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"adapters": rt.supervisor.Health(),
		"clients":  rt.hub.ClientCount(),
	})
}

// handleListAdapters returns adapter records with every secret reference
// replaced by a non-reversible placeholder. The raw reference never leaves
// the database through this surface.
func (rt *Router) handleListAdapters(w http.ResponseWriter, r *http.Request) {
	records, err := rt.store.ListAdapters()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list adapters")
		return
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]any{
			"id":          rec.ID,
			"type":        rec.Type,
			"displayName": rec.DisplayName,
			"config":      secrets.RedactBag(rec.ConfigBag),
			"createdAt":   rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"adapters": out})
}

// handleDeleteAdapter stops the adapter if it is running, erases the secrets
// its config references, and removes the persisted record.
func (rt *Router) handleDeleteAdapter(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := rt.supervisor.Deprovision(r.Context(), rt.store, id); err != nil {
		if errors.Is(err, hverrors.ErrNotFound) {
			writeError(w, http.StatusNotFound, "adapter not found")
			return
		}
		log.Error().Err(err).Str("adapterId", id).Msg("Adapter deletion failed")
		writeError(w, http.StatusInternalServerError, "failed to delete adapter")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (rt *Router) handleAdapterLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := rt.supervisor.Logs(id, limit)
	if err != nil {
		if errors.Is(err, hverrors.ErrNotFound) {
			writeError(w, http.StatusNotFound, "adapter not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to read logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"adapterId": id, "logs": entries})
}

func (rt *Router) handleListSpaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"spaces": rt.spaces.Snapshot()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode API response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
