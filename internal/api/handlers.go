package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"netsync/internal/codec"
	"netsync/internal/correction"
	"netsync/internal/replication"
)

// Handler methods for routerHandlers

func (h *routerHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := h.ctx.Stats()
	writeJSON(w, map[string]interface{}{
		"status": "ok",
		"role":   stats.Role,
		"tick":   stats.Tick,
	})
}

func (h *routerHandlers) handleGetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.ctx.Stats())
}

// registryResponse lets peers compare fingerprints before connecting.
type registryResponse struct {
	Fingerprint string           `json:"fingerprint"`
	Types       []codec.TypeInfo `json:"types"`
}

func (h *routerHandlers) handleGetRegistry(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, registryResponse{
		Fingerprint: h.ctx.Stats().Fingerprint,
		Types:       h.registry.Types(r.URL.Query().Get("schema") == "true"),
	})
}

func (h *routerHandlers) handleGetSchemas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.registry.Schemas())
}

func (h *routerHandlers) handleGetEntities(w http.ResponseWriter, r *http.Request) {
	entities := h.ctx.Entities()
	if entities == nil {
		entities = []replication.EntitySummary{}
	}

	writeJSON(w, map[string]interface{}{
		"entities": entities,
		"count":    len(entities),
	})
}

func (h *routerHandlers) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, "Invalid entity id", http.StatusBadRequest)
		return
	}

	summary, ok := h.ctx.EntitySummary(correction.EntityID(id))
	if !ok {
		writeError(w, "Entity not found", http.StatusNotFound)
		return
	}
	writeJSON(w, summary)
}

// Helper functions

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
