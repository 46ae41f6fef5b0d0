package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/storyforge/engine/internal/api/types"
	"github.com/storyforge/engine/internal/models"
	"github.com/storyforge/engine/internal/services"
)

type ReferencesHandler struct {
	refs services.ReferenceService
}

func NewReferencesHandler(refs services.ReferenceService) *ReferencesHandler {
	return &ReferencesHandler{refs: refs}
}

func (h *ReferencesHandler) Backlinks(w http.ResponseWriter, r *http.Request) {
	targetType := chi.URLParam(r, "targetType")
	switch targetType {
	case models.EntityNode, models.EntitySheet, models.EntityFlow, models.EntityMap:
	default:
		writeErrorStr(w, http.StatusBadRequest, "unknown target type")
		return
	}
	targetID, ok := pathID(w, r, "targetID")
	if !ok {
		return
	}
	items, err := h.refs.BacklinksFor(r.Context(), targetType, targetID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: items})
}

func (h *ReferencesHandler) Sync(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := pathID(w, r, "nodeID")
	if !ok {
		return
	}
	if err := h.refs.SyncReferences(r.Context(), nodeID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true})
}
