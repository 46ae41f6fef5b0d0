package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/storyforge/engine/internal/api/types"
	"github.com/storyforge/engine/internal/services"
)

type VersionsHandler struct {
	versions services.VersionService
}

func NewVersionsHandler(versions services.VersionService) *VersionsHandler {
	return &VersionsHandler{versions: versions}
}

func (h *VersionsHandler) List(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := pathID(w, r, "nodeID")
	if !ok {
		return
	}
	items, err := h.versions.ListVersions(r.Context(), nodeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: items})
}

func (h *VersionsHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := pathID(w, r, "nodeID")
	if !ok {
		return
	}
	var req struct {
		ChangedBy string `json:"changed_by"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	v, created, err := h.versions.MaybeSnapshot(r.Context(), nodeID, services.TriggerSignificant, req.ChangedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, types.APIResponse{Success: true, Data: map[string]any{"version": v, "created": created}})
}

func (h *VersionsHandler) Restore(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := pathID(w, r, "nodeID")
	if !ok {
		return
	}
	versionNumber, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || versionNumber < 1 {
		writeErrorStr(w, http.StatusBadRequest, "invalid version number")
		return
	}
	var req struct {
		ChangedBy string `json:"changed_by"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	v, err := h.versions.RestoreVersion(r.Context(), nodeID, versionNumber, req.ChangedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, types.APIResponse{Success: true, Data: v})
}
