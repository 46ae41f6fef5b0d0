package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/storyforge/engine/internal/api/types"
	"github.com/storyforge/engine/internal/api/validators"
	"github.com/storyforge/engine/internal/services"
)

type NodesHandler struct {
	tree services.TreeService
}

func NewNodesHandler(tree services.TreeService) *NodesHandler {
	return &NodesHandler{tree: tree}
}

func (h *NodesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID     uuid.UUID  `json:"project_id" validate:"required"`
		ParentID      *uuid.UUID `json:"parent_id"`
		Name          string     `json:"name" validate:"required,max=255"`
		Shortcut      *string    `json:"shortcut"`
		Description   string     `json:"description"`
		Color         string     `json:"color"`
		AvatarAssetID string     `json:"avatar_asset_id"`
		BannerAssetID string     `json:"banner_asset_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := validators.New().Struct(req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, err.Error())
		return
	}
	node, err := h.tree.CreateNode(r.Context(), &services.CreateNodeInput{
		ProjectID:     req.ProjectID,
		ParentID:      req.ParentID,
		Name:          req.Name,
		Shortcut:      req.Shortcut,
		Description:   req.Description,
		Color:         req.Color,
		AvatarAssetID: req.AvatarAssetID,
		BannerAssetID: req.BannerAssetID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, types.APIResponse{Success: true, Data: node})
}

func (h *NodesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	node, err := h.tree.GetNode(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: node})
}

func (h *NodesHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Name          *string `json:"name"`
		Shortcut      *string `json:"shortcut"`
		ClearShortcut bool    `json:"clear_shortcut"`
		Description   *string `json:"description"`
		Color         *string `json:"color"`
		AvatarAssetID *string `json:"avatar_asset_id"`
		BannerAssetID *string `json:"banner_asset_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid json")
		return
	}
	node, err := h.tree.UpdateNode(r.Context(), id, &services.UpdateNodeInput{
		Name:          req.Name,
		Shortcut:      req.Shortcut,
		ClearShortcut: req.ClearShortcut,
		Description:   req.Description,
		Color:         req.Color,
		AvatarAssetID: req.AvatarAssetID,
		BannerAssetID: req.BannerAssetID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: node})
}

func (h *NodesHandler) Move(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		NewParentID *uuid.UUID `json:"new_parent_id"`
		Index       int        `json:"index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.tree.MoveNode(r.Context(), id, req.NewParentID, req.Index); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true})
}

func (h *NodesHandler) Reorder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID  uuid.UUID   `json:"project_id" validate:"required"`
		ParentID   *uuid.UUID  `json:"parent_id"`
		OrderedIDs []uuid.UUID `json:"ordered_ids" validate:"required,min=1"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := validators.New().Struct(req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.tree.ReorderSiblings(r.Context(), req.ProjectID, req.ParentID, req.OrderedIDs); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true})
}

func (h *NodesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.tree.SoftDelete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true})
}

func (h *NodesHandler) Restore(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.tree.Restore(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true})
}

func (h *NodesHandler) Purge(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.tree.Purge(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true})
}

func (h *NodesHandler) Tree(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	forest, err := h.tree.ListTree(r.Context(), projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: forest})
}

func (h *NodesHandler) Trash(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	items, err := h.tree.ListTrash(r.Context(), projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: items})
}
