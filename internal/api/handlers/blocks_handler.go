package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/storyforge/engine/internal/api/types"
	"github.com/storyforge/engine/internal/api/validators"
	"github.com/storyforge/engine/internal/models"
	"github.com/storyforge/engine/internal/services"
)

type BlocksHandler struct {
	blocks      services.BlockService
	inheritance services.InheritanceService
	refs        services.ReferenceService
}

func NewBlocksHandler(blocks services.BlockService, inheritance services.InheritanceService, refs services.ReferenceService) *BlocksHandler {
	return &BlocksHandler{blocks: blocks, inheritance: inheritance, refs: refs}
}

func (h *BlocksHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerNodeID uuid.UUID          `json:"owner_node_id" validate:"required"`
		Type        string             `json:"type" validate:"required"`
		Config      models.BlockConfig `json:"config"`
		Scope       string             `json:"scope"`
		IsConstant  bool               `json:"is_constant"`
		Required    bool               `json:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := validators.New().Struct(req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, err.Error())
		return
	}
	block, err := h.blocks.CreateBlock(r.Context(), &services.CreateBlockInput{
		OwnerNodeID: req.OwnerNodeID,
		Type:        models.BlockType(req.Type),
		Config:      req.Config,
		Scope:       models.BlockScope(req.Scope),
		IsConstant:  req.IsConstant,
		Required:    req.Required,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, types.APIResponse{Success: true, Data: block})
}

func (h *BlocksHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	block, err := h.blocks.GetBlock(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: block})
}

func (h *BlocksHandler) ListByNode(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := pathID(w, r, "nodeID")
	if !ok {
		return
	}
	blocks, err := h.blocks.ListBlocks(r.Context(), nodeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: blocks})
}

func (h *BlocksHandler) UpdateValue(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid json")
		return
	}
	block, err := h.blocks.UpdateBlockValue(r.Context(), id, req.Value)
	if err != nil {
		writeError(w, err)
		return
	}
	// Keep the backlink graph in step with the new value.
	if err := h.refs.SyncReferences(r.Context(), block.OwnerNodeID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: block})
}

func (h *BlocksHandler) UpdateDefinition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Type     *string             `json:"type"`
		Config   *models.BlockConfig `json:"config"`
		Required *bool               `json:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid json")
		return
	}
	input := &services.UpdateBlockDefinitionInput{Config: req.Config, Required: req.Required}
	if req.Type != nil {
		t := models.BlockType(*req.Type)
		input.Type = &t
	}
	block, err := h.blocks.UpdateBlockDefinition(r.Context(), id, input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: block})
}

func (h *BlocksHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.blocks.DeleteBlock(r.Context(), id, ""); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true})
}

func (h *BlocksHandler) CreateColumnGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BlockIDs []uuid.UUID `json:"block_ids" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid json")
		return
	}
	groupID, err := h.blocks.CreateColumnGroup(r.Context(), req.BlockIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, types.APIResponse{Success: true, Data: map[string]string{"group_id": groupID.String()}})
}

func (h *BlocksHandler) DissolveColumnGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}
	if err := h.blocks.DissolveColumnGroup(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true})
}

func (h *BlocksHandler) Inherited(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := pathID(w, r, "nodeID")
	if !ok {
		return
	}
	groups, err := h.inheritance.ResolveInheritedBlocks(r.Context(), nodeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: groups})
}

func (h *BlocksHandler) Detach(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	block, err := h.inheritance.DetachBlock(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: block})
}

func (h *BlocksHandler) Reattach(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	block, err := h.inheritance.ReattachBlock(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: block})
}

func (h *BlocksHandler) Hide(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := pathID(w, r, "nodeID")
	if !ok {
		return
	}
	blockID, ok := pathID(w, r, "blockID")
	if !ok {
		return
	}
	if err := h.inheritance.HideForChildren(r.Context(), nodeID, blockID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true})
}

func (h *BlocksHandler) Unhide(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := pathID(w, r, "nodeID")
	if !ok {
		return
	}
	blockID, ok := pathID(w, r, "blockID")
	if !ok {
		return
	}
	if err := h.inheritance.UnhideForChildren(r.Context(), nodeID, blockID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true})
}

func (h *BlocksHandler) Propagate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		NodeIDs []uuid.UUID `json:"node_ids" validate:"required,min=1"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := validators.New().Struct(req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := h.inheritance.PropagateToDescendants(r.Context(), id, req.NodeIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: report})
}
