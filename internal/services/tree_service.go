package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/storyforge/engine/internal/models"
	"github.com/storyforge/engine/internal/repository"
	appErr "github.com/storyforge/engine/pkg/errors"
	"github.com/storyforge/engine/pkg/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TreeNodeView is one node of the forest returned by ListTree.
type TreeNodeView struct {
	Node     models.Node     `json:"node"`
	Children []*TreeNodeView `json:"children"`
}

type CreateNodeInput struct {
	ProjectID     uuid.UUID
	ParentID      *uuid.UUID
	Name          string
	Shortcut      *string
	Description   string
	Color         string
	AvatarAssetID string
	BannerAssetID string
	ChangedBy     string
}

type UpdateNodeInput struct {
	Name          *string
	Shortcut      *string
	ClearShortcut bool
	Description   *string
	Color         *string
	AvatarAssetID *string
	BannerAssetID *string
	ChangedBy     string
}

// TreeService owns node lifecycle: create, update, move, reorder, cascade
// soft delete with grouped restore, purge and forest listing.
type TreeService interface {
	CreateNode(ctx context.Context, input *CreateNodeInput) (*models.Node, error)
	GetNode(ctx context.Context, nodeID uuid.UUID) (*models.Node, error)
	UpdateNode(ctx context.Context, nodeID uuid.UUID, input *UpdateNodeInput) (*models.Node, error)
	MoveNode(ctx context.Context, nodeID uuid.UUID, newParentID *uuid.UUID, index int) error
	ReorderSiblings(ctx context.Context, projectID uuid.UUID, parentID *uuid.UUID, orderedIDs []uuid.UUID) error
	SoftDelete(ctx context.Context, nodeID uuid.UUID) error
	Restore(ctx context.Context, nodeID uuid.UUID) error
	Purge(ctx context.Context, nodeID uuid.UUID) error
	ListTree(ctx context.Context, projectID uuid.UUID) ([]*TreeNodeView, error)
	ListTrash(ctx context.Context, projectID uuid.UUID) ([]models.Node, error)
}

type treeService struct {
	db          *gorm.DB
	nodeRepo    repository.NodeRepository
	projectRepo repository.ProjectRepository
	inheritance InheritanceService
	versions    VersionService
}

func NewTreeService(db *gorm.DB, nodeRepo repository.NodeRepository, projectRepo repository.ProjectRepository, inheritance InheritanceService, versions VersionService) TreeService {
	return &treeService{db: db, nodeRepo: nodeRepo, projectRepo: projectRepo, inheritance: inheritance, versions: versions}
}

var _ TreeService = (*treeService)(nil)

func (s *treeService) validateShortcut(ctx context.Context, projectID uuid.UUID, shortcut string, excludeID uuid.UUID) error {
	if !models.ValidShortcut(shortcut) {
		return appErr.New(appErr.CodeInvalid, "shortcut must be lowercase alphanumerics, dots and dashes").
			WithMeta("shortcut", shortcut)
	}
	taken, err := s.nodeRepo.ShortcutTaken(ctx, projectID, shortcut, excludeID)
	if err != nil {
		return err
	}
	if taken {
		return appErr.New(appErr.CodeShortcutConflict, "shortcut already in use").WithMeta("shortcut", shortcut)
	}
	return nil
}

func (s *treeService) CreateNode(ctx context.Context, input *CreateNodeInput) (*models.Node, error) {
	logger.L().Info("create node", zap.String("project_id", input.ProjectID.String()), zap.String("name", input.Name))

	var project models.Project
	if err := s.projectRepo.GetByID(ctx, input.ProjectID, &project); err != nil {
		return nil, err
	}

	// Structural validation against freshly read state, before any write.
	if input.ParentID != nil {
		var parent models.Node
		if err := s.nodeRepo.GetLive(ctx, *input.ParentID, &parent); err != nil {
			return nil, appErr.Wrap(err, appErr.CodeInvalidParent, "parent not found or deleted")
		}
		if parent.ProjectID != input.ProjectID {
			return nil, appErr.New(appErr.CodeInvalidParent, "parent belongs to a different project")
		}
	}
	if input.Shortcut != nil {
		if err := s.validateShortcut(ctx, input.ProjectID, *input.Shortcut, uuid.Nil); err != nil {
			return nil, err
		}
	}

	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, appErr.Wrap(tx.Error, appErr.CodeInternal, "begin transaction failed")
	}

	siblings, err := txLiveChildren(tx, input.ProjectID, input.ParentID)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	node := &models.Node{
		ProjectID:     input.ProjectID,
		ParentID:      input.ParentID,
		Position:      len(siblings),
		Name:          input.Name,
		Shortcut:      input.Shortcut,
		Description:   input.Description,
		Color:         input.Color,
		AvatarAssetID: input.AvatarAssetID,
		BannerAssetID: input.BannerAssetID,
	}
	if err := tx.Create(node).Error; err != nil {
		tx.Rollback()
		return nil, appErr.Wrap(err, appErr.CodeInternal, "create node failed")
	}

	// New children receive instances of every applicable definition.
	if err := s.inheritance.InstantiateForNode(ctx, tx, node); err != nil {
		tx.Rollback()
		return nil, err
	}

	if _, _, err := s.versions.SnapshotInTx(ctx, tx, node.ID, TriggerSignificant, input.ChangedBy); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "commit transaction failed")
	}

	logger.L().Info("node created", zap.String("node_id", node.ID.String()))
	return node, nil
}

func (s *treeService) GetNode(ctx context.Context, nodeID uuid.UUID) (*models.Node, error) {
	var node models.Node
	if err := s.nodeRepo.GetLive(ctx, nodeID, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *treeService) UpdateNode(ctx context.Context, nodeID uuid.UUID, input *UpdateNodeInput) (*models.Node, error) {
	var node models.Node
	if err := s.nodeRepo.GetLive(ctx, nodeID, &node); err != nil {
		return nil, err
	}

	significant := false
	if input.Name != nil && *input.Name != node.Name {
		node.Name = *input.Name
		significant = true
	}
	switch {
	case input.ClearShortcut:
		if node.Shortcut != nil {
			node.Shortcut = nil
			significant = true
		}
	case input.Shortcut != nil:
		if node.Shortcut == nil || *node.Shortcut != *input.Shortcut {
			if err := s.validateShortcut(ctx, node.ProjectID, *input.Shortcut, node.ID); err != nil {
				return nil, err
			}
			node.Shortcut = input.Shortcut
			significant = true
		}
	}
	if input.Description != nil {
		node.Description = *input.Description
	}
	if input.Color != nil {
		node.Color = *input.Color
	}
	if input.AvatarAssetID != nil {
		node.AvatarAssetID = *input.AvatarAssetID
	}
	if input.BannerAssetID != nil {
		node.BannerAssetID = *input.BannerAssetID
	}

	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, appErr.Wrap(tx.Error, appErr.CodeInternal, "begin transaction failed")
	}
	if err := tx.Save(&node).Error; err != nil {
		tx.Rollback()
		return nil, appErr.Wrap(err, appErr.CodeInternal, "update node failed")
	}
	if significant {
		if _, _, err := s.versions.SnapshotInTx(ctx, tx, node.ID, TriggerSignificant, input.ChangedBy); err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	if err := tx.Commit().Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "commit transaction failed")
	}
	return &node, nil
}

func (s *treeService) MoveNode(ctx context.Context, nodeID uuid.UUID, newParentID *uuid.UUID, index int) error {
	var node models.Node
	if err := s.nodeRepo.GetLive(ctx, nodeID, &node); err != nil {
		return err
	}

	if newParentID != nil {
		if *newParentID == nodeID {
			return appErr.New(appErr.CodeCycleDetected, "node cannot be its own parent")
		}
		var parent models.Node
		if err := s.nodeRepo.GetLive(ctx, *newParentID, &parent); err != nil {
			return appErr.Wrap(err, appErr.CodeInvalidParent, "new parent not found or deleted")
		}
		if parent.ProjectID != node.ProjectID {
			return appErr.New(appErr.CodeInvalidParent, "new parent belongs to a different project")
		}
		// Reject before writing: moving under a descendant forms a cycle.
		chain, err := ancestorChain(s.db.WithContext(ctx), &parent)
		if err != nil {
			return err
		}
		for _, a := range chain {
			if a.ID == nodeID {
				return appErr.New(appErr.CodeCycleDetected, "new parent is a descendant of the node")
			}
		}
	}

	oldParentID := node.ParentID

	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return appErr.Wrap(tx.Error, appErr.CodeInternal, "begin transaction failed")
	}

	// Close the gap among old siblings.
	oldSiblings, err := txLiveChildren(tx, node.ProjectID, oldParentID)
	if err != nil {
		tx.Rollback()
		return err
	}
	pos := 0
	for _, sib := range oldSiblings {
		if sib.ID == node.ID {
			continue
		}
		if err := tx.Model(&models.Node{}).Where("id = ?", sib.ID).Update("position", pos).Error; err != nil {
			tx.Rollback()
			return appErr.Wrap(err, appErr.CodeInternal, "resequence old siblings failed")
		}
		pos++
	}

	// Insert among new siblings at the requested index.
	newSiblings, err := txLiveChildren(tx, node.ProjectID, newParentID)
	if err != nil {
		tx.Rollback()
		return err
	}
	ordered := make([]uuid.UUID, 0, len(newSiblings)+1)
	for _, sib := range newSiblings {
		if sib.ID != node.ID {
			ordered = append(ordered, sib.ID)
		}
	}
	if index < 0 {
		index = 0
	}
	if index > len(ordered) {
		index = len(ordered)
	}
	ordered = append(ordered[:index], append([]uuid.UUID{node.ID}, ordered[index:]...)...)
	for i, id := range ordered {
		updates := map[string]any{"position": i}
		if id == node.ID {
			updates["parent_id"] = newParentID
		}
		if err := tx.Model(&models.Node{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			tx.Rollback()
			return appErr.Wrap(err, appErr.CodeInternal, "resequence new siblings failed")
		}
	}

	// Inheritance over the moved subtree reflects the new ancestor chain.
	node.ParentID = newParentID
	if err := s.inheritance.RecomputeAfterMove(ctx, tx, &node); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit().Error; err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "commit transaction failed")
	}

	logger.L().Info("node moved", zap.String("node_id", nodeID.String()))
	return nil
}

func (s *treeService) ReorderSiblings(ctx context.Context, projectID uuid.UUID, parentID *uuid.UUID, orderedIDs []uuid.UUID) error {
	current, err := s.nodeRepo.ListLiveChildren(ctx, projectID, parentID)
	if err != nil {
		return err
	}
	children := make(map[uuid.UUID]bool, len(current))
	for _, c := range current {
		children[c.ID] = true
	}
	if len(orderedIDs) != len(current) {
		return appErr.New(appErr.CodeInvalidSiblingSet, "ordered ids must cover the current sibling set")
	}
	seen := map[uuid.UUID]bool{}
	for _, id := range orderedIDs {
		if !children[id] || seen[id] {
			return appErr.New(appErr.CodeInvalidSiblingSet, "id is not a child of the parent").WithMeta("node_id", id.String())
		}
		seen[id] = true
	}

	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return appErr.Wrap(tx.Error, appErr.CodeInternal, "begin transaction failed")
	}
	for i, id := range orderedIDs {
		if err := tx.Model(&models.Node{}).Where("id = ?", id).Update("position", i).Error; err != nil {
			tx.Rollback()
			return appErr.Wrap(err, appErr.CodeInternal, "reorder failed")
		}
	}
	if err := tx.Commit().Error; err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "commit transaction failed")
	}
	return nil
}

// SoftDelete marks the node and all its live descendants deleted in one
// logical operation, stamped with a shared op id so Restore resurrects
// exactly this group and nothing else.
func (s *treeService) SoftDelete(ctx context.Context, nodeID uuid.UUID) error {
	var node models.Node
	if err := s.nodeRepo.GetLive(ctx, nodeID, &node); err != nil {
		return err
	}

	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return appErr.Wrap(tx.Error, appErr.CodeInternal, "begin transaction failed")
	}

	subtree, err := collectSubtree(tx, &node)
	if err != nil {
		tx.Rollback()
		return err
	}
	ids := make([]uuid.UUID, len(subtree))
	for i, n := range subtree {
		ids[i] = n.ID
	}

	opID := uuid.New()
	now := time.Now()

	if err := tx.Model(&models.Node{}).
		Where("id IN ? AND deleted_at IS NULL", ids).
		Updates(map[string]any{"deleted_at": now, "delete_op_id": opID}).Error; err != nil {
		tx.Rollback()
		return appErr.Wrap(err, appErr.CodeInternal, "soft delete nodes failed")
	}
	if err := tx.Model(&models.Block{}).
		Where("owner_node_id IN ? AND deleted_at IS NULL", ids).
		Updates(map[string]any{"deleted_at": now, "delete_op_id": opID}).Error; err != nil {
		tx.Rollback()
		return appErr.Wrap(err, appErr.CodeInternal, "soft delete blocks failed")
	}
	// Backlinks from deleted sources disappear immediately; restore relies
	// on the caller re-extracting content.
	if err := tx.Delete(&models.EntityReference{}, "source_type = ? AND source_id IN ?", models.EntityNode, ids).Error; err != nil {
		tx.Rollback()
		return appErr.Wrap(err, appErr.CodeInternal, "delete references failed")
	}

	if err := tx.Commit().Error; err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "commit transaction failed")
	}

	logger.L().Info("subtree soft-deleted",
		zap.String("node_id", nodeID.String()),
		zap.String("delete_op_id", opID.String()),
		zap.Int("nodes", len(ids)))
	return nil
}

// Restore clears deletion only on rows stamped by the same soft-delete
// operation as nodeID. Independently deleted subtrees stay deleted.
func (s *treeService) Restore(ctx context.Context, nodeID uuid.UUID) error {
	var node models.Node
	if err := s.nodeRepo.GetByID(ctx, nodeID, &node); err != nil {
		return err
	}
	if !node.Deleted() || node.DeleteOpID == nil {
		return appErr.New(appErr.CodeInvalid, "node is not in the trash")
	}
	opID := *node.DeleteOpID

	group, err := s.nodeRepo.ListByDeleteOp(ctx, opID)
	if err != nil {
		return err
	}
	inGroup := make(map[uuid.UUID]bool, len(group))
	for _, n := range group {
		inGroup[n.ID] = true
	}

	// The op root is the group member whose parent is outside the group;
	// restoring under a still-deleted parent would orphan the subtree.
	for _, n := range group {
		if n.ParentID == nil || inGroup[*n.ParentID] {
			continue
		}
		var parent models.Node
		if err := s.nodeRepo.GetByID(ctx, *n.ParentID, &parent); err != nil {
			return err
		}
		if parent.Deleted() {
			return appErr.New(appErr.CodeInvalidParent, "cannot restore under a deleted parent")
		}
	}

	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return appErr.Wrap(tx.Error, appErr.CodeInternal, "begin transaction failed")
	}
	if err := tx.Model(&models.Node{}).
		Where("delete_op_id = ?", opID).
		Updates(map[string]any{"deleted_at": nil, "delete_op_id": nil}).Error; err != nil {
		tx.Rollback()
		return appErr.Wrap(err, appErr.CodeInternal, "restore nodes failed")
	}
	if err := tx.Model(&models.Block{}).
		Where("delete_op_id = ?", opID).
		Updates(map[string]any{"deleted_at": nil, "delete_op_id": nil}).Error; err != nil {
		tx.Rollback()
		return appErr.Wrap(err, appErr.CodeInternal, "restore blocks failed")
	}
	if err := tx.Commit().Error; err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "commit transaction failed")
	}

	logger.L().Info("subtree restored", zap.String("delete_op_id", opID.String()), zap.Int("nodes", len(group)))
	return nil
}

// Purge hard-deletes a trashed node's subtree with its blocks, versions and
// reference edges in both directions.
func (s *treeService) Purge(ctx context.Context, nodeID uuid.UUID) error {
	var node models.Node
	if err := s.nodeRepo.GetByID(ctx, nodeID, &node); err != nil {
		return err
	}
	if !node.Deleted() {
		return appErr.New(appErr.CodeInvalid, "only trashed nodes can be purged")
	}

	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return appErr.Wrap(tx.Error, appErr.CodeInternal, "begin transaction failed")
	}

	// Deleted descendants included: walk without the live filter.
	ids := []uuid.UUID{node.ID}
	frontier := []uuid.UUID{node.ID}
	for len(frontier) > 0 {
		var next []uuid.UUID
		if err := tx.Model(&models.Node{}).
			Where("parent_id IN ?", frontier).
			Pluck("id", &next).Error; err != nil {
			tx.Rollback()
			return appErr.Wrap(err, appErr.CodeInternal, "collect purge subtree failed")
		}
		ids = append(ids, next...)
		frontier = next
	}

	for _, del := range []struct {
		model any
		query string
	}{
		{&models.Block{}, "owner_node_id IN ?"},
		{&models.NodeVersion{}, "node_id IN ?"},
	} {
		if err := tx.Delete(del.model, del.query, ids).Error; err != nil {
			tx.Rollback()
			return appErr.Wrap(err, appErr.CodeInternal, "purge rows failed")
		}
	}
	if err := tx.Delete(&models.EntityReference{}, "(source_type = ? AND source_id IN ?) OR (target_type = ? AND target_id IN ?)",
		models.EntityNode, ids, models.EntityNode, ids).Error; err != nil {
		tx.Rollback()
		return appErr.Wrap(err, appErr.CodeInternal, "purge references failed")
	}
	if err := tx.Delete(&models.Node{}, "id IN ?", ids).Error; err != nil {
		tx.Rollback()
		return appErr.Wrap(err, appErr.CodeInternal, "purge nodes failed")
	}

	if err := tx.Commit().Error; err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "commit transaction failed")
	}

	logger.L().Info("subtree purged", zap.String("node_id", nodeID.String()), zap.Int("nodes", len(ids)))
	return nil
}

// ListTree returns the project's live nodes as a forest ordered by position
// within each parent: one fetch, one assembly pass.
func (s *treeService) ListTree(ctx context.Context, projectID uuid.UUID) ([]*TreeNodeView, error) {
	nodes, err := s.nodeRepo.ListLiveByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	views := make(map[uuid.UUID]*TreeNodeView, len(nodes))
	for i := range nodes {
		views[nodes[i].ID] = &TreeNodeView{Node: nodes[i]}
	}
	var roots []*TreeNodeView
	for i := range nodes {
		v := views[nodes[i].ID]
		if nodes[i].ParentID == nil {
			roots = append(roots, v)
			continue
		}
		if parent, ok := views[*nodes[i].ParentID]; ok {
			parent.Children = append(parent.Children, v)
		} else {
			// Parent missing from the live set; surface rather than drop.
			roots = append(roots, v)
		}
	}
	return roots, nil
}

func (s *treeService) ListTrash(ctx context.Context, projectID uuid.UUID) ([]models.Node, error) {
	return s.nodeRepo.ListTrash(ctx, projectID)
}

// txLiveChildren lists live children of parentID (nil for roots) inside a
// transaction.
func txLiveChildren(tx *gorm.DB, projectID uuid.UUID, parentID *uuid.UUID) ([]models.Node, error) {
	var out []models.Node
	q := tx.Where("project_id = ? AND deleted_at IS NULL", projectID)
	if parentID == nil {
		q = q.Where("parent_id IS NULL")
	} else {
		q = q.Where("parent_id = ?", *parentID)
	}
	if err := q.Order("position ASC, created_at ASC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list siblings failed")
	}
	return out, nil
}
