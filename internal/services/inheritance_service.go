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

// propagateChunkSize bounds the number of instances written per transaction
// during bulk propagation.
const propagateChunkSize = 100

// maxTreeDepth guards ancestor walks against corrupted parent chains.
const maxTreeDepth = 100

// InheritedGroup is the set of defining blocks a node inherits from one
// ancestor, nearest-ancestor-first across groups.
type InheritedGroup struct {
	SourceNode models.Node    `json:"source_node"`
	Blocks     []models.Block `json:"blocks"`
}

// PropagationReport is the partial-success result of a bulk propagation:
// conflicting nodes are skipped, never overwritten.
type PropagationReport struct {
	Created []uuid.UUID       `json:"created"`
	Skipped []PropagationSkip `json:"skipped"`
}

// PropagationSkip names a node left untouched during propagation and why.
type PropagationSkip struct {
	NodeID       uuid.UUID `json:"node_id"`
	VariableName string    `json:"variable_name,omitempty"`
	Reason       string    `json:"reason"`
}

// InheritanceService computes which properties a node displays and keeps
// cascade instances synchronized with their definitions as the tree and
// definitions change.
type InheritanceService interface {
	ResolveInheritedBlocks(ctx context.Context, nodeID uuid.UUID) ([]InheritedGroup, error)
	PropagateToDescendants(ctx context.Context, definingBlockID uuid.UUID, nodeIDs []uuid.UUID) (*PropagationReport, error)
	SyncDefinitionChange(ctx context.Context, definingBlockID uuid.UUID) error
	DetachBlock(ctx context.Context, instanceID uuid.UUID) (*models.Block, error)
	ReattachBlock(ctx context.Context, instanceID uuid.UUID) (*models.Block, error)
	HideForChildren(ctx context.Context, nodeID, ancestorBlockID uuid.UUID) error
	UnhideForChildren(ctx context.Context, nodeID, ancestorBlockID uuid.UUID) error

	// Transaction-scoped hooks for the tree service.
	InstantiateForNode(ctx context.Context, tx *gorm.DB, node *models.Node) error
	RecomputeAfterMove(ctx context.Context, tx *gorm.DB, node *models.Node) error
	SyncDefinitionChangeInTx(ctx context.Context, tx *gorm.DB, defining *models.Block) error
}

type inheritanceService struct {
	db        *gorm.DB
	nodeRepo  repository.NodeRepository
	blockRepo repository.BlockRepository
}

func NewInheritanceService(db *gorm.DB, nodeRepo repository.NodeRepository, blockRepo repository.BlockRepository) InheritanceService {
	return &inheritanceService{db: db, nodeRepo: nodeRepo, blockRepo: blockRepo}
}

var _ InheritanceService = (*inheritanceService)(nil)

// ancestorChain returns the live ancestors of node, nearest-first.
func ancestorChain(q *gorm.DB, node *models.Node) ([]models.Node, error) {
	var chain []models.Node
	seen := map[uuid.UUID]bool{node.ID: true}
	pid := node.ParentID
	for pid != nil {
		if seen[*pid] || len(chain) >= maxTreeDepth {
			return nil, appErr.New(appErr.CodeCycleDetected, "parent chain forms a cycle")
		}
		var parent models.Node
		if err := q.Where("id = ? AND deleted_at IS NULL", *pid).First(&parent).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil, appErr.New(appErr.CodeInvalidParent, "ancestor is missing or deleted")
			}
			return nil, appErr.Wrap(err, appErr.CodeInternal, "load ancestor failed")
		}
		seen[parent.ID] = true
		chain = append(chain, parent)
		pid = parent.ParentID
	}
	return chain, nil
}

// liveChildren lists live children of parentID inside a transaction.
func liveChildren(q *gorm.DB, projectID uuid.UUID, parentID uuid.UUID) ([]models.Node, error) {
	var out []models.Node
	err := q.Where("project_id = ? AND parent_id = ? AND deleted_at IS NULL", projectID, parentID).
		Order("position ASC, created_at ASC").
		Find(&out).Error
	return out, err
}

// collectSubtree returns node plus all its live descendants, breadth-first.
func collectSubtree(q *gorm.DB, node *models.Node) ([]models.Node, error) {
	out := []models.Node{*node}
	frontier := []uuid.UUID{node.ID}
	for len(frontier) > 0 && len(out) <= 1<<20 {
		var next []uuid.UUID
		for _, id := range frontier {
			children, err := liveChildren(q, node.ProjectID, id)
			if err != nil {
				return nil, appErr.Wrap(err, appErr.CodeInternal, "collect subtree failed")
			}
			for _, c := range children {
				out = append(out, c)
				next = append(next, c.ID)
			}
		}
		frontier = next
	}
	return out, nil
}

// resolveForNode computes the inherited groups of node: walk the ancestor
// chain nearest-first; an ancestor's children-scoped block is suppressed
// when any node strictly between that ancestor and node hides it. The
// node's own hidden set governs its children, not itself.
func (s *inheritanceService) resolveForNode(q *gorm.DB, node *models.Node) ([]InheritedGroup, error) {
	chain, err := ancestorChain(q, node)
	if err != nil {
		return nil, err
	}

	var groups []InheritedGroup
	hiddenBetween := map[uuid.UUID]bool{}
	for i, ancestor := range chain {
		// Nodes strictly between chain[i] and node are chain[0:i]; fold the
		// previous ancestor's hide set in before evaluating this one.
		if i > 0 {
			for _, id := range chain[i-1].HiddenBlockIDs() {
				hiddenBetween[id] = true
			}
		}

		var defining []models.Block
		if err := q.Where("owner_node_id = ? AND scope = ? AND deleted_at IS NULL", ancestor.ID, models.ScopeChildren).
			Order("position ASC, created_at ASC").
			Find(&defining).Error; err != nil {
			return nil, appErr.Wrap(err, appErr.CodeInternal, "load defining blocks failed")
		}

		visible := make([]models.Block, 0, len(defining))
		for _, b := range defining {
			if !hiddenBetween[b.ID] {
				visible = append(visible, b)
			}
		}
		if len(visible) > 0 {
			groups = append(groups, InheritedGroup{SourceNode: ancestor, Blocks: visible})
		}
	}
	return groups, nil
}

func (s *inheritanceService) ResolveInheritedBlocks(ctx context.Context, nodeID uuid.UUID) ([]InheritedGroup, error) {
	var node models.Node
	if err := s.nodeRepo.GetLive(ctx, nodeID, &node); err != nil {
		return nil, err
	}
	return s.resolveForNode(s.db.WithContext(ctx), &node)
}

// newInstance builds a cascade instance of defining for targetNodeID.
// Instances do not themselves cascade and start with an empty value. The
// variable name is re-derived from the definition's label and de-duplicated
// against names already taken on the target node.
func newInstance(defining *models.Block, targetNodeID uuid.UUID, takenNames []string, position int) models.Block {
	cfg := defining.MustConfig()
	base := slugifyVariable(cfg.Label)
	if cfg.Label == "" {
		base = defining.VariableName
	}
	return models.Block{
		OwnerNodeID:          targetNodeID,
		Type:                 defining.Type,
		Config:               defining.Config,
		Value:                nil,
		IsConstant:           defining.IsConstant,
		VariableName:         dedupeVariableName(base, takenNames),
		Scope:                models.ScopeSelf,
		InheritedFromBlockID: &defining.ID,
		Detached:             false,
		Required:             defining.Required,
		Position:             position,
	}
}

// InstantiateForNode creates cascade instances on a freshly created node for
// every definition visible at its position in the tree.
func (s *inheritanceService) InstantiateForNode(ctx context.Context, tx *gorm.DB, node *models.Node) error {
	groups, err := s.resolveForNode(tx, node)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return nil
	}

	var taken []string
	if err := tx.Model(&models.Block{}).
		Where("owner_node_id = ? AND deleted_at IS NULL", node.ID).
		Pluck("variable_name", &taken).Error; err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "list variable names failed")
	}
	position := len(taken)

	for _, g := range groups {
		for i := range g.Blocks {
			inst := newInstance(&g.Blocks[i], node.ID, taken, position)
			if err := tx.Create(&inst).Error; err != nil {
				return appErr.Wrap(err, appErr.CodeInternal, "create inherited instance failed")
			}
			taken = append(taken, inst.VariableName)
			position++
		}
	}
	return nil
}

func (s *inheritanceService) PropagateToDescendants(ctx context.Context, definingBlockID uuid.UUID, nodeIDs []uuid.UUID) (*PropagationReport, error) {
	var defining models.Block
	if err := s.blockRepo.GetLive(ctx, definingBlockID, &defining); err != nil {
		return nil, err
	}
	if defining.Scope != models.ScopeChildren {
		return nil, appErr.New(appErr.CodeInvalid, "block does not cascade to children")
	}

	var owner models.Node
	if err := s.nodeRepo.GetLive(ctx, defining.OwnerNodeID, &owner); err != nil {
		return nil, err
	}

	subtree, err := collectSubtree(s.db.WithContext(ctx), &owner)
	if err != nil {
		return nil, err
	}
	descendants := make(map[uuid.UUID]bool, len(subtree))
	for _, n := range subtree {
		if n.ID != owner.ID {
			descendants[n.ID] = true
		}
	}

	report := &PropagationReport{}
	cfg := defining.MustConfig()
	base := slugifyVariable(cfg.Label)
	if cfg.Label == "" {
		base = defining.VariableName
	}

	// Chunked so large subtrees never ride in one transaction.
	for start := 0; start < len(nodeIDs); start += propagateChunkSize {
		end := start + propagateChunkSize
		if end > len(nodeIDs) {
			end = len(nodeIDs)
		}
		chunk := nodeIDs[start:end]

		tx := s.db.WithContext(ctx).Begin()
		if tx.Error != nil {
			return nil, appErr.Wrap(tx.Error, appErr.CodeInternal, "begin transaction failed")
		}
		for _, targetID := range chunk {
			if !descendants[targetID] {
				report.Skipped = append(report.Skipped, PropagationSkip{NodeID: targetID, Reason: "not a descendant of the defining block's node"})
				continue
			}

			var existing int64
			if err := tx.Model(&models.Block{}).
				Where("owner_node_id = ? AND inherited_from_block_id = ? AND deleted_at IS NULL", targetID, defining.ID).
				Count(&existing).Error; err != nil {
				tx.Rollback()
				return nil, appErr.Wrap(err, appErr.CodeInternal, "instance lookup failed")
			}
			if existing > 0 {
				report.Skipped = append(report.Skipped, PropagationSkip{NodeID: targetID, Reason: "instance already exists"})
				continue
			}

			var taken []string
			if err := tx.Model(&models.Block{}).
				Where("owner_node_id = ? AND deleted_at IS NULL", targetID).
				Pluck("variable_name", &taken).Error; err != nil {
				tx.Rollback()
				return nil, appErr.Wrap(err, appErr.CodeInternal, "list variable names failed")
			}
			if containsName(taken, base) {
				// Conflicting local block: report, never overwrite.
				report.Skipped = append(report.Skipped, PropagationSkip{NodeID: targetID, VariableName: base, Reason: "variable name conflict"})
				continue
			}

			inst := newInstance(&defining, targetID, taken, len(taken))
			if err := tx.Create(&inst).Error; err != nil {
				tx.Rollback()
				return nil, appErr.Wrap(err, appErr.CodeInternal, "create inherited instance failed")
			}
			report.Created = append(report.Created, targetID)
		}
		if err := tx.Commit().Error; err != nil {
			return nil, appErr.Wrap(err, appErr.CodeInternal, "commit transaction failed")
		}
	}

	logger.L().Info("propagated defining block",
		zap.String("block_id", defining.ID.String()),
		zap.Int("created", len(report.Created)),
		zap.Int("skipped", len(report.Skipped)))
	return report, nil
}

// SyncDefinitionChangeInTx pushes a definition's type and config onto every
// attached instance. Values are coerced best-effort; incompatible values are
// cleared. Destructive and eager, with no undo beyond version history.
func (s *inheritanceService) SyncDefinitionChangeInTx(ctx context.Context, tx *gorm.DB, defining *models.Block) error {
	var instances []models.Block
	if err := tx.Where("inherited_from_block_id = ? AND detached = false AND deleted_at IS NULL", defining.ID).
		Find(&instances).Error; err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "list instances failed")
	}

	cfg := defining.MustConfig()
	for i := range instances {
		inst := &instances[i]
		inst.Value = models.CoerceValue(inst.Type, defining.Type, cfg, inst.Value)
		inst.Type = defining.Type
		inst.Config = defining.Config
		inst.Required = defining.Required
		if err := tx.Save(inst).Error; err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "sync instance failed")
		}
	}
	return nil
}

func (s *inheritanceService) SyncDefinitionChange(ctx context.Context, definingBlockID uuid.UUID) error {
	var defining models.Block
	if err := s.blockRepo.GetLive(ctx, definingBlockID, &defining); err != nil {
		return err
	}
	if defining.Scope != models.ScopeChildren {
		return appErr.New(appErr.CodeInvalid, "block does not cascade to children")
	}

	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return appErr.Wrap(tx.Error, appErr.CodeInternal, "begin transaction failed")
	}
	if err := s.SyncDefinitionChangeInTx(ctx, tx, &defining); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit().Error; err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "commit transaction failed")
	}

	logger.L().Info("definition change synced", zap.String("block_id", defining.ID.String()))
	return nil
}

// DetachBlock decouples an instance from its definition. Provenance is
// retained for a later reattach; the instance now behaves as fully local.
func (s *inheritanceService) DetachBlock(ctx context.Context, instanceID uuid.UUID) (*models.Block, error) {
	var inst models.Block
	if err := s.blockRepo.GetLive(ctx, instanceID, &inst); err != nil {
		return nil, err
	}
	if inst.InheritedFromBlockID == nil {
		return nil, appErr.New(appErr.CodeInvalid, "block is not an inherited instance")
	}
	if inst.Detached {
		return &inst, nil
	}
	inst.Detached = true
	if err := s.blockRepo.Update(ctx, &inst); err != nil {
		return nil, err
	}
	logger.L().Info("block detached", zap.String("block_id", inst.ID.String()))
	return &inst, nil
}

// ReattachBlock re-fetches the source definition and overwrites the
// instance's type and config. The value is preserved unless incompatible.
func (s *inheritanceService) ReattachBlock(ctx context.Context, instanceID uuid.UUID) (*models.Block, error) {
	var inst models.Block
	if err := s.blockRepo.GetLive(ctx, instanceID, &inst); err != nil {
		return nil, err
	}
	if inst.InheritedFromBlockID == nil {
		return nil, appErr.New(appErr.CodeInvalid, "block is not an inherited instance")
	}

	var source models.Block
	if err := s.blockRepo.GetLive(ctx, *inst.InheritedFromBlockID, &source); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeNotFound, "defining block no longer exists")
	}

	inst.Value = models.CoerceValue(inst.Type, source.Type, source.MustConfig(), inst.Value)
	inst.Type = source.Type
	inst.Config = source.Config
	inst.Required = source.Required
	inst.Detached = false
	if err := s.blockRepo.Update(ctx, &inst); err != nil {
		return nil, err
	}
	logger.L().Info("block reattached", zap.String("block_id", inst.ID.String()))
	return &inst, nil
}

// HideForChildren suppresses an ancestor-owned defining block from cascading
// into nodeID's own future children. nodeID's existing instance (if any)
// keeps displaying until explicitly detached or deleted.
func (s *inheritanceService) HideForChildren(ctx context.Context, nodeID, ancestorBlockID uuid.UUID) error {
	return s.mutateHiddenSet(ctx, nodeID, ancestorBlockID, true)
}

func (s *inheritanceService) UnhideForChildren(ctx context.Context, nodeID, ancestorBlockID uuid.UUID) error {
	return s.mutateHiddenSet(ctx, nodeID, ancestorBlockID, false)
}

func (s *inheritanceService) mutateHiddenSet(ctx context.Context, nodeID, ancestorBlockID uuid.UUID, hide bool) error {
	var node models.Node
	if err := s.nodeRepo.GetLive(ctx, nodeID, &node); err != nil {
		return err
	}
	if node.HidesBlock(ancestorBlockID) == hide {
		return nil
	}

	if hide {
		var block models.Block
		if err := s.blockRepo.GetLive(ctx, ancestorBlockID, &block); err != nil {
			return err
		}
		if block.Scope != models.ScopeChildren {
			return appErr.New(appErr.CodeInvalid, "block does not cascade to children")
		}
		chain, err := ancestorChain(s.db.WithContext(ctx), &node)
		if err != nil {
			return err
		}
		owned := false
		for _, a := range chain {
			if a.ID == block.OwnerNodeID {
				owned = true
				break
			}
		}
		if !owned {
			return appErr.New(appErr.CodeInvalid, "block is not defined on an ancestor")
		}
	}

	ids := node.HiddenBlockIDs()
	next := make([]uuid.UUID, 0, len(ids)+1)
	for _, id := range ids {
		if id != ancestorBlockID {
			next = append(next, id)
		}
	}
	if hide {
		next = append(next, ancestorBlockID)
	}
	if err := node.SetHiddenBlockIDs(next); err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "encode hidden set failed")
	}
	return s.nodeRepo.Update(ctx, &node)
}

// RecomputeAfterMove reconciles inherited instances across the moved
// subtree: instances whose source is no longer an applicable ancestor are
// removed when untouched and detached when locally modified; newly
// applicable definitions are instantiated.
func (s *inheritanceService) RecomputeAfterMove(ctx context.Context, tx *gorm.DB, node *models.Node) error {
	subtree, err := collectSubtree(tx, node)
	if err != nil {
		return err
	}

	for i := range subtree {
		member := &subtree[i]
		groups, err := s.resolveForNode(tx, member)
		if err != nil {
			return err
		}
		applicable := map[uuid.UUID]bool{}
		var ordered []models.Block
		for _, g := range groups {
			for _, b := range g.Blocks {
				applicable[b.ID] = true
				ordered = append(ordered, b)
			}
		}

		var instances []models.Block
		if err := tx.Where("owner_node_id = ? AND inherited_from_block_id IS NOT NULL AND deleted_at IS NULL", member.ID).
			Find(&instances).Error; err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "list instances failed")
		}

		present := map[uuid.UUID]bool{}
		for j := range instances {
			inst := &instances[j]
			present[*inst.InheritedFromBlockID] = true
			if !inst.LiveInstance() || applicable[*inst.InheritedFromBlockID] {
				continue
			}
			if models.IsEmptyValue(inst.Value) {
				if err := tx.Model(&models.Block{}).Where("id = ?", inst.ID).
					Update("deleted_at", time.Now()).Error; err != nil {
					return appErr.Wrap(err, appErr.CodeInternal, "remove stale instance failed")
				}
			} else {
				// Locally modified: keep as a local copy.
				if err := tx.Model(&models.Block{}).Where("id = ?", inst.ID).
					Update("detached", true).Error; err != nil {
					return appErr.Wrap(err, appErr.CodeInternal, "detach stale instance failed")
				}
			}
		}

		var taken []string
		if err := tx.Model(&models.Block{}).
			Where("owner_node_id = ? AND deleted_at IS NULL", member.ID).
			Pluck("variable_name", &taken).Error; err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "list variable names failed")
		}
		position := len(taken)
		for k := range ordered {
			if present[ordered[k].ID] {
				continue
			}
			inst := newInstance(&ordered[k], member.ID, taken, position)
			if err := tx.Create(&inst).Error; err != nil {
				return appErr.Wrap(err, appErr.CodeInternal, "create inherited instance failed")
			}
			taken = append(taken, inst.VariableName)
			position++
		}
	}
	return nil
}

func containsName(names []string, s string) bool {
	for _, n := range names {
		if n == s {
			return true
		}
	}
	return false
}
