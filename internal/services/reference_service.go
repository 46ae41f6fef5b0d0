package services

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/google/uuid"
	"github.com/storyforge/engine/internal/models"
	"github.com/storyforge/engine/internal/repository"
	appErr "github.com/storyforge/engine/pkg/errors"
	"github.com/storyforge/engine/pkg/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ReferenceService maintains the backlink graph. Extraction is a pure scan
// over a node's blocks; sync reconciles the stored edge set against the
// extracted one so repeated syncs are idempotent.
type ReferenceService interface {
	ExtractReferences(ownerNode *models.Node, blocks []models.Block) []models.EntityReference
	SyncReferences(ctx context.Context, nodeID uuid.UUID) error
	BacklinksFor(ctx context.Context, targetType string, targetID uuid.UUID) ([]models.EntityReference, error)
	DeleteForSource(ctx context.Context, sourceType string, sourceID uuid.UUID) error
}

type referenceService struct {
	db        *gorm.DB
	nodeRepo  repository.NodeRepository
	blockRepo repository.BlockRepository
	refRepo   repository.ReferenceRepository
}

func NewReferenceService(db *gorm.DB, nodeRepo repository.NodeRepository, blockRepo repository.BlockRepository, refRepo repository.ReferenceRepository) ReferenceService {
	return &referenceService{db: db, nodeRepo: nodeRepo, blockRepo: blockRepo, refRepo: refRepo}
}

var _ ReferenceService = (*referenceService)(nil)

// richTextNode is the subset of the rich text document tree extraction
// cares about.
type richTextNode struct {
	Type    string          `json:"type"`
	Attrs   json.RawMessage `json:"attrs"`
	Content []richTextNode  `json:"content"`
}

type mentionAttrs struct {
	TargetType string    `json:"target_type"`
	TargetID   uuid.UUID `json:"target_id"`
}

// ExtractReferences walks a node's live blocks and returns the dedup'd set
// of outgoing edges: mention marks inside rich text plus reference block
// values. Ordering is stable so callers can diff two extractions.
func (s *referenceService) ExtractReferences(ownerNode *models.Node, blocks []models.Block) []models.EntityReference {
	seen := map[string]models.EntityReference{}

	add := func(targetType string, targetID uuid.UUID, context string) {
		if targetType == "" || targetID == uuid.Nil {
			return
		}
		ref := models.EntityReference{
			SourceType: models.EntityNode,
			SourceID:   ownerNode.ID,
			TargetType: targetType,
			TargetID:   targetID,
			Context:    context,
		}
		seen[ref.Key()] = ref
	}

	for _, b := range blocks {
		if b.Deleted() || len(b.Value) == 0 {
			continue
		}
		switch b.Type {
		case models.BlockRichText:
			var doc richTextNode
			if err := json.Unmarshal(b.Value, &doc); err != nil {
				continue
			}
			walkMentions(doc, func(m mentionAttrs) {
				add(m.TargetType, m.TargetID, b.VariableName)
			})
		case models.BlockReference:
			var v models.ReferenceValue
			if err := json.Unmarshal(b.Value, &v); err != nil {
				continue
			}
			add(v.TargetType, v.TargetID, b.VariableName)
		}
	}

	out := make([]models.EntityReference, 0, len(seen))
	for _, ref := range seen {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func walkMentions(n richTextNode, fn func(mentionAttrs)) {
	if n.Type == "mention" && len(n.Attrs) > 0 {
		var m mentionAttrs
		if err := json.Unmarshal(n.Attrs, &m); err == nil {
			fn(m)
		}
	}
	for _, child := range n.Content {
		walkMentions(child, fn)
	}
}

// SyncReferences re-extracts a node's edges and reconciles storage: stale
// edges are removed, new ones inserted, unchanged ones left alone.
func (s *referenceService) SyncReferences(ctx context.Context, nodeID uuid.UUID) error {
	var node models.Node
	if err := s.nodeRepo.GetLive(ctx, nodeID, &node); err != nil {
		return err
	}
	blocks, err := s.blockRepo.ListLiveByOwner(ctx, nodeID)
	if err != nil {
		return err
	}
	extracted := s.ExtractReferences(&node, blocks)

	existing, err := s.refRepo.ListBySource(ctx, models.EntityNode, nodeID)
	if err != nil {
		return err
	}

	wanted := map[string]models.EntityReference{}
	for _, ref := range extracted {
		wanted[ref.Key()] = ref
	}
	have := map[string]bool{}
	var stale []uuid.UUID
	for _, ref := range existing {
		key := ref.Key()
		if _, ok := wanted[key]; ok {
			have[key] = true
		} else {
			stale = append(stale, ref.ID)
		}
	}

	var missing []models.EntityReference
	for _, ref := range extracted {
		if !have[ref.Key()] {
			missing = append(missing, ref)
		}
	}
	if len(stale) == 0 && len(missing) == 0 {
		return nil
	}

	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return appErr.Wrap(tx.Error, appErr.CodeInternal, "begin transaction failed")
	}
	if len(stale) > 0 {
		if err := tx.Delete(&models.EntityReference{}, "id IN ?", stale).Error; err != nil {
			tx.Rollback()
			return appErr.Wrap(err, appErr.CodeInternal, "delete stale references failed")
		}
	}
	if len(missing) > 0 {
		if err := tx.Create(&missing).Error; err != nil {
			tx.Rollback()
			return appErr.Wrap(err, appErr.CodeInternal, "insert references failed")
		}
	}
	if err := tx.Commit().Error; err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "commit transaction failed")
	}

	logger.L().Info("references synced",
		zap.String("node_id", nodeID.String()),
		zap.Int("added", len(missing)),
		zap.Int("removed", len(stale)))
	return nil
}

func (s *referenceService) BacklinksFor(ctx context.Context, targetType string, targetID uuid.UUID) ([]models.EntityReference, error) {
	return s.refRepo.ListByTarget(ctx, targetType, targetID)
}

func (s *referenceService) DeleteForSource(ctx context.Context, sourceType string, sourceID uuid.UUID) error {
	return s.refRepo.DeleteBySource(ctx, sourceType, sourceID)
}
