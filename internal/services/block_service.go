package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/storyforge/engine/internal/models"
	"github.com/storyforge/engine/internal/repository"
	appErr "github.com/storyforge/engine/pkg/errors"
	"github.com/storyforge/engine/pkg/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	columnGroupMin = 2
	columnGroupMax = 3
)

type CreateBlockInput struct {
	OwnerNodeID uuid.UUID
	Type        models.BlockType
	Config      models.BlockConfig
	Scope       models.BlockScope
	IsConstant  bool
	Required    bool
	ChangedBy   string
}

type UpdateBlockDefinitionInput struct {
	Type      *models.BlockType
	Config    *models.BlockConfig
	Required  *bool
	ChangedBy string
}

// BlockService owns block lifecycle and layout grouping. Definition changes
// on cascading blocks are pushed to attached instances eagerly.
type BlockService interface {
	CreateBlock(ctx context.Context, input *CreateBlockInput) (*models.Block, error)
	GetBlock(ctx context.Context, blockID uuid.UUID) (*models.Block, error)
	ListBlocks(ctx context.Context, ownerNodeID uuid.UUID) ([]models.Block, error)
	UpdateBlockValue(ctx context.Context, blockID uuid.UUID, value json.RawMessage) (*models.Block, error)
	UpdateBlockDefinition(ctx context.Context, blockID uuid.UUID, input *UpdateBlockDefinitionInput) (*models.Block, error)
	DeleteBlock(ctx context.Context, blockID uuid.UUID, changedBy string) error
	CreateColumnGroup(ctx context.Context, blockIDs []uuid.UUID) (uuid.UUID, error)
	DissolveColumnGroup(ctx context.Context, groupID uuid.UUID) error
}

type blockService struct {
	db          *gorm.DB
	nodeRepo    repository.NodeRepository
	blockRepo   repository.BlockRepository
	inheritance InheritanceService
	versions    VersionService
}

func NewBlockService(db *gorm.DB, nodeRepo repository.NodeRepository, blockRepo repository.BlockRepository, inheritance InheritanceService, versions VersionService) BlockService {
	return &blockService{db: db, nodeRepo: nodeRepo, blockRepo: blockRepo, inheritance: inheritance, versions: versions}
}

var _ BlockService = (*blockService)(nil)

func (s *blockService) CreateBlock(ctx context.Context, input *CreateBlockInput) (*models.Block, error) {
	if !models.KnownBlockType(input.Type) {
		return nil, appErr.New(appErr.CodeInvalidType, "unsupported block type").WithMeta("type", string(input.Type))
	}
	scope := input.Scope
	if scope == "" {
		scope = models.ScopeSelf
	}
	if scope != models.ScopeSelf && scope != models.ScopeChildren {
		return nil, appErr.New(appErr.CodeInvalid, "scope must be self or children")
	}

	var node models.Node
	if err := s.nodeRepo.GetLive(ctx, input.OwnerNodeID, &node); err != nil {
		return nil, err
	}

	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, appErr.Wrap(tx.Error, appErr.CodeInternal, "begin transaction failed")
	}

	var taken []string
	if err := tx.Model(&models.Block{}).
		Where("owner_node_id = ? AND deleted_at IS NULL", input.OwnerNodeID).
		Pluck("variable_name", &taken).Error; err != nil {
		tx.Rollback()
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list variable names failed")
	}

	block := &models.Block{
		OwnerNodeID:  input.OwnerNodeID,
		Type:         input.Type,
		IsConstant:   input.IsConstant,
		VariableName: dedupeVariableName(slugifyVariable(input.Config.Label), taken),
		Scope:        scope,
		Required:     input.Required,
		Position:     len(taken),
	}
	if err := block.EncodeConfig(input.Config); err != nil {
		tx.Rollback()
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "invalid block config")
	}
	if err := tx.Create(block).Error; err != nil {
		tx.Rollback()
		return nil, appErr.Wrap(err, appErr.CodeInternal, "create block failed")
	}

	// Propagation of a children-scoped block to existing descendants is a
	// separate explicit step; new descendants pick it up automatically.
	if _, _, err := s.versions.SnapshotInTx(ctx, tx, input.OwnerNodeID, TriggerSignificant, input.ChangedBy); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "commit transaction failed")
	}

	logger.L().Info("block created",
		zap.String("block_id", block.ID.String()),
		zap.String("owner_node_id", input.OwnerNodeID.String()),
		zap.String("variable_name", block.VariableName))
	return block, nil
}

func (s *blockService) GetBlock(ctx context.Context, blockID uuid.UUID) (*models.Block, error) {
	var block models.Block
	if err := s.blockRepo.GetLive(ctx, blockID, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

func (s *blockService) ListBlocks(ctx context.Context, ownerNodeID uuid.UUID) ([]models.Block, error) {
	return s.blockRepo.ListLiveByOwner(ctx, ownerNodeID)
}

// UpdateBlockValue validates against the block type and either fully
// applies or fully rejects; there is no partial write.
func (s *blockService) UpdateBlockValue(ctx context.Context, blockID uuid.UUID, value json.RawMessage) (*models.Block, error) {
	var block models.Block
	if err := s.blockRepo.GetLive(ctx, blockID, &block); err != nil {
		return nil, err
	}
	if err := models.ValidateValue(block.Type, block.MustConfig(), value); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeTypeMismatch, "value does not match block type")
	}
	if models.IsEmptyValue(value) {
		block.Value = nil
	} else {
		block.Value = models.JSONValue(value)
	}
	if err := s.blockRepo.Update(ctx, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

func (s *blockService) UpdateBlockDefinition(ctx context.Context, blockID uuid.UUID, input *UpdateBlockDefinitionInput) (*models.Block, error) {
	var block models.Block
	if err := s.blockRepo.GetLive(ctx, blockID, &block); err != nil {
		return nil, err
	}
	if block.Scope != models.ScopeChildren {
		return nil, appErr.New(appErr.CodeInvalid, "only defining blocks accept definition updates")
	}

	oldType := block.Type
	if input.Type != nil {
		if !models.KnownBlockType(*input.Type) {
			return nil, appErr.New(appErr.CodeInvalidType, "unsupported block type").WithMeta("type", string(*input.Type))
		}
		block.Type = *input.Type
	}
	if input.Config != nil {
		if err := block.EncodeConfig(*input.Config); err != nil {
			return nil, appErr.Wrap(err, appErr.CodeInvalid, "invalid block config")
		}
	}
	if input.Required != nil {
		block.Required = *input.Required
	}
	block.Value = models.CoerceValue(oldType, block.Type, block.MustConfig(), block.Value)

	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, appErr.Wrap(tx.Error, appErr.CodeInternal, "begin transaction failed")
	}
	if err := tx.Save(&block).Error; err != nil {
		tx.Rollback()
		return nil, appErr.Wrap(err, appErr.CodeInternal, "update block failed")
	}
	// Instances never observe a partial definition change.
	if err := s.inheritance.SyncDefinitionChangeInTx(ctx, tx, &block); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "commit transaction failed")
	}

	logger.L().Info("block definition updated", zap.String("block_id", block.ID.String()))
	return &block, nil
}

func (s *blockService) DeleteBlock(ctx context.Context, blockID uuid.UUID, changedBy string) error {
	var block models.Block
	if err := s.blockRepo.GetLive(ctx, blockID, &block); err != nil {
		return err
	}

	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return appErr.Wrap(tx.Error, appErr.CodeInternal, "begin transaction failed")
	}

	now := time.Now()
	opID := uuid.New()
	if err := tx.Model(&models.Block{}).Where("id = ?", block.ID).
		Updates(map[string]any{"deleted_at": now, "delete_op_id": opID}).Error; err != nil {
		tx.Rollback()
		return appErr.Wrap(err, appErr.CodeInternal, "delete block failed")
	}

	// Deleting a defining block takes its attached instances with it;
	// detached copies stay, they are local now.
	if block.Scope == models.ScopeChildren {
		if err := tx.Model(&models.Block{}).
			Where("inherited_from_block_id = ? AND detached = false AND deleted_at IS NULL", block.ID).
			Updates(map[string]any{"deleted_at": now, "delete_op_id": opID}).Error; err != nil {
			tx.Rollback()
			return appErr.Wrap(err, appErr.CodeInternal, "delete instances failed")
		}
	}

	if block.ColumnGroupID != nil {
		if err := dissolveIfUnderfull(tx, *block.ColumnGroupID); err != nil {
			tx.Rollback()
			return err
		}
	}

	if _, _, err := s.versions.SnapshotInTx(ctx, tx, block.OwnerNodeID, TriggerSignificant, changedBy); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit().Error; err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "commit transaction failed")
	}

	logger.L().Info("block deleted", zap.String("block_id", block.ID.String()))
	return nil
}

func (s *blockService) CreateColumnGroup(ctx context.Context, blockIDs []uuid.UUID) (uuid.UUID, error) {
	if len(blockIDs) < columnGroupMin || len(blockIDs) > columnGroupMax {
		return uuid.Nil, appErr.New(appErr.CodeInvalidGroupSize, "column groups hold 2 or 3 blocks")
	}

	blocks := make([]models.Block, 0, len(blockIDs))
	for _, id := range blockIDs {
		var b models.Block
		if err := s.blockRepo.GetLive(ctx, id, &b); err != nil {
			return uuid.Nil, err
		}
		blocks = append(blocks, b)
	}
	owner := blocks[0].OwnerNodeID
	for _, b := range blocks {
		if b.OwnerNodeID != owner {
			return uuid.Nil, appErr.New(appErr.CodeInvalid, "column group members must share an owner node")
		}
		if b.ColumnGroupID != nil {
			return uuid.Nil, appErr.New(appErr.CodeInvalid, "block already belongs to a column group").WithMeta("block_id", b.ID.String())
		}
	}

	groupID := uuid.New()
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return uuid.Nil, appErr.Wrap(tx.Error, appErr.CodeInternal, "begin transaction failed")
	}
	for i, b := range blocks {
		if err := tx.Model(&models.Block{}).Where("id = ?", b.ID).
			Updates(map[string]any{"column_group_id": groupID, "column_index": i}).Error; err != nil {
			tx.Rollback()
			return uuid.Nil, appErr.Wrap(err, appErr.CodeInternal, "assign column group failed")
		}
	}
	if err := tx.Commit().Error; err != nil {
		return uuid.Nil, appErr.Wrap(err, appErr.CodeInternal, "commit transaction failed")
	}
	return groupID, nil
}

func (s *blockService) DissolveColumnGroup(ctx context.Context, groupID uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&models.Block{}).
		Where("column_group_id = ?", groupID).
		Updates(map[string]any{"column_group_id": nil, "column_index": nil})
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "dissolve column group failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "column group not found")
	}
	return nil
}

// dissolveIfUnderfull clears a column group that a deletion left with fewer
// than two live members.
func dissolveIfUnderfull(tx *gorm.DB, groupID uuid.UUID) error {
	var remaining int64
	if err := tx.Model(&models.Block{}).
		Where("column_group_id = ? AND deleted_at IS NULL", groupID).
		Count(&remaining).Error; err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "count column group failed")
	}
	if remaining >= columnGroupMin {
		return nil
	}
	if err := tx.Model(&models.Block{}).
		Where("column_group_id = ?", groupID).
		Updates(map[string]any{"column_group_id": nil, "column_index": nil}).Error; err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "dissolve column group failed")
	}
	return nil
}
