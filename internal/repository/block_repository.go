package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/storyforge/engine/internal/models"
	appErr "github.com/storyforge/engine/pkg/errors"
	"gorm.io/gorm"
)

type BlockRepository interface {
	BaseRepository[models.Block]
	GetLive(ctx context.Context, id uuid.UUID, dest *models.Block) error
	// ListLiveByOwner returns live blocks on a node ordered by position.
	ListLiveByOwner(ctx context.Context, ownerNodeID uuid.UUID) ([]models.Block, error)
}

type blockRepository struct {
	BaseRepository[models.Block]
	db *gorm.DB
}

func NewBlockRepository(db *gorm.DB) BlockRepository {
	return &blockRepository{BaseRepository: NewBaseRepository[models.Block](db), db: db}
}

func (r *blockRepository) GetLive(ctx context.Context, id uuid.UUID, dest *models.Block) error {
	if err := r.db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", id).First(dest).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return appErr.New(appErr.CodeNotFound, "block not found")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "get block failed")
	}
	return nil
}

func (r *blockRepository) ListLiveByOwner(ctx context.Context, ownerNodeID uuid.UUID) ([]models.Block, error) {
	var out []models.Block
	if err := r.db.WithContext(ctx).
		Where("owner_node_id = ? AND deleted_at IS NULL", ownerNodeID).
		Order("position ASC, created_at ASC").
		Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list blocks failed")
	}
	return out, nil
}

