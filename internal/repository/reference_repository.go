package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/storyforge/engine/internal/models"
	appErr "github.com/storyforge/engine/pkg/errors"
	"gorm.io/gorm"
)

type ReferenceRepository interface {
	BaseRepository[models.EntityReference]
	ListBySource(ctx context.Context, sourceType string, sourceID uuid.UUID) ([]models.EntityReference, error)
	ListByTarget(ctx context.Context, targetType string, targetID uuid.UUID) ([]models.EntityReference, error)
	DeleteBySource(ctx context.Context, sourceType string, sourceID uuid.UUID) error
}

type referenceRepository struct {
	BaseRepository[models.EntityReference]
	db *gorm.DB
}

func NewReferenceRepository(db *gorm.DB) ReferenceRepository {
	return &referenceRepository{BaseRepository: NewBaseRepository[models.EntityReference](db), db: db}
}

func (r *referenceRepository) ListBySource(ctx context.Context, sourceType string, sourceID uuid.UUID) ([]models.EntityReference, error) {
	var out []models.EntityReference
	if err := r.db.WithContext(ctx).
		Where("source_type = ? AND source_id = ?", sourceType, sourceID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list references by source failed")
	}
	return out, nil
}

func (r *referenceRepository) ListByTarget(ctx context.Context, targetType string, targetID uuid.UUID) ([]models.EntityReference, error) {
	var out []models.EntityReference
	if err := r.db.WithContext(ctx).
		Where("target_type = ? AND target_id = ?", targetType, targetID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list backlinks failed")
	}
	return out, nil
}

func (r *referenceRepository) DeleteBySource(ctx context.Context, sourceType string, sourceID uuid.UUID) error {
	if err := r.db.WithContext(ctx).
		Delete(&models.EntityReference{}, "source_type = ? AND source_id = ?", sourceType, sourceID).Error; err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "delete references by source failed")
	}
	return nil
}
