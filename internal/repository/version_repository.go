package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/storyforge/engine/internal/models"
	appErr "github.com/storyforge/engine/pkg/errors"
	"gorm.io/gorm"
)

type VersionRepository interface {
	BaseRepository[models.NodeVersion]
	// Latest returns the newest version of a node, or not_found.
	Latest(ctx context.Context, nodeID uuid.UUID, dest *models.NodeVersion) error
	GetByVersion(ctx context.Context, nodeID uuid.UUID, version int, dest *models.NodeVersion) error
	ListByNode(ctx context.Context, nodeID uuid.UUID) ([]models.NodeVersion, error)
	CountByNode(ctx context.Context, nodeID uuid.UUID) (int64, error)
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) error
	// NodeIDsWithVersions lists distinct node ids that have version rows,
	// for retention sweeps.
	NodeIDsWithVersions(ctx context.Context) ([]uuid.UUID, error)
}

type versionRepository struct {
	BaseRepository[models.NodeVersion]
	db *gorm.DB
}

func NewVersionRepository(db *gorm.DB) VersionRepository {
	return &versionRepository{BaseRepository: NewBaseRepository[models.NodeVersion](db), db: db}
}

func (r *versionRepository) Latest(ctx context.Context, nodeID uuid.UUID, dest *models.NodeVersion) error {
	if err := r.db.WithContext(ctx).
		Where("node_id = ?", nodeID).
		Order("version_number DESC").
		First(dest).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return appErr.New(appErr.CodeNotFound, "no versions for node")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "get latest version failed")
	}
	return nil
}

func (r *versionRepository) GetByVersion(ctx context.Context, nodeID uuid.UUID, version int, dest *models.NodeVersion) error {
	if err := r.db.WithContext(ctx).
		Where("node_id = ? AND version_number = ?", nodeID, version).
		First(dest).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return appErr.New(appErr.CodeVersionNotFound, "version not found")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "get version failed")
	}
	return nil
}

func (r *versionRepository) ListByNode(ctx context.Context, nodeID uuid.UUID) ([]models.NodeVersion, error) {
	var out []models.NodeVersion
	if err := r.db.WithContext(ctx).
		Where("node_id = ?", nodeID).
		Order("version_number DESC").
		Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list versions failed")
	}
	return out, nil
}

func (r *versionRepository) CountByNode(ctx context.Context, nodeID uuid.UUID) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.NodeVersion{}).
		Where("node_id = ?", nodeID).
		Count(&n).Error; err != nil {
		return 0, appErr.Wrap(err, appErr.CodeInternal, "count versions failed")
	}
	return n, nil
}

func (r *versionRepository) DeleteByIDs(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Delete(&models.NodeVersion{}, "id IN ?", ids).Error; err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "delete versions failed")
	}
	return nil
}

func (r *versionRepository) NodeIDsWithVersions(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	if err := r.db.WithContext(ctx).Model(&models.NodeVersion{}).
		Distinct("node_id").
		Pluck("node_id", &ids).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list versioned nodes failed")
	}
	return ids, nil
}
