package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/storyforge/engine/internal/models"
	appErr "github.com/storyforge/engine/pkg/errors"
	"gorm.io/gorm"
)

type NodeRepository interface {
	BaseRepository[models.Node]
	// GetLive fetches a node that is not soft-deleted.
	GetLive(ctx context.Context, id uuid.UUID, dest *models.Node) error
	// ListLiveByProject returns all live nodes of a project ordered for
	// deterministic forest assembly.
	ListLiveByProject(ctx context.Context, projectID uuid.UUID) ([]models.Node, error)
	// ListLiveChildren returns live children of parentID (nil for roots)
	// within a project, ordered by position.
	ListLiveChildren(ctx context.Context, projectID uuid.UUID, parentID *uuid.UUID) ([]models.Node, error)
	// ShortcutTaken reports whether a live node other than excludeID already
	// uses the shortcut within the project.
	ShortcutTaken(ctx context.Context, projectID uuid.UUID, shortcut string, excludeID uuid.UUID) (bool, error)
	// ListByDeleteOp returns nodes soft-deleted by the given operation.
	ListByDeleteOp(ctx context.Context, opID uuid.UUID) ([]models.Node, error)
	// ListTrash returns soft-deleted nodes of a project.
	ListTrash(ctx context.Context, projectID uuid.UUID) ([]models.Node, error)
}

type nodeRepository struct {
	BaseRepository[models.Node]
	db *gorm.DB
}

func NewNodeRepository(db *gorm.DB) NodeRepository {
	return &nodeRepository{BaseRepository: NewBaseRepository[models.Node](db), db: db}
}

func (r *nodeRepository) GetLive(ctx context.Context, id uuid.UUID, dest *models.Node) error {
	if err := r.db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", id).First(dest).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return appErr.New(appErr.CodeNotFound, "node not found")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "get node failed")
	}
	return nil
}

func (r *nodeRepository) ListLiveByProject(ctx context.Context, projectID uuid.UUID) ([]models.Node, error) {
	var out []models.Node
	if err := r.db.WithContext(ctx).
		Where("project_id = ? AND deleted_at IS NULL", projectID).
		Order("position ASC, created_at ASC").
		Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list nodes failed")
	}
	return out, nil
}

func (r *nodeRepository) ListLiveChildren(ctx context.Context, projectID uuid.UUID, parentID *uuid.UUID) ([]models.Node, error) {
	var out []models.Node
	q := r.db.WithContext(ctx).Where("project_id = ? AND deleted_at IS NULL", projectID)
	if parentID == nil {
		q = q.Where("parent_id IS NULL")
	} else {
		q = q.Where("parent_id = ?", *parentID)
	}
	if err := q.Order("position ASC, created_at ASC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list children failed")
	}
	return out, nil
}

func (r *nodeRepository) ShortcutTaken(ctx context.Context, projectID uuid.UUID, shortcut string, excludeID uuid.UUID) (bool, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.Node{}).
		Where("project_id = ? AND shortcut = ? AND deleted_at IS NULL AND id <> ?", projectID, shortcut, excludeID).
		Count(&n).Error; err != nil {
		return false, appErr.Wrap(err, appErr.CodeInternal, "shortcut lookup failed")
	}
	return n > 0, nil
}

func (r *nodeRepository) ListByDeleteOp(ctx context.Context, opID uuid.UUID) ([]models.Node, error) {
	var out []models.Node
	if err := r.db.WithContext(ctx).Where("delete_op_id = ?", opID).Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list delete op nodes failed")
	}
	return out, nil
}

func (r *nodeRepository) ListTrash(ctx context.Context, projectID uuid.UUID) ([]models.Node, error) {
	var out []models.Node
	if err := r.db.WithContext(ctx).
		Where("project_id = ? AND deleted_at IS NOT NULL", projectID).
		Order("deleted_at DESC").
		Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list trash failed")
	}
	return out, nil
}
