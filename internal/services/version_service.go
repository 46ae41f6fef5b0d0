package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/storyforge/engine/internal/models"
	"github.com/storyforge/engine/internal/repository"
	appErr "github.com/storyforge/engine/pkg/errors"
	"github.com/storyforge/engine/pkg/logger"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SnapshotTrigger classifies why a snapshot was requested.
type SnapshotTrigger string

const (
	// TriggerSignificant marks block add/remove, rename and shortcut changes.
	TriggerSignificant SnapshotTrigger = "significant"
	TriggerPeriodic    SnapshotTrigger = "periodic"
)

// RetentionPolicy bounds how much history Prune keeps. KeepMin versions are
// always retained regardless of age.
type RetentionPolicy struct {
	MaxAge   time.Duration
	MaxCount int
	KeepMin  int
}

// VersionService captures, diffs, restores and prunes node snapshots.
type VersionService interface {
	// MaybeSnapshot records a snapshot unless the per-node cooldown window
	// is still open. A skipped snapshot is a normal outcome, not an error.
	MaybeSnapshot(ctx context.Context, nodeID uuid.UUID, trigger SnapshotTrigger, changedBy string) (*models.NodeVersion, bool, error)
	// SnapshotInTx is MaybeSnapshot inside a caller-owned transaction.
	SnapshotInTx(ctx context.Context, tx *gorm.DB, nodeID uuid.UUID, trigger SnapshotTrigger, changedBy string) (*models.NodeVersion, bool, error)
	ListVersions(ctx context.Context, nodeID uuid.UUID) ([]models.NodeVersion, error)
	// RestoreVersion overwrites node metadata (not blocks) from a snapshot
	// and records the restore as a new version.
	RestoreVersion(ctx context.Context, nodeID uuid.UUID, versionNumber int, changedBy string) (*models.NodeVersion, error)
	// Prune deletes versions exceeding the policy, oldest first. Returns the
	// number deleted.
	Prune(ctx context.Context, nodeID uuid.UUID, policy RetentionPolicy) (int, error)
	// PruneAll sweeps every node that has version rows.
	PruneAll(ctx context.Context, policy RetentionPolicy) (int, error)
}

type versionService struct {
	db          *gorm.DB
	versionRepo repository.VersionRepository
	nodeRepo    repository.NodeRepository
	cooldown    time.Duration
	now         func() time.Time
}

func NewVersionService(db *gorm.DB, versionRepo repository.VersionRepository, nodeRepo repository.NodeRepository, cooldown time.Duration) VersionService {
	return &versionService{
		db:          db,
		versionRepo: versionRepo,
		nodeRepo:    nodeRepo,
		cooldown:    cooldown,
		now:         time.Now,
	}
}

var _ VersionService = (*versionService)(nil)

// captureSnapshot serializes a node's metadata and ordered live blocks.
func captureSnapshot(q *gorm.DB, nodeID uuid.UUID) (*models.NodeSnapshot, error) {
	var node models.Node
	if err := q.Where("id = ? AND deleted_at IS NULL", nodeID).First(&node).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, appErr.New(appErr.CodeNotFound, "node not found")
		}
		return nil, appErr.Wrap(err, appErr.CodeInternal, "load node failed")
	}

	var blocks []models.Block
	if err := q.Where("owner_node_id = ? AND deleted_at IS NULL", nodeID).
		Order("position ASC, created_at ASC").
		Find(&blocks).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "load blocks failed")
	}

	snap := &models.NodeSnapshot{
		Name:          node.Name,
		Shortcut:      node.Shortcut,
		Description:   node.Description,
		Color:         node.Color,
		AvatarAssetID: node.AvatarAssetID,
		BannerAssetID: node.BannerAssetID,
	}
	for _, b := range blocks {
		snap.Blocks = append(snap.Blocks, models.BlockSnapshot{
			BlockID:      b.ID,
			VariableName: b.VariableName,
			Type:         b.Type,
			Config:       b.Config,
			Value:        b.Value,
			Position:     b.Position,
		})
	}
	return snap, nil
}

func (s *versionService) MaybeSnapshot(ctx context.Context, nodeID uuid.UUID, trigger SnapshotTrigger, changedBy string) (*models.NodeVersion, bool, error) {
	// Settle the common skip case without opening a transaction.
	// SnapshotInTx re-checks under the transaction's view.
	var latest models.NodeVersion
	if err := s.versionRepo.Latest(ctx, nodeID, &latest); err == nil {
		if s.now().Sub(latest.CreatedAt) < s.cooldown {
			return nil, false, nil
		}
	} else if !appErr.IsCode(err, appErr.CodeNotFound) {
		return nil, false, err
	}

	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, false, appErr.Wrap(tx.Error, appErr.CodeInternal, "begin transaction failed")
	}
	v, created, err := s.SnapshotInTx(ctx, tx, nodeID, trigger, changedBy)
	if err != nil {
		tx.Rollback()
		return nil, false, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, false, appErr.Wrap(err, appErr.CodeInternal, "commit transaction failed")
	}
	return v, created, nil
}

func (s *versionService) SnapshotInTx(ctx context.Context, tx *gorm.DB, nodeID uuid.UUID, trigger SnapshotTrigger, changedBy string) (*models.NodeVersion, bool, error) {
	var prev models.NodeVersion
	hasPrev := true
	if err := tx.Where("node_id = ?", nodeID).Order("version_number DESC").First(&prev).Error; err != nil {
		if err != gorm.ErrRecordNotFound {
			return nil, false, appErr.Wrap(err, appErr.CodeInternal, "load latest version failed")
		}
		hasPrev = false
	}

	// The cooldown gates periodic and significant triggers alike; a
	// significant trigger only guarantees the very first version.
	if hasPrev && s.now().Sub(prev.CreatedAt) < s.cooldown {
		return nil, false, nil
	}

	return s.insertVersion(ctx, tx, nodeID, &prev, hasPrev, changedBy, "")
}

// insertVersion captures the node state and appends a version row. The
// (node_id, version_number) unique index serializes concurrent inserts.
func (s *versionService) insertVersion(ctx context.Context, tx *gorm.DB, nodeID uuid.UUID, prev *models.NodeVersion, hasPrev bool, changedBy, summaryOverride string) (*models.NodeVersion, bool, error) {
	snap, err := captureSnapshot(tx, nodeID)
	if err != nil {
		return nil, false, err
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, false, appErr.Wrap(err, appErr.CodeInternal, "encode snapshot failed")
	}

	summary := summaryOverride
	if summary == "" {
		if hasPrev {
			var prevSnap models.NodeSnapshot
			if err := json.Unmarshal(prev.Snapshot, &prevSnap); err != nil {
				return nil, false, appErr.Wrap(err, appErr.CodeInternal, "decode previous snapshot failed")
			}
			summary = DiffSummary(&prevSnap, snap)
		} else {
			summary = DiffSummary(nil, snap)
		}
	}

	next := 1
	if hasPrev {
		next = prev.VersionNumber + 1
	}
	v := &models.NodeVersion{
		NodeID:        nodeID,
		VersionNumber: next,
		Snapshot:      datatypes.JSON(raw),
		ChangedBy:     changedBy,
		ChangeSummary: summary,
		CreatedAt:     s.now(),
	}
	if err := tx.Create(v).Error; err != nil {
		return nil, false, appErr.Wrap(err, appErr.CodeConflict, "version insert failed")
	}

	logger.L().Info("snapshot recorded",
		zap.String("node_id", nodeID.String()),
		zap.Int("version", v.VersionNumber))
	return v, true, nil
}

func (s *versionService) ListVersions(ctx context.Context, nodeID uuid.UUID) ([]models.NodeVersion, error) {
	return s.versionRepo.ListByNode(ctx, nodeID)
}

func (s *versionService) RestoreVersion(ctx context.Context, nodeID uuid.UUID, versionNumber int, changedBy string) (*models.NodeVersion, error) {
	var target models.NodeVersion
	if err := s.versionRepo.GetByVersion(ctx, nodeID, versionNumber, &target); err != nil {
		return nil, err
	}
	var snap models.NodeSnapshot
	if err := json.Unmarshal(target.Snapshot, &snap); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "decode snapshot failed")
	}

	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, appErr.Wrap(tx.Error, appErr.CodeInternal, "begin transaction failed")
	}

	var node models.Node
	if err := tx.Where("id = ? AND deleted_at IS NULL", nodeID).First(&node).Error; err != nil {
		tx.Rollback()
		if err == gorm.ErrRecordNotFound {
			return nil, appErr.New(appErr.CodeNotFound, "node not found")
		}
		return nil, appErr.Wrap(err, appErr.CodeInternal, "load node failed")
	}

	// Default restore policy: metadata only, blocks and values untouched.
	node.Name = snap.Name
	node.Shortcut = snap.Shortcut
	node.Description = snap.Description
	node.Color = snap.Color
	node.AvatarAssetID = snap.AvatarAssetID
	node.BannerAssetID = snap.BannerAssetID
	if err := tx.Save(&node).Error; err != nil {
		tx.Rollback()
		return nil, appErr.Wrap(err, appErr.CodeInternal, "restore node failed")
	}

	var prev models.NodeVersion
	if err := tx.Where("node_id = ?", nodeID).Order("version_number DESC").First(&prev).Error; err != nil {
		tx.Rollback()
		return nil, appErr.Wrap(err, appErr.CodeInternal, "load latest version failed")
	}

	// Restores never rewrite history: a new entry is always appended,
	// cooldown notwithstanding.
	v, _, err := s.insertVersion(ctx, tx, nodeID, &prev, true, changedBy,
		fmt.Sprintf("Restored from version %d", versionNumber))
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "commit transaction failed")
	}
	return v, nil
}

func (s *versionService) Prune(ctx context.Context, nodeID uuid.UUID, policy RetentionPolicy) (int, error) {
	// KeepMin floors retention, so a node at or under it has nothing to lose.
	total, err := s.versionRepo.CountByNode(ctx, nodeID)
	if err != nil {
		return 0, err
	}
	if total <= int64(policy.KeepMin) {
		return 0, nil
	}

	versions, err := s.versionRepo.ListByNode(ctx, nodeID) // newest first
	if err != nil {
		return 0, err
	}

	now := s.now()
	var doomed []uuid.UUID
	for i, v := range versions {
		if i < policy.KeepMin {
			continue
		}
		tooMany := policy.MaxCount > 0 && i >= policy.MaxCount
		tooOld := policy.MaxAge > 0 && now.Sub(v.CreatedAt) > policy.MaxAge
		if tooMany || tooOld {
			doomed = append(doomed, v.ID)
		}
	}
	if len(doomed) == 0 {
		return 0, nil
	}
	if err := s.versionRepo.DeleteByIDs(ctx, doomed); err != nil {
		return 0, err
	}
	logger.L().Info("versions pruned", zap.String("node_id", nodeID.String()), zap.Int("deleted", len(doomed)))
	return len(doomed), nil
}

func (s *versionService) PruneAll(ctx context.Context, policy RetentionPolicy) (int, error) {
	ids, err := s.versionRepo.NodeIDsWithVersions(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, id := range ids {
		n, err := s.Prune(ctx, id, policy)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DiffSummary produces a short human-readable delta between two snapshots.
// Deterministic for identical inputs.
func DiffSummary(prev, curr *models.NodeSnapshot) string {
	if curr == nil {
		return ""
	}
	if prev == nil {
		return "Initial version"
	}

	var parts []string
	if prev.Name != curr.Name {
		parts = append(parts, fmt.Sprintf("Renamed %q to %q", prev.Name, curr.Name))
	}
	if !equalShortcut(prev.Shortcut, curr.Shortcut) {
		parts = append(parts, "Changed shortcut")
	}
	if prev.Description != curr.Description {
		parts = append(parts, "Updated description")
	}
	if prev.Color != curr.Color || prev.AvatarAssetID != curr.AvatarAssetID || prev.BannerAssetID != curr.BannerAssetID {
		parts = append(parts, "Updated appearance")
	}

	prevBlocks := map[uuid.UUID]models.BlockSnapshot{}
	for _, b := range prev.Blocks {
		prevBlocks[b.BlockID] = b
	}
	added, removed, modified := 0, 0, 0
	for _, b := range curr.Blocks {
		old, ok := prevBlocks[b.BlockID]
		if !ok {
			added++
			continue
		}
		delete(prevBlocks, b.BlockID)
		if old.Type != b.Type ||
			old.VariableName != b.VariableName ||
			!bytes.Equal(old.Config, b.Config) ||
			!bytes.Equal(old.Value, b.Value) {
			modified++
		}
	}
	removed = len(prevBlocks)

	if added > 0 {
		parts = append(parts, fmt.Sprintf("Added %d %s", added, pluralBlocks(added)))
	}
	if removed > 0 {
		parts = append(parts, fmt.Sprintf("Removed %d %s", removed, pluralBlocks(removed)))
	}
	if modified > 0 {
		parts = append(parts, fmt.Sprintf("Modified %d %s", modified, pluralBlocks(modified)))
	}

	if len(parts) == 0 {
		return "No changes"
	}
	return strings.Join(parts, "; ")
}

func equalShortcut(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func pluralBlocks(n int) string {
	if n == 1 {
		return "block"
	}
	return "blocks"
}
