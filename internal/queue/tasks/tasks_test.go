package tasks

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/storyforge/engine/internal/models"
	"github.com/storyforge/engine/internal/services"
	appErr "github.com/storyforge/engine/pkg/errors"
	"github.com/storyforge/engine/pkg/logger"
)

func TestMain(m *testing.M) {
	// Initialize logger for tests (required by tasks)
	_, err := logger.Init("info", "json")
	if err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

// Mock implementations
type mockInheritanceService struct {
	mock.Mock
}

func (m *mockInheritanceService) ResolveInheritedBlocks(ctx context.Context, nodeID uuid.UUID) ([]services.InheritedGroup, error) {
	args := m.Called(ctx, nodeID)
	if v := args.Get(0); v != nil {
		return v.([]services.InheritedGroup), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockInheritanceService) PropagateToDescendants(ctx context.Context, definingBlockID uuid.UUID, nodeIDs []uuid.UUID) (*services.PropagationReport, error) {
	args := m.Called(ctx, definingBlockID, nodeIDs)
	if v := args.Get(0); v != nil {
		return v.(*services.PropagationReport), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockInheritanceService) SyncDefinitionChange(ctx context.Context, definingBlockID uuid.UUID) error {
	args := m.Called(ctx, definingBlockID)
	return args.Error(0)
}

func (m *mockInheritanceService) DetachBlock(ctx context.Context, instanceID uuid.UUID) (*models.Block, error) {
	args := m.Called(ctx, instanceID)
	if v := args.Get(0); v != nil {
		return v.(*models.Block), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockInheritanceService) ReattachBlock(ctx context.Context, instanceID uuid.UUID) (*models.Block, error) {
	args := m.Called(ctx, instanceID)
	if v := args.Get(0); v != nil {
		return v.(*models.Block), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockInheritanceService) HideForChildren(ctx context.Context, nodeID, ancestorBlockID uuid.UUID) error {
	args := m.Called(ctx, nodeID, ancestorBlockID)
	return args.Error(0)
}

func (m *mockInheritanceService) UnhideForChildren(ctx context.Context, nodeID, ancestorBlockID uuid.UUID) error {
	args := m.Called(ctx, nodeID, ancestorBlockID)
	return args.Error(0)
}

func (m *mockInheritanceService) InstantiateForNode(ctx context.Context, tx *gorm.DB, node *models.Node) error {
	args := m.Called(ctx, tx, node)
	return args.Error(0)
}

func (m *mockInheritanceService) RecomputeAfterMove(ctx context.Context, tx *gorm.DB, node *models.Node) error {
	args := m.Called(ctx, tx, node)
	return args.Error(0)
}

func (m *mockInheritanceService) SyncDefinitionChangeInTx(ctx context.Context, tx *gorm.DB, defining *models.Block) error {
	args := m.Called(ctx, tx, defining)
	return args.Error(0)
}

type mockVersionService struct {
	mock.Mock
}

func (m *mockVersionService) MaybeSnapshot(ctx context.Context, nodeID uuid.UUID, trigger services.SnapshotTrigger, changedBy string) (*models.NodeVersion, bool, error) {
	args := m.Called(ctx, nodeID, trigger, changedBy)
	if v := args.Get(0); v != nil {
		return v.(*models.NodeVersion), args.Bool(1), args.Error(2)
	}
	return nil, args.Bool(1), args.Error(2)
}

func (m *mockVersionService) SnapshotInTx(ctx context.Context, tx *gorm.DB, nodeID uuid.UUID, trigger services.SnapshotTrigger, changedBy string) (*models.NodeVersion, bool, error) {
	args := m.Called(ctx, tx, nodeID, trigger, changedBy)
	if v := args.Get(0); v != nil {
		return v.(*models.NodeVersion), args.Bool(1), args.Error(2)
	}
	return nil, args.Bool(1), args.Error(2)
}

func (m *mockVersionService) ListVersions(ctx context.Context, nodeID uuid.UUID) ([]models.NodeVersion, error) {
	args := m.Called(ctx, nodeID)
	if v := args.Get(0); v != nil {
		return v.([]models.NodeVersion), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockVersionService) RestoreVersion(ctx context.Context, nodeID uuid.UUID, versionNumber int, changedBy string) (*models.NodeVersion, error) {
	args := m.Called(ctx, nodeID, versionNumber, changedBy)
	if v := args.Get(0); v != nil {
		return v.(*models.NodeVersion), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockVersionService) Prune(ctx context.Context, nodeID uuid.UUID, policy services.RetentionPolicy) (int, error) {
	args := m.Called(ctx, nodeID, policy)
	return args.Int(0), args.Error(1)
}

func (m *mockVersionService) PruneAll(ctx context.Context, policy services.RetentionPolicy) (int, error) {
	args := m.Called(ctx, policy)
	return args.Int(0), args.Error(1)
}

func TestPropagateTaskHandler_HandlePropagate(t *testing.T) {
	blockID := uuid.New()
	nodeA := uuid.New()
	nodeB := uuid.New()

	t.Run("successful propagation", func(t *testing.T) {
		inh := &mockInheritanceService{}
		handler := NewPropagateTaskHandler(inh)

		task, err := NewPropagateTask(blockID, []uuid.UUID{nodeA, nodeB})
		require.NoError(t, err)

		report := &services.PropagationReport{Created: []uuid.UUID{nodeA, nodeB}}
		inh.On("PropagateToDescendants", mock.Anything, blockID, []uuid.UUID{nodeA, nodeB}).
			Return(report, nil).Once()

		err = handler.HandlePropagate(context.Background(), task)
		require.NoError(t, err)
		inh.AssertExpectations(t)
	})

	t.Run("propagation failure", func(t *testing.T) {
		inh := &mockInheritanceService{}
		handler := NewPropagateTaskHandler(inh)

		task, err := NewPropagateTask(blockID, []uuid.UUID{nodeA})
		require.NoError(t, err)

		inh.On("PropagateToDescendants", mock.Anything, blockID, []uuid.UUID{nodeA}).
			Return(nil, appErr.New(appErr.CodeNotFound, "block not found")).Once()

		err = handler.HandlePropagate(context.Background(), task)
		require.Error(t, err)
		require.True(t, appErr.IsCode(err, appErr.CodeNotFound))
		inh.AssertExpectations(t)
	})

	t.Run("invalid payload", func(t *testing.T) {
		inh := &mockInheritanceService{}
		handler := NewPropagateTaskHandler(inh)

		task := asynq.NewTask(TypePropagate, []byte("not json"))
		err := handler.HandlePropagate(context.Background(), task)
		require.Error(t, err)
	})
}

func TestPruneTaskHandler_HandlePrune(t *testing.T) {
	defaults := services.RetentionPolicy{
		MaxAge:   90 * 24 * time.Hour,
		MaxCount: 200,
		KeepMin:  10,
	}

	t.Run("defaults", func(t *testing.T) {
		vs := &mockVersionService{}
		handler := NewPruneTaskHandler(vs, defaults)

		task, err := NewPruneTask(PrunePayload{})
		require.NoError(t, err)

		vs.On("PruneAll", mock.Anything, defaults).Return(7, nil).Once()

		err = handler.HandlePrune(context.Background(), task)
		require.NoError(t, err)
		vs.AssertExpectations(t)
	})

	t.Run("payload overrides", func(t *testing.T) {
		vs := &mockVersionService{}
		handler := NewPruneTaskHandler(vs, defaults)

		raw, _ := json.Marshal(PrunePayload{MaxAgeHours: 24, MaxCount: 50, KeepMin: 5})
		task := asynq.NewTask(TypePruneVersions, raw)

		want := services.RetentionPolicy{MaxAge: 24 * time.Hour, MaxCount: 50, KeepMin: 5}
		vs.On("PruneAll", mock.Anything, want).Return(0, nil).Once()

		err := handler.HandlePrune(context.Background(), task)
		require.NoError(t, err)
		vs.AssertExpectations(t)
	})
}
