package tasks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"github.com/storyforge/engine/internal/services"
	"github.com/storyforge/engine/pkg/logger"
	"go.uber.org/zap"
)

const TypePruneVersions = "versions:prune"

// PrunePayload carries optional overrides for the retention policy; zero
// values fall back to the configured defaults.
type PrunePayload struct {
	MaxAgeHours int `json:"max_age_hours,omitempty"`
	MaxCount    int `json:"max_count,omitempty"`
	KeepMin     int `json:"keep_min,omitempty"`
}

func NewPruneTask(p PrunePayload) (*asynq.Task, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypePruneVersions, raw), nil
}

// PruneTaskHandler trims version history across all nodes on a schedule.
type PruneTaskHandler struct {
	versions services.VersionService
	policy   services.RetentionPolicy
}

func NewPruneTaskHandler(versions services.VersionService, policy services.RetentionPolicy) *PruneTaskHandler {
	return &PruneTaskHandler{versions: versions, policy: policy}
}

func (h *PruneTaskHandler) HandlePrune(ctx context.Context, t *asynq.Task) error {
	var p PrunePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		logger.L().Error("invalid prune task payload", zap.Error(err))
		return err
	}

	policy := h.policy
	if p.MaxAgeHours > 0 {
		policy.MaxAge = time.Duration(p.MaxAgeHours) * time.Hour
	}
	if p.MaxCount > 0 {
		policy.MaxCount = p.MaxCount
	}
	if p.KeepMin > 0 {
		policy.KeepMin = p.KeepMin
	}

	logger.L().Info("handling prune task",
		zap.Duration("max_age", policy.MaxAge),
		zap.Int("max_count", policy.MaxCount),
		zap.Int("keep_min", policy.KeepMin))

	deleted, err := h.versions.PruneAll(ctx, policy)
	if err != nil {
		logger.L().Error("prune failed", zap.Error(err))
		return err
	}

	logger.L().Info("prune completed", zap.Int("deleted", deleted))
	return nil
}
