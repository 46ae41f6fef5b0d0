package tasks

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/storyforge/engine/internal/services"
	"github.com/storyforge/engine/pkg/logger"
	"go.uber.org/zap"
)

const TypePropagate = "inheritance:propagate"

// PropagatePayload is the task payload for background cascade propagation.
type PropagatePayload struct {
	DefiningBlockID string   `json:"defining_block_id"`
	NodeIDs         []string `json:"node_ids"`
}

// NewPropagateTask builds a propagation task for the given defining block
// and explicit descendant set.
func NewPropagateTask(definingBlockID uuid.UUID, nodeIDs []uuid.UUID) (*asynq.Task, error) {
	p := PropagatePayload{DefiningBlockID: definingBlockID.String()}
	for _, id := range nodeIDs {
		p.NodeIDs = append(p.NodeIDs, id.String())
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypePropagate, raw), nil
}

// PropagateTaskHandler applies a defining block to existing descendants in
// the background. Large subtrees are chunked by the service so a crash
// mid-run loses at most one chunk.
type PropagateTaskHandler struct {
	inheritance services.InheritanceService
}

func NewPropagateTaskHandler(inheritance services.InheritanceService) *PropagateTaskHandler {
	return &PropagateTaskHandler{inheritance: inheritance}
}

func (h *PropagateTaskHandler) HandlePropagate(ctx context.Context, t *asynq.Task) error {
	var p PropagatePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		logger.L().Error("invalid propagate task payload", zap.Error(err))
		return err
	}
	blockID, err := uuid.Parse(p.DefiningBlockID)
	if err != nil {
		logger.L().Error("invalid defining block id in task", zap.Error(err))
		return err
	}
	nodeIDs := make([]uuid.UUID, 0, len(p.NodeIDs))
	for _, s := range p.NodeIDs {
		id, err := uuid.Parse(s)
		if err != nil {
			logger.L().Error("invalid node id in task", zap.String("node_id", s), zap.Error(err))
			return err
		}
		nodeIDs = append(nodeIDs, id)
	}

	logger.L().Info("handling propagate task",
		zap.String("defining_block_id", blockID.String()),
		zap.Int("node_count", len(nodeIDs)))

	report, err := h.inheritance.PropagateToDescendants(ctx, blockID, nodeIDs)
	if err != nil {
		logger.L().Error("propagation failed", zap.Error(err))
		return err
	}

	logger.L().Info("propagation completed",
		zap.String("defining_block_id", blockID.String()),
		zap.Int("created", len(report.Created)),
		zap.Int("skipped", len(report.Skipped)))
	return nil
}
