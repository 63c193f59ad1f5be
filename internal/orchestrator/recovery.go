package orchestrator

import (
	"context"
	"fmt"
	"time"
)

// RecoveryStats — итог прохода восстановления.
type RecoveryStats struct {
	Requeued int
	Joined   int
	Stopped  int
}

// RecoverStalled находит node, застрявшие из-за потерянных job:
//   - scheduled/running без аренды дольше StalledAfter — шаг ставится заново
//   - waiting_for_children, у которых все дети завершены, — повторяется join
//
// Запускается повторяющимся job recover-stalled.
func (o *Orchestrator) RecoverStalled(ctx context.Context, limit int) (RecoveryStats, error) {
	var stats RecoveryStats
	if limit <= 0 {
		limit = o.recoveryBatch
	}

	stalled, err := o.nodes.ListStalled(ctx, o.stalledAfter, limit)
	if err != nil {
		return stats, &TransientDependencyError{Dependency: "store", Err: err}
	}

	// Исходный JobID шага может быть ещё занят в ledger, поэтому
	// восстановленный шаг получает свой ключ на каждый интервал.
	bucket := time.Now().Unix() / int64(o.stalledAfter/time.Second+1)

	for i := range stalled {
		node := &stalled[i]

		stopped, err := o.isStopped(ctx, node.RunID)
		if err != nil {
			o.logger.Warn("recovery: failed to check stop flag", "run_id", node.RunID, "error", err)
			continue
		}
		if stopped {
			if err := o.stopNode(ctx, node); err != nil {
				o.logger.Warn("recovery: failed to stop node", "node_id", node.ID, "error", err)
				continue
			}
			stats.Stopped++
			continue
		}

		jobID := fmt.Sprintf("%s-%s-step-%d-recovered-%d", node.RunID, node.ID, node.Steps, bucket)
		if err := o.enqueueStep(ctx, node, jobID); err != nil {
			o.logger.Warn("recovery: failed to requeue node", "node_id", node.ID, "error", err)
			continue
		}
		stats.Requeued++
	}

	joinable, err := o.nodes.ListJoinable(ctx, o.stalledAfter, limit)
	if err != nil {
		return stats, &TransientDependencyError{Dependency: "store", Err: err}
	}
	for i := range joinable {
		parent := &joinable[i]
		if err := o.tryJoin(ctx, parent.RunID, parent.ID); err != nil {
			o.logger.Warn("recovery: join failed", "node_id", parent.ID, "error", err)
			continue
		}
		stats.Joined++
	}

	if stats != (RecoveryStats{}) {
		o.logger.Info("recovered stalled nodes",
			"requeued", stats.Requeued,
			"joined", stats.Joined,
			"stopped", stats.Stopped,
		)
	}
	return stats, nil
}
