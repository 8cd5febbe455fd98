package scheduler

import (
	"context"

	"go.uber.org/zap"

	"github.com/ProsusAI/BESH/store"
)

// Recovery 启动时把上次进程崩溃遗留的未完成批次重新排队。
// in_progress 批次先回退到 validating 并清空 in_progress_at，
// 然后按创建顺序整体重新提交，恢复崩溃前的执行次序。
type Recovery struct {
	batches *store.BatchStore
	manager *Manager
	logger  *zap.Logger
}

func NewRecovery(batches *store.BatchStore, manager *Manager, logger *zap.Logger) *Recovery {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recovery{
		batches: batches,
		manager: manager,
		logger:  logger.With(zap.String("component", "recovery")),
	}
}

// Run 执行一次恢复扫描，返回成功重新提交的批次数。
// 单个批次提交失败只记录日志并跳过，不影响其余批次。
func (r *Recovery) Run(ctx context.Context) (int, error) {
	incomplete, err := r.batches.FindIncomplete(ctx)
	if err != nil {
		return 0, err
	}
	if len(incomplete) == 0 {
		r.logger.Info("no incomplete batches found")
		return 0, nil
	}

	r.logger.Info("found incomplete batches", zap.Int("count", len(incomplete)))

	if err := r.batches.NormalizeForRecovery(ctx, incomplete); err != nil {
		return 0, err
	}

	recovered := 0
	for _, b := range incomplete {
		if err := r.manager.Submit(ctx, b.ID); err != nil {
			r.logger.Error("failed to resubmit batch",
				zap.String("batch_id", b.ID), zap.Error(err))
			continue
		}
		r.logger.Info("batch resubmitted",
			zap.String("batch_id", b.ID),
			zap.String("status", string(b.Status)),
		)
		recovered++
	}

	r.logger.Info("recovery complete",
		zap.Int("recovered", recovered),
		zap.Int("total", len(incomplete)),
	)
	return recovered, nil
}
