package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ProsusAI/BESH/filestore"
	"github.com/ProsusAI/BESH/internal/metrics"
	"github.com/ProsusAI/BESH/internal/pool"
	"github.com/ProsusAI/BESH/store"
)

// errCancelled 是内部信号：执行中途观察到批次被取消。
// 取消不产生输出文件，也不改写已持久化的 cancelled 状态。
var errCancelled = errors.New("batch cancelled")

// Executor 驱动单个批次从 in_progress 到终态。
// 每个输入行通过共享工作池散列给 Processor，结果按完成顺序收集，
// 输出行顺序不保证与输入一致。
type Executor struct {
	batches   *store.BatchStore
	usage     *store.UsageStore
	files     *filestore.Store
	pool      *pool.WorkerPool
	processor *Processor
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// NewExecutor 创建 Executor。metrics 可为 nil。
func NewExecutor(
	batches *store.BatchStore,
	usage *store.UsageStore,
	files *filestore.Store,
	workerPool *pool.WorkerPool,
	processor *Processor,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		batches:   batches,
		usage:     usage,
		files:     files,
		pool:      workerPool,
		processor: processor,
		metrics:   collector,
		logger:    logger.With(zap.String("component", "executor")),
	}
}

// Run 执行一个批次。基础设施级失败（缺失输入、空输入、意外错误）
// 把批次标记为 failed 并记录错误信息；请求级失败只计入
// request_counts.failed，不影响批次完成。
func (e *Executor) Run(ctx context.Context, batchID string) {
	err := e.run(ctx, batchID)
	switch {
	case err == nil:
		return
	case errors.Is(err, errCancelled):
		e.logger.Info("batch cancelled mid-flight", zap.String("batch_id", batchID))
	default:
		e.logger.Error("batch failed", zap.String("batch_id", batchID), zap.Error(err))
		failErr := e.batches.Fail(ctx, batchID, store.ErrorList{{Message: err.Error()}})
		switch {
		case failErr == nil:
		case errors.Is(failErr, store.ErrTerminal):
			e.logger.Info("batch already terminal, failure not recorded",
				zap.String("batch_id", batchID))
		default:
			e.logger.Error("failed to mark batch failed",
				zap.String("batch_id", batchID), zap.Error(failErr))
		}
	}
}

func (e *Executor) run(ctx context.Context, batchID string) error {
	// 先迁移到 in_progress；记录不存在时静默退出（无事可做），
	// 排队期间已进终态（典型为取消）时同样退出，不得复活
	if err := e.batches.UpdateStatus(ctx, batchID, store.StatusInProgress); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			e.logger.Warn("batch record missing, nothing to do", zap.String("batch_id", batchID))
			return nil
		case errors.Is(err, store.ErrTerminal):
			return errCancelled
		}
		return err
	}

	batch, err := e.batches.Get(ctx, batchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if batch.Status == store.StatusCancelled || batch.Status == store.StatusCancelling {
		return errCancelled
	}

	// 读取输入并去掉空白行
	rawLines, err := e.files.ReadLines(batch.InputFileID)
	if err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			return fmt.Errorf("input file not found: %s", batch.InputFileID)
		}
		return err
	}
	lines := make([]string, 0, len(rawLines))
	for _, line := range rawLines {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return fmt.Errorf("no valid request lines found in input file")
	}

	// batchCtx 取消后，池中排队未开始的任务被确定性跳过
	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan *RequestResult, len(lines))
	submitted := 0
	for _, line := range lines {
		// 每次提交前重读持久化状态
		if e.isCancelled(ctx, batchID) {
			cancel()
			return errCancelled
		}

		line := line
		task := func(taskCtx context.Context) {
			results <- e.safeProcess(taskCtx, line, batchID)
		}
		if err := e.pool.Submit(batchCtx, task); err != nil {
			return fmt.Errorf("failed to submit request task: %w", err)
		}
		submitted++
	}

	// 按完成顺序收集
	collected := make([]*RequestResult, 0, submitted)
	var usages []store.TokenUsage
	for i := 0; i < submitted; i++ {
		result := <-results

		// 每次完成后重读持久化状态；取消时跳过所有未开始的任务
		if e.isCancelled(ctx, batchID) {
			cancel()
			return errCancelled
		}

		collected = append(collected, result)
		if u := result.Usage(); u != nil {
			usages = append(usages, *u)
		}
		if e.metrics != nil {
			if result.Error != nil {
				e.metrics.RecordRequestProcessed("error")
			} else {
				e.metrics.RecordRequestProcessed("ok")
				if u := result.Usage(); u != nil {
					e.metrics.RecordTokens(u.Model, u.PromptTokens, u.CompletionTokens)
				}
			}
		}
	}

	// 收尾前最后一次取消检查
	if e.isCancelled(ctx, batchID) {
		return errCancelled
	}

	outputFileID, err := e.writeOutput(collected)
	if err != nil {
		return err
	}

	// 用量写入失败不算批次失败，只记日志
	if err := e.usage.BulkInsert(ctx, usages); err != nil {
		e.logger.Error("failed to save token usage",
			zap.String("batch_id", batchID), zap.Error(err))
	} else if len(usages) > 0 {
		e.logger.Info("token usage saved",
			zap.String("batch_id", batchID), zap.Int("rows", len(usages)))
	}

	counts := store.RequestCounts{Total: len(collected)}
	for _, r := range collected {
		if r.Error != nil {
			counts.Failed++
		} else {
			counts.Completed++
		}
	}
	if err := e.batches.Complete(ctx, batchID, outputFileID, counts); err != nil {
		// 最后一个检查点之后落下的取消胜出：丢弃已写出的输出文件
		if errors.Is(err, store.ErrTerminal) {
			if delErr := e.files.Delete(outputFileID); delErr != nil && !errors.Is(delErr, filestore.ErrNotFound) {
				e.logger.Warn("failed to remove orphan output file",
					zap.String("output_file_id", outputFileID), zap.Error(delErr))
			}
			return errCancelled
		}
		return err
	}

	e.logger.Info("batch completed",
		zap.String("batch_id", batchID),
		zap.String("output_file_id", outputFileID),
		zap.Int("total", counts.Total),
		zap.Int("completed", counts.Completed),
		zap.Int("failed", counts.Failed),
	)
	return nil
}

// safeProcess 调用 Processor 并把任务崩溃合成为 executor_error 结果
func (e *Executor) safeProcess(ctx context.Context, line, batchID string) (result *RequestResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("request task panicked",
				zap.String("batch_id", batchID), zap.Any("panic", r))
			result = newExecutorErrorResult(fmt.Sprint(r))
		}
	}()
	return e.processor.Process(ctx, line, batchID)
}

// isCancelled 读取最新持久化状态，cancelling 与 cancelled 都视为已取消。
// 读失败按未取消处理（尽力而为）。
func (e *Executor) isCancelled(ctx context.Context, batchID string) bool {
	status, err := e.batches.GetStatus(ctx, batchID)
	if err != nil {
		e.logger.Warn("failed to read batch status for cancellation check",
			zap.String("batch_id", batchID), zap.Error(err))
		return false
	}
	return status == store.StatusCancelled || status == store.StatusCancelling
}

// writeOutput 把结果按完成顺序写入新的输出文件
func (e *Executor) writeOutput(results []*RequestResult) (string, error) {
	outputFileID := filestore.NewFileID()
	lines := make([]string, 0, len(results))
	for _, r := range results {
		data, err := json.Marshal(r)
		if err != nil {
			return "", fmt.Errorf("failed to marshal result: %w", err)
		}
		lines = append(lines, string(data))
	}
	if err := e.files.WriteLines(outputFileID, lines); err != nil {
		return "", err
	}
	return outputFileID, nil
}
