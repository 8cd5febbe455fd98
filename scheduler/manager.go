package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ProsusAI/BESH/internal/metrics"
	"github.com/ProsusAI/BESH/internal/pool"
	"github.com/ProsusAI/BESH/store"
)

// ErrShutdown 表示调度器已停止接受新批次
var ErrShutdown = errors.New("scheduler is shut down")

// =============================================================================
// 🎯 批次准入调度器
// =============================================================================

// Options 调度器配置
type Options struct {
	// MaxConcurrentBatches 同时执行的批次上限（准入槽位数）
	MaxConcurrentBatches int
	// PollInterval 调度循环的兜底轮询间隔
	PollInterval time.Duration
	// MonitorInterval 监控日志输出间隔
	MonitorInterval time.Duration
	// Metrics 可为 nil
	Metrics *metrics.Collector
	Logger  *zap.Logger
}

// Manager 批次准入控制器。活跃批次集合与待处理队列只在一把互斥锁下
// 变更；批次完成通过通知通道驱动晋升，轮询 tick 只做兜底。
// 批驱动任务与单请求任务共用一个工作池，准入上限与池大小解耦。
type Manager struct {
	batches  *store.BatchStore
	executor *Executor
	pool     *pool.WorkerPool

	maxConcurrentBatches int
	pollInterval         time.Duration
	monitorInterval      time.Duration
	metrics              *metrics.Collector
	logger               *zap.Logger

	mu      sync.Mutex
	active  map[string]time.Time // batch id → 开始时间
	pending []string             // FIFO
	stopped bool

	done       chan string // 批驱动任务完成通知
	loopCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewManager 创建调度器并启动晋升循环与监控循环。
func NewManager(batches *store.BatchStore, executor *Executor, workerPool *pool.WorkerPool, opts Options) *Manager {
	if opts.MaxConcurrentBatches <= 0 {
		opts.MaxConcurrentBatches = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	m := &Manager{
		batches:              batches,
		executor:             executor,
		pool:                 workerPool,
		maxConcurrentBatches: opts.MaxConcurrentBatches,
		pollInterval:         opts.PollInterval,
		monitorInterval:      opts.MonitorInterval,
		metrics:              opts.Metrics,
		logger:               opts.Logger.With(zap.String("component", "scheduler")),
		active:               make(map[string]time.Time),
		done:                 make(chan string, opts.MaxConcurrentBatches*2+8),
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.loopCancel = cancel
	m.wg.Add(2)
	go m.promotionLoop(ctx)
	go m.monitorLoop(ctx)
	return m
}

// Submit 提交一个批次：有空闲准入槽位立即开始执行，
// 否则入队并把状态持久化为 queued。不做去重，由调用方保证。
func (m *Manager) Submit(ctx context.Context, batchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrShutdown
	}

	if len(m.active) < m.maxConcurrentBatches {
		m.startLocked(batchID)
		if m.metrics != nil {
			m.metrics.RecordBatchSubmitted("immediate")
		}
	} else {
		if err := m.batches.UpdateStatus(ctx, batchID, store.StatusQueued); err != nil {
			if errors.Is(err, store.ErrTerminal) {
				m.logger.Info("batch already terminal, not queued",
					zap.String("batch_id", batchID))
				m.updateGaugesLocked()
				return nil
			}
			m.logger.Error("failed to persist queued status",
				zap.String("batch_id", batchID), zap.Error(err))
		}
		m.pending = append(m.pending, batchID)
		if m.metrics != nil {
			m.metrics.RecordBatchSubmitted("queued")
		}
		m.logger.Info("batch queued",
			zap.String("batch_id", batchID),
			zap.Int("queue_depth", len(m.pending)),
		)
	}
	m.updateGaugesLocked()
	return nil
}

// Status 调度器状态快照
type Status struct {
	ActiveBatches        int `json:"active_batches"`
	QueuedBatches        int `json:"queued_batches"`
	MaxWorkers           int `json:"max_workers"`
	MaxConcurrentBatches int `json:"max_concurrent_batches"`
}

// Status 返回锁下的点时读快照，不阻塞
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		ActiveBatches:        len(m.active),
		QueuedBatches:        len(m.pending),
		MaxWorkers:           m.pool.Stats().MaxWorkers,
		MaxConcurrentBatches: m.maxConcurrentBatches,
	}
}

// Shutdown 停止接受新提交，排空池中在途工作，然后停掉后台循环。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()

	m.logger.Info("scheduler shutting down")

	drained := make(chan struct{})
	go func() {
		m.pool.Close()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		m.loopCancel()
		m.wg.Wait()
		return ctx.Err()
	}

	m.loopCancel()
	m.wg.Wait()
	m.logger.Info("scheduler stopped")
	return nil
}

// startLocked 把批驱动任务放进共享池并占用一个准入槽位。
// 调用方必须持有 m.mu。
func (m *Manager) startLocked(batchID string) {
	m.active[batchID] = time.Now()

	task := func(ctx context.Context) {
		m.executor.Run(ctx, batchID)
		m.done <- batchID
	}
	if err := m.pool.Submit(context.Background(), task); err != nil {
		delete(m.active, batchID)
		m.logger.Error("failed to start batch driver",
			zap.String("batch_id", batchID), zap.Error(err))
		return
	}
	m.logger.Info("batch started", zap.String("batch_id", batchID))
}

// promotionLoop 把批次完成事件与晋升耦合起来：一个活跃批次结束后
// 才会从队列中取下一个开始。tick 只做兜底性的晋升与 gauge 刷新。
func (m *Manager) promotionLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case batchID := <-m.done:
			m.safeStep(func() { m.onBatchFinished(batchID) })
		case <-ticker.C:
			m.safeStep(m.promote)
		}
	}
}

// safeStep 单个批次的故障不能杀死调度循环
func (m *Manager) safeStep(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in scheduler loop", zap.Any("panic", r))
			time.Sleep(m.pollInterval)
		}
	}()
	fn()
}

// onBatchFinished 释放准入槽位、记录终态指标并晋升队列头
func (m *Manager) onBatchFinished(batchID string) {
	m.mu.Lock()
	startedAt, ok := m.active[batchID]
	delete(m.active, batchID)
	m.mu.Unlock()

	if ok && m.metrics != nil {
		status := "unknown"
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if s, err := m.batches.GetStatus(ctx, batchID); err == nil {
			status = string(s)
		}
		cancel()
		m.metrics.RecordBatchFinished(status, time.Since(startedAt))
	}

	m.promote()
}

// promote 只要有空闲槽位且队列非空，按 FIFO 取出并开始执行
func (m *Manager) promote() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}
	for len(m.active) < m.maxConcurrentBatches && len(m.pending) > 0 {
		next := m.pending[0]
		m.pending = m.pending[1:]
		m.startLocked(next)
	}
	m.updateGaugesLocked()
}

func (m *Manager) updateGaugesLocked() {
	if m.metrics != nil {
		m.metrics.SetSchedulerGauges(len(m.active), len(m.pending))
	}
}

// monitorLoop 低频输出调度器状态快照，纯诊断用途
func (m *Manager) monitorLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			active, queued := len(m.active), len(m.pending)
			m.mu.Unlock()
			m.logger.Info("batch status",
				zap.Int("active", active),
				zap.Int("queued", queued),
			)
		}
	}
}
