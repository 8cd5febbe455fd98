package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ProsusAI/BESH/llm"
	"github.com/ProsusAI/BESH/store"
	"github.com/ProsusAI/BESH/testutil"
)

func newTestManager(t *testing.T, env *testEnv, maxConcurrent int) *Manager {
	t.Helper()
	m := NewManager(env.batches, env.executor, env.pool, Options{
		MaxConcurrentBatches: maxConcurrent,
		PollInterval:         20 * time.Millisecond,
		MonitorInterval:      time.Hour,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func TestManager_RunsSubmittedBatch(t *testing.T) {
	env := newTestEnv(t)
	m := newTestManager(t, env, 2)
	ctx := context.Background()

	env.seedBatch(t, "batch_a", []string{requestLine("r1", "gpt-4o", "hi")})
	require.NoError(t, m.Submit(ctx, "batch_a"))

	testutil.Eventually(t, 5*time.Second, func() bool {
		status, err := env.batches.GetStatus(ctx, "batch_a")
		return err == nil && status == store.StatusCompleted
	}, "batch did not complete")
}

func TestManager_AdmissionBoundAndPromotion(t *testing.T) {
	env := newTestEnv(t)
	env.provider.Delay = 100 * time.Millisecond
	m := newTestManager(t, env, 1)
	ctx := context.Background()

	env.seedBatch(t, "batch_first", []string{requestLine("r1", "gpt-4o", "hi")})
	env.seedBatch(t, "batch_second", []string{requestLine("r2", "gpt-4o", "hi")})

	require.NoError(t, m.Submit(ctx, "batch_first"))
	require.NoError(t, m.Submit(ctx, "batch_second"))

	// 第二个批次在槽位占满时应被排队并持久化为 queued
	status, err := env.batches.GetStatus(ctx, "batch_second")
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, status)

	snap := m.Status()
	assert.Equal(t, 1, snap.ActiveBatches)
	assert.Equal(t, 1, snap.QueuedBatches)
	assert.Equal(t, 1, snap.MaxConcurrentBatches)

	// 第一个完成后第二个自动晋升并跑完
	testutil.Eventually(t, 10*time.Second, func() bool {
		s1, err1 := env.batches.GetStatus(ctx, "batch_first")
		s2, err2 := env.batches.GetStatus(ctx, "batch_second")
		return err1 == nil && err2 == nil &&
			s1 == store.StatusCompleted && s2 == store.StatusCompleted
	}, "queued batch was not promoted and completed")

	testutil.Eventually(t, 2*time.Second, func() bool {
		snap := m.Status()
		return snap.ActiveBatches == 0 && snap.QueuedBatches == 0
	}, "slots were not released")
}

func TestManager_CancelledWhileQueuedIsNotResurrected(t *testing.T) {
	env := newTestEnv(t)
	gate := make(chan struct{})
	env.provider.Respond = func(req *llm.ChatRequest) (*llm.ChatResponse, error) {
		<-gate
		return &llm.ChatResponse{
			Model: req.Model,
			Body:  json.RawMessage(`{"choices":[{"message":{"content":"ok"}}]}`),
		}, nil
	}
	m := newTestManager(t, env, 1)
	ctx := context.Background()

	env.seedBatch(t, "batch_hold", []string{requestLine("r1", "gpt-4o", "hi")})
	env.seedBatch(t, "batch_doomed", []string{requestLine("r2", "gpt-4o", "hi")})

	require.NoError(t, m.Submit(ctx, "batch_hold"))
	testutil.Eventually(t, 5*time.Second, func() bool {
		return env.provider.CallCount() == 1
	}, "first batch did not reach the provider")

	require.NoError(t, m.Submit(ctx, "batch_doomed"))
	status, err := env.batches.GetStatus(ctx, "batch_doomed")
	require.NoError(t, err)
	require.Equal(t, store.StatusQueued, status)

	// 排队中被取消的批次晋升后不得回到 in_progress
	require.NoError(t, env.batches.UpdateStatus(ctx, "batch_doomed", store.StatusCancelled))
	close(gate)

	testutil.Eventually(t, 10*time.Second, func() bool {
		s, err := env.batches.GetStatus(ctx, "batch_hold")
		return err == nil && s == store.StatusCompleted
	}, "first batch did not complete")
	testutil.Eventually(t, 2*time.Second, func() bool {
		snap := m.Status()
		return snap.ActiveBatches == 0 && snap.QueuedBatches == 0
	}, "slots were not released")

	doomed, err := env.batches.Get(ctx, "batch_doomed")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, doomed.Status)
	assert.Nil(t, doomed.InProgressAt)
	assert.Empty(t, doomed.OutputFileID)
	assert.Equal(t, 1, env.provider.CallCount())
}

func TestManager_StatusReportsPoolSize(t *testing.T) {
	env := newTestEnv(t)
	m := newTestManager(t, env, 3)

	snap := m.Status()
	assert.Equal(t, 8, snap.MaxWorkers)
	assert.Equal(t, 3, snap.MaxConcurrentBatches)
	assert.Zero(t, snap.ActiveBatches)
	assert.Zero(t, snap.QueuedBatches)
}

func TestManager_SubmitAfterShutdown(t *testing.T) {
	env := newTestEnv(t)
	m := NewManager(env.batches, env.executor, env.pool, Options{
		MaxConcurrentBatches: 1,
		PollInterval:         20 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	assert.ErrorIs(t, m.Submit(context.Background(), "batch_x"), ErrShutdown)
}

func TestManager_ShutdownDrainsActiveBatch(t *testing.T) {
	env := newTestEnv(t)
	env.provider.Delay = 50 * time.Millisecond
	m := NewManager(env.batches, env.executor, env.pool, Options{
		MaxConcurrentBatches: 1,
		PollInterval:         20 * time.Millisecond,
	})
	ctx := context.Background()

	env.seedBatch(t, "batch_drain", []string{requestLine("r", "gpt-4o", "hi")})
	require.NoError(t, m.Submit(ctx, "batch_drain"))

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(shutdownCtx))

	// 在途批次在停机前被排空
	status, err := env.batches.GetStatus(ctx, "batch_drain")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, status)
}
