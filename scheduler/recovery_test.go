package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ProsusAI/BESH/store"
	"github.com/ProsusAI/BESH/testutil"
)

func TestRecovery_NothingToRecover(t *testing.T) {
	env := newTestEnv(t)
	m := newTestManager(t, env, 2)
	r := NewRecovery(env.batches, m, nil)

	recovered, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, recovered)
}

func TestRecovery_ResubmitsIncompleteBatches(t *testing.T) {
	env := newTestEnv(t)
	m := newTestManager(t, env, 2)
	r := NewRecovery(env.batches, m, nil)
	ctx := context.Background()

	// 崩溃现场：一个 in_progress、一个 queued、一个 validating、一个已完成
	env.seedBatch(t, "batch_inflight", []string{requestLine("r1", "gpt-4o", "hi")})
	require.NoError(t, env.batches.UpdateStatus(ctx, "batch_inflight", store.StatusInProgress))

	env.seedBatch(t, "batch_waiting", []string{requestLine("r2", "gpt-4o", "hi")})
	require.NoError(t, env.batches.UpdateStatus(ctx, "batch_waiting", store.StatusQueued))

	env.seedBatch(t, "batch_fresh", []string{requestLine("r3", "gpt-4o", "hi")})

	env.seedBatch(t, "batch_done", []string{requestLine("r4", "gpt-4o", "hi")})
	require.NoError(t, env.batches.Complete(ctx, "batch_done", "file_out", store.RequestCounts{Total: 1, Completed: 1}))

	recovered, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, recovered)

	// in_progress 被回退到 validating 且清掉了 in_progress_at
	// （随后执行会再次设置，这里只验证最终全部跑完）
	testutil.Eventually(t, 10*time.Second, func() bool {
		for _, id := range []string{"batch_inflight", "batch_waiting", "batch_fresh"} {
			status, err := env.batches.GetStatus(ctx, id)
			if err != nil || status != store.StatusCompleted {
				return false
			}
		}
		return true
	}, "recovered batches did not complete")

	// 已完成的批次不受影响
	done, err := env.batches.Get(ctx, "batch_done")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, done.Status)
	assert.Equal(t, "file_out", done.OutputFileID)
}

func TestRecovery_NormalizationResetsInProgress(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedBatch(t, "batch_stuck", []string{requestLine("r", "gpt-4o", "hi")})
	require.NoError(t, env.batches.UpdateStatus(ctx, "batch_stuck", store.StatusInProgress))

	incomplete, err := env.batches.FindIncomplete(ctx)
	require.NoError(t, err)
	require.Len(t, incomplete, 1)
	require.NoError(t, env.batches.NormalizeForRecovery(ctx, incomplete))

	batch, err := env.batches.Get(ctx, "batch_stuck")
	require.NoError(t, err)
	assert.Equal(t, store.StatusValidating, batch.Status)
	assert.Nil(t, batch.InProgressAt)
}
