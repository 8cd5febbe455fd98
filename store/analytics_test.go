package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// seedCompletedBatch 写入一个带有用量记录的已完成批次
func seedCompletedBatch(t *testing.T, db *gorm.DB, id string, started, completed time.Time, prompt, completion int) {
	t.Helper()
	b := newBatch(id)
	b.Status = StatusCompleted
	b.CreatedAt = started.Add(-time.Minute)
	b.InProgressAt = &started
	b.CompletedAt = &completed
	b.RequestCounts = RequestCounts{Total: 1, Completed: 1}
	require.NoError(t, NewBatchStore(db).Create(context.Background(), b))
	require.NoError(t, NewUsageStore(db).BulkInsert(context.Background(), []TokenUsage{{
		BatchID:          id,
		RequestID:        "req_" + id,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}}))
}

func TestAnalytics_BatchTimeline(t *testing.T) {
	db := newTestDB(t)
	batches := NewBatchStore(db)
	analytics := NewAnalyticsStore(db)
	ctx := context.Background()

	now := time.Now().UTC()

	// 窗口内两个，窗口外一个
	recent := newBatch("batch_recent")
	recent.CreatedAt = now.Add(-10 * time.Minute)
	require.NoError(t, batches.Create(ctx, recent))

	older := newBatch("batch_older")
	older.CreatedAt = now.Add(-2 * time.Hour)
	require.NoError(t, batches.Create(ctx, older))

	ancient := newBatch("batch_ancient")
	ancient.CreatedAt = now.Add(-30 * time.Hour)
	require.NoError(t, batches.Create(ctx, ancient))

	timeline, err := analytics.BatchTimeline(ctx, now)
	require.NoError(t, err)

	assert.Equal(t, "batch_timeline", timeline.Object)
	// 24h / 15min = 96 个桶
	assert.Len(t, timeline.Intervals, 96)
	assert.Equal(t, 2, timeline.Summary.TotalBatches)
	assert.Equal(t, 1, timeline.Summary.MaxInInterval)

	counted := 0
	for _, iv := range timeline.Intervals {
		counted += iv.Count
	}
	assert.Equal(t, 2, counted)
}

func TestAnalytics_TokenUsageTimeline(t *testing.T) {
	db := newTestDB(t)
	analytics := NewAnalyticsStore(db)
	ctx := context.Background()

	now := time.Now().UTC()
	started := now.Add(-20 * time.Minute)
	completed := now.Add(-10 * time.Minute)
	seedCompletedBatch(t, db, "batch_1", started, completed, 100, 50)
	seedCompletedBatch(t, db, "batch_2", started, completed, 200, 100)

	// 窗口外的完成批次不计入
	oldStart := now.Add(-30 * time.Hour)
	oldEnd := now.Add(-29 * time.Hour)
	seedCompletedBatch(t, db, "batch_old", oldStart, oldEnd, 999, 999)

	timeline, err := analytics.TokenUsageTimeline(ctx, now)
	require.NoError(t, err)

	assert.Equal(t, "token_timeline", timeline.Object)
	assert.EqualValues(t, 300, timeline.Summary.TotalInputTokens)
	assert.EqualValues(t, 150, timeline.Summary.TotalOutputTokens)
	assert.EqualValues(t, 450, timeline.Summary.TotalTokens)
	assert.Equal(t, 2, timeline.Summary.TotalBatches)
	// 每个批次执行了 10 分钟
	assert.InDelta(t, 1200, timeline.Summary.TotalDurationSeconds, 1)
	assert.InDelta(t, 600, timeline.Summary.AvgDurationSeconds, 1)
}

func TestAnalytics_Dashboard(t *testing.T) {
	db := newTestDB(t)
	analytics := NewAnalyticsStore(db)
	usage := NewUsageStore(db)
	batches := NewBatchStore(db)
	ctx := context.Background()

	now := time.Now().UTC()
	started := now.Add(-30 * time.Minute)
	completed := now.Add(-20 * time.Minute)
	seedCompletedBatch(t, db, "batch_done", started, completed, 100, 50)

	failed := newBatch("batch_failed")
	failed.Status = StatusFailed
	failed.CreatedAt = now.Add(-time.Hour)
	failed.RequestCounts = RequestCounts{Total: 4, Completed: 2, Failed: 2}
	require.NoError(t, batches.Create(ctx, failed))

	dash, err := analytics.Dashboard(ctx, usage, now, 1, 10)
	require.NoError(t, err)

	assert.Equal(t, "dashboard", dash.Object)
	require.Len(t, dash.Batches, 2)
	// 创建时间倒序
	assert.Equal(t, "batch_done", dash.Batches[0].ID)
	assert.Equal(t, "batch_failed", dash.Batches[1].ID)

	done := dash.Batches[0]
	assert.EqualValues(t, 150, done.TokenUsage.TotalTokens)
	require.NotNil(t, done.DurationSeconds)
	assert.InDelta(t, 600, *done.DurationSeconds, 1)
	assert.Zero(t, done.ErrorRatePercentage)

	assert.InDelta(t, 50.0, dash.Batches[1].ErrorRatePercentage, 0.01)

	assert.EqualValues(t, 2, dash.Summary.TotalBatches)
	assert.EqualValues(t, 1, dash.Summary.BatchesByStatus[StatusCompleted])
	assert.EqualValues(t, 1, dash.Summary.BatchesByStatus[StatusFailed])
	// 总请求 5 条，失败 2 条
	assert.InDelta(t, 40.0, dash.Summary.OverallErrorRatePercentage, 0.01)
	assert.EqualValues(t, 150, dash.Summary.OverallTokenUsage.TotalTokens)

	assert.False(t, dash.Pagination.HasMore)
	assert.Nil(t, dash.Pagination.NextPage)
	assert.Nil(t, dash.Pagination.PrevPage)
}

func TestAnalytics_Dashboard_Pagination(t *testing.T) {
	db := newTestDB(t)
	analytics := NewAnalyticsStore(db)
	usage := NewUsageStore(db)
	batches := NewBatchStore(db)
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		b := newBatch(string(rune('a'+i)) + "_dash")
		b.CreatedAt = now.Add(-time.Duration(i+1) * time.Minute)
		require.NoError(t, batches.Create(ctx, b))
	}

	page1, err := analytics.Dashboard(ctx, usage, now, 1, 2)
	require.NoError(t, err)
	require.Len(t, page1.Batches, 2)
	assert.True(t, page1.Pagination.HasMore)
	require.NotNil(t, page1.Pagination.NextPage)
	assert.Equal(t, 2, *page1.Pagination.NextPage)

	page2, err := analytics.Dashboard(ctx, usage, now, 2, 2)
	require.NoError(t, err)
	require.Len(t, page2.Batches, 1)
	assert.False(t, page2.Pagination.HasMore)
	require.NotNil(t, page2.Pagination.PrevPage)
	assert.Equal(t, 1, *page2.Pagination.PrevPage)
}
