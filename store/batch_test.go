package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenInMemory()
	require.NoError(t, err)
	return db
}

func newBatch(id string) *Batch {
	return &Batch{
		ID:               id,
		Endpoint:         "/v1/chat/completions",
		InputFileID:      "file_input",
		CompletionWindow: "24h",
		Metadata:         Metadata{"project": "demo"},
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.True(t, StatusExpired.IsTerminal())
	assert.False(t, StatusValidating.IsTerminal())
	assert.False(t, StatusQueued.IsTerminal())
	assert.False(t, StatusInProgress.IsTerminal())
	assert.False(t, StatusCancelling.IsTerminal())
}

func TestBatchStore_CreateAndGet(t *testing.T) {
	s := NewBatchStore(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newBatch("batch_1")))

	got, err := s.Get(ctx, "batch_1")
	require.NoError(t, err)
	assert.Equal(t, "batch", got.Object)
	assert.Equal(t, StatusValidating, got.Status)
	assert.Equal(t, "demo", got.Metadata["project"])
	assert.False(t, got.CreatedAt.IsZero())
}

func TestBatchStore_GetNotFound(t *testing.T) {
	s := NewBatchStore(newTestDB(t))

	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBatchStore_GetStatus(t *testing.T) {
	s := NewBatchStore(newTestDB(t))
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newBatch("batch_1")))

	status, err := s.GetStatus(ctx, "batch_1")
	require.NoError(t, err)
	assert.Equal(t, StatusValidating, status)

	_, err = s.GetStatus(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBatchStore_UpdateStatus_Timestamps(t *testing.T) {
	s := NewBatchStore(newTestDB(t))
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newBatch("batch_1")))

	require.NoError(t, s.UpdateStatus(ctx, "batch_1", StatusInProgress))
	got, err := s.Get(ctx, "batch_1")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
	require.NotNil(t, got.InProgressAt)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.FailedAt)

	require.NoError(t, s.UpdateStatus(ctx, "batch_1", StatusFailed))
	got, err = s.Get(ctx, "batch_1")
	require.NoError(t, err)
	require.NotNil(t, got.FailedAt)
}

func TestBatchStore_UpdateStatus_CancelKeepsFirstTimestamp(t *testing.T) {
	s := NewBatchStore(newTestDB(t))
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newBatch("batch_1")))

	require.NoError(t, s.UpdateStatus(ctx, "batch_1", StatusCancelling))
	got, err := s.Get(ctx, "batch_1")
	require.NoError(t, err)
	require.NotNil(t, got.CancelledAt)
	first := *got.CancelledAt

	require.NoError(t, s.UpdateStatus(ctx, "batch_1", StatusCancelled))
	got, err = s.Get(ctx, "batch_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	require.NotNil(t, got.CancelledAt)
	assert.True(t, got.CancelledAt.Equal(first))
}

func TestBatchStore_UpdateStatus_NotFound(t *testing.T) {
	s := NewBatchStore(newTestDB(t))
	err := s.UpdateStatus(context.Background(), "missing", StatusInProgress)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBatchStore_UpdateStatus_TerminalNotResurrected(t *testing.T) {
	s := NewBatchStore(newTestDB(t))
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newBatch("batch_1")))
	require.NoError(t, s.UpdateStatus(ctx, "batch_1", StatusCancelled))

	// 排队期间被取消的批次不能被拉回 in_progress
	err := s.UpdateStatus(ctx, "batch_1", StatusInProgress)
	assert.ErrorIs(t, err, ErrTerminal)

	got, err := s.Get(ctx, "batch_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Nil(t, got.InProgressAt)
	require.NotNil(t, got.CancelledAt)
}

func TestBatchStore_TerminalGuardCoversAllTerminalStates(t *testing.T) {
	s := NewBatchStore(newTestDB(t))
	ctx := context.Background()

	for _, terminal := range []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusExpired} {
		id := "batch_" + string(terminal)
		require.NoError(t, s.Create(ctx, newBatch(id)))
		require.NoError(t, s.UpdateStatus(ctx, id, terminal))

		assert.ErrorIs(t, s.UpdateStatus(ctx, id, StatusInProgress), ErrTerminal)

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, terminal, got.Status)
	}
}

func TestBatchStore_CompleteAndFail_RejectCancelled(t *testing.T) {
	s := NewBatchStore(newTestDB(t))
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newBatch("batch_1")))
	require.NoError(t, s.UpdateStatus(ctx, "batch_1", StatusCancelled))

	err := s.Complete(ctx, "batch_1", "file_out", RequestCounts{Total: 1, Completed: 1})
	assert.ErrorIs(t, err, ErrTerminal)
	err = s.Fail(ctx, "batch_1", ErrorList{{Message: "boom"}})
	assert.ErrorIs(t, err, ErrTerminal)

	got, err := s.Get(ctx, "batch_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Empty(t, got.OutputFileID)
	assert.Empty(t, got.Errors)
	assert.True(t, got.RequestCounts.IsZero())
}

func TestBatchStore_Complete(t *testing.T) {
	s := NewBatchStore(newTestDB(t))
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newBatch("batch_1")))

	counts := RequestCounts{Total: 10, Completed: 8, Failed: 2}
	require.NoError(t, s.Complete(ctx, "batch_1", "file_out", counts))

	got, err := s.Get(ctx, "batch_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "file_out", got.OutputFileID)
	assert.Equal(t, counts, got.RequestCounts)
	require.NotNil(t, got.CompletedAt)
}

func TestBatchStore_Fail(t *testing.T) {
	s := NewBatchStore(newTestDB(t))
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newBatch("batch_1")))

	require.NoError(t, s.Fail(ctx, "batch_1", ErrorList{{Message: "input file not found"}}))

	got, err := s.Get(ctx, "batch_1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, "input file not found", got.Errors[0].Message)
	require.NotNil(t, got.FailedAt)
	assert.Empty(t, got.OutputFileID)
}

func TestBatchStore_List_Pagination(t *testing.T) {
	s := NewBatchStore(newTestDB(t))
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		b := newBatch(string(rune('a'+i)) + "_batch")
		b.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Create(ctx, b))
	}

	// 按创建时间倒序
	all, err := s.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "e_batch", all[0].ID)
	assert.Equal(t, "a_batch", all[4].ID)

	// after 游标：取比游标更早创建的
	page, err := s.List(ctx, "d_batch", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "c_batch", page[0].ID)
	assert.Equal(t, "b_batch", page[1].ID)

	// limit 上限 100
	capped, err := s.List(ctx, "", 1000)
	require.NoError(t, err)
	assert.Len(t, capped, 5)
}

func TestBatchStore_Counts(t *testing.T) {
	s := NewBatchStore(newTestDB(t))
	ctx := context.Background()

	for _, st := range []Status{StatusQueued, StatusInProgress, StatusCompleted} {
		b := newBatch("batch_" + string(st))
		b.Status = st
		require.NoError(t, s.Create(ctx, b))
	}

	total, active, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.EqualValues(t, 2, active)
}

func TestBatchStore_Delete_CascadesUsage(t *testing.T) {
	db := newTestDB(t)
	s := NewBatchStore(db)
	usage := NewUsageStore(db)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newBatch("batch_1")))
	require.NoError(t, usage.BulkInsert(ctx, []TokenUsage{
		{BatchID: "batch_1", RequestID: "req_1", TotalTokens: 10},
		{BatchID: "batch_1", RequestID: "req_2", TotalTokens: 20},
	}))

	require.NoError(t, s.Delete(ctx, "batch_1"))

	_, err := s.Get(ctx, "batch_1")
	assert.ErrorIs(t, err, ErrNotFound)

	summary, err := usage.BatchSummary(ctx, "batch_1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, summary.RequestCount)
}

func TestBatchStore_Delete_NotFound(t *testing.T) {
	s := NewBatchStore(newTestDB(t))
	err := s.Delete(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBatchStore_Recovery(t *testing.T) {
	s := NewBatchStore(newTestDB(t))
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	states := []struct {
		id     string
		status Status
	}{
		{"batch_q", StatusQueued},
		{"batch_p", StatusInProgress},
		{"batch_v", StatusValidating},
		{"batch_c", StatusCompleted},
	}
	for i, st := range states {
		b := newBatch(st.id)
		b.Status = st.status
		b.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Create(ctx, b))
	}
	require.NoError(t, s.UpdateStatus(ctx, "batch_p", StatusInProgress))

	incomplete, err := s.FindIncomplete(ctx)
	require.NoError(t, err)
	require.Len(t, incomplete, 3)
	// 按创建时间升序，终态批次不出现
	assert.Equal(t, "batch_q", incomplete[0].ID)
	assert.Equal(t, "batch_p", incomplete[1].ID)
	assert.Equal(t, "batch_v", incomplete[2].ID)

	require.NoError(t, s.NormalizeForRecovery(ctx, incomplete))

	got, err := s.Get(ctx, "batch_p")
	require.NoError(t, err)
	assert.Equal(t, StatusValidating, got.Status)
	assert.Nil(t, got.InProgressAt)

	// queued/validating 保持不变
	got, err = s.Get(ctx, "batch_q")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
}

func TestBatch_ToView(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	expires := now.Add(24 * time.Hour)
	b := &Batch{
		ID:               "batch_1",
		Object:           "batch",
		Endpoint:         "/v1/chat/completions",
		InputFileID:      "file_in",
		CompletionWindow: "24h",
		Status:           StatusValidating,
		CreatedAt:        now,
		ExpiresAt:        &expires,
	}

	data, err := json.Marshal(b.ToView())
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))

	assert.EqualValues(t, now.Unix(), m["created_at"])
	assert.EqualValues(t, expires.Unix(), m["expires_at"])
	assert.Equal(t, "batch", m["object"])
	// 未设置的可选字段不出现
	assert.NotContains(t, m, "output_file_id")
	assert.NotContains(t, m, "completed_at")
	assert.NotContains(t, m, "request_counts")
	assert.NotContains(t, m, "errors")
	// metadata 总是出现
	assert.Contains(t, m, "metadata")
}

func TestBatch_ToView_TerminalFields(t *testing.T) {
	now := time.Now().UTC()
	b := &Batch{
		ID:            "batch_1",
		Object:        "batch",
		Status:        StatusCompleted,
		CreatedAt:     now,
		CompletedAt:   &now,
		OutputFileID:  "file_out",
		RequestCounts: RequestCounts{Total: 3, Completed: 2, Failed: 1},
		Errors:        ErrorList{{Message: "one failed"}},
	}

	view := b.ToView()
	require.NotNil(t, view.RequestCounts)
	assert.Equal(t, 3, view.RequestCounts.Total)
	assert.Equal(t, "file_out", view.OutputFileID)
	assert.Len(t, view.Errors, 1)
}
