package store

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// =============================================================================
// 🎯 批次状态机
// =============================================================================

// Status 批次生命周期状态
type Status string

const (
	StatusValidating Status = "validating"
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelling Status = "cancelling"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

// IsTerminal 判断状态是否为终态（不再发生迁移）
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// =============================================================================
// 📦 模型定义
// =============================================================================

// Metadata 客户端自定义元数据，存储为 JSON 列
type Metadata map[string]any

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	return string(data), err
}

func (m *Metadata) Scan(value any) error {
	return scanJSON(value, m)
}

// RequestCounts 终态时填充的请求计数
type RequestCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

func (c RequestCounts) Value() (driver.Value, error) {
	data, err := json.Marshal(c)
	return string(data), err
}

func (c *RequestCounts) Scan(value any) error {
	return scanJSON(value, c)
}

// IsZero 判断计数是否尚未填充
func (c RequestCounts) IsZero() bool {
	return c.Total == 0 && c.Completed == 0 && c.Failed == 0
}

// BatchError 批级错误条目
type BatchError struct {
	Message string `json:"message"`
}

// ErrorList 批级错误列表，存储为 JSON 列
type ErrorList []BatchError

func (e ErrorList) Value() (driver.Value, error) {
	if e == nil {
		return "[]", nil
	}
	data, err := json.Marshal(e)
	return string(data), err
}

func (e *ErrorList) Scan(value any) error {
	return scanJSON(value, e)
}

func scanJSON(value any, dest any) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dest)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported JSON column type %T", value)
	}
}

// Batch 一次批处理任务
type Batch struct {
	ID               string `gorm:"primaryKey;size:50" json:"id"`
	Object           string `gorm:"size:20;default:batch" json:"object"`
	Endpoint         string `gorm:"size:100;not null" json:"endpoint"`
	InputFileID      string `gorm:"size:50;not null" json:"input_file_id"`
	CompletionWindow string `gorm:"size:10;default:24h" json:"completion_window"`
	Status           Status `gorm:"size:20;index;default:validating" json:"status"`
	OutputFileID     string `gorm:"size:50" json:"output_file_id,omitempty"`

	CreatedAt    time.Time  `gorm:"index" json:"created_at"`
	InProgressAt *time.Time `json:"in_progress_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty"`
	ExpiredAt    *time.Time `json:"expired_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	FinalizingAt *time.Time `json:"finalizing_at,omitempty"`

	Metadata      Metadata      `gorm:"type:text" json:"metadata"`
	RequestCounts RequestCounts `gorm:"type:text" json:"request_counts"`
	Errors        ErrorList     `gorm:"type:text" json:"errors"`
}

func (Batch) TableName() string { return "batches" }

// BatchView 是对外 JSON 表示，时间戳为 unix 秒，可选字段仅在已设置时出现。
type BatchView struct {
	ID               string         `json:"id"`
	Object           string         `json:"object"`
	Endpoint         string         `json:"endpoint"`
	InputFileID      string         `json:"input_file_id"`
	CompletionWindow string         `json:"completion_window"`
	Status           Status         `json:"status"`
	CreatedAt        int64          `json:"created_at"`
	Metadata         Metadata       `json:"metadata"`
	OutputFileID     string         `json:"output_file_id,omitempty"`
	InProgressAt     int64          `json:"in_progress_at,omitempty"`
	CompletedAt      int64          `json:"completed_at,omitempty"`
	FailedAt         int64          `json:"failed_at,omitempty"`
	ExpiredAt        int64          `json:"expired_at,omitempty"`
	CancelledAt      int64          `json:"cancelled_at,omitempty"`
	ExpiresAt        int64          `json:"expires_at,omitempty"`
	FinalizingAt     int64          `json:"finalizing_at,omitempty"`
	RequestCounts    *RequestCounts `json:"request_counts,omitempty"`
	Errors           ErrorList      `json:"errors,omitempty"`
}

func unixOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.Unix()
}

// ToView 构建对外 JSON 表示
func (b *Batch) ToView() BatchView {
	v := BatchView{
		ID:               b.ID,
		Object:           b.Object,
		Endpoint:         b.Endpoint,
		InputFileID:      b.InputFileID,
		CompletionWindow: b.CompletionWindow,
		Status:           b.Status,
		CreatedAt:        b.CreatedAt.Unix(),
		Metadata:         b.Metadata,
		OutputFileID:     b.OutputFileID,
		InProgressAt:     unixOrZero(b.InProgressAt),
		CompletedAt:      unixOrZero(b.CompletedAt),
		FailedAt:         unixOrZero(b.FailedAt),
		ExpiredAt:        unixOrZero(b.ExpiredAt),
		CancelledAt:      unixOrZero(b.CancelledAt),
		ExpiresAt:        unixOrZero(b.ExpiresAt),
		FinalizingAt:     unixOrZero(b.FinalizingAt),
		Errors:           b.Errors,
	}
	if v.Metadata == nil {
		v.Metadata = Metadata{}
	}
	if !b.RequestCounts.IsZero() {
		rc := b.RequestCounts
		v.RequestCounts = &rc
	}
	return v
}

// =============================================================================
// 🔧 BatchStore
// =============================================================================

// BatchStore 封装批次记录的读写。
// 状态迁移的时间戳规则集中在这里：每个时间戳至多设置一次，
// 只有恢复流程允许清除 in_progress_at。
type BatchStore struct {
	db *gorm.DB
}

// NewBatchStore 创建 BatchStore
func NewBatchStore(db *gorm.DB) *BatchStore {
	return &BatchStore{db: db}
}

// Create 插入一条新批次记录
func (s *BatchStore) Create(ctx context.Context, b *Batch) error {
	if b.Object == "" {
		b.Object = "batch"
	}
	if b.Status == "" {
		b.Status = StatusValidating
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(b).Error; err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

// Get 按 id 查询批次，不存在时返回 ErrNotFound
func (s *BatchStore) Get(ctx context.Context, id string) (*Batch, error) {
	var b Batch
	err := s.db.WithContext(ctx).First(&b, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return &b, nil
}

// GetStatus 只读取当前状态，用于取消检查点的低开销新鲜读
func (s *BatchStore) GetStatus(ctx context.Context, id string) (Status, error) {
	var row struct{ Status Status }
	err := s.db.WithContext(ctx).Model(&Batch{}).
		Select("status").Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read batch status: %w", err)
	}
	return row.Status, nil
}

// terminalStatuses 作为状态迁移的 WHERE 守卫：终态行不再被任何迁移改写
var terminalStatuses = []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusExpired}

// noRowsErr 区分迁移零行的两种原因：记录不存在或已终态
func (s *BatchStore) noRowsErr(ctx context.Context, id string) error {
	status, err := s.GetStatus(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("batch %s already %s: %w", id, status, ErrTerminal)
}

// UpdateStatus 迁移状态并按规则设置对应时间戳。
// 终态批次拒绝任何进一步迁移并返回 ErrTerminal，
// 排队期间被取消的批次不会被执行器复活。
func (s *BatchStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	updates := map[string]any{"status": status}
	now := time.Now().UTC()
	switch status {
	case StatusInProgress:
		updates["in_progress_at"] = now
	case StatusFailed:
		updates["failed_at"] = now
	case StatusCancelling:
		updates["cancelled_at"] = now
	case StatusCancelled:
		// cancelling 阶段可能已经写过时间戳，保留首次取消时间
		updates["cancelled_at"] = gorm.Expr("COALESCE(cancelled_at, ?)", now)
	case StatusCompleted:
		updates["completed_at"] = now
	case StatusExpired:
		updates["expired_at"] = now
	}
	res := s.db.WithContext(ctx).Model(&Batch{}).
		Where("id = ?", id).
		Where("status NOT IN ?", terminalStatuses).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update batch status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.noRowsErr(ctx, id)
	}
	return nil
}

// Complete 标记批次完成：输出文件、请求计数、完成时间戳一并写入。
// 与取消竞争时先落终态者胜出，已取消的批次返回 ErrTerminal。
func (s *BatchStore) Complete(ctx context.Context, id, outputFileID string, counts RequestCounts) error {
	res := s.db.WithContext(ctx).Model(&Batch{}).
		Where("id = ?", id).
		Where("status NOT IN ?", terminalStatuses).
		Updates(map[string]any{
			"status":         StatusCompleted,
			"completed_at":   time.Now().UTC(),
			"output_file_id": outputFileID,
			"request_counts": counts,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to complete batch: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.noRowsErr(ctx, id)
	}
	return nil
}

// Fail 标记批次失败并记录错误信息。终态批次同样返回 ErrTerminal。
func (s *BatchStore) Fail(ctx context.Context, id string, errs ErrorList) error {
	res := s.db.WithContext(ctx).Model(&Batch{}).
		Where("id = ?", id).
		Where("status NOT IN ?", terminalStatuses).
		Updates(map[string]any{
			"status":    StatusFailed,
			"failed_at": time.Now().UTC(),
			"errors":    errs,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark batch failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.noRowsErr(ctx, id)
	}
	return nil
}

// List 按创建时间倒序分页；after 为游标批次 id，按其创建时间截断
func (s *BatchStore) List(ctx context.Context, after string, limit int) ([]Batch, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	q := s.db.WithContext(ctx).Order("created_at DESC")
	if after != "" {
		var cursor Batch
		if err := s.db.WithContext(ctx).First(&cursor, "id = ?", after).Error; err == nil {
			q = q.Where("created_at < ?", cursor.CreatedAt)
		}
	}

	var batches []Batch
	if err := q.Limit(limit).Find(&batches).Error; err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	return batches, nil
}

// Counts 返回批次总数与活跃（queued/in_progress）数
func (s *BatchStore) Counts(ctx context.Context) (total, active int64, err error) {
	if err = s.db.WithContext(ctx).Model(&Batch{}).Count(&total).Error; err != nil {
		return 0, 0, fmt.Errorf("failed to count batches: %w", err)
	}
	err = s.db.WithContext(ctx).Model(&Batch{}).
		Where("status IN ?", []Status{StatusQueued, StatusInProgress}).
		Count(&active).Error
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count active batches: %w", err)
	}
	return total, active, nil
}

// Delete 删除批次及其用量记录
func (s *BatchStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("batch_id = ?", id).Delete(&TokenUsage{}).Error; err != nil {
			return fmt.Errorf("failed to delete usage rows: %w", err)
		}
		res := tx.Delete(&Batch{}, "id = ?", id)
		if res.Error != nil {
			return fmt.Errorf("failed to delete batch: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("batch %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// FindIncomplete 查询处于非终态（queued/in_progress/validating）的批次，
// 按创建时间升序，供启动恢复使用
func (s *BatchStore) FindIncomplete(ctx context.Context) ([]Batch, error) {
	var batches []Batch
	err := s.db.WithContext(ctx).
		Where("status IN ?", []Status{StatusQueued, StatusInProgress, StatusValidating}).
		Order("created_at ASC").
		Find(&batches).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find incomplete batches: %w", err)
	}
	return batches, nil
}

// NormalizeForRecovery 将 in_progress 批次重置为 validating 并清除
// in_progress 时间戳（崩溃前的工作视为丢失）。所有变更在一个事务中提交。
func (s *BatchStore) NormalizeForRecovery(ctx context.Context, batches []Batch) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range batches {
			if batches[i].Status != StatusInProgress {
				continue
			}
			err := tx.Model(&Batch{}).Where("id = ?", batches[i].ID).Updates(map[string]any{
				"status":         StatusValidating,
				"in_progress_at": nil,
			}).Error
			if err != nil {
				return fmt.Errorf("failed to normalize batch %s: %w", batches[i].ID, err)
			}
			batches[i].Status = StatusValidating
			batches[i].InProgressAt = nil
		}
		return nil
	})
}
