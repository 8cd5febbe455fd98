package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// TokenUsage 每条成功处理的请求对应一行用量记录
type TokenUsage struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	BatchID          string    `gorm:"size:50;not null;index" json:"batch_id"`
	RequestID        string    `gorm:"size:50;not null" json:"request_id"`
	CustomID         string    `gorm:"size:100" json:"custom_id"`
	Model            string    `gorm:"size:50" json:"model"`
	TotalTokens      int       `gorm:"default:0" json:"total_tokens"`
	PromptTokens     int       `gorm:"default:0" json:"prompt_tokens"`
	CompletionTokens int       `gorm:"default:0" json:"completion_tokens"`
	Cost             float64   `gorm:"default:0" json:"cost"` // 货币成本，外部计算，默认 0
	CreatedAt        time.Time `json:"created_at"`
}

func (TokenUsage) TableName() string { return "token_usage" }

// UsageSummary 单个批次的用量汇总
type UsageSummary struct {
	BatchID          string  `json:"batch_id,omitempty"`
	TotalTokens      int64   `json:"total_tokens"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalCost        float64 `json:"total_cost"`
	RequestCount     int64   `json:"request_count"`
}

// UsageStore 封装用量记录的读写
type UsageStore struct {
	db *gorm.DB
}

// NewUsageStore 创建 UsageStore
func NewUsageStore(db *gorm.DB) *UsageStore {
	return &UsageStore{db: db}
}

// BulkInsert 批量写入用量记录（批次完成时一次性持久化）
func (s *UsageStore) BulkInsert(ctx context.Context, usages []TokenUsage) error {
	if len(usages) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&usages).Error; err != nil {
		return fmt.Errorf("failed to bulk insert token usage: %w", err)
	}
	return nil
}

// BatchSummary 汇总某个批次的用量
func (s *UsageStore) BatchSummary(ctx context.Context, batchID string) (*UsageSummary, error) {
	var row struct {
		TotalTokens      *int64
		PromptTokens     *int64
		CompletionTokens *int64
		TotalCost        *float64
		RequestCount     int64
	}
	err := s.db.WithContext(ctx).Model(&TokenUsage{}).
		Select(
			"SUM(total_tokens) AS total_tokens",
			"SUM(prompt_tokens) AS prompt_tokens",
			"SUM(completion_tokens) AS completion_tokens",
			"SUM(cost) AS total_cost",
			"COUNT(id) AS request_count",
		).
		Where("batch_id = ?", batchID).
		Take(&row).Error
	if err != nil {
		return nil, fmt.Errorf("failed to summarize token usage: %w", err)
	}

	summary := &UsageSummary{BatchID: batchID, RequestCount: row.RequestCount}
	if row.TotalTokens != nil {
		summary.TotalTokens = *row.TotalTokens
	}
	if row.PromptTokens != nil {
		summary.PromptTokens = *row.PromptTokens
	}
	if row.CompletionTokens != nil {
		summary.CompletionTokens = *row.CompletionTokens
	}
	if row.TotalCost != nil {
		summary.TotalCost = *row.TotalCost
	}
	return summary, nil
}

// DeleteByBatch 删除某批次的全部用量记录
func (s *UsageStore) DeleteByBatch(ctx context.Context, batchID string) error {
	if err := s.db.WithContext(ctx).Where("batch_id = ?", batchID).Delete(&TokenUsage{}).Error; err != nil {
		return fmt.Errorf("failed to delete token usage: %w", err)
	}
	return nil
}
