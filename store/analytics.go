package store

import (
	"context"
	"fmt"
	"math"
	"time"

	"gorm.io/gorm"
)

// =============================================================================
// 📊 分析查询
// =============================================================================
// 过去 24 小时按 15 分钟分桶的时间线与 Token 用量统计，
// 以及仪表盘聚合。分桶在应用侧完成，查询只取窗口内的行。
// =============================================================================

const (
	analyticsWindow   = 24 * time.Hour
	analyticsInterval = 15 * time.Minute
)

// TimelineInterval 单个时间桶内的批次创建计数
type TimelineInterval struct {
	Timestamp string `json:"timestamp"`
	Count     int    `json:"count"`
	Label     string `json:"label"`
}

// TimelineSummary 时间线汇总
type TimelineSummary struct {
	TotalBatches   int       `json:"total_batches"`
	AvgPerInterval float64   `json:"avg_per_interval"`
	MaxInInterval  int       `json:"max_in_interval"`
	TimeRange      TimeRange `json:"time_range"`
}

// TimeRange 统计窗口
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Timeline 批次创建时间线
type Timeline struct {
	Object    string             `json:"object"`
	Intervals []TimelineInterval `json:"intervals"`
	Summary   TimelineSummary    `json:"summary"`
}

// TokenInterval 单个时间桶内完成批次的 Token 用量与耗时
type TokenInterval struct {
	Timestamp          string  `json:"timestamp"`
	InputTokens        int64   `json:"input_tokens"`
	OutputTokens       int64   `json:"output_tokens"`
	TotalTokens        int64   `json:"total_tokens"`
	DurationSeconds    float64 `json:"duration_seconds"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
	BatchCount         int     `json:"batch_count"`
	Label              string  `json:"label"`
}

// TokenTimelineSummary Token 时间线汇总
type TokenTimelineSummary struct {
	TotalInputTokens     int64     `json:"total_input_tokens"`
	TotalOutputTokens    int64     `json:"total_output_tokens"`
	TotalTokens          int64     `json:"total_tokens"`
	TotalDurationSeconds float64   `json:"total_duration_seconds"`
	AvgDurationSeconds   float64   `json:"avg_duration_seconds"`
	TotalBatches         int       `json:"total_batches"`
	AvgPerInterval       float64   `json:"avg_per_interval"`
	PeakInterval         int64     `json:"peak_interval"`
	TimeRange            TimeRange `json:"time_range"`
}

// TokenTimeline 完成批次的 Token 用量时间线
type TokenTimeline struct {
	Object    string               `json:"object"`
	Intervals []TokenInterval      `json:"intervals"`
	Summary   TokenTimelineSummary `json:"summary"`
}

// AnalyticsStore 分析查询集合
type AnalyticsStore struct {
	db *gorm.DB
}

// NewAnalyticsStore 创建 AnalyticsStore
func NewAnalyticsStore(db *gorm.DB) *AnalyticsStore {
	return &AnalyticsStore{db: db}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// BatchTimeline 统计过去 24 小时内批次创建的时间线
func (s *AnalyticsStore) BatchTimeline(ctx context.Context, now time.Time) (*Timeline, error) {
	end := now.UTC()
	start := end.Add(-analyticsWindow)

	var createdAts []time.Time
	err := s.db.WithContext(ctx).Model(&Batch{}).
		Where("created_at >= ? AND created_at <= ?", start, end).
		Pluck("created_at", &createdAts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query batch timeline: %w", err)
	}

	var intervals []TimelineInterval
	maxCount := 0
	for cursor := start; cursor.Before(end); cursor = cursor.Add(analyticsInterval) {
		intervalEnd := cursor.Add(analyticsInterval)
		count := 0
		for _, t := range createdAts {
			if !t.Before(cursor) && t.Before(intervalEnd) {
				count++
			}
		}
		if count > maxCount {
			maxCount = count
		}
		intervals = append(intervals, TimelineInterval{
			Timestamp: cursor.Format(time.RFC3339),
			Count:     count,
			Label:     cursor.Format("15:04"),
		})
	}

	avg := 0.0
	if len(intervals) > 0 {
		avg = float64(len(createdAts)) / float64(len(intervals))
	}

	return &Timeline{
		Object:    "batch_timeline",
		Intervals: intervals,
		Summary: TimelineSummary{
			TotalBatches:   len(createdAts),
			AvgPerInterval: round2(avg),
			MaxInInterval:  maxCount,
			TimeRange: TimeRange{
				Start: start.Format(time.RFC3339),
				End:   end.Format(time.RFC3339),
			},
		},
	}, nil
}

// batchTokenRow 每个完成批次一行：时间戳 + 聚合 Token
type batchTokenRow struct {
	CompletedAt  *time.Time
	InProgressAt *time.Time
	InputTokens  *int64
	OutputTokens *int64
}

// TokenUsageTimeline 统计过去 24 小时内完成批次的 Token 用量与执行耗时
func (s *AnalyticsStore) TokenUsageTimeline(ctx context.Context, now time.Time) (*TokenTimeline, error) {
	end := now.UTC()
	start := end.Add(-analyticsWindow)

	var rows []batchTokenRow
	err := s.db.WithContext(ctx).Model(&Batch{}).
		Select(
			"batches.completed_at",
			"batches.in_progress_at",
			"SUM(token_usage.prompt_tokens) AS input_tokens",
			"SUM(token_usage.completion_tokens) AS output_tokens",
		).
		Joins("JOIN token_usage ON batches.id = token_usage.batch_id").
		Where("batches.completed_at >= ? AND batches.completed_at <= ?", start, end).
		Where("batches.completed_at IS NOT NULL AND batches.in_progress_at IS NOT NULL").
		Group("batches.id, batches.completed_at, batches.in_progress_at").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query token timeline: %w", err)
	}

	var intervals []TokenInterval
	for cursor := start; cursor.Before(end); cursor = cursor.Add(analyticsInterval) {
		intervalEnd := cursor.Add(analyticsInterval)
		iv := TokenInterval{
			Timestamp: cursor.Format(time.RFC3339),
			Label:     cursor.Format("15:04"),
		}
		for _, row := range rows {
			if row.CompletedAt == nil || row.CompletedAt.Before(cursor) || !row.CompletedAt.Before(intervalEnd) {
				continue
			}
			if row.InputTokens != nil {
				iv.InputTokens += *row.InputTokens
			}
			if row.OutputTokens != nil {
				iv.OutputTokens += *row.OutputTokens
			}
			if row.InProgressAt != nil {
				iv.DurationSeconds += row.CompletedAt.Sub(*row.InProgressAt).Seconds()
				iv.BatchCount++
			}
		}
		iv.TotalTokens = iv.InputTokens + iv.OutputTokens
		if iv.BatchCount > 0 {
			iv.AvgDurationSeconds = iv.DurationSeconds / float64(iv.BatchCount)
		}
		intervals = append(intervals, iv)
	}

	summary := TokenTimelineSummary{
		TimeRange: TimeRange{
			Start: start.Format(time.RFC3339),
			End:   end.Format(time.RFC3339),
		},
	}
	for _, iv := range intervals {
		summary.TotalInputTokens += iv.InputTokens
		summary.TotalOutputTokens += iv.OutputTokens
		summary.TotalDurationSeconds += iv.DurationSeconds
		summary.TotalBatches += iv.BatchCount
		if iv.TotalTokens > summary.PeakInterval {
			summary.PeakInterval = iv.TotalTokens
		}
	}
	summary.TotalTokens = summary.TotalInputTokens + summary.TotalOutputTokens
	if len(intervals) > 0 {
		summary.AvgPerInterval = round2(float64(summary.TotalTokens) / float64(len(intervals)))
	}
	if summary.TotalBatches > 0 {
		summary.AvgDurationSeconds = round2(summary.TotalDurationSeconds / float64(summary.TotalBatches))
	}

	return &TokenTimeline{
		Object:    "token_timeline",
		Intervals: intervals,
		Summary:   summary,
	}, nil
}

// =============================================================================
// 📋 仪表盘
// =============================================================================

// DashboardBatch 仪表盘中的单个批次条目
type DashboardBatch struct {
	ID                  string        `json:"id"`
	Status              Status        `json:"status"`
	Endpoint            string        `json:"endpoint"`
	CreatedAt           string        `json:"created_at"`
	CompletedAt         string        `json:"completed_at,omitempty"`
	DurationSeconds     *float64      `json:"duration_seconds"`
	RequestCounts       RequestCounts `json:"request_counts"`
	ErrorRatePercentage float64       `json:"error_rate_percentage"`
	TokenUsage          UsageSummary  `json:"token_usage"`
}

// DashboardSummary 窗口内的总体统计
type DashboardSummary struct {
	TotalBatches               int64            `json:"total_batches"`
	BatchesByStatus            map[Status]int64 `json:"batches_by_status"`
	OverallErrorRatePercentage float64          `json:"overall_error_rate_percentage"`
	OverallTokenUsage          UsageSummary     `json:"overall_token_usage"`
}

// DashboardPagination 分页信息
type DashboardPagination struct {
	Page         int   `json:"page"`
	Limit        int   `json:"limit"`
	TotalBatches int64 `json:"total_batches"`
	HasMore      bool  `json:"has_more"`
	NextPage     *int  `json:"next_page"`
	PrevPage     *int  `json:"prev_page"`
}

// Dashboard 仪表盘响应
type Dashboard struct {
	Object     string              `json:"object"`
	Batches    []DashboardBatch    `json:"batches"`
	Summary    DashboardSummary    `json:"summary"`
	Pagination DashboardPagination `json:"pagination"`
}

// Dashboard 构建过去 24 小时窗口内的分页仪表盘视图
func (s *AnalyticsStore) Dashboard(ctx context.Context, usage *UsageStore, now time.Time, page, limit int) (*Dashboard, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 10
	}
	if limit > 50 {
		limit = 50
	}
	offset := (page - 1) * limit

	end := now.UTC()
	start := end.Add(-analyticsWindow)
	window := s.db.WithContext(ctx).Model(&Batch{}).
		Where("created_at >= ? AND created_at <= ?", start, end)

	var total int64
	if err := window.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count dashboard batches: %w", err)
	}

	var batches []Batch
	err := window.Session(&gorm.Session{}).
		Order("created_at DESC").Offset(offset).Limit(limit).
		Find(&batches).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query dashboard batches: %w", err)
	}

	entries := make([]DashboardBatch, 0, len(batches))
	for _, b := range batches {
		summary, err := usage.BatchSummary(ctx, b.ID)
		if err != nil {
			return nil, err
		}

		entry := DashboardBatch{
			ID:            b.ID,
			Status:        b.Status,
			Endpoint:      b.Endpoint,
			CreatedAt:     b.CreatedAt.Format(time.RFC3339),
			RequestCounts: b.RequestCounts,
			TokenUsage:    *summary,
		}
		if b.CompletedAt != nil {
			entry.CompletedAt = b.CompletedAt.Format(time.RFC3339)
		}
		if b.RequestCounts.Total > 0 {
			entry.ErrorRatePercentage = round2(float64(b.RequestCounts.Failed) / float64(b.RequestCounts.Total) * 100)
		}
		if b.InProgressAt != nil && b.CompletedAt != nil {
			d := b.CompletedAt.Sub(*b.InProgressAt).Seconds()
			entry.DurationSeconds = &d
		}
		entries = append(entries, entry)
	}

	summary, err := s.dashboardSummary(ctx, start, end, total)
	if err != nil {
		return nil, err
	}

	hasMore := int64(offset+limit) < total
	pagination := DashboardPagination{
		Page:         page,
		Limit:        limit,
		TotalBatches: total,
		HasMore:      hasMore,
	}
	if hasMore {
		next := page + 1
		pagination.NextPage = &next
	}
	if page > 1 {
		prev := page - 1
		pagination.PrevPage = &prev
	}

	return &Dashboard{
		Object:     "dashboard",
		Batches:    entries,
		Summary:    *summary,
		Pagination: pagination,
	}, nil
}

// dashboardSummary 计算窗口内的状态分布、总体错误率与总体 Token 用量
func (s *AnalyticsStore) dashboardSummary(ctx context.Context, start, end time.Time, total int64) (*DashboardSummary, error) {
	var overall struct {
		TotalTokens      *int64
		PromptTokens     *int64
		CompletionTokens *int64
		TotalCost        *float64
		TotalRequests    int64
	}
	err := s.db.WithContext(ctx).Model(&TokenUsage{}).
		Select(
			"SUM(token_usage.total_tokens) AS total_tokens",
			"SUM(token_usage.prompt_tokens) AS prompt_tokens",
			"SUM(token_usage.completion_tokens) AS completion_tokens",
			"SUM(token_usage.cost) AS total_cost",
			"COUNT(token_usage.id) AS total_requests",
		).
		Joins("JOIN batches ON token_usage.batch_id = batches.id").
		Where("batches.created_at >= ? AND batches.created_at <= ?", start, end).
		Take(&overall).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query overall token usage: %w", err)
	}

	var statusRows []struct {
		Status Status
		Count  int64
	}
	err = s.db.WithContext(ctx).Model(&Batch{}).
		Select("status", "COUNT(id) AS count").
		Where("created_at >= ? AND created_at <= ?", start, end).
		Group("status").
		Find(&statusRows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query status breakdown: %w", err)
	}
	byStatus := make(map[Status]int64, len(statusRows))
	for _, r := range statusRows {
		byStatus[r.Status] = r.Count
	}

	// 终态批次的 request_counts 提供总体错误率
	var counts []RequestCounts
	err = s.db.WithContext(ctx).Model(&Batch{}).
		Where("created_at >= ? AND created_at <= ?", start, end).
		Pluck("request_counts", &counts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query request counts: %w", err)
	}
	var totalRequests, failedRequests int
	for _, c := range counts {
		totalRequests += c.Total
		failedRequests += c.Failed
	}
	errorRate := 0.0
	if totalRequests > 0 {
		errorRate = round2(float64(failedRequests) / float64(totalRequests) * 100)
	}

	summary := &DashboardSummary{
		TotalBatches:               total,
		BatchesByStatus:            byStatus,
		OverallErrorRatePercentage: errorRate,
		OverallTokenUsage:          UsageSummary{RequestCount: overall.TotalRequests},
	}
	if overall.TotalTokens != nil {
		summary.OverallTokenUsage.TotalTokens = *overall.TotalTokens
	}
	if overall.PromptTokens != nil {
		summary.OverallTokenUsage.PromptTokens = *overall.PromptTokens
	}
	if overall.CompletionTokens != nil {
		summary.OverallTokenUsage.CompletionTokens = *overall.CompletionTokens
	}
	if overall.TotalCost != nil {
		summary.OverallTokenUsage.TotalCost = *overall.TotalCost
	}
	return summary, nil
}
