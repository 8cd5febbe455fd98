package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ProsusAI/BESH/store"
)

// AnalyticsHandler 批次与用量的分析视图：时间线、Token 曲线、看板。
type AnalyticsHandler struct {
	batches   *store.BatchStore
	usage     *store.UsageStore
	analytics *store.AnalyticsStore
	logger    *zap.Logger
}

func NewAnalyticsHandler(
	batches *store.BatchStore,
	usage *store.UsageStore,
	analytics *store.AnalyticsStore,
	logger *zap.Logger,
) *AnalyticsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnalyticsHandler{
		batches:   batches,
		usage:     usage,
		analytics: analytics,
		logger:    logger.With(zap.String("component", "analytics_handler")),
	}
}

func (h *AnalyticsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /batches/analytics/timeline", h.batchTimeline)
	mux.HandleFunc("GET /batches/analytics/tokens", h.tokenTimeline)
	mux.HandleFunc("GET /batches/dashboard", h.dashboard)
	mux.HandleFunc("GET /batches/{id}/token_usage", h.batchTokenUsage)
}

func (h *AnalyticsHandler) batchTimeline(w http.ResponseWriter, r *http.Request) {
	timeline, err := h.analytics.BatchTimeline(r.Context(), time.Now().UTC())
	if err != nil {
		writeServerError(w, h.logger, "failed to build batch timeline", err)
		return
	}
	writeJSON(w, http.StatusOK, timeline)
}

func (h *AnalyticsHandler) tokenTimeline(w http.ResponseWriter, r *http.Request) {
	timeline, err := h.analytics.TokenUsageTimeline(r.Context(), time.Now().UTC())
	if err != nil {
		writeServerError(w, h.logger, "failed to build token timeline", err)
		return
	}
	writeJSON(w, http.StatusOK, timeline)
}

func (h *AnalyticsHandler) dashboard(w http.ResponseWriter, r *http.Request) {
	page := positiveQueryInt(r, "page", 1)
	limit := positiveQueryInt(r, "limit", 10)

	dashboard, err := h.analytics.Dashboard(r.Context(), h.usage, time.Now().UTC(), page, limit)
	if err != nil {
		writeServerError(w, h.logger, "failed to build dashboard", err)
		return
	}
	writeJSON(w, http.StatusOK, dashboard)
}

// batchTokenUsage 单个批次的用量汇总。批次必须存在，
// 没有用量记录时返回零值汇总。
func (h *AnalyticsHandler) batchTokenUsage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.batches.Get(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeNotFound(w, fmt.Sprintf("batch %s not found", id))
			return
		}
		writeServerError(w, h.logger, "failed to load batch", err)
		return
	}

	summary, err := h.usage.BatchSummary(r.Context(), id)
	if err != nil {
		writeServerError(w, h.logger, "failed to summarize token usage", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func positiveQueryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 1 {
		return fallback
	}
	return parsed
}
