package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ProsusAI/BESH/llm"
	"github.com/ProsusAI/BESH/store"
)

// HealthHandler 存活与就绪探针。
// /health 只报告进程存活；/readyz 额外探测数据库与推理后端。
type HealthHandler struct {
	db       *gorm.DB
	provider llm.Provider
	logger   *zap.Logger
	started  time.Time
}

func NewHealthHandler(db *gorm.DB, provider llm.Provider, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		db:       db,
		provider: provider,
		logger:   logger.With(zap.String("component", "health_handler")),
		started:  time.Now(),
	}
}

func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.liveness)
	mux.HandleFunc("GET /readyz", h.readiness)
}

func (h *HealthHandler) liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}

func (h *HealthHandler) readiness(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{
		"database": "ok",
		"provider": "ok",
	}
	healthy := true

	if err := store.Ping(r.Context(), h.db); err != nil {
		checks["database"] = err.Error()
		healthy = false
	}

	if status, err := h.provider.HealthCheck(r.Context()); err != nil || !status.Healthy {
		if err != nil {
			checks["provider"] = err.Error()
		} else {
			checks["provider"] = "unhealthy"
		}
		healthy = false
	}

	code := http.StatusOK
	status := "ok"
	if !healthy {
		code = http.StatusServiceUnavailable
		status = "degraded"
		h.logger.Warn("readiness check failed", zap.Any("checks", checks))
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"checks": checks,
	})
}
