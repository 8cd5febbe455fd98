package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ProsusAI/BESH/filestore"
	"github.com/ProsusAI/BESH/scheduler"
	"github.com/ProsusAI/BESH/store"
)

// expiryHorizon 批次的过期时限（创建时间 + 固定窗口）
const expiryHorizon = 24 * time.Hour

// BatchHandler 批次生命周期接口：创建、查询、取消、删除、列表。
type BatchHandler struct {
	batches *store.BatchStore
	usage   *store.UsageStore
	files   *filestore.Store
	manager *scheduler.Manager
	logger  *zap.Logger
}

func NewBatchHandler(
	batches *store.BatchStore,
	usage *store.UsageStore,
	files *filestore.Store,
	manager *scheduler.Manager,
	logger *zap.Logger,
) *BatchHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchHandler{
		batches: batches,
		usage:   usage,
		files:   files,
		manager: manager,
		logger:  logger.With(zap.String("component", "batch_handler")),
	}
}

// RegisterRoutes 注册批次路由。字面量段优先于通配段，
// 因此 /batches/status 不会被 /batches/{id} 吞掉。
func (h *BatchHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /batches", h.createBatch)
	mux.HandleFunc("GET /batches", h.listBatches)
	mux.HandleFunc("GET /batches/status", h.schedulerStatus)
	mux.HandleFunc("GET /batches/{id}", h.getBatch)
	mux.HandleFunc("POST /batches/{id}/cancel", h.cancelBatch)
	mux.HandleFunc("DELETE /batches/{id}", h.deleteBatch)
}

type createBatchRequest struct {
	InputFileID      string         `json:"input_file_id"`
	Endpoint         string         `json:"endpoint"`
	CompletionWindow string         `json:"completion_window"`
	Metadata         store.Metadata `json:"metadata"`
}

func (h *BatchHandler) createBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.InputFileID == "" {
		writeInvalidRequest(w, "input_file_id is required")
		return
	}
	if req.Endpoint == "" {
		writeInvalidRequest(w, "endpoint is required")
		return
	}
	if req.CompletionWindow == "" {
		req.CompletionWindow = "24h"
	}

	now := time.Now().UTC()
	expiresAt := now.Add(expiryHorizon)
	batch := &store.Batch{
		ID:               scheduler.NewBatchID(),
		Endpoint:         req.Endpoint,
		InputFileID:      req.InputFileID,
		CompletionWindow: req.CompletionWindow,
		Metadata:         req.Metadata,
		CreatedAt:        now,
		ExpiresAt:        &expiresAt,
	}
	if err := h.batches.Create(r.Context(), batch); err != nil {
		writeServerError(w, h.logger, "failed to create batch", err)
		return
	}

	if err := h.manager.Submit(r.Context(), batch.ID); err != nil {
		writeServerError(w, h.logger, "failed to schedule batch", err)
		return
	}

	// Submit 可能已把状态改成 queued，返回最新记录
	fresh, err := h.batches.Get(r.Context(), batch.ID)
	if err != nil {
		writeServerError(w, h.logger, "failed to load batch", err)
		return
	}

	h.logger.Info("batch created",
		zap.String("batch_id", batch.ID),
		zap.String("input_file_id", req.InputFileID),
	)
	writeJSON(w, http.StatusOK, fresh.ToView())
}

func (h *BatchHandler) getBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	batch, err := h.batches.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeNotFound(w, fmt.Sprintf("batch %s not found", id))
			return
		}
		writeServerError(w, h.logger, "failed to load batch", err)
		return
	}
	writeJSON(w, http.StatusOK, batch.ToView())
}

// cancelBatch 取消一个批次。终态批次拒绝取消；
// 状态先过 cancelling 再落到 cancelled，执行器在检查点发现后停止。
func (h *BatchHandler) cancelBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	batch, err := h.batches.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeNotFound(w, fmt.Sprintf("batch %s not found", id))
			return
		}
		writeServerError(w, h.logger, "failed to load batch", err)
		return
	}
	if batch.Status.IsTerminal() {
		writeInvalidRequest(w, fmt.Sprintf("cannot cancel batch in status %s", batch.Status))
		return
	}

	if err := h.batches.UpdateStatus(r.Context(), id, store.StatusCancelling); err != nil {
		// 终态检查与写入之间批次可能刚好结束
		if errors.Is(err, store.ErrTerminal) {
			writeInvalidRequest(w, fmt.Sprintf("cannot cancel batch %s: already finished", id))
			return
		}
		writeServerError(w, h.logger, "failed to cancel batch", err)
		return
	}
	if err := h.batches.UpdateStatus(r.Context(), id, store.StatusCancelled); err != nil && !errors.Is(err, store.ErrTerminal) {
		writeServerError(w, h.logger, "failed to cancel batch", err)
		return
	}

	fresh, err := h.batches.Get(r.Context(), id)
	if err != nil {
		writeServerError(w, h.logger, "failed to load batch", err)
		return
	}

	h.logger.Info("batch cancelled", zap.String("batch_id", id))
	writeJSON(w, http.StatusOK, fresh.ToView())
}

// deleteBatch 删除批次记录、其用量记录与输入/输出文件。
// 文件删除是尽力而为，缺失不算失败。
func (h *BatchHandler) deleteBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	batch, err := h.batches.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeNotFound(w, fmt.Sprintf("batch %s not found", id))
			return
		}
		writeServerError(w, h.logger, "failed to load batch", err)
		return
	}

	for _, fileID := range []string{batch.InputFileID, batch.OutputFileID} {
		if fileID == "" {
			continue
		}
		if err := h.files.Delete(fileID); err != nil && !errors.Is(err, filestore.ErrNotFound) {
			h.logger.Warn("failed to delete batch file",
				zap.String("batch_id", id), zap.String("file_id", fileID), zap.Error(err))
		}
	}

	if err := h.batches.Delete(r.Context(), id); err != nil {
		writeServerError(w, h.logger, "failed to delete batch", err)
		return
	}

	h.logger.Info("batch deleted", zap.String("batch_id", id))
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"object":  "batch",
		"deleted": true,
	})
}

type batchListResponse struct {
	Object  string            `json:"object"`
	Data    []store.BatchView `json:"data"`
	HasMore bool              `json:"has_more"`
}

func (h *BatchHandler) listBatches(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeInvalidRequest(w, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	after := r.URL.Query().Get("after")

	batches, err := h.batches.List(r.Context(), after, limit)
	if err != nil {
		writeServerError(w, h.logger, "failed to list batches", err)
		return
	}

	views := make([]store.BatchView, 0, len(batches))
	for i := range batches {
		views = append(views, batches[i].ToView())
	}
	if limit > 100 {
		limit = 100
	}
	writeJSON(w, http.StatusOK, batchListResponse{
		Object:  "list",
		Data:    views,
		HasMore: len(views) == limit,
	})
}

// schedulerStatus 调度器快照与持久层总量的合并视图
func (h *BatchHandler) schedulerStatus(w http.ResponseWriter, r *http.Request) {
	total, active, err := h.batches.Counts(r.Context())
	if err != nil {
		writeServerError(w, h.logger, "failed to count batches", err)
		return
	}

	snap := h.manager.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"active_batches":         snap.ActiveBatches,
		"queued_batches":         snap.QueuedBatches,
		"max_workers":            snap.MaxWorkers,
		"max_concurrent_batches": snap.MaxConcurrentBatches,
		"total_batches_in_db":    total,
		"active_batches_in_db":   active,
	})
}
