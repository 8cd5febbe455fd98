package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/ProsusAI/BESH/filestore"
)

// maxUploadBytes 上传体积上限（解压前）
const maxUploadBytes = 512 << 20

// FileHandler 输入/输出文件接口：上传、查询、下载、删除、列表。
type FileHandler struct {
	files  *filestore.Store
	logger *zap.Logger
}

func NewFileHandler(files *filestore.Store, logger *zap.Logger) *FileHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileHandler{
		files:  files,
		logger: logger.With(zap.String("component", "file_handler")),
	}
}

func (h *FileHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /files", h.uploadFile)
	mux.HandleFunc("GET /files", h.listFiles)
	mux.HandleFunc("GET /files/{id}", h.getFile)
	mux.HandleFunc("GET /files/{id}/content", h.downloadFile)
	mux.HandleFunc("DELETE /files/{id}", h.deleteFile)
}

// uploadFile 接收 multipart 上传。压缩文件按扩展名识别并流式解压，
// 随后逐行校验 JSONL；任意一行非法则整体拒绝。
func (h *FileHandler) uploadFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeInvalidRequest(w, "file field is required")
		return
	}
	defer file.Close()

	purpose := r.FormValue("purpose")
	if purpose == "" {
		purpose = "batch"
	}

	result, err := h.files.SaveUpload(file, header.Filename, purpose, header.Size)
	if err != nil {
		if errors.Is(err, filestore.ErrInvalidJSONL) {
			writeInvalidRequest(w, err.Error())
			return
		}
		writeServerError(w, h.logger, "failed to save upload", err)
		return
	}

	h.logger.Info("file uploaded",
		zap.String("file_id", result.ID),
		zap.String("filename", header.Filename),
		zap.Int("lines", result.LineCount),
	)
	writeJSON(w, http.StatusOK, result)
}

func (h *FileHandler) getFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, err := h.files.Stat(id)
	if err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			writeNotFound(w, fmt.Sprintf("file %s not found", id))
			return
		}
		writeServerError(w, h.logger, "failed to stat file", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *FileHandler) downloadFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reader, err := h.files.Open(id)
	if err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			writeNotFound(w, fmt.Sprintf("file %s not found", id))
			return
		}
		writeServerError(w, h.logger, "failed to open file", err)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/jsonl")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".jsonl"))
	if _, err := io.Copy(w, reader); err != nil {
		h.logger.Warn("download interrupted", zap.String("file_id", id), zap.Error(err))
	}
}

func (h *FileHandler) deleteFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.files.Delete(id); err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			writeNotFound(w, fmt.Sprintf("file %s not found", id))
			return
		}
		writeServerError(w, h.logger, "failed to delete file", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"object":  "file",
		"deleted": true,
	})
}

func (h *FileHandler) listFiles(w http.ResponseWriter, r *http.Request) {
	infos, err := h.files.List()
	if err != nil {
		writeServerError(w, h.logger, "failed to list files", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   infos,
	})
}
