// api/handlers 包实现对外 HTTP 接口。
//
// 错误响应统一为 OpenAI 风格信封 {"error":{"message","type"}}，
// 客户端按 type 字段区分错误类别。
package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// 对外错误类型
const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeNotFound       = "not_found_error"
	errTypeServer         = "server_error"
)

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Message: message, Type: errType}})
}

func writeInvalidRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, errTypeInvalidRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, errTypeNotFound, message)
}

func writeServerError(w http.ResponseWriter, logger *zap.Logger, message string, err error) {
	if logger != nil {
		logger.Error(message, zap.Error(err))
	}
	writeError(w, http.StatusInternalServerError, errTypeServer, message)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errTypeInvalidRequest, "method not allowed")
}
