package scheduler

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/ProsusAI/BESH/store"
)

// 输出流中的请求级错误码
const (
	ErrCodeParsing    = "parsing_error"    // 输入行不是合法 JSON
	ErrCodeProcessing = "processing_error" // 推理后端返回错误
	ErrCodeExecutor   = "executor_error"   // 任务意外崩溃，由执行器合成
)

func shortHex() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// NewBatchID 生成新的批次 id
func NewBatchID() string { return "batch_" + shortHex() }

func newResultID() string { return "batch_req_" + shortHex() }

func newWireRequestID() string { return "req_" + shortHex() }

// ResultResponse 成功请求的响应部分，body 为后端返回的原始 JSON
type ResultResponse struct {
	StatusCode int             `json:"status_code"`
	RequestID  string          `json:"request_id"`
	Body       json.RawMessage `json:"body"`
}

// ResultError 失败请求的错误部分
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RequestResult 是输出文件中的一行。
// Response 与 Error 恰好一个非空，另一个序列化为 null；
// custom_id 是客户端侧的关联键，输出顺序不保证与输入一致。
type RequestResult struct {
	ID       string          `json:"id"`
	CustomID string          `json:"custom_id"`
	Response *ResultResponse `json:"response"`
	Error    *ResultError    `json:"error"`

	// usage 是执行器收集的辅助数据，不写入输出文件
	usage *store.TokenUsage
}

// Usage 返回本次请求采集到的用量记录（失败请求为 nil）
func (r *RequestResult) Usage() *store.TokenUsage { return r.usage }

// newExecutorErrorResult 为崩溃的任务合成一条错误结果
func newExecutorErrorResult(message string) *RequestResult {
	return &RequestResult{
		ID:       newResultID(),
		CustomID: "unknown",
		Error:    &ResultError{Code: ErrCodeExecutor, Message: message},
	}
}
