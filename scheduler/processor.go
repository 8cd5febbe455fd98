package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ProsusAI/BESH/llm"
	"github.com/ProsusAI/BESH/llm/tokenizer"
	"github.com/ProsusAI/BESH/store"
)

// Processor 处理单行批请求：解析、调用推理后端、采集用量。
// 无共享状态，除生成随机 id 外是纯函数；所有失败路径都捕获进
// 结果的 error 字段，从不向上抛出。
type Processor struct {
	provider llm.Provider
	counter  *tokenizer.Counter
	logger   *zap.Logger
}

// NewProcessor 创建 Processor。counter 可为 nil，此时后端未返回
// usage 的请求不做 Token 估算。
func NewProcessor(provider llm.Provider, counter *tokenizer.Counter, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		provider: provider,
		counter:  counter,
		logger:   logger.With(zap.String("component", "processor")),
	}
}

// inputLine 输入文件中的一行
type inputLine struct {
	CustomID string         `json:"custom_id"`
	Body     map[string]any `json:"body"`
}

// Process 处理一行输入并返回结果。
// 解析失败返回 parsing_error（custom_id 为 "unknown"），
// 后端失败返回 processing_error，成功时附带用量记录。
func (p *Processor) Process(ctx context.Context, line, batchID string) *RequestResult {
	var input inputLine
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &input); err != nil {
		return &RequestResult{
			ID:       newResultID(),
			CustomID: "unknown",
			Error:    &ResultError{Code: ErrCodeParsing, Message: err.Error()},
		}
	}

	result := &RequestResult{ID: newResultID(), CustomID: input.CustomID}

	chatReq, err := buildChatRequest(input.Body)
	if err != nil {
		result.Error = &ResultError{Code: ErrCodeProcessing, Message: err.Error()}
		return result
	}

	resp, err := p.provider.Completion(ctx, chatReq)
	if err != nil {
		result.Error = &ResultError{Code: ErrCodeProcessing, Message: err.Error()}
		return result
	}

	result.Response = &ResultResponse{
		StatusCode: http.StatusOK,
		RequestID:  newWireRequestID(),
		Body:       resp.Body,
	}
	result.usage = p.harvestUsage(batchID, result.ID, input.CustomID, chatReq, resp)
	return result
}

// buildChatRequest 把请求体拆成 model/messages 与透传参数
func buildChatRequest(body map[string]any) (*llm.ChatRequest, error) {
	if body == nil {
		return nil, fmt.Errorf("request body is missing")
	}

	req := &llm.ChatRequest{}
	if model, ok := body["model"].(string); ok {
		req.Model = model
	}

	if rawMessages, ok := body["messages"]; ok {
		data, err := json.Marshal(rawMessages)
		if err != nil {
			return nil, fmt.Errorf("invalid messages: %w", err)
		}
		if err := json.Unmarshal(data, &req.Messages); err != nil {
			return nil, fmt.Errorf("invalid messages: %w", err)
		}
	}

	for k, v := range body {
		if k == "model" || k == "messages" {
			continue
		}
		if req.Extra == nil {
			req.Extra = make(map[string]any)
		}
		req.Extra[k] = v
	}
	return req, nil
}

// harvestUsage 构建用量记录。后端没有返回 usage 时用 tiktoken 估算；
// 估算失败只记日志，行里保留零值。
func (p *Processor) harvestUsage(batchID, resultID, customID string, req *llm.ChatRequest, resp *llm.ChatResponse) *store.TokenUsage {
	row := &store.TokenUsage{
		BatchID:   batchID,
		RequestID: resultID,
		CustomID:  customID,
		Model:     req.Model,
		CreatedAt: time.Now().UTC(),
	}

	usage := resp.Usage
	if usage == nil && p.counter != nil {
		est, err := p.counter.EstimateUsage(req.Model, req.Messages, completionText(resp.Body))
		if err != nil {
			p.logger.Warn("failed to estimate token usage",
				zap.String("batch_id", batchID),
				zap.String("request_id", resultID),
				zap.Error(err),
			)
		} else {
			usage = est
		}
	}
	if usage != nil {
		row.PromptTokens = usage.PromptTokens
		row.CompletionTokens = usage.CompletionTokens
		row.TotalTokens = usage.TotalTokens
	}
	return row
}

// completionText 从响应体中提取首个 choice 的文本，用于 Token 估算
func completionText(body json.RawMessage) string {
	var envelope struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Choices) == 0 {
		return ""
	}
	return envelope.Choices[0].Message.Content
}
