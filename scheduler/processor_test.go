package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ProsusAI/BESH/llm"
	"github.com/ProsusAI/BESH/testutil/mocks"
)

func TestProcessor_Success(t *testing.T) {
	provider := mocks.NewProvider()
	p := NewProcessor(provider, nil, nil)

	result := p.Process(context.Background(), requestLine("my-req", "gpt-4o", "hello"), "batch_1")

	require.Nil(t, result.Error)
	require.NotNil(t, result.Response)
	assert.Equal(t, "my-req", result.CustomID)
	assert.Equal(t, 200, result.Response.StatusCode)
	assert.True(t, len(result.Response.Body) > 0)
	assert.Contains(t, result.ID, "batch_req_")
	assert.Contains(t, result.Response.RequestID, "req_")

	usage := result.Usage()
	require.NotNil(t, usage)
	assert.Equal(t, "batch_1", usage.BatchID)
	assert.Equal(t, "my-req", usage.CustomID)
	assert.Equal(t, "gpt-4o", usage.Model)
	assert.Equal(t, 10, usage.PromptTokens)
	assert.Equal(t, 5, usage.CompletionTokens)
	assert.Equal(t, 15, usage.TotalTokens)
}

func TestProcessor_MalformedLine(t *testing.T) {
	p := NewProcessor(mocks.NewProvider(), nil, nil)

	result := p.Process(context.Background(), "not json at all", "batch_1")

	require.NotNil(t, result.Error)
	assert.Equal(t, ErrCodeParsing, result.Error.Code)
	assert.Equal(t, "unknown", result.CustomID)
	assert.Nil(t, result.Response)
	assert.Nil(t, result.Usage())
}

func TestProcessor_MissingBody(t *testing.T) {
	p := NewProcessor(mocks.NewProvider(), nil, nil)

	result := p.Process(context.Background(), `{"custom_id":"no-body"}`, "batch_1")

	require.NotNil(t, result.Error)
	assert.Equal(t, ErrCodeProcessing, result.Error.Code)
	assert.Equal(t, "no-body", result.CustomID)
	assert.Contains(t, result.Error.Message, "request body is missing")
}

func TestProcessor_ProviderError(t *testing.T) {
	provider := mocks.NewProvider()
	provider.Err = fmt.Errorf("backend down")
	p := NewProcessor(provider, nil, nil)

	result := p.Process(context.Background(), requestLine("r", "gpt-4o", "hi"), "batch_1")

	require.NotNil(t, result.Error)
	assert.Equal(t, ErrCodeProcessing, result.Error.Code)
	assert.Equal(t, "r", result.CustomID)
	assert.Contains(t, result.Error.Message, "backend down")
	assert.Nil(t, result.Usage())
}

func TestProcessor_ExtraParamsPassedThrough(t *testing.T) {
	provider := mocks.NewProvider()
	p := NewProcessor(provider, nil, nil)

	line, _ := json.Marshal(map[string]any{
		"custom_id": "extras",
		"body": map[string]any{
			"model":       "gpt-4o",
			"messages":    []map[string]string{{"role": "user", "content": "hi"}},
			"temperature": 0.2,
			"max_tokens":  64,
		},
	})
	result := p.Process(context.Background(), string(line), "batch_1")
	require.Nil(t, result.Error)

	calls := provider.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "gpt-4o", calls[0].Model)
	require.Len(t, calls[0].Messages, 1)
	assert.Equal(t, llm.RoleUser, calls[0].Messages[0].Role)
	assert.Equal(t, 0.2, calls[0].Extra["temperature"])
	assert.Equal(t, float64(64), calls[0].Extra["max_tokens"])
}

func TestProcessor_NoUsageWithoutCounter(t *testing.T) {
	provider := mocks.NewProvider()
	provider.Respond = func(req *llm.ChatRequest) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{
			Model: req.Model,
			Body:  json.RawMessage(`{"choices":[{"message":{"content":"hi"}}]}`),
		}, nil
	}
	p := NewProcessor(provider, nil, nil)

	result := p.Process(context.Background(), requestLine("r", "gpt-4o", "hi"), "batch_1")
	require.Nil(t, result.Error)

	// 后端没有返回 usage 且没有估算器：行保留零值
	usage := result.Usage()
	require.NotNil(t, usage)
	assert.Zero(t, usage.TotalTokens)
}
