// Package mocks 提供测试用的 LLM Provider 假实现。
package mocks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ProsusAI/BESH/llm"
)

// Provider 脚本化的 llm.Provider：默认对每个请求返回一个固定形状的
// chat completion 响应，可按 custom 逻辑注入错误、延迟或覆盖响应。
type Provider struct {
	mu    sync.Mutex
	calls []*llm.ChatRequest

	// Err 非 nil 时所有 Completion 调用返回该错误
	Err error
	// FailOn 返回 true 的请求会失败（优先级低于 Err）
	FailOn func(req *llm.ChatRequest) error
	// Delay 每次调用前的人工延迟
	Delay time.Duration
	// Respond 覆盖默认响应构造
	Respond func(req *llm.ChatRequest) (*llm.ChatResponse, error)
	// Healthy 控制 HealthCheck 结果，默认健康
	Unhealthy bool
}

func NewProvider() *Provider {
	return &Provider{}
}

func (p *Provider) Name() string { return "mock" }

func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.mu.Unlock()

	if p.Err != nil {
		return nil, p.Err
	}
	if p.FailOn != nil {
		if err := p.FailOn(req); err != nil {
			return nil, err
		}
	}
	if p.Respond != nil {
		return p.Respond(req)
	}

	body, _ := json.Marshal(map[string]any{
		"id":     "chatcmpl-mock",
		"object": "chat.completion",
		"model":  req.Model,
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": "ok"},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     10,
			"completion_tokens": 5,
			"total_tokens":      15,
		},
	})
	return &llm.ChatResponse{
		ID:       "chatcmpl-mock",
		Provider: "mock",
		Model:    req.Model,
		Usage: &llm.Usage{
			PromptTokens:     10,
			CompletionTokens: 5,
			TotalTokens:      15,
		},
		Body:      body,
		CreatedAt: time.Now(),
	}, nil
}

func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	if p.Unhealthy {
		return &llm.HealthStatus{Healthy: false}, fmt.Errorf("mock unhealthy")
	}
	return &llm.HealthStatus{Healthy: true}, nil
}

// Calls 返回已记录请求的快照
func (p *Provider) Calls() []*llm.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*llm.ChatRequest, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount 已记录的 Completion 调用次数
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
