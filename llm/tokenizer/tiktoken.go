package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/ProsusAI/BESH/llm"
)

// Counter 按模型惰性初始化 tiktoken 编码器并缓存复用。
// 同一个 Counter 可被多个 worker 并发调用。
type Counter struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
}

// 模型编码将模型名称映射到其 tiktoken 编码。
var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4o-mini":   "o200k_base",
	"gpt-4-turbo":   "cl100k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

const defaultEncoding = "cl100k_base"

// NewCounter 创建一个空的编码器缓存。
func NewCounter() *Counter {
	return &Counter{encoders: make(map[string]*tiktoken.Tiktoken)}
}

// encodingFor 返回模型对应的编码名，未知模型尝试前缀匹配后回退默认编码。
func encodingFor(model string) string {
	if enc, ok := modelEncodings[model]; ok {
		return enc
	}
	for prefix, enc := range modelEncodings {
		if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
			return enc
		}
	}
	return defaultEncoding
}

// encoder 获取（并缓存）指定编码的 tiktoken 实例。
// 首次使用时可能下载编码数据。
func (c *Counter) encoder(encoding string) (*tiktoken.Tiktoken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encoders[encoding]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("init tiktoken encoding %s: %w", encoding, err)
	}
	c.encoders[encoding] = enc
	return enc, nil
}

// CountText 计算单段文本的 token 数。
func (c *Counter) CountText(model, text string) (int, error) {
	enc, err := c.encoder(encodingFor(model))
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// CountMessages 计算消息列表的总 token 数（含每条消息的格式开销）。
func (c *Counter) CountMessages(model string, messages []llm.Message) (int, error) {
	enc, err := c.encoder(encodingFor(model))
	if err != nil {
		return 0, err
	}
	total := 0
	for _, msg := range messages {
		// 每条消息的开销: <|start|>role\n content<|end|>\n
		total += 4
		total += len(enc.Encode(msg.Content, nil, nil))
		total += len(enc.Encode(string(msg.Role), nil, nil))
	}
	total += 3 // conversation-end overhead
	return total, nil
}

// EstimateUsage 在后端未返回 usage 时估算 Token 消耗：
// prompt 按输入消息计数，completion 按响应文本计数。
func (c *Counter) EstimateUsage(model string, messages []llm.Message, completion string) (*llm.Usage, error) {
	prompt, err := c.CountMessages(model, messages)
	if err != nil {
		return nil, err
	}
	out, err := c.CountText(model, completion)
	if err != nil {
		return nil, err
	}
	return &llm.Usage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
	}, nil
}
