// Package tokenizer 提供基于 tiktoken 的 Token 计数，
// 用于在推理后端未返回 usage 字段时估算批请求的 Token 消耗。
package tokenizer
