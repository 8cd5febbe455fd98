// Package llm 定义推理后端的统一适配接口与数据类型。
//
// 批处理核心通过 Provider 接口调用后端，不关心具体实现；
// openaicompat 子包提供 OpenAI 兼容端点（vLLM 等）的实现。
package llm
