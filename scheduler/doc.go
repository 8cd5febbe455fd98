// Package scheduler 是批处理核心：两级并发控制。
//
// Manager 负责批次准入（最多 max_concurrent_batches 个批次同时执行，
// 其余进入 FIFO 队列），Executor 把单个批次的请求散列到共享工作池上、
// 聚合结果并落盘，Processor 处理单行请求，Recovery 在启动时恢复
// 崩溃前未完成的批次。
package scheduler
