/*
Package main 提供 BESH 服务端程序入口。

# 概述

cmd/besh 是批量推理服务的可执行入口，提供 HTTP API 服务、
健康检查和版本查询等子命令。程序支持 YAML 配置文件加载、
结构化日志（zap）与 Prometheus 指标采集。

# 核心类型

  - Server         — 主服务器，管理 HTTP、Metrics 双端口及优雅关闭
  - Middleware     — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter — 包装 http.ResponseWriter 以捕获状态码

# 启动流程

	serve 命令依次完成：加载配置 → 打开数据库 → 初始化文件存储 →
	构建推理后端与调度器 → 恢复上次遗留的未完成批次 →
	启动 HTTP 与 Metrics 服务器 → 等待关闭信号。

关闭时先停 HTTP 入口，再排空调度器与工作池中的在途批次，
保证已接受的批次要么完成、要么留在可恢复状态。
*/
package main
