// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 AutoAgent 工作流编排服务的程序入口。

子命令：serve（启动 API 与 Metrics 服务）、migrate（知识库表结构迁移）、
version、health。

serve 按配置组装限流器、模型后端、知识存储（memory/database/redis/mongodb）、
幂等性管理器、执行器、调度器与协调器；两个 HTTP 服务由 errgroup 托管，
收到 SIGINT/SIGTERM 后依次关闭 HTTP 服务、协调器与外部连接。

中间件链：Recovery、RequestID、OTelTracing、SecurityHeaders、
MetricsMiddleware、RequestLogger、CORS、RateLimiter（基于 IP）。
*/
package main
