// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集，覆盖 HTTP、工作流、调度、
限流与数据库连接。

# 概述

Collector 通过 promauto.With(reg) 注册到指定 Registry，测试中可传入独立的
prometheus.NewRegistry()。所有指标按 namespace 隔离。

# 主要能力

  - HTTP 指标：请求总数、耗时与响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - 工作流指标：提交结果、运行终态与耗时、步骤结果/尝试次数/耗时、知识写入。
  - 调度指标：排队数与运行数 Gauge。
  - 限流指标：准入次数、等待耗时、按原因分组的拒绝次数。
  - 数据库指标：打开/空闲连接数 Gauge。
*/
package metrics
