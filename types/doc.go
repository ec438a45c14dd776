// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供编排核心的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 llm、knowledge、workflow、
scheduler、coordinator 与 api 提供统一的错误契约，以避免循环依赖。

# 错误体系

  - RATE_EXCEEDED      — 限流器拒绝准入，携带 RetryAfter
  - TRANSIENT          — 网络/后端抖动，由重试策略吸收
  - EXHAUSTED          — 重试耗尽，工作流进入 FAILED
  - VALIDATION         — 不可重试，立即失败
  - TIMEOUT            — 单步或整体超时
  - CANCELLED          — 外部显式取消

辅助函数：AsError / IsErrorCode / IsRetryable / GetErrorCode。
*/
package types
