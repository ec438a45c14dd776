// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 llm 定义编排核心所消费的模型后端契约。

# 概述

核心接口是 [Provider]：请求为 {消息, max_tokens}，响应为 {内容, token 用量}，
错误分为可重试与不可重试两类。每次调用之前都必须先经过
ratelimit.Limiter 的准入。

# 子包

  - ratelimit：滑动窗口请求数 / token 限流，调用方冷却
  - retry：指数退避重试策略，单次尝试超时，准入闸门
  - tokenizer：tiktoken 与字符估算的 token 计数
  - providers/openaicompat：OpenAI 兼容的 HTTP 后端
  - idempotency：提交去重
*/
package llm
