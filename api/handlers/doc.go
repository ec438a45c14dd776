// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供工作流编排服务的 HTTP 处理器。

  - WorkflowHandler  工作流提交、列表、查询、取消与限流状态
  - KnowledgeHandler 知识节点列表、单节点与关联节点查询
  - HealthHandler    存活/就绪检查，可注册 PingCheck

所有处理器返回统一的 Response 信封；*types.Error 的错误码映射为 HTTP
状态码（VALIDATION→400，NOT_FOUND→404，ALREADY_EXISTS/INVALID_TRANSITION→409，
QUEUE_FULL/RATE_EXCEEDED→429，SHUTTING_DOWN→503）。路由使用 Go 1.22 起
ServeMux 的方法与路径参数模式。
*/
package handlers
