// Package api 定义工作流编排服务 HTTP API 的请求/响应类型。
//
// # API 概览
//
//   - POST   /api/v1/workflows            提交工作流
//   - GET    /api/v1/workflows            列出运行（?state=RUNNING&limit=20）
//   - GET    /api/v1/workflows/{id}       查询运行
//   - DELETE /api/v1/workflows/{id}       取消运行
//   - GET    /api/v1/knowledge            列出知识节点（?type=&limit=）
//   - GET    /api/v1/knowledge/{id}       查询节点
//   - GET    /api/v1/knowledge/{id}/related 关联节点（?depth=）
//   - GET    /api/v1/ratelimit            限流与调度状态
//   - GET    /health /healthz /ready      健康检查
//
// 时长字段使用 Go 时长字符串（如 "30s"、"5m"）。
package api
