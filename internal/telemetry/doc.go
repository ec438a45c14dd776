// Package telemetry 封装 OpenTelemetry SDK 初始化，
// 为工作流执行提供 OTLP 链路与指标导出。
// 遥测关闭时使用全局 noop 实现，不连接任何外部服务。
package telemetry
