// Package config 提供 AutoAgent 的配置管理功能。
//
// 配置在构造 Coordinator 之前一次性加载：默认值 → YAML 文件 → 环境变量
// （前缀 AUTOAGENT，例如 AUTOAGENT_RATE_LIMITING_MAX_REQUESTS_PER_MINUTE）。
package config
