// Package tlsutil 集中提供 TLS 参数：模型后端 HTTP 客户端、Redis 连接与
// API 服务端统一使用 TLS 1.2+ 与 AEAD 密码套件。
package tlsutil
