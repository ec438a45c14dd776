// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理 API 与指标端口的 HTTP 服务器生命周期。

Manager 封装 net/http.Server：Start 非阻塞监听（配置证书时走 HTTPS，
TLS 参数来自 tlsutil），Shutdown 在 ShutdownTimeout 内排空请求，
Errors 暴露异步服务错误供 errgroup 监听。信号处理由 cmd 负责。
*/
package server
