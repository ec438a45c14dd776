// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 管理进程内共享的 Redis 连接。

Manager 按 config.RedisConfig 建立连接（可选 TLS），启动时 Ping 确认可达，
后台按间隔做健康检查。redis 知识存储与提交幂等键共用 Client()。
*/
package cache
