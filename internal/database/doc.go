// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 打开知识存储使用的关系型数据库并管理连接池。

# 核心类型

  - Dialector/Open：按 driver（postgres、mysql、sqlite）选择 GORM 方言，
    SQLite 使用纯 Go 的 glebarez 驱动并限制为单连接。
  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 Ping、GetStats、Close；
    后台健康检查通过 StatsRecorder 上报连接数。
  - IsRetryableError：识别死锁、序列化失败、连接中断等可重试错误，
    知识存储据此把写入错误标记为 TRANSIENT。
*/
package database
