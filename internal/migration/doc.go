// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 维护知识库表（knowledge_nodes、knowledge_relationships）的
版本化结构迁移，基于 golang-migrate。

各方言的 SQL 通过 embed 内嵌在 migrations/{postgres,mysql,sqlite} 下。
DefaultMigrator 封装 golang-migrate 实例，ctx 结束时请求在当前迁移完成后
停止；CLI 为 migrate 子命令提供终端输出。
*/
package migration
