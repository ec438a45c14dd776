// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 定义工作流描述、运行状态机以及单个工作流的执行器。

# 概述

WorkflowSpec 是提交后不可变的有序步骤列表；WorkflowRun 持有一份深拷贝，
记录状态、步骤结果、每步尝试次数与失败原因。Executor 按顺序执行步骤：
模型调用在每次尝试前向限流器申请准入，所有步骤都在 retry 策略下执行，
图写入步骤在首次尝试之前生成稳定的节点 ID，重试不会产生重复节点。

# 状态机

	QUEUED → RUNNING → (RETRYING → RUNNING)* → COMPLETED | FAILED | CANCELLED | TIMED_OUT
	QUEUED → CANCELLED

终态不可再迁移；终态之后到达的步骤结果会被丢弃。

# 步骤类型

  - model_call       — prompt / system / max_tokens / temperature / model / node_type / from_step
  - graph_write      — content | from_step, type, metadata, node_id, relate_to, relationship
  - content_extract  — path | text, format, node_type
*/
package workflow
