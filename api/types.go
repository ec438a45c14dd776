package api

import (
	"fmt"
	"time"

	"github.com/BaSui01/autoagent/workflow"
)

// =============================================================================
// 工作流类型
// =============================================================================

// StepRequest 工作流步骤。
// @Description 工作流步骤结构
type StepRequest struct {
	// 步骤名称
	Name string `json:"name,omitempty" example:"summarize"`
	// 步骤类型（model_call、graph_write、content_extract）
	Kind string `json:"kind" example:"model_call" binding:"required"`
	// 步骤输入
	Input map[string]any `json:"input,omitempty"`
	// 依赖的更早步骤下标
	DependsOn []int `json:"depends_on,omitempty"`
	// 单次尝试超时
	Timeout string `json:"timeout,omitempty" example:"30s"`
}

// WorkflowRequest 提交工作流请求。
// @Description 工作流提交请求结构
type WorkflowRequest struct {
	// 工作流 ID，为空时由服务端生成
	ID string `json:"id,omitempty" example:"wf-1"`
	// 工作流名称
	Name string `json:"name" example:"ingest-report"`
	// 限流调用方标识
	Caller string `json:"caller,omitempty" example:"team-a"`
	// 步骤列表
	Steps []StepRequest `json:"steps" binding:"required"`
	// 整体截止时间
	Timeout string `json:"timeout,omitempty" example:"5m"`
	// 每步最大尝试次数
	MaxRetries int `json:"max_retries,omitempty" example:"3"`
}

// ToSpec 转换为工作流描述；时长字段格式错误时返回错误
func (r *WorkflowRequest) ToSpec() (*workflow.WorkflowSpec, error) {
	timeout, err := parseDuration("timeout", r.Timeout)
	if err != nil {
		return nil, err
	}
	spec := &workflow.WorkflowSpec{
		ID:         r.ID,
		Name:       r.Name,
		Caller:     r.Caller,
		Timeout:    timeout,
		MaxRetries: r.MaxRetries,
		Steps:      make([]workflow.Step, 0, len(r.Steps)),
	}
	for i, s := range r.Steps {
		st, err := parseDuration(fmt.Sprintf("steps[%d].timeout", i), s.Timeout)
		if err != nil {
			return nil, err
		}
		spec.Steps = append(spec.Steps, workflow.Step{
			Name:      s.Name,
			Kind:      workflow.StepKind(s.Kind),
			Input:     s.Input,
			DependsOn: s.DependsOn,
			Timeout:   st,
		})
	}
	return spec, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

// SubmitResponse 提交结果。
// @Description 工作流提交结果
type SubmitResponse struct {
	// 运行 ID
	ID string `json:"id" example:"wf-1"`
	// 初始状态
	State string `json:"state" example:"QUEUED"`
}

// RunListResponse 运行列表。
// @Description 运行列表响应
type RunListResponse struct {
	Runs []workflow.Snapshot `json:"runs"`
}

// =============================================================================
// 知识图谱类型
// =============================================================================

// NodeListResponse 节点列表。
// @Description 知识节点列表响应
type NodeListResponse struct {
	Nodes []NodeResponse `json:"nodes"`
}

// NodeResponse 知识节点。
// @Description 知识节点结构
type NodeResponse struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// =============================================================================
// 错误类型
// =============================================================================

// ErrorResponse 错误响应。
// @Description 错误响应结构
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 错误详情。
// @Description 错误详细结构
type ErrorDetail struct {
	// 错误代码
	Code string `json:"code" example:"VALIDATION"`
	// 错误消息
	Message string `json:"message" example:"invalid workflow: at least one step is required"`
	// 请求是否可以重试
	Retryable bool `json:"retryable,omitempty" example:"false"`
}
