package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/autoagent/types"
)

// StepKind 步骤类型
type StepKind string

const (
	StepModelCall      StepKind = "model_call"
	StepGraphWrite     StepKind = "graph_write"
	StepContentExtract StepKind = "content_extract"
)

// Valid 是否为已知步骤类型
func (k StepKind) Valid() bool {
	switch k {
	case StepModelCall, StepGraphWrite, StepContentExtract:
		return true
	}
	return false
}

// Step 单个步骤。DependsOn 只能引用更早的步骤下标。
type Step struct {
	Name      string         `json:"name,omitempty"`
	Kind      StepKind       `json:"kind"`
	Input     map[string]any `json:"input,omitempty"`
	DependsOn []int          `json:"depends_on,omitempty"`
	// Timeout 覆盖默认的单次尝试超时
	Timeout time.Duration `json:"timeout,omitempty"`
}

// DisplayName 日志与失败原因中使用的步骤名
func (s Step) DisplayName(index int) string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("%s#%d", s.Kind, index)
}

const maxSpecIDLength = 100

// WorkflowSpec 工作流描述
type WorkflowSpec struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Steps []Step `json:"steps"`
	// Timeout 整个工作流的截止时间，0 使用默认值
	Timeout time.Duration `json:"timeout,omitempty"`
	// MaxRetries 每步最大尝试次数（含首次），0 使用默认值
	MaxRetries int       `json:"max_retries,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	// Caller 限流冷却的调用方标识，为空时使用工作流 ID
	Caller string `json:"caller,omitempty"`
}

// CallerID 返回限流使用的调用方标识
func (s *WorkflowSpec) CallerID() string {
	if s.Caller != "" {
		return s.Caller
	}
	return s.ID
}

// Validate 校验结构；ID 由调用方或 Coordinator 填充
func (s *WorkflowSpec) Validate() error {
	var errs []string
	if strings.TrimSpace(s.ID) == "" {
		errs = append(errs, "id is required")
	} else if len(s.ID) > maxSpecIDLength || strings.TrimSpace(s.ID) != s.ID {
		errs = append(errs, fmt.Sprintf("id must be at most %d characters without surrounding spaces", maxSpecIDLength))
	}
	if len(s.Steps) == 0 {
		errs = append(errs, "at least one step is required")
	}
	if s.Timeout < 0 {
		errs = append(errs, "timeout must be non-negative")
	}
	if s.MaxRetries < 0 {
		errs = append(errs, "max_retries must be non-negative")
	}
	for i, st := range s.Steps {
		if !st.Kind.Valid() {
			errs = append(errs, fmt.Sprintf("step %d: unknown kind %q", i, st.Kind))
		}
		if st.Timeout < 0 {
			errs = append(errs, fmt.Sprintf("step %d: timeout must be non-negative", i))
		}
		for _, dep := range st.DependsOn {
			// 只允许依赖更早的步骤，保证无环
			if dep < 0 || dep >= i {
				errs = append(errs, fmt.Sprintf("step %d: dependency %d must reference an earlier step", i, dep))
			}
		}
	}
	if len(errs) > 0 {
		return types.NewValidationError("invalid workflow: " + strings.Join(errs, "; "))
	}
	return nil
}

// Clone 深拷贝，提交后的描述与调用方不再共享任何可变状态
func (s *WorkflowSpec) Clone() *WorkflowSpec {
	if s == nil {
		return nil
	}
	c := *s
	c.Steps = make([]Step, len(s.Steps))
	for i, st := range s.Steps {
		cs := st
		if st.DependsOn != nil {
			cs.DependsOn = append([]int(nil), st.DependsOn...)
		}
		if st.Input != nil {
			cs.Input = deepCopyMap(st.Input)
		}
		c.Steps[i] = cs
	}
	return &c
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// WorkflowNodeID 工作流在知识图谱中的记录节点 ID
func WorkflowNodeID(specID string) string {
	return "workflow:" + specID
}
