// Package tokenizer 为模型调用的限流准入估算 token 数。
package tokenizer

import "github.com/BaSui01/autoagent/llm"

// Tokenizer 统一的 token 计数接口
type Tokenizer interface {
	// CountTokens 返回给定文本的 token 数
	CountTokens(text string) (int, error)
	// Name 返回分词器名称
	Name() string
}

// messageOverhead 每条消息的角色标记与分隔符开销
const messageOverhead = 4

// EstimateRequest 估算一次请求在限流窗口中占用的 token：
// prompt token + 每条消息开销 + 允许生成的 max_tokens。
func EstimateRequest(t Tokenizer, req *llm.ChatRequest) (int, error) {
	total := 3
	for _, m := range req.Messages {
		n, err := t.CountTokens(m.Content)
		if err != nil {
			return 0, err
		}
		total += n + messageOverhead
	}
	return total + req.MaxTokens, nil
}

// ForModel 返回模型对应的分词器；tiktoken 不可用时退回字符估算
func ForModel(model string) Tokenizer {
	return &fallbackTokenizer{
		primary:  NewTiktokenTokenizer(model),
		fallback: NewEstimatorTokenizer(),
	}
}

type fallbackTokenizer struct {
	primary  Tokenizer
	fallback Tokenizer
}

func (f *fallbackTokenizer) CountTokens(text string) (int, error) {
	if n, err := f.primary.CountTokens(text); err == nil {
		return n, nil
	}
	return f.fallback.CountTokens(text)
}

func (f *fallbackTokenizer) Name() string { return f.primary.Name() }
