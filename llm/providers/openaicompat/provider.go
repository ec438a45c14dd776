// =============================================================================
// OpenAI-Compatible Provider
// =============================================================================
// Chat-completion backend for any OpenAI-compatible API (DeepSeek, Qwen, ...).
// HTTP 429 and 5xx responses and transport failures are retryable; other
// 4xx responses are validation errors.
// =============================================================================

package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/autoagent/internal/ctxkeys"
	"github.com/BaSui01/autoagent/internal/tlsutil"
	"github.com/BaSui01/autoagent/llm"
	"github.com/BaSui01/autoagent/llm/retry"
	"github.com/BaSui01/autoagent/types"
	"go.uber.org/zap"
)

// Config holds the configuration for an OpenAI-compatible provider.
type Config struct {
	// ProviderName is the identifier used in logs and errors (e.g. "deepseek").
	ProviderName string

	// APIKey is sent as a Bearer token.
	APIKey string

	// BaseURL of the API, e.g. "https://api.deepseek.com".
	BaseURL string

	// DefaultModel is used when the request does not name one.
	DefaultModel string

	// DefaultMaxTokens is used when the request does not set MaxTokens.
	DefaultMaxTokens int

	// Timeout is the HTTP client timeout. Defaults to 60s if zero.
	Timeout time.Duration

	// EndpointPath defaults to "/v1/chat/completions".
	EndpointPath string
}

// Provider implements llm.Provider over HTTP.
type Provider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New creates a new OpenAI-compatible provider.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = 2048
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "openai-compat"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		client: tlsutil.NewHTTPClient(cfg.Timeout),
		logger: logger.With(zap.String("component", "llm_provider"), zap.String("provider", cfg.ProviderName)),
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (p *Provider) WithHTTPClient(c *http.Client) *Provider {
	p.client = c
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.cfg.ProviderName }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Completion performs a non-streaming chat completion.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, types.NewValidationError("chat request has no messages")
	}

	body := chatRequest{
		Model:       firstNonEmpty(req.Model, p.cfg.DefaultModel),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = p.cfg.DefaultMaxTokens
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if runID, ok := ctxkeys.RunID(ctx); ok {
		httpReq.Header.Set("X-Run-ID", runID)
	}
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, types.NewTransientError(p.cfg.ProviderName+" request failed", retry.WrapRetryable(err)).
			WithHTTPStatus(http.StatusBadGateway)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := readErrorMessage(resp.Body)
		p.logger.Warn("completion failed",
			zap.Int("status", resp.StatusCode),
			zap.String("message", msg))
		return nil, mapHTTPError(resp, msg, p.cfg.ProviderName)
	}

	var oa chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&oa); err != nil {
		return nil, types.NewTransientError("invalid response body", err).WithHTTPStatus(http.StatusBadGateway)
	}
	if len(oa.Choices) == 0 {
		return nil, types.NewTransientError("response has no choices", nil).WithHTTPStatus(http.StatusBadGateway)
	}

	out := &llm.ChatResponse{
		ID:       oa.ID,
		Provider: p.cfg.ProviderName,
		Model:    oa.Model,
		Content:  oa.Choices[0].Message.Content,
		Usage: llm.ChatUsage{
			PromptTokens:     oa.Usage.PromptTokens,
			CompletionTokens: oa.Usage.CompletionTokens,
			TotalTokens:      oa.Usage.TotalTokens,
		},
		CreatedAt: time.Now(),
	}
	if oa.Created != 0 {
		out.CreatedAt = time.Unix(oa.Created, 0)
	}

	p.logger.Debug("completion done",
		zap.String("model", out.Model),
		zap.Int("total_tokens", out.Usage.TotalTokens),
		zap.Duration("latency", time.Since(start)))
	return out, nil
}

func (p *Provider) endpoint() string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + p.cfg.EndpointPath
}

// mapHTTPError 将 HTTP 状态码映射为带有合适重试标记的 types.Error
func mapHTTPError(resp *http.Response, msg, provider string) *types.Error {
	status := resp.StatusCode
	message := fmt.Sprintf("%s: %s", provider, msg)

	switch {
	case status == http.StatusTooManyRequests:
		e := types.NewError(types.ErrRateExceeded, message).WithHTTPStatus(status).WithRetryable(true)
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			e.WithRetryAfter(time.Duration(secs) * time.Second)
		}
		return e
	case status == http.StatusRequestTimeout:
		return types.NewError(types.ErrTransient, message).WithHTTPStatus(status).WithRetryable(true)
	case status >= 500:
		return types.NewError(types.ErrUpstreamError, message).WithHTTPStatus(status).WithRetryable(true)
	default:
		return types.NewError(types.ErrValidation, message).WithHTTPStatus(status)
	}
}

// readErrorMessage 读取响应体中的错误消息，解析失败则回退到原始文本
func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64*1024))
	if err != nil {
		return "failed to read error body"
	}
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	return strings.TrimSpace(string(data))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
