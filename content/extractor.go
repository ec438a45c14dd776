// Package content 把本地文件或内联文本抽取为可写入知识图谱的纯文本。
//
// 抽取器按格式注册；格式必须同时出现在配置的支持列表中才会被受理。
package content

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BaSui01/autoagent/types"
	"go.uber.org/zap"
)

// Source 待抽取的内容；Path 与 Text 二选一
type Source struct {
	Path   string `json:"path,omitempty"`
	Text   string `json:"text,omitempty"`
	Format string `json:"format,omitempty"`
}

// Document 抽取结果
type Document struct {
	Format   string         `json:"format"`
	Text     string         `json:"text"`
	Size     int64          `json:"size"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Extractor 单一格式的抽取器
type Extractor interface {
	Extract(ctx context.Context, src Source, maxBytes int64) (*Document, error)
	Formats() []string
}

// Config 抽取配置
type Config struct {
	MaxFileSizeBytes int64
	SupportedFormats []string
}

// Registry 按格式路由到抽取器
type Registry struct {
	mu         sync.RWMutex
	extractors map[string]Extractor
	supported  map[string]bool
	maxBytes   int64
	logger     *zap.Logger
}

// NewRegistry 创建注册表并注册内置的文本/Markdown/HTML 抽取器
func NewRegistry(cfg Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		extractors: make(map[string]Extractor),
		supported:  make(map[string]bool, len(cfg.SupportedFormats)),
		maxBytes:   cfg.MaxFileSizeBytes,
		logger:     logger.With(zap.String("component", "content")),
	}
	for _, f := range cfg.SupportedFormats {
		r.supported[normalizeFormat(f)] = true
	}
	for _, ex := range []Extractor{NewTextExtractor(), NewMarkdownExtractor(), NewHTMLExtractor()} {
		for _, f := range ex.Formats() {
			r.extractors[f] = ex
		}
	}
	return r
}

// Register 注册或替换某格式的抽取器
func (r *Registry) Register(format string, ex Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors[normalizeFormat(format)] = ex
}

// Formats 返回已启用且有抽取器的格式
func (r *Registry) Formats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.extractors))
	for f := range r.extractors {
		if r.supported[f] {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// Extract 抽取内容；格式为空时按文件扩展名推断
func (r *Registry) Extract(ctx context.Context, src Source) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if src.Path == "" && src.Text == "" {
		return nil, types.NewValidationError("content source requires path or text")
	}

	format := normalizeFormat(src.Format)
	if format == "" {
		format = formatFromPath(src.Path)
	}
	if format == "" {
		format = "txt"
	}

	r.mu.RLock()
	supported := r.supported[format]
	ex, ok := r.extractors[format]
	r.mu.RUnlock()

	if !supported {
		return nil, types.Errorf(types.ErrValidation, "unsupported content format %q", format)
	}
	if !ok {
		return nil, types.Errorf(types.ErrValidation, "no extractor registered for format %q", format)
	}

	src.Format = format
	doc, err := ex.Extract(ctx, src, r.maxBytes)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("content extracted",
		zap.String("format", format),
		zap.String("path", src.Path),
		zap.Int64("size", doc.Size))
	return doc, nil
}

func normalizeFormat(f string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(f)), ".")
}

func formatFromPath(path string) string {
	switch ext := normalizeFormat(filepath.Ext(path)); ext {
	case "markdown":
		return "md"
	case "htm":
		return "html"
	case "text":
		return "txt"
	default:
		return ext
	}
}
