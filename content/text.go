package content

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BaSui01/autoagent/types"
)

// readSource 读取内联文本或文件，超出 maxBytes 返回 VALIDATION
func readSource(ctx context.Context, src Source, maxBytes int64) ([]byte, map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if src.Path == "" {
		if maxBytes > 0 && int64(len(src.Text)) > maxBytes {
			return nil, nil, types.Errorf(types.ErrValidation, "inline content exceeds %d bytes", maxBytes)
		}
		return []byte(src.Text), map[string]any{"source": "inline"}, nil
	}

	info, err := os.Stat(src.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, types.Errorf(types.ErrValidation, "content file %s does not exist", src.Path)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("stat %s: %w", src.Path, err)
	}
	if info.IsDir() {
		return nil, nil, types.Errorf(types.ErrValidation, "content path %s is a directory", src.Path)
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return nil, nil, types.Errorf(types.ErrValidation,
			"content file %s is %d bytes, limit is %d", src.Path, info.Size(), maxBytes)
	}

	f, err := os.Open(src.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", src.Path, err)
	}
	defer f.Close()

	var reader io.Reader = f
	if maxBytes > 0 {
		// 文件可能在 Stat 之后被追加
		reader = io.LimitReader(f, maxBytes)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", src.Path, err)
	}
	return data, map[string]any{
		"source":      "file",
		"source_path": src.Path,
		"source_file": filepath.Base(src.Path),
	}, nil
}

// TextExtractor 纯文本
type TextExtractor struct{}

func NewTextExtractor() *TextExtractor { return &TextExtractor{} }

func (e *TextExtractor) Formats() []string { return []string{"txt"} }

func (e *TextExtractor) Extract(ctx context.Context, src Source, maxBytes int64) (*Document, error) {
	data, md, err := readSource(ctx, src, maxBytes)
	if err != nil {
		return nil, err
	}
	md["content_type"] = "text/plain"
	return &Document{Format: src.Format, Text: string(data), Size: int64(len(data)), Metadata: md}, nil
}

// MarkdownExtractor 保留原文，并把标题列表写入元数据
type MarkdownExtractor struct{}

func NewMarkdownExtractor() *MarkdownExtractor { return &MarkdownExtractor{} }

func (e *MarkdownExtractor) Formats() []string { return []string{"md"} }

func (e *MarkdownExtractor) Extract(ctx context.Context, src Source, maxBytes int64) (*Document, error) {
	data, md, err := readSource(ctx, src, maxBytes)
	if err != nil {
		return nil, err
	}
	md["content_type"] = "text/markdown"

	var headings []string
	inFence := false
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "```") {
			inFence = !inFence
			continue
		}
		if inFence || !strings.HasPrefix(line, "#") {
			continue
		}
		level := len(line) - len(strings.TrimLeft(line, "#"))
		if level > 6 || len(line) == level || line[level] != ' ' {
			continue
		}
		headings = append(headings, strings.TrimSpace(line[level:]))
	}
	if len(headings) > 0 {
		md["headings"] = headings
		md["title"] = headings[0]
	}
	return &Document{Format: src.Format, Text: string(data), Size: int64(len(data)), Metadata: md}, nil
}
