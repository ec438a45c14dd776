package content

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// HTMLExtractor 抽取网页可见文本，忽略 script/style 等不可见元素
type HTMLExtractor struct{}

func NewHTMLExtractor() *HTMLExtractor { return &HTMLExtractor{} }

func (e *HTMLExtractor) Formats() []string { return []string{"html"} }

func (e *HTMLExtractor) Extract(ctx context.Context, src Source, maxBytes int64) (*Document, error) {
	data, md, err := readSource(ctx, src, maxBytes)
	if err != nil {
		return nil, err
	}
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var (
		parts []string
		title string
	)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				return
			case atom.Title:
				if title == "" && n.FirstChild != nil {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.Join(strings.Fields(n.Data), " "); t != "" {
				parts = append(parts, t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	md["content_type"] = "text/html"
	if title != "" {
		md["title"] = title
	}
	text := strings.Join(parts, "\n")
	return &Document{Format: src.Format, Text: text, Size: int64(len(data)), Metadata: md}, nil
}
