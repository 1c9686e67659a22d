// Package mdscan finds handoff markers in Markdown assistant output while
// ignoring markers that only appear in code, quotes or raw HTML.
package mdscan

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/nevindra/relay"
)

// Scanner is a relay.HandoffScanner that parses content as Markdown and
// matches "HANDOFF: <name>" only in prose: paragraphs, headings and list
// items. Code spans, code blocks, block quotes and HTML are skipped.
type Scanner struct {
	md goldmark.Markdown
}

func New() *Scanner {
	return &Scanner{md: goldmark.New()}
}

// Scan returns the target of the first marker in prose, in document order.
func (s *Scanner) Scan(content string) (string, bool) {
	src := []byte(content)
	doc := s.md.Parser().Parse(text.NewReader(src))

	var (
		target string
		found  bool
	)
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindFencedCodeBlock, ast.KindCodeBlock, ast.KindHTMLBlock, ast.KindBlockquote:
			return ast.WalkSkipChildren, nil
		case ast.KindParagraph, ast.KindHeading, ast.KindTextBlock:
			if t, ok := relay.ScanHandoffMarker(proseText(n, src)); ok {
				target, found = t, true
				return ast.WalkStop, nil
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return target, found
}

// proseText concatenates the inline text under n, replacing code spans and
// raw HTML with a space.
func proseText(n ast.Node, src []byte) string {
	var sb strings.Builder
	var walk func(ast.Node)
	walk = func(n ast.Node) {
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			switch v := c.(type) {
			case *ast.CodeSpan, *ast.RawHTML:
				sb.WriteByte(' ')
			case *ast.Text:
				sb.Write(v.Segment.Value(src))
				if v.SoftLineBreak() || v.HardLineBreak() {
					sb.WriteByte('\n')
				}
			case *ast.String:
				sb.Write(v.Value)
			default:
				walk(c)
			}
		}
	}
	walk(n)
	return sb.String()
}

var _ relay.HandoffScanner = (*Scanner)(nil)
