// Package fetch provides an http_fetch tool that downloads a URL and
// returns its readable text.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"golang.org/x/net/html"

	"github.com/nevindra/relay"
)

const (
	defaultMaxChars = 8000
	maxBodyBytes    = 1 << 20
)

// Tool fetches URLs and extracts readable content.
type Tool struct {
	client   *http.Client
	maxChars int
}

var _ relay.Tool = (*Tool)(nil)

// Option configures a Tool.
type Option func(*Tool)

// WithHTTPClient replaces the default client (15s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(t *Tool) { t.client = c }
}

// WithMaxChars caps the returned text; longer content is truncated.
func WithMaxChars(n int) Option {
	return func(t *Tool) {
		if n > 0 {
			t.maxChars = n
		}
	}
}

func New(opts ...Option) *Tool {
	t := &Tool{
		client:   &http.Client{Timeout: 15 * time.Second},
		maxChars: defaultMaxChars,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tool) Definition() relay.ToolDefinition {
	return relay.ToolDefinition{
		Name:        "http_fetch",
		Description: "Fetch a URL and extract its readable text content. Use for reading web pages, articles, documentation.",
		Parameters: relay.ParamSchema(
			relay.Param{Name: "url", Type: "string", Description: "http or https URL to fetch", Required: true},
		),
	}
}

func (t *Tool) Call(ctx context.Context, args map[string]any) (any, error) {
	raw, _ := args["url"].(string)
	if raw == "" {
		return nil, errors.New("url is required")
	}
	content, err := t.Fetch(ctx, raw)
	if err != nil {
		return nil, err
	}
	if len(content) > t.maxChars {
		content = content[:t.maxChars] + "\n... (truncated)"
	}
	return content, nil
}

// Fetch downloads rawURL and extracts readable text.
func (t *Tool) Fetch(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("invalid URL %q", rawURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; relay-fetch/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}
	page := string(body)

	article, err := readability.FromReader(strings.NewReader(page), u)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return strings.TrimSpace(article.TextContent), nil
	}
	return stripHTML(page), nil
}

// stripHTML returns the visible text of page, skipping script and style
// elements and collapsing whitespace.
func stripHTML(page string) string {
	z := html.NewTokenizer(strings.NewReader(page))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.StartTagToken:
			if name, _ := z.TagName(); isHidden(name) {
				skip++
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); isHidden(name) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
				b.WriteByte(' ')
			}
		}
	}
}

func isHidden(tag []byte) bool {
	switch string(tag) {
	case "script", "style", "noscript":
		return true
	}
	return false
}
