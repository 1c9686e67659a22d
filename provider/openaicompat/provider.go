package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/nevindra/relay"
)

// Provider implements relay.Provider over POST {base}/chat/completions with
// streaming enabled.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	opts    []Option
	logger  *slog.Logger
	decoder *Decoder
}

// NewProvider creates a provider. baseURL is the API root, for example
// "https://api.openai.com/v1" or "http://localhost:11434/v1". model is used
// when a request does not name one.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		name:    "openai",
	}
	for _, o := range opts {
		o(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	p.decoder = NewDecoder(p.logger)
	return p
}

func (p *Provider) Name() string { return p.name }

// Model returns the default model.
func (p *Provider) Model() string { return p.model }

// ChatStream sends req and decodes the event stream into ch. ch is closed
// before ChatStream returns.
func (p *Provider) ChatStream(ctx context.Context, req relay.ChatRequest, ch chan<- relay.StreamEvent) (relay.ChatResponse, error) {
	if ch != nil {
		defer close(ch)
	}
	body := BuildBody(req, p.model, p.opts...)
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := p.send(ctx, body)
	if err != nil {
		return relay.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return relay.ChatResponse{}, httpErr(resp)
	}

	if isJSON(resp.Header.Get("Content-Type")) {
		var full ChatResponse
		if err := json.NewDecoder(resp.Body).Decode(&full); err != nil {
			return relay.ChatResponse{}, &relay.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
		}
		out := ParseResponse(full)
		if out.Content != "" {
			relay.Emit(ctx, ch, relay.StreamEvent{Type: relay.EventContent, Content: out.Content, Accumulated: out.Content})
		}
		return out, nil
	}

	res, err := p.decoder.Decode(ctx, resp.Body, ch)
	if err != nil {
		return relay.ChatResponse{}, err
	}
	if res.Skipped > 0 {
		p.logger.Warn("malformed stream lines skipped", "provider", p.name, "model", body.Model, "skipped", res.Skipped)
	}
	return res.Response(), nil
}

func (p *Provider) send(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &relay.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, &relay.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &relay.ErrLLM{Provider: p.name, Message: err.Error()}
	}
	return resp, nil
}

// httpErr builds the ErrHTTP consumed by relay.WithRetry.
func httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return &relay.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: relay.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/json"
}

var _ relay.Provider = (*Provider)(nil)
