package openaicompat

import (
	"log/slog"
	"net/http"
)

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithName sets the name returned by Name (default "openai").
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient sets the HTTP client, for example to add a proxy.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithOptions applies request options to every request.
func WithOptions(opts ...Option) ProviderOption {
	return func(p *Provider) { p.opts = append(p.opts, opts...) }
}

// WithLogger logs skipped stream lines.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}
