package openaicompat

// Option adjusts a request body before it is sent.
type Option func(*ChatRequest)

// WithTemperature sets the sampling temperature (0.0-2.0).
func WithTemperature(t float64) Option {
	return func(r *ChatRequest) { r.Temperature = &t }
}

// WithTopP sets nucleus sampling top-p (0.0-1.0).
func WithTopP(p float64) Option {
	return func(r *ChatRequest) { r.TopP = &p }
}

// WithMaxTokens sets max_tokens when the relay request leaves it zero.
func WithMaxTokens(n int) Option {
	return func(r *ChatRequest) {
		if r.MaxTokens == 0 {
			r.MaxTokens = n
		}
	}
}

func WithStop(s ...string) Option {
	return func(r *ChatRequest) { r.Stop = s }
}

// WithSeed sets a seed for reproducible sampling where supported.
func WithSeed(s int) Option {
	return func(r *ChatRequest) { r.Seed = &s }
}
