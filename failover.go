package failover

import (
	"context"
	"time"
)

// Request is the payload forwarded to a provider as-is.
type Request struct {
	// Prompt to generate a completion for.
	Prompt string `json:"prompt"`

	// Model name understood by the provider. Empty means the provider's default.
	// E.g., "gpt-4o-mini"
	Model string `json:"model,omitempty"`

	// Maximum number of tokens to generate. Zero means the provider's default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Provider specific options. Unknown keys are ignored by providers.
	Options map[string]any `json:"options,omitempty"`
}

// Response is whatever the provider produced. The proxy never modifies it.
type Response struct {
	// Name of the provider that produced the response.
	Provider string `json:"provider"`

	// Model that actually served the request.
	Model string `json:"model,omitempty"`

	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	InputTokens  int64  `json:"input_tokens,omitempty"`
	OutputTokens int64  `json:"output_tokens,omitempty"`

	// Provider native response, if any.
	Raw any `json:"-"`
}

// Provider generates responses. Implementations must be safe for concurrent use.
type Provider interface {
	Generate(ctx context.Context, request *Request) (*Response, error)
}

// HealthChecker is an optional capability of a Provider. Providers without it
// are treated as always healthy.
type HealthChecker interface {
	HealthCheck(ctx context.Context) (bool, error)
}

// Shutdowner is an optional capability of a Provider to release resources.
type Shutdowner interface {
	Shutdown() error
}

// ProviderFunc adapts a plain function to the Provider interface.
type ProviderFunc func(ctx context.Context, request *Request) (*Response, error)

func (f ProviderFunc) Generate(ctx context.Context, request *Request) (*Response, error) {
	return f(ctx, request)
}

// Durations are reported in milliseconds on every external surface.
func Milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
