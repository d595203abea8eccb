package chatmeter

import "context"

// Provider is the interface that upstream AI provider adapters must implement.
// An adapter may also implement TokenEstimator to replace the default
// estimator for the models it serves.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai", "openrouter").
	Name() string

	// SupportsModel returns true if this provider can serve the given model.
	SupportsModel(model string) bool

	// Configured returns true if the provider has what it needs to make
	// calls, typically credentials.
	Configured() bool

	// ChatCompletion performs a synchronous chat completion.
	ChatCompletion(ctx context.Context, req ProviderRequest) (ProviderResponse, error)

	// ChatCompletionStream performs a streaming chat completion.
	ChatCompletionStream(ctx context.Context, req ProviderRequest) (ProviderStream, error)
}

// ProviderRequest is the request sent to a provider adapter.
type ProviderRequest struct {
	Model    string
	Messages []Message

	Temperature *float64
	MaxTokens   *int
	TopP        *float64
	Stop        []string
	Stream      bool
}

// ProviderResponse is the response from a provider adapter.
type ProviderResponse struct {
	ID           string
	Content      string
	FinishReason string
	Usage        Usage
	Model        string
}

// ProviderStream is the interface for streaming responses.
type ProviderStream interface {
	// Next returns the next chunk. Returns io.EOF when done.
	// The final chunk carries Usage when the provider reports it.
	Next() (StreamChunk, error)

	// Close releases resources and signals completion.
	Close() error
}

func newProviderRequest(req ChatRequest, stream bool) ProviderRequest {
	return ProviderRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      stream,
	}
}
