package mock

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/ineyio/chatmeter"
)

// Provider is a mock upstream provider for testing.
type Provider struct {
	name         string
	models       []string
	configured   bool
	latency      time.Duration
	failAfter    int
	callCount    atomic.Int64
	staticErr    error
	usage        chatmeter.Usage
	content      string
	responseFunc func(chatmeter.ProviderRequest) (chatmeter.ProviderResponse, error)

	streamChunks []string
	streamErr    error
	streamBlock  bool
	earlyUsage   bool
	noUsage      bool
}

var _ chatmeter.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:       "mock",
		models:     []string{"mock-model"},
		configured: true,
		content:    "Hello from mock provider",
		usage: chatmeter.Usage{
			PromptTokens:     10,
			CompletionTokens: 20,
			TotalTokens:      30,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithModels sets supported models.
func WithModels(models ...string) Option {
	return func(p *Provider) { p.models = models }
}

// WithConfigured sets whether the provider reports itself as configured.
func WithConfigured(ok bool) Option {
	return func(p *Provider) { p.configured = ok }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithFailAfter makes the provider fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(p *Provider) { p.failAfter = n }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithUsage sets the usage returned by the mock.
func WithUsage(u chatmeter.Usage) Option {
	return func(p *Provider) { p.usage = u }
}

// WithoutUsage makes the mock report no token counts.
func WithoutUsage() Option {
	return func(p *Provider) { p.noUsage = true }
}

// WithContent sets the completion text.
func WithContent(s string) Option {
	return func(p *Provider) { p.content = s }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(chatmeter.ProviderRequest) (chatmeter.ProviderResponse, error)) Option {
	return func(p *Provider) { p.responseFunc = fn }
}

// WithStreamChunks sets the content deltas a stream yields. Defaults to the
// completion text as a single delta.
func WithStreamChunks(chunks ...string) Option {
	return func(p *Provider) { p.streamChunks = chunks }
}

// WithStreamError makes the stream fail with err after its content deltas,
// before the usage chunk.
func WithStreamError(err error) Option {
	return func(p *Provider) { p.streamErr = err }
}

// WithStreamBlock makes the stream block after its content deltas until the
// request context is cancelled.
func WithStreamBlock() Option {
	return func(p *Provider) { p.streamBlock = true }
}

// WithEarlyUsage makes the stream report usage right after its content
// deltas, before any WithStreamError or WithStreamBlock takes effect.
func WithEarlyUsage() Option {
	return func(p *Provider) { p.earlyUsage = true }
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Configured() bool { return p.configured }

func (p *Provider) SupportsModel(model string) bool {
	for _, m := range p.models {
		if m == model {
			return true
		}
	}
	return false
}

func (p *Provider) ChatCompletion(ctx context.Context, req chatmeter.ProviderRequest) (chatmeter.ProviderResponse, error) {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return chatmeter.ProviderResponse{}, ctx.Err()
		}
	}

	count := p.callCount.Add(1)

	if p.staticErr != nil {
		return chatmeter.ProviderResponse{}, p.staticErr
	}

	if p.failAfter > 0 && int(count) > p.failAfter {
		return chatmeter.ProviderResponse{}, chatmeter.ErrProviderUnavailable
	}

	if p.responseFunc != nil {
		return p.responseFunc(req)
	}

	resp := chatmeter.ProviderResponse{
		ID:           "mock-response-id",
		Content:      p.content,
		FinishReason: "stop",
		Model:        req.Model,
	}
	if !p.noUsage {
		resp.Usage = p.usage
	}
	return resp, nil
}

func (p *Provider) ChatCompletionStream(ctx context.Context, req chatmeter.ProviderRequest) (chatmeter.ProviderStream, error) {
	resp, err := p.ChatCompletion(ctx, req)
	if err != nil {
		return nil, err
	}

	deltas := p.streamChunks
	if deltas == nil {
		deltas = []string{resp.Content}
	}

	chunks := []chatmeter.StreamChunk{{
		ID:      resp.ID,
		Model:   resp.Model,
		Choices: []chatmeter.StreamDelta{{Delta: chatmeter.Delta{Role: "assistant"}}},
	}}
	for _, d := range deltas {
		chunks = append(chunks, chatmeter.StreamChunk{
			ID:      resp.ID,
			Model:   resp.Model,
			Choices: []chatmeter.StreamDelta{{Delta: chatmeter.Delta{Content: d}}},
		})
	}

	if p.earlyUsage && !p.noUsage {
		u := resp.Usage
		chunks = append(chunks, chatmeter.StreamChunk{ID: resp.ID, Model: resp.Model, Usage: &u})
	}

	s := &mockStream{ctx: ctx, chunks: chunks, err: p.streamErr, block: p.streamBlock}
	if p.streamErr == nil && !p.streamBlock {
		final := chatmeter.StreamChunk{
			ID:      resp.ID,
			Model:   resp.Model,
			Choices: []chatmeter.StreamDelta{{FinishReason: "stop"}},
		}
		if !p.noUsage {
			u := resp.Usage
			final.Usage = &u
		}
		s.chunks = append(s.chunks, final)
	}
	return s, nil
}

// CallCount returns the number of calls made to the provider.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }

type mockStream struct {
	ctx    context.Context
	chunks []chatmeter.StreamChunk
	index  int
	err    error
	block  bool
	closed atomic.Bool
}

func (s *mockStream) Next() (chatmeter.StreamChunk, error) {
	if s.index < len(s.chunks) {
		chunk := s.chunks[s.index]
		s.index++
		return chunk, nil
	}
	if s.err != nil {
		return chatmeter.StreamChunk{}, s.err
	}
	if s.block {
		<-s.ctx.Done()
		return chatmeter.StreamChunk{}, s.ctx.Err()
	}
	return chatmeter.StreamChunk{}, io.EOF
}

func (s *mockStream) Close() error {
	s.closed.Store(true)
	return nil
}
