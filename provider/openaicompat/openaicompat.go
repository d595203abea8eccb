package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ineyio/chatmeter"
)

const (
	openAIBaseURL     = "https://api.openai.com/v1"
	openRouterBaseURL = "https://openrouter.ai/api/v1"
)

// Provider is a universal OpenAI-compatible API adapter.
// Works with OpenAI, OpenRouter, Together, Ollama, and others.
type Provider struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	models     []string
	modelMap   map[string]string
	headers    http.Header
	keyless    bool
}

var _ chatmeter.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithName overrides the provider name, e.g. to register two OpenAI
// accounts side by side.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithModels sets the list of supported models.
func WithModels(models ...string) Option {
	return func(p *Provider) { p.models = models }
}

// WithAPIKey sets the bearer token. A provider without a key reports itself
// as not configured.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithModelMap translates catalog model ids into upstream model ids.
// Models present in the map are also considered supported.
func WithModelMap(m map[string]string) Option {
	return func(p *Provider) {
		if p.modelMap == nil {
			p.modelMap = make(map[string]string, len(m))
		}
		for k, v := range m {
			p.modelMap[k] = v
		}
	}
}

// WithHeader adds a static header to every request.
func WithHeader(key, value string) Option {
	return func(p *Provider) { p.headers.Set(key, value) }
}

// WithoutAuth marks the provider as usable without an API key (local
// servers such as Ollama).
func WithoutAuth() Option {
	return func(p *Provider) { p.keyless = true }
}

// New creates a new OpenAI-compatible provider.
func New(name, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
		headers:    make(http.Header),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewOpenAI creates a provider for OpenAI.
func NewOpenAI(opts ...Option) *Provider {
	return New(chatmeter.ProviderOpenAI, openAIBaseURL, opts...)
}

// NewOpenRouter creates a provider for OpenRouter with the attribution
// headers it expects and upstream ids for the default catalog.
func NewOpenRouter(opts ...Option) *Provider {
	base := []Option{
		WithHeader("HTTP-Referer", "https://github.com/ineyio/chatmeter"),
		WithHeader("X-Title", "chatmeter"),
		WithModelMap(OpenRouterModels),
	}
	return New(chatmeter.ProviderOpenRouter, openRouterBaseURL, append(base, opts...)...)
}

// OpenRouterModels maps default catalog ids to OpenRouter model ids.
var OpenRouterModels = map[string]string{
	"gpt-3.5-turbo":       "openai/gpt-3.5-turbo",
	"gpt-4":               "openai/gpt-4",
	"gpt-4-turbo":         "openai/gpt-4-turbo",
	"claude-3-haiku":      "anthropic/claude-3-haiku-20240307",
	"claude-3-sonnet":     "anthropic/claude-3-sonnet-20240229",
	"claude-3-opus":       "anthropic/claude-3-opus-20240229",
	"mistral-7b":          "mistralai/mistral-7b-instruct",
	"mixtral-8x7b":        "mistralai/mixtral-8x7b-instruct",
	"llama-2-13b":         "meta-llama/llama-2-13b-chat",
	"llama-2-70b":         "meta-llama/llama-2-70b-chat",
	"deepseek-coder":      "deepseek/deepseek-coder",
	"phind-codellama-34b": "phind/phind-codellama-34b",
	"nous-hermes-2":       "nousresearch/nous-hermes-2-mixtral-8x7b-dpo",
	"openhermes-2.5":      "teknium/openhermes-2.5-mistral-7b",
	"gemini-pro":          "google/gemini-pro",
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Configured() bool { return p.keyless || p.apiKey != "" }

func (p *Provider) SupportsModel(model string) bool {
	if _, ok := p.modelMap[model]; ok {
		return true
	}
	if len(p.models) == 0 {
		return len(p.modelMap) == 0 // no filter → accept all
	}
	for _, m := range p.models {
		if m == model {
			return true
		}
	}
	return false
}

func (p *Provider) upstreamModel(model string) string {
	if m, ok := p.modelMap[model]; ok {
		return m
	}
	return model
}

// apiRequest is the OpenAI chat completion request format.
type apiRequest struct {
	Model         string            `json:"model"`
	Messages      []apiMessage      `json:"messages"`
	Temperature   *float64          `json:"temperature,omitempty"`
	MaxTokens     *int              `json:"max_tokens,omitempty"`
	TopP          *float64          `json:"top_p,omitempty"`
	Stream        bool              `json:"stream,omitempty"`
	StreamOptions *apiStreamOptions `json:"stream_options,omitempty"`
	Stop          []string          `json:"stop,omitempty"`
}

type apiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

func (u apiUsage) usage() chatmeter.Usage {
	return chatmeter.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

// apiResponse is the OpenAI chat completion response format.
type apiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int        `json:"index"`
		Message      apiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage apiUsage `json:"usage"`
}

// apiStreamChunk is a single SSE chunk.
type apiStreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role    string `json:"role,omitempty"`
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *apiUsage `json:"usage,omitempty"`
}

func (p *Provider) ChatCompletion(ctx context.Context, req chatmeter.ProviderRequest) (chatmeter.ProviderResponse, error) {
	body := p.buildRequest(req, false)

	httpResp, err := p.doRequest(ctx, body)
	if err != nil {
		return chatmeter.ProviderResponse{}, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return chatmeter.ProviderResponse{}, err
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return chatmeter.ProviderResponse{}, fmt.Errorf("chatmeter: decode response: %w", err)
	}

	if len(resp.Choices) == 0 {
		return chatmeter.ProviderResponse{}, chatmeter.ErrEmptyResponse
	}

	return chatmeter.ProviderResponse{
		ID:           resp.ID,
		Content:      resp.Choices[0].Message.Content,
		FinishReason: resp.Choices[0].FinishReason,
		Model:        req.Model,
		Usage:        resp.Usage.usage(),
	}, nil
}

func (p *Provider) ChatCompletionStream(ctx context.Context, req chatmeter.ProviderRequest) (chatmeter.ProviderStream, error) {
	body := p.buildRequest(req, true)

	httpResp, err := p.doRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	if err := mapHTTPError(httpResp); err != nil {
		return nil, err
	}

	return &sseStream{
		reader: bufio.NewReader(httpResp.Body),
		body:   httpResp.Body,
		model:  req.Model,
	}, nil
}

func (p *Provider) buildRequest(req chatmeter.ProviderRequest, stream bool) apiRequest {
	msgs := make([]apiMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = apiMessage{Role: m.Role, Content: m.Content}
	}
	r := apiRequest{
		Model:       p.upstreamModel(req.Model),
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Stream:      stream,
		Stop:        req.Stop,
	}
	if stream {
		r.StreamOptions = &apiStreamOptions{IncludeUsage: true}
	}
	return r
}

func (p *Provider) doRequest(ctx context.Context, body apiRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("chatmeter: marshal request: %w", err)
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("chatmeter: create request: %w", err)
	}

	for k, vs := range p.headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", chatmeter.ErrProviderUnavailable, err)
	}

	return resp, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return chatmeter.ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return chatmeter.ErrAuthFailed
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", chatmeter.ErrInvalidRequest, string(body))
	default:
		return fmt.Errorf("%w: status %d", chatmeter.ErrProviderUnavailable, resp.StatusCode)
	}
}

// sseStream parses Server-Sent Events from an HTTP response body.
type sseStream struct {
	reader *bufio.Reader
	body   io.ReadCloser
	model  string
}

func (s *sseStream) Next() (chatmeter.StreamChunk, error) {
	for {
		line, err := s.reader.ReadString('\n')
		if errors.Is(err, io.EOF) && strings.TrimSpace(line) == "" {
			return chatmeter.StreamChunk{}, io.EOF
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return chatmeter.StreamChunk{}, fmt.Errorf("chatmeter: read stream: %w", err)
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return chatmeter.StreamChunk{}, io.EOF
		}

		var chunk apiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // skip malformed chunks
		}

		result := chatmeter.StreamChunk{
			ID:    chunk.ID,
			Model: s.model,
		}

		for _, c := range chunk.Choices {
			result.Choices = append(result.Choices, chatmeter.StreamDelta{
				Index:        c.Index,
				Delta:        chatmeter.Delta{Role: c.Delta.Role, Content: c.Delta.Content},
				FinishReason: c.FinishReason,
			})
		}

		if chunk.Usage != nil {
			u := chunk.Usage.usage()
			result.Usage = &u
		}

		return result, nil
	}
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
