// Package gemini adapts the Google Gemini generateContent API to the
// chatmeter Provider interface.
package gemini

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

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Provider is the Gemini API adapter.
type Provider struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	models     []string
	modelMap   map[string]string
}

var _ chatmeter.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithName overrides the provider name. The default is "gemini".
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithAPIKey sets the API key sent in the x-goog-api-key header.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithModels restricts the catalog models this provider serves.
func WithModels(models ...string) Option {
	return func(p *Provider) { p.models = models }
}

// WithModelMap translates catalog model ids into Gemini model names, e.g.
// "gemini-pro" to "gemini-1.5-pro".
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

// New creates a new Gemini provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:       chatmeter.ProviderGemini,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Configured() bool { return p.apiKey != "" }

func (p *Provider) SupportsModel(model string) bool {
	if _, ok := p.modelMap[model]; ok {
		return true
	}
	if len(p.models) == 0 {
		return strings.HasPrefix(model, "gemini-")
	}
	for _, m := range p.models {
		if m == model {
			return true
		}
	}
	return false
}

func (p *Provider) endpoint(model, method string) string {
	upstream := model
	if m, ok := p.modelMap[model]; ok {
		upstream = m
	}
	return fmt.Sprintf("%s/models/%s:%s", p.baseURL, upstream, method)
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

func (c candidate) text() string {
	var b strings.Builder
	for _, p := range c.Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

type usageMetadata struct {
	PromptTokenCount     int64 `json:"promptTokenCount"`
	CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	TotalTokenCount      int64 `json:"totalTokenCount"`
}

func (u usageMetadata) usage() chatmeter.Usage {
	return chatmeter.Usage{
		PromptTokens:     u.PromptTokenCount,
		CompletionTokens: u.CandidatesTokenCount,
		TotalTokens:      u.TotalTokenCount,
	}
}

type generateResponse struct {
	ResponseID    string        `json:"responseId"`
	Candidates    []candidate   `json:"candidates"`
	UsageMetadata usageMetadata `json:"usageMetadata"`
}

// finishReason maps Gemini finish reasons onto the OpenAI vocabulary used
// elsewhere in chatmeter.
func finishReason(s string) string {
	switch s {
	case "":
		return ""
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return "content_filter"
	default:
		return strings.ToLower(s)
	}
}

func (p *Provider) ChatCompletion(ctx context.Context, req chatmeter.ProviderRequest) (chatmeter.ProviderResponse, error) {
	httpResp, err := p.post(ctx, p.endpoint(req.Model, "generateContent"), buildRequest(req))
	if err != nil {
		return chatmeter.ProviderResponse{}, err
	}
	defer httpResp.Body.Close()

	var resp generateResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return chatmeter.ProviderResponse{}, fmt.Errorf("chatmeter: decode gemini response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return chatmeter.ProviderResponse{}, chatmeter.ErrEmptyResponse
	}

	c := resp.Candidates[0]
	return chatmeter.ProviderResponse{
		ID:           resp.ResponseID,
		Content:      c.text(),
		FinishReason: finishReason(c.FinishReason),
		Model:        req.Model,
		Usage:        resp.UsageMetadata.usage(),
	}, nil
}

func (p *Provider) ChatCompletionStream(ctx context.Context, req chatmeter.ProviderRequest) (chatmeter.ProviderStream, error) {
	httpResp, err := p.post(ctx, p.endpoint(req.Model, "streamGenerateContent")+"?alt=sse", buildRequest(req))
	if err != nil {
		return nil, err
	}
	return &stream{
		reader: bufio.NewReader(httpResp.Body),
		body:   httpResp.Body,
		model:  req.Model,
	}, nil
}

func buildRequest(req chatmeter.ProviderRequest) generateRequest {
	gr := generateRequest{Contents: make([]content, 0, len(req.Messages))}
	for _, m := range req.Messages {
		role := "user"
		if m.Role == chatmeter.RoleAssistant {
			role = "model"
		}
		gr.Contents = append(gr.Contents, content{Role: role, Parts: []part{{Text: m.Content}}})
	}

	if req.Temperature != nil || req.MaxTokens != nil || req.TopP != nil || len(req.Stop) > 0 {
		gr.GenerationConfig = &generationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
			TopP:            req.TopP,
			StopSequences:   req.Stop,
		}
	}
	return gr
}

// post sends body and returns the response when the status is 2xx. Any
// other status is mapped to a chatmeter sentinel and the body is closed.
func (p *Provider) post(ctx context.Context, url string, body generateRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("chatmeter: marshal gemini request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("chatmeter: create gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", chatmeter.ErrProviderUnavailable, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return nil, chatmeter.ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, chatmeter.ErrAuthFailed
	case http.StatusBadRequest, http.StatusNotFound:
		return nil, fmt.Errorf("%w: gemini: %s", chatmeter.ErrInvalidRequest, bytes.TrimSpace(msg))
	default:
		return nil, fmt.Errorf("%w: gemini status %d", chatmeter.ErrProviderUnavailable, resp.StatusCode)
	}
}

// stream reads the SSE variant of streamGenerateContent. Each event is a
// full generateResponse carrying the next slice of text; usage metadata
// accumulates and is final on the last event.
type stream struct {
	reader *bufio.Reader
	body   io.ReadCloser
	model  string
}

func (s *stream) Next() (chatmeter.StreamChunk, error) {
	for {
		line, err := s.reader.ReadString('\n')
		if errors.Is(err, io.EOF) && strings.TrimSpace(line) == "" {
			return chatmeter.StreamChunk{}, io.EOF
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return chatmeter.StreamChunk{}, fmt.Errorf("chatmeter: read gemini stream: %w", err)
		}

		data, ok := strings.CutPrefix(strings.TrimSpace(line), "data:")
		if !ok {
			continue
		}

		var resp generateResponse
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &resp); err != nil {
			continue
		}

		chunk := chatmeter.StreamChunk{ID: resp.ResponseID, Model: s.model}
		if len(resp.Candidates) > 0 {
			c := resp.Candidates[0]
			chunk.Choices = []chatmeter.StreamDelta{{
				Delta:        chatmeter.Delta{Content: c.text()},
				FinishReason: finishReason(c.FinishReason),
			}}
		}
		if u := resp.UsageMetadata.usage(); u.Known() && len(chunk.Choices) > 0 && chunk.Choices[0].FinishReason != "" {
			chunk.Usage = &u
		}
		return chunk, nil
	}
}

func (s *stream) Close() error {
	return s.body.Close()
}
