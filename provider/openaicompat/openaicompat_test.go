package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/chatmeter"
)

func testRequest(model string) chatmeter.ProviderRequest {
	return chatmeter.ProviderRequest{
		Model:       model,
		Messages:    []chatmeter.Message{{Role: chatmeter.RoleUser, Content: "hi"}},
		Temperature: chatmeter.Float64Ptr(0.2),
	}
}

func TestProvider_Configured(t *testing.T) {
	assert.False(t, NewOpenAI().Configured())
	assert.True(t, NewOpenAI(WithAPIKey("sk")).Configured())
	assert.True(t, New("ollama", "http://localhost:11434/v1", WithoutAuth()).Configured())
}

func TestProvider_SupportsModel(t *testing.T) {
	p := NewOpenAI(WithModels("gpt-4"))
	assert.True(t, p.SupportsModel("gpt-4"))
	assert.False(t, p.SupportsModel("gpt-3.5-turbo"))

	assert.True(t, New("any", "http://x").SupportsModel("whatever"))

	or := NewOpenRouter()
	assert.True(t, or.SupportsModel("claude-3-haiku"))
	assert.False(t, or.SupportsModel("not-in-map"))
}

func TestProvider_ChatCompletion(t *testing.T) {
	var got apiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"model": "gpt-4-0613",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Hello"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`)
	}))
	defer srv.Close()

	p := NewOpenAI(WithBaseURL(srv.URL), WithAPIKey("sk-test"))
	resp, err := p.ChatCompletion(context.Background(), testRequest("gpt-4"))
	require.NoError(t, err)

	assert.Equal(t, "gpt-4", got.Model)
	assert.False(t, got.Stream)
	assert.Nil(t, got.StreamOptions)
	require.NotNil(t, got.Temperature)
	assert.Equal(t, 0.2, *got.Temperature)

	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, "Hello", resp.Content)
	assert.Equal(t, "gpt-4", resp.Model)
	assert.Equal(t, chatmeter.Usage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15}, resp.Usage)
}

func TestOpenRouter_HeadersAndModelMap(t *testing.T) {
	var got apiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "https://github.com/ineyio/chatmeter", r.Header.Get("HTTP-Referer"))
		assert.Equal(t, "chatmeter", r.Header.Get("X-Title"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"choices": [{"message": {"content": "ok"}}]}`)
	}))
	defer srv.Close()

	p := NewOpenRouter(WithBaseURL(srv.URL), WithAPIKey("or-key"))
	assert.Equal(t, chatmeter.ProviderOpenRouter, p.Name())

	resp, err := p.ChatCompletion(context.Background(), testRequest("claude-3-haiku"))
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-3-haiku-20240307", got.Model)
	assert.Equal(t, "claude-3-haiku", resp.Model)
	assert.False(t, resp.Usage.Known())
}

func TestProvider_NoAuthHeaderWithoutKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"choices": [{"message": {"content": "ok"}}]}`)
	}))
	defer srv.Close()

	p := New("ollama", srv.URL, WithoutAuth())
	_, err := p.ChatCompletion(context.Background(), testRequest("llama3"))
	require.NoError(t, err)
}

func TestProvider_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices": []}`)
	}))
	defer srv.Close()

	_, err := NewOpenAI(WithBaseURL(srv.URL), WithAPIKey("k")).ChatCompletion(context.Background(), testRequest("gpt-4"))
	assert.ErrorIs(t, err, chatmeter.ErrEmptyResponse)
}

func TestProvider_HTTPErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, chatmeter.ErrRateLimited},
		{http.StatusUnauthorized, chatmeter.ErrAuthFailed},
		{http.StatusForbidden, chatmeter.ErrAuthFailed},
		{http.StatusBadRequest, chatmeter.ErrInvalidRequest},
		{http.StatusInternalServerError, chatmeter.ErrProviderUnavailable},
		{http.StatusBadGateway, chatmeter.ErrProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":{"message":"nope"}}`, tt.status)
			}))
			defer srv.Close()

			p := NewOpenAI(WithBaseURL(srv.URL), WithAPIKey("k"))
			_, err := p.ChatCompletion(context.Background(), testRequest("gpt-4"))
			assert.ErrorIs(t, err, tt.want)

			_, err = p.ChatCompletionStream(context.Background(), testRequest("gpt-4"))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestProvider_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewOpenAI(WithBaseURL(url), WithAPIKey("k")).ChatCompletion(context.Background(), testRequest("gpt-4"))
	assert.ErrorIs(t, err, chatmeter.ErrProviderUnavailable)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewOpenAI(WithBaseURL(url), WithAPIKey("k")).ChatCompletion(ctx, testRequest("gpt-4"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProvider_ChatCompletionStream(t *testing.T) {
	var got apiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, "data:{\"id\":\"c1\",\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":2,\"total_tokens\":7}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenAI(WithBaseURL(srv.URL), WithAPIKey("k"))
	s, err := p.ChatCompletionStream(context.Background(), testRequest("gpt-4"))
	require.NoError(t, err)
	defer s.Close()

	assert.True(t, got.Stream)
	require.NotNil(t, got.StreamOptions)
	assert.True(t, got.StreamOptions.IncludeUsage)

	var (
		text   string
		finish string
		usage  *chatmeter.Usage
	)
	for {
		chunk, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, "gpt-4", chunk.Model)
		for _, c := range chunk.Choices {
			text += c.Delta.Content
			if c.FinishReason != "" {
				finish = c.FinishReason
			}
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}

	assert.Equal(t, "Hello", text)
	assert.Equal(t, "stop", finish)
	require.NotNil(t, usage)
	assert.Equal(t, int64(7), usage.TotalTokens)
}

func TestProvider_StreamEndsWithoutDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}")
	}))
	defer srv.Close()

	s, err := NewOpenAI(WithBaseURL(srv.URL), WithAPIKey("k")).ChatCompletionStream(context.Background(), testRequest("gpt-4"))
	require.NoError(t, err)
	defer s.Close()

	chunk, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "x", chunk.Choices[0].Delta.Content)

	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
}
