package gemini

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

func testRequest() chatmeter.ProviderRequest {
	return chatmeter.ProviderRequest{
		Model: "gemini-pro",
		Messages: []chatmeter.Message{
			{Role: chatmeter.RoleUser, Content: "hi"},
			{Role: chatmeter.RoleAssistant, Content: "hello"},
			{Role: chatmeter.RoleUser, Content: "how are you?"},
		},
		MaxTokens: chatmeter.IntPtr(64),
	}
}

func TestProvider_Basics(t *testing.T) {
	p := New()
	assert.Equal(t, chatmeter.ProviderGemini, p.Name())
	assert.False(t, p.Configured())
	assert.True(t, New(WithAPIKey("k")).Configured())

	assert.True(t, p.SupportsModel("gemini-pro"))
	assert.False(t, p.SupportsModel("gpt-4"))
	assert.False(t, New(WithModels("gemini-pro")).SupportsModel("gemini-ultra"))
}

func TestProvider_ChatCompletion(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-1.5-pro:generateContent", r.URL.Path)
		assert.Equal(t, "gk", r.Header.Get("x-goog-api-key"))
		assert.Empty(t, r.URL.Query().Get("key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		fmt.Fprint(w, `{
			"responseId": "r1",
			"candidates": [{"content": {"role": "model", "parts": [{"text": "Fine, "}, {"text": "thanks."}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 9, "candidatesTokenCount": 4, "totalTokenCount": 13}
		}`)
	}))
	defer srv.Close()

	p := New(WithBaseURL(srv.URL), WithAPIKey("gk"), WithModelMap(map[string]string{"gemini-pro": "gemini-1.5-pro"}))
	resp, err := p.ChatCompletion(context.Background(), testRequest())
	require.NoError(t, err)

	require.Len(t, got.Contents, 3)
	assert.Equal(t, "user", got.Contents[0].Role)
	assert.Equal(t, "model", got.Contents[1].Role)
	require.NotNil(t, got.GenerationConfig)
	assert.Equal(t, 64, *got.GenerationConfig.MaxOutputTokens)

	assert.Equal(t, "r1", resp.ID)
	assert.Equal(t, "Fine, thanks.", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, "gemini-pro", resp.Model)
	assert.Equal(t, chatmeter.Usage{PromptTokens: 9, CompletionTokens: 4, TotalTokens: 13}, resp.Usage)
}

func TestProvider_NoCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates": []}`)
	}))
	defer srv.Close()

	_, err := New(WithBaseURL(srv.URL), WithAPIKey("k")).ChatCompletion(context.Background(), testRequest())
	assert.ErrorIs(t, err, chatmeter.ErrEmptyResponse)
}

func TestProvider_HTTPErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, chatmeter.ErrRateLimited},
		{http.StatusForbidden, chatmeter.ErrAuthFailed},
		{http.StatusBadRequest, chatmeter.ErrInvalidRequest},
		{http.StatusNotFound, chatmeter.ErrInvalidRequest},
		{http.StatusServiceUnavailable, chatmeter.ErrProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			p := New(WithBaseURL(srv.URL), WithAPIKey("k"))
			_, err := p.ChatCompletion(context.Background(), testRequest())
			assert.ErrorIs(t, err, tt.want)

			_, err = p.ChatCompletionStream(context.Background(), testRequest())
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestProvider_ChatCompletionStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-pro:streamGenerateContent", r.URL.Path)
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))

		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Fine\"}]}}],\"usageMetadata\":{\"promptTokenCount\":9,\"totalTokenCount\":9}}\r\n\r\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\", thanks.\"}]},\"finishReason\":\"MAX_TOKENS\"}],\"usageMetadata\":{\"promptTokenCount\":9,\"candidatesTokenCount\":4,\"totalTokenCount\":13}}\r\n\r\n")
	}))
	defer srv.Close()

	s, err := New(WithBaseURL(srv.URL), WithAPIKey("k")).ChatCompletionStream(context.Background(), testRequest())
	require.NoError(t, err)
	defer s.Close()

	first, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "Fine", first.Choices[0].Delta.Content)
	assert.Nil(t, first.Usage, "partial usage is not reported")

	last, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, ", thanks.", last.Choices[0].Delta.Content)
	assert.Equal(t, "length", last.Choices[0].FinishReason)
	require.NotNil(t, last.Usage)
	assert.Equal(t, int64(13), last.Usage.TotalTokens)

	_, err = s.Next()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestFinishReason(t *testing.T) {
	assert.Equal(t, "", finishReason(""))
	assert.Equal(t, "stop", finishReason("STOP"))
	assert.Equal(t, "length", finishReason("MAX_TOKENS"))
	assert.Equal(t, "content_filter", finishReason("SAFETY"))
	assert.Equal(t, "other", finishReason("OTHER"))
}
