package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/chatmeter"
	"github.com/ineyio/chatmeter/cmd/chatmeterd/internal/config"
)

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENROUTER_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")

	cfg, err := loadConfig("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	providers := buildProviders(cfg)
	require.Len(t, providers, 3)

	configured := map[string]bool{}
	for _, p := range providers {
		configured[p.Name()] = p.Configured()
	}
	assert.Equal(t, map[string]bool{
		chatmeter.ProviderOpenAI:     true,
		chatmeter.ProviderOpenRouter: false,
		chatmeter.ProviderGemini:     false,
	}, configured)
}

func TestBuildProviders_Kinds(t *testing.T) {
	cfg := chatmeter.Config{Providers: []chatmeter.ProviderConfig{
		{Name: "local", Kind: chatmeter.KindOpenAICompatible, BaseURL: "http://localhost:11434/v1", Models: []string{"llama3"}},
		{Name: "gemini-eu", Kind: chatmeter.KindGemini, APIKey: "g", ModelMap: map[string]string{"gemini-pro": "gemini-1.5-pro"}},
		{Name: "router", Kind: chatmeter.KindOpenRouter, APIKey: "r"},
	}}

	providers := buildProviders(cfg)
	require.Len(t, providers, 3)

	local := providers[0]
	assert.Equal(t, "local", local.Name())
	assert.True(t, local.Configured(), "keyless compatible servers are usable")
	assert.True(t, local.SupportsModel("llama3"))
	assert.False(t, local.SupportsModel("gpt-4"))

	assert.Equal(t, "gemini-eu", providers[1].Name())
	assert.True(t, providers[1].SupportsModel("gemini-pro"))

	assert.Equal(t, "router", providers[2].Name())
	assert.True(t, providers[2].SupportsModel("claude-3-opus"))
}

func TestOpenStore(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	day := chatmeter.DayOf(time.Now())

	for _, s := range []config.Settings{
		{Ledger: "memory"},
		{Ledger: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "usage.db")},
	} {
		t.Run(s.Ledger, func(t *testing.T) {
			store, closeStore, err := openStore(ctx, s, logger)
			require.NoError(t, err)
			defer closeStore()

			rec, err := store.Increment(ctx, "u1", day, chatmeter.UsageDelta{Model: "gpt-4", InputTokens: 10, OutputTokens: 5})
			require.NoError(t, err)
			assert.Equal(t, int64(1), rec.MessagesUsed)
			assert.Equal(t, int64(15), rec.TokensUsed)
		})
	}
}
