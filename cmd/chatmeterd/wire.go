package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/chatmeter"
	"github.com/ineyio/chatmeter/cmd/chatmeterd/internal/config"
	"github.com/ineyio/chatmeter/ledger"
	pgstore "github.com/ineyio/chatmeter/ledger/postgres"
	redisstore "github.com/ineyio/chatmeter/ledger/redis"
	"github.com/ineyio/chatmeter/ledger/sqlite"
	"github.com/ineyio/chatmeter/provider/gemini"
	"github.com/ineyio/chatmeter/provider/openaicompat"
)

// redisTTL keeps day records long enough for any monthly aggregate.
const redisTTL = 40 * 24 * time.Hour

// loadConfig reads the YAML file when one is named. Without one the default
// catalog is served by whichever providers have keys in the environment.
func loadConfig(path string) (chatmeter.Config, error) {
	if path != "" {
		return chatmeter.LoadConfig(path)
	}
	return chatmeter.Config{
		DefaultModel: "gpt-3.5-turbo",
		Providers: []chatmeter.ProviderConfig{
			{Name: chatmeter.ProviderOpenAI, Kind: chatmeter.KindOpenAI, APIKey: os.Getenv("OPENAI_API_KEY")},
			{Name: chatmeter.ProviderOpenRouter, Kind: chatmeter.KindOpenRouter, APIKey: os.Getenv("OPENROUTER_API_KEY")},
			{Name: chatmeter.ProviderGemini, Kind: chatmeter.KindGemini, APIKey: os.Getenv("GEMINI_API_KEY")},
		},
	}, nil
}

func buildProviders(cfg chatmeter.Config) []chatmeter.Provider {
	out := make([]chatmeter.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		switch pc.Kind {
		case chatmeter.KindGemini:
			opts := []gemini.Option{gemini.WithName(pc.Name), gemini.WithAPIKey(pc.APIKey)}
			if pc.BaseURL != "" {
				opts = append(opts, gemini.WithBaseURL(pc.BaseURL))
			}
			if len(pc.Models) > 0 {
				opts = append(opts, gemini.WithModels(pc.Models...))
			}
			if len(pc.ModelMap) > 0 {
				opts = append(opts, gemini.WithModelMap(pc.ModelMap))
			}
			out = append(out, gemini.New(opts...))

		default:
			opts := []openaicompat.Option{openaicompat.WithName(pc.Name), openaicompat.WithAPIKey(pc.APIKey)}
			if pc.BaseURL != "" {
				opts = append(opts, openaicompat.WithBaseURL(pc.BaseURL))
			}
			if len(pc.Models) > 0 {
				opts = append(opts, openaicompat.WithModels(pc.Models...))
			}
			if len(pc.ModelMap) > 0 {
				opts = append(opts, openaicompat.WithModelMap(pc.ModelMap))
			}

			switch pc.Kind {
			case chatmeter.KindOpenAI:
				out = append(out, openaicompat.NewOpenAI(opts...))
			case chatmeter.KindOpenRouter:
				out = append(out, openaicompat.NewOpenRouter(opts...))
			default:
				if pc.APIKey == "" {
					opts = append(opts, openaicompat.WithoutAuth())
				}
				out = append(out, openaicompat.New(pc.Name, pc.BaseURL, opts...))
			}
		}
	}
	return out
}

// openStore opens the configured usage store. The returned func releases
// its connections.
func openStore(ctx context.Context, s config.Settings, logger *slog.Logger) (chatmeter.UsageStore, func(), error) {
	switch s.Ledger {
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: s.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis ping %s: %w", s.RedisAddr, err)
		}
		logger.Info("usage ledger", "store", "redis", "addr", s.RedisAddr)
		return redisstore.New(client, redisstore.WithTTL(redisTTL)), func() { client.Close() }, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, s.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres ping: %w", err)
		}
		store := pgstore.New(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("usage ledger", "store", "postgres")
		return store, pool.Close, nil

	case "sqlite":
		store, err := sqlite.Open(s.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("usage ledger", "store", "sqlite", "path", s.SQLitePath)
		return store, func() { store.Close() }, nil

	default:
		logger.Warn("usage ledger is in memory; usage resets on restart")
		return ledger.NewMemoryStore(), func() {}, nil
	}
}
