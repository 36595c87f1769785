package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"faqdesk/internal/app"
	"faqdesk/internal/config"
	"faqdesk/internal/ratelimit"
	"faqdesk/internal/server"
	"faqdesk/internal/util"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	util.InitLogger(cfg.LogLevel)

	sessionTTL, err := cfg.SessionDuration()
	if err != nil {
		util.Fatal("failed to parse session ttl", "err", err)
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		util.Fatal("failed to parse trusted proxies", "err", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	gate, err := ratelimit.NewGate(redisClient, "faqdesk:ratelimit", quotasFromConfig(cfg.RateLimits))
	if err != nil {
		util.Fatal("failed to init rate gate", "err", err)
	}

	appCore, err := app.New(app.Config{
		DatabaseURL:     cfg.DatabaseURL,
		JWTSecret:       cfg.JWTSecret,
		SessionTTL:      sessionTTL,
		GeminiAPIKey:    cfg.GeminiAPIKey,
		GenerationModel: cfg.GenerationModel,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		Gate:           gate,
		TrustedProxies: trusted,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("faqdesk server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "err", err)
	}
}

// quotasFromConfig merges config overrides onto the default quotas.
// Windows were validated at config load.
func quotasFromConfig(overrides map[string]config.QuotaConfig) map[ratelimit.Bucket]ratelimit.Quota {
	quotas := ratelimit.DefaultQuotas()
	for name, q := range overrides {
		window, err := time.ParseDuration(q.Window)
		if err != nil {
			continue
		}
		quotas[ratelimit.Bucket(name)] = ratelimit.Quota{Limit: q.Limit, Window: window}
	}
	return quotas
}
