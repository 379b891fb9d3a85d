package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/xaenox/mention-bridge/internal/bot"
	"github.com/xaenox/mention-bridge/internal/dialogue"
	"github.com/xaenox/mention-bridge/internal/metrics"
	"github.com/xaenox/mention-bridge/internal/storage"
	"github.com/xaenox/mention-bridge/internal/telegram"
	"github.com/xaenox/mention-bridge/pkg/config"
	"go.uber.org/zap"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "mention-bridge",
	Short:        "Bridges Telegram mentions to a conversational bot and posts its replies back",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), configPath)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config file (empty to use defaults and environment only)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, path string) error {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", zap.Error(err), zap.String("path", path))
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mt := metrics.New(reg)

	clock := clockwork.NewRealClock()

	cache, err := newCache(cfg, clock, logger)
	if err != nil {
		logger.Error("Failed to initialize cache", zap.Error(err), zap.String("backend", cfg.Cache.Backend))
		return err
	}
	defer cache.Close()

	client, err := newDialogueClient(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize dialogue client", zap.Error(err), zap.String("backend", cfg.Dialogue.Backend))
		return err
	}

	manager, err := dialogue.NewManager(client, cache, logger.Named("dialogue"),
		dialogue.WithClock(clock),
		dialogue.WithPollingInterval(cfg.Dialogue.PollingInterval),
		dialogue.WithMetrics(mt))
	if err != nil {
		return err
	}

	gateway, err := telegram.New(cfg.Telegram.Token, cfg.Telegram.MaxReplyLength, logger.Named("telegram"))
	if err != nil {
		logger.Error("Failed to create Telegram gateway", zap.Error(err))
		return err
	}

	b, err := bot.New(cache, manager, gateway, bot.Config{PendingFallback: cfg.Bridge.PendingFallback}, mt, logger.Named("router"))
	if err != nil {
		return err
	}

	srv := serveMetrics(cfg.Metrics.Addr, reg, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to stop metrics server", zap.Error(err))
		}
	}()

	logger.Info("Starting mention bridge",
		zap.String("dialogue_backend", cfg.Dialogue.Backend),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.Bool("pending_fallback", cfg.Bridge.PendingFallback))

	if err := b.Run(ctx); err != nil {
		logger.Error("Bot error", zap.Error(err))
		return err
	}

	logger.Info("Mention bridge stopped")
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

func newCache(cfg *config.Config, clock clockwork.Clock, logger *zap.Logger) (*storage.ConversationCache, error) {
	ttl := storage.TTLConfig{
		ReplyTTL:        cfg.Cache.ReplyTTL,
		ConversationTTL: cfg.Cache.ConversationTTL,
	}
	logger = logger.Named("cache")

	switch cfg.Cache.Backend {
	case config.CachePostgres:
		logger.Info("Using PostgreSQL cache")
		db, err := storage.OpenPostgres(storage.DatabaseConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		})
		if err != nil {
			return nil, err
		}
		return storage.NewPostgresCache(db, ttl, clock, logger), nil

	case config.CacheRedis:
		logger.Info("Using Redis cache")
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		client := redis.NewClient(opts)

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return storage.NewRedisCache(client, ttl, clock, logger), nil

	default:
		logger.Info("Using in-memory cache")
		return storage.NewMemoryCache(ttl, clock, logger), nil
	}
}

func newDialogueClient(cfg *config.Config, logger *zap.Logger) (dialogue.Client, error) {
	logger = logger.Named("dialogue")

	switch cfg.Dialogue.Backend {
	case config.DialogueOpenAI:
		return dialogue.NewAssistantClient(cfg.OpenAI.APIKey, cfg.OpenAI.AssistantID, cfg.OpenAI.Model, logger)
	default:
		return dialogue.NewDirectLineClient(cfg.DirectLine.Secret, logger, dialogue.WithEndpoint(cfg.DirectLine.Endpoint))
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if addr == "" {
		return srv
	}

	go func() {
		logger.Info("Serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
