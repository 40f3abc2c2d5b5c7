package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"autopilot/internal/adapters/gmail"
	"autopilot/internal/adapters/sheets"
	"autopilot/internal/adapters/slack"
	"autopilot/internal/adapters/telegram"
	"autopilot/internal/analyzer"
	"autopilot/internal/config"
	"autopilot/internal/credentials"
	"autopilot/internal/crypto"
	"autopilot/internal/dispatch"
	"autopilot/internal/hub"
	"autopilot/internal/llm/registry"
	"autopilot/internal/metrics"
	"autopilot/internal/oauth"
	"autopilot/internal/queue"
	"autopilot/internal/rpc"
	"autopilot/internal/server"
	"autopilot/internal/storage"
	"autopilot/internal/webhook"
	"autopilot/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("env", cfg.Env).
		Str("dispatch", cfg.Dispatch.Strategy).
		Str("llm_kind", cfg.LLM.Kind).
		Bool("redis", cfg.Redis.Addr != "").
		Msg("starting autopilot")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()
	}

	cryptoManager, err := crypto.NewManager(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize crypto manager")
	}

	m := metrics.Global()
	httpClient := &http.Client{Timeout: cfg.HTTP.ClientTimeout}

	oauthCfg := oauth.Config{
		AppURL:             cfg.AppURL,
		GoogleClientID:     cfg.OAuth.GoogleClientID,
		GoogleClientSecret: cfg.OAuth.GoogleClientSecret,
		SlackClientID:      cfg.OAuth.SlackClientID,
		SlackClientSecret:  cfg.OAuth.SlackClientSecret,
		StateSecret:        cfg.Auth.JWTSecret,
		HTTPClient:         httpClient,
		Logger:             log.Logger,
	}
	credStore := credentials.New(credentials.Config{
		Repo:       store,
		Cipher:     cryptoManager,
		Refreshers: oauth.New(oauthCfg).Refreshers(),
		HTTPClient: httpClient,
		Logger:     log.Logger,
	})
	oauthCfg.Saver = credStore
	oauthService := oauth.New(oauthCfg)

	bot, err := telegram.NewBot(cfg.Telegram.BotToken, cfg.Telegram.APIURL)
	if err != nil {
		log.Error().Str("component", "telegram").Msg(telegram.SanitizeError(err, cfg.Telegram.BotToken))
	}
	if bot == nil {
		log.Warn().Msg("telegram bot token not set, telegram tool disabled")
	}

	table, err := dispatch.NewTable(
		gmail.New(gmail.Config{Credentials: credStore, HTTPClient: httpClient, Logger: log.Logger}),
		slack.New(slack.Config{Credentials: credStore, HTTPClient: httpClient, Logger: log.Logger}),
		sheets.New(sheets.Config{Credentials: credStore, HTTPClient: httpClient, Logger: log.Logger}),
		telegram.New(telegram.Config{Bot: bot, Logger: log.Logger}),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build tool table")
	}

	model, err := registry.Build(registry.BuildOptions{
		Kind:        cfg.LLM.Kind,
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		HTTPClient:  httpClient,
		MaxRetries:  cfg.LLM.MaxRetries,
		BackoffBase: cfg.LLM.BackoffBase,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize llm client")
	}

	hubClient := hub.New(hub.Config{
		APIKey:       cfg.Hub.APIKey,
		BaseURL:      cfg.Hub.BaseURL,
		CallbackURL:  cfg.Hub.CallbackURL,
		ConnectURL:   cfg.Hub.ConnectURL,
		FrontendURL:  cfg.FrontendURL,
		PollInterval: cfg.Hub.PollInterval,
		HTTPClient:   httpClient,
		Store:        store,
		Logger:       log.Logger,
		Metrics:      m,
	})
	if !hubClient.Configured() {
		log.Warn().Msg("HUB_API_KEY not set, hub routing disabled")
	}

	var limiter dispatch.Limiter
	if rdb != nil {
		limiter = queue.NewRateLimiter(rdb, cfg.Rate.PerHour)
	}
	dispatcher := dispatch.New(dispatch.Config{
		Analyzer: analyzer.New(analyzer.Config{
			Provider:  model,
			Model:     cfg.LLM.Model,
			MaxTokens: cfg.LLM.MaxTokens,
			Logger:    log.Logger,
			Metrics:   m,
		}),
		Table:      table,
		Hub:        hubClient,
		Strategy:   cfg.Dispatch.Strategy,
		Executions: store,
		Limiter:    limiter,
		Logger:     log.Logger,
		Metrics:    m,
	})

	catalog, err := rpc.LoadCatalog()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load tool catalog")
	}
	facade := rpc.New(rpc.Config{
		Dispatcher:  dispatcher,
		Credentials: credStore,
		Catalog:     catalog,
		Logger:      log.Logger,
	})

	var (
		deduper    webhook.Deduper
		publisher  webhook.Publisher
		eventQueue *queue.EventQueue
	)
	if rdb != nil {
		deduper = queue.NewDeliveryDeduplicator(rdb, cfg.Webhook.DedupeTTL)
		if cfg.Webhook.Async {
			eventQueue = queue.NewEventQueue(rdb, cfg.Redis.EventStream, cfg.Redis.EventGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)
			publisher = eventQueue
		}
	}
	receiver := webhook.New(webhook.Config{
		Secret:       cfg.Webhook.Secret,
		Production:   cfg.Production(),
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		Deduper:      deduper,
		Publisher:    publisher,
		Logger:       log.Logger,
		Metrics:      m,
	})
	receiver.On("connection.updated", func(ctx context.Context, ev webhook.Event) error {
		return hubClient.HandleConnectionEvent(ctx, ev.Data)
	})

	errCh := make(chan error, 2)

	handler := server.New(server.Config{
		Production:     cfg.Production(),
		JWTSecret:      cfg.Auth.JWTSecret,
		FrontendURL:    cfg.FrontendURL,
		HealthPath:     cfg.HTTP.HealthPath,
		MetricsPath:    cfg.HTTP.MetricsPath,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		HubWaitTimeout: cfg.Hub.WaitTimeout,
		RPC:            facade,
		Webhooks:       receiver,
		OAuth:          oauthService,
		Credentials:    credStore,
		Hub:            hubClient,
		Executions:     store,
		Chat:           model,
		ChatModel:      cfg.LLM.Model,
		ChatTokens:     cfg.LLM.MaxTokens,
		Logger:         log.Logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if eventQueue != nil {
		w := worker.New(worker.Config{
			Queue:   eventQueue,
			Handler: receiver,
			Logger:  log.Logger,
			Metrics: m,
		})
		go func() {
			if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("webhook worker started")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
