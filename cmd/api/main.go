package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/samber/mo"
	"github.com/slack-go/slack"

	"slack-ai-gateway/internal/api"
	"slack-ai-gateway/internal/auth"
	"slack-ai-gateway/internal/config"
	"slack-ai-gateway/internal/logging"
	"slack-ai-gateway/internal/notify"
	"slack-ai-gateway/internal/orchestrator"
	"slack-ai-gateway/internal/queue"
	"slack-ai-gateway/internal/ratelimit"
	"slack-ai-gateway/internal/router"
	"slack-ai-gateway/internal/store"
)

// batchStore adapts *store.Store to the orchestrator's interface-typed BeginBatch.
type batchStore struct {
	*store.Store
}

func (s batchStore) BeginBatch(ctx context.Context) (orchestrator.JobBatch, error) {
	b, err := s.Store.BeginBatch(ctx)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func main() {
	cfg := config.Load()
	logger := logging.New(cfg, "api")
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrations")
	}

	redisClient := queue.NewClient(cfg)
	defer redisClient.Close()
	q := queue.NewRedisQueue(redisClient, cfg)
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	rt, err := router.New(router.Providers{
		Local: router.NewChatProvider(router.ChatProviderConfig{
			Name:    string(router.ProviderLocal),
			BaseURL: cfg.LMStudioBaseURL,
			APIKey:  "lm-studio",
			Model:   cfg.LMStudioModel,
			Timeout: cfg.ProviderTimeout,
		}),
		Vision: router.NewChatProvider(router.ChatProviderConfig{
			Name:    string(router.ProviderVision),
			BaseURL: cfg.OpenAIBaseURL,
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIVisionModel,
			Timeout: cfg.ProviderTimeout,
		}),
		General: router.NewChatProvider(router.ChatProviderConfig{
			Name:    string(router.ProviderGeneral),
			BaseURL: cfg.AbacusBaseURL,
			APIKey:  cfg.AbacusAPIKey,
			Model:   cfg.AbacusModel,
			Timeout: cfg.ProviderTimeout,
		}),
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build router")
	}

	bot := mo.None[notify.MessagePoster]()
	if token, ok := cfg.SlackBot().Get(); ok {
		bot = mo.Some[notify.MessagePoster](slack.New(token))
	} else {
		logger.Warn().Msg("SLACK_BOT_TOKEN not set; mention replies are logged only")
	}

	orch := orchestrator.New(batchStore{st}, rt, q, logger)
	pool := workerpool.New(cfg.BackgroundWorkers)

	reconciler := orchestrator.NewReconciler(st, q, cfg.OrphanGrace, cfg.ReconcileInterval, logger)
	go reconciler.Run(ctx)

	server := api.New(cfg, api.Deps{
		Verifier:     auth.NewVerifier(cfg.SigningSecret(), logger),
		Orchestrator: orch,
		Limiter:      limiter,
		Jobs:         st,
		Broker:       q,
		Pool:         pool,
		Responders:   notify.NewFactory(bot, cfg.CallbackTimeout, logger),
		Logger:       logger,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().Str("port", cfg.HTTPPort).Int("background_workers", cfg.BackgroundWorkers).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	// accepted commands finish before the store and redis close
	pool.StopWait()
	logger.Info().Msg("api stopped")
}
