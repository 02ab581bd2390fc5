package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"
	"github.com/slack-go/slack"

	"slack-ai-gateway/internal/callback"
	"slack-ai-gateway/internal/config"
	"slack-ai-gateway/internal/logging"
	"slack-ai-gateway/internal/notify"
	"slack-ai-gateway/internal/queue"
	"slack-ai-gateway/internal/store"
	"slack-ai-gateway/internal/telemetry"
	workerproc "slack-ai-gateway/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg, "worker")

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

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
		} else {
			workerID = "worker-" + uuid.NewString()
		}
	}

	uploader, err := workerproc.NewUploader(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("init uploader")
	}
	bot := mo.None[notify.MessagePoster]()
	if token, ok := cfg.SlackBot().Get(); ok {
		bot = mo.Some[notify.MessagePoster](slack.New(token))
	} else {
		logger.Warn().Msg("SLACK_BOT_TOKEN not set; mention job outcomes are logged only")
	}
	threads := notify.NewFactory(bot, cfg.CallbackTimeout, logger)
	reporter := callback.NewReporter(st, callback.NewDispatcher(cfg.CallbackTimeout, logger), threads, logger)

	processor := workerproc.NewProcessor(cfg, q, reporter, workerID, logger)
	processor.RegisterHandler(queue.TaskRenderScene, workerproc.NewRenderHandler(workerproc.PreviewRenderer{MaxSide: cfg.RenderMaxSide}, uploader, logger).Handle)
	processor.RegisterHandler(queue.TaskAnalyzeContent, workerproc.NewAnalyzeHandler(uploader, logger).Handle)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	logger.Info().
		Str("worker_id", workerID).
		Strs("queues", cfg.WorkerQueues).
		Dur("visibility", cfg.VisibilityTimeout).
		Dur("backoff_initial", cfg.BackoffInitial).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("worker stopped")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsServer.Shutdown(shutdownCtx)
}
