package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tg-reaction-ranker/internal/adapters/bot"
	"tg-reaction-ranker/internal/adapters/mtproto"
	"tg-reaction-ranker/internal/app"
	"tg-reaction-ranker/internal/domain"
	"tg-reaction-ranker/internal/infra/config"
	httpinfra "tg-reaction-ranker/internal/infra/http"
	applog "tg-reaction-ranker/internal/infra/log"
	"tg-reaction-ranker/internal/infra/metrics"
	"tg-reaction-ranker/internal/infra/queue"
)

const webhookPath = "/bot/webhook"

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telegram.Token == "" {
		logger.Fatal().Msg("bot: не указан токен Telegram (TG_BOT_TOKEN)")
	}
	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot: не удалось создать бота")
	}

	rdb, err := app.NewRedis(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot: нет подключения к Redis")
	}
	if rdb != nil {
		defer rdb.Close()
	}
	jobs, closeQueue := newQueue(cfg, rdb, logger)
	defer closeQueue()

	svc, _, err := app.NewAnalysis(cfg, logger, rdb)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot: не удалось открыть кэш")
	}
	client, err := mtproto.NewClient(app.MTProtoConfig(cfg), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot: не удалось создать MTProto клиента")
	}

	handler := bot.NewHandler(botAPI, jobs, logger.With().Str("component", "bot").Logger())
	worker := bot.NewWorker(jobs, client.RunSource, svc, botAPI, cfg.Analysis.TopN, cfg.Analysis.SendInterval,
		logger.With().Str("component", "worker").Logger())
	go worker.Run(ctx)

	if cfg.Telegram.WebhookURL != "" {
		runWebhook(ctx, cfg, botAPI, handler, logger)
	} else {
		metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), fmt.Sprintf(":%d", cfg.MetricsPort))
		runPolling(ctx, botAPI, handler, logger)
	}
	logger.Info().Msg("bot: остановлен")
}

// newQueue выбирает очередь: RabbitMQ, затем Redis, иначе память процесса.
func newQueue(cfg config.AppConfig, rdb *redis.Client, logger zerolog.Logger) (domain.AnalysisQueue, func()) {
	switch {
	case cfg.RabbitURL != "":
		q, err := queue.NewRabbitAnalysisQueue(cfg.RabbitURL, cfg.Queues.Analysis, logger.With().Str("component", "queue").Logger())
		if err != nil {
			logger.Fatal().Err(err).Msg("bot: не удалось инициализировать очередь RabbitMQ")
		}
		logger.Info().Str("queue", cfg.Queues.Analysis).Msg("bot: очередь задач в RabbitMQ")
		return q, func() { _ = q.Close() }
	case rdb != nil:
		logger.Info().Str("queue", cfg.Queues.Analysis).Msg("bot: очередь задач в Redis")
		return queue.NewRedisAnalysisQueue(rdb, cfg.Queues.Analysis, logger.With().Str("component", "queue").Logger()), func() {}
	default:
		logger.Warn().Msg("bot: RABBITMQ_URL и REDIS_ADDR не заданы, очередь задач в памяти процесса")
		return queue.NewMemoryAnalysisQueue(0), func() {}
	}
}

func runPolling(ctx context.Context, botAPI *tgbotapi.BotAPI, h *bot.Handler, logger zerolog.Logger) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := botAPI.GetUpdatesChan(u)
	logger.Info().Str("bot", botAPI.Self.UserName).Msg("bot: получение апдейтов через long polling")
	for {
		select {
		case <-ctx.Done():
			botAPI.StopReceivingUpdates()
			return
		case upd := <-updates:
			h.HandleUpdate(ctx, upd)
		}
	}
}

func runWebhook(ctx context.Context, cfg config.AppConfig, botAPI *tgbotapi.BotAPI, h *bot.Handler, logger zerolog.Logger) {
	wh, err := tgbotapi.NewWebhook(cfg.Telegram.WebhookURL + webhookPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot: некорректный TG_WEBHOOK_URL")
	}
	if _, err := botAPI.Request(wh); err != nil {
		logger.Fatal().Err(err).Msg("bot: не удалось зарегистрировать вебхук")
	}

	srv := httpinfra.NewServer(logger.With().Str("component", "http").Logger(), 30*time.Second)
	srv.Router.Post(webhookPath, func(w http.ResponseWriter, r *http.Request) {
		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.HandleUpdate(ctx, update)
		w.WriteHeader(http.StatusOK)
	})
	go func() {
		if err := srv.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logger.Error().Err(err).Msg("bot: HTTP сервер остановлен")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
