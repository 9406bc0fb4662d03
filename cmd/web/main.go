package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tg-reaction-ranker/internal/adapters/mtproto"
	"tg-reaction-ranker/internal/adapters/web"
	"tg-reaction-ranker/internal/app"
	"tg-reaction-ranker/internal/infra/config"
	httpinfra "tg-reaction-ranker/internal/infra/http"
	applog "tg-reaction-ranker/internal/infra/log"
	"tg-reaction-ranker/internal/infra/metrics"
)

// analysisTimeout покрывает полную выгрузку большого канала с паузами FLOOD_WAIT.
const analysisTimeout = 15 * time.Minute

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := app.NewRedis(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("web: нет подключения к Redis")
	}
	if rdb != nil {
		defer rdb.Close()
	}
	svc, store, err := app.NewAnalysis(cfg, logger, rdb)
	if err != nil {
		logger.Fatal().Err(err).Msg("web: не удалось открыть кэш")
	}
	client, err := mtproto.NewClient(app.MTProtoConfig(cfg), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("web: не удалось создать MTProto клиента")
	}

	srv := httpinfra.NewServer(logger.With().Str("component", "http").Logger(), analysisTimeout)
	web.NewHandler(client.RunSource, svc, store, cfg.Analysis.TopN, logger.With().Str("component", "web").Logger()).Routes(srv.Router)

	go func() {
		if err := srv.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logger.Error().Err(err).Msg("web: сервер остановлен")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("web: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("web: ошибка остановки сервера")
	}
}
