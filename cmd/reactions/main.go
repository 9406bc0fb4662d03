package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"tg-reaction-ranker/internal/adapters/cli"
	"tg-reaction-ranker/internal/adapters/mtproto"
	"tg-reaction-ranker/internal/app"
	"tg-reaction-ranker/internal/domain"
	"tg-reaction-ranker/internal/infra/config"
	applog "tg-reaction-ranker/internal/infra/log"
	"tg-reaction-ranker/internal/infra/metrics"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(2)
	}
	logger := applog.NewCLILogger(cfg.AppEnv, os.Getenv("VERBOSE") != "")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := app.NewRedis(ctx, cfg)
	if err != nil {
		logger.Warn().Err(err).Msg("cli: Redis недоступен, работаем без межпроцессной блокировки")
		rdb = nil
	}
	if rdb != nil {
		defer rdb.Close()
	}
	svc, store, err := app.NewAnalysis(cfg, logger, rdb)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка: %v\n", err)
		os.Exit(1)
	}

	root := cli.NewRootCommand(&cli.App{
		Runner: func() (domain.SourceRunner, error) {
			client, err := mtproto.NewClient(app.MTProtoConfig(cfg), logger)
			if err != nil {
				return nil, err
			}
			return client.RunSource, nil
		},
		Analysis:       svc,
		Cache:          store,
		SessionPath:    cfg.MTProto.SessionFile,
		DefaultChannel: cfg.Analysis.Channel,
		DefaultFrom:    cfg.Analysis.From,
		DefaultTo:      cfg.Analysis.To,
		TopN:           cfg.Analysis.TopN,
		Log:            logger.With().Str("component", "cli").Logger(),
	})
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка: %v\n", err)
		stop()
		os.Exit(1)
	}
}
