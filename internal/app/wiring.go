// Package app собирает зависимости бинарников из конфигурации.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tg-reaction-ranker/internal/adapters/filecache"
	"tg-reaction-ranker/internal/adapters/mtproto"
	"tg-reaction-ranker/internal/infra/cache"
	"tg-reaction-ranker/internal/infra/config"
	"tg-reaction-ranker/internal/usecase/analysis"
	"tg-reaction-ranker/internal/usecase/fetch"
)

// lockWait — сколько ждать, пока другой процесс закончит выгрузку того же канала.
const lockWait = 2 * time.Minute

// NewRedis подключается к Redis, если задан REDIS_ADDR. Без адреса возвращает nil.
func NewRedis(ctx context.Context, cfg config.AppConfig) (*redis.Client, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}

// NewAnalysis создаёт файловый кэш и оркестратор анализа. При наличии Redis
// выгрузка одного канала сериализуется между процессами.
func NewAnalysis(cfg config.AppConfig, logger zerolog.Logger, rdb *redis.Client) (*analysis.Service, *filecache.Store, error) {
	store, err := filecache.New(cfg.Analysis.CacheDir, logger)
	if err != nil {
		return nil, nil, err
	}
	driver := fetch.NewDriver(fetch.Config{
		PageSize:       cfg.MTProto.PageSize,
		RPS:            cfg.MTProto.RPS,
		MaxAttempts:    cfg.MTProto.MaxAttempts,
		InitialBackoff: cfg.MTProto.InitialBackoff,
		MaxWait:        cfg.MTProto.MaxWait,
	}, logger.With().Str("component", "fetch").Logger())

	opts := []analysis.Option{
		analysis.WithMediaStore(store),
		analysis.WithSendInterval(cfg.Analysis.SendInterval),
	}
	if rdb != nil {
		opts = append(opts, analysis.WithLocker(cache.NewRedisLocker(rdb, cfg.Analysis.LockTTL, lockWait)))
	}
	return analysis.NewService(store, driver, cfg.Analysis.TargetEmojis, logger, opts...), store, nil
}

// MTProtoConfig переводит конфиг приложения в настройки клиента MTProto.
func MTProtoConfig(cfg config.AppConfig) mtproto.Config {
	return mtproto.Config{
		AppID:       cfg.Telegram.APIID,
		AppHash:     cfg.Telegram.APIHash,
		SessionPath: cfg.MTProto.SessionFile,
		ProxyURL:    cfg.Telegram.ProxyURL,
	}
}
