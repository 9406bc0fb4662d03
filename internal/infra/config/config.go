package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	Port        int    `envconfig:"PORT" default:"8080"`
	MetricsPort int    `envconfig:"METRICS_PORT" default:"9090"`

	Telegram struct {
		Token      string `envconfig:"TG_BOT_TOKEN"`
		WebhookURL string `envconfig:"TG_WEBHOOK_URL"`
		APIID      int    `envconfig:"TG_API_ID"`
		APIHash    string `envconfig:"TG_API_HASH"`
		ProxyURL   string `envconfig:"TG_PROXY"`
	} `envconfig:""`

	MTProto struct {
		SessionFile    string        `envconfig:"MTPROTO_SESSION_FILE" default:"data/session.json"`
		RPS            float64       `envconfig:"MTPROTO_RPS" default:"1"`
		PageSize       int           `envconfig:"FETCH_PAGE_SIZE" default:"100"`
		MaxAttempts    int           `envconfig:"FETCH_MAX_ATTEMPTS" default:"5"`
		InitialBackoff time.Duration `envconfig:"FETCH_INITIAL_BACKOFF" default:"2s"`
		MaxWait        time.Duration `envconfig:"FETCH_MAX_WAIT" default:"5m"`
	} `envconfig:""`

	Analysis struct {
		// По умолчанию «сердечки и лайки» со всеми оттенками.
		TargetEmojis []string      `envconfig:"TARGET_EMOJIS" default:"❤️,👍,🤍,💜,💙,💚,💛,🧡,🖤,🤎,❤,♥,💕,💞,💓,💗,💖,💘,💝,👍🏻,👍🏼,👍🏽,👍🏾,👍🏿,🙏,🔥,💯,❣️,♥️"`
		CacheDir     string        `envconfig:"CACHE_DIR" default:"data/cache"`
		TopN         int           `envconfig:"TOP_N" default:"10"`
		SendInterval time.Duration `envconfig:"REPORT_SEND_INTERVAL" default:"1s"`
		LockTTL      time.Duration `envconfig:"CHANNEL_LOCK_TTL" default:"30m"`
		Channel      string        `envconfig:"DEFAULT_CHANNEL"`
		From         string        `envconfig:"ANALYSIS_FROM"`
		To           string        `envconfig:"ANALYSIS_TO"`
	} `envconfig:""`

	RedisAddr string `envconfig:"REDIS_ADDR"`
	RabbitURL string `envconfig:"RABBITMQ_URL"`

	Queues struct {
		Analysis string `envconfig:"ANALYSIS_QUEUE_KEY" default:"analysis_jobs"`
	} `envconfig:""`
}

// Parse читает .env (если есть) и переменные окружения. Уже заданные
// переменные окружения имеют приоритет над .env.
func Parse() (AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return AppConfig{}, fmt.Errorf("чтение .env: %w", err)
	}
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Validate проверяет значения, без которых ядро не работает.
func (c AppConfig) Validate() error {
	if len(c.Analysis.TargetEmojis) == 0 {
		return errors.New("TARGET_EMOJIS: нужен хотя бы один эмодзи")
	}
	if c.Analysis.CacheDir == "" {
		return errors.New("CACHE_DIR не задан")
	}
	if c.MTProto.PageSize <= 0 || c.MTProto.PageSize > 100 {
		return fmt.Errorf("FETCH_PAGE_SIZE должен быть от 1 до 100, получено %d", c.MTProto.PageSize)
	}
	if c.MTProto.RPS < 0 {
		return errors.New("MTPROTO_RPS не может быть отрицательным")
	}
	return nil
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	cfg, err := Parse()
	if err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
