package mtproto

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"

	"tg-reaction-ranker/internal/domain"
)

// Config описывает подключение к MTProto.
type Config struct {
	AppID       int
	AppHash     string
	SessionPath string
	// ProxyURL — socks5://[user:pass@]host:port, пусто — прямое подключение.
	ProxyURL string
}

// Client держит MTProto-клиент gotd. Соединение открывается только на время Run,
// параллельные вызовы Run выполняются по очереди.
type Client struct {
	mu     sync.Mutex
	client *telegram.Client
	log    zerolog.Logger
}

// NewClient создаёт клиент с файловым хранилищем сессии.
func NewClient(cfg Config, log zerolog.Logger) (*Client, error) {
	if cfg.AppID == 0 || cfg.AppHash == "" {
		return nil, errors.New("mtproto: не заданы TG_API_ID и TG_API_HASH")
	}
	if cfg.SessionPath == "" {
		return nil, errors.New("mtproto: не задан путь к файлу сессии")
	}
	if _, err := os.Stat(cfg.SessionPath); err != nil {
		return nil, fmt.Errorf("mtproto: файл сессии %s: %w", cfg.SessionPath, ErrUnauthorized)
	}
	opts := telegram.Options{
		SessionStorage: &session.FileStorage{Path: cfg.SessionPath},
	}
	if cfg.ProxyURL != "" {
		dial, err := proxyDialer(cfg.ProxyURL)
		if err != nil {
			return nil, err
		}
		opts.Resolver = dcs.Plain(dcs.PlainOptions{Dial: dial})
	}
	return &Client{
		client: telegram.NewClient(cfg.AppID, cfg.AppHash, opts),
		log:    log.With().Str("component", "mtproto").Logger(),
	}, nil
}

// Run открывает сессию, проверяет авторизацию и передаёт fn источник сообщений.
// Источник нельзя использовать после возврата из fn.
func (c *Client) Run(ctx context.Context, fn func(ctx context.Context, src *Source) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client.Run(ctx, func(ctx context.Context) error {
		status, err := c.client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("mtproto: проверка авторизации: %w", err)
		}
		if !status.Authorized {
			return ErrUnauthorized
		}
		c.log.Debug().Msg("mtproto: сессия открыта")
		return fn(ctx, newSource(c.client.API(), c.log))
	})
}

// RunSource — Run с источником в виде domain.MessageSource, подходит как domain.SourceRunner.
func (c *Client) RunSource(ctx context.Context, fn func(ctx context.Context, src domain.MessageSource) error) error {
	return c.Run(ctx, func(ctx context.Context, src *Source) error {
		return fn(ctx, src)
	})
}

func proxyDialer(rawURL string) (dcs.DialFunc, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("mtproto: разбор адреса прокси: %w", err)
	}
	if u.Scheme != "socks5" {
		return nil, fmt.Errorf("mtproto: поддерживается только socks5 прокси, получено %q", u.Scheme)
	}
	var auth *proxy.Auth
	if u.User != nil {
		password, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: password}
	}
	d, err := proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("mtproto: socks5 прокси: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("mtproto: прокси не поддерживает DialContext")
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return cd.DialContext(ctx, network, addr)
	}, nil
}

// ImportSession приводит сессию к формату gotd и атомарно сохраняет её в path.
// Возвращает true, если потребовалась конвертация.
func ImportSession(path string, raw []byte) (bool, error) {
	data, converted, err := NormalizeSessionBytes(raw)
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, fmt.Errorf("mtproto: каталог сессии: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return false, fmt.Errorf("mtproto: запись сессии: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return false, fmt.Errorf("mtproto: запись сессии: %w", err)
	}
	return converted, nil
}
