package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"tg-reaction-ranker/internal/domain"
)

// ErrLocked возвращается, если канал уже анализирует другой процесс.
var ErrLocked = errors.New("канал уже обновляется другим процессом")

const lockPrefix = "reactions:lock:"

// unlockScript снимает блокировку, только если она принадлежит владельцу токена.
const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// extendScript продлевает TTL блокировки владельца токена.
const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

type lockClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisLocker реализует domain.ChannelLocker через SET NX с TTL. Пока блокировка
// удерживается, TTL продлевается каждую треть срока.
type RedisLocker struct {
	client lockClient
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
}

var _ domain.ChannelLocker = (*RedisLocker)(nil)

// NewRedisLocker создаёт блокировщик. ttl ограничивает время жизни блокировки
// упавшего процесса, wait — сколько ждать освобождения канала перед ErrLocked.
func NewRedisLocker(client lockClient, ttl, wait time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl, wait: wait, poll: 500 * time.Millisecond}
}

// Lock захватывает канал. Возвращённая функция снимает блокировку.
func (l *RedisLocker) Lock(ctx context.Context, channelID int64) (func(), error) {
	key := lockPrefix + strconv.FormatInt(channelID, 10)
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock: %w", err)
		}
		if ok {
			return l.hold(key, token), nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrLocked
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}

func (l *RedisLocker) hold(key, token string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				n, err := l.client.Eval(ctx, extendScript, []string{key}, token, l.ttl.Milliseconds()).Int64()
				cancel()
				if err == nil && n == 0 {
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = l.client.Eval(ctx, unlockScript, []string{key}, token).Err()
		})
	}
}
