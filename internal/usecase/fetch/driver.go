package fetch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tg-reaction-ranker/internal/domain"
	"tg-reaction-ranker/internal/infra/metrics"
)

// errStopped помечает причины, после которых выгрузка считается прерванной.
var errStopped = errors.New("выгрузка остановлена")

// Config задаёт темп и политику повторов.
type Config struct {
	PageSize       int
	RPS            float64
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxWait        time.Duration
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 || c.PageSize > 100 {
		c.PageSize = 100
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 2 * time.Second
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 5 * time.Minute
	}
	return c
}

// Driver последовательно выгружает историю канала с учётом лимитов источника.
type Driver struct {
	cfg     Config
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
	log     zerolog.Logger
}

// NewDriver создаёт драйвер пагинации. RPS <= 0 отключает паузы между страницами.
func NewDriver(cfg Config, log zerolog.Logger) *Driver {
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	return &Driver{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		sleep:   sleepContext,
		now:     time.Now,
		log:     log,
	}
}

// Fetch строит новый сырой снимок канала. Без existing выгружается вся история,
// иначе — только сообщения новее existing.LastFetchedMessageID и, если прошлый снимок
// неполон, продолжается выгрузка от самого старого сохранённого сообщения.
//
// При ошибке снимок всё равно возвращается со всем, что удалось получить.
// Остановка из-за лимитов, отмены или сетевых сбоев возвращается как
// *domain.FetchInterruptedError.
func (d *Driver) Fetch(ctx context.Context, src domain.HistorySource, channel domain.ChannelRef, existing *domain.RawSnapshot) (domain.RawSnapshot, error) {
	m := newMerger(existing)
	var (
		lastFetched int
		complete    bool
		err         error
	)
	if existing == nil {
		d.log.Info().Int64("channel", channel.ID).Msg("fetch: полная выгрузка истории")
		complete, err = d.walk(ctx, src, channel, domain.HistoryRequest{}, m)
		lastFetched = m.maxID()
	} else {
		lastFetched = existing.LastFetchedMessageID
		complete = existing.Complete
		d.log.Info().Int64("channel", channel.ID).Int("after", lastFetched).Bool("complete", complete).Msg("fetch: инкрементальная выгрузка")
		var newerComplete bool
		newerComplete, err = d.walk(ctx, src, channel, domain.HistoryRequest{MinID: existing.LastFetchedMessageID}, m)
		if err == nil {
			if id := m.maxID(); id > lastFetched {
				lastFetched = id
			}
			switch {
			case existing.Complete:
			case existing.OldestMessageID() == 0 && existing.LastFetchedMessageID == 0:
				// Пустой снимок: проход с MinID=0 уже прошёл всю историю.
				complete = newerComplete
			default:
				complete, err = d.walk(ctx, src, channel, domain.HistoryRequest{OffsetID: existing.OldestMessageID()}, m)
			}
		}
	}

	snapshot := domain.RawSnapshot{
		Version:              domain.SnapshotVersion,
		ChannelID:            channel.ID,
		Channel:              channel,
		Messages:             m.sorted(),
		LastFetchedMessageID: lastFetched,
		FetchedAt:            d.now().UTC(),
		Complete:             complete && err == nil,
	}
	if err != nil {
		return snapshot, d.classify(channel, m.fetched, err)
	}
	d.log.Info().Int64("channel", channel.ID).Int("fetched", m.fetched).Int("total", len(snapshot.Messages)).Msg("fetch: выгрузка завершена")
	return snapshot, nil
}

// classify решает, считать ли ошибку прерыванием. После первой полученной страницы
// любой сбой, кроме недоступности канала, прерывает выгрузку с сохранением данных.
func (d *Driver) classify(channel domain.ChannelRef, fetched int, err error) error {
	if errors.Is(err, domain.ErrChannelUnavailable) {
		return err
	}
	stopped := errors.Is(err, errStopped) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	if stopped || fetched > 0 {
		metrics.FetchInterrupted.Inc()
		d.log.Warn().Err(err).Int64("channel", channel.ID).Int("fetched", fetched).Msg("fetch: выгрузка прервана, сохраняем частичные данные")
		return &domain.FetchInterruptedError{ChannelID: channel.ID, Fetched: fetched, Cause: err}
	}
	return err
}

// walk листает историю от start.OffsetID вниз до исчерпания или до start.MinID.
// Возвращает true, если достигнут конец истории.
func (d *Driver) walk(ctx context.Context, src domain.HistorySource, channel domain.ChannelRef, start domain.HistoryRequest, m *merger) (bool, error) {
	req := start
	req.Limit = d.cfg.PageSize
	for {
		page, err := d.fetchPage(ctx, src, channel, req)
		if err != nil {
			return false, err
		}
		if len(page.Messages) == 0 {
			return true, nil
		}
		m.add(page.Messages)
		oldest := page.Messages[0].ID
		for _, msg := range page.Messages {
			if msg.ID < oldest {
				oldest = msg.ID
			}
		}
		if page.Exhausted || oldest <= 1 {
			return true, nil
		}
		if req.MinID > 0 && oldest <= req.MinID+1 {
			return true, nil
		}
		if req.OffsetID != 0 && oldest >= req.OffsetID {
			d.log.Warn().Int64("channel", channel.ID).Int("offset", req.OffsetID).Msg("fetch: источник вернул страницу без продвижения")
			return true, nil
		}
		req.OffsetID = oldest
	}
}

func (d *Driver) fetchPage(ctx context.Context, src domain.HistorySource, channel domain.ChannelRef, req domain.HistoryRequest) (domain.HistoryPage, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.InitialBackoff
	bo.MaxInterval = d.cfg.MaxWait
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0
	bo.Reset()

	target := strconv.FormatInt(channel.ID, 10)
	for attempt := 1; ; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return domain.HistoryPage{}, fmt.Errorf("%w: ожидание лимита: %w", errStopped, err)
		}
		start := time.Now()
		page, err := src.FetchHistory(ctx, channel, req)
		metrics.ObserveNetworkRequest("mtproto", "get_history", target, start, err)
		if err == nil {
			metrics.FetchPages.Inc()
			return page, nil
		}
		if ctx.Err() != nil {
			return domain.HistoryPage{}, ctx.Err()
		}
		if !domain.IsRetryable(err) {
			return domain.HistoryPage{}, err
		}

		wait := bo.NextBackOff()
		reason := "transient"
		var throttled *domain.ThrottledError
		if errors.As(err, &throttled) {
			reason = "throttled"
			if throttled.Wait > wait {
				wait = throttled.Wait
			}
		}
		metrics.FetchRetries.WithLabelValues(reason).Inc()
		if attempt >= d.cfg.MaxAttempts {
			return domain.HistoryPage{}, fmt.Errorf("%w: исчерпаны попытки (%d): %w", errStopped, attempt, err)
		}
		if wait > d.cfg.MaxWait {
			return domain.HistoryPage{}, fmt.Errorf("%w: ожидание %s больше допустимого %s: %w", errStopped, wait, d.cfg.MaxWait, err)
		}
		d.log.Warn().Err(err).Int64("channel", channel.ID).Int("attempt", attempt).Dur("wait", wait).Msg("fetch: повтор запроса истории")
		if err := d.sleep(ctx, wait); err != nil {
			return domain.HistoryPage{}, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// merger объединяет сообщения по ID; более поздняя выгрузка перезаписывает старую.
type merger struct {
	byID    map[int]domain.RawMessage
	fetched int
}

func newMerger(existing *domain.RawSnapshot) *merger {
	m := &merger{byID: make(map[int]domain.RawMessage)}
	if existing != nil {
		for _, msg := range existing.Messages {
			m.byID[msg.ID] = msg
		}
	}
	return m
}

func (m *merger) add(msgs []domain.RawMessage) {
	for _, msg := range msgs {
		m.byID[msg.ID] = msg
	}
	m.fetched += len(msgs)
}

func (m *merger) maxID() int {
	top := 0
	for id := range m.byID {
		if id > top {
			top = id
		}
	}
	return top
}

func (m *merger) sorted() []domain.RawMessage {
	out := make([]domain.RawMessage, 0, len(m.byID))
	for _, msg := range m.byID {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}
