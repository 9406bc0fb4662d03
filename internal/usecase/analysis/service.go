package analysis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"tg-reaction-ranker/internal/domain"
	"tg-reaction-ranker/internal/infra/metrics"
	"tg-reaction-ranker/internal/usecase/aggregate"
	"tg-reaction-ranker/internal/usecase/fetch"
	"tg-reaction-ranker/internal/usecase/report"
)

var (
	// ErrNoTargets возвращается, если не задано ни одного целевого эмодзи.
	ErrNoTargets = errors.New("не заданы целевые эмодзи")
	// ErrNoChannel возвращается для запроса без ID канала.
	ErrNoChannel = errors.New("не указан канал")
	// ErrNoResult возвращается, если для канала ещё нет сохранённого рейтинга.
	ErrNoResult = errors.New("рейтинг канала ещё не рассчитан")
)

// SortMode задаёт порядок позиций рейтинга.
type SortMode string

const (
	SortReactions SortMode = "reactions"
	SortHotness   SortMode = "hotness"
)

// ParseSortMode разбирает режим сортировки; пустая строка — по реакциям.
func ParseSortMode(s string) (SortMode, error) {
	switch SortMode(s) {
	case "", SortReactions:
		return SortReactions, nil
	case SortHotness:
		return SortHotness, nil
	default:
		return "", fmt.Errorf("неизвестный режим сортировки %q", s)
	}
}

// Request описывает один запрос анализа.
type Request struct {
	Channel      domain.ChannelRef
	TargetEmojis []string
	Keyword      string
	DateRange    *domain.DateRange
	ForceRefresh bool
	Sort         SortMode
	Limit        int
}

// Result — рейтинг, готовый для показа.
type Result struct {
	Channel      domain.ChannelRef    `json:"channel"`
	TargetEmojis []string             `json:"target_emojis"`
	Entries      []domain.RankedEntry `json:"entries"`
	FromCache    bool                 `json:"from_cache"`
	Partial      bool                 `json:"partial"`
	FetchedAt    time.Time            `json:"fetched_at"`
	ComputedAt   time.Time            `json:"computed_at"`
	Stats        aggregate.Stats      `json:"stats"`
}

// Service связывает кэш, выгрузку и агрегацию.
type Service struct {
	store   domain.CacheStore
	media   domain.MediaStore
	driver  *fetch.Driver
	locker  domain.ChannelLocker
	targets []string
	sends   *rate.Limiter
	group   singleflight.Group
	now     func() time.Time
	log     zerolog.Logger
}

// Option настраивает Service.
type Option func(*Service)

// WithLocker включает межпроцессную блокировку канала на время выгрузки.
func WithLocker(l domain.ChannelLocker) Option {
	return func(s *Service) { s.locker = l }
}

// WithMediaStore подключает индекс скачанных фото.
func WithMediaStore(m domain.MediaStore) Option {
	return func(s *Service) { s.media = m }
}

// WithSendInterval задаёт паузу между сообщениями отчёта.
func WithSendInterval(d time.Duration) Option {
	return func(s *Service) {
		if d <= 0 {
			s.sends = rate.NewLimiter(rate.Inf, 1)
			return
		}
		s.sends = rate.NewLimiter(rate.Every(d), 1)
	}
}

// NewService создаёт оркестратор анализа. targets — эмодзи по умолчанию.
func NewService(store domain.CacheStore, driver *fetch.Driver, targets []string, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:   store,
		driver:  driver,
		targets: append([]string(nil), targets...),
		sends:   rate.NewLimiter(rate.Every(time.Second), 1),
		now:     time.Now,
		log:     log.With().Str("component", "analysis").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultTargets возвращает эмодзи по умолчанию.
func (s *Service) DefaultTargets() []string {
	return append([]string(nil), s.targets...)
}

type outcome struct {
	raw       domain.RawSnapshot
	fromCache bool
	err       error
	// cancelled — контекст запроса, выполнявшего выгрузку, был отменён.
	cancelled bool
}

// Analyze возвращает рейтинг канала. При попадании в кэш источник не опрашивается
// и кэш не изменяется, при ForceRefresh или промахе история догружается и сохраняется.
//
// Прерванная выгрузка возвращает частичный Result вместе с *domain.FetchInterruptedError.
func (s *Service) Analyze(ctx context.Context, src domain.HistorySource, req Request) (Result, error) {
	if req.Channel.ID == 0 {
		return Result{}, ErrNoChannel
	}
	targets := req.TargetEmojis
	if len(targets) == 0 {
		targets = s.targets
	}
	if len(targets) == 0 {
		return Result{}, ErrNoTargets
	}
	start := time.Now()
	metrics.IncAnalysisForChannel(req.Channel.ID)

	var out outcome
	if !req.ForceRefresh {
		existing, err := s.loadRaw(req.Channel.ID)
		if err != nil {
			return Result{}, err
		}
		if existing != nil {
			s.log.Info().Int64("channel", req.Channel.ID).Int("messages", len(existing.Messages)).Msg("analysis: используем кэш")
			out = outcome{raw: *existing, fromCache: true}
		}
	}
	if !out.fromCache {
		var err error
		out, err = s.fetchShared(ctx, src, req.Channel, targets)
		if err != nil {
			return Result{}, err
		}
	}

	mode := "fetch"
	if out.fromCache {
		mode = "cache"
	}
	metrics.ObserveAnalysis(mode, start)

	res := s.rank(out.raw, targets, req)
	res.FromCache = out.fromCache
	return res, out.err
}

// fetchShared объединяет параллельные выгрузки одного канала. Если выгрузку
// прервала отмена чужого запроса, а свой контекст жив, выгрузка продолжается
// с сохранённого места уже своим источником.
func (s *Service) fetchShared(ctx context.Context, src domain.HistorySource, channel domain.ChannelRef, targets []string) (outcome, error) {
	key := strconv.FormatInt(channel.ID, 10)
	for {
		v, err, shared := s.group.Do(key, func() (any, error) {
			out, err := s.fetch(ctx, src, channel, targets)
			out.cancelled = ctx.Err() != nil
			return out, err
		})
		out, _ := v.(outcome)
		if shared && out.cancelled && ctx.Err() == nil {
			s.log.Info().Int64("channel", channel.ID).Msg("analysis: параллельный запрос отменён, продолжаем выгрузку")
			continue
		}
		if err != nil {
			return outcome{}, err
		}
		if shared {
			s.log.Debug().Int64("channel", channel.ID).Msg("analysis: результат выгрузки разделён с параллельным запросом")
		}
		return out, nil
	}
}

func (s *Service) fetch(ctx context.Context, src domain.HistorySource, channel domain.ChannelRef, targets []string) (outcome, error) {
	if src == nil {
		return outcome{}, fmt.Errorf("нет источника для выгрузки канала %d", channel.ID)
	}
	if s.locker != nil {
		unlock, err := s.locker.Lock(ctx, channel.ID)
		if err != nil {
			return outcome{}, fmt.Errorf("блокировка канала %d: %w", channel.ID, err)
		}
		defer unlock()
	}
	existing, err := s.loadRaw(channel.ID)
	if err != nil {
		return outcome{}, err
	}

	snap, fetchErr := s.driver.Fetch(ctx, src, channel, existing)
	if fetchErr != nil && !errors.Is(fetchErr, domain.ErrFetchInterrupted) {
		return outcome{}, fetchErr
	}
	if existing != nil && channel.Title == "" {
		snap.Channel = existing.Channel
	}
	if err := s.store.SaveRaw(snap); err != nil {
		return outcome{}, fmt.Errorf("сохранение истории: %w", err)
	}
	if err := s.saveResult(snap, targets); err != nil {
		return outcome{}, err
	}
	return outcome{raw: snap, err: fetchErr}, nil
}

func (s *Service) loadRaw(channelID int64) (*domain.RawSnapshot, error) {
	raw, err := s.store.LoadRaw(channelID)
	if errors.Is(err, domain.ErrCacheCorrupt) {
		s.log.Warn().Err(err).Int64("channel", channelID).Msg("analysis: кэш повреждён, выгружаем заново")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("чтение кэша: %w", err)
	}
	return raw, nil
}

func (s *Service) saveResult(raw domain.RawSnapshot, targets []string) error {
	computed := s.now().UTC()
	if computed.Before(raw.FetchedAt) {
		computed = raw.FetchedAt
	}
	snap := domain.ResultSnapshot{
		Version:      domain.SnapshotVersion,
		ChannelID:    raw.ChannelID,
		Channel:      raw.Channel,
		TargetEmojis: append([]string(nil), targets...),
		Entries:      aggregate.Aggregate(raw, targets),
		ComputedAt:   computed,
		Partial:      !raw.Complete,
	}
	if err := s.store.SaveResult(snap); err != nil {
		return fmt.Errorf("сохранение рейтинга: %w", err)
	}
	return nil
}

func (s *Service) rank(raw domain.RawSnapshot, targets []string, req Request) Result {
	filter := aggregate.Filter{Keyword: req.Keyword, Range: req.DateRange}
	entries := aggregate.Aggregate(filter.Apply(raw), targets)
	if req.Sort == SortHotness {
		aggregate.SortByHotness(entries)
	}
	stats := aggregate.Summarize(entries)
	if req.Limit > 0 && len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}
	s.attachImages(raw.ChannelID, entries)

	channel := raw.Channel
	if channel.ID == 0 {
		channel = req.Channel
	}
	return Result{
		Channel:      channel,
		TargetEmojis: append([]string(nil), targets...),
		Entries:      entries,
		Partial:      !raw.Complete,
		FetchedAt:    raw.FetchedAt,
		ComputedAt:   s.now().UTC(),
		Stats:        stats,
	}
}

func (s *Service) attachImages(channelID int64, entries []domain.RankedEntry) {
	if s.media == nil {
		return
	}
	for i := range entries {
		if !entries[i].Media.IsPhoto() {
			continue
		}
		if p, ok := s.media.MediaPath(channelID, entries[i].MessageID); ok {
			entries[i].ImagePath = p
		}
	}
}

// LastResult возвращает сохранённый рейтинг канала.
func (s *Service) LastResult(channelID int64) (*domain.ResultSnapshot, error) {
	res, err := s.store.LoadResult(channelID)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, ErrNoResult
	}
	return res, nil
}

// FetchMedia скачивает фото первых limit позиций в индекс медиа и проставляет ImagePath.
// Ошибка отдельного фото не прерывает остальные.
func (s *Service) FetchMedia(ctx context.Context, src domain.MediaSource, channel domain.ChannelRef, entries []domain.RankedEntry, limit int) ([]domain.RankedEntry, error) {
	out := append([]domain.RankedEntry(nil), entries...)
	if s.media == nil || src == nil {
		return out, nil
	}
	if limit <= 0 || limit > len(out) {
		limit = len(out)
	}
	for i := 0; i < limit; i++ {
		e := &out[i]
		if !e.Media.IsPhoto() {
			continue
		}
		if p, ok := s.media.MediaPath(channel.ID, e.MessageID); ok {
			e.ImagePath = p
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		var buf bytes.Buffer
		start := time.Now()
		err := src.DownloadPhoto(ctx, channel, e.MessageID, *e.Media, &buf)
		metrics.ObserveNetworkRequest("mtproto", "download_photo", strconv.FormatInt(channel.ID, 10), start, err)
		if err != nil {
			s.log.Warn().Err(err).Int64("channel", channel.ID).Int("message", e.MessageID).Msg("analysis: не удалось скачать фото")
			continue
		}
		p, err := s.media.SaveMedia(channel.ID, e.MessageID, &buf)
		if err != nil {
			return out, fmt.Errorf("сохранение фото: %w", err)
		}
		e.ImagePath = p
	}
	return out, nil
}

// SendReport отправляет заголовок и позиции рейтинга отдельными сообщениями.
func (s *Service) SendReport(ctx context.Context, sender domain.ReportSender, res Result) error {
	messages := make([]string, 0, len(res.Entries)+1)
	messages = append(messages, report.Text(res.Channel, res.TargetEmojis, nil, res.Stats, res.ComputedAt))
	for i, e := range res.Entries {
		messages = append(messages, report.PlainEntry(i+1, e))
	}
	for i, text := range messages {
		if err := s.sends.Wait(ctx); err != nil {
			return err
		}
		if err := sender.SendReport(ctx, text); err != nil {
			return fmt.Errorf("отправка сообщения %d из %d: %w", i+1, len(messages), err)
		}
	}
	s.log.Info().Int64("channel", res.Channel.ID).Int("messages", len(messages)).Msg("analysis: отчёт отправлен")
	return nil
}

// ClearCache удаляет рейтинг канала, а при all — и сырую историю.
func (s *Service) ClearCache(channelID int64, all bool) error {
	if channelID == 0 {
		return ErrNoChannel
	}
	return s.store.Clear(channelID, all)
}
