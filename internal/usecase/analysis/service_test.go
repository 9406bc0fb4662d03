package analysis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-reaction-ranker/internal/adapters/filecache"
	"tg-reaction-ranker/internal/domain"
	"tg-reaction-ranker/internal/usecase/fetch"
)

type fakeSource struct {
	mu        sync.Mutex
	messages  []domain.RawMessage
	calls     int
	failFrom  int
	failErr   error
	downloads int
	sent      []string
}

func newFakeSource(n int) *fakeSource {
	f := &fakeSource{}
	f.setCount(n)
	return f
}

func (f *fakeSource) setCount(n int) {
	base := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	f.messages = nil
	for id := n; id >= 1; id-- {
		f.messages = append(f.messages, domain.RawMessage{
			ID:             id,
			Date:           base.Add(time.Duration(id) * time.Hour),
			Text:           "пост",
			Reactions:      map[string]int{"👍": id % 5, "❤️": id % 3},
			TotalReactions: id%5 + id%3,
			Views:          100,
		})
	}
}

func (f *fakeSource) FetchHistory(_ context.Context, _ domain.ChannelRef, req domain.HistoryRequest) (domain.HistoryPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failFrom > 0 && f.calls >= f.failFrom {
		return domain.HistoryPage{}, f.failErr
	}
	var page domain.HistoryPage
	for _, msg := range f.messages {
		if (req.OffsetID != 0 && msg.ID >= req.OffsetID) || msg.ID <= req.MinID {
			continue
		}
		page.Messages = append(page.Messages, msg)
		if len(page.Messages) == req.Limit {
			break
		}
	}
	return page, nil
}

func (f *fakeSource) DownloadPhoto(_ context.Context, _ domain.ChannelRef, messageID int, _ domain.MediaRef, w io.Writer) error {
	f.downloads++
	_, err := io.WriteString(w, "photo")
	return err
}

func (f *fakeSource) SendReport(_ context.Context, text string) error {
	f.sent = append(f.sent, text)
	return nil
}

// failingSource падает при любом обращении: им проверяется, что кэш не ходит в сеть.
type failingSource struct{ t *testing.T }

func (f failingSource) FetchHistory(context.Context, domain.ChannelRef, domain.HistoryRequest) (domain.HistoryPage, error) {
	f.t.Fatal("источник не должен вызываться при попадании в кэш")
	return domain.HistoryPage{}, nil
}

var testChannel = domain.ChannelRef{ID: 777, Username: "demo", Title: "Демо"}

func newTestService(t *testing.T, opts ...Option) (*Service, *filecache.Store) {
	t.Helper()
	store, err := filecache.New(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	driver := fetch.NewDriver(fetch.Config{PageSize: 10, MaxAttempts: 2, MaxWait: time.Minute}, zerolog.Nop())
	opts = append([]Option{WithMediaStore(store), WithSendInterval(0)}, opts...)
	return NewService(store, driver, []string{"❤️"}, zerolog.Nop(), opts...), store
}

func entryIDs(entries []domain.RankedEntry) []int {
	out := make([]int, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.MessageID)
	}
	return out
}

func TestAnalyzeCachedScenarios(t *testing.T) {
	svc, store := newTestService(t)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	err := store.SaveRaw(domain.RawSnapshot{
		ChannelID: testChannel.ID,
		Channel:   testChannel,
		Messages: []domain.RawMessage{
			{ID: 2, Date: base.Add(time.Hour), Reactions: map[string]int{"❤️": 1, "👍": 10}, TotalReactions: 11},
			{ID: 1, Date: base, Reactions: map[string]int{"❤️": 5, "👍": 2}, TotalReactions: 7},
		},
		LastFetchedMessageID: 2,
		FetchedAt:            base,
		Complete:             true,
	})
	if err != nil {
		t.Fatal(err)
	}
	storedBefore := domain.ResultSnapshot{
		ChannelID:    testChannel.ID,
		Channel:      testChannel,
		TargetEmojis: []string{"❤️"},
		Entries:      []domain.RankedEntry{{MessageID: 1, TargetCount: 5}, {MessageID: 2, TargetCount: 1}},
		ComputedAt:   base,
	}
	if err := store.SaveResult(storedBefore); err != nil {
		t.Fatal(err)
	}
	resultPath := filepath.Join(store.Dir(), "channel_777.json")
	before, err := os.ReadFile(resultPath)
	if err != nil {
		t.Fatal(err)
	}

	res, err := svc.Analyze(context.Background(), failingSource{t}, Request{Channel: testChannel, TargetEmojis: []string{"❤️"}})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !res.FromCache || !reflect.DeepEqual(entryIDs(res.Entries), []int{1, 2}) {
		t.Fatalf("ожидали [1 2] из кэша, получили %v (cache=%v)", entryIDs(res.Entries), res.FromCache)
	}

	res, err = svc.Analyze(context.Background(), failingSource{t}, Request{Channel: testChannel, TargetEmojis: []string{"❤️", "👍"}})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !reflect.DeepEqual(entryIDs(res.Entries), []int{2, 1}) || res.Entries[0].TargetCount != 11 || res.Entries[1].TargetCount != 7 {
		t.Fatalf("ожидали [2 1] с суммами 11 и 7, получили %+v", res.Entries)
	}

	after, err := os.ReadFile(resultPath)
	if err != nil || !bytes.Equal(before, after) {
		t.Fatalf("чтение из кэша не должно перезаписывать рейтинг: %s", after)
	}
	stored, err := svc.LastResult(testChannel.ID)
	if err != nil || !reflect.DeepEqual(stored.TargetEmojis, []string{"❤️"}) {
		t.Fatalf("в кэше должен остаться рейтинг для исходного набора эмодзи: %+v, %v", stored, err)
	}
}

func TestAnalyzeMissFetchesAndPersists(t *testing.T) {
	svc, _ := newTestService(t)
	src := newFakeSource(25)

	res, err := svc.Analyze(context.Background(), src, Request{Channel: testChannel})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if res.FromCache || res.Partial || len(res.Entries) != 25 {
		t.Fatalf("ожидали свежий полный рейтинг из 25 позиций, получили %d", len(res.Entries))
	}
	calls := src.calls

	again, err := svc.Analyze(context.Background(), src, Request{Channel: testChannel})
	if err != nil {
		t.Fatal(err)
	}
	if !again.FromCache || src.calls != calls {
		t.Fatalf("повторный запрос должен обслуживаться из кэша")
	}
	if !reflect.DeepEqual(again.Entries, res.Entries) {
		t.Fatal("рейтинг из кэша должен совпадать со свежим")
	}

	stored, err := svc.LastResult(testChannel.ID)
	if err != nil || stored.ComputedAt.Before(res.FetchedAt) {
		t.Fatalf("ComputedAt не может быть раньше FetchedAt: %+v, %v", stored, err)
	}
}

func TestAnalyzeForceRefreshIncremental(t *testing.T) {
	svc, store := newTestService(t)
	src := newFakeSource(100)
	if _, err := svc.Analyze(context.Background(), src, Request{Channel: testChannel}); err != nil {
		t.Fatal(err)
	}

	src.setCount(105)
	src.calls = 0
	res, err := svc.Analyze(context.Background(), src, Request{Channel: testChannel, ForceRefresh: true})
	if err != nil {
		t.Fatal(err)
	}
	if src.calls != 1 || res.FromCache || len(res.Entries) != 105 {
		t.Fatalf("ожидали один запрос и 105 позиций, получили calls=%d, %d", src.calls, len(res.Entries))
	}
	raw, err := store.LoadRaw(testChannel.ID)
	if err != nil || raw.LastFetchedMessageID != 105 || len(raw.Messages) != 105 {
		t.Fatalf("в кэше ожидали 105 сообщений: %+v, %v", raw, err)
	}
}

func TestAnalyzeThrottledKeepsPartial(t *testing.T) {
	svc, _ := newTestService(t)
	src := newFakeSource(50)
	src.failFrom = 4
	src.failErr = &domain.ThrottledError{Wait: time.Hour}

	res, err := svc.Analyze(context.Background(), src, Request{Channel: testChannel})
	if !errors.Is(err, domain.ErrFetchInterrupted) {
		t.Fatalf("ожидали ErrFetchInterrupted, получили %v", err)
	}
	if !res.Partial || len(res.Entries) != 30 {
		t.Fatalf("ожидали частичный рейтинг из 30 позиций, получили %d", len(res.Entries))
	}

	cached, err := svc.Analyze(context.Background(), failingSource{t}, Request{Channel: testChannel})
	if err != nil {
		t.Fatalf("чтение из кэша не должно падать: %v", err)
	}
	if !cached.FromCache || !cached.Partial || len(cached.Entries) != 30 {
		t.Fatalf("ожидали частичные 30 позиций из кэша, получили %d", len(cached.Entries))
	}
}

func TestAnalyzeNetworkFailureKeepsPartial(t *testing.T) {
	svc, store := newTestService(t)
	src := newFakeSource(50)
	src.failFrom = 4
	src.failErr = fmt.Errorf("mtproto: история канала 777: %w", io.ErrUnexpectedEOF)

	res, err := svc.Analyze(context.Background(), src, Request{Channel: testChannel})
	if !errors.Is(err, domain.ErrFetchInterrupted) {
		t.Fatalf("обрыв соединения должен прерывать выгрузку, получили %v", err)
	}
	if !res.Partial || len(res.Entries) != 30 {
		t.Fatalf("ожидали частичный рейтинг из 30 позиций, получили %d", len(res.Entries))
	}
	raw, err := store.LoadRaw(testChannel.ID)
	if err != nil || raw == nil || len(raw.Messages) != 30 || raw.Complete {
		t.Fatalf("выгруженные сообщения должны сохраниться в кэше: %+v, %v", raw, err)
	}
}

// blockingSource ждёт отмены контекста на первом же запросе.
type blockingSource struct {
	once    sync.Once
	started chan struct{}
}

func (b *blockingSource) FetchHistory(ctx context.Context, _ domain.ChannelRef, _ domain.HistoryRequest) (domain.HistoryPage, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return domain.HistoryPage{}, ctx.Err()
}

func TestAnalyzeSharedFetchSurvivesCancelledCaller(t *testing.T) {
	svc, _ := newTestService(t)
	blocking := &blockingSource{started: make(chan struct{})}

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := svc.Analyze(leaderCtx, blocking, Request{Channel: testChannel, ForceRefresh: true})
		leaderErr <- err
	}()
	<-blocking.started

	type result struct {
		res Result
		err error
	}
	followerDone := make(chan result, 1)
	go func() {
		res, err := svc.Analyze(context.Background(), newFakeSource(25), Request{Channel: testChannel, ForceRefresh: true})
		followerDone <- result{res, err}
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	if err := <-leaderErr; !errors.Is(err, domain.ErrFetchInterrupted) {
		t.Fatalf("отменённый запрос должен получить прерывание, получили %v", err)
	}
	got := <-followerDone
	if got.err != nil {
		t.Fatalf("чужая отмена не должна прерывать выгрузку: %v", got.err)
	}
	if got.res.Partial || len(got.res.Entries) != 25 {
		t.Fatalf("ожидали полный рейтинг из 25 позиций, получили %d (partial=%v)", len(got.res.Entries), got.res.Partial)
	}
}

func TestAnalyzeChannelUnavailable(t *testing.T) {
	svc, store := newTestService(t)
	src := newFakeSource(5)
	src.failFrom = 1
	src.failErr = domain.ErrChannelUnavailable

	if _, err := svc.Analyze(context.Background(), src, Request{Channel: testChannel}); !errors.Is(err, domain.ErrChannelUnavailable) {
		t.Fatalf("ожидали ErrChannelUnavailable, получили %v", err)
	}
	if raw, _ := store.LoadRaw(testChannel.ID); raw != nil {
		t.Fatal("для недоступного канала ничего не должно сохраняться")
	}
}

func TestAnalyzeCorruptCacheIsMiss(t *testing.T) {
	svc, store := newTestService(t)
	path := filepath.Join(store.Dir(), "channel_777_raw.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	src := newFakeSource(3)
	res, err := svc.Analyze(context.Background(), src, Request{Channel: testChannel})
	if err != nil || res.FromCache || len(res.Entries) != 3 {
		t.Fatalf("повреждённый кэш должен считаться промахом: %v", err)
	}
}

func TestAnalyzeFiltersSortAndLimit(t *testing.T) {
	svc, _ := newTestService(t)
	src := newFakeSource(10)

	res, err := svc.Analyze(context.Background(), src, Request{Channel: testChannel, Keyword: "нет такого"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Entries == nil || len(res.Entries) != 0 {
		t.Fatalf("ожидали пустой рейтинг, получили %v", res.Entries)
	}

	res, err = svc.Analyze(context.Background(), src, Request{Channel: testChannel, Limit: 3, Sort: SortHotness})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entries) != 3 || res.Stats.Messages != 10 {
		t.Fatalf("ожидали 3 позиции и сводку по 10 сообщениям, получили %d и %+v", len(res.Entries), res.Stats)
	}
}

func TestAnalyzeValidation(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Analyze(context.Background(), nil, Request{}); !errors.Is(err, ErrNoChannel) {
		t.Fatalf("ожидали ErrNoChannel, получили %v", err)
	}
	empty := NewService(nil, nil, nil, zerolog.Nop())
	if _, err := empty.Analyze(context.Background(), nil, Request{Channel: testChannel}); !errors.Is(err, ErrNoTargets) {
		t.Fatalf("ожидали ErrNoTargets, получили %v", err)
	}
}

type recordingLocker struct{ locked, unlocked int }

func (l *recordingLocker) Lock(context.Context, int64) (func(), error) {
	l.locked++
	return func() { l.unlocked++ }, nil
}

func TestAnalyzeLocksChannelDuringFetch(t *testing.T) {
	locker := &recordingLocker{}
	svc, _ := newTestService(t, WithLocker(locker))
	src := newFakeSource(3)
	if _, err := svc.Analyze(context.Background(), src, Request{Channel: testChannel}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Analyze(context.Background(), src, Request{Channel: testChannel}); err != nil {
		t.Fatal(err)
	}
	if locker.locked != 1 || locker.unlocked != 1 {
		t.Fatalf("блокировка нужна только для выгрузки: locked=%d unlocked=%d", locker.locked, locker.unlocked)
	}
}

func TestFetchMediaAndSendReport(t *testing.T) {
	svc, _ := newTestService(t)
	src := newFakeSource(0)
	src.messages = []domain.RawMessage{
		{ID: 2, Reactions: map[string]int{"❤️": 3}, Media: &domain.MediaRef{Kind: domain.MediaKindPhoto, ID: 1}},
		{ID: 1, Reactions: map[string]int{"❤️": 1}},
	}
	res, err := svc.Analyze(context.Background(), src, Request{Channel: testChannel})
	if err != nil {
		t.Fatal(err)
	}

	entries, err := svc.FetchMedia(context.Background(), src, testChannel, res.Entries, 5)
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].ImagePath == "" || entries[1].ImagePath != "" || src.downloads != 1 {
		t.Fatalf("ожидали одно скачанное фото: %+v", entries)
	}
	if _, err := svc.FetchMedia(context.Background(), src, testChannel, res.Entries, 5); err != nil || src.downloads != 1 {
		t.Fatalf("фото из индекса не должно скачиваться повторно")
	}

	again, err := svc.Analyze(context.Background(), src, Request{Channel: testChannel})
	if err != nil || again.Entries[0].ImagePath == "" {
		t.Fatalf("рейтинг из кэша должен содержать путь к фото")
	}

	if err := svc.SendReport(context.Background(), src, res); err != nil {
		t.Fatal(err)
	}
	if len(src.sent) != 3 {
		t.Fatalf("ожидали заголовок и две позиции, отправлено %d", len(src.sent))
	}
}

func TestClearCache(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Analyze(context.Background(), newFakeSource(3), Request{Channel: testChannel}); err != nil {
		t.Fatal(err)
	}
	if err := svc.ClearCache(testChannel.ID, true); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.LastResult(testChannel.ID); !errors.Is(err, ErrNoResult) {
		t.Fatalf("ожидали ErrNoResult, получили %v", err)
	}
}

func TestParseDateRange(t *testing.T) {
	r, err := ParseDateRange("2025-01-01", "2025-01-31")
	if err != nil {
		t.Fatal(err)
	}
	if !r.Contains(time.Date(2025, 1, 31, 23, 59, 0, 0, time.UTC)) || r.Contains(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatal("верхняя граница должна включать весь день")
	}
	if r, err := ParseDateRange("", ""); r != nil || err != nil {
		t.Fatal("пустые границы не ограничивают период")
	}
	if _, err := ParseDateRange("2025-02-01", "2025-01-01"); err == nil {
		t.Fatal("ожидали ошибку для перевёрнутого периода")
	}
	if _, err := ParseDateRange("вчера", ""); err == nil {
		t.Fatal("ожидали ошибку разбора")
	}
}
