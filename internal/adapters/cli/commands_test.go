package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-reaction-ranker/internal/adapters/filecache"
	"tg-reaction-ranker/internal/domain"
	"tg-reaction-ranker/internal/usecase/analysis"
	"tg-reaction-ranker/internal/usecase/fetch"
)

var demo = domain.ChannelRef{ID: 42, Username: "demo", Title: "Demo"}

type fakeSource struct {
	messages []domain.RawMessage
	fetches  int
	sent     []string
}

func newFakeSource(n int) *fakeSource {
	base := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	s := &fakeSource{}
	for id := n; id >= 1; id-- {
		s.messages = append(s.messages, domain.RawMessage{
			ID:             id,
			Date:           base.AddDate(0, 0, id),
			Text:           "пост",
			Reactions:      map[string]int{"👍": id % 4, "🔥": id},
			TotalReactions: id%4 + id,
			Views:          50,
		})
	}
	return s
}

func (s *fakeSource) ListChannels(context.Context) ([]domain.ChannelRef, error) {
	return []domain.ChannelRef{demo, {ID: 7, Title: "Альфа"}}, nil
}

func (s *fakeSource) ResolveChannel(_ context.Context, q domain.ChannelQuery) (domain.ChannelRef, error) {
	if q.Username == "demo" || q.ID == demo.ID {
		return demo, nil
	}
	return domain.ChannelRef{}, domain.ErrChannelUnavailable
}

func (s *fakeSource) FetchHistory(_ context.Context, _ domain.ChannelRef, req domain.HistoryRequest) (domain.HistoryPage, error) {
	s.fetches++
	var page domain.HistoryPage
	for _, msg := range s.messages {
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

func (s *fakeSource) DownloadPhoto(context.Context, domain.ChannelRef, int, domain.MediaRef, io.Writer) error {
	return nil
}

func (s *fakeSource) SendReport(_ context.Context, text string) error {
	s.sent = append(s.sent, text)
	return nil
}

func newTestApp(t *testing.T, src *fakeSource) *App {
	t.Helper()
	dir := t.TempDir()
	store, err := filecache.New(filepath.Join(dir, "cache"), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	driver := fetch.NewDriver(fetch.Config{PageSize: 5, MaxAttempts: 2, MaxWait: time.Minute}, zerolog.Nop())
	svc := analysis.NewService(store, driver, []string{"👍"}, zerolog.Nop(), analysis.WithMediaStore(store), analysis.WithSendInterval(0))
	return &App{
		Runner: func() (domain.SourceRunner, error) {
			return func(ctx context.Context, fn func(ctx context.Context, src domain.MessageSource) error) error {
				return fn(ctx, src)
			}, nil
		},
		Analysis:    svc,
		Cache:       store,
		SessionPath: filepath.Join(dir, "session.json"),
		TopN:        3,
		Log:         zerolog.Nop(),
	}
}

func execute(t *testing.T, app *App, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := NewRootCommand(app)
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestChannelsCommand(t *testing.T) {
	app := newTestApp(t, newFakeSource(3))
	out, _, err := execute(t, app, "channels")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "42\t@demo\tDemo") {
		t.Fatalf("неожиданный список каналов: %q", out)
	}

	out, _, err = execute(t, app, "channels", "--cached")
	if err != nil || !strings.Contains(out, "Кэш пуст") {
		t.Fatalf("ожидали пустой кэш: %q, %v", out, err)
	}
}

func TestAnalyzeCommandUsesCacheOnSecondRun(t *testing.T) {
	src := newFakeSource(12)
	app := newTestApp(t, src)

	out, _, err := execute(t, app, "analyze", "@demo")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !strings.Contains(out, "Отчёт по реакциям канала Demo") || !strings.Contains(out, "3 место") || strings.Contains(out, "4 место") {
		t.Fatalf("ожидали отчёт из трёх позиций: %s", out)
	}
	fetches := src.fetches

	out, _, err = execute(t, app, "analyze", "42", "--emoji", "🔥", "--json", "--limit", "2")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if src.fetches != fetches {
		t.Fatal("повторный анализ должен читать историю из кэша")
	}
	var res analysis.Result
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("ожидали JSON: %v", err)
	}
	if !res.FromCache || len(res.Entries) != 2 || res.Entries[0].MessageID != 12 {
		t.Fatalf("неверный результат из кэша: %+v", res)
	}

	out, _, err = execute(t, app, "channels", "--cached")
	if err != nil || strings.TrimSpace(out) != "42" {
		t.Fatalf("ожидали канал 42 в кэше: %q, %v", out, err)
	}
}

func TestAnalyzeCommandOutputAndSend(t *testing.T) {
	src := newFakeSource(5)
	app := newTestApp(t, src)
	path := filepath.Join(t.TempDir(), "report.txt")

	out, _, err := execute(t, app, "analyze", "demo", "--send", "--output", path, "--limit", "2")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !strings.Contains(out, path) {
		t.Fatalf("ожидали сообщение о сохранении отчёта: %q", out)
	}
	data, err := os.ReadFile(path)
	if err != nil || !strings.Contains(string(data), "2 место") {
		t.Fatalf("отчёт не записан: %v", err)
	}
	if len(src.sent) != 3 {
		t.Fatalf("ожидали заголовок и две позиции в «Избранном», получили %d", len(src.sent))
	}
}

func TestAnalyzeCommandValidation(t *testing.T) {
	app := newTestApp(t, newFakeSource(3))
	cases := [][]string{
		{"analyze"},
		{"analyze", "demo", "--sort", "random"},
		{"analyze", "demo", "--from", "2025-02-01", "--to", "2025-01-01"},
		{"analyze", "demo", "--limit", "-1"},
	}
	for _, args := range cases {
		if _, _, err := execute(t, app, args...); err == nil {
			t.Fatalf("ожидали ошибку для %v", args)
		}
	}
	if _, _, err := execute(t, app, "analyze", "@missing_one"); !errors.Is(err, domain.ErrChannelUnavailable) {
		t.Fatalf("ожидали ErrChannelUnavailable, получили %v", err)
	}
}

func TestCacheClearCommand(t *testing.T) {
	app := newTestApp(t, newFakeSource(4))
	if _, _, err := execute(t, app, "analyze", "demo"); err != nil {
		t.Fatal(err)
	}
	out, _, err := execute(t, app, "cache", "clear", "@demo", "--all")
	if err != nil || !strings.Contains(out, "42") {
		t.Fatalf("не удалось очистить кэш: %q, %v", out, err)
	}
	if _, err := app.Analysis.LastResult(42); !errors.Is(err, analysis.ErrNoResult) {
		t.Fatalf("ожидали ErrNoResult после очистки, получили %v", err)
	}
	out, _, _ = execute(t, app, "channels", "--cached")
	if !strings.Contains(out, "Кэш пуст") {
		t.Fatalf("с --all должна удаляться и история: %q", out)
	}
}

func TestSessionImportCommand(t *testing.T) {
	app := newTestApp(t, newFakeSource(1))
	file := filepath.Join(t.TempDir(), "export.json")
	if err := os.WriteFile(file, []byte(`{"Version":1,"Data":{"DC":2}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	out, _, err := execute(t, app, "session", "import", file)
	if err != nil || !strings.Contains(out, app.SessionPath) {
		t.Fatalf("не удалось импортировать сессию: %q, %v", out, err)
	}
	if _, err := os.Stat(app.SessionPath); err != nil {
		t.Fatalf("файл сессии не создан: %v", err)
	}
}
