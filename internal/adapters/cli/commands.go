package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"tg-reaction-ranker/internal/adapters/mtproto"
	"tg-reaction-ranker/internal/domain"
	"tg-reaction-ranker/internal/usecase/analysis"
	"tg-reaction-ranker/internal/usecase/channels"
	"tg-reaction-ranker/internal/usecase/report"
)

func newChannelsCommand(app *App) *cobra.Command {
	var cached bool
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Каналы, на которые подписан аккаунт",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if cached {
				return printCached(out, app.Cache)
			}
			run, err := app.runner()
			if err != nil {
				return err
			}
			var list []domain.ChannelRef
			err = run(cmd.Context(), func(ctx context.Context, src domain.MessageSource) error {
				var listErr error
				list, listErr = channels.List(ctx, src)
				return listErr
			})
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(out, "Аккаунт не подписан ни на один канал.")
				return nil
			}
			for _, ch := range list {
				alias := "-"
				if ch.Username != "" {
					alias = "@" + ch.Username
				}
				fmt.Fprintf(out, "%d\t%s\t%s\n", ch.ID, alias, ch.DisplayName())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&cached, "cached", false, "показать только каналы с локальным кэшем")
	return cmd
}

func printCached(out io.Writer, store CachedChannels) error {
	if store == nil {
		return errors.New("кэш не настроен")
	}
	ids, err := store.Channels()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintln(out, "Кэш пуст.")
		return nil
	}
	for _, id := range ids {
		fmt.Fprintln(out, id)
	}
	return nil
}

type analyzeOptions struct {
	emojis  []string
	keyword string
	from    string
	to      string
	sort    string
	output  string
	limit   int
	refresh bool
	send    bool
	media   bool
	asJSON  bool
}

func newAnalyzeCommand(app *App) *cobra.Command {
	opts := analyzeOptions{}
	cmd := &cobra.Command{
		Use:   "analyze [канал]",
		Short: "Рейтинг сообщений канала по реакциям",
		Long: `Строит рейтинг сообщений канала по целевым эмодзи.

Канал задаётся как @username, ссылка t.me или числовой ID. Без аргумента
используется DEFAULT_CHANNEL. Повторный запуск берёт историю из кэша,
--refresh догружает только новые сообщения.

Примеры:
  reactions analyze @durov --emoji 👍,🔥
  reactions analyze https://t.me/golang_news --keyword релиз --from 2025-01-01
  reactions analyze 1234567890 --refresh --send`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := app.DefaultChannel
			if len(args) == 1 {
				input = args[0]
			}
			if strings.TrimSpace(input) == "" {
				return errors.New("укажите канал аргументом или через DEFAULT_CHANNEL")
			}
			return runAnalyze(cmd, app, input, opts)
		},
	}
	f := cmd.Flags()
	f.StringSliceVarP(&opts.emojis, "emoji", "e", nil, "целевые эмодзи через запятую (по умолчанию TARGET_EMOJIS)")
	f.StringVarP(&opts.keyword, "keyword", "k", "", "учитывать только сообщения с этим словом")
	f.StringVar(&opts.from, "from", app.DefaultFrom, "начало периода, 2006-01-02 или RFC3339")
	f.StringVar(&opts.to, "to", app.DefaultTo, "конец периода включительно")
	f.StringVar(&opts.sort, "sort", string(analysis.SortReactions), "сортировка: reactions или hotness")
	f.IntVarP(&opts.limit, "limit", "n", app.TopN, "сколько позиций вывести, 0 — все")
	f.BoolVar(&opts.refresh, "refresh", false, "догрузить новые сообщения, даже если есть кэш")
	f.BoolVar(&opts.send, "send", false, "отправить отчёт в «Избранное»")
	f.BoolVar(&opts.media, "media", false, "скачать фото позиций рейтинга в кэш")
	f.BoolVar(&opts.asJSON, "json", false, "вывести результат в JSON")
	f.StringVarP(&opts.output, "output", "o", "-", "файл для отчёта, - — stdout")
	return cmd
}

func runAnalyze(cmd *cobra.Command, app *App, input string, opts analyzeOptions) error {
	if opts.limit < 0 {
		return errors.New("--limit не может быть отрицательным")
	}
	dateRange, err := analysis.ParseDateRange(opts.from, opts.to)
	if err != nil {
		return err
	}
	sortMode, err := analysis.ParseSortMode(opts.sort)
	if err != nil {
		return err
	}
	req := analysis.Request{
		TargetEmojis: channels.NormalizeEmojis(opts.emojis...),
		Keyword:      strings.TrimSpace(opts.keyword),
		DateRange:    dateRange,
		ForceRefresh: opts.refresh,
		Sort:         sortMode,
		Limit:        opts.limit,
	}

	run, err := app.runner()
	if err != nil {
		return err
	}
	var (
		res         analysis.Result
		interrupted error
	)
	err = run(cmd.Context(), func(ctx context.Context, src domain.MessageSource) error {
		channel, err := channels.Resolve(ctx, src, input)
		if err != nil {
			return err
		}
		req.Channel = channel
		res, err = app.Analysis.Analyze(ctx, src, req)
		if err != nil {
			if !errors.Is(err, domain.ErrFetchInterrupted) {
				return err
			}
			interrupted = err
		}
		if opts.media {
			res.Entries, err = app.Analysis.FetchMedia(ctx, src, channel, res.Entries, opts.limit)
			if err != nil {
				return err
			}
		}
		if opts.send {
			return app.Analysis.SendReport(ctx, src, res)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if interrupted != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Внимание: %v. Рейтинг построен по выгруженной части, повторите с --refresh.\n", interrupted)
	}
	app.Log.Info().Int64("channel", res.Channel.ID).Int("entries", len(res.Entries)).Bool("from_cache", res.FromCache).Msg("cli: анализ завершён")
	return writeResult(cmd.OutOrStdout(), opts, res)
}

func writeResult(stdout io.Writer, opts analyzeOptions, res analysis.Result) error {
	var body []byte
	if opts.asJSON {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		body = append(data, '\n')
	} else {
		text := report.Text(res.Channel, res.TargetEmojis, res.Entries, res.Stats, res.ComputedAt)
		if len(res.Entries) == 0 {
			text += "\nПодходящих сообщений не нашлось."
		}
		body = []byte(text + "\n")
	}
	if opts.output == "" || opts.output == "-" {
		_, err := stdout.Write(body)
		return err
	}
	if err := os.WriteFile(opts.output, body, 0o644); err != nil {
		return fmt.Errorf("запись отчёта: %w", err)
	}
	fmt.Fprintf(stdout, "Отчёт сохранён в %s\n", opts.output)
	return nil
}

func newCacheCommand(app *App) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Управление кэшем каналов",
	}
	var all bool
	clearCmd := &cobra.Command{
		Use:   "clear <канал>",
		Short: "Удалить рейтинг канала, с --all также историю и фото",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := channelID(cmd.Context(), app, args[0])
			if err != nil {
				return err
			}
			if err := app.Analysis.ClearCache(id, all); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Кэш канала %d очищен\n", id)
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&all, "all", false, "удалить также сырую историю и фото")
	cacheCmd.AddCommand(clearCmd)
	return cacheCmd
}

// channelID возвращает ID канала; username разрешается через Telegram.
func channelID(ctx context.Context, app *App, input string) (int64, error) {
	query, err := channels.ParseChannelInput(input)
	if err != nil {
		return 0, err
	}
	if query.ID != 0 {
		return query.ID, nil
	}
	run, err := app.runner()
	if err != nil {
		return 0, err
	}
	var id int64
	err = run(ctx, func(ctx context.Context, src domain.MessageSource) error {
		ch, err := src.ResolveChannel(ctx, query)
		id = ch.ID
		return err
	})
	return id, err
}

func newSessionCommand(app *App) *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Сессия MTProto",
	}
	importCmd := &cobra.Command{
		Use:   "import <файл>",
		Short: "Импортировать сессию (gotd JSON, экспорт аккаунта или строка Telethon)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("чтение файла сессии: %w", err)
			}
			converted, err := mtproto.ImportSession(app.SessionPath, raw)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if converted {
				fmt.Fprintln(out, "Сессия сконвертирована в формат gotd.")
			}
			fmt.Fprintf(out, "Сессия сохранена в %s\n", app.SessionPath)
			return nil
		},
	}
	sessionCmd.AddCommand(importCmd)
	return sessionCmd
}
