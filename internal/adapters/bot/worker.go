package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tg-reaction-ranker/internal/adapters/telegram"
	"tg-reaction-ranker/internal/domain"
	"tg-reaction-ranker/internal/usecase/analysis"
	"tg-reaction-ranker/internal/usecase/report"
)

// Worker читает задачи из очереди, считает рейтинг и отвечает в чат.
type Worker struct {
	queue    domain.AnalysisQueue
	run      domain.SourceRunner
	analysis *analysis.Service
	bot      Sender
	topN     int
	sends    *rate.Limiter
	log      zerolog.Logger
}

// NewWorker создаёт обработчик очереди. sendInterval задаёт паузу между сообщениями в чат.
func NewWorker(queue domain.AnalysisQueue, run domain.SourceRunner, svc *analysis.Service, bot Sender, topN int, sendInterval time.Duration, log zerolog.Logger) *Worker {
	limit := rate.Inf
	if sendInterval > 0 {
		limit = rate.Every(sendInterval)
	}
	if topN <= 0 {
		topN = 10
	}
	return &Worker{
		queue:    queue,
		run:      run,
		analysis: svc,
		bot:      bot,
		topN:     topN,
		sends:    rate.NewLimiter(limit, 1),
		log:      log,
	}
}

// Run обрабатывает задачи до отмены контекста.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("worker: ошибка чтения очереди")
			if sleepErr := sleepContext(ctx, time.Second); sleepErr != nil {
				return
			}
			continue
		}
		w.Handle(ctx, job)
	}
}

// Handle выполняет одну задачу анализа и отправляет результат в чат задачи.
func (w *Worker) Handle(ctx context.Context, job domain.AnalysisJob) {
	jobLog := w.log.With().
		Str("job_id", job.ID).
		Int64("chat", job.ChatID).
		Str("cause", string(job.Cause)).
		Str("username", job.Username).
		Int64("channel", job.ChannelID).
		Logger()
	jobLog.Info().Msg("worker: задача получена")

	res, err := w.analyze(ctx, job)
	var interrupted *domain.FetchInterruptedError
	switch {
	case err == nil:
	case errors.As(err, &interrupted) && len(res.Entries) > 0:
		jobLog.Warn().Err(err).Msg("worker: история выгружена частично, отправляем промежуточный рейтинг")
		res.Partial = true
	default:
		jobLog.Error().Err(err).Msg("worker: анализ завершился ошибкой")
		w.sendPlain(ctx, job.ChatID, errorText(err))
		return
	}

	if err := w.deliver(ctx, job.ChatID, res); err != nil {
		jobLog.Error().Err(err).Msg("worker: не удалось отправить рейтинг")
		return
	}
	jobLog.Info().Int("entries", len(res.Entries)).Bool("from_cache", res.FromCache).Msg("worker: рейтинг отправлен")
}

func (w *Worker) analyze(ctx context.Context, job domain.AnalysisJob) (analysis.Result, error) {
	var res analysis.Result
	err := w.run(ctx, func(ctx context.Context, src domain.MessageSource) error {
		channel, err := src.ResolveChannel(ctx, job.Query())
		if err != nil {
			return err
		}
		var analyzeErr error
		res, analyzeErr = w.analysis.Analyze(ctx, src, analysis.Request{
			Channel:      channel,
			Keyword:      job.Keyword,
			ForceRefresh: job.Cause == domain.AnalysisCauseRefresh,
			Limit:        w.topN,
		})
		if analyzeErr != nil && !errors.Is(analyzeErr, domain.ErrFetchInterrupted) {
			return analyzeErr
		}
		entries, err := w.analysis.FetchMedia(ctx, src, channel, res.Entries, w.topN)
		if err != nil {
			w.log.Warn().Err(err).Int64("channel", channel.ID).Msg("worker: медиа скачаны не полностью")
		}
		res.Entries = entries
		return analyzeErr
	})
	return res, err
}

func (w *Worker) deliver(ctx context.Context, chatID int64, res analysis.Result) error {
	header := report.Header(res.Channel, res.Entries, res.Stats, res.Partial)
	if len(res.Entries) == 0 {
		header += "\nПодходящих сообщений не нашлось."
	}
	if err := w.wait(ctx); err != nil {
		return err
	}
	if err := sendText(w.bot, chatID, header, tgbotapi.ModeHTML); err != nil {
		return fmt.Errorf("заголовок: %w", err)
	}
	for i, e := range res.Entries {
		if err := w.wait(ctx); err != nil {
			return err
		}
		caption := report.Caption(i+1, e)
		if e.ImagePath != "" {
			photo := tgbotapi.NewPhoto(chatID, tgbotapi.FilePath(e.ImagePath))
			photo.Caption = telegram.TruncateCaption(caption)
			photo.ParseMode = tgbotapi.ModeHTML
			err := send(w.bot, chatID, "send_photo", photo)
			if err == nil {
				continue
			}
			w.log.Warn().Err(err).Int("message", e.MessageID).Msg("worker: фото не отправлено, отправляем текстом")
		}
		if err := sendText(w.bot, chatID, caption, tgbotapi.ModeHTML); err != nil {
			return fmt.Errorf("позиция %d: %w", i+1, err)
		}
	}
	return nil
}

func (w *Worker) wait(ctx context.Context) error {
	return w.sends.Wait(ctx)
}

func (w *Worker) sendPlain(ctx context.Context, chatID int64, text string) {
	if err := w.wait(ctx); err != nil {
		return
	}
	if err := sendText(w.bot, chatID, text, ""); err != nil {
		w.log.Error().Err(err).Int64("chat", chatID).Msg("worker: не удалось отправить сообщение")
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
