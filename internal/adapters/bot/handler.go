package bot

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-reaction-ranker/internal/adapters/mtproto"
	"tg-reaction-ranker/internal/adapters/telegram"
	"tg-reaction-ranker/internal/domain"
	"tg-reaction-ranker/internal/infra/cache"
	"tg-reaction-ranker/internal/infra/metrics"
	"tg-reaction-ranker/internal/usecase/channels"
)

// Sender — часть Bot API, которой пользуется бот. *tgbotapi.BotAPI её реализует.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

const helpText = `Я считаю, какие посты канала собрали больше всего целевых реакций.

Как запросить рейтинг:
• перешлите мне любой пост из канала;
• или пришлите @username либо ссылку t.me/...;
• /top [канал] [слово] — рейтинг, можно отфильтровать по слову в тексте;
• /refresh [канал] — догрузить новые сообщения и пересчитать.

Без канала /top и /refresh используют последний запрошенный канал.`

// Handler обслуживает апдейты бота и ставит задачи анализа в очередь.
type Handler struct {
	bot  Sender
	jobs domain.AnalysisQueue
	log  zerolog.Logger
	now  func() time.Time

	mu   sync.Mutex
	last map[int64]domain.ChannelQuery
}

// NewHandler создаёт обработчик.
func NewHandler(bot Sender, jobs domain.AnalysisQueue, log zerolog.Logger) *Handler {
	return &Handler{
		bot:  bot,
		jobs: jobs,
		log:  log,
		now:  time.Now,
		last: make(map[int64]domain.ChannelQuery),
	}
}

// HandleUpdate обрабатывает входящий апдейт.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	if upd.Message == nil {
		return
	}
	h.handleMessage(ctx, upd.Message)
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if msg.ForwardFromChat != nil {
		h.handleForward(ctx, chatID, msg.ForwardFromChat)
		return
	}
	text := strings.TrimSpace(msg.Text)
	switch {
	case text == "":
		h.reply(chatID, "Пришлите ссылку на канал или перешлите пост из него.")
	case msg.IsCommand():
		h.handleCommand(ctx, chatID, msg.Command(), msg.CommandArguments())
	default:
		query, err := channels.ParseChannelInput(text)
		if err != nil {
			h.reply(chatID, "Не понял, какой это канал. Нужен @username, ссылка t.me или пересланный пост.")
			return
		}
		h.enqueue(ctx, chatID, query, "", domain.AnalysisCauseTop)
	}
}

func (h *Handler) handleForward(ctx context.Context, chatID int64, from *tgbotapi.Chat) {
	if !from.IsChannel() {
		h.reply(chatID, channels.ErrNotChannelPost.Error()+". Перешлите пост именно из канала.")
		return
	}
	query := domain.ChannelQuery{
		ID:       channels.ChannelIDFromChat(from.ID),
		Username: strings.ToLower(from.UserName),
	}
	h.enqueue(ctx, chatID, query, "", domain.AnalysisCauseTop)
}

func (h *Handler) handleCommand(ctx context.Context, chatID int64, cmd, args string) {
	switch cmd {
	case "start", "help":
		h.reply(chatID, helpText)
	case "top", "refresh":
		cause := domain.AnalysisCauseTop
		if cmd == "refresh" {
			cause = domain.AnalysisCauseRefresh
		}
		query, keyword, err := h.commandTarget(chatID, args)
		if err != nil {
			h.reply(chatID, "Укажите канал: /"+cmd+" @username")
			return
		}
		h.enqueue(ctx, chatID, query, keyword, cause)
	default:
		h.reply(chatID, "Неизвестная команда. /help — список команд.")
	}
}

// commandTarget разбирает аргументы /top и /refresh: первый аргумент — канал,
// остальное — ключевое слово. Если первый аргумент не похож на канал, берётся
// последний канал чата, а все аргументы считаются ключевым словом.
func (h *Handler) commandTarget(chatID int64, args string) (domain.ChannelQuery, string, error) {
	fields := strings.Fields(args)
	if len(fields) > 0 {
		if query, err := channels.ParseChannelInput(fields[0]); err == nil {
			return query, strings.Join(fields[1:], " "), nil
		}
	}
	h.mu.Lock()
	query, ok := h.last[chatID]
	h.mu.Unlock()
	if !ok {
		return domain.ChannelQuery{}, "", channels.ErrInputInvalid
	}
	return query, strings.Join(fields, " "), nil
}

func (h *Handler) enqueue(ctx context.Context, chatID int64, query domain.ChannelQuery, keyword string, cause domain.AnalysisJobCause) {
	job := domain.AnalysisJob{
		ID:          uuid.NewString(),
		ChatID:      chatID,
		Username:    query.Username,
		ChannelID:   query.ID,
		Keyword:     keyword,
		RequestedAt: h.now().UTC(),
		Cause:       cause,
	}
	if err := h.jobs.Enqueue(ctx, job); err != nil {
		h.log.Error().Err(err).Int64("chat", chatID).Msg("bot: не удалось поставить задачу в очередь")
		h.reply(chatID, "Не удалось поставить задачу в очередь. Попробуйте позже.")
		return
	}
	h.mu.Lock()
	h.last[chatID] = query
	h.mu.Unlock()
	h.log.Info().Str("job_id", job.ID).Int64("chat", chatID).Str("cause", string(cause)).Msg("bot: задача поставлена в очередь")

	text := "⏳ Считаю реакции, это может занять несколько минут."
	if cause == domain.AnalysisCauseRefresh {
		text = "⏳ Догружаю новые сообщения и пересчитываю рейтинг."
	}
	h.reply(chatID, text)
}

func (h *Handler) reply(chatID int64, text string) {
	if err := sendText(h.bot, chatID, text, ""); err != nil {
		h.log.Error().Err(err).Int64("chat", chatID).Msg("bot: не удалось отправить сообщение")
	}
}

// sendText отправляет текст, разбивая его по лимиту Telegram.
func sendText(bot Sender, chatID int64, text, parseMode string) error {
	for _, part := range telegram.SplitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = parseMode
		msg.DisableWebPagePreview = true
		if err := send(bot, chatID, "send_message", msg); err != nil {
			return err
		}
	}
	return nil
}

func send(bot Sender, chatID int64, operation string, c tgbotapi.Chattable) error {
	start := time.Now()
	_, err := bot.Send(c)
	metrics.ObserveNetworkRequest("telegram_bot", operation, strconv.FormatInt(chatID, 10), start, err)
	if err != nil {
		metrics.BotSendErrors.Inc()
		return err
	}
	return nil
}

// errorText переводит ошибку анализа в сообщение для пользователя.
func errorText(err error) string {
	switch {
	case errors.Is(err, domain.ErrChannelUnavailable):
		return "Канал не найден или закрыт для аккаунта анализа."
	case errors.Is(err, channels.ErrInputInvalid):
		return "Не понял, какой это канал."
	case errors.Is(err, cache.ErrLocked):
		return "Этот канал уже анализируется. Попробуйте через пару минут."
	case errors.Is(err, mtproto.ErrUnauthorized):
		return "Аккаунт анализа не авторизован. Администратору нужно импортировать сессию."
	default:
		return "Не удалось посчитать рейтинг. Попробуйте позже."
	}
}
