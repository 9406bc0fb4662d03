package mtproto

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/message/peer"
	"github.com/gotd/td/telegram/query"
	"github.com/gotd/td/telegram/query/dialogs"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"

	"tg-reaction-ranker/internal/domain"
	"tg-reaction-ranker/internal/infra/metrics"
)

// maxSkippedPages ограничивает подряд идущие страницы, состоящие только из служебных сообщений.
const maxSkippedPages = 10

// Source реализует domain.MessageSource поверх открытой MTProto-сессии.
// Действителен только внутри Client.Run.
type Source struct {
	api      *tg.Client
	resolver peer.Resolver
	sender   *message.Sender
	download *downloader.Downloader
	log      zerolog.Logger
}

var _ domain.MessageSource = (*Source)(nil)

func newSource(api *tg.Client, log zerolog.Logger) *Source {
	return &Source{
		api:      api,
		resolver: peer.DefaultResolver(api),
		sender:   message.NewSender(api),
		download: downloader.NewDownloader(),
		log:      log,
	}
}

// ListChannels возвращает каналы-трансляции из диалогов аккаунта.
func (s *Source) ListChannels(ctx context.Context) ([]domain.ChannelRef, error) {
	start := time.Now()
	var out []domain.ChannelRef
	seen := make(map[int64]struct{})
	err := query.GetDialogs(s.api).BatchSize(100).ForEach(ctx, func(ctx context.Context, elem dialogs.Elem) error {
		p, ok := elem.Peer.(*tg.InputPeerChannel)
		if !ok {
			return nil
		}
		ch, ok := elem.Entities.Channel(p.ChannelID)
		if !ok || !ch.Broadcast {
			return nil
		}
		if _, dup := seen[ch.ID]; dup {
			return nil
		}
		seen[ch.ID] = struct{}{}
		out = append(out, convertChannel(ch))
		return nil
	})
	metrics.ObserveNetworkRequest("mtproto", "get_dialogs", "self", start, err)
	if err != nil {
		return nil, mapError("список диалогов", err)
	}
	s.log.Debug().Int("channels", len(out)).Msg("mtproto: получен список каналов")
	return out, nil
}

// ResolveChannel находит канал по username или по ID среди диалогов аккаунта.
func (s *Source) ResolveChannel(ctx context.Context, q domain.ChannelQuery) (domain.ChannelRef, error) {
	if q.Username != "" {
		return s.resolveUsername(ctx, q.Username)
	}
	if q.ID == 0 {
		return domain.ChannelRef{}, fmt.Errorf("mtproto: пустой запрос канала: %w", domain.ErrChannelUnavailable)
	}
	list, err := s.ListChannels(ctx)
	if err != nil {
		return domain.ChannelRef{}, err
	}
	for _, ch := range list {
		if ch.ID == q.ID {
			return ch, nil
		}
	}
	return domain.ChannelRef{}, fmt.Errorf("mtproto: канал %d не найден среди подписок: %w", q.ID, domain.ErrChannelUnavailable)
}

func (s *Source) resolveUsername(ctx context.Context, username string) (domain.ChannelRef, error) {
	start := time.Now()
	inputPeer, err := s.resolver.ResolveDomain(ctx, username)
	metrics.ObserveNetworkRequest("mtproto", "resolve_username", username, start, err)
	if err != nil {
		return domain.ChannelRef{}, mapError("поиск @"+username, err)
	}
	p, ok := inputPeer.(*tg.InputPeerChannel)
	if !ok {
		return domain.ChannelRef{}, fmt.Errorf("mtproto: @%s не является каналом: %w", username, domain.ErrChannelUnavailable)
	}
	ref := domain.ChannelRef{ID: p.ChannelID, AccessHash: p.AccessHash, Username: username}

	chats, err := s.api.ChannelsGetChannels(ctx, []tg.InputChannelClass{
		&tg.InputChannel{ChannelID: p.ChannelID, AccessHash: p.AccessHash},
	})
	if err != nil {
		s.log.Warn().Err(err).Str("username", username).Msg("mtproto: не удалось получить название канала")
		return ref, nil
	}
	for _, c := range chats.GetChats() {
		if ch, ok := c.(*tg.Channel); ok && ch.ID == p.ChannelID {
			resolved := convertChannel(ch)
			if resolved.AccessHash == 0 {
				resolved.AccessHash = p.AccessHash
			}
			return resolved, nil
		}
	}
	return ref, nil
}

// FetchHistory запрашивает одну страницу истории через messages.getHistory.
func (s *Source) FetchHistory(ctx context.Context, channel domain.ChannelRef, req domain.HistoryRequest) (domain.HistoryPage, error) {
	inputPeer := &tg.InputPeerChannel{ChannelID: channel.ID, AccessHash: channel.AccessHash}
	offset := req.OffsetID
	for skipped := 0; ; skipped++ {
		res, err := s.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:     inputPeer,
			OffsetID: offset,
			Limit:    req.Limit,
			MinID:    req.MinID,
		})
		if err != nil {
			return domain.HistoryPage{}, mapError("история канала "+strconv.FormatInt(channel.ID, 10), err)
		}
		raw := historyMessages(res)
		msgs, minID := convertMessages(raw)
		page := domain.HistoryPage{Messages: msgs, Exhausted: len(raw) < req.Limit}
		if len(msgs) > 0 || len(raw) == 0 || page.Exhausted || skipped >= maxSkippedPages {
			return page, nil
		}
		offset = minID
	}
}

func historyMessages(res tg.MessagesMessagesClass) []tg.MessageClass {
	switch r := res.(type) {
	case *tg.MessagesMessages:
		return r.Messages
	case *tg.MessagesMessagesSlice:
		return r.Messages
	case *tg.MessagesChannelMessages:
		return r.Messages
	default:
		return nil
	}
}

// DownloadPhoto скачивает фото сообщения. При устаревшей file reference
// сообщение перечитывается и загрузка повторяется один раз.
func (s *Source) DownloadPhoto(ctx context.Context, channel domain.ChannelRef, messageID int, ref domain.MediaRef, w io.Writer) error {
	if !ref.IsPhoto() {
		return fmt.Errorf("mtproto: сообщение %d не содержит фото", messageID)
	}
	err := s.downloadPhoto(ctx, ref, w)
	if !tgerr.Is(err, "FILE_REFERENCE_EXPIRED", "FILE_REFERENCE_INVALID") {
		return mapError("скачивание фото", err)
	}
	s.log.Debug().Int64("channel", channel.ID).Int("message", messageID).Msg("mtproto: обновляем file reference")
	fresh, err := s.refetchMedia(ctx, channel, messageID)
	if err != nil {
		return err
	}
	return mapError("скачивание фото", s.downloadPhoto(ctx, *fresh, w))
}

func (s *Source) downloadPhoto(ctx context.Context, ref domain.MediaRef, w io.Writer) error {
	_, err := s.download.Download(s.api, &tg.InputPhotoFileLocation{
		ID:            ref.ID,
		AccessHash:    ref.AccessHash,
		FileReference: ref.FileReference,
		ThumbSize:     ref.ThumbSize,
	}).Stream(ctx, w)
	return err
}

func (s *Source) refetchMedia(ctx context.Context, channel domain.ChannelRef, messageID int) (*domain.MediaRef, error) {
	res, err := s.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
		Channel: &tg.InputChannel{ChannelID: channel.ID, AccessHash: channel.AccessHash},
		ID:      []tg.InputMessageClass{&tg.InputMessageID{ID: messageID}},
	})
	if err != nil {
		return nil, mapError("перечитывание сообщения", err)
	}
	msgs, _ := convertMessages(historyMessages(res))
	for _, m := range msgs {
		if m.ID == messageID && m.Media.IsPhoto() {
			return m.Media, nil
		}
	}
	return nil, fmt.Errorf("mtproto: фото сообщения %d больше недоступно", messageID)
}

// SendReport отправляет текст в «Избранное» аккаунта.
func (s *Source) SendReport(ctx context.Context, text string) error {
	start := time.Now()
	_, err := s.sender.Self().Text(ctx, text)
	metrics.ObserveNetworkRequest("mtproto", "send_saved", "self", start, err)
	return mapError("отправка в избранное", err)
}
