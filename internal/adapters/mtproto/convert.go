package mtproto

import (
	"time"

	"github.com/gotd/td/tg"

	"tg-reaction-ranker/internal/domain"
)

// convertMessages переводит сообщения MTProto в доменную модель.
// Служебные и пустые сообщения пропускаются. Возвращает также минимальный ID
// среди всех сообщений страницы, включая пропущенные.
func convertMessages(messages []tg.MessageClass) ([]domain.RawMessage, int) {
	out := make([]domain.RawMessage, 0, len(messages))
	minID := 0
	for _, m := range messages {
		if id := m.GetID(); minID == 0 || id < minID {
			minID = id
		}
		msg, ok := m.(*tg.Message)
		if !ok {
			continue
		}
		out = append(out, convertMessage(msg))
	}
	return out, minID
}

func convertMessage(msg *tg.Message) domain.RawMessage {
	raw := domain.RawMessage{
		ID:   msg.ID,
		Date: time.Unix(int64(msg.Date), 0).UTC(),
		Text: msg.Message,
	}
	if views, ok := msg.GetViews(); ok {
		raw.Views = views
	}
	if forwards, ok := msg.GetForwards(); ok {
		raw.Forwards = forwards
	}
	if reactions, ok := msg.GetReactions(); ok {
		raw.Reactions, raw.TotalReactions = convertReactions(reactions.Results)
	}
	if media, ok := msg.GetMedia(); ok {
		raw.Media = convertMedia(media)
	}
	return raw
}

// convertReactions возвращает счётчики эмодзи-реакций и общее число реакций,
// включая кастомные эмодзи и платные звёзды.
func convertReactions(results []tg.ReactionCount) (map[string]int, int) {
	if len(results) == 0 {
		return nil, 0
	}
	counts := make(map[string]int, len(results))
	total := 0
	for _, rc := range results {
		n := rc.Count
		if n < 0 {
			n = 0
		}
		total += n
		if emoji, ok := rc.Reaction.(*tg.ReactionEmoji); ok && emoji.Emoticon != "" {
			counts[emoji.Emoticon] += n
		}
	}
	if len(counts) == 0 {
		counts = nil
	}
	return counts, total
}

func convertMedia(media tg.MessageMediaClass) *domain.MediaRef {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		p, ok := m.GetPhoto()
		if !ok {
			return nil
		}
		photo, ok := p.(*tg.Photo)
		if !ok {
			return nil
		}
		return &domain.MediaRef{
			Kind:          domain.MediaKindPhoto,
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     largestSize(photo.Sizes),
		}
	case *tg.MessageMediaDocument:
		return &domain.MediaRef{Kind: "document"}
	case *tg.MessageMediaWebPage:
		return &domain.MediaRef{Kind: "webpage"}
	case nil:
		return nil
	default:
		return &domain.MediaRef{Kind: "other"}
	}
}

// largestSize выбирает тип самого большого размера фото.
func largestSize(sizes []tg.PhotoSizeClass) string {
	best, bestArea := "", -1
	for _, s := range sizes {
		var typ string
		var area int
		switch size := s.(type) {
		case *tg.PhotoSize:
			typ, area = size.Type, size.W*size.H
		case *tg.PhotoSizeProgressive:
			typ, area = size.Type, size.W*size.H
		default:
			continue
		}
		if area > bestArea {
			best, bestArea = typ, area
		}
	}
	return best
}

func convertChannel(ch *tg.Channel) domain.ChannelRef {
	ref := domain.ChannelRef{ID: ch.ID, Title: ch.Title}
	if hash, ok := ch.GetAccessHash(); ok {
		ref.AccessHash = hash
	}
	if username, ok := ch.GetUsername(); ok {
		ref.Username = username
	}
	return ref
}
