package domain

import "time"

// SnapshotVersion — версия формата файлов кэша.
const SnapshotVersion = 1

// ChannelRef идентифицирует канал Telegram. Идентичность определяется ID,
// username — изменяемый алиас.
type ChannelRef struct {
	ID         int64  `json:"id"`
	AccessHash int64  `json:"access_hash,omitempty"`
	Username   string `json:"username,omitempty"`
	Title      string `json:"title"`
}

// DisplayName возвращает заголовок канала или алиас, если заголовок пуст.
func (c ChannelRef) DisplayName() string {
	switch {
	case c.Title != "":
		return c.Title
	case c.Username != "":
		return "@" + c.Username
	default:
		return "канал"
	}
}

// ChannelQuery описывает ввод пользователя для поиска канала: username или числовой ID.
type ChannelQuery struct {
	Username string
	ID       int64
}

// MediaRef — непрозрачная ссылка на медиа сообщения.
type MediaRef struct {
	Kind          string `json:"kind"`
	ID            int64  `json:"id,omitempty"`
	AccessHash    int64  `json:"access_hash,omitempty"`
	FileReference []byte `json:"file_reference,omitempty"`
	ThumbSize     string `json:"thumb_size,omitempty"`
}

// MediaKindPhoto — фото, которое можно скачать в медиа-кэш.
const MediaKindPhoto = "photo"

// IsPhoto сообщает, указывает ли ссылка на фото.
func (m *MediaRef) IsPhoto() bool {
	return m != nil && m.Kind == MediaKindPhoto
}

// RawMessage — сообщение канала в момент выгрузки. Reactions содержит только
// реакции-эмодзи, TotalReactions учитывает также кастомные и платные реакции.
type RawMessage struct {
	ID             int            `json:"id"`
	Date           time.Time      `json:"date"`
	Text           string         `json:"text,omitempty"`
	Media          *MediaRef      `json:"media,omitempty"`
	Reactions      map[string]int `json:"reactions,omitempty"`
	TotalReactions int            `json:"total_reactions"`
	Views          int            `json:"views"`
	Forwards       int            `json:"forwards"`
}

// RawSnapshot хранит сырую историю канала. Messages упорядочены по ID по убыванию.
type RawSnapshot struct {
	Version              int          `json:"version"`
	ChannelID            int64        `json:"channel_id"`
	Channel              ChannelRef   `json:"channel"`
	Messages             []RawMessage `json:"messages"`
	LastFetchedMessageID int          `json:"last_fetched_message_id"`
	FetchedAt            time.Time    `json:"fetched_at"`
	Complete             bool         `json:"complete"`
}

// OldestMessageID возвращает минимальный ID в снимке или 0 для пустого снимка.
func (s *RawSnapshot) OldestMessageID() int {
	if s == nil || len(s.Messages) == 0 {
		return 0
	}
	return s.Messages[len(s.Messages)-1].ID
}

// RankedEntry — позиция рейтинга.
type RankedEntry struct {
	MessageID      int            `json:"message_id"`
	Date           time.Time      `json:"date"`
	TextExcerpt    string         `json:"text_excerpt"`
	Media          *MediaRef      `json:"media,omitempty"`
	TargetCount    int            `json:"target_count"`
	TotalReactions int            `json:"total_reactions"`
	Reactions      map[string]int `json:"reactions,omitempty"`
	Views          int            `json:"views"`
	Forwards       int            `json:"forwards"`
	Link           string         `json:"link"`
	ImagePath      string         `json:"image_path,omitempty"`
}

// ResultSnapshot — вычисленный рейтинг канала без фильтров.
type ResultSnapshot struct {
	Version      int           `json:"version"`
	ChannelID    int64         `json:"channel_id"`
	Channel      ChannelRef    `json:"channel"`
	TargetEmojis []string      `json:"target_emojis"`
	Entries      []RankedEntry `json:"entries"`
	ComputedAt   time.Time     `json:"computed_at"`
	Partial      bool          `json:"partial"`
}

// DateRange задаёт включительные границы по дате сообщения. Нулевая граница не ограничивает.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Contains сообщает, попадает ли момент в диапазон.
func (r *DateRange) Contains(t time.Time) bool {
	if r == nil {
		return true
	}
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// HistoryRequest — параметры одной страницы истории.
// OffsetID=0 означает «с самого нового сообщения», MinID ограничивает выдачу снизу.
type HistoryRequest struct {
	OffsetID int
	MinID    int
	Limit    int
}

// HistoryPage — страница истории, сообщения по убыванию ID.
type HistoryPage struct {
	Messages  []RawMessage
	Exhausted bool
}
