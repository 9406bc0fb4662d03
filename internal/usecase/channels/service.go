package channels

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"tg-reaction-ranker/internal/domain"
)

var (
	// ErrInputInvalid возвращается, если ввод не похож ни на алиас, ни на ссылку, ни на ID.
	ErrInputInvalid = errors.New("не удалось распознать канал: нужен @username, ссылка t.me или числовой ID")
	// ErrNotChannelPost возвращается для пересланного сообщения не из канала.
	ErrNotChannelPost = errors.New("сообщение переслано не из канала")
)

const botChannelPrefix = 1_000_000_000_000

var (
	aliasRegex   = regexp.MustCompile(`(?i)^(?:@|(?:https?://)?(?:t|telegram)\.me/)?([a-z][a-z0-9_]{3,31})(?:/\d+)?/?$`)
	privateRegex = regexp.MustCompile(`(?i)^(?:https?://)?(?:t|telegram)\.me/c/(\d+)(?:/\d+)?/?$`)
)

// ParseChannelInput приводит ввод пользователя к запросу поиска канала.
// Поддерживаются @username, ссылки t.me/<username>[/<msg>], t.me/c/<id>[/<msg>],
// числовой ID и ID чата в формате Bot API (-100…).
func ParseChannelInput(input string) (domain.ChannelQuery, error) {
	trim := strings.TrimSpace(input)
	if trim == "" {
		return domain.ChannelQuery{}, ErrInputInvalid
	}
	if m := privateRegex.FindStringSubmatch(trim); len(m) == 2 {
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || id <= 0 {
			return domain.ChannelQuery{}, ErrInputInvalid
		}
		return domain.ChannelQuery{ID: id}, nil
	}
	if id, err := strconv.ParseInt(trim, 10, 64); err == nil {
		id = ChannelIDFromChat(id)
		if id <= 0 {
			return domain.ChannelQuery{}, ErrInputInvalid
		}
		return domain.ChannelQuery{ID: id}, nil
	}
	m := aliasRegex.FindStringSubmatch(trim)
	if len(m) < 2 || m[1] == "c" {
		return domain.ChannelQuery{}, ErrInputInvalid
	}
	return domain.ChannelQuery{Username: strings.ToLower(m[1])}, nil
}

// ChannelIDFromChat переводит ID чата Bot API (-100xxxxxxxxxx) в ID канала MTProto.
// Положительные значения возвращаются без изменений.
func ChannelIDFromChat(chatID int64) int64 {
	if chatID >= 0 {
		return chatID
	}
	id := -chatID - botChannelPrefix
	if id <= 0 {
		return 0
	}
	return id
}

// Resolve находит канал по вводу пользователя.
func Resolve(ctx context.Context, dir domain.ChannelDirectory, input string) (domain.ChannelRef, error) {
	query, err := ParseChannelInput(input)
	if err != nil {
		return domain.ChannelRef{}, err
	}
	ch, err := dir.ResolveChannel(ctx, query)
	if err != nil {
		return domain.ChannelRef{}, fmt.Errorf("поиск канала %s: %w", strings.TrimSpace(input), err)
	}
	return ch, nil
}

// List возвращает каналы аккаунта, отсортированные по названию.
func List(ctx context.Context, dir domain.ChannelDirectory) ([]domain.ChannelRef, error) {
	list, err := dir.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("список каналов: %w", err)
	}
	sort.SliceStable(list, func(i, j int) bool {
		return strings.ToLower(list[i].DisplayName()) < strings.ToLower(list[j].DisplayName())
	})
	return list, nil
}

// NormalizeEmojis разбирает список эмодзи, разделённых запятыми или пробелами,
// удаляя пустые значения и повторы с сохранением порядка.
func NormalizeEmojis(values ...string) []string {
	seen := make(map[string]struct{})
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		for _, item := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' }) {
			if _, ok := seen[item]; ok {
				continue
			}
			seen[item] = struct{}{}
			cleaned = append(cleaned, item)
		}
	}
	return cleaned
}
