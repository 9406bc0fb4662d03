package aggregate

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"tg-reaction-ranker/internal/domain"
)

const (
	excerptRunes    = 100
	emptyTextMarker = "[без текста]"
)

// Aggregate считает целевые реакции каждого сообщения и возвращает рейтинг.
// Чистая функция: снимок не изменяется, результат детерминирован.
func Aggregate(raw domain.RawSnapshot, targets []string) []domain.RankedEntry {
	lookup := targetSet(targets)
	entries := make([]domain.RankedEntry, 0, len(raw.Messages))
	for _, msg := range raw.Messages {
		entries = append(entries, rankEntry(raw.Channel, msg, lookup))
	}
	SortByReactions(entries)
	return entries
}

// TargetCount возвращает сумму реакций сообщения по целевым эмодзи.
func TargetCount(reactions map[string]int, targets []string) int {
	return countTargets(reactions, targetSet(targets))
}

func targetSet(targets []string) map[string]struct{} {
	lookup := make(map[string]struct{}, len(targets))
	for _, emoji := range targets {
		emoji = strings.TrimSpace(emoji)
		if emoji == "" {
			continue
		}
		lookup[emoji] = struct{}{}
	}
	return lookup
}

// Неположительные счётчики не учитываются.
func countTargets(reactions map[string]int, lookup map[string]struct{}) int {
	total := 0
	for emoji, count := range reactions {
		if count <= 0 {
			continue
		}
		if _, ok := lookup[emoji]; ok {
			total += count
		}
	}
	return total
}

func rankEntry(channel domain.ChannelRef, msg domain.RawMessage, lookup map[string]struct{}) domain.RankedEntry {
	var breakdown map[string]int
	if len(msg.Reactions) > 0 {
		breakdown = make(map[string]int, len(msg.Reactions))
		for emoji, count := range msg.Reactions {
			breakdown[emoji] = count
		}
	}
	return domain.RankedEntry{
		MessageID:      msg.ID,
		Date:           msg.Date,
		TextExcerpt:    Excerpt(msg.Text),
		Media:          msg.Media,
		TargetCount:    countTargets(msg.Reactions, lookup),
		TotalReactions: msg.TotalReactions,
		Reactions:      breakdown,
		Views:          msg.Views,
		Forwards:       msg.Forwards,
		Link:           MessageLink(channel, msg.ID),
	}
}

// SortByReactions упорядочивает рейтинг: целевые реакции, затем дата, затем ID — всё по убыванию.
func SortByReactions(entries []domain.RankedEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return lessByReactions(entries[i], entries[j])
	})
}

func lessByReactions(a, b domain.RankedEntry) bool {
	if a.TargetCount != b.TargetCount {
		return a.TargetCount > b.TargetCount
	}
	if !a.Date.Equal(b.Date) {
		return a.Date.After(b.Date)
	}
	return a.MessageID > b.MessageID
}

// Excerpt обрезает текст сообщения до превью.
func Excerpt(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return emptyTextMarker
	}
	if utf8.RuneCountInString(trimmed) <= excerptRunes {
		return trimmed
	}
	runes := []rune(trimmed)
	return string(runes[:excerptRunes]) + "..."
}

// MessageLink строит ссылку на сообщение канала.
func MessageLink(channel domain.ChannelRef, messageID int) string {
	if channel.Username != "" {
		return fmt.Sprintf("https://t.me/%s/%d", channel.Username, messageID)
	}
	return fmt.Sprintf("https://t.me/c/%d/%d", channel.ID, messageID)
}
