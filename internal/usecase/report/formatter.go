package report

import (
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"
	"time"

	"tg-reaction-ranker/internal/domain"
	"tg-reaction-ranker/internal/usecase/aggregate"
)

const (
	dateLayout = "2006-01-02 15:04"
	separator  = "────────────────────"
)

// Header формирует HTML-заголовок рейтинга для бота.
func Header(channel domain.ChannelRef, entries []domain.RankedEntry, st aggregate.Stats, partial bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 <b>%s</b> — топ %d по реакциям\n", escapeHTML(channel.DisplayName()), len(entries))
	fmt.Fprintf(&b, "Сообщений: %d | Целевых реакций: %d | Всего реакций: %d", st.Messages, st.TargetTotal, st.AllTotal)
	if st.AllTotal > 0 {
		fmt.Fprintf(&b, " (%.1f%%)", st.TargetShare*100)
	}
	if partial {
		b.WriteString("\n⚠️ История выгружена не полностью, рейтинг может измениться после обновления.")
	}
	return b.String()
}

// Caption формирует HTML-описание позиции рейтинга.
func Caption(rank int, e domain.RankedEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🏆 <b>%d место</b>\n", rank)
	fmt.Fprintf(&b, "📅 %s\n", e.Date.UTC().Format(dateLayout))
	fmt.Fprintf(&b, "❤️ Целевые: %d | Всего: %d\n", e.TargetCount, e.TotalReactions)
	if breakdown := Breakdown(e.Reactions); breakdown != "" {
		b.WriteString(escapeHTML(breakdown) + "\n")
	}
	fmt.Fprintf(&b, "👁 %d | 🔁 %d\n", e.Views, e.Forwards)
	b.WriteString(escapeHTML(e.TextExcerpt))
	if e.Link != "" {
		fmt.Fprintf(&b, "\n<a href=\"%s\">Открыть пост</a>", html.EscapeString(e.Link))
	}
	return b.String()
}

// PlainEntry — текстовая позиция рейтинга для CLI и «Избранного».
func PlainEntry(rank int, e domain.RankedEntry) string {
	lines := []string{
		fmt.Sprintf("%d место", rank),
		"Дата: " + e.Date.UTC().Format(dateLayout),
		fmt.Sprintf("Целевые реакции: %d | Всего реакций: %d", e.TargetCount, e.TotalReactions),
	}
	if breakdown := Breakdown(e.Reactions); breakdown != "" {
		lines = append(lines, "Реакции: "+breakdown)
	}
	lines = append(lines,
		fmt.Sprintf("Просмотры: %d | Пересылки: %d", e.Views, e.Forwards),
		"Текст: "+e.TextExcerpt,
		"Ссылка: "+e.Link,
	)
	return strings.Join(lines, "\n")
}

// Text формирует полный текстовый отчёт.
func Text(channel domain.ChannelRef, targets []string, entries []domain.RankedEntry, st aggregate.Stats, generatedAt time.Time) string {
	var b strings.Builder
	b.WriteString("Отчёт по реакциям канала " + channel.DisplayName() + "\n")
	b.WriteString("Целевые эмодзи: " + strings.Join(targets, " ") + "\n")
	b.WriteString("Сформирован: " + generatedAt.UTC().Format(dateLayout) + "\n")
	fmt.Fprintf(&b, "Сообщений: %d, с целевыми реакциями: %d\n", st.Messages, st.Reacted)
	fmt.Fprintf(&b, "Целевых реакций: %d, всего реакций: %d", st.TargetTotal, st.AllTotal)
	if st.AllTotal > 0 {
		fmt.Fprintf(&b, ", доля %.1f%%", st.TargetShare*100)
	}
	b.WriteString("\n" + separator + "\n")
	for i, e := range entries {
		b.WriteString(PlainEntry(i+1, e))
		b.WriteString("\n" + separator + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Breakdown перечисляет реакции по убыванию количества: «👍 10, ❤️ 1».
func Breakdown(reactions map[string]int) string {
	if len(reactions) == 0 {
		return ""
	}
	keys := make([]string, 0, len(reactions))
	for k := range reactions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if reactions[keys[i]] != reactions[keys[j]] {
			return reactions[keys[i]] > reactions[keys[j]]
		}
		return keys[i] < keys[j]
	})
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+" "+strconv.Itoa(reactions[k]))
	}
	return strings.Join(parts, ", ")
}

func escapeHTML(s string) string {
	return html.EscapeString(s)
}
