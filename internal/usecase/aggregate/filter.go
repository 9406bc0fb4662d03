package aggregate

import (
	"sort"
	"strings"

	"tg-reaction-ranker/internal/domain"
)

// Filter описывает фильтры, применяемые при чтении.
type Filter struct {
	Keyword string
	Range   *domain.DateRange
}

// Empty сообщает, что фильтр ничего не отсекает.
func (f Filter) Empty() bool {
	return strings.TrimSpace(f.Keyword) == "" && f.Range == nil
}

// Apply возвращает копию снимка, в которой остались только подходящие сообщения.
// Ключевое слово ищется без учёта регистра, сообщения без текста при этом отбрасываются.
func (f Filter) Apply(raw domain.RawSnapshot) domain.RawSnapshot {
	if f.Empty() {
		return raw
	}
	keyword := strings.ToLower(strings.TrimSpace(f.Keyword))
	out := raw
	out.Messages = make([]domain.RawMessage, 0, len(raw.Messages))
	for _, msg := range raw.Messages {
		if !f.Range.Contains(msg.Date) {
			continue
		}
		if keyword != "" {
			if msg.Text == "" || !strings.Contains(strings.ToLower(msg.Text), keyword) {
				continue
			}
		}
		out.Messages = append(out.Messages, msg)
	}
	return out
}

// Hotness — вовлечённость на тысячу просмотров: целевые реакции плюс удвоенные пересылки.
func Hotness(e domain.RankedEntry) float64 {
	views := e.Views
	if views < 1 {
		views = 1
	}
	return float64(e.TargetCount+2*e.Forwards) * 1000 / float64(views)
}

// SortByHotness упорядочивает по «горячести»; равные значения разрешаются как в SortByReactions.
func SortByHotness(entries []domain.RankedEntry) {
	sort.Slice(entries, func(i, j int) bool {
		hi, hj := Hotness(entries[i]), Hotness(entries[j])
		if hi != hj {
			return hi > hj
		}
		return lessByReactions(entries[i], entries[j])
	})
}

// Stats — сводка по рейтингу.
type Stats struct {
	Messages    int     `json:"messages"`
	// Reacted — позиции хотя бы с одной целевой реакцией.
	Reacted     int     `json:"reacted"`
	TargetTotal int     `json:"target_total"`
	AllTotal    int     `json:"all_total"`
	TargetShare float64 `json:"target_share"`
}

// Summarize считает сводку по позициям рейтинга.
func Summarize(entries []domain.RankedEntry) Stats {
	var st Stats
	st.Messages = len(entries)
	for _, e := range entries {
		if e.TargetCount > 0 {
			st.Reacted++
		}
		st.TargetTotal += e.TargetCount
		st.AllTotal += e.TotalReactions
	}
	if st.AllTotal > 0 {
		st.TargetShare = float64(st.TargetTotal) / float64(st.AllTotal)
	}
	return st
}
