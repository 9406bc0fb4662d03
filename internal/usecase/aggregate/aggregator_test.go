package aggregate

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"tg-reaction-ranker/internal/domain"
)

func sampleSnapshot() domain.RawSnapshot {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return domain.RawSnapshot{
		ChannelID: 7,
		Channel:   domain.ChannelRef{ID: 7, Username: "demo", Title: "Демо"},
		Messages: []domain.RawMessage{
			{ID: 2, Date: base.Add(time.Hour), Text: "второй", Reactions: map[string]int{"❤️": 1, "👍": 10}, TotalReactions: 11},
			{ID: 1, Date: base, Text: "первый", Reactions: map[string]int{"❤️": 5, "👍": 2}, TotalReactions: 7},
		},
	}
}

func ids(entries []domain.RankedEntry) []int {
	out := make([]int, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.MessageID)
	}
	return out
}

func TestAggregateSingleEmoji(t *testing.T) {
	entries := Aggregate(sampleSnapshot(), []string{"❤️"})
	if got := ids(entries); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Fatalf("ожидали порядок [1 2], получили %v", got)
	}
	if entries[0].TargetCount != 5 || entries[1].TargetCount != 1 {
		t.Fatalf("неверные суммы: %d, %d", entries[0].TargetCount, entries[1].TargetCount)
	}
}

func TestAggregateTwoEmojis(t *testing.T) {
	entries := Aggregate(sampleSnapshot(), []string{"❤️", "👍"})
	if got := ids(entries); !reflect.DeepEqual(got, []int{2, 1}) {
		t.Fatalf("ожидали порядок [2 1], получили %v", got)
	}
	if entries[0].TargetCount != 11 || entries[1].TargetCount != 7 {
		t.Fatalf("неверные суммы: %d, %d", entries[0].TargetCount, entries[1].TargetCount)
	}
}

func TestAggregateIsDeterministicAndPure(t *testing.T) {
	raw := sampleSnapshot()
	raw.Messages = append(raw.Messages,
		domain.RawMessage{ID: 3, Date: raw.Messages[1].Date, Reactions: map[string]int{"🔥": 4}},
		domain.RawMessage{ID: 4, Date: raw.Messages[1].Date},
	)
	before := len(raw.Messages[0].Reactions)
	first := Aggregate(raw, []string{"❤️"})
	second := Aggregate(raw, []string{"❤️"})
	if !reflect.DeepEqual(first, second) {
		t.Fatal("ожидали одинаковый результат при повторном вызове")
	}
	if len(raw.Messages[0].Reactions) != before || raw.Messages[0].ID != 2 {
		t.Fatal("снимок не должен изменяться")
	}
	first[0].Reactions["❤️"] = 100
	if raw.Messages[1].Reactions["❤️"] != 5 {
		t.Fatal("разбивка реакций должна быть копией")
	}
}

func TestAggregateTotalOrder(t *testing.T) {
	day := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	raw := domain.RawSnapshot{Messages: []domain.RawMessage{
		{ID: 10, Date: day, Reactions: map[string]int{"👍": 3}},
		{ID: 11, Date: day, Reactions: map[string]int{"👍": 3}},
		{ID: 5, Date: day.Add(time.Minute), Reactions: map[string]int{"👍": 3}},
		{ID: 20, Date: day.Add(time.Hour)},
		{ID: 1, Date: day, Reactions: map[string]int{"👍": 9}},
	}}
	entries := Aggregate(raw, []string{"👍"})
	want := []int{1, 5, 11, 10, 20}
	if got := ids(entries); !reflect.DeepEqual(got, want) {
		t.Fatalf("ожидали %v, получили %v", want, got)
	}
	for i := 1; i < len(entries); i++ {
		if !lessByReactions(entries[i-1], entries[i]) {
			t.Fatalf("позиции %d и %d не упорядочены строго", i-1, i)
		}
	}
}

func TestTargetCountExactSum(t *testing.T) {
	reactions := map[string]int{"❤️": 2, "❤": 3, "👍": 4, "🔥": 5, "💩": -1}
	cases := []struct {
		targets []string
		want    int
	}{
		{nil, 0},
		{[]string{"❤️"}, 2},
		{[]string{"❤️", "❤"}, 5},
		{[]string{"❤️", "❤️", "👍"}, 6},
		{[]string{"🔥", "💩", "🙏"}, 5},
	}
	for _, tc := range cases {
		if got := TargetCount(reactions, tc.targets); got != tc.want {
			t.Fatalf("TargetCount(%v) = %d, want %d", tc.targets, got, tc.want)
		}
	}
}

func TestExcerpt(t *testing.T) {
	if Excerpt("  ") != emptyTextMarker {
		t.Fatal("пустой текст должен заменяться маркером")
	}
	long := strings.Repeat("я", 150)
	got := Excerpt(long)
	if !strings.HasSuffix(got, "...") || len([]rune(got)) != excerptRunes+3 {
		t.Fatalf("неверное превью: %d рун", len([]rune(got)))
	}
}

func TestMessageLink(t *testing.T) {
	if got := MessageLink(domain.ChannelRef{ID: 1, Username: "golang"}, 5); got != "https://t.me/golang/5" {
		t.Fatalf("unexpected link %s", got)
	}
	if got := MessageLink(domain.ChannelRef{ID: 123}, 5); got != "https://t.me/c/123/5" {
		t.Fatalf("unexpected link %s", got)
	}
}
