package analysis

import (
	"fmt"
	"strings"
	"time"

	"tg-reaction-ranker/internal/domain"
)

const dayLayout = "2006-01-02"

// ParseDateRange разбирает границы периода в форматах 2006-01-02 или RFC3339.
// Дата без времени в верхней границе означает конец этого дня. Обе пустые — nil.
func ParseDateRange(from, to string) (*domain.DateRange, error) {
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	if from == "" && to == "" {
		return nil, nil
	}
	var r domain.DateRange
	if from != "" {
		t, _, err := parseBound(from)
		if err != nil {
			return nil, fmt.Errorf("начало периода: %w", err)
		}
		r.From = t
	}
	if to != "" {
		t, dateOnly, err := parseBound(to)
		if err != nil {
			return nil, fmt.Errorf("конец периода: %w", err)
		}
		if dateOnly {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		r.To = t
	}
	if !r.From.IsZero() && !r.To.IsZero() && r.To.Before(r.From) {
		return nil, fmt.Errorf("конец периода %s раньше начала %s", to, from)
	}
	return &r, nil
}

func parseBound(s string) (time.Time, bool, error) {
	if t, err := time.Parse(dayLayout, s); err == nil {
		return t.UTC(), true, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("не удалось разобрать дату %q", s)
	}
	return t.UTC(), false, nil
}
