package telegram

import "strings"

const (
	// MessageLimit — максимальная длина текстового сообщения в рунах.
	MessageLimit = 4096
	// CaptionLimit — максимальная длина подписи к фото в рунах.
	CaptionLimit = 1024
)

// SplitMessage breaks the text into chunks that respect Telegram's message size limit.
func SplitMessage(text string) []string {
	return SplitText(text, MessageLimit)
}

// SplitText breaks the text into chunks of at most limit runes.
// It prefers to split on newline boundaries so formatted blocks stay intact.
func SplitText(text string, limit int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if limit <= 0 {
		limit = MessageLimit
	}

	runes := []rune(trimmed)
	if len(runes) <= limit {
		return []string{trimmed}
	}

	var parts []string
	for start := 0; start < len(runes); {
		end := start + limit
		if end >= len(runes) {
			if chunk := strings.Trim(string(runes[start:]), "\n"); chunk != "" {
				parts = append(parts, chunk)
			}
			break
		}

		split := lastNewline(runes, start, end)
		if split == -1 {
			split = end
		}
		if chunk := strings.Trim(string(runes[start:split]), "\n"); chunk != "" {
			parts = append(parts, chunk)
		}

		start = split
		for start < len(runes) && runes[start] == '\n' {
			start++
		}
	}

	if len(parts) == 0 {
		return []string{trimmed}
	}
	return parts
}

// TruncateCaption shortens the caption to CaptionLimit runes, cutting on the last
// newline that fits so HTML markup on other lines stays balanced.
func TruncateCaption(caption string) string {
	runes := []rune(strings.TrimSpace(caption))
	if len(runes) <= CaptionLimit {
		return string(runes)
	}
	if split := lastNewline(runes, 0, CaptionLimit); split > 0 {
		return strings.TrimRight(string(runes[:split]), "\n")
	}
	return string(runes[:CaptionLimit-1]) + "…"
}

func lastNewline(runes []rune, start, end int) int {
	for i := end; i > start; i-- {
		if runes[i-1] == '\n' {
			return i
		}
	}
	return -1
}
