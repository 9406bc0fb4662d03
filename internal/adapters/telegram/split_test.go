package telegram

import (
	"strings"
	"testing"
)

func TestSplitMessageRespectsLimit(t *testing.T) {
	var builder strings.Builder
	builder.WriteString(strings.Repeat("a", 3000))
	builder.WriteString("\n\n")
	builder.WriteString(strings.Repeat("b", 2000))
	builder.WriteString("\n")
	builder.WriteString(strings.Repeat("c", 500))

	parts := SplitMessage(builder.String())
	if len(parts) != 2 {
		t.Fatalf("ожидали 2 части, получили %d", len(parts))
	}
	for i, part := range parts {
		if length := len([]rune(part)); length > MessageLimit {
			t.Fatalf("часть %d превышает лимит: %d", i, length)
		}
	}
	if parts[0] != strings.Repeat("a", 3000) {
		t.Fatalf("неожиданное содержимое первой части")
	}
	if !strings.HasPrefix(parts[1], "b") || !strings.HasSuffix(parts[1], strings.Repeat("c", 500)) {
		t.Fatalf("вторая часть должна содержать блоки b и c")
	}
}

func TestSplitTextWithoutNewlines(t *testing.T) {
	parts := SplitText(strings.Repeat("я", 25), 10)
	if len(parts) != 3 || len([]rune(parts[2])) != 5 {
		t.Fatalf("ожидали части 10/10/5, получили %v", parts)
	}
}

func TestSplitMessageShortAndEmpty(t *testing.T) {
	if parts := SplitMessage("hello world"); len(parts) != 1 || parts[0] != "hello world" {
		t.Fatalf("неожиданный результат: %v", parts)
	}
	if parts := SplitMessage("   \n  "); len(parts) != 0 {
		t.Fatalf("для пустого текста частей быть не должно, получили %d", len(parts))
	}
}

func TestTruncateCaption(t *testing.T) {
	short := "<b>1 место</b>\nтекст"
	if TruncateCaption(short) != short {
		t.Fatal("короткая подпись не должна меняться")
	}
	long := "<b>1 место</b>\n" + strings.Repeat("ж", 1100) + "\n<a href=\"x\">ссылка</a>"
	got := TruncateCaption(long)
	if got != "<b>1 место</b>" {
		t.Fatalf("ожидали обрезку по последнему переводу строки, получили %d рун", len([]rune(got)))
	}
	solid := strings.Repeat("ж", 2000)
	if got := TruncateCaption(solid); len([]rune(got)) != CaptionLimit {
		t.Fatalf("ожидали %d рун, получили %d", CaptionLimit, len([]rune(got)))
	}
}
