package mtproto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"tg-reaction-ranker/internal/domain"
)

func TestConvertMessage(t *testing.T) {
	msg := &tg.Message{ID: 42, Date: 1735689600, Message: "пост"}
	msg.SetViews(1000)
	msg.SetForwards(7)
	msg.SetReactions(tg.MessageReactions{Results: []tg.ReactionCount{
		{Reaction: &tg.ReactionEmoji{Emoticon: "❤️"}, Count: 5},
		{Reaction: &tg.ReactionEmoji{Emoticon: "👍"}, Count: 3},
		{Reaction: &tg.ReactionCustomEmoji{DocumentID: 1}, Count: 4},
		{Reaction: &tg.ReactionPaid{}, Count: 2},
	}})
	msg.SetMedia(&tg.MessageMediaPhoto{Photo: &tg.Photo{
		ID:            9,
		AccessHash:    10,
		FileReference: []byte{1},
		Sizes: []tg.PhotoSizeClass{
			&tg.PhotoSize{Type: "m", W: 320, H: 320},
			&tg.PhotoSize{Type: "y", W: 1280, H: 1280},
			&tg.PhotoStrippedSize{Type: "i"},
		},
	}})

	raw := convertMessage(msg)
	if raw.ID != 42 || !raw.Date.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("неверные ID или дата: %+v", raw)
	}
	if raw.Views != 1000 || raw.Forwards != 7 {
		t.Fatalf("неверные просмотры/пересылки: %+v", raw)
	}
	if raw.Reactions["❤️"] != 5 || raw.Reactions["👍"] != 3 || len(raw.Reactions) != 2 {
		t.Fatalf("неверные эмодзи-реакции: %v", raw.Reactions)
	}
	if raw.TotalReactions != 14 {
		t.Fatalf("всего реакций должно учитывать кастомные и платные: %d", raw.TotalReactions)
	}
	if !raw.Media.IsPhoto() || raw.Media.ThumbSize != "y" || raw.Media.ID != 9 {
		t.Fatalf("неверная ссылка на фото: %+v", raw.Media)
	}
}

func TestConvertMessagesSkipsService(t *testing.T) {
	msgs := []tg.MessageClass{
		&tg.Message{ID: 5},
		&tg.MessageService{ID: 4},
		&tg.MessageEmpty{ID: 3},
	}
	out, minID := convertMessages(msgs)
	if len(out) != 1 || out[0].ID != 5 || minID != 3 {
		t.Fatalf("ожидали одно сообщение и minID=3, получили %d и %d", len(out), minID)
	}
	if out[0].Reactions != nil || out[0].TotalReactions != 0 {
		t.Fatal("сообщение без реакций должно иметь нулевые счётчики")
	}
}

func TestMapError(t *testing.T) {
	err := mapError("get_history", tgerr.New(420, "FLOOD_WAIT_10"))
	var throttled *domain.ThrottledError
	if !errors.As(err, &throttled) || throttled.Wait != 10*time.Second || !domain.IsRetryable(err) {
		t.Fatalf("ожидали ThrottledError на 10s, получили %v", err)
	}
	if err := mapError("resolve", tgerr.New(400, "USERNAME_NOT_OCCUPIED")); !errors.Is(err, domain.ErrChannelUnavailable) {
		t.Fatalf("ожидали ErrChannelUnavailable, получили %v", err)
	}
	if err := mapError("get_history", tgerr.New(500, "INTERNAL")); !domain.IsRetryable(err) {
		t.Fatalf("ошибка 500 должна повторяться: %v", err)
	}
	if err := mapError("get_history", errors.New("boom")); domain.IsRetryable(err) || errors.Is(err, domain.ErrChannelUnavailable) {
		t.Fatalf("неизвестная ошибка не должна классифицироваться: %v", err)
	}
	if mapError("x", nil) != nil {
		t.Fatal("nil должен оставаться nil")
	}
}

func TestMapErrorNetworkFailuresAreTransient(t *testing.T) {
	failures := []error{
		fmt.Errorf("read: %w", io.ErrUnexpectedEOF),
		io.EOF,
		&net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET},
	}
	for _, failure := range failures {
		if err := mapError("get_history", failure); !domain.IsRetryable(err) {
			t.Fatalf("обрыв соединения должен повторяться: %v", err)
		}
	}
	if err := mapError("get_history", context.Canceled); domain.IsRetryable(err) || !errors.Is(err, context.Canceled) {
		t.Fatalf("отмена не должна становиться временной ошибкой: %v", err)
	}
}
