package mtproto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/gotd/td/tgerr"

	"tg-reaction-ranker/internal/domain"
)

// ErrUnauthorized возвращается, если сессия не авторизована. Авторизация
// выполняется вне приложения, сюда импортируется готовая сессия.
var ErrUnauthorized = errors.New("mtproto: сессия не авторизована, импортируйте сессию командой session import")

var unavailableTypes = []string{
	"CHANNEL_PRIVATE",
	"CHANNEL_INVALID",
	"CHANNEL_PUBLIC_GROUP_NA",
	"CHAT_FORBIDDEN",
	"USERNAME_INVALID",
	"USERNAME_NOT_OCCUPIED",
	"PEER_ID_INVALID",
}

// mapError переводит ошибки MTProto в доменную таксономию.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return fmt.Errorf("mtproto: %s: %w", op, &domain.ThrottledError{Wait: wait})
	}
	if tgerr.Is(err, unavailableTypes...) {
		return fmt.Errorf("mtproto: %s: %w: %v", op, domain.ErrChannelUnavailable, err)
	}
	if rpcErr, ok := tgerr.As(err); ok && rpcErr.Code >= 500 {
		return fmt.Errorf("mtproto: %s: %w: %v", op, domain.ErrTransient, err)
	}
	if isNetworkError(err) {
		return fmt.Errorf("mtproto: %s: %w: %v", op, domain.ErrTransient, err)
	}
	return fmt.Errorf("mtproto: %s: %w", op, err)
}

// isNetworkError отличает обрыв соединения от ошибок протокола.
func isNetworkError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
