package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrChannelUnavailable — канал не найден или доступ запрещён. Не повторяется.
	ErrChannelUnavailable = errors.New("канал недоступен")
	// ErrFetchInterrupted — выгрузка остановлена на середине, частичные данные сохранены.
	ErrFetchInterrupted = errors.New("выгрузка истории прервана")
	// ErrCacheCorrupt — запись кэша не читается. Трактуется как промах кэша.
	ErrCacheCorrupt = errors.New("кэш повреждён")
	// ErrTransient — временная ошибка источника, имеет смысл повторить.
	ErrTransient = errors.New("временная ошибка источника")
)

// FetchInterruptedError описывает прерванную выгрузку.
type FetchInterruptedError struct {
	ChannelID int64
	Fetched   int
	Cause     error
}

func (e *FetchInterruptedError) Error() string {
	return fmt.Sprintf("выгрузка канала %d прервана после %d сообщений: %v", e.ChannelID, e.Fetched, e.Cause)
}

// Unwrap возвращает причину прерывания.
func (e *FetchInterruptedError) Unwrap() error { return e.Cause }

// Is позволяет сравнивать с ErrFetchInterrupted.
func (e *FetchInterruptedError) Is(target error) bool { return target == ErrFetchInterrupted }

// ThrottledError — источник попросил подождать (FLOOD_WAIT).
type ThrottledError struct {
	Wait time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("превышен лимит запросов, ожидание %s", e.Wait)
}

// Is позволяет сравнивать с ErrTransient.
func (e *ThrottledError) Is(target error) bool { return target == ErrTransient }

// IsRetryable сообщает, стоит ли повторять запрос к источнику.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
