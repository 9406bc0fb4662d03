package domain

import (
	"context"
	"io"
)

// ChannelDirectory перечисляет и находит каналы, доступные аккаунту.
type ChannelDirectory interface {
	ListChannels(ctx context.Context) ([]ChannelRef, error)
	ResolveChannel(ctx context.Context, query ChannelQuery) (ChannelRef, error)
}

// HistorySource отдаёт историю канала постранично.
type HistorySource interface {
	FetchHistory(ctx context.Context, channel ChannelRef, req HistoryRequest) (HistoryPage, error)
}

// MediaSource скачивает медиа сообщения.
type MediaSource interface {
	DownloadPhoto(ctx context.Context, channel ChannelRef, messageID int, ref MediaRef, w io.Writer) error
}

// ReportSender доставляет отчёт обратно в Telegram.
type ReportSender interface {
	SendReport(ctx context.Context, text string) error
}

// MessageSource — удалённый источник сообщений целиком.
type MessageSource interface {
	ChannelDirectory
	HistorySource
	MediaSource
	ReportSender
}

// SourceRunner открывает сессию источника на время fn. Источник нельзя
// использовать после возврата из fn.
type SourceRunner func(ctx context.Context, fn func(ctx context.Context, src MessageSource) error) error

// CacheStore хранит снимки по ID канала.
type CacheStore interface {
	LoadRaw(channelID int64) (*RawSnapshot, error)
	SaveRaw(snapshot RawSnapshot) error
	LoadResult(channelID int64) (*ResultSnapshot, error)
	SaveResult(snapshot ResultSnapshot) error
	Clear(channelID int64, all bool) error
}

// MediaStore — вспомогательный индекс медиа по (канал, сообщение).
type MediaStore interface {
	MediaPath(channelID int64, messageID int) (string, bool)
	SaveMedia(channelID int64, messageID int, r io.Reader) (string, error)
}

// ChannelLocker сериализует анализ одного канала между процессами.
type ChannelLocker interface {
	Lock(ctx context.Context, channelID int64) (unlock func(), err error)
}
