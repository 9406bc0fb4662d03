package domain

import (
	"context"
	"time"
)

// AnalysisJobCause описывает источник запроса на анализ.
type AnalysisJobCause string

const (
	// AnalysisCauseTop — пользователь запросил рейтинг (кэш допустим).
	AnalysisCauseTop AnalysisJobCause = "top"
	// AnalysisCauseRefresh — пользователь запросил принудительное обновление.
	AnalysisCauseRefresh AnalysisJobCause = "refresh"
)

// AnalysisJob содержит запрос бота на анализ канала.
type AnalysisJob struct {
	ID          string           `json:"job_id,omitempty"`
	ChatID      int64            `json:"chat_id"`
	Username    string           `json:"username,omitempty"`
	ChannelID   int64            `json:"channel_id,omitempty"`
	Keyword     string           `json:"keyword,omitempty"`
	RequestedAt time.Time        `json:"requested_at"`
	Cause       AnalysisJobCause `json:"cause"`
}

// Query возвращает параметры поиска канала из задачи.
func (j AnalysisJob) Query() ChannelQuery {
	return ChannelQuery{Username: j.Username, ID: j.ChannelID}
}

// AnalysisQueue описывает очередь задач на анализ.
type AnalysisQueue interface {
	Enqueue(ctx context.Context, job AnalysisJob) error
	Receive(ctx context.Context) (AnalysisJob, error)
}
