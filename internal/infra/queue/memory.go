package queue

import (
	"context"
	"errors"

	"tg-reaction-ranker/internal/domain"
)

// ErrQueueFull возвращается, если буфер очереди в памяти заполнен.
var ErrQueueFull = errors.New("queue: очередь переполнена")

// MemoryAnalysisQueue — очередь в памяти процесса для запуска без Redis.
type MemoryAnalysisQueue struct {
	jobs chan domain.AnalysisJob
}

var _ domain.AnalysisQueue = (*MemoryAnalysisQueue)(nil)

// NewMemoryAnalysisQueue создаёт очередь с буфером size.
func NewMemoryAnalysisQueue(size int) *MemoryAnalysisQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryAnalysisQueue{jobs: make(chan domain.AnalysisJob, size)}
}

// Enqueue добавляет задачу без ожидания.
func (q *MemoryAnalysisQueue) Enqueue(ctx context.Context, job domain.AnalysisJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Receive ждёт следующую задачу или отмену контекста.
func (q *MemoryAnalysisQueue) Receive(ctx context.Context) (domain.AnalysisJob, error) {
	select {
	case <-ctx.Done():
		return domain.AnalysisJob{}, ctx.Err()
	case job := <-q.jobs:
		return job, nil
	}
}
