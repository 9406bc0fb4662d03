package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tg-reaction-ranker/internal/domain"
	"tg-reaction-ranker/internal/infra/metrics"
)

// RedisAnalysisQueue реализует очередь задач анализа на базе Redis lists.
type RedisAnalysisQueue struct {
	client *redis.Client
	key    string
	log    zerolog.Logger
}

var _ domain.AnalysisQueue = (*RedisAnalysisQueue)(nil)

// NewRedisAnalysisQueue создаёт очередь по указанному ключу.
func NewRedisAnalysisQueue(client *redis.Client, key string, log zerolog.Logger) *RedisAnalysisQueue {
	return &RedisAnalysisQueue{client: client, key: key, log: log}
}

// Enqueue публикует задачу в очередь.
func (q *RedisAnalysisQueue) Enqueue(ctx context.Context, job domain.AnalysisJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: кодирование задачи: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("queue: публикация задачи: %w", err)
	}
	return nil
}

// Receive блокирующе читает задачу из очереди. Повреждённые записи пропускаются.
func (q *RedisAnalysisQueue) Receive(ctx context.Context) (domain.AnalysisJob, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.AnalysisJob{}, err
		}
		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return domain.AnalysisJob{}, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return domain.AnalysisJob{}, fmt.Errorf("queue: чтение задачи: %w", err)
		}
		if len(res) != 2 {
			return domain.AnalysisJob{}, errors.New("queue: неожиданный ответ redis")
		}
		job, ok := accept(q.log, q.key, []byte(res[1]))
		if !ok {
			continue
		}
		return job, nil
	}
}

// accept разбирает задачу. Повреждённая запись учитывается в метриках и пропускается.
func accept(log zerolog.Logger, queue string, payload []byte) (domain.AnalysisJob, bool) {
	job, err := decodeJob(payload)
	if err != nil {
		metrics.QueueRejectedJobs.WithLabelValues(queue).Inc()
		log.Warn().Err(err).Str("queue", queue).Int("bytes", len(payload)).Msg("queue: повреждённая задача пропущена")
		return domain.AnalysisJob{}, false
	}
	return job, true
}

func decodeJob(payload []byte) (domain.AnalysisJob, error) {
	var job domain.AnalysisJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return domain.AnalysisJob{}, fmt.Errorf("queue: разбор задачи: %w", err)
	}
	if job.ChatID == 0 || (job.Username == "" && job.ChannelID == 0) {
		return domain.AnalysisJob{}, errors.New("queue: задача без чата или канала")
	}
	return job, nil
}
