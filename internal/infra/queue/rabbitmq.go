package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"tg-reaction-ranker/internal/domain"
	"tg-reaction-ranker/internal/infra/metrics"
)

// RabbitAnalysisQueue реализует очередь задач анализа через AMQP.
type RabbitAnalysisQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	log   zerolog.Logger

	once       sync.Once
	deliveries <-chan amqp.Delivery
	consumeErr error
}

var _ domain.AnalysisQueue = (*RabbitAnalysisQueue)(nil)

// NewRabbitAnalysisQueue подключается к брокеру и объявляет долговечную очередь.
func NewRabbitAnalysisQueue(url, queue string, log zerolog.Logger) (*RabbitAnalysisQueue, error) {
	if url == "" {
		return nil, errors.New("queue: пустой адрес RabbitMQ")
	}
	if queue == "" {
		return nil, errors.New("queue: пустое имя очереди")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("queue: подключение к RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("queue: открытие канала AMQP: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("queue: объявление очереди %s: %w", queue, err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("queue: настройка prefetch: %w", err)
	}
	return &RabbitAnalysisQueue{conn: conn, ch: ch, queue: queue, log: log}, nil
}

// Enqueue публикует задачу в очередь.
func (q *RabbitAnalysisQueue) Enqueue(ctx context.Context, job domain.AnalysisJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: кодирование задачи: %w", err)
	}
	start := time.Now()
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    job.RequestedAt,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("queue: публикация задачи: %w", err)
	}
	return nil
}

// Receive ждёт следующую задачу. Задача подтверждается сразу после разбора,
// повреждённые сообщения отклоняются без возврата в очередь.
func (q *RabbitAnalysisQueue) Receive(ctx context.Context) (domain.AnalysisJob, error) {
	q.once.Do(func() {
		q.deliveries, q.consumeErr = q.ch.Consume(q.queue, "", false, false, false, false, nil)
	})
	if q.consumeErr != nil {
		return domain.AnalysisJob{}, fmt.Errorf("queue: подписка на очередь: %w", q.consumeErr)
	}
	for {
		select {
		case <-ctx.Done():
			return domain.AnalysisJob{}, ctx.Err()
		case d, ok := <-q.deliveries:
			if !ok {
				return domain.AnalysisJob{}, errors.New("queue: соединение с RabbitMQ закрыто")
			}
			job, ok := accept(q.log, q.queue, d.Body)
			if !ok {
				_ = d.Nack(false, false)
				continue
			}
			if err := d.Ack(false); err != nil {
				return domain.AnalysisJob{}, fmt.Errorf("queue: подтверждение задачи: %w", err)
			}
			return job, nil
		}
	}
}

// Close закрывает канал и соединение.
func (q *RabbitAnalysisQueue) Close() error {
	return errors.Join(q.ch.Close(), q.conn.Close())
}
