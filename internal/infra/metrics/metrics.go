package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	FetchPages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fetch_pages_total",
		Help: "Загруженные страницы истории каналов",
	})
	FetchRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fetch_retries_total",
		Help: "Повторы запросов истории по причине",
	}, []string{"reason"})
	FetchInterrupted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fetch_interrupted_total",
		Help: "Прерванные выгрузки истории",
	})
	AnalysisSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "analysis_seconds",
		Help:    "Время анализа канала",
		Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"mode"})
	CacheEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_events_total",
		Help: "События кэша каналов",
	}, []string{"kind", "event"})
	BotSendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_send_errors_total",
		Help: "Ошибки отправки сообщений ботом",
	})
	QueueRejectedJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_rejected_jobs_total",
		Help: "Повреждённые задачи, пропущенные очередью",
	}, []string{"queue"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 25, 30, 45, 60, 90, 120},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	AnalysisRequestsByChannel = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "analysis_requests_by_channel_total",
		Help: "Количество запросов анализа по каналам",
	}, []string{"channel_id"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		FetchPages,
		FetchRetries,
		FetchInterrupted,
		AnalysisSeconds,
		CacheEvents,
		BotSendErrors,
		QueueRejectedJobs,
		NetworkRequestDuration,
		NetworkRequestTotal,
		AnalysisRequestsByChannel,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveAnalysis записывает длительность анализа; mode — cache или fetch.
func ObserveAnalysis(mode string, start time.Time) {
	AnalysisSeconds.WithLabelValues(mode).Observe(time.Since(start).Seconds())
}

// IncCacheEvent увеличивает счётчик события кэша (kind: raw/result/media, event: hit/miss/corrupt/write).
func IncCacheEvent(kind, event string) {
	CacheEvents.WithLabelValues(kind, event).Inc()
}

// IncAnalysisForChannel увеличивает счётчик запросов анализа для канала.
func IncAnalysisForChannel(channelID int64) {
	AnalysisRequestsByChannel.WithLabelValues(strconv.FormatInt(channelID, 10)).Inc()
}
