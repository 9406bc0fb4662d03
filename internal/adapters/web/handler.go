package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"tg-reaction-ranker/internal/adapters/mtproto"
	"tg-reaction-ranker/internal/domain"
	"tg-reaction-ranker/internal/infra/cache"
	"tg-reaction-ranker/internal/usecase/aggregate"
	"tg-reaction-ranker/internal/usecase/analysis"
	"tg-reaction-ranker/internal/usecase/channels"
	"tg-reaction-ranker/internal/usecase/report"
)

// errBadRequest помечает ошибки разбора параметров запроса.
var errBadRequest = errors.New("некорректный запрос")

// Handler обслуживает JSON API рейтинга.
type Handler struct {
	run      domain.SourceRunner
	analysis *analysis.Service
	media    domain.MediaStore
	topN     int
	log      zerolog.Logger
}

// NewHandler создаёт обработчик API. media может быть nil, тогда фото не отдаются.
func NewHandler(run domain.SourceRunner, svc *analysis.Service, media domain.MediaStore, topN int, log zerolog.Logger) *Handler {
	if topN <= 0 {
		topN = 10
	}
	return &Handler{run: run, analysis: svc, media: media, topN: topN, log: log}
}

// Routes регистрирует маршруты /api/v1.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/v1/channels", func(r chi.Router) {
		r.Get("/", h.listChannels)
		r.Route("/{channel}", func(r chi.Router) {
			r.Get("/ranking", h.ranking)
			r.Get("/result", h.result)
			r.Get("/report", h.report)
			r.Post("/report/send", h.sendReport)
			r.Get("/media/{message}", h.mediaFile)
			r.Delete("/cache", h.clearCache)
		})
	})
}

type rankingResponse struct {
	analysis.Result
	Interrupted string `json:"interrupted,omitempty"`
}

func (h *Handler) listChannels(w http.ResponseWriter, r *http.Request) {
	var list []domain.ChannelRef
	err := h.run(r.Context(), func(ctx context.Context, src domain.MessageSource) error {
		var err error
		list, err = channels.List(ctx, src)
		return err
	})
	if err != nil {
		h.writeFailure(w, "список каналов", err)
		return
	}
	if list == nil {
		list = []domain.ChannelRef{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) ranking(w http.ResponseWriter, r *http.Request) {
	req, withMedia, err := h.parseRanking(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var res analysis.Result
	var analyzeErr error
	err = h.run(r.Context(), func(ctx context.Context, src domain.MessageSource) error {
		channel, err := channels.Resolve(ctx, src, chi.URLParam(r, "channel"))
		if err != nil {
			return err
		}
		req.Channel = channel
		res, analyzeErr = h.analysis.Analyze(ctx, src, req)
		if analyzeErr != nil && !errors.Is(analyzeErr, domain.ErrFetchInterrupted) {
			return analyzeErr
		}
		if withMedia {
			res.Entries, err = h.analysis.FetchMedia(ctx, src, channel, res.Entries, req.Limit)
			if err != nil {
				h.log.Warn().Err(err).Int64("channel", channel.ID).Msg("web: медиа скачаны не полностью")
			}
		}
		return nil
	})
	if err != nil {
		h.writeFailure(w, "рейтинг", err)
		return
	}
	resp := rankingResponse{Result: res}
	if analyzeErr != nil {
		resp.Interrupted = analyzeErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) parseRanking(r *http.Request) (analysis.Request, bool, error) {
	q := r.URL.Query()
	req := analysis.Request{
		TargetEmojis: channels.NormalizeEmojis(q["emoji"]...),
		Keyword:      strings.TrimSpace(q.Get("keyword")),
		Limit:        h.topN,
	}
	var err error
	if req.DateRange, err = analysis.ParseDateRange(q.Get("from"), q.Get("to")); err != nil {
		return req, false, err
	}
	if req.Sort, err = analysis.ParseSortMode(q.Get("sort")); err != nil {
		return req, false, err
	}
	if req.ForceRefresh, err = parseBool(q.Get("refresh")); err != nil {
		return req, false, err
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return req, false, errors.New("limit должен быть неотрицательным числом")
		}
		req.Limit = limit
	}
	withMedia, err := parseBool(q.Get("media"))
	return req, withMedia, err
}

func (h *Handler) result(w http.ResponseWriter, r *http.Request) {
	snap, err := h.lastResult(r)
	if err != nil {
		h.writeFailure(w, "сохранённый рейтинг", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) report(w http.ResponseWriter, r *http.Request) {
	snap, err := h.lastResult(r)
	if err != nil {
		h.writeFailure(w, "отчёт", err)
		return
	}
	entries := snap.Entries
	stats := aggregate.Summarize(entries)
	if len(entries) > h.topN {
		entries = entries[:h.topN]
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(report.Text(snap.Channel, snap.TargetEmojis, entries, stats, snap.ComputedAt)))
}

func (h *Handler) sendReport(w http.ResponseWriter, r *http.Request) {
	req, _, err := h.parseRanking(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var sent int
	err = h.run(r.Context(), func(ctx context.Context, src domain.MessageSource) error {
		channel, err := channels.Resolve(ctx, src, chi.URLParam(r, "channel"))
		if err != nil {
			return err
		}
		req.Channel = channel
		res, err := h.analysis.Analyze(ctx, src, req)
		if err != nil && !errors.Is(err, domain.ErrFetchInterrupted) {
			return err
		}
		if err := h.analysis.SendReport(ctx, src, res); err != nil {
			return err
		}
		sent = len(res.Entries) + 1
		return nil
	})
	if err != nil {
		h.writeFailure(w, "отправка отчёта", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "messages": sent})
}

func (h *Handler) mediaFile(w http.ResponseWriter, r *http.Request) {
	channelID, err := strconv.ParseInt(chi.URLParam(r, "channel"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "для медиа нужен числовой ID канала")
		return
	}
	messageID, err := strconv.Atoi(chi.URLParam(r, "message"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный ID сообщения")
		return
	}
	if h.media == nil {
		writeError(w, http.StatusNotFound, "медиа не найдено")
		return
	}
	path, ok := h.media.MediaPath(channelID, messageID)
	if !ok {
		writeError(w, http.StatusNotFound, "медиа не найдено")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeFile(w, r, path)
}

func (h *Handler) clearCache(w http.ResponseWriter, r *http.Request) {
	all, err := parseBool(r.URL.Query().Get("all"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	channelID, err := h.channelID(r)
	if err != nil {
		h.writeFailure(w, "очистка кэша", err)
		return
	}
	if err := h.analysis.ClearCache(channelID, all); err != nil {
		h.writeFailure(w, "очистка кэша", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) lastResult(r *http.Request) (*domain.ResultSnapshot, error) {
	channelID, err := h.channelID(r)
	if err != nil {
		return nil, err
	}
	return h.analysis.LastResult(channelID)
}

// channelID возвращает ID канала из пути. Числовой ID не требует сессии,
// username разрешается через источник.
func (h *Handler) channelID(r *http.Request) (int64, error) {
	input := chi.URLParam(r, "channel")
	query, err := channels.ParseChannelInput(input)
	if err != nil {
		return 0, err
	}
	if query.ID != 0 {
		return query.ID, nil
	}
	var id int64
	err = h.run(r.Context(), func(ctx context.Context, src domain.MessageSource) error {
		ch, err := channels.Resolve(ctx, src, input)
		id = ch.ID
		return err
	})
	return id, err
}

func (h *Handler) writeFailure(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("op", op).Msg("web: запрос завершился ошибкой")
	} else {
		h.log.Debug().Err(err).Str("op", op).Msg("web: отказ в запросе")
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, channels.ErrInputInvalid),
		errors.Is(err, analysis.ErrNoTargets),
		errors.Is(err, analysis.ErrNoChannel):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrChannelUnavailable), errors.Is(err, analysis.ErrNoResult):
		return http.StatusNotFound
	case errors.Is(err, cache.ErrLocked):
		return http.StatusConflict
	case errors.Is(err, mtproto.ErrUnauthorized):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func parseBool(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.Join(errBadRequest, errors.New("ожидали true/false или 1/0, получили "+strconv.Quote(v)))
	}
	return b, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
