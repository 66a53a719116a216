// resolver.go — proxy-режим: разрешение source id в прямой аудио-URL
// через список взаимозаменяемых upstream-резолверов (Piped-совместимый
// API) и релеирование байтового потока клиенту без сохранения на диск.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goaudioproxy/internal/domain/model"
)

// Ошибки proxy-режима.
var (
	// ErrUpstreamUnavailable — все upstream-резолверы исчерпаны.
	ErrUpstreamUnavailable = errors.New("все upstream-резолверы недоступны")
	// ErrTooManyRedirects — превышена глубина редиректов при релеировании.
	ErrTooManyRedirects = errors.New("превышена глубина редиректов upstream")
	// ErrRelayTooLarge — upstream-поток превышает лимит размера.
	ErrRelayTooLarge = errors.New("upstream-поток превышает лимит размера")
	// ErrNoAudioStream — резолвер ответил, но аудиопотока нет.
	ErrNoAudioStream = errors.New("резолвер не вернул аудиопотоков")
)

// maxRelayRedirects — допустимая глубина редиректов при релеировании.
const maxRelayRedirects = 5

// Prometheus-метрики proxy-режима.
var (
	resolverQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ap_resolver_queries_total",
		Help: "Общее количество запросов к upstream-резолверам (по статусу).",
	}, []string{"status"})

	relayBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ap_relay_bytes_total",
		Help: "Общее количество байт, переданных при релеировании.",
	})

	relayAbortsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ap_relay_aborts_total",
		Help: "Количество прерванных релеев (по причине).",
	}, []string{"reason"})
)

// StreamResolver — разрешение source id в прямой аудио-URL и релеирование.
// Запоминает последний успешный резолвер и пробует его первым при
// следующем вызове (sticky-предпочтение, не round-robin).
type StreamResolver struct {
	endpoints          []string
	queryTimeout       time.Duration
	preferredContainer string
	maxRelayBytes      int64

	// preferred — индекс последнего успешного резолвера.
	// Явное состояние, а не побочный эффект порядка обхода.
	mu        sync.Mutex
	preferred int

	queryClient *http.Client
	relayClient *http.Client

	// urlCache — краткоживущий кэш разрешённых URL: upstream выдаёт
	// time-limited ссылки, долго хранить их бессмысленно.
	urlCache *expirable.LRU[string, string]

	logger *slog.Logger
}

// NewStreamResolver создаёт резолвер с упорядоченным списком endpoints.
func NewStreamResolver(
	endpoints []string,
	queryTimeout time.Duration,
	preferredContainer string,
	maxRelayBytes int64,
	logger *slog.Logger,
) *StreamResolver {
	return &StreamResolver{
		endpoints:          endpoints,
		queryTimeout:       queryTimeout,
		preferredContainer: preferredContainer,
		maxRelayBytes:      maxRelayBytes,
		queryClient:        &http.Client{},
		relayClient: &http.Client{
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= maxRelayRedirects {
					return ErrTooManyRedirects
				}
				return nil
			},
		},
		urlCache: expirable.NewLRU[string, string](256, nil, 5*time.Minute),
		logger:   logger.With(slog.String("component", "stream_resolver")),
	}
}

// Endpoints возвращает настроенный список резолверов.
func (r *StreamResolver) Endpoints() []string {
	return r.endpoints
}

// candidateOrder возвращает индексы endpoints: sticky-предпочтение первым,
// далее по исходному порядку.
func (r *StreamResolver) candidateOrder() []int {
	r.mu.Lock()
	preferred := r.preferred
	r.mu.Unlock()

	order := make([]int, 0, len(r.endpoints))
	order = append(order, preferred)
	for i := range r.endpoints {
		if i != preferred {
			order = append(order, i)
		}
	}
	return order
}

// setPreferred запоминает последний успешный резолвер.
func (r *StreamResolver) setPreferred(idx int) {
	r.mu.Lock()
	r.preferred = idx
	r.mu.Unlock()
}

// QueryJSON опрашивает резолверы по очереди (sticky первым) и
// декодирует JSON-ответ первого успешного в out. Каждый запрос ограничен
// queryTimeout; успех обновляет sticky-предпочтение.
func (r *StreamResolver) QueryJSON(ctx context.Context, path string, out any) error {
	if len(r.endpoints) == 0 {
		return ErrUpstreamUnavailable
	}

	var lastErr error
	for _, idx := range r.candidateOrder() {
		base := r.endpoints[idx]

		err := r.queryOne(ctx, base+path, out)
		if err != nil {
			lastErr = err
			resolverQueriesTotal.WithLabelValues("error").Inc()
			r.logger.Warn("Резолвер недоступен, пробуем следующий",
				slog.String("endpoint", base),
				slog.String("error", err.Error()),
			)
			continue
		}

		resolverQueriesTotal.WithLabelValues("success").Inc()
		r.setPreferred(idx)
		return nil
	}

	if lastErr != nil {
		return fmt.Errorf("%w: последняя ошибка: %v", ErrUpstreamUnavailable, lastErr)
	}
	return ErrUpstreamUnavailable
}

// queryOne — один запрос к резолверу с собственным таймаутом.
func (r *StreamResolver) queryOne(ctx context.Context, url string, out any) error {
	qCtx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(qCtx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("создание запроса: %w", err)
	}

	resp, err := r.queryClient.Do(req)
	if err != nil {
		return fmt.Errorf("запрос к резолверу: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("резолвер вернул статус %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("декодирование ответа резолвера: %w", err)
	}
	return nil
}

// audioStream — один аудиовариант из ответа резолвера.
type audioStream struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType"`
	Bitrate  int    `json:"bitrate"`
}

// streamsResponse — ответ /streams/{id} Piped-совместимого резолвера.
type streamsResponse struct {
	AudioStreams []audioStream `json:"audioStreams"`
}

// Resolve возвращает прямой аудио-URL для sourceID.
// Лучший вариант выбирается двухключевой сортировкой: сначала
// предпочитаемый контейнер, затем убывание битрейта.
func (r *StreamResolver) Resolve(ctx context.Context, sourceID string) (string, error) {
	if err := model.ValidateSourceID(sourceID); err != nil {
		return "", err
	}

	if url, ok := r.urlCache.Get(sourceID); ok {
		return url, nil
	}

	var streams streamsResponse
	if err := r.QueryJSON(ctx, "/streams/"+sourceID, &streams); err != nil {
		return "", err
	}

	best, err := pickBestAudio(streams.AudioStreams, r.preferredContainer)
	if err != nil {
		return "", err
	}

	r.urlCache.Add(sourceID, best.URL)

	r.logger.Debug("Source id разрешён",
		slog.String("source_id", sourceID),
		slog.String("mime_type", best.MimeType),
		slog.Int("bitrate", best.Bitrate),
	)

	return best.URL, nil
}

// containerMime — соответствие контейнера MIME-типу аудиопотока.
var containerMime = map[string]string{
	"m4a":  "audio/mp4",
	"webm": "audio/webm",
	"opus": "audio/webm",
	"mp3":  "audio/mpeg",
}

// pickBestAudio выбирает лучший аудиовариант: предпочитаемый контейнер
// первым ключом, битрейт по убыванию — вторым.
func pickBestAudio(streams []audioStream, preferredContainer string) (*audioStream, error) {
	preferredMime := containerMime[preferredContainer]

	var best *audioStream
	for i := range streams {
		s := &streams[i]
		if s.URL == "" {
			continue
		}
		if best == nil || audioLess(best, s, preferredMime) {
			best = s
		}
	}
	if best == nil {
		return nil, ErrNoAudioStream
	}
	return best, nil
}

// audioLess — true, если b лучше a по двухключевому порядку.
func audioLess(a, b *audioStream, preferredMime string) bool {
	aPref := strings.HasPrefix(a.MimeType, preferredMime) && preferredMime != ""
	bPref := strings.HasPrefix(b.MimeType, preferredMime) && preferredMime != ""
	if aPref != bPref {
		return bPref
	}
	return b.Bitrate > a.Bitrate
}

// Relay релеирует байтовый поток upstreamURL клиенту.
// Пробрасывает Range клиента, ограничивает глубину редиректов и размер
// потока (и по заявленному Content-Length, и по счётчику переданных байт).
// Возвращает ошибку только до отправки заголовков; после первого байта
// сбой просто обрывает соединение (HTTP запрещает менять статус),
// а превышение лимита размера разрывает его через http.ErrAbortHandler.
// Upstream-запрос привязан к контексту клиента: отключение клиента
// немедленно разрывает upstream-соединение.
func (r *StreamResolver) Relay(w http.ResponseWriter, req *http.Request, upstreamURL string) error {
	upReq, err := http.NewRequestWithContext(req.Context(), http.MethodGet, upstreamURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("создание upstream-запроса: %w", err)
	}
	if rng := req.Header.Get("Range"); rng != "" {
		upReq.Header.Set("Range", rng)
	}

	resp, err := r.relayClient.Do(upReq)
	if err != nil {
		if errors.Is(err, ErrTooManyRedirects) {
			relayAbortsTotal.WithLabelValues("redirects").Inc()
			return ErrTooManyRedirects
		}
		relayAbortsTotal.WithLabelValues("upstream").Inc()
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		relayAbortsTotal.WithLabelValues("upstream").Inc()
		return fmt.Errorf("%w: upstream вернул статус %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	// Заявленный размер проверяем до отправки заголовков
	if resp.ContentLength > r.maxRelayBytes {
		relayAbortsTotal.WithLabelValues("too_large").Inc()
		return fmt.Errorf("%w: заявлено %d байт", ErrRelayTooLarge, resp.ContentLength)
	}

	for _, h := range []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges"} {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	// Счётчик переданных байт страхует от upstream, который врёт
	// о Content-Length: превышение лимита обрывает релей.
	written, copyErr := io.Copy(w, io.LimitReader(resp.Body, r.maxRelayBytes+1))
	relayBytesTotal.Add(float64(written))

	switch {
	case written > r.maxRelayBytes:
		relayAbortsTotal.WithLabelValues("too_large").Inc()
		r.logger.Warn("Релей прерван: превышен лимит размера",
			slog.Int64("written", written),
			slog.Int64("limit", r.maxRelayBytes),
		)
		// Усечённый chunked-ответ не должен выглядеть для клиента как
		// корректный конец потока: разрываем соединение явно.
		panic(http.ErrAbortHandler)
	case copyErr != nil:
		// Заголовки отправлены — клиенту уже не ответить, только лог.
		relayAbortsTotal.WithLabelValues("stream").Inc()
		r.logger.Debug("Релей прерван",
			slog.Int64("written", written),
			slog.String("error", copyErr.Error()),
		)
	}

	return nil
}
