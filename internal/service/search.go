// search.go — поиск по каталогу через upstream-резолверы.
// Результаты кэшируются краткоживущим LRU: повторный запрос той же
// строки не ходит в сеть.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goaudioproxy/internal/domain/model"
)

// ErrEmptyQuery — пустая или пробельная строка поиска.
var ErrEmptyQuery = errors.New("пустая строка поиска")

var (
	searchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ap_search_requests_total",
		Help: "Количество поисковых запросов (по результату).",
	}, []string{"result"})
)

// searchItem — один элемент ответа /search Piped-совместимого резолвера.
type searchItem struct {
	URL          string `json:"url"`
	Type         string `json:"type"`
	Title        string `json:"title"`
	UploaderName string `json:"uploaderName"`
	Duration     int    `json:"duration"`
	Thumbnail    string `json:"thumbnail"`
}

// searchResponse — ответ /search.
type searchResponse struct {
	Items []searchItem `json:"items"`
}

// SearchService — поиск треков через те же upstream-резолверы,
// что и разрешение потоков (общее sticky-предпочтение).
type SearchService struct {
	resolver *StreamResolver
	cache    *expirable.LRU[string, []model.TrackRecord]
	logger   *slog.Logger
}

// NewSearchService создаёт поисковый сервис поверх резолвера.
func NewSearchService(resolver *StreamResolver, cacheTTL time.Duration, logger *slog.Logger) *SearchService {
	return &SearchService{
		resolver: resolver,
		cache:    expirable.NewLRU[string, []model.TrackRecord](128, nil, cacheTTL),
		logger:   logger.With(slog.String("component", "search")),
	}
}

// Search выполняет поиск по каталогу. Фильтр music_songs отсекает
// видеоролики и плейлисты на стороне резолвера.
func (s *SearchService) Search(ctx context.Context, query string) ([]model.TrackRecord, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	cacheKey := strings.ToLower(query)
	if tracks, ok := s.cache.Get(cacheKey); ok {
		searchRequestsTotal.WithLabelValues("cache_hit").Inc()
		return tracks, nil
	}

	path := "/search?q=" + url.QueryEscape(query) + "&filter=music_songs"

	var resp searchResponse
	if err := s.resolver.QueryJSON(ctx, path, &resp); err != nil {
		searchRequestsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	tracks := make([]model.TrackRecord, 0, len(resp.Items))
	for _, item := range resp.Items {
		sourceID, ok := sourceIDFromWatchURL(item.URL)
		if !ok {
			continue
		}
		tracks = append(tracks, model.TrackRecord{
			SourceID:  sourceID,
			Title:     item.Title,
			Artist:    item.UploaderName,
			Duration:  item.Duration,
			Thumbnail: item.Thumbnail,
		})
	}

	s.cache.Add(cacheKey, tracks)
	searchRequestsTotal.WithLabelValues("success").Inc()

	s.logger.Debug("Поиск выполнен",
		slog.String("query", query),
		slog.Int("tracks", len(tracks)),
	)

	return tracks, nil
}

// sourceIDFromWatchURL извлекает source id из ссылки вида
// "/watch?v=<id>". Записи с невалидным id отбрасываются.
func sourceIDFromWatchURL(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	id := u.Query().Get("v")
	if model.ValidateSourceID(id) != nil {
		return "", false
	}
	return id, true
}
