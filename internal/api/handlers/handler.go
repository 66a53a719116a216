// handler.go — APIHandler собирает доменные handlers и привязывает
// маршруты к chi router.
package handlers

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// APIHandler — все endpoints Audio Proxy в одном объекте.
type APIHandler struct {
	audio  *AudioHandler
	stream *StreamHandler
	cache  *CacheHandler
	search *SearchHandler
	health *HealthHandler
}

// NewAPIHandler создаёт единый handler для всех endpoints.
func NewAPIHandler(
	audio *AudioHandler,
	stream *StreamHandler,
	cache *CacheHandler,
	search *SearchHandler,
	health *HealthHandler,
) *APIHandler {
	return &APIHandler{
		audio:  audio,
		stream: stream,
		cache:  cache,
		search: search,
		health: health,
	}
}

// Routes привязывает маршруты к router.
func (h *APIHandler) Routes(router chi.Router) {
	// Health и метрики
	router.Get("/health", h.health.Health)
	router.Get("/health/live", h.health.HealthLive)
	router.Get("/health/ready", h.health.HealthReady)
	router.Get("/metrics", promhttp.Handler().ServeHTTP)

	// Аудио
	router.Get("/audio/{sourceId}", h.audio.GetAudio)

	// Локальные файлы по токену
	router.Post("/stream/register", h.stream.Register)
	router.Get("/stream/{fileToken}", h.stream.GetStream)

	// Кэш
	router.Get("/cache/info", h.cache.Info)
	router.Post("/cache/clear", h.cache.Clear)

	// Поиск
	router.Get("/search", h.search.Search)
}
