// audio.go — основной endpoint GET /audio/{sourceId}.
// Локальный режим: координатор скачивания приводит файл в кэш, отдача
// через range streamer. Proxy-режим: разрешение id через upstream и
// релеирование потока без сохранения на диск.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goaudioproxy/internal/api/errors"
	"github.com/bigkaa/goaudioproxy/internal/domain/model"
	"github.com/bigkaa/goaudioproxy/internal/service"
)

// AudioHandler обслуживает /audio/{sourceId}.
type AudioHandler struct {
	// coordinator — локальный режим; nil, если загрузчик не настроен
	coordinator *service.DownloadCoordinator
	// resolver — proxy-режим; nil, если резолверы не настроены
	resolver *service.StreamResolver
	streamer *service.RangeStreamer
	logger   *slog.Logger
}

// NewAudioHandler создаёт обработчик аудио.
// Ровно один из coordinator/resolver определяет режим работы;
// coordinator имеет приоритет.
func NewAudioHandler(
	coordinator *service.DownloadCoordinator,
	resolver *service.StreamResolver,
	streamer *service.RangeStreamer,
	logger *slog.Logger,
) *AudioHandler {
	return &AudioHandler{
		coordinator: coordinator,
		resolver:    resolver,
		streamer:    streamer,
		logger:      logger.With(slog.String("handler", "audio")),
	}
}

// GetAudio обрабатывает GET /audio/{sourceId}.
func (h *AudioHandler) GetAudio(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceId")
	if err := model.ValidateSourceID(sourceID); err != nil {
		apierrors.InvalidID(w, err.Error())
		return
	}

	if h.coordinator != nil {
		h.serveLocal(w, r, sourceID)
		return
	}
	h.serveProxy(w, r, sourceID)
}

// serveLocal — локальный режим: скачать при необходимости, отдать из кэша.
func (h *AudioHandler) serveLocal(w http.ResponseWriter, r *http.Request, sourceID string) {
	entry, err := h.coordinator.Acquire(r.Context(), sourceID)
	if err != nil {
		h.writeAudioError(w, r, sourceID, err)
		return
	}

	h.streamer.ServeFile(w, r, entry.Path, service.ContentTypeFor(entry.Container))
}

// serveProxy — proxy-режим: разрешить id и релеировать поток.
func (h *AudioHandler) serveProxy(w http.ResponseWriter, r *http.Request, sourceID string) {
	url, err := h.resolver.Resolve(r.Context(), sourceID)
	if err != nil {
		h.writeAudioError(w, r, sourceID, err)
		return
	}

	if err := h.resolver.Relay(w, r, url); err != nil {
		h.writeAudioError(w, r, sourceID, err)
	}
}

// writeAudioError отображает ошибки сервисов на таксономию HTTP-ответов.
func (h *AudioHandler) writeAudioError(w http.ResponseWriter, r *http.Request, sourceID string, err error) {
	// Клиент ушёл — отвечать некому
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		return
	}

	var invalidID *model.ErrInvalidSourceID

	switch {
	case errors.As(err, &invalidID):
		apierrors.InvalidID(w, err.Error())
	case errors.Is(err, service.ErrNoAudioStream):
		apierrors.NotFound(w, "аудиопоток не найден")
	case errors.Is(err, service.ErrDownloadFailed):
		apierrors.DownloadFailed(w, "не удалось скачать аудио")
	case errors.Is(err, service.ErrTooManyRedirects):
		apierrors.TooManyRedirects(w, "превышена глубина редиректов upstream")
	case errors.Is(err, service.ErrRelayTooLarge):
		apierrors.TooLarge(w, "аудиопоток превышает лимит размера")
	case errors.Is(err, service.ErrUpstreamUnavailable):
		apierrors.UpstreamUnavailable(w, "upstream-резолверы недоступны")
	default:
		h.logger.Error("Необработанная ошибка обслуживания аудио",
			slog.String("source_id", sourceID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "внутренняя ошибка")
	}
}
