// stream.go — отдача локальных файлов по непрозрачному токену.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goaudioproxy/internal/api/errors"
	"github.com/bigkaa/goaudioproxy/internal/service"
)

// StreamHandler обслуживает /stream/register и /stream/{fileToken}.
type StreamHandler struct {
	registry *service.StreamTokenRegistry
	streamer *service.RangeStreamer
	logger   *slog.Logger
}

// NewStreamHandler создаёт обработчик stream-токенов.
func NewStreamHandler(registry *service.StreamTokenRegistry, streamer *service.RangeStreamer, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{
		registry: registry,
		streamer: streamer,
		logger:   logger.With(slog.String("handler", "stream")),
	}
}

// registerRequest — тело POST /stream/register.
type registerRequest struct {
	Path string `json:"path"`
}

// registerResponse — ответ POST /stream/register.
type registerResponse struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

// Register обрабатывает POST /stream/register: валидирует путь и выдаёт токен.
func (h *StreamHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "некорректный JSON в теле запроса")
		return
	}
	if req.Path == "" {
		apierrors.ValidationError(w, "поле path обязательно")
		return
	}

	token, err := h.registry.Register(req.Path)
	if err != nil {
		if errors.Is(err, service.ErrInvalidPath) {
			apierrors.ValidationError(w, err.Error())
			return
		}
		h.logger.Error("Ошибка регистрации файла", slog.String("error", err.Error()))
		apierrors.InternalError(w, "внутренняя ошибка")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(registerResponse{
		Token: token,
		URL:   "/stream/" + token,
	})
}

// GetStream обрабатывает GET /stream/{fileToken}: отдаёт зарегистрированный
// файл с поддержкой Range. Неизвестный или истёкший токен — 404.
func (h *StreamHandler) GetStream(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "fileToken")

	path, container, err := h.registry.Lookup(token)
	if err != nil {
		apierrors.NotFound(w, "токен не найден или истёк")
		return
	}

	h.streamer.ServeFile(w, r, path, service.ContentTypeFor(container))
}
