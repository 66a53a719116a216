// search.go — поиск по каталогу через upstream-резолверы.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/goaudioproxy/internal/api/errors"
	"github.com/bigkaa/goaudioproxy/internal/domain/model"
	"github.com/bigkaa/goaudioproxy/internal/service"
)

// SearchHandler обслуживает GET /search.
type SearchHandler struct {
	search *service.SearchService
	logger *slog.Logger
}

// NewSearchHandler создаёт обработчик поиска. search может быть nil
// (резолверы не настроены) — тогда endpoint отвечает 502.
func NewSearchHandler(search *service.SearchService, logger *slog.Logger) *SearchHandler {
	return &SearchHandler{
		search: search,
		logger: logger.With(slog.String("handler", "search")),
	}
}

// searchResponse — ответ GET /search.
type searchResponse struct {
	Tracks []model.TrackRecord `json:"tracks"`
}

// Search обрабатывает GET /search?q=<запрос>.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	if h.search == nil {
		apierrors.UpstreamUnavailable(w, "upstream-резолверы не настроены")
		return
	}

	tracks, err := h.search.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrEmptyQuery):
			apierrors.ValidationError(w, "параметр q обязателен")
		case errors.Is(err, service.ErrUpstreamUnavailable):
			apierrors.UpstreamUnavailable(w, "upstream-резолверы недоступны")
		default:
			h.logger.Error("Ошибка поиска", slog.String("error", err.Error()))
			apierrors.InternalError(w, "внутренняя ошибка")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(searchResponse{Tracks: tracks})
}
