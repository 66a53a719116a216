// cache.go — администрирование кэша: информация и полная очистка.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/goaudioproxy/internal/api/errors"
	"github.com/bigkaa/goaudioproxy/internal/storage/cachestore"
)

// CacheHandler обслуживает /cache/info и /cache/clear.
type CacheHandler struct {
	store *cachestore.Store
	// maxBytes, maxAgeDays — настроенные бюджеты (для /cache/info)
	maxBytes   int64
	maxAgeDays int
	logger     *slog.Logger
}

// NewCacheHandler создаёт обработчик кэша. store может быть nil
// (proxy-режим) — тогда endpoints отвечают 404.
func NewCacheHandler(store *cachestore.Store, maxBytes int64, maxAgeDays int, logger *slog.Logger) *CacheHandler {
	return &CacheHandler{
		store:      store,
		maxBytes:   maxBytes,
		maxAgeDays: maxAgeDays,
		logger:     logger.With(slog.String("handler", "cache")),
	}
}

// cacheInfoResponse — ответ GET /cache/info.
type cacheInfoResponse struct {
	Entries        int    `json:"entries"`
	TotalSizeBytes int64  `json:"total_size_bytes"`
	MaxSizeBytes   int64  `json:"max_size_bytes"`
	MaxAgeDays     int    `json:"max_age_days"`
	Dir            string `json:"dir"`
}

// Info обрабатывает GET /cache/info.
func (h *CacheHandler) Info(w http.ResponseWriter, _ *http.Request) {
	if h.store == nil {
		apierrors.NotFound(w, "локальный кэш не настроен")
		return
	}

	entries, total, err := h.store.Scan()
	if err != nil {
		h.logger.Error("Ошибка сканирования кэша", slog.String("error", err.Error()))
		apierrors.InternalError(w, "ошибка сканирования кэша")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cacheInfoResponse{
		Entries:        len(entries),
		TotalSizeBytes: total,
		MaxSizeBytes:   h.maxBytes,
		MaxAgeDays:     h.maxAgeDays,
		Dir:            h.store.Dir(),
	})
}

// Clear обрабатывает POST /cache/clear: удаляет все записи кэша.
func (h *CacheHandler) Clear(w http.ResponseWriter, _ *http.Request) {
	if h.store == nil {
		apierrors.NotFound(w, "локальный кэш не настроен")
		return
	}

	removed, err := h.store.Clear()
	if err != nil {
		h.logger.Error("Ошибка очистки кэша", slog.String("error", err.Error()))
		apierrors.InternalError(w, "ошибка очистки кэша")
		return
	}

	h.logger.Info("Кэш очищен", slog.Int("removed", removed))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"removed": removed})
}
