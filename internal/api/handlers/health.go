// health.go — обработчики health endpoints для Kubernetes probes.
package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bigkaa/goaudioproxy/internal/config"
)

// statusFail — строковая константа для статуса "fail" в health checks.
const statusFail = "fail"

// HealthHandler реализует health endpoints: /health, /health/live, /health/ready.
type HealthHandler struct {
	version string
	// cacheDir — директория кэша (для проверки FS); пустая в proxy-режиме
	cacheDir string
	// resolvers — количество настроенных upstream-резолверов
	resolvers int
	// proxyMode — /audio обслуживается через резолверы
	proxyMode bool
}

// NewHealthHandler создаёт обработчик health endpoints.
func NewHealthHandler(cacheDir string, resolvers int, proxyMode bool) *HealthHandler {
	return &HealthHandler{
		version:   config.Version,
		cacheDir:  cacheDir,
		resolvers: resolvers,
		proxyMode: proxyMode,
	}
}

// Health обрабатывает GET /health — alias liveness probe.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.HealthLive(w, r)
}

// HealthLive обрабатывает GET /health/live.
// Возвращает 200, если процесс жив. Не проверяет зависимости.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "audio-proxy",
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// HealthReady обрабатывает GET /health/ready.
// Проверяет: запись в кэш-директорию (локальный режим), наличие
// резолверов (proxy-режим).
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	overallStatus := "ok"
	httpStatus := http.StatusOK
	checks := map[string]any{}

	if h.cacheDir != "" {
		fsCheck := h.checkCacheDir()
		checks["cache_dir"] = fsCheck
		if fsCheck["status"] != "ok" {
			overallStatus = statusFail
			httpStatus = http.StatusServiceUnavailable
		}
	}

	if h.proxyMode {
		resolverCheck := map[string]any{"status": "ok", "configured": h.resolvers}
		if h.resolvers == 0 {
			resolverCheck["status"] = statusFail
			overallStatus = statusFail
			httpStatus = http.StatusServiceUnavailable
		}
		checks["resolvers"] = resolverCheck
	}

	resp := map[string]any{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "audio-proxy",
		"checks":    checks,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(resp)
}

// checkCacheDir проверяет, что кэш-директория существует и доступна
// на запись — реальная попытка создания файла, не только Stat.
func (h *HealthHandler) checkCacheDir() map[string]any {
	probe := filepath.Join(h.cacheDir, ".ready-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o640); err != nil {
		return map[string]any{"status": statusFail, "error": err.Error()}
	}
	_ = os.Remove(probe)
	return map[string]any{"status": "ok", "path": h.cacheDir}
}
