// cors.go — middleware CORS защитного шлюза.
// Запросы без Origin (curl, нативные клиенты) проходят свободно.
// С Origin пропускаются только локальные и приватные источники;
// чужой Origin — 403, а не молчаливое отсутствие CORS-заголовков:
// сервис не предназначен для страниц с посторонних сайтов.
package middleware

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/bigkaa/goaudioproxy/internal/api/errors"
)

// CORS возвращает middleware проверки Origin.
func CORS(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			if !originAllowed(origin) {
				logger.Warn("Запрос с недопустимым Origin отклонён",
					slog.String("origin", origin),
					slog.String("remote_addr", r.RemoteAddr),
				)
				errors.Forbidden(w, "недопустимый Origin")
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")

			// Preflight завершается здесь
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, X-Auth-Token, Range, Content-Type")
				w.Header().Set("Access-Control-Max-Age", "3600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// originAllowed — Origin допустим, если его хост локальный или приватный.
// Схема и порт не ограничиваются: dev-серверы UI слушают где угодно.
func originAllowed(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return hostAllowed(u.Host)
}
