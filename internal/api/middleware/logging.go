// logging.go — middleware логирования входящих HTTP-запросов через slog.
// Перехватывает статус-код, размер ответа, длительность обработки и обрыв
// соединения клиентом во время отдачи тела (обычный сценарий для длинных
// аудио-ответов /audio и /stream).
package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// responseWriter — обёртка для перехвата статус-кода, объёма ответа
// и первой ошибки записи тела.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
	writeErr   error
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	if err != nil && rw.writeErr == nil {
		rw.writeErr = err
	}
	return n, err
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// RequestLogger возвращает middleware, логирующий каждый HTTP-запрос:
// метод, путь, нормализованный route, статус, длительность, размер ответа,
// remote_addr. Уровень логирования зависит от статус-кода: INFO (1xx-3xx),
// WARN (4xx), ERROR (5xx). Запрос, оборванный клиентом после отправки
// заголовков, логируется на WARN с атрибутом client_abort: успешный статус
// в этом случае не означает полностью отданное тело.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With(slog.String("component", "http"))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := newResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			clientAbort := wrapped.writeErr != nil

			level := slog.LevelInfo
			switch {
			case wrapped.statusCode >= 500:
				level = slog.LevelError
			case wrapped.statusCode >= 400:
				level = slog.LevelWarn
			case clientAbort:
				level = slog.LevelWarn
			}

			msg := "HTTP запрос"
			if clientAbort {
				msg = "HTTP запрос оборван клиентом"
			}

			logger.LogAttrs(r.Context(), level, msg,
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", normalizePath(r.URL.Path)),
				slog.Int("status", wrapped.statusCode),
				slog.Duration("duration", duration),
				slog.Int64("bytes", wrapped.written),
				slog.Bool("client_abort", clientAbort),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
