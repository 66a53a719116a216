// ratelimit.go — middleware ограничения частоты запросов.
// Фиксированное окно на клиентский IP: счётчик и момент сброса окна.
// Превышение — 429 с заголовком Retry-After до конца окна.
package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goaudioproxy/internal/api/errors"
)

var rateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ap_rate_limited_total",
	Help: "Количество запросов, отклонённых rate limiter'ом.",
})

// pruneThreshold — размер карты клиентов, при превышении которого
// попутно вычищаются записи с истёкшим окном.
const pruneThreshold = 10000

// rateWindow — окно одного клиента.
type rateWindow struct {
	count   int
	resetAt time.Time
}

// RateLimiter — ограничитель частоты с фиксированным окном на IP.
type RateLimiter struct {
	limit  int
	window time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*rateWindow
	now     func() time.Time
}

// NewRateLimiter создаёт ограничитель: limit запросов на window с одного IP.
func NewRateLimiter(limit int, window time.Duration, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		logger:  logger,
		clients: make(map[string]*rateWindow),
		now:     time.Now,
	}
}

// allow регистрирует запрос клиента. Возвращает false и время до конца
// окна, если лимит исчерпан.
func (rl *RateLimiter) allow(clientIP string) (bool, time.Duration) {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if len(rl.clients) > pruneThreshold {
		rl.pruneLocked(now)
	}

	win, ok := rl.clients[clientIP]
	if !ok || now.After(win.resetAt) {
		rl.clients[clientIP] = &rateWindow{count: 1, resetAt: now.Add(rl.window)}
		return true, 0
	}

	if win.count >= rl.limit {
		return false, win.resetAt.Sub(now)
	}
	win.count++
	return true, 0
}

// pruneLocked удаляет клиентов с истёкшим окном. Вызывается под rl.mu.
func (rl *RateLimiter) pruneLocked(now time.Time) {
	for ip, win := range rl.clients {
		if now.After(win.resetAt) {
			delete(rl.clients, ip)
		}
	}
}

// Middleware возвращает middleware ограничения частоты.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, retryIn := rl.allow(clientIP(r))
			if !ok {
				rateLimitedTotal.Inc()
				rl.logger.Warn("Превышен лимит запросов",
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("path", r.URL.Path),
				)
				errors.RateLimited(w, retryAfterSeconds(retryIn), "превышен лимит запросов")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// retryAfterSeconds округляет остаток окна вверх до секунд, минимум 1:
// Retry-After: 0 провоцирует немедленный повтор.
func retryAfterSeconds(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// clientIP извлекает IP клиента из RemoteAddr.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
