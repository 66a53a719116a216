// hostcheck.go — middleware валидации заголовка Host.
// Первый рубеж защитного шлюза: отсекает DNS rebinding, когда
// вредоносный домен резолвится в адрес локального сервиса.
package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/bigkaa/goaudioproxy/internal/api/errors"
)

// HostCheck возвращает middleware, пропускающий только запросы с
// локальным или приватным Host: localhost, loopback, link-local и
// диапазоны RFC1918. Порт в заголовке игнорируется. Остальные — 403.
func HostCheck(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !hostAllowed(r.Host) {
				logger.Warn("Запрос с недопустимым Host отклонён",
					slog.String("host", r.Host),
					slog.String("remote_addr", r.RemoteAddr),
				)
				errors.Forbidden(w, "недопустимый заголовок Host")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// hostAllowed проверяет hostport заголовка Host без учёта порта.
func hostAllowed(hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.ToLower(strings.Trim(host, "[]"))

	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}
