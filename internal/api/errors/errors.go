// Пакет errors — конструкторы стандартных ошибок HTTP API.
// Единый формат: {"error": "<сообщение>", "code": "<КОД>"}.
// Все HTTP-ответы с ошибками должны использовать WriteError.
package errors //nolint:revive // конфликт имени со stdlib допустим внутри internal/api

import (
	"encoding/json"
	"net/http"
)

// Машиночитаемые коды ошибок.
const (
	CodeInvalidID           = "INVALID_ID"
	CodeValidationError     = "VALIDATION_ERROR"
	CodeNotFound            = "NOT_FOUND"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbidden           = "FORBIDDEN"
	CodeRateLimited         = "RATE_LIMITED"
	CodeInvalidRange        = "INVALID_RANGE"
	CodeTooLarge            = "TOO_LARGE"
	CodeDownloadFailed      = "DOWNLOAD_FAILED"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeTooManyRedirects    = "TOO_MANY_REDIRECTS"
	CodeInternalError       = "INTERNAL_ERROR"
)

// errorBody — тело ответа ошибки. Поле error — человекочитаемое
// сообщение, code — машиночитаемый код для клиентов.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// WriteError записывает ответ ошибки в стандартном формате.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{Error: message, Code: code})
}

// --- Конструкторы для типичных ошибок ---

// InvalidID — 400 некорректный source id.
func InvalidID(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeInvalidID, message)
}

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden — 403 запрос отклонён security gateway (host/CORS).
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

// RateLimited — 429 превышен лимит запросов. retryAfter — значение
// заголовка Retry-After в секундах.
func RateLimited(w http.ResponseWriter, retryAfter string, message string) {
	w.Header().Set("Retry-After", retryAfter)
	WriteError(w, http.StatusTooManyRequests, CodeRateLimited, message)
}

// TooLarge — 413 превышен лимит размера.
func TooLarge(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusRequestEntityTooLarge, CodeTooLarge, message)
}

// DownloadFailed — 500 все попытки скачивания исчерпаны.
func DownloadFailed(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeDownloadFailed, message)
}

// UpstreamUnavailable — 502 все upstream-резолверы недоступны.
func UpstreamUnavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadGateway, CodeUpstreamUnavailable, message)
}

// TooManyRedirects — 508 превышена глубина редиректов upstream.
func TooManyRedirects(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusLoopDetected, CodeTooManyRedirects, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
