// streamtokens.go — одноразовая регистрация локальных файлов для
// отдачи по непрозрачному токену. Клиент регистрирует путь и получает
// UUID; прямой путь в URL никогда не фигурирует.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ошибки реестра токенов.
var (
	// ErrTokenNotFound — токен неизвестен или истёк.
	ErrTokenNotFound = errors.New("токен не найден или истёк")
	// ErrInvalidPath — путь не абсолютный, не существует или не обычный файл.
	ErrInvalidPath = errors.New("некорректный путь файла")
)

var registeredTokensGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "ap_stream_tokens",
	Help: "Количество активных stream-токенов.",
})

// statFn — проверка файла, подменяется в тестах.
type statFn func(path string) (isRegular bool, err error)

// tokenEntry — зарегистрированный файл.
type tokenEntry struct {
	Path      string
	Container string
	ExpiresAt time.Time
}

// StreamTokenRegistry — реестр краткоживущих токенов доступа к
// локальным файлам. Токены истекают по TTL; просроченные вычищаются
// лениво при каждой регистрации.
type StreamTokenRegistry struct {
	ttl    time.Duration
	stat   statFn
	logger *slog.Logger

	mu     sync.Mutex
	tokens map[string]tokenEntry
	now    func() time.Time
}

// NewStreamTokenRegistry создаёт реестр с указанным TTL токенов.
func NewStreamTokenRegistry(ttl time.Duration, stat statFn, logger *slog.Logger) *StreamTokenRegistry {
	return &StreamTokenRegistry{
		ttl:    ttl,
		stat:   stat,
		logger: logger.With(slog.String("component", "stream_tokens")),
		tokens: make(map[string]tokenEntry),
		now:    time.Now,
	}
}

// Register проверяет путь и выдаёт токен доступа.
// Путь обязан быть абсолютным, существовать и быть обычным файлом —
// реестр не должен превращаться в обход файловой системы.
func (r *StreamTokenRegistry) Register(path string) (string, error) {
	if !filepath.IsAbs(path) || path != filepath.Clean(path) {
		return "", fmt.Errorf("%w: путь должен быть абсолютным и нормализованным", ErrInvalidPath)
	}
	isRegular, err := r.stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if !isRegular {
		return "", fmt.Errorf("%w: не обычный файл", ErrInvalidPath)
	}

	token := uuid.NewString()
	container := strings.TrimPrefix(filepath.Ext(path), ".")

	r.mu.Lock()
	r.pruneLocked()
	r.tokens[token] = tokenEntry{
		Path:      path,
		Container: container,
		ExpiresAt: r.now().Add(r.ttl),
	}
	registeredTokensGauge.Set(float64(len(r.tokens)))
	r.mu.Unlock()

	r.logger.Debug("Файл зарегистрирован",
		slog.String("token", token),
		slog.String("container", container),
	)

	return token, nil
}

// Lookup возвращает путь и контейнер по токену.
func (r *StreamTokenRegistry) Lookup(token string) (path, container string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.tokens[token]
	if !ok || r.now().After(entry.ExpiresAt) {
		if ok {
			delete(r.tokens, token)
			registeredTokensGauge.Set(float64(len(r.tokens)))
		}
		return "", "", ErrTokenNotFound
	}
	return entry.Path, entry.Container, nil
}

// pruneLocked удаляет просроченные токены. Вызывается под r.mu.
func (r *StreamTokenRegistry) pruneLocked() {
	now := r.now()
	for token, entry := range r.tokens {
		if now.After(entry.ExpiresAt) {
			delete(r.tokens, token)
		}
	}
}
