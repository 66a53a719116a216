// Пакет config — загрузка и валидация конфигурации Audio Proxy
// из переменных окружения.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Режимы аутентификации.
const (
	AuthModeToken = "token"
	AuthModeJWT   = "jwt"
)

// Config содержит все параметры конфигурации Audio Proxy.
type Config struct {
	// --- Сервер ---

	// Host — адрес прослушивания (по умолчанию 127.0.0.1)
	Host string
	// Port — порт HTTP-сервера
	Port int
	// LogLevel — уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// LogFormat — формат логов (json, text)
	LogFormat string

	// --- Аутентификация ---

	// AuthMode — режим аутентификации (token, jwt)
	AuthMode string
	// AuthToken — общий секрет для режима token. Если не задан —
	// генерируется на каждый запуск и НИКОГДА не логируется.
	AuthToken string
	// AuthTokenGenerated — true, если токен сгенерирован при запуске
	AuthTokenGenerated bool
	// JWKSUrl — JWKS endpoint для режима jwt
	JWKSUrl string
	// JWTIssuer — ожидаемый issuer JWT (пустая строка — не проверяется)
	JWTIssuer string
	// JWTLeeway — допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration
	// JWKSRefreshInterval — интервал обновления JWKS-ключей
	JWKSRefreshInterval time.Duration

	// --- Кэш ---

	// CacheDir — директория кэша аудиофайлов
	CacheDir string
	// CacheMaxSizeMB — бюджет суммарного размера кэша, МБ
	CacheMaxSizeMB int64
	// CacheMaxAgeDays — бюджет возраста записи кэша, дни
	CacheMaxAgeDays int
	// EvictInterval — интервал фоновой очистки кэша
	EvictInterval time.Duration

	// --- Скачивание ---

	// DownloaderPath — путь к бинарю внешнего загрузчика (yt-dlp).
	// Пустая строка — proxy-режим через upstream-резолверы.
	DownloaderPath string
	// CookiesBrowser — браузер для --cookies-from-browser (пустая строка —
	// попытки с cookies пропускаются)
	CookiesBrowser string
	// DownloadTimeout — таймаут одной попытки скачивания
	DownloadTimeout time.Duration
	// LockWaitTimeout — ожидание per-id блокировки до принудительного захвата
	LockWaitTimeout time.Duration

	// --- Upstream-резолверы (proxy-режим и поиск) ---

	// Resolvers — упорядоченный список базовых URL взаимозаменяемых
	// upstream-резолверов
	Resolvers []string
	// UpstreamTimeout — таймаут одного запроса к резолверу
	UpstreamTimeout time.Duration
	// PreferredContainer — предпочитаемый контейнер при выборе варианта
	PreferredContainer string
	// RelayMaxMB — максимальный размер релеируемого потока, МБ
	RelayMaxMB int64

	// --- Rate limiting ---

	// RateLimit — бюджет запросов на IP за окно
	RateLimit int
	// RateWindow — длительность окна rate limiting
	RateWindow time.Duration

	// --- Stream tokens ---

	// StreamTokenTTL — время жизни токена локального файла
	StreamTokenTTL time.Duration

	// --- HTTP Server Timeouts ---

	// HTTPReadTimeout — таймаут чтения HTTP-сервера
	HTTPReadTimeout time.Duration
	// HTTPWriteTimeout — таймаут записи HTTP-сервера.
	// Большой по умолчанию: отдача крупных файлов занимает минуты.
	HTTPWriteTimeout time.Duration
	// HTTPIdleTimeout — таймаут простоя HTTP-сервера
	HTTPIdleTimeout time.Duration

	// --- Graceful shutdown ---

	// ShutdownTimeout — таймаут graceful shutdown
	ShutdownTimeout time.Duration

	// --- Мониторинг зависимостей (topologymetrics) ---

	// DephealthEnabled — включить мониторинг upstream-резолверов
	DephealthEnabled bool
	// DephealthName — имя вершины графа текущего приложения
	DephealthName string
	// DephealthGroup — имя группы в метриках
	DephealthGroup string
	// DephealthCheckInterval — интервал проверки зависимостей
	DephealthCheckInterval time.Duration
}

// Load загружает конфигурацию из переменных окружения.
// Возвращает ошибку, если значения некорректны.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	cfg.Host = getEnvDefault("AP_HOST", "127.0.0.1")

	cfg.Port, err = getEnvInt("AP_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("AP_PORT: %w", err)
	}

	logLevel := getEnvDefault("AP_LOG_LEVEL", "info")
	cfg.LogLevel, err = parseLogLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("AP_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("AP_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("AP_LOG_FORMAT: недопустимый формат %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- Аутентификация ---

	cfg.AuthMode = getEnvDefault("AP_AUTH_MODE", AuthModeToken)
	if cfg.AuthMode != AuthModeToken && cfg.AuthMode != AuthModeJWT {
		return nil, fmt.Errorf("AP_AUTH_MODE: недопустимый режим %q, допустимые: token, jwt", cfg.AuthMode)
	}

	cfg.AuthToken = os.Getenv("AP_AUTH_TOKEN")
	if cfg.AuthMode == AuthModeToken && cfg.AuthToken == "" {
		// Токен не задан — генерируем на этот запуск.
		// Значение не должно попадать в логи.
		cfg.AuthToken, err = generateToken()
		if err != nil {
			return nil, fmt.Errorf("генерация auth token: %w", err)
		}
		cfg.AuthTokenGenerated = true
	}

	cfg.JWKSUrl = os.Getenv("AP_JWKS_URL")
	if cfg.AuthMode == AuthModeJWT && cfg.JWKSUrl == "" {
		return nil, fmt.Errorf("AP_JWKS_URL: обязателен в режиме AP_AUTH_MODE=jwt")
	}

	cfg.JWTIssuer = os.Getenv("AP_JWT_ISSUER")

	cfg.JWTLeeway, err = getEnvDuration("AP_JWT_LEEWAY", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AP_JWT_LEEWAY: %w", err)
	}

	cfg.JWKSRefreshInterval, err = getEnvDuration("AP_JWKS_REFRESH_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("AP_JWKS_REFRESH_INTERVAL: %w", err)
	}

	// --- Кэш ---

	cfg.CacheDir = getEnvDefault("AP_CACHE_DIR", defaultCacheDir())

	maxSizeMB, err := getEnvInt("AP_CACHE_MAX_SIZE_MB", 500)
	if err != nil {
		return nil, fmt.Errorf("AP_CACHE_MAX_SIZE_MB: %w", err)
	}
	if maxSizeMB <= 0 {
		return nil, fmt.Errorf("AP_CACHE_MAX_SIZE_MB: значение должно быть > 0")
	}
	cfg.CacheMaxSizeMB = int64(maxSizeMB)

	cfg.CacheMaxAgeDays, err = getEnvInt("AP_CACHE_MAX_AGE_DAYS", 7)
	if err != nil {
		return nil, fmt.Errorf("AP_CACHE_MAX_AGE_DAYS: %w", err)
	}
	if cfg.CacheMaxAgeDays <= 0 {
		return nil, fmt.Errorf("AP_CACHE_MAX_AGE_DAYS: значение должно быть > 0")
	}

	cfg.EvictInterval, err = getEnvDuration("AP_EVICT_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("AP_EVICT_INTERVAL: %w", err)
	}

	// --- Скачивание ---

	cfg.DownloaderPath = os.Getenv("AP_DOWNLOADER_PATH")
	cfg.CookiesBrowser = os.Getenv("AP_COOKIES_BROWSER")

	cfg.DownloadTimeout, err = getEnvDuration("AP_DOWNLOAD_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AP_DOWNLOAD_TIMEOUT: %w", err)
	}

	cfg.LockWaitTimeout, err = getEnvDuration("AP_LOCK_WAIT_TIMEOUT", 180*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AP_LOCK_WAIT_TIMEOUT: %w", err)
	}

	// --- Upstream-резолверы ---

	cfg.Resolvers = splitList(os.Getenv("AP_RESOLVERS"))

	// Без локального загрузчика и без резолверов /audio обслуживать нечем.
	if cfg.DownloaderPath == "" && len(cfg.Resolvers) == 0 {
		return nil, fmt.Errorf("требуется AP_DOWNLOADER_PATH или AP_RESOLVERS: оба не заданы")
	}

	cfg.UpstreamTimeout, err = getEnvDuration("AP_UPSTREAM_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AP_UPSTREAM_TIMEOUT: %w", err)
	}

	cfg.PreferredContainer = getEnvDefault("AP_PREFERRED_CONTAINER", "m4a")

	relayMaxMB, err := getEnvInt("AP_RELAY_MAX_MB", 100)
	if err != nil {
		return nil, fmt.Errorf("AP_RELAY_MAX_MB: %w", err)
	}
	if relayMaxMB <= 0 {
		return nil, fmt.Errorf("AP_RELAY_MAX_MB: значение должно быть > 0")
	}
	cfg.RelayMaxMB = int64(relayMaxMB)

	// --- Rate limiting ---

	cfg.RateLimit, err = getEnvInt("AP_RATE_LIMIT", 100)
	if err != nil {
		return nil, fmt.Errorf("AP_RATE_LIMIT: %w", err)
	}
	if cfg.RateLimit <= 0 {
		return nil, fmt.Errorf("AP_RATE_LIMIT: значение должно быть > 0")
	}

	cfg.RateWindow, err = getEnvDuration("AP_RATE_WINDOW", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("AP_RATE_WINDOW: %w", err)
	}

	// --- Stream tokens ---

	cfg.StreamTokenTTL, err = getEnvDuration("AP_STREAM_TOKEN_TTL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("AP_STREAM_TOKEN_TTL: %w", err)
	}

	// --- HTTP Server Timeouts ---

	cfg.HTTPReadTimeout, err = getEnvDuration("AP_HTTP_READ_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AP_HTTP_READ_TIMEOUT: %w", err)
	}

	cfg.HTTPWriteTimeout, err = getEnvDuration("AP_HTTP_WRITE_TIMEOUT", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("AP_HTTP_WRITE_TIMEOUT: %w", err)
	}

	cfg.HTTPIdleTimeout, err = getEnvDuration("AP_HTTP_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AP_HTTP_IDLE_TIMEOUT: %w", err)
	}

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("AP_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AP_SHUTDOWN_TIMEOUT: %w", err)
	}

	// --- Мониторинг зависимостей ---

	cfg.DephealthEnabled, err = getEnvBool("AP_DEPHEALTH_ENABLED", false)
	if err != nil {
		return nil, fmt.Errorf("AP_DEPHEALTH_ENABLED: %w", err)
	}

	cfg.DephealthName = getEnvDefault("AP_DEPHEALTH_NAME", "audio-proxy")
	cfg.DephealthGroup = getEnvDefault("AP_DEPHEALTH_GROUP", "media")

	cfg.DephealthCheckInterval, err = getEnvDuration("AP_DEPHEALTH_CHECK_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AP_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	return cfg, nil
}

// CacheMaxBytes возвращает бюджет размера кэша в байтах.
func (c *Config) CacheMaxBytes() int64 {
	return c.CacheMaxSizeMB * 1024 * 1024
}

// CacheMaxAge возвращает бюджет возраста записи кэша как Duration.
func (c *Config) CacheMaxAge() time.Duration {
	return time.Duration(c.CacheMaxAgeDays) * 24 * time.Hour
}

// RelayMaxBytes возвращает лимит релеируемого потока в байтах.
func (c *Config) RelayMaxBytes() int64 {
	return c.RelayMaxMB * 1024 * 1024
}

// ProxyMode — true, если локальный загрузчик не настроен и /audio
// обслуживается через upstream-резолверы.
func (c *Config) ProxyMode() bool {
	return c.DownloaderPath == ""
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// defaultCacheDir возвращает кэш-директорию по умолчанию.
func defaultCacheDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		return "audio-cache"
	}
	return base + string(os.PathSeparator) + "audio-proxy"
}

// generateToken генерирует случайный shared-secret токен (32 байта hex).
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// splitList разбирает comma-separated список, отбрасывая пустые элементы.
func splitList(val string) []string {
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, strings.TrimRight(p, "/"))
		}
	}
	return out
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	if d <= 0 {
		return 0, fmt.Errorf("значение должно быть > 0")
	}
	return d, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q (допустимые: true, false, 1, 0)", val)
	}
	return b, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
