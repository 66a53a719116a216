// Точка входа Audio Proxy — кэширующего сервиса получения и отдачи аудио.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/bigkaa/goaudioproxy/internal/api/handlers"
	"github.com/bigkaa/goaudioproxy/internal/api/middleware"
	"github.com/bigkaa/goaudioproxy/internal/config"
	"github.com/bigkaa/goaudioproxy/internal/server"
	"github.com/bigkaa/goaudioproxy/internal/service"
	"github.com/bigkaa/goaudioproxy/internal/storage/cachestore"
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("Audio Proxy запускается",
		slog.String("version", config.Version),
		slog.String("host", cfg.Host),
		slog.Int("port", cfg.Port),
		slog.Bool("proxy_mode", cfg.ProxyMode()),
		slog.String("auth_mode", cfg.AuthMode),
	)
	if cfg.AuthTokenGenerated {
		// Сам токен в лог не попадает: выдаём его только в stderr,
		// чтобы не сохранялся в агрегаторах логов
		logger.Warn("AP_AUTH_TOKEN не задан, токен сгенерирован на этот запуск")
		fmt.Fprintf(os.Stderr, "auth token: %s\n", cfg.AuthToken)
	}

	// --- Инициализация компонентов ---

	streamer := service.NewRangeStreamer(logger)
	ctx := context.Background()

	// 1. Локальный режим: кэш, координатор скачивания, фоновая очистка
	var (
		store       *cachestore.Store
		coordinator *service.DownloadCoordinator
		evictSvc    *service.EvictService
		cacheDir    string
	)
	if !cfg.ProxyMode() {
		store, err = cachestore.New(cfg.CacheDir, logger)
		if err != nil {
			logger.Error("Ошибка инициализации кэша", slog.String("error", err.Error()))
			os.Exit(1)
		}
		cacheDir = store.Dir()

		downloader := service.NewYTDLP(cfg.DownloaderPath, logger)
		coordinator = service.NewDownloadCoordinator(
			store,
			downloader,
			cfg.PreferredContainer,
			cfg.CookiesBrowser,
			cfg.DownloadTimeout,
			cfg.LockWaitTimeout,
			logger,
		)

		evictSvc = service.NewEvictService(store, cfg.CacheMaxBytes(), cfg.CacheMaxAge(), cfg.EvictInterval, logger)
		evictSvc.Start(ctx)
		logger.Info("Фоновая очистка кэша запущена",
			slog.String("dir", cacheDir),
			slog.Int64("max_size_mb", cfg.CacheMaxSizeMB),
			slog.Int("max_age_days", cfg.CacheMaxAgeDays),
		)
	}

	// 2. Upstream-резолверы: proxy-режим /audio и поиск
	var (
		resolver  *service.StreamResolver
		searchSvc *service.SearchService
	)
	if len(cfg.Resolvers) > 0 {
		resolver = service.NewStreamResolver(
			cfg.Resolvers,
			cfg.UpstreamTimeout,
			cfg.PreferredContainer,
			cfg.RelayMaxBytes(),
			logger,
		)
		searchSvc = service.NewSearchService(resolver, 5*cfg.UpstreamTimeout, logger)
		logger.Info("Upstream-резолверы настроены", slog.Int("count", len(cfg.Resolvers)))
	}

	// Координатор имеет приоритет: резолверы остаются для поиска
	audioResolver := resolver
	if coordinator != nil {
		audioResolver = nil
	}

	// 3. Реестр stream-токенов
	registry := service.NewStreamTokenRegistry(cfg.StreamTokenTTL, regularFileStat, logger)

	// 4. topologymetrics — мониторинг upstream-резолверов
	var dephealthSvc *service.DephealthService
	if cfg.DephealthEnabled && len(cfg.Resolvers) > 0 {
		dephealthSvc, err = service.NewDephealthService(
			cfg.DephealthName,
			cfg.DephealthGroup,
			cfg.Resolvers,
			cfg.DephealthCheckInterval,
			false,
			logger,
		)
		if err != nil {
			logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
				slog.String("error", err.Error()),
			)
		} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
			dephealthSvc = nil
		}
	}

	// 5. Handlers
	apiHandler := handlers.NewAPIHandler(
		handlers.NewAudioHandler(coordinator, audioResolver, streamer, logger),
		handlers.NewStreamHandler(registry, streamer, logger),
		handlers.NewCacheHandler(store, cfg.CacheMaxBytes(), cfg.CacheMaxAgeDays, logger),
		handlers.NewSearchHandler(searchSvc, logger),
		handlers.NewHealthHandler(cacheDir, len(cfg.Resolvers), cfg.ProxyMode()),
	)

	// 6. Защитный шлюз: host validation → rate limit → CORS → auth.
	// Логирование и метрики — вокруг всего шлюза.
	rateLimiter := middleware.NewRateLimiter(cfg.RateLimit, cfg.RateWindow, logger)

	var authMw func(http.Handler) http.Handler
	if cfg.AuthMode == config.AuthModeJWT {
		jwtAuth, jwtErr := middleware.NewJWTAuth(
			cfg.JWKSUrl,
			cfg.JWTIssuer,
			cfg.JWKSRefreshInterval,
			cfg.JWTLeeway,
			logger,
		)
		if jwtErr != nil {
			logger.Error("Ошибка инициализации JWT аутентификации", slog.String("error", jwtErr.Error()))
			os.Exit(1)
		}
		authMw = jwtAuth.Middleware()
		logger.Info("JWT аутентификация настроена", slog.String("jwks_url", cfg.JWKSUrl))
	} else {
		authMw = middleware.TokenAuth(cfg.AuthToken, logger)
	}

	// 7. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler,
		middleware.RequestLogger(logger),
		middleware.MetricsMiddleware(),
		middleware.HostCheck(logger),
		rateLimiter.Middleware(),
		middleware.CORS(logger),
		authMw,
	)

	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// --- Graceful shutdown фоновых процессов ---
	logger.Info("Остановка фоновых процессов...")

	if evictSvc != nil {
		evictSvc.Stop()
	}
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	logger.Info("Audio Proxy остановлен")
}

// regularFileStat — проверка, что путь указывает на обычный файл.
func regularFileStat(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}
