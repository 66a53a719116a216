// download.go — координатор скачивания: source id → локальный файл кэша.
//
// Гарантия: два одновременных Acquire для одного id никогда не запускают
// внешний загрузчик дважды. Дедупликация — singleflight с per-id ключом:
// опоздавший вызов ждёт результат первого. Ожидание ограничено
// AP_LOCK_WAIT_TIMEOUT: по истечении ключ принудительно сбрасывается
// (Forget) и вызов продолжает собственной попыткой — живость важнее
// строгого взаимного исключения при патологическом зависании.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/bigkaa/goaudioproxy/internal/domain/model"
	"github.com/bigkaa/goaudioproxy/internal/storage/cachestore"
)

// Ошибки координатора скачивания.
var (
	// ErrDownloadFailed — все попытки скачивания исчерпаны.
	ErrDownloadFailed = errors.New("все попытки скачивания исчерпаны")
)

// Prometheus-метрики скачивания.
var (
	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ap_downloads_total",
		Help: "Общее количество скачиваний (по статусу).",
	}, []string{"status"})

	downloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ap_download_duration_seconds",
		Help:    "Длительность скачивания (все попытки одного id).",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	activeDownloads = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ap_active_downloads",
		Help: "Количество активных (in-flight) скачиваний.",
	})

	lockTakeoversTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ap_download_lock_takeovers_total",
		Help: "Количество принудительных захватов per-id блокировки по таймауту ожидания.",
	})
)

// downloadCandidate — одна попытка (формат, использовать ли cookies).
type downloadCandidate struct {
	format  string
	cookies bool
}

// DownloadCoordinator — скачивание с дедупликацией по source id.
type DownloadCoordinator struct {
	store          *cachestore.Store
	downloader     Downloader
	group          singleflight.Group
	candidates     []downloadCandidate
	cookiesBrowser string
	attemptTimeout time.Duration
	lockWait       time.Duration
	logger         *slog.Logger
}

// NewDownloadCoordinator создаёт координатор скачивания.
// preferredContainer определяет первый кандидат формата;
// cookiesBrowser — браузер для fallback-попыток с cookies (пустая строка —
// такие попытки пропускаются).
func NewDownloadCoordinator(
	store *cachestore.Store,
	downloader Downloader,
	preferredContainer string,
	cookiesBrowser string,
	attemptTimeout time.Duration,
	lockWait time.Duration,
	logger *slog.Logger,
) *DownloadCoordinator {
	return &DownloadCoordinator{
		store:          store,
		downloader:     downloader,
		candidates:     buildCandidates(preferredContainer, cookiesBrowser != ""),
		cookiesBrowser: cookiesBrowser,
		attemptTimeout: attemptTimeout,
		lockWait:       lockWait,
		logger:         logger.With(slog.String("component", "download_coordinator")),
	}
}

// buildCandidates собирает приоритетный список попыток.
// Сначала предпочитаемый контейнер без cookies, затем более общие форматы;
// попытки с cookies замыкают список.
func buildCandidates(preferredContainer string, withCookies bool) []downloadCandidate {
	candidates := []downloadCandidate{
		{format: fmt.Sprintf("bestaudio[ext=%s]", preferredContainer)},
		{format: "bestaudio"},
		{format: "bestaudio/best"},
	}
	if withCookies {
		candidates = append(candidates,
			downloadCandidate{format: fmt.Sprintf("bestaudio[ext=%s]", preferredContainer), cookies: true},
			downloadCandidate{format: "bestaudio/best", cookies: true},
		)
	}
	return candidates
}

// Acquire возвращает локальный файл кэша для sourceID, при необходимости
// скачивая его. Конкурентные вызовы для одного id получают один общий
// результат; скачивание не отменяется при отключении клиента — результата
// могут ждать другие вызовы.
func (c *DownloadCoordinator) Acquire(ctx context.Context, sourceID string) (*model.CacheEntry, error) {
	// 1. Валидация до любого I/O
	if err := model.ValidateSourceID(sourceID); err != nil {
		return nil, err
	}

	// 2. Быстрый путь: уже в кэше
	if entry, ok := c.store.Lookup(sourceID); ok {
		return entry, nil
	}

	// 3. Per-id критическая секция через singleflight.
	// Внутренний контекст отвязан от вызова: отключение одного клиента
	// не должно срывать скачивание для остальных ожидающих.
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(sourceID, func() (any, error) {
		return c.download(flightCtx, sourceID)
	})

	waitCtx, cancel := context.WithTimeout(ctx, c.lockWait)
	defer cancel()

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.CacheEntry), nil

	case <-waitCtx.Done():
		if ctx.Err() != nil {
			// Клиент отключился — скачивание продолжается для остальных.
			return nil, ctx.Err()
		}

		// Ожидание блокировки исчерпано: принудительный сброс зависшего
		// ключа и собственная попытка. Аномалия восстановимая — логируем,
		// не падаем.
		lockTakeoversTotal.Inc()
		c.logger.Warn("Таймаут ожидания per-id блокировки, принудительный захват",
			slog.String("source_id", sourceID),
			slog.Duration("waited", c.lockWait),
		)
		c.group.Forget(sourceID)

		return c.download(ctx, sourceID)
	}
}

// download — тело критической секции: повторная проверка кэша и цикл
// попыток по кандидатам.
func (c *DownloadCoordinator) download(ctx context.Context, sourceID string) (*model.CacheEntry, error) {
	// Повторная проверка после захвата: другой ожидающий мог только что
	// закончить скачивание — без неё возможна гонка повторной загрузки.
	if entry, ok := c.store.Lookup(sourceID); ok {
		return entry, nil
	}

	start := time.Now()
	activeDownloads.Inc()
	defer activeDownloads.Dec()

	// Шаблон выходного пути: контейнер выбирает сам yt-dlp по формату.
	outputTemplate := c.store.TargetPath(sourceID, "%(ext)s")

	var lastErr error
	for i, cand := range c.candidates {
		cookiesBrowser := ""
		if cand.cookies {
			cookiesBrowser = c.cookiesBrowser
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
		err := c.downloader.Download(attemptCtx, sourceID, cand.format, cookiesBrowser, outputTemplate)
		cancel()

		if err != nil {
			lastErr = err
			// Неудачная попытка не должна оставлять частичный вывод,
			// который замаскируется под валидную запись кэша.
			c.store.RemovePartials(sourceID)

			c.logger.Warn("Попытка скачивания не удалась",
				slog.String("source_id", sourceID),
				slog.Int("attempt", i+1),
				slog.String("format", cand.format),
				slog.Bool("cookies", cand.cookies),
				slog.String("error", err.Error()),
			)
			continue
		}

		if entry, ok := c.store.Lookup(sourceID); ok {
			downloadsTotal.WithLabelValues("success").Inc()
			downloadDuration.Observe(time.Since(start).Seconds())

			c.logger.Info("Скачивание завершено",
				slog.String("source_id", sourceID),
				slog.String("container", entry.Container),
				slog.Int64("size", entry.Size),
				slog.Int("attempt", i+1),
				slog.Duration("duration", time.Since(start)),
			)
			return entry, nil
		}

		// Загрузчик отчитался успехом, но валидного файла нет
		lastErr = fmt.Errorf("загрузчик завершился успешно, но файл не появился в кэше")
		c.store.RemovePartials(sourceID)
	}

	// Гарантия: после полного провала частичных файлов не остаётся
	c.store.RemovePartials(sourceID)
	downloadsTotal.WithLabelValues("failed").Inc()

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %s: последняя ошибка: %v", ErrDownloadFailed, sourceID, lastErr)
	}
	return nil, fmt.Errorf("%w: %s", ErrDownloadFailed, sourceID)
}
