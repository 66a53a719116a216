// evict.go — сервис фоновой очистки дискового кэша.
//
// Очистка выполняется в две фазы:
//  1. Удаление файлов старше бюджета возраста (правило абсолютное —
//     действует независимо от давления по размеру)
//  2. Если суммарный размер всё ещё превышает бюджет — удаление файлов
//     по возрастанию mtime (LRU) до входа в бюджет
//
// Запускается как горутина с периодическим тикером (AP_EVICT_INTERVAL),
// дополнительно выполняется при старте и при graceful shutdown.
package service

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goaudioproxy/internal/storage/cachestore"
)

// Prometheus-метрики eviction.
var (
	evictRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ap_evict_runs_total",
		Help: "Общее количество запусков очистки кэша",
	})

	evictFilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ap_evict_files_total",
		Help: "Общее количество файлов, удалённых очисткой (по причине)",
	}, []string{"reason"})

	evictBytesFreed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ap_evict_bytes_freed_total",
		Help: "Общее количество байт, освобождённых очисткой",
	})

	evictDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ap_evict_duration_seconds",
		Help:    "Длительность выполнения очистки кэша в секундах",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	})
)

// EvictResult — результат одного запуска очистки.
type EvictResult struct {
	// AgeDeleted — файлов удалено по возрасту
	AgeDeleted int
	// SizeDeleted — файлов удалено по давлению размера
	SizeDeleted int
	// BytesFreed — освобождено байт
	BytesFreed int64
	// Errors — ошибок при обработке файлов
	Errors int
	// Duration — длительность выполнения
	Duration time.Duration
}

// EvictService — сервис очистки кэша по бюджетам размера и возраста.
type EvictService struct {
	store    *cachestore.Store
	maxBytes int64
	maxAge   time.Duration
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEvictService создаёт сервис очистки.
func NewEvictService(
	store *cachestore.Store,
	maxBytes int64,
	maxAge time.Duration,
	interval time.Duration,
	logger *slog.Logger,
) *EvictService {
	return &EvictService{
		store:    store,
		maxBytes: maxBytes,
		maxAge:   maxAge,
		interval: interval,
		logger:   logger.With(slog.String("component", "evict")),
	}
}

// Start запускает фоновую горутину очистки с периодическим тикером.
// Первый проход выполняется сразу.
func (ev *EvictService) Start(ctx context.Context) {
	evCtx, cancel := context.WithCancel(ctx)
	ev.cancel = cancel
	ev.done = make(chan struct{})

	go ev.run(evCtx)

	ev.logger.Info("Очистка кэша запущена",
		slog.String("interval", ev.interval.String()),
		slog.Int64("max_bytes", ev.maxBytes),
		slog.String("max_age", ev.maxAge.String()),
	)
}

// Stop останавливает фоновый процесс и выполняет финальный проход
// (graceful shutdown sweep).
func (ev *EvictService) Stop() {
	if ev.cancel != nil {
		ev.cancel()
		<-ev.done
	}
	ev.RunOnce()
	ev.logger.Info("Очистка кэша остановлена")
}

// run — основной цикл фоновой горутины.
func (ev *EvictService) run(ctx context.Context) {
	defer close(ev.done)

	// Первый проход — сразу после старта
	ev.RunOnce()

	ticker := time.NewTicker(ev.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ev.RunOnce()
		}
	}
}

// RunOnce выполняет один проход очистки.
// Потокобезопасен: mutex защищает от параллельного запуска.
// Ошибки отдельных файлов не прерывают проход: eviction работает
// конкурентно с активными скачиваниями, файл может исчезнуть между
// листингом и удалением.
func (ev *EvictService) RunOnce() *EvictResult {
	ev.mu.Lock()
	defer ev.mu.Unlock()

	start := time.Now()
	result := &EvictResult{}

	entries, total, err := ev.store.Scan()
	if err != nil {
		ev.logger.Error("Очистка: ошибка сканирования кэша", slog.String("error", err.Error()))
		result.Errors++
		return result
	}

	now := time.Now()

	// Фаза 1: удаление по возрасту (правило абсолютное).
	// Удалённые файлы исключаются из учёта размера фазы 2.
	remaining := entries[:0]
	for _, e := range entries {
		if now.Sub(e.LastAccessedAt) <= ev.maxAge {
			remaining = append(remaining, e)
			continue
		}

		if rmErr := os.Remove(e.Path); rmErr != nil {
			if !os.IsNotExist(rmErr) {
				ev.logger.Warn("Очистка: ошибка удаления устаревшего файла",
					slog.String("path", e.Path),
					slog.String("error", rmErr.Error()),
				)
				result.Errors++
				remaining = append(remaining, e)
				continue
			}
		}
		total -= e.Size
		result.AgeDeleted++
		result.BytesFreed += e.Size
		evictFilesTotal.WithLabelValues("age").Inc()
	}

	// Фаза 2: давление по размеру — LRU по mtime (старые обращения первыми).
	if total > ev.maxBytes {
		sort.Slice(remaining, func(i, j int) bool {
			return remaining[i].LastAccessedAt.Before(remaining[j].LastAccessedAt)
		})

		for _, e := range remaining {
			if total <= ev.maxBytes {
				break
			}

			if rmErr := os.Remove(e.Path); rmErr != nil {
				if !os.IsNotExist(rmErr) {
					ev.logger.Warn("Очистка: ошибка удаления файла по размеру",
						slog.String("path", e.Path),
						slog.String("error", rmErr.Error()),
					)
					result.Errors++
					continue
				}
			}
			total -= e.Size
			result.SizeDeleted++
			result.BytesFreed += e.Size
			evictFilesTotal.WithLabelValues("size").Inc()
		}
	}

	result.Duration = time.Since(start)

	evictRunsTotal.Inc()
	evictBytesFreed.Add(float64(result.BytesFreed))
	evictDurationSeconds.Observe(result.Duration.Seconds())

	if result.AgeDeleted > 0 || result.SizeDeleted > 0 || result.Errors > 0 {
		ev.logger.Info("Очистка кэша завершена",
			slog.Int("age_deleted", result.AgeDeleted),
			slog.Int("size_deleted", result.SizeDeleted),
			slog.Int64("bytes_freed", result.BytesFreed),
			slog.Int("errors", result.Errors),
			slog.Duration("duration", result.Duration),
		)
	}

	return result
}
