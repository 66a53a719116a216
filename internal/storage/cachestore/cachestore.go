// Пакет cachestore — on-disk кэш скачанных аудиофайлов.
// Файлы хранятся плоско в кэш-директории как {sourceID}.{container}.
// Store отвечает на вопрос "закэширован ли id", обновляет mtime при hit
// и предоставляет сканирование для eviction и /cache/info.
package cachestore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goaudioproxy/internal/domain/model"
)

// Prometheus-метрики кэша.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ap_cache_hits_total",
		Help: "Общее количество попаданий в дисковый кэш.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ap_cache_misses_total",
		Help: "Общее количество промахов дискового кэша.",
	})
	cacheSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ap_cache_size_bytes",
		Help: "Текущий суммарный размер дискового кэша в байтах.",
	})
	cacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ap_cache_entries",
		Help: "Текущее количество записей в дисковом кэше.",
	})
)

// Store — дисковый кэш аудиофайлов.
type Store struct {
	dir    string
	logger *slog.Logger
}

// New создаёт Store. Создаёт кэш-директорию, если она не существует.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать кэш-директорию %s: %w", dir, err)
	}
	return &Store{
		dir:    dir,
		logger: logger.With(slog.String("component", "cachestore")),
	}, nil
}

// Dir возвращает путь кэш-директории.
func (s *Store) Dir() string {
	return s.dir
}

// TargetPath возвращает путь файла кэша для пары (sourceID, container).
// Формат имени файла не меняется: lookup и eviction зависят от него.
func (s *Store) TargetPath(sourceID, container string) string {
	return filepath.Join(s.dir, sourceID+"."+container)
}

// Lookup ищет закэшированный файл для sourceID, проверяя контейнеры
// в приоритетном порядке. Файл нулевого размера никогда не считается
// hit — он удаляется как мусор неудачной попытки.
// При hit обновляется mtime файла, чтобы активно используемые записи
// переживали age-based eviction.
func (s *Store) Lookup(sourceID string) (*model.CacheEntry, bool) {
	for _, container := range model.Containers {
		path := s.TargetPath(sourceID, container)

		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.Size() == 0 {
			// Остаток неудачного скачивания — убираем, не считая hit.
			if rmErr := os.Remove(path); rmErr != nil {
				s.logger.Warn("Не удалось удалить пустой файл кэша",
					slog.String("path", path),
					slog.String("error", rmErr.Error()),
				)
			}
			continue
		}

		// Touch: отметка последнего обращения
		now := time.Now()
		if chErr := os.Chtimes(path, now, now); chErr != nil {
			s.logger.Warn("Не удалось обновить mtime записи кэша",
				slog.String("path", path),
				slog.String("error", chErr.Error()),
			)
		}

		cacheHitsTotal.Inc()
		return &model.CacheEntry{
			SourceID:       sourceID,
			Path:           path,
			Container:      container,
			Size:           info.Size(),
			CreatedAt:      info.ModTime(),
			LastAccessedAt: now,
		}, true
	}

	cacheMissesTotal.Inc()
	return nil, false
}

// Scan возвращает все записи кэша и их суммарный размер.
// Файл может исчезнуть между листингом и stat (конкурентная очистка) —
// такие записи молча пропускаются.
func (s *Store) Scan() ([]*model.CacheEntry, int64, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, 0, fmt.Errorf("чтение кэш-директории %s: %w", s.dir, err)
	}

	var entries []*model.CacheEntry
	var total int64

	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}

		name := de.Name()
		ext := filepath.Ext(name)
		if ext == "" {
			continue
		}
		container := ext[1:]
		if !knownContainer(container) {
			// Чужие файлы (включая *.part незавершённых скачиваний)
			// в учёт не входят.
			continue
		}

		info, err := de.Info()
		if err != nil {
			continue
		}

		entries = append(entries, &model.CacheEntry{
			SourceID:       name[:len(name)-len(ext)],
			Path:           filepath.Join(s.dir, name),
			Container:      container,
			Size:           info.Size(),
			CreatedAt:      info.ModTime(),
			LastAccessedAt: info.ModTime(),
		})
		total += info.Size()
	}

	cacheSizeBytes.Set(float64(total))
	cacheEntries.Set(float64(len(entries)))

	return entries, total, nil
}

// Remove удаляет все файлы кэша для sourceID (во всех контейнерах).
func (s *Store) Remove(sourceID string) error {
	var firstErr error
	for _, container := range model.Containers {
		path := s.TargetPath(sourceID, container)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = fmt.Errorf("удаление %s: %w", path, err)
			}
		}
	}
	return firstErr
}

// Clear удаляет все записи кэша. Возвращает количество удалённых файлов.
// Ошибки отдельных файлов логируются и не прерывают очистку.
func (s *Store) Clear() (int, error) {
	entries, _, err := s.Scan()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		if rmErr := os.Remove(e.Path); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Warn("Не удалось удалить файл при очистке кэша",
				slog.String("path", e.Path),
				slog.String("error", rmErr.Error()),
			)
			continue
		}
		removed++
	}

	s.logger.Info("Кэш очищен", slog.Int("removed", removed))
	return removed, nil
}

// RemovePartials удаляет остатки незавершённых скачиваний sourceID
// (*.part и пустые файлы во всех контейнерах).
func (s *Store) RemovePartials(sourceID string) {
	for _, container := range model.Containers {
		path := s.TargetPath(sourceID, container)

		_ = os.Remove(path + ".part")

		info, err := os.Stat(path)
		if err == nil && info.Size() == 0 {
			_ = os.Remove(path)
		}
	}
}

// knownContainer — проверка принадлежности расширения к известным контейнерам.
func knownContainer(container string) bool {
	for _, c := range model.Containers {
		if c == container {
			return true
		}
	}
	return false
}
