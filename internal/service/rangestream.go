// rangestream.go — отдача закэшированного файла с поддержкой
// HTTP byte-range. Заголовок Range разбирается вручную: семантика
// 416 для end >= size строже, чем у http.ServeContent, который
// молча усекает такой диапазон.
package service

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrInvalidRange — заголовок Range синтаксически или семантически
// некорректен для текущего размера файла.
var ErrInvalidRange = errors.New("некорректный заголовок Range")

var (
	streamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ap_stream_requests_total",
		Help: "Количество запросов на отдачу файлов (по типу ответа).",
	}, []string{"kind"})

	streamBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ap_stream_bytes_total",
		Help: "Общее количество байт, отданных из кэша.",
	})
)

// contentTypes — MIME-типы по расширению контейнера.
var contentTypes = map[string]string{
	"m4a":  "audio/mp4",
	"webm": "audio/webm",
	"opus": "audio/ogg",
	"mp3":  "audio/mpeg",
}

// ContentTypeFor возвращает MIME-тип для контейнера
// (application/octet-stream для неизвестного).
func ContentTypeFor(container string) string {
	if ct, ok := contentTypes[container]; ok {
		return ct
	}
	return "application/octet-stream"
}

// byteRange — разобранный запрошенный диапазон [Start, End] включительно.
type byteRange struct {
	Start int64
	End   int64
}

// parseRange разбирает заголовок вида "bytes=start-end" для файла
// размером size. Пустой start означает 0, пустой end — size-1.
// Любая синтаксическая ошибка, start > end или end >= size — ошибка:
// клиент, запросивший байты за концом файла, должен получить 416,
// а не молча усечённый диапазон.
func parseRange(header string, size int64) (byteRange, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return byteRange{}, fmt.Errorf("%w: нет префикса bytes=", ErrInvalidRange)
	}
	spec := strings.TrimPrefix(header, prefix)

	startStr, endStr, found := strings.Cut(spec, "-")
	if !found {
		return byteRange{}, fmt.Errorf("%w: нет разделителя", ErrInvalidRange)
	}

	r := byteRange{Start: 0, End: size - 1}

	if startStr != "" {
		start, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil || start < 0 {
			return byteRange{}, fmt.Errorf("%w: некорректный start", ErrInvalidRange)
		}
		r.Start = start
	}

	if endStr != "" {
		end, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < 0 {
			return byteRange{}, fmt.Errorf("%w: некорректный end", ErrInvalidRange)
		}
		r.End = end
	}

	if r.Start > r.End {
		return byteRange{}, fmt.Errorf("%w: start > end", ErrInvalidRange)
	}
	if r.End >= size {
		return byteRange{}, fmt.Errorf("%w: end за концом файла", ErrInvalidRange)
	}

	return r, nil
}

// RangeStreamer отдаёт локальные файлы целиком (200) или по
// диапазону (206). Диапазон отдаётся полностью, без порционной
// выдачи: дозированием управляет сам клиент через последовательные
// Range-запросы.
type RangeStreamer struct {
	logger *slog.Logger
}

// NewRangeStreamer создаёт стример.
func NewRangeStreamer(logger *slog.Logger) *RangeStreamer {
	return &RangeStreamer{
		logger: logger.With(slog.String("component", "range_streamer")),
	}
}

// ServeFile отдаёт файл path с MIME-типом contentType, учитывая
// заголовок Range запроса. Некорректный диапазон — 416 с заголовком
// Content-Range: bytes */<size> и пустым телом.
func (s *RangeStreamer) ServeFile(w http.ResponseWriter, req *http.Request, path, contentType string) {
	f, err := os.Open(path)
	if err != nil {
		s.logger.Error("Не удалось открыть файл для отдачи",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		http.Error(w, "файл недоступен", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.logger.Error("Не удалось получить размер файла",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		http.Error(w, "файл недоступен", http.StatusInternalServerError)
		return
	}
	size := info.Size()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")

	rangeHeader := req.Header.Get("Range")
	if rangeHeader == "" {
		// Полная отдача
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		streamRequestsTotal.WithLabelValues("full").Inc()
		s.copyRange(w, f, 0, size)
		return
	}

	r, err := parseRange(rangeHeader, size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		streamRequestsTotal.WithLabelValues("invalid_range").Inc()
		return
	}

	length := r.End - r.Start + 1
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size))
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusPartialContent)
	streamRequestsTotal.WithLabelValues("partial").Inc()
	s.copyRange(w, f, r.Start, length)
}

// copyRange копирует length байт файла начиная с offset.
// Обрыв соединения клиентом — не ошибка сервиса, только debug-лог.
func (s *RangeStreamer) copyRange(w http.ResponseWriter, f *os.File, offset, length int64) {
	written, err := io.Copy(w, io.NewSectionReader(f, offset, length))
	streamBytesTotal.Add(float64(written))
	if err != nil {
		s.logger.Debug("Отдача файла прервана",
			slog.Int64("written", written),
			slog.String("error", err.Error()),
		)
	}
}
