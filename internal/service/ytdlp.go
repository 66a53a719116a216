// ytdlp.go — внешний загрузчик аудио на основе yt-dlp.
package service

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Downloader — интерфейс внешнего загрузчика аудио.
// Реализация обязана уважать ctx (таймаут попытки) и писать результат
// по outputTemplate.
type Downloader interface {
	// Download скачивает аудио для sourceID в формате format.
	// cookiesBrowser — браузер для --cookies-from-browser (пустая строка —
	// без cookies). outputTemplate — шаблон выходного пути yt-dlp.
	Download(ctx context.Context, sourceID, format, cookiesBrowser, outputTemplate string) error
}

// YTDLP — загрузчик, вызывающий бинарь yt-dlp.
type YTDLP struct {
	binPath string
	logger  *slog.Logger
}

// NewYTDLP создаёт загрузчик. binPath — путь к бинарю yt-dlp.
func NewYTDLP(binPath string, logger *slog.Logger) *YTDLP {
	return &YTDLP{
		binPath: binPath,
		logger:  logger.With(slog.String("component", "ytdlp")),
	}
}

// Download выполняет одну попытку скачивания через yt-dlp.
// Процесс завершается при отмене ctx (таймаут попытки).
func (y *YTDLP) Download(ctx context.Context, sourceID, format, cookiesBrowser, outputTemplate string) error {
	args := []string{
		"--no-playlist",
		"--no-progress",
		"--quiet",
		"--no-warnings",
		"-f", format,
		"-o", outputTemplate,
	}
	if cookiesBrowser != "" {
		args = append(args, "--cookies-from-browser", cookiesBrowser)
	}
	// sourceID прошёл строгую валидацию формата, инъекция аргументов
	// невозможна; "--" отделяет URL на случай ведущего дефиса.
	args = append(args, "--", watchURL(sourceID))

	start := time.Now()

	cmd := exec.CommandContext(ctx, y.binPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("yt-dlp прерван по таймауту попытки: %w", ctx.Err())
		}
		return fmt.Errorf("yt-dlp завершился с ошибкой: %w: %s", err, firstLine(stderr.String()))
	}

	y.logger.Debug("yt-dlp завершён",
		slog.String("source_id", sourceID),
		slog.String("format", format),
		slog.Bool("cookies", cookiesBrowser != ""),
		slog.Duration("duration", time.Since(start)),
	)

	return nil
}

// watchURL собирает URL источника из валидированного sourceID.
func watchURL(sourceID string) string {
	return "https://www.youtube.com/watch?v=" + sourceID
}

// firstLine возвращает первую непустую строку stderr для компактного лога.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}
