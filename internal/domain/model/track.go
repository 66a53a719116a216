// Пакет model — доменные модели Audio Proxy.
// SourceID — строгий валидатор внешних идентификаторов,
// CacheEntry — закэшированный аудиофайл, TrackRecord — результат поиска.
package model

import (
	"fmt"
	"regexp"
	"time"
)

// sourceIDPattern — формат внешнего идентификатора (video id):
// ровно 11 символов из [A-Za-z0-9_-]. Любая другая форма отклоняется
// до обращения к файловой системе или сети.
var sourceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// ErrInvalidSourceID — идентификатор не соответствует формату.
type ErrInvalidSourceID struct {
	ID string
}

func (e *ErrInvalidSourceID) Error() string {
	return fmt.Sprintf("некорректный source id: %q", e.ID)
}

// ValidateSourceID проверяет формат внешнего идентификатора.
// Единственная точка валидации — используется на каждом входе,
// принимающем недоверенный id.
func ValidateSourceID(id string) error {
	if !sourceIDPattern.MatchString(id) {
		return &ErrInvalidSourceID{ID: id}
	}
	return nil
}

// Containers — приоритетный список контейнеров аудиофайлов.
// Lookup проверяет расширения в этом порядке; первый непустой файл — hit.
var Containers = []string{"m4a", "webm", "opus", "mp3"}

// CacheEntry — один закэшированный аудиофайл на диске.
type CacheEntry struct {
	// SourceID — внешний идентификатор источника
	SourceID string
	// Path — абсолютный путь файла в кэш-директории
	Path string
	// Container — контейнер файла (m4a, webm, opus, mp3)
	Container string
	// Size — размер файла в байтах
	Size int64
	// CreatedAt — время создания файла
	CreatedAt time.Time
	// LastAccessedAt — время последнего обращения (mtime)
	LastAccessedAt time.Time
}

// TrackRecord — запись трека на границе с поисковым каталогом.
// UI получает их из /search и передаёт SourceID обратно в /audio/{sourceId}.
type TrackRecord struct {
	SourceID  string `json:"source_id"`
	Title     string `json:"title"`
	Artist    string `json:"artist"`
	Duration  int    `json:"duration_seconds"`
	Thumbnail string `json:"thumbnail,omitempty"`
}
