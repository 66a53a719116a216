package service

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/bigkaa/goaudioproxy/internal/storage/cachestore"
)

// testLogger — логгер для тестов (только ошибки).
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newEvictTestStore создаёт cachestore во временной директории.
func newEvictTestStore(t *testing.T) *cachestore.Store {
	t.Helper()

	store, err := cachestore.New(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("Ошибка создания Store: %v", err)
	}
	return store
}

// putFile создаёт файл кэша заданного размера и возраста.
func putFile(t *testing.T, store *cachestore.Store, sourceID string, size int, age time.Duration) string {
	t.Helper()

	path := store.TargetPath(sourceID, "m4a")
	if err := os.WriteFile(path, make([]byte, size), 0o640); err != nil {
		t.Fatalf("Ошибка создания файла: %v", err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("Ошибка установки mtime: %v", err)
	}
	return path
}

func TestEvictRunOnce_EmptyCache(t *testing.T) {
	store := newEvictTestStore(t)
	ev := NewEvictService(store, 1024, time.Hour, time.Hour, testLogger())

	result := ev.RunOnce()

	if result.AgeDeleted != 0 || result.SizeDeleted != 0 || result.Errors != 0 {
		t.Errorf("RunOnce на пустом кэше: хотели нули, получили %+v", result)
	}
}

func TestEvictRunOnce_AgePurge(t *testing.T) {
	store := newEvictTestStore(t)
	oldPath := putFile(t, store, "aaaaaaaaaaa", 100, 48*time.Hour)
	freshPath := putFile(t, store, "bbbbbbbbbbb", 100, time.Minute)

	// Бюджет размера большой — сработать должно только правило возраста
	ev := NewEvictService(store, 1<<20, 24*time.Hour, time.Hour, testLogger())
	result := ev.RunOnce()

	if result.AgeDeleted != 1 {
		t.Errorf("AgeDeleted: хотели 1, получили %d", result.AgeDeleted)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Error("устаревший файл должен быть удалён")
	}
	if _, err := os.Stat(freshPath); err != nil {
		t.Error("свежий файл не должен быть удалён")
	}
}

func TestEvictRunOnce_SizePressureLRU(t *testing.T) {
	store := newEvictTestStore(t)
	// Три файла по 100 байт, разного возраста обращения; бюджет 250 байт.
	oldest := putFile(t, store, "aaaaaaaaaaa", 100, 3*time.Hour)
	middle := putFile(t, store, "bbbbbbbbbbb", 100, 2*time.Hour)
	newest := putFile(t, store, "ccccccccccc", 100, time.Hour)

	ev := NewEvictService(store, 250, 24*time.Hour, time.Hour, testLogger())
	result := ev.RunOnce()

	if result.SizeDeleted != 1 {
		t.Fatalf("SizeDeleted: хотели 1, получили %d", result.SizeDeleted)
	}
	if _, err := os.Stat(oldest); !os.IsNotExist(err) {
		t.Error("давление размера должно удалять наименее недавно использованный файл")
	}
	if _, err := os.Stat(middle); err != nil {
		t.Error("средний файл не должен быть удалён")
	}
	if _, err := os.Stat(newest); err != nil {
		t.Error("новейший файл не должен быть удалён")
	}

	_, total, err := store.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if total > 250 {
		t.Errorf("после очистки размер %d превышает бюджет 250", total)
	}
}

func TestEvictRunOnce_AgeBeforeSize(t *testing.T) {
	store := newEvictTestStore(t)
	// Устаревший файл большой: его удаление по возрасту снимает
	// давление размера, и LRU-фаза не должна трогать свежие файлы.
	putFile(t, store, "aaaaaaaaaaa", 1000, 48*time.Hour)
	fresh1 := putFile(t, store, "bbbbbbbbbbb", 100, 2*time.Hour)
	fresh2 := putFile(t, store, "ccccccccccc", 100, time.Hour)

	ev := NewEvictService(store, 300, 24*time.Hour, time.Hour, testLogger())
	result := ev.RunOnce()

	if result.AgeDeleted != 1 {
		t.Errorf("AgeDeleted: хотели 1, получили %d", result.AgeDeleted)
	}
	if result.SizeDeleted != 0 {
		t.Errorf("SizeDeleted: хотели 0, получили %d", result.SizeDeleted)
	}
	if _, err := os.Stat(fresh1); err != nil {
		t.Error("свежий файл 1 не должен быть удалён")
	}
	if _, err := os.Stat(fresh2); err != nil {
		t.Error("свежий файл 2 не должен быть удалён")
	}
}

func TestEvictRunOnce_HitSurvivesLRU(t *testing.T) {
	store := newEvictTestStore(t)
	// Старый по mtime файл, к которому только что обратились через Lookup,
	// не должен быть первым кандидатом LRU-фазы.
	putFile(t, store, "aaaaaaaaaaa", 100, 10*time.Hour)
	putFile(t, store, "bbbbbbbbbbb", 100, 5*time.Hour)

	// Hit обновляет mtime старого файла
	if _, ok := store.Lookup("aaaaaaaaaaa"); !ok {
		t.Fatal("Lookup: хотели hit")
	}

	ev := NewEvictService(store, 150, 24*time.Hour, time.Hour, testLogger())
	result := ev.RunOnce()

	if result.SizeDeleted != 1 {
		t.Fatalf("SizeDeleted: хотели 1, получили %d", result.SizeDeleted)
	}
	if _, ok := store.Lookup("aaaaaaaaaaa"); !ok {
		t.Error("запись с обновлённым обращением не должна удаляться LRU-фазой")
	}
	if _, ok := store.Lookup("bbbbbbbbbbb"); ok {
		t.Error("запись без обращения должна быть удалена LRU-фазой")
	}
}

func TestEvictStartStop(t *testing.T) {
	store := newEvictTestStore(t)
	putFile(t, store, "aaaaaaaaaaa", 100, 48*time.Hour)

	ev := NewEvictService(store, 1<<20, 24*time.Hour, time.Hour, testLogger())
	ev.Start(t.Context())
	ev.Stop()

	// Стартовый или финальный проход должен был удалить устаревший файл
	if _, ok := store.Lookup("aaaaaaaaaaa"); ok {
		t.Error("устаревший файл должен быть удалён проходом Start/Stop")
	}
}
