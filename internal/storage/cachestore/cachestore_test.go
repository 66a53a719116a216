package cachestore

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// newTestStore создаёт Store во временной директории.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store, err := New(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("Ошибка создания Store: %v", err)
	}
	return store
}

// writeCacheFile создаёт файл кэша с данными и заданным mtime.
func writeCacheFile(t *testing.T, store *Store, sourceID, container string, data []byte, mtime time.Time) string {
	t.Helper()

	path := store.TargetPath(sourceID, container)
	if err := os.WriteFile(path, data, 0o640); err != nil {
		t.Fatalf("Ошибка создания файла кэша: %v", err)
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatalf("Ошибка установки mtime: %v", err)
		}
	}
	return path
}

func TestLookup_Miss(t *testing.T) {
	store := newTestStore(t)

	if _, ok := store.Lookup("dQw4w9WgXcQ"); ok {
		t.Fatal("Lookup: хотели miss в пустом кэше, получили hit")
	}
}

func TestLookup_Hit(t *testing.T) {
	store := newTestStore(t)
	writeCacheFile(t, store, "dQw4w9WgXcQ", "webm", []byte("audio data"), time.Time{})

	entry, ok := store.Lookup("dQw4w9WgXcQ")
	if !ok {
		t.Fatal("Lookup: хотели hit, получили miss")
	}
	if entry.Container != "webm" {
		t.Errorf("Container: хотели webm, получили %q", entry.Container)
	}
	if entry.Size != int64(len("audio data")) {
		t.Errorf("Size: хотели %d, получили %d", len("audio data"), entry.Size)
	}
}

func TestLookup_ContainerPriority(t *testing.T) {
	store := newTestStore(t)
	writeCacheFile(t, store, "dQw4w9WgXcQ", "webm", []byte("webm data"), time.Time{})
	writeCacheFile(t, store, "dQw4w9WgXcQ", "m4a", []byte("m4a data"), time.Time{})

	entry, ok := store.Lookup("dQw4w9WgXcQ")
	if !ok {
		t.Fatal("Lookup: хотели hit, получили miss")
	}
	// m4a стоит раньше webm в приоритетном списке
	if entry.Container != "m4a" {
		t.Errorf("Container: хотели m4a (приоритет), получили %q", entry.Container)
	}
}

func TestLookup_ZeroByteFileRemoved(t *testing.T) {
	store := newTestStore(t)
	path := writeCacheFile(t, store, "dQw4w9WgXcQ", "m4a", nil, time.Time{})

	if _, ok := store.Lookup("dQw4w9WgXcQ"); ok {
		t.Fatal("Lookup: пустой файл не должен считаться hit")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Lookup: пустой файл должен быть удалён")
	}
}

func TestLookup_TouchesMtime(t *testing.T) {
	store := newTestStore(t)
	old := time.Now().Add(-48 * time.Hour)
	path := writeCacheFile(t, store, "dQw4w9WgXcQ", "m4a", []byte("audio"), old)

	if _, ok := store.Lookup("dQw4w9WgXcQ"); !ok {
		t.Fatal("Lookup: хотели hit, получили miss")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Ошибка stat: %v", err)
	}
	if info.ModTime().Before(time.Now().Add(-time.Minute)) {
		t.Errorf("mtime не обновлён при hit: %v", info.ModTime())
	}
}

func TestScan(t *testing.T) {
	store := newTestStore(t)
	writeCacheFile(t, store, "aaaaaaaaaaa", "m4a", []byte("12345"), time.Time{})
	writeCacheFile(t, store, "bbbbbbbbbbb", "webm", []byte("1234567890"), time.Time{})

	// Посторонние файлы не учитываются
	foreign := filepath.Join(store.Dir(), "ccccccccccc.m4a.part")
	if err := os.WriteFile(foreign, []byte("partial"), 0o640); err != nil {
		t.Fatalf("Ошибка создания файла: %v", err)
	}

	entries, total, err := store.Scan()
	if err != nil {
		t.Fatalf("Scan: хотели nil, получили %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("Scan: хотели 2 записи, получили %d", len(entries))
	}
	if total != 15 {
		t.Errorf("Scan: хотели суммарный размер 15, получили %d", total)
	}
}

func TestClear(t *testing.T) {
	store := newTestStore(t)
	writeCacheFile(t, store, "aaaaaaaaaaa", "m4a", []byte("data"), time.Time{})
	writeCacheFile(t, store, "bbbbbbbbbbb", "webm", []byte("data"), time.Time{})

	removed, err := store.Clear()
	if err != nil {
		t.Fatalf("Clear: хотели nil, получили %v", err)
	}
	if removed != 2 {
		t.Errorf("Clear: хотели 2 удалённых файла, получили %d", removed)
	}

	entries, _, err := store.Scan()
	if err != nil {
		t.Fatalf("Scan: хотели nil, получили %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Scan после Clear: хотели 0 записей, получили %d", len(entries))
	}
}

func TestRemovePartials(t *testing.T) {
	store := newTestStore(t)

	part := store.TargetPath("dQw4w9WgXcQ", "m4a") + ".part"
	if err := os.WriteFile(part, []byte("partial"), 0o640); err != nil {
		t.Fatalf("Ошибка создания файла: %v", err)
	}
	empty := writeCacheFile(t, store, "dQw4w9WgXcQ", "webm", nil, time.Time{})

	store.RemovePartials("dQw4w9WgXcQ")

	if _, err := os.Stat(part); !os.IsNotExist(err) {
		t.Error("RemovePartials: *.part файл должен быть удалён")
	}
	if _, err := os.Stat(empty); !os.IsNotExist(err) {
		t.Error("RemovePartials: пустой файл должен быть удалён")
	}
}
