package service

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// osStat — реальная проверка файла для тестов реестра.
func osStat(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func newTestRegistry(t *testing.T, ttl time.Duration) *StreamTokenRegistry {
	t.Helper()
	return NewStreamTokenRegistry(ttl, osStat, testLogger())
}

// writeRegularFile создаёт обычный файл и возвращает его абсолютный путь.
func writeRegularFile(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "track.m4a")
	if err := os.WriteFile(path, []byte("data"), 0o640); err != nil {
		t.Fatalf("Ошибка создания файла: %v", err)
	}
	return path
}

func TestTokenRegistry_RegisterAndLookup(t *testing.T) {
	reg := newTestRegistry(t, time.Hour)
	path := writeRegularFile(t)

	token, err := reg.Register(path)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if token == "" {
		t.Fatal("Register вернул пустой токен")
	}

	gotPath, container, err := reg.Lookup(token)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if gotPath != path {
		t.Errorf("Путь: хотели %q, получили %q", path, gotPath)
	}
	if container != "m4a" {
		t.Errorf("Контейнер: хотели m4a, получили %q", container)
	}
}

func TestTokenRegistry_RejectsBadPaths(t *testing.T) {
	reg := newTestRegistry(t, time.Hour)
	dir := t.TempDir()

	cases := []struct {
		name string
		path string
	}{
		{"Относительный", "relative/track.m4a"},
		{"Несуществующий", filepath.Join(dir, "missing.m4a")},
		{"Директория", dir},
		{"НеНормализованный", filepath.Join(dir, "..") + "/" + filepath.Base(dir) + "/./x.m4a"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := reg.Register(tc.path); !errors.Is(err, ErrInvalidPath) {
				t.Errorf("Хотели ErrInvalidPath, получили %v", err)
			}
		})
	}
}

func TestTokenRegistry_UnknownToken(t *testing.T) {
	reg := newTestRegistry(t, time.Hour)

	if _, _, err := reg.Lookup("нет-такого"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("Хотели ErrTokenNotFound, получили %v", err)
	}
}

func TestTokenRegistry_Expiry(t *testing.T) {
	reg := newTestRegistry(t, time.Hour)
	path := writeRegularFile(t)

	token, err := reg.Register(path)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Сдвигаем часы реестра за горизонт TTL
	reg.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	if _, _, err := reg.Lookup(token); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("Хотели ErrTokenNotFound после истечения TTL, получили %v", err)
	}
}

func TestTokenRegistry_TokensAreUnique(t *testing.T) {
	reg := newTestRegistry(t, time.Hour)
	path := writeRegularFile(t)

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		token, err := reg.Register(path)
		if err != nil {
			t.Fatalf("Register #%d: %v", i, err)
		}
		if seen[token] {
			t.Fatalf("Повторяющийся токен %q", token)
		}
		seen[token] = true
	}
}
