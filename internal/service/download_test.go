package service

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bigkaa/goaudioproxy/internal/domain/model"
	"github.com/bigkaa/goaudioproxy/internal/storage/cachestore"
)

// fakeDownloader — поддельный загрузчик для тестов координатора.
type fakeDownloader struct {
	mu sync.Mutex
	// calls — количество вызовов Download
	calls atomic.Int64
	// failFormats — форматы, попытки с которыми завершаются ошибкой
	failFormats map[string]bool
	// failAll — все попытки завершаются ошибкой
	failAll bool
	// container — контейнер создаваемого файла
	container string
	// data — содержимое создаваемого файла
	data []byte
	// delay — искусственная задержка скачивания
	delay time.Duration
	// store — куда писать результат
	store *cachestore.Store
	// leavePartial — оставлять *.part при ошибке
	leavePartial bool
}

func (f *fakeDownloader) Download(ctx context.Context, sourceID, format, cookiesBrowser, outputTemplate string) error {
	f.calls.Add(1)

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failAll || f.failFormats[format] {
		if f.leavePartial {
			path := f.store.TargetPath(sourceID, f.container)
			_ = os.WriteFile(path+".part", []byte("partial"), 0o640)
			_ = os.WriteFile(path, nil, 0o640) // пустой файл
		}
		return errors.New("загрузчик: имитация ошибки")
	}

	container := f.container
	if container == "" {
		container = "m4a"
	}
	path := strings.Replace(outputTemplate, "%(ext)s", container, 1)
	data := f.data
	if data == nil {
		data = []byte("audio data")
	}
	return os.WriteFile(path, data, 0o640)
}

// newCoordinator собирает координатор с поддельным загрузчиком.
func newCoordinator(t *testing.T, dl *fakeDownloader) (*DownloadCoordinator, *cachestore.Store) {
	t.Helper()

	store, err := cachestore.New(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("Ошибка создания Store: %v", err)
	}
	dl.store = store

	coord := NewDownloadCoordinator(store, dl, "m4a", "", 5*time.Second, 10*time.Second, testLogger())
	return coord, store
}

func TestAcquire_InvalidID(t *testing.T) {
	dl := &fakeDownloader{}
	coord, _ := newCoordinator(t, dl)

	_, err := coord.Acquire(context.Background(), "bad id!")
	if err == nil {
		t.Fatal("Acquire: хотели ошибку для некорректного id")
	}
	var invalidErr *model.ErrInvalidSourceID
	if !errors.As(err, &invalidErr) {
		t.Errorf("Acquire: хотели ErrInvalidSourceID, получили %T", err)
	}
	if dl.calls.Load() != 0 {
		t.Errorf("загрузчик не должен вызываться для некорректного id, вызовов: %d", dl.calls.Load())
	}
}

func TestAcquire_CacheHitSkipsDownloader(t *testing.T) {
	dl := &fakeDownloader{}
	coord, store := newCoordinator(t, dl)

	path := store.TargetPath("dQw4w9WgXcQ", "m4a")
	if err := os.WriteFile(path, []byte("cached"), 0o640); err != nil {
		t.Fatalf("Ошибка создания файла: %v", err)
	}

	entry, err := coord.Acquire(context.Background(), "dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("Acquire: хотели nil, получили %v", err)
	}
	if entry.Path != path {
		t.Errorf("Path: хотели %q, получили %q", path, entry.Path)
	}
	if dl.calls.Load() != 0 {
		t.Errorf("загрузчик не должен вызываться при cache hit, вызовов: %d", dl.calls.Load())
	}
}

func TestAcquire_DownloadsAndCaches(t *testing.T) {
	dl := &fakeDownloader{data: []byte("fresh audio")}
	coord, store := newCoordinator(t, dl)

	entry, err := coord.Acquire(context.Background(), "dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("Acquire: хотели nil, получили %v", err)
	}
	if entry.Size != int64(len("fresh audio")) {
		t.Errorf("Size: хотели %d, получили %d", len("fresh audio"), entry.Size)
	}
	if dl.calls.Load() != 1 {
		t.Errorf("хотели 1 вызов загрузчика, получили %d", dl.calls.Load())
	}

	// Повторный Acquire — из кэша
	if _, err := coord.Acquire(context.Background(), "dQw4w9WgXcQ"); err != nil {
		t.Fatalf("повторный Acquire: хотели nil, получили %v", err)
	}
	if dl.calls.Load() != 1 {
		t.Errorf("повторный Acquire не должен скачивать, вызовов: %d", dl.calls.Load())
	}
	if _, ok := store.Lookup("dQw4w9WgXcQ"); !ok {
		t.Error("после Acquire запись должна быть в кэше")
	}
}

func TestAcquire_ConcurrentSingleDownload(t *testing.T) {
	dl := &fakeDownloader{delay: 100 * time.Millisecond}
	coord, _ := newCoordinator(t, dl)

	const n = 8
	var wg sync.WaitGroup
	paths := make([]string, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, err := coord.Acquire(context.Background(), "dQw4w9WgXcQ")
			errs[i] = err
			if entry != nil {
				paths[i] = entry.Path
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("Acquire[%d]: хотели nil, получили %v", i, errs[i])
		}
		if paths[i] != paths[0] {
			t.Errorf("Acquire[%d]: все вызовы должны получить один путь, %q != %q", i, paths[i], paths[0])
		}
	}

	if dl.calls.Load() != 1 {
		t.Errorf("N конкурентных Acquire: хотели ровно 1 вызов загрузчика, получили %d", dl.calls.Load())
	}
}

func TestAcquire_FallbackToNextCandidate(t *testing.T) {
	dl := &fakeDownloader{
		failFormats: map[string]bool{"bestaudio[ext=m4a]": true},
		container:   "webm",
	}
	coord, _ := newCoordinator(t, dl)

	entry, err := coord.Acquire(context.Background(), "dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("Acquire: хотели nil, получили %v", err)
	}
	if entry.Container != "webm" {
		t.Errorf("Container: хотели webm (fallback-кандидат), получили %q", entry.Container)
	}
	if dl.calls.Load() != 2 {
		t.Errorf("хотели 2 попытки (m4a упал, bestaudio успех), получили %d", dl.calls.Load())
	}
}

func TestAcquire_AllCandidatesFail_NoPartials(t *testing.T) {
	dl := &fakeDownloader{failAll: true, leavePartial: true, container: "m4a"}
	coord, store := newCoordinator(t, dl)

	_, err := coord.Acquire(context.Background(), "dQw4w9WgXcQ")
	if !errors.Is(err, ErrDownloadFailed) {
		t.Fatalf("Acquire: хотели ErrDownloadFailed, получили %v", err)
	}

	// Частичных файлов не осталось
	if _, statErr := os.Stat(store.TargetPath("dQw4w9WgXcQ", "m4a") + ".part"); !os.IsNotExist(statErr) {
		t.Error("после провала не должно оставаться *.part файлов")
	}
	if _, ok := store.Lookup("dQw4w9WgXcQ"); ok {
		t.Error("после провала в кэше не должно быть записи")
	}
}

func TestAcquire_WaiterSharesFailure(t *testing.T) {
	dl := &fakeDownloader{failAll: true, delay: 50 * time.Millisecond}
	coord, _ := newCoordinator(t, dl)

	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = coord.Acquire(context.Background(), "dQw4w9WgXcQ")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if !errors.Is(errs[i], ErrDownloadFailed) {
			t.Errorf("Acquire[%d]: ожидающие должны разделить ошибку, получили %v", i, errs[i])
		}
	}
}

func TestAcquire_LockTakeoverAfterTimeout(t *testing.T) {
	store, err := cachestore.New(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("Ошибка создания Store: %v", err)
	}
	// Первый вызов зависает дольше lockWait; второй должен принудительно
	// захватить блокировку и завершиться собственной попыткой.
	dl := &fakeDownloader{delay: 2 * time.Second, store: store}
	coord := NewDownloadCoordinator(store, dl, "m4a", "", 5*time.Second, 150*time.Millisecond, testLogger())

	go func() {
		_, _ = coord.Acquire(context.Background(), "dQw4w9WgXcQ")
	}()
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		_, err := coord.Acquire(context.Background(), "dQw4w9WgXcQ")
		done <- err
	}()

	select {
	case err := <-done:
		// Захват состоялся: вторая попытка тоже висит delay, поэтому
		// суммарно < 2*delay, но > lockWait.
		if err != nil {
			t.Fatalf("Acquire после захвата: хотели nil, получили %v", err)
		}
		if time.Since(start) < 150*time.Millisecond {
			t.Error("захват не должен происходить раньше таймаута ожидания")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Acquire завис: принудительный захват не сработал")
	}
}

func TestAcquire_ClientDisconnectDoesNotFailOthers(t *testing.T) {
	dl := &fakeDownloader{delay: 200 * time.Millisecond}
	coord, _ := newCoordinator(t, dl)

	// Первый клиент отключается почти сразу
	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := coord.Acquire(ctx, "dQw4w9WgXcQ")
		firstErr <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	// Второй клиент ждёт результат того же скачивания
	entry, err := coord.Acquire(context.Background(), "dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("Acquire второго клиента: хотели nil, получили %v", err)
	}
	if entry == nil {
		t.Fatal("Acquire второго клиента: хотели запись кэша")
	}

	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("Acquire первого клиента: хотели context.Canceled, получили %v", err)
	}

	if dl.calls.Load() != 1 {
		t.Errorf("отключение клиента не должно запускать повторное скачивание, вызовов: %d", dl.calls.Load())
	}
}
