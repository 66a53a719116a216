package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// newSearchServer поднимает тестовый резолвер, отдающий items
// на /search и считающий обращения.
func newSearchServer(t *testing.T, items []searchItem, hits *atomic.Int64) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			http.NotFound(w, r)
			return
		}
		if hits != nil {
			hits.Add(1)
		}
		if got := r.URL.Query().Get("filter"); got != "music_songs" {
			t.Errorf("filter: хотели music_songs, получили %q", got)
		}
		_ = json.NewEncoder(w).Encode(searchResponse{Items: items})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestSearch(endpoints []string, ttl time.Duration) *SearchService {
	return NewSearchService(newTestResolver(endpoints, 1<<20), ttl, testLogger())
}

func TestSearch_MapsItems(t *testing.T) {
	items := []searchItem{
		{URL: "/watch?v=dQw4w9WgXcQ", Type: "stream", Title: "Песня", UploaderName: "Артист", Duration: 212, Thumbnail: "http://t/1.jpg"},
		{URL: "/playlist?list=PL123", Type: "playlist", Title: "Плейлист"},
		{URL: "/watch?v=short", Type: "stream", Title: "Битый id"},
	}
	srv := newSearchServer(t, items, nil)
	s := newTestSearch([]string{srv.URL}, time.Minute)

	tracks, err := s.Search(context.Background(), "запрос")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	// Плейлист и запись с невалидным id отброшены
	if len(tracks) != 1 {
		t.Fatalf("Треков: хотели 1, получили %d", len(tracks))
	}
	got := tracks[0]
	if got.SourceID != "dQw4w9WgXcQ" || got.Title != "Песня" || got.Artist != "Артист" || got.Duration != 212 {
		t.Errorf("Трек: получили %+v", got)
	}
}

func TestSearch_EmptyQuery(t *testing.T) {
	s := newTestSearch([]string{"http://127.0.0.1:1"}, time.Minute)

	if _, err := s.Search(context.Background(), "   "); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("Хотели ErrEmptyQuery, получили %v", err)
	}
}

func TestSearch_CachesResults(t *testing.T) {
	var hits atomic.Int64
	srv := newSearchServer(t, []searchItem{{URL: "/watch?v=dQw4w9WgXcQ", Title: "Песня"}}, &hits)
	s := newTestSearch([]string{srv.URL}, time.Minute)

	for _, q := range []string{"запрос", "запрос", "ЗАПРОС"} {
		if _, err := s.Search(context.Background(), q); err != nil {
			t.Fatalf("Search %q: %v", q, err)
		}
	}
	// Ключ кэша регистронезависимый
	if got := hits.Load(); got != 1 {
		t.Errorf("Обращений к резолверу: хотели 1, получили %d", got)
	}
}

func TestSearch_UpstreamDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := newTestSearch([]string{srv.URL}, time.Minute)

	if _, err := s.Search(context.Background(), "запрос"); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("Хотели ErrUpstreamUnavailable, получили %v", err)
	}
}
