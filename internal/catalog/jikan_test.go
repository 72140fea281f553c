package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestJikanClientFetchItem(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v4/anime/5114/full" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"mal_id":5114,"title":"Fullmetal Alchemist: Brotherhood","synopsis":"Brothers","year":2009,"images":{"jpg":{"large_image_url":"https://cdn/fma.jpg"}}}}`))
	}))
	defer server.Close()

	client := NewJikanClient(JikanClientConfig{BaseURL: server.URL + "/v4"})
	item, err := client.FetchItem(context.Background(), 5114)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if item.ExternalID != 5114 || item.Year != 2009 || item.CoverImage != "https://cdn/fma.jpg" {
		t.Fatalf("unexpected item %#v", item)
	}
}

func TestJikanClientNullYearLeavesZero(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"mal_id":7,"title":"Mystery","synopsis":null,"year":null}}`))
	}))
	defer server.Close()

	client := NewJikanClient(JikanClientConfig{BaseURL: server.URL})
	item, err := client.FetchItem(context.Background(), 7)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if item.Year != 0 || item.Synopsis != "" {
		t.Fatalf("expected empty defaults, got %#v", item)
	}
}

func TestJikanClientRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"mal_id":1,"title":"Cowboy Bebop"}}`))
	}))
	defer server.Close()

	client := NewJikanClient(JikanClientConfig{
		BaseURL:      server.URL,
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
	})
	item, err := client.FetchItem(context.Background(), 1)
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if item.Title != "Cowboy Bebop" {
		t.Fatalf("unexpected item %#v", item)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestJikanClientNotFoundIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewJikanClient(JikanClientConfig{BaseURL: server.URL, InitialDelay: time.Millisecond})
	_, err := client.FetchItem(context.Background(), 404)
	if !errors.Is(err, ErrSourceItemNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestJikanClientSearch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") != "bebop" {
			t.Errorf("unexpected query %q", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"data":[{"mal_id":1,"title":"Cowboy Bebop"},{"mal_id":5,"title":"Cowboy Bebop: The Movie"}]}`))
	}))
	defer server.Close()

	client := NewJikanClient(JikanClientConfig{BaseURL: server.URL})
	results, err := client.Search(context.Background(), "bebop")
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 2 || results[1].ExternalID != 5 {
		t.Fatalf("unexpected results %#v", results)
	}
}
