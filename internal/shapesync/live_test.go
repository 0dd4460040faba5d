package shapesync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/agentworkforce/shapesync/internal/mirror"
)

type shapeServer struct {
	mu       sync.Mutex
	requests []*http.Request
	handler  func(n int, w http.ResponseWriter, r *http.Request)
	server   *httptest.Server
}

func newShapeServer(handler func(n int, w http.ResponseWriter, r *http.Request)) *shapeServer {
	s := &shapeServer{handler: handler}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r)
		n := len(s.requests)
		s.mu.Unlock()
		s.handler(n, w, r)
	}))
	return s
}

func (s *shapeServer) Close() {
	s.server.Close()
}

func (s *shapeServer) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *shapeServer) requestAt(i int) *http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func writeShapeBatch(w http.ResponseWriter, offset, handle, body string) {
	w.Header().Set(headerShapeOffset, offset)
	w.Header().Set(headerShapeHandle, handle)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func newTestLiveAdapter(t *testing.T, baseURL string, tokens TokenProvider, onUnavailable func(error)) *LiveAdapter {
	t.Helper()
	shape, ok := CatalogShape("issues")
	if !ok {
		t.Fatalf("expected issues shape")
	}
	return NewLiveAdapter(LiveAdapterOptions{
		BaseURL:       baseURL,
		Shape:         shape,
		Params:        map[string]string{"project_id": "p1"},
		Tokens:        tokens,
		OnUnavailable: onUnavailable,
	})
}

func TestLiveAdapterAppliesInitialBatchAndMarksReady(t *testing.T) {
	server := newShapeServer(func(n int, w http.ResponseWriter, r *http.Request) {
		if n == 1 {
			writeShapeBatch(w, "0_0", "h1", `[
				{"key":"i-1","value":{"id":"i-1","title":"first"},"headers":{"operation":"insert"}},
				{"key":"i-2","value":{"id":"i-2","title":"second"},"headers":{"operation":"insert"}},
				{"headers":{"control":"up-to-date"}}
			]`)
			return
		}
		// Subsequent long-polls deliver nothing new.
		time.Sleep(20 * time.Millisecond)
		writeShapeBatch(w, "0_0", "h1", `[]`)
	})
	defer server.Close()

	store := mirror.NewMemStore()
	adapter := newTestLiveAdapter(t, server.server.URL, &fakeTokenProvider{token: "tok"}, nil)
	adapter.Start(context.Background(), store)
	defer adapter.Stop()

	waitFor(t, 2*time.Second, store.IsReady, "store to become ready")
	if store.Len() != 2 {
		t.Fatalf("expected 2 rows, got %d", store.Len())
	}
	if row := store.Get("i-1"); row == nil || row["title"] != "first" {
		t.Fatalf("unexpected row: %v", row)
	}

	first := server.requestAt(0)
	if got := first.URL.Path; got != "/shape/project/p1/issues" {
		t.Fatalf("unexpected shape path %q", got)
	}
	if got := first.URL.Query().Get("offset"); got != initialShapeOffset {
		t.Fatalf("expected initial offset, got %q", got)
	}
	if got := first.Header.Get("Authorization"); got != "Bearer tok" {
		t.Fatalf("expected bearer header, got %q", got)
	}
}

func TestLiveAdapterResumesFromServerOffsetAndGoesLive(t *testing.T) {
	server := newShapeServer(func(n int, w http.ResponseWriter, r *http.Request) {
		if n == 1 {
			writeShapeBatch(w, "0_5", "h1", `[{"headers":{"control":"up-to-date"}}]`)
			return
		}
		time.Sleep(20 * time.Millisecond)
		writeShapeBatch(w, "0_5", "h1", `[]`)
	})
	defer server.Close()

	store := mirror.NewMemStore()
	adapter := newTestLiveAdapter(t, server.server.URL, &fakeTokenProvider{token: "tok"}, nil)
	adapter.Start(context.Background(), store)
	defer adapter.Stop()

	waitFor(t, 2*time.Second, func() bool { return server.requestCount() >= 2 }, "second long-poll")
	second := server.requestAt(1)
	query := second.URL.Query()
	if query.Get("offset") != "0_5" {
		t.Fatalf("expected server offset, got %q", query.Get("offset"))
	}
	if query.Get("handle") != "h1" {
		t.Fatalf("expected handle, got %q", query.Get("handle"))
	}
	if query.Get("live") != "true" {
		t.Fatalf("expected live long-poll after first up-to-date")
	}
	if query.Get("project_id") != "p1" {
		t.Fatalf("expected shape params in query, got %q", query.Get("project_id"))
	}
}

func TestLiveAdapterMustRefetchResetsTheMirror(t *testing.T) {
	server := newShapeServer(func(n int, w http.ResponseWriter, r *http.Request) {
		switch n {
		case 1:
			writeShapeBatch(w, "0_1", "h1", `[
				{"key":"i-old","value":{"id":"i-old"},"headers":{"operation":"insert"}},
				{"headers":{"control":"up-to-date"}}
			]`)
		case 2:
			writeShapeBatch(w, "0_2", "h1", `[{"headers":{"control":"must-refetch"}}]`)
		case 3:
			writeShapeBatch(w, "0_1", "h2", `[
				{"key":"i-new","value":{"id":"i-new"},"headers":{"operation":"insert"}},
				{"headers":{"control":"up-to-date"}}
			]`)
		default:
			time.Sleep(20 * time.Millisecond)
			writeShapeBatch(w, "0_1", "h2", `[]`)
		}
	})
	defer server.Close()

	store := mirror.NewMemStore()
	adapter := newTestLiveAdapter(t, server.server.URL, &fakeTokenProvider{token: "tok"}, nil)
	adapter.Start(context.Background(), store)
	defer adapter.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return store.Get("i-new") != nil && store.Get("i-old") == nil
	}, "mirror to be rebuilt after must-refetch")

	third := server.requestAt(2)
	if got := third.URL.Query().Get("offset"); got != initialShapeOffset {
		t.Fatalf("expected refetch from initial offset, got %q", got)
	}
}

func TestLiveAdapterRefreshesTokenOn401(t *testing.T) {
	server := newShapeServer(func(n int, w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer stale" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"token expired"}`))
			return
		}
		if n <= 2 {
			writeShapeBatch(w, "0_0", "h1", `[
				{"key":"i-1","value":{"id":"i-1"},"headers":{"operation":"insert"}},
				{"headers":{"control":"up-to-date"}}
			]`)
			return
		}
		time.Sleep(20 * time.Millisecond)
		writeShapeBatch(w, "0_0", "h1", `[]`)
	})
	defer server.Close()

	tokens := &fakeTokenProvider{token: "stale", refreshed: "fresh"}
	store := mirror.NewMemStore()
	fallbackSignals := make(chan error, 1)
	adapter := newTestLiveAdapter(t, server.server.URL, tokens, func(err error) {
		fallbackSignals <- err
	})
	adapter.Start(context.Background(), store)
	defer adapter.Stop()

	waitFor(t, 2*time.Second, store.IsReady, "store to become ready after refresh")
	if tokens.refreshCount() != 1 {
		t.Fatalf("expected one refresh, got %d", tokens.refreshCount())
	}
	select {
	case err := <-fallbackSignals:
		t.Fatalf("expected 401 recovery to stay live, got unavailable signal: %v", err)
	default:
	}
}

func TestLiveAdapterSignalsUnavailableOnServerError(t *testing.T) {
	server := newShapeServer(func(n int, w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"shard down"}`))
	})
	defer server.Close()

	store := mirror.NewMemStore()
	signals := make(chan error, 1)
	adapter := newTestLiveAdapter(t, server.server.URL, &fakeTokenProvider{token: "tok"}, func(err error) {
		signals <- err
	})
	adapter.Start(context.Background(), store)
	defer adapter.Stop()

	select {
	case err := <-signals:
		if !strings.Contains(err.Error(), "shard down") {
			t.Fatalf("expected server message in error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected unavailable signal for http 500")
	}
	if store.IsReady() {
		t.Fatalf("expected failed live sync to leave readiness to the fallback")
	}
}

func TestLiveAdapterKeepsRetryingOnClientError(t *testing.T) {
	server := newShapeServer(func(n int, w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"unknown shape"}`))
	})
	defer server.Close()

	store := mirror.NewMemStore()
	signals := make(chan error, 1)
	adapter := newTestLiveAdapter(t, server.server.URL, &fakeTokenProvider{token: "tok"}, func(err error) {
		signals <- err
	})
	adapter.Start(context.Background(), store)
	defer adapter.Stop()

	waitFor(t, 2*time.Second, func() bool { return server.requestCount() >= 2 }, "retry after 404")
	select {
	case err := <-signals:
		t.Fatalf("expected 4xx to never signal unavailable, got %v", err)
	default:
	}
}

func TestLiveAdapterPauseStopsRequests(t *testing.T) {
	server := newShapeServer(func(n int, w http.ResponseWriter, r *http.Request) {
		time.Sleep(10 * time.Millisecond)
		writeShapeBatch(w, "0_0", "h1", `[{"headers":{"control":"up-to-date"}}]`)
	})
	defer server.Close()

	tokens := &fakeTokenProvider{token: "tok"}
	store := mirror.NewMemStore()
	adapter := newTestLiveAdapter(t, server.server.URL, tokens, nil)
	adapter.Start(context.Background(), store)
	defer adapter.Stop()

	waitFor(t, 2*time.Second, func() bool {
		tokens.mu.Lock()
		defer tokens.mu.Unlock()
		return tokens.hasHooks
	}, "hooks to register")
	tokens.pause()

	waitFor(t, 2*time.Second, func() bool { return server.requestCount() >= 1 }, "first request")
	time.Sleep(400 * time.Millisecond)
	paused := server.requestCount()
	time.Sleep(400 * time.Millisecond)
	if got := server.requestCount(); got != paused {
		t.Fatalf("expected no requests while paused, got %d more", got-paused)
	}

	tokens.resume()
	waitFor(t, 2*time.Second, func() bool { return server.requestCount() > paused }, "requests to resume")
}

func TestLiveAdapterStopDoesNotSignalUnavailable(t *testing.T) {
	server := newShapeServer(func(n int, w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		writeShapeBatch(w, "0_0", "h1", `[{"headers":{"control":"up-to-date"}}]`)
	})
	defer server.Close()

	store := mirror.NewMemStore()
	signals := make(chan error, 1)
	adapter := newTestLiveAdapter(t, server.server.URL, &fakeTokenProvider{token: "tok"}, func(err error) {
		signals <- err
	})
	adapter.Start(context.Background(), store)
	waitFor(t, 2*time.Second, func() bool { return server.requestCount() >= 1 }, "first request")
	adapter.Stop()

	select {
	case err := <-signals:
		t.Fatalf("expected consumer stop to never signal unavailable, got %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLiveAdapterReportsWhenTokenRefreshFails(t *testing.T) {
	server := newShapeServer(func(n int, w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"token expired"}`))
	})
	defer server.Close()

	core, logs := observer.New(zap.WarnLevel)
	tokens := &fakeTokenProvider{token: "stale", refreshErr: errors.New("auth service unreachable")}
	shape, ok := CatalogShape("issues")
	if !ok {
		t.Fatalf("expected issues shape")
	}
	fallbackSignals := make(chan error, 1)
	store := mirror.NewMemStore()
	adapter := NewLiveAdapter(LiveAdapterOptions{
		BaseURL: server.server.URL,
		Shape:   shape,
		Params:  map[string]string{"project_id": "p1"},
		Tokens:  tokens,
		Logger:  zap.New(core).Sugar(),
		OnUnavailable: func(err error) {
			fallbackSignals <- err
		},
	})
	adapter.Start(context.Background(), store)
	defer adapter.Stop()

	waitFor(t, 2*time.Second, func() bool { return tokens.refreshCount() >= 1 }, "a refresh attempt")
	waitFor(t, 2*time.Second, func() bool {
		return len(logs.FilterMessage("shape subscription error").All()) >= 1
	}, "the auth failure to be reported")

	entry := logs.FilterMessage("shape subscription error").All()[0]
	reported := fmt.Sprint(entry.ContextMap()["error"])
	if !strings.Contains(reported, "http 401") || !strings.Contains(reported, "token expired") {
		t.Fatalf("expected the original 401 to be reported, got %q", reported)
	}

	// Auth failures keep retrying on the shape endpoint; they never count
	// as push delivery being unavailable.
	waitFor(t, 2*time.Second, func() bool { return server.requestCount() >= 2 }, "the subscription to keep retrying")
	select {
	case err := <-fallbackSignals:
		t.Fatalf("expected auth failure to stay on retry, got unavailable signal: %v", err)
	default:
	}
	if store.IsReady() {
		t.Fatalf("expected the mirror to stay unready while unauthorized")
	}
}

func TestLiveAdapterStartAfterStopIsNoOp(t *testing.T) {
	server := newShapeServer(func(n int, w http.ResponseWriter, r *http.Request) {
		writeShapeBatch(w, "0_0", "h1", `[{"headers":{"control":"up-to-date"}}]`)
	})
	defer server.Close()

	tokens := &fakeTokenProvider{token: "tok"}
	store := mirror.NewMemStore()
	adapter := newTestLiveAdapter(t, server.server.URL, tokens, nil)
	adapter.Stop()
	adapter.Start(context.Background(), store)

	time.Sleep(100 * time.Millisecond)
	if server.requestCount() != 0 {
		t.Fatalf("expected no requests after a stopped adapter is started, got %d", server.requestCount())
	}
	if store.IsReady() {
		t.Fatalf("expected no sink writes after a stopped adapter is started")
	}
	tokens.mu.Lock()
	defer tokens.mu.Unlock()
	if tokens.hasHooks {
		t.Fatalf("expected no pause hooks registered after stop")
	}
}

func TestLiveAdapterStopDuringStartLeavesNothingRunning(t *testing.T) {
	server := newShapeServer(func(n int, w http.ResponseWriter, r *http.Request) {
		writeShapeBatch(w, "0_0", "h1", `[
			{"key":"i-1","value":{"id":"i-1"},"headers":{"operation":"insert"}},
			{"headers":{"control":"up-to-date"}}
		]`)
	})
	defer server.Close()

	for i := 0; i < 25; i++ {
		store := mirror.NewMemStore()
		adapter := newTestLiveAdapter(t, server.server.URL, &fakeTokenProvider{token: "tok"}, nil)
		started := make(chan struct{})
		go func() {
			adapter.Start(context.Background(), store)
			close(started)
		}()
		adapter.Stop()
		<-started

		rows := store.Len()
		ready := store.IsReady()
		time.Sleep(10 * time.Millisecond)
		if store.Len() != rows || store.IsReady() != ready {
			t.Fatalf("iteration %d: sink changed after Stop returned", i)
		}
	}
}
