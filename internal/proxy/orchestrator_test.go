package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/imgcache/internal/cache"
	"github.com/any-hub/imgcache/internal/freshness"
)

const thumbnailURL = "https://drive.google.com/thumbnail?id=abc&sz=w400"

func TestServeIsIdempotentWithinTTL(t *testing.T) {
	env := newOrchestratorEnv(t, okFetcher("image-bytes"))

	first := env.serve(t, thumbnailURL)
	if first.outcome != OutcomeFetched {
		t.Fatalf("first request should fetch, got %s", first.outcome)
	}
	env.orchestrator.Drain()

	env.advance(time.Hour)
	second := env.serve(t, thumbnailURL)
	if second.outcome != OutcomeFresh {
		t.Fatalf("second request should be served from cache, got %s", second.outcome)
	}
	if second.body != "image-bytes" || first.body != "image-bytes" {
		t.Fatalf("unexpected bodies: %q / %q", first.body, second.body)
	}
	if calls := env.calls.Load(); calls != 1 {
		t.Fatalf("expected exactly one network call, got %d", calls)
	}
}

func TestServeReturnsNetworkHeadersUnchanged(t *testing.T) {
	env := newOrchestratorEnv(t, okFetcher("img"))

	result := env.serve(t, thumbnailURL)
	if result.header.Get(cache.CachedDateHeader) != "" {
		t.Fatalf("caller must receive the network response without the cache timestamp")
	}
	if result.header.Get("Content-Type") != "image/png" {
		t.Fatalf("network headers should be preserved, got %v", result.header)
	}
	env.orchestrator.Drain()

	stored := env.stored(t, thumbnailURL)
	if got := stored.Header.Get(cache.CachedDateHeader); got != cache.FormatCachedDate(env.now()) {
		t.Fatalf("stored copy should be stamped with fetch time, got %q", got)
	}
}

func TestServeRefetchesAfterExpiry(t *testing.T) {
	env := newOrchestratorEnv(t, okFetcher("new"))
	env.seed(t, thumbnailURL, "old", env.now().Add(-freshness.TTL-time.Millisecond))

	result := env.serve(t, thumbnailURL)
	if result.outcome != OutcomeFetched || result.body != "new" {
		t.Fatalf("expired entry should be refetched, got %s %q", result.outcome, result.body)
	}
	env.orchestrator.Drain()

	stored := env.stored(t, thumbnailURL)
	if string(stored.Body) != "new" {
		t.Fatalf("refetch should overwrite stored entry, got %q", stored.Body)
	}
	if got := stored.Header.Get(cache.CachedDateHeader); got != cache.FormatCachedDate(env.now()) {
		t.Fatalf("timestamp should be refreshed, got %q", got)
	}
}

func TestServeJustInsideTTLIsFresh(t *testing.T) {
	env := newOrchestratorEnv(t, okFetcher("new"))
	env.seed(t, thumbnailURL, "old", env.now().Add(-freshness.TTL+time.Millisecond))

	result := env.serve(t, thumbnailURL)
	if result.outcome != OutcomeFresh || result.body != "old" {
		t.Fatalf("entry inside ttl should be served from cache, got %s %q", result.outcome, result.body)
	}
	if env.calls.Load() != 0 {
		t.Fatalf("fresh hit must not touch the network")
	}
}

func TestServeFallsBackToStaleOnNetworkError(t *testing.T) {
	netErr := errors.New("dial tcp: connection refused")
	env := newOrchestratorEnv(t, errFetcher(netErr))
	env.seed(t, thumbnailURL, "stale-bytes", env.now().Add(-30*24*time.Hour))

	result := env.serve(t, thumbnailURL)
	if result.err != nil {
		t.Fatalf("stale fallback should not surface an error: %v", result.err)
	}
	if result.outcome != OutcomeStale || result.body != "stale-bytes" {
		t.Fatalf("expected stale copy, got %s %q", result.outcome, result.body)
	}
	if !strings.Contains(env.logs.String(), "serve_stale") {
		t.Fatalf("expected stale serve log, got %s", env.logs.String())
	}
}

func TestServePropagatesErrorWithoutFallback(t *testing.T) {
	netErr := errors.New("no route to host")
	env := newOrchestratorEnv(t, errFetcher(netErr))

	result := env.serve(t, thumbnailURL)
	if result.err != netErr {
		t.Fatalf("expected the original network error, got %v", result.err)
	}
	if !strings.Contains(env.logs.String(), "fetch_failed") {
		t.Fatalf("expected fetch failure log, got %s", env.logs.String())
	}
}

func TestServeFallsBackWhenBodyReadFails(t *testing.T) {
	env := newOrchestratorEnv(t, FetcherFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       io.NopCloser(&failingReader{}),
			Request:    req,
		}, nil
	}))
	env.seed(t, thumbnailURL, "stale", env.now().Add(-8*24*time.Hour))

	result := env.serve(t, thumbnailURL)
	if result.outcome != OutcomeStale || result.body != "stale" {
		t.Fatalf("body read failure should fall back, got %s %q", result.outcome, result.body)
	}
}

func TestServeDoesNotStoreNonOKResponses(t *testing.T) {
	env := newOrchestratorEnv(t, statusFetcher(http.StatusNotFound, "missing"))

	for i := 0; i < 2; i++ {
		result := env.serve(t, thumbnailURL)
		if result.outcome != OutcomeUncached || result.status != http.StatusNotFound || result.body != "missing" {
			t.Fatalf("404 should be returned as-is, got %s %d %q", result.outcome, result.status, result.body)
		}
		env.orchestrator.Drain()
	}
	if calls := env.calls.Load(); calls != 2 {
		t.Fatalf("404 must be refetched each time, got %d calls", calls)
	}
	store, _ := env.registry.Open(context.Background(), cache.CurrentVersion)
	if _, err := store.Get(context.Background(), cache.Key{Method: http.MethodGet, URL: thumbnailURL}); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("404 must not be stored, got %v", err)
	}
}

func TestServeTreatsStorageReadErrorAsAbsent(t *testing.T) {
	env := newOrchestratorEnv(t, okFetcher("fetched"))
	env.orchestrator.registry = &faultyRegistry{Registry: env.registry, failGet: true}

	result := env.serve(t, thumbnailURL)
	if result.outcome != OutcomeFetched || result.body != "fetched" {
		t.Fatalf("storage read failure should be treated as a miss, got %s %q", result.outcome, result.body)
	}
	if !strings.Contains(env.logs.String(), "cache_get_failed") {
		t.Fatalf("expected read failure log, got %s", env.logs.String())
	}
}

func TestServeReturnsResponseWhenWriteFails(t *testing.T) {
	env := newOrchestratorEnv(t, okFetcher("fetched"))
	env.orchestrator.registry = &faultyRegistry{Registry: env.registry, failPut: true}

	result := env.serve(t, thumbnailURL)
	if result.err != nil || result.outcome != OutcomeFetched || result.body != "fetched" {
		t.Fatalf("write failure must not affect the response, got %s %q %v", result.outcome, result.body, result.err)
	}
	env.orchestrator.Drain()
	if !strings.Contains(env.logs.String(), "cache_write_failed") {
		t.Fatalf("expected write failure log, got %s", env.logs.String())
	}
}

func TestServeSkipsCacheForNonGET(t *testing.T) {
	env := newOrchestratorEnv(t, okFetcher("posted"))

	req := httptest.NewRequest(http.MethodPost, thumbnailURL, strings.NewReader("x"))
	resp, outcome, err := env.orchestrator.Serve(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if outcome != OutcomeUncached {
		t.Fatalf("non-GET requests are never cached, got %s", outcome)
	}
	env.orchestrator.Drain()
	names, _ := env.registry.Names(context.Background())
	if len(names) != 0 {
		t.Fatalf("non-GET request must not touch the store, got %v", names)
	}
}

func TestBackgroundWriteSurvivesRequestCancellation(t *testing.T) {
	env := newOrchestratorEnv(t, okFetcher("img"))

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, thumbnailURL, nil).WithContext(ctx)
	resp, _, err := env.orchestrator.Serve(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	cancel()
	env.orchestrator.Drain()

	if stored := env.stored(t, thumbnailURL); string(stored.Body) != "img" {
		t.Fatalf("write should complete after cancellation, got %q", stored.Body)
	}
}

func TestCoalescedFetchesShareOneNetworkCall(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	env := newOrchestratorEnvWith(t, true, FetcherFunc(func(req *http.Request) (*http.Response, error) {
		once.Do(func() { close(started) })
		<-release
		return imageResponse(req, http.StatusOK, "shared"), nil
	}))

	const callers = 8
	results := make(chan serveResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- env.serve(t, thumbnailURL)
		}()
	}
	<-started
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	for result := range results {
		if result.err != nil || result.body != "shared" {
			t.Fatalf("unexpected result %+v", result)
		}
	}
	if calls := env.calls.Load(); calls != 1 {
		t.Fatalf("expected one network call, got %d", calls)
	}
}

func TestNewOrchestratorValidatesDependencies(t *testing.T) {
	if _, err := NewOrchestrator(Options{Fetcher: okFetcher("x"), Logger: logrus.New()}); err == nil {
		t.Fatalf("expected error without registry")
	}
	if _, err := NewOrchestrator(Options{Registry: cache.NewMemoryRegistry(), Logger: logrus.New()}); err == nil {
		t.Fatalf("expected error without fetcher")
	}
}

type serveResult struct {
	outcome Outcome
	status  int
	header  http.Header
	body    string
	err     error
}

type orchestratorEnv struct {
	orchestrator *Orchestrator
	registry     cache.Registry
	calls        *atomic.Int64
	logs         *syncBuffer
	clock        *fakeClock
}

func newOrchestratorEnv(t *testing.T, fetcher Fetcher) *orchestratorEnv {
	return newOrchestratorEnvWith(t, false, fetcher)
}

func newOrchestratorEnvWith(t *testing.T, coalesce bool, fetcher Fetcher) *orchestratorEnv {
	t.Helper()
	env := &orchestratorEnv{
		registry: cache.NewMemoryRegistry(),
		calls:    &atomic.Int64{},
		logs:     &syncBuffer{},
		clock:    &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	logger := logrus.New()
	logger.SetOutput(env.logs)
	logger.SetLevel(logrus.DebugLevel)

	counting := FetcherFunc(func(req *http.Request) (*http.Response, error) {
		env.calls.Add(1)
		return fetcher.Do(req)
	})
	orchestrator, err := NewOrchestrator(Options{
		Registry: env.registry,
		Fetcher:  counting,
		Logger:   logger,
		Coalesce: coalesce,
		Now:      env.clock.Now,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	env.orchestrator = orchestrator
	return env
}

func (e *orchestratorEnv) now() time.Time {
	return e.clock.Now()
}

func (e *orchestratorEnv) advance(d time.Duration) {
	e.clock.Advance(d)
}

func (e *orchestratorEnv) serve(t *testing.T, rawURL string) serveResult {
	req := httptest.NewRequest(http.MethodGet, rawURL, nil)
	resp, outcome, err := e.orchestrator.Serve(req)
	if err != nil {
		return serveResult{outcome: outcome, err: err}
	}
	defer resp.Body.Close()
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		t.Errorf("read body: %v", readErr)
	}
	return serveResult{
		outcome: outcome,
		status:  resp.StatusCode,
		header:  resp.Header,
		body:    string(body),
	}
}

func (e *orchestratorEnv) seed(t *testing.T, rawURL, body string, cachedAt time.Time) {
	t.Helper()
	store, err := e.registry.Open(context.Background(), cache.CurrentVersion)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	entry := (&cache.StoredResponse{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"image/png"}},
		Body:       []byte(body),
	}).Stamp(cachedAt)
	if err := store.Put(context.Background(), cache.Key{Method: http.MethodGet, URL: rawURL}, entry); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func (e *orchestratorEnv) stored(t *testing.T, rawURL string) *cache.StoredResponse {
	t.Helper()
	store, err := e.registry.Open(context.Background(), cache.CurrentVersion)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	stored, err := store.Get(context.Background(), cache.Key{Method: http.MethodGet, URL: rawURL})
	if err != nil {
		t.Fatalf("get stored: %v", err)
	}
	return stored
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func imageResponse(req *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     http.Header{"Content-Type": []string{"image/png"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}
}

func okFetcher(body string) Fetcher {
	return statusFetcher(http.StatusOK, body)
}

func statusFetcher(status int, body string) Fetcher {
	return FetcherFunc(func(req *http.Request) (*http.Response, error) {
		return imageResponse(req, status, body), nil
	})
}

func errFetcher(err error) Fetcher {
	return FetcherFunc(func(*http.Request) (*http.Response, error) {
		return nil, err
	})
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset by peer")
}

type faultyRegistry struct {
	cache.Registry
	failGet bool
	failPut bool
}

func (r *faultyRegistry) Open(ctx context.Context, name string) (cache.Store, error) {
	store, err := r.Registry.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &faultyStore{Store: store, registry: r}, nil
}

type faultyStore struct {
	cache.Store
	registry *faultyRegistry
}

func (s *faultyStore) Get(ctx context.Context, key cache.Key) (*cache.StoredResponse, error) {
	if s.registry.failGet {
		return nil, &cache.StorageError{Op: "get", Store: s.Name(), Err: errors.New("disk read error")}
	}
	return s.Store.Get(ctx, key)
}

func (s *faultyStore) Put(ctx context.Context, key cache.Key, resp *cache.StoredResponse) error {
	if s.registry.failPut {
		return &cache.StorageError{Op: "put", Store: s.Name(), Err: errors.New("quota exceeded")}
	}
	return s.Store.Put(ctx, key, resp)
}
