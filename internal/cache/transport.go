package cache

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ServedByHeader annotates every response Transport produces with how it
// was satisfied. Harness traces and tests key off it; browsers ignore it.
const ServedByHeader = "X-Satchel-Cache"

// ServedByHeader values.
const (
	ServedNetwork    = "network"    // live response from the origin
	ServedHit        = "hit"        // fresh entry, network never consulted
	ServedStale      = "stale"      // expired entry served because the network failed
	ServedRevalidate = "revalidate" // cached entry served while a background refresh runs
	ServedOffline    = "offline"    // synthesized placeholder, nothing else available
)

// DefaultNetworkTimeout bounds how long network-first waits before
// falling back to the cache.
const DefaultNetworkTimeout = 4 * time.Second

const keyStripes = 64

// offlineBody is the placeholder served when neither network nor cache
// can satisfy a request.
var offlineBody = []byte(`{"success":false,"error":"offline"}`)

// TransportConfig configures a Transport. Base, Buckets and Rules are
// required; the rest default sensibly.
type TransportConfig struct {
	Base    http.RoundTripper // underlying transport, http.DefaultTransport when nil
	Buckets *Buckets
	Rules   *Classifier
	Version string        // build version, selects which buckets are written
	Timeout time.Duration // network-first bound, DefaultNetworkTimeout when zero
	Logger  *slog.Logger
	Now     func() time.Time
}

// Transport is an http.RoundTripper that serves GET requests through the
// route's caching policy. It never returns a transport error for a GET:
// when both the network and the cache come up empty it synthesizes a 503
// placeholder response instead.
type Transport struct {
	base    http.RoundTripper
	buckets *Buckets
	rules   *Classifier
	version string
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	// Same-key cache-first requests are serialized on a lock stripe so a
	// cold start does not fetch one asset several times. Stripe collisions
	// may serialize unrelated keys; that is acceptable for the bucket
	// kinds this applies to.
	locks [keyStripes]sync.Mutex

	mu       sync.Mutex
	inflight map[string]struct{} // keys with a background revalidation running
	swr      sync.WaitGroup
}

// NewTransport builds a Transport from cfg.
func NewTransport(cfg TransportConfig) *Transport {
	t := &Transport{
		base:     cfg.Base,
		buckets:  cfg.Buckets,
		rules:    cfg.Rules,
		version:  cfg.Version,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		now:      cfg.Now,
		inflight: make(map[string]struct{}),
	}
	if t.base == nil {
		t.base = http.DefaultTransport
	}
	if t.timeout == 0 {
		t.timeout = DefaultNetworkTimeout
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

// RoundTrip implements http.RoundTripper. Non-GET requests pass straight
// through to the base transport.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return t.base.RoundTrip(req)
	}

	dec := t.rules.Classify(req)
	switch dec.Policy {
	case PolicyCacheFirst:
		return t.cacheFirst(req, dec)
	case PolicyStaleWhileRevalidate:
		return t.staleWhileRevalidate(req, dec)
	default:
		return t.networkFirst(req, dec)
	}
}

// WaitBackground blocks until every in-flight background revalidation
// has finished. Called during shutdown so cache writes are not abandoned
// mid-flight.
func (t *Transport) WaitBackground() {
	t.swr.Wait()
}

// networkFirst tries the origin under a bounded timeout. On failure it
// serves a cached entry no older than the route's max age, and past that
// the offline placeholder.
func (t *Transport) networkFirst(req *http.Request, dec Decision) (*http.Response, error) {
	key := RequestKey(req)

	ctx := req.Context()
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	resp, body, err := t.fetch(ctx, req)
	if err == nil {
		if cacheable(resp) {
			t.store(req, dec, key, resp, body)
		}
		resp.Header.Set(ServedByHeader, ServedNetwork)
		return resp, nil
	}

	entry, gerr := t.buckets.Get(req.Context(), t.bucket(dec), key)
	if gerr == nil && entry.Fresh(t.now(), dec.MaxAge) {
		t.logger.Debug("network failed, serving cached fallback",
			"url", req.URL.Path,
			"age", entry.Age(t.now()),
			"error", err)
		return t.replay(req, entry, ServedStale), nil
	}

	t.logger.Warn("network failed with no usable cache entry",
		"url", req.URL.Path,
		"error", err)
	return t.offline(req), nil
}

// cacheFirst serves a fresh entry without touching the network. On miss
// or expiry it fetches, stores a successful response, and as a last
// resort serves whatever expired entry it holds.
func (t *Transport) cacheFirst(req *http.Request, dec Decision) (*http.Response, error) {
	key := RequestKey(req)
	lock := t.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	entry, gerr := t.buckets.Get(req.Context(), t.bucket(dec), key)
	if gerr == nil && entry.Fresh(t.now(), dec.MaxAge) {
		return t.replay(req, entry, ServedHit), nil
	}

	resp, body, err := t.fetch(req.Context(), req)
	if err == nil {
		if cacheable(resp) {
			t.store(req, dec, key, resp, body)
		}
		resp.Header.Set(ServedByHeader, ServedNetwork)
		return resp, nil
	}

	if gerr == nil {
		t.logger.Debug("fetch failed, serving expired entry",
			"url", req.URL.Path,
			"age", entry.Age(t.now()),
			"error", err)
		return t.replay(req, entry, ServedStale), nil
	}

	t.logger.Warn("cache miss with network down",
		"url", req.URL.Path,
		"error", err)
	return t.offline(req), nil
}

// staleWhileRevalidate serves the cached entry immediately, whatever its
// age, and refreshes it in the background. The caller always sees the
// value that was cached before the request arrived; the refreshed value
// waits for the next request. A miss fetches in the foreground.
func (t *Transport) staleWhileRevalidate(req *http.Request, dec Decision) (*http.Response, error) {
	key := RequestKey(req)

	entry, gerr := t.buckets.Get(req.Context(), t.bucket(dec), key)
	if gerr == nil {
		t.revalidate(req, dec, key)
		return t.replay(req, entry, ServedRevalidate), nil
	}

	resp, body, err := t.fetch(req.Context(), req)
	if err != nil {
		t.logger.Warn("uncached page with network down",
			"url", req.URL.Path,
			"error", err)
		return t.offline(req), nil
	}
	if cacheable(resp) {
		t.store(req, dec, key, resp, body)
	}
	resp.Header.Set(ServedByHeader, ServedNetwork)
	return resp, nil
}

// revalidate starts a background refresh for key unless one is already
// running. The key is registered before the goroutine starts, so a
// second request observes the in-flight refresh immediately.
func (t *Transport) revalidate(req *http.Request, dec Decision, key string) {
	t.mu.Lock()
	if _, busy := t.inflight[key]; busy {
		t.mu.Unlock()
		return
	}
	t.inflight[key] = struct{}{}
	t.mu.Unlock()

	// Detach from the request context: the caller already has its
	// response and must not be able to cancel the refresh.
	clone := req.Clone(context.Background())

	t.swr.Add(1)
	go func() {
		defer t.swr.Done()
		defer func() {
			t.mu.Lock()
			delete(t.inflight, key)
			t.mu.Unlock()
		}()

		resp, body, err := t.fetch(clone.Context(), clone)
		if err != nil {
			t.logger.Debug("background revalidation failed",
				"url", clone.URL.Path,
				"error", err)
			return
		}
		if !cacheable(resp) {
			return
		}
		t.store(clone, dec, key, resp, body)
	}()
}

// fetch performs one round trip against the base transport and drains
// the body so it can be both stored and returned. A body read error is
// reported the same way as a transport error.
func (t *Transport) fetch(ctx context.Context, req *http.Request) (*http.Response, []byte, error) {
	resp, err := t.base.RoundTrip(req.Clone(ctx))
	if err != nil {
		return nil, nil, err
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, body, nil
}

// store writes a fetched response into the bucket for dec. Write
// failures are logged, not surfaced: a failed cache write must never
// break a request that the network already answered.
func (t *Transport) store(req *http.Request, dec Decision, key string, resp *http.Response, body []byte) {
	e := Entry{
		Key:        key,
		URL:        req.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		FetchedAt:  t.now().UnixMilli(),
	}
	if err := t.buckets.Put(req.Context(), t.bucket(dec), e); err != nil {
		t.logger.Warn("cache write failed",
			"bucket", t.bucket(dec),
			"url", req.URL.Path,
			"error", err)
	}
}

func (t *Transport) replay(req *http.Request, e Entry, served string) *http.Response {
	resp := e.Response(req)
	resp.Header.Set(ServedByHeader, served)
	return resp
}

// offline synthesizes the 503 placeholder response.
func (t *Transport) offline(req *http.Request) *http.Response {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set(ServedByHeader, ServedOffline)
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", http.StatusServiceUnavailable, http.StatusText(http.StatusServiceUnavailable)),
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(offlineBody)),
		ContentLength: int64(len(offlineBody)),
		Request:       req,
	}
}

func (t *Transport) bucket(dec Decision) string {
	return Name(dec.Kind, t.version)
}

func (t *Transport) keyLock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &t.locks[h.Sum32()%keyStripes]
}

// cacheable reports whether a response should be written to a bucket.
// Only 2xx responses are stored; errors pass through to the caller but
// never overwrite a previously good entry.
func cacheable(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
