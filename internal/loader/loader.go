// Package loader implements the SegmentLoader: HTTP fetch with exponential
// backoff retry, plus an in-flight-request-coalescing cache so concurrent
// requests for the same segment produce exactly one HTTP fetch. Backoff
// is bounded by initialBackoffDelay/maximumBackoffDelay/maxRetry/
// maxRetryOffline. The cache is keyed by segment identity rather than
// evicted against an active-set provider, since eviction of fetched
// bytes is the Segment Inventory/GC's job, not this cache's.
package loader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"dashbuffer/internal/errs"
	"dashbuffer/internal/logger"
	"dashbuffer/internal/manifest"
)

// BackoffConfig configures retry timing. MaxRetry bounds attempts while
// Offline is false; MaxRetryOffline (may be -1 for unbounded) bounds
// attempts once the loader has observed a connection-level failure,
// mirroring a client that keeps trying once connectivity is likely to
// return.
type BackoffConfig struct {
	InitialDelay    time.Duration
	MaximumDelay    time.Duration
	MaxRetry        int
	MaxRetryOffline int // -1 means unbounded
}

// Loader fetches segment bytes over HTTP with retry and request
// coalescing.
type Loader struct {
	client    *http.Client
	log       logger.Logger
	userAgent string
	backoff   BackoffConfig

	mu      sync.Mutex
	inFlight map[string]*call
}

type call struct {
	done chan struct{}
	data []byte
	err  error
}

// New builds a Loader using client (http.DefaultClient if nil).
func New(client *http.Client, log logger.Logger, userAgent string, backoff BackoffConfig) *Loader {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Loader{
		client:    client,
		log:       log,
		userAgent: userAgent,
		backoff:   backoff,
		inFlight:  make(map[string]*call),
	}
}

// Fetch retrieves the bytes for seg, honouring any byte range. Concurrent
// Fetch calls for the same URL+byte-range key join the same underlying
// HTTP request instead of issuing a second one.
func (l *Loader) Fetch(ctx context.Context, seg manifest.Segment) ([]byte, error) {
	if len(seg.MediaURLs) == 0 {
		return nil, errs.NewFatal(errs.CodeSegmentLoaderExhausted, fmt.Errorf("segment %s has no media URL", seg.ID))
	}
	url := seg.MediaURLs[0]
	key := cacheKey(url, seg.ByteRange)

	l.mu.Lock()
	if c, ok := l.inFlight[key]; ok {
		l.mu.Unlock()
		return l.await(ctx, c)
	}
	c := &call{done: make(chan struct{})}
	l.inFlight[key] = c
	l.mu.Unlock()

	go func() {
		c.data, c.err = l.fetchWithRetry(context.Background(), url, seg.ByteRange, seg.ID)
		close(c.done)
		l.mu.Lock()
		delete(l.inFlight, key)
		l.mu.Unlock()
	}()

	return l.await(ctx, c)
}

func (l *Loader) await(ctx context.Context, c *call) ([]byte, error) {
	select {
	case <-c.done:
		return c.data, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func cacheKey(url string, br *manifest.ByteRange) string {
	if br == nil {
		return url
	}
	return fmt.Sprintf("%s#%d-%d", url, br.Start, br.End)
}

func (l *Loader) fetchWithRetry(ctx context.Context, url string, br *manifest.ByteRange, segmentID string) ([]byte, error) {
	var lastErr error
	offline := false
	delay := l.backoff.InitialDelay

	for attempt := 1; ; attempt++ {
		unbounded := offline && l.backoff.MaxRetryOffline < 0
		limit := l.backoff.MaxRetry
		if offline {
			limit = l.backoff.MaxRetryOffline
		}
		if !unbounded && attempt > limit {
			break
		}

		data, netErr, isOffline := l.attempt(ctx, url, br, segmentID, attempt)
		if netErr == nil {
			return data, nil
		}
		lastErr = netErr
		offline = offline || isOffline

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
		if delay > l.backoff.MaximumDelay {
			delay = l.backoff.MaximumDelay
		}
	}

	return nil, errs.NewFatal(errs.CodeSegmentLoaderExhausted, fmt.Errorf("segment %s: %w", segmentID, lastErr))
}

// attempt performs one fetch. isOffline is true for connection-level
// failures (no HTTP response at all), as opposed to a non-2xx status.
func (l *Loader) attempt(ctx context.Context, url string, br *manifest.ByteRange, segmentID string, attempt int) (data []byte, netErr error, isOffline bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &errs.NetworkError{URL: url, Err: err}, false
	}
	if l.userAgent != "" {
		req.Header.Set("User-Agent", l.userAgent)
	}
	if br != nil {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", br.Start, br.End))
	}

	l.log.Debugf("loader: fetching segment %s from %s (attempt %d)", segmentID, url, attempt)
	resp, err := l.client.Do(req)
	if err != nil {
		l.log.Warnf("loader: attempt %d for segment %s failed: %v", attempt, segmentID, err)
		return nil, &errs.NetworkError{URL: url, Err: err}, true
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		l.log.Warnf("loader: attempt %d for segment %s received HTTP %d", attempt, segmentID, resp.StatusCode)
		return nil, &errs.NetworkError{StatusCode: resp.StatusCode, URL: url}, false
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.NetworkError{URL: url, Err: err}, false
	}
	return body, nil, false
}
