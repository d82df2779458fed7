package loader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dashbuffer/internal/manifest"
)

func fastBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Millisecond,
		MaximumDelay: 5 * time.Millisecond,
		MaxRetry:     3,
	}
}

func TestFetchSucceedsOnFirstTry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("segment-data"))
	}))
	defer srv.Close()

	l := New(srv.Client(), nil, "dashbuffer-test", fastBackoff())
	data, err := l.Fetch(context.Background(), manifest.Segment{ID: "s1", MediaURLs: []string{srv.URL}})
	require.NoError(t, err)
	assert.Equal(t, "segment-data", string(data))
}

func TestFetchRetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	l := New(srv.Client(), nil, "", fastBackoff())
	data, err := l.Fetch(context.Background(), manifest.Segment{ID: "s2", MediaURLs: []string{srv.URL}})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestFetchExhaustsRetriesAndFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	l := New(srv.Client(), nil, "", fastBackoff())
	_, err := l.Fetch(context.Background(), manifest.Segment{ID: "s3", MediaURLs: []string{srv.URL}})
	assert.Error(t, err)
}

func TestFetchCoalescesConcurrentRequests(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		w.Write([]byte("shared"))
	}))
	defer srv.Close()

	l := New(srv.Client(), nil, "", fastBackoff())
	seg := manifest.Segment{ID: "s4", MediaURLs: []string{srv.URL}}

	results := make(chan []byte, 4)
	for i := 0; i < 4; i++ {
		go func() {
			data, err := l.Fetch(context.Background(), seg)
			require.NoError(t, err)
			results <- data
		}()
	}
	for i := 0; i < 4; i++ {
		assert.Equal(t, "shared", string(<-results))
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFetchRejectsSegmentWithNoURL(t *testing.T) {
	l := New(nil, nil, "", fastBackoff())
	_, err := l.Fetch(context.Background(), manifest.Segment{ID: "no-url"})
	assert.Error(t, err)
}

func TestFetchHonoursByteRangeInCacheKey(t *testing.T) {
	var gotRanges []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRanges = append(gotRanges, r.Header.Get("Range"))
		w.Write([]byte("part"))
	}))
	defer srv.Close()

	l := New(srv.Client(), nil, "", fastBackoff())
	seg1 := manifest.Segment{ID: "s5", MediaURLs: []string{srv.URL}, ByteRange: &manifest.ByteRange{Start: 0, End: 99}}
	seg2 := manifest.Segment{ID: "s5", MediaURLs: []string{srv.URL}, ByteRange: &manifest.ByteRange{Start: 100, End: 199}}

	_, err := l.Fetch(context.Background(), seg1)
	require.NoError(t, err)
	_, err = l.Fetch(context.Background(), seg2)
	require.NoError(t, err)
	assert.Len(t, gotRanges, 2)
}
