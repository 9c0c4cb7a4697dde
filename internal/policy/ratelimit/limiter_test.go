package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtream1101/scrape-wallhaven/internal/crawler"
)

type recordingFetcher struct {
	urls []string
	err  error
}

func (f *recordingFetcher) Fetch(_ context.Context, url string) (crawler.FetchResponse, error) {
	f.urls = append(f.urls, url)
	if f.err != nil {
		return crawler.FetchResponse{}, f.err
	}
	return crawler.FetchResponse{URL: url, StatusCode: 200}, nil
}

func TestLimiterWaitThrottlesPerHost(t *testing.T) {
	t.Parallel()

	// 20 RPS = one token every 50ms, starting with a single token.
	l := New(Config{RPS: 20, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://wallhaven.cc/latest"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://wallhaven.cc/wallpaper/1"))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	// A different host has its own bucket.
	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://w.wallhaven.cc/full/aa/1.jpg"))
	assert.Less(t, time.Since(start), 30*time.Millisecond)
}

func TestLimiterUnlimitedByDefault(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	start := time.Now()
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://wallhaven.cc/"))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0.1, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://wallhaven.cc/"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://wallhaven.cc/"))
}

func TestWrapDelegatesAndWrapsErrors(t *testing.T) {
	t.Parallel()

	next := &recordingFetcher{}
	f := Wrap(next, New(Config{}))

	resp, err := f.Fetch(context.Background(), "https://wallhaven.cc/latest")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, []string{"https://wallhaven.cc/latest"}, next.urls)

	next.err = crawler.ErrNotFound
	_, err = f.Fetch(context.Background(), "https://wallhaven.cc/wallpaper/9")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestWrapCanceledWaitIsFetchError(t *testing.T) {
	t.Parallel()

	next := &recordingFetcher{}
	l := New(Config{RPS: 0.1, Burst: 1})
	f := Wrap(next, l)
	require.NoError(t, l.Wait(context.Background(), "https://wallhaven.cc/"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Fetch(ctx, "https://wallhaven.cc/latest")
	require.ErrorIs(t, err, crawler.ErrFetch)
	require.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, next.urls)
}
