package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/xtream1101/scrape-wallhaven/internal/crawler"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/latest", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>" + r.UserAgent() + "</body></html>"))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	})
	mux.HandleFunc("/boom", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchReturnsBody(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{UserAgent: "wallhaven-test", Timeout: 5 * time.Second})

	resp, err := f.Fetch(context.Background(), srv.URL+"/latest")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(resp.Body), "wallhaven-test")
	require.Equal(t, srv.URL+"/latest", resp.URL)
}

func TestFetchSameURLTwice(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{})

	_, err := f.Fetch(context.Background(), srv.URL+"/latest")
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), srv.URL+"/latest")
	require.NoError(t, err)
}

func TestFetchNotFound(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	_, err := New(Config{}).Fetch(context.Background(), srv.URL+"/missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestFetchServerError(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	_, err := New(Config{}).Fetch(context.Background(), srv.URL+"/boom")
	require.ErrorIs(t, err, crawler.ErrFetch)
	require.NotErrorIs(t, err, crawler.ErrNotFound)
}

func TestFetchCanceledContext(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-block
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(block) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{}).Fetch(ctx, srv.URL)
	require.ErrorIs(t, err, crawler.ErrFetch)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunCollectorCanceledReportsNoStatus(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-block
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(block) })

	f := New(Config{})
	state := &fetchState{}
	collector := f.buildCollector(time.Now(), state)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	status, err := f.runCollector(ctx, collector, srv.URL, state)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, status)
}

func TestFetchRejectsTruncatedBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	t.Cleanup(srv.Close)

	_, err := New(Config{MaxBodyBytes: 16}).Fetch(context.Background(), srv.URL)
	require.ErrorIs(t, err, crawler.ErrFetch)
	require.ErrorIs(t, err, errBodyTruncated)
}

func TestFetchAcceptsBodyUnderLimit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 15)))
	}))
	t.Cleanup(srv.Close)

	resp, err := New(Config{MaxBodyBytes: 16}).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, resp.Body, 15)
}

func TestBuildCollectorAppliesConfig(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "coverage-agent", Timeout: time.Second, MaxBodyBytes: 1024})
	collector := f.buildCollector(time.Unix(0, 0), &fetchState{})
	require.Equal(t, "coverage-agent", collector.UserAgent)
	require.Equal(t, 1024, collector.MaxBodySize)
	require.True(t, collector.AllowURLRevisit)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	state := &fetchState{}
	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, time.Unix(0, 0), state)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Request:    &colly.Request{URL: mustParseURL(t, "https://wallhaven.cc/latest")},
	})
	require.Equal(t, http.StatusOK, state.result.StatusCode)
	require.Equal(t, "body", string(state.result.Body))

	short := http.Header{"Content-Length": []string{"10"}}
	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Headers:    &short,
		Request:    &colly.Request{URL: mustParseURL(t, "https://wallhaven.cc/latest")},
	})
	require.ErrorIs(t, state.err, errBodyTruncated)
	state.err = nil

	hooks.onError(&colly.Response{StatusCode: http.StatusNotFound}, errors.New("Not Found"))
	require.Equal(t, http.StatusNotFound, state.status)
	require.EqualError(t, state.err, "Not Found")

	hooks.onError(nil, errors.New("dial failed"))
	require.Equal(t, http.StatusNotFound, state.status)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
