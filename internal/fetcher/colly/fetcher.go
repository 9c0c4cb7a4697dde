// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/xtream1101/scrape-wallhaven/internal/crawler"
	"github.com/xtream1101/scrape-wallhaven/internal/metrics"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultMaxBodyBytes = 64 << 20
)

// errBodyTruncated marks a response cut short by MaxBodyBytes.
var errBodyTruncated = errors.New("response body truncated")

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// fetchState is filled in by collector callbacks.
type fetchState struct {
	result crawler.FetchResponse
	status int
	err    error
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	metrics.Init()

	c := colly.NewCollector(colly.Async(false))
	// The same page (e.g. /latest) is legitimately fetched on every run.
	c.AllowURLRevisit = true
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET. A 404 maps to crawler.ErrNotFound; every
// other failure maps to crawler.ErrFetch.
func (f *Fetcher) Fetch(ctx context.Context, url string) (crawler.FetchResponse, error) {
	state := &fetchState{}
	collector := f.buildCollector(time.Now(), state)

	status, err := f.runCollector(ctx, collector, url, state)
	metrics.ObserveFetch(url, status)
	if err != nil {
		if status == http.StatusNotFound {
			return crawler.FetchResponse{}, fmt.Errorf("%w: %s: %w", crawler.ErrNotFound, url, err)
		}
		return crawler.FetchResponse{}, fmt.Errorf("%w: %s: %w", crawler.ErrFetch, url, err)
	}
	return state.result, nil
}

func (f *Fetcher) buildCollector(start time.Time, state *fetchState) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.MaxBodySize = f.cfg.MaxBodyBytes
	collector.AllowURLRevisit = true
	if f.transport != nil {
		collector.WithTransport(f.transport)
	}
	f.configureCollectorHooks(collector, start, state)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, start time.Time, state *fetchState) {
	hooks.OnResponse(func(r *colly.Response) {
		state.status = r.StatusCode
		if truncated(r, f.cfg.MaxBodyBytes) {
			state.err = fmt.Errorf("%w: read %d bytes, limit %d", errBodyTruncated, len(r.Body), f.cfg.MaxBodyBytes)
			return
		}
		state.result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			state.status = r.StatusCode
		}
		state.err = err
	})
}

// truncated reports whether colly stopped reading at the body limit. Colly
// cuts bodies silently, so a body that fills the limit or falls short of the
// declared Content-Length is treated as incomplete.
func truncated(r *colly.Response, limit int) bool {
	if limit > 0 && len(r.Body) >= limit {
		return true
	}
	if r.Headers == nil {
		return false
	}
	declared, err := strconv.Atoi(r.Headers.Get("Content-Length"))
	return err == nil && declared > len(r.Body)
}

// runCollector visits url and returns the observed status. The callbacks write
// state from the visit goroutine, so state is only read once that goroutine
// has reported back; a canceled context returns status 0 without touching it.
func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, state *fetchState) (int, error) {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if state.err != nil {
			return state.status, fmt.Errorf("colly response failed: %w", state.err)
		}
		if err != nil {
			return state.status, fmt.Errorf("colly visit failed: %w", err)
		}
		return state.status, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
