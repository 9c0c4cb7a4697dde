package detector

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtream1101/scrape-wallhaven/internal/crawler"
)

func ok(body string) crawler.FetchResponse {
	return crawler.FetchResponse{StatusCode: 200, Body: []byte(body)}
}

func TestHeuristicShouldPromote(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100, DefaultMarkers)
	gallery := `<html><body><aside id="showcase-sidebar">` + strings.Repeat("x", 200) + `</aside></body></html>`

	tests := []struct {
		name string
		resp crawler.FetchResponse
		want bool
	}{
		{name: "empty body", resp: ok(""), want: true},
		{name: "rendered page", resp: ok(gallery), want: false},
		{name: "challenge page", resp: ok(`<title>Just a moment...</title>` + gallery), want: true},
		{name: "script shell", resp: ok(`<script>window.load()</script><div></div>`), want: true},
		{name: "missing markers", resp: ok(strings.Repeat("<p>nothing here</p>", 20)), want: true},
		{name: "non-200", resp: crawler.FetchResponse{StatusCode: 503}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, h.ShouldPromote(tt.resp))
		})
	}
}

func TestHeuristicWithoutMarkers(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0, nil)
	assert.Equal(t, 2048, h.BodyLengthThreshold)
	assert.False(t, h.ShouldPromote(ok(strings.Repeat("<p>plain</p>", 300))))
}

func TestScriptDensityHigh(t *testing.T) {
	t.Parallel()

	assert.False(t, scriptDensityHigh(nil))
	assert.False(t, scriptDensityHigh([]byte("<p>static</p>")))
	assert.True(t, scriptDensityHigh([]byte("<script>a()</script><p>x</p>")))
	assert.True(t, scriptDensityHigh([]byte("<p>x</p><script src=x")))
}

type stubFetcher struct {
	resp  crawler.FetchResponse
	err   error
	calls int
}

func (s *stubFetcher) Fetch(context.Context, string) (crawler.FetchResponse, error) {
	s.calls++
	return s.resp, s.err
}

func TestPromotingFetcher(t *testing.T) {
	t.Parallel()

	rendered := ok(`<aside id="showcase-sidebar"></aside>`)

	t.Run("static page accepted", func(t *testing.T) {
		t.Parallel()
		static := &stubFetcher{resp: ok(`<section class="thumb-listing-page">` + strings.Repeat("x", 200) + `</section>`)}
		browser := &stubFetcher{resp: rendered}
		f := NewPromotingFetcher(static, browser, NewHeuristic(100, DefaultMarkers), nil)

		resp, err := f.Fetch(context.Background(), "https://wallhaven.cc/latest")
		require.NoError(t, err)
		assert.Equal(t, static.resp, resp)
		assert.Zero(t, browser.calls)
	})

	t.Run("challenge promoted", func(t *testing.T) {
		t.Parallel()
		static := &stubFetcher{resp: ok(`<div class="challenge-platform"></div>`)}
		browser := &stubFetcher{resp: rendered}
		f := NewPromotingFetcher(static, browser, NewHeuristic(100, DefaultMarkers), nil)

		resp, err := f.Fetch(context.Background(), "https://wallhaven.cc/wallpaper/1")
		require.NoError(t, err)
		assert.Equal(t, rendered, resp)
		assert.Equal(t, 1, browser.calls)
	})

	t.Run("static error returned as is", func(t *testing.T) {
		t.Parallel()
		static := &stubFetcher{err: crawler.ErrNotFound}
		browser := &stubFetcher{resp: rendered}
		f := NewPromotingFetcher(static, browser, NewHeuristic(100, DefaultMarkers), nil)

		_, err := f.Fetch(context.Background(), "https://wallhaven.cc/wallpaper/2")
		require.ErrorIs(t, err, crawler.ErrNotFound)
		assert.Zero(t, browser.calls)
	})

	t.Run("browser error wrapped", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("chrome crashed")
		static := &stubFetcher{resp: ok("")}
		browser := &stubFetcher{err: boom}
		f := NewPromotingFetcher(static, browser, NewHeuristic(100, DefaultMarkers), nil)

		_, err := f.Fetch(context.Background(), "https://wallhaven.cc/wallpaper/3")
		require.ErrorIs(t, err, boom)
	})
}
