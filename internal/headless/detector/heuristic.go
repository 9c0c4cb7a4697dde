// Package detector decides when a gallery page must be re-fetched through a
// headless browser, and provides a fetcher that does so.
package detector

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xtream1101/scrape-wallhaven/internal/crawler"
)

// DefaultMarkers are fragments every rendered gallery page contains.
var DefaultMarkers = []string{"showcase-sidebar", "thumb-listing-page"}

var challengeMarkers = [][]byte{
	[]byte("cf-browser-verification"),
	[]byte("challenge-platform"),
	[]byte("Just a moment..."),
}

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
	// Markers lists fragments of which at least one must appear in a usable
	// page. Empty disables the check.
	Markers [][]byte
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int, markers []string) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	h := &Heuristic{BodyLengthThreshold: threshold}
	for _, m := range markers {
		if m != "" {
			h.Markers = append(h.Markers, []byte(m))
		}
	}
	return h
}

// ShouldPromote decides whether a headless fetch is required.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if resp.StatusCode != 200 {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	for _, marker := range challengeMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	return len(h.Markers) > 0 && !containsAny(body, h.Markers)
}

func containsAny(body []byte, markers [][]byte) bool {
	for _, m := range markers {
		if bytes.Contains(body, m) {
			return true
		}
	}
	return false
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Treat the rest of the document as part of the malformed script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	if scriptCoverage == 0 {
		return false
	}
	return scriptCoverage*100/total >= 25
}

// PromotingFetcher fetches statically and retries through a browser when the
// heuristic rejects the static page.
type PromotingFetcher struct {
	static    crawler.Fetcher
	browser   crawler.Fetcher
	heuristic *Heuristic
	logger    *zap.Logger
}

// NewPromotingFetcher builds a PromotingFetcher.
func NewPromotingFetcher(static, browser crawler.Fetcher, h *Heuristic, logger *zap.Logger) *PromotingFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PromotingFetcher{static: static, browser: browser, heuristic: h, logger: logger}
}

// Fetch implements crawler.Fetcher.
func (f *PromotingFetcher) Fetch(ctx context.Context, url string) (crawler.FetchResponse, error) {
	resp, err := f.static.Fetch(ctx, url)
	if err != nil {
		return resp, err
	}
	if !f.heuristic.ShouldPromote(resp) {
		return resp, nil
	}
	f.logger.Info("promoting to headless", zap.String("url", url), zap.Int("bytes", len(resp.Body)))
	rendered, err := f.browser.Fetch(ctx, url)
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("headless fetch after promotion: %w", err)
	}
	return rendered, nil
}
