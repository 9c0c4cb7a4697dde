// Package wallhaven implements crawler.PageFetcher for the wallhaven gallery.
// Pages and images are retrieved through crawler.Fetcher implementations and
// parsed with goquery.
package wallhaven

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/xtream1101/scrape-wallhaven/internal/crawler"
)

// Defaults applied by New.
const (
	DefaultBaseURL     = "https://alpha.wallhaven.cc"
	DefaultImageScheme = "https"
	DefaultFilePrefix  = "alphaWallhaven-"
)

// Config controls how gallery URLs and file names are built.
type Config struct {
	// BaseURL is the gallery root, e.g. https://alpha.wallhaven.cc.
	BaseURL string
	// ImageScheme is prepended to protocol-relative image sources.
	ImageScheme string
	// FilePrefix is prepended to the id when naming stored images.
	FilePrefix string
}

// Client resolves the newest id and individual wallpapers.
type Client struct {
	cfg    Config
	base   *url.URL
	pages  crawler.Fetcher
	images crawler.Fetcher
	logger *zap.Logger
}

// New builds a Client. pages retrieves HTML and images retrieves image bytes;
// they may be the same Fetcher. A nil images falls back to pages.
func New(cfg Config, pages, images crawler.Fetcher, logger *zap.Logger) (*Client, error) {
	if pages == nil {
		return nil, fmt.Errorf("page fetcher is required")
	}
	if images == nil {
		images = pages
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.ImageScheme == "" {
		cfg.ImageScheme = DefaultImageScheme
	}
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = DefaultFilePrefix
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, base: base, pages: pages, images: images, logger: logger}, nil
}

// LatestID returns the id of the first wallpaper on the latest listing.
func (c *Client) LatestID(ctx context.Context) (int64, error) {
	target := c.base.JoinPath("latest").String()
	c.logger.Info("Getting newest upload id", zap.String("url", target))

	resp, err := c.pages.Fetch(ctx, target)
	if err != nil {
		return 0, err
	}
	id, err := parseLatestID(resp.Body)
	if err != nil {
		return 0, err
	}
	c.logger.Info("Newest upload", zap.Int64("id", id))
	return id, nil
}

// FetchWallpaper retrieves the page for id, parses it and downloads the image.
func (c *Client) FetchWallpaper(ctx context.Context, id int64) (crawler.FetchedWallpaper, error) {
	pageURL := c.base.JoinPath("wallpaper", strconv.FormatInt(id, 10)).String()
	resp, err := c.pages.Fetch(ctx, pageURL)
	if err != nil {
		return crawler.FetchedWallpaper{}, err
	}

	page, err := parseWallpaperPage(id, resp.Body)
	if err != nil {
		return crawler.FetchedWallpaper{}, err
	}

	imageURL, err := c.resolveImageURL(page.ImageSrc)
	if err != nil {
		return crawler.FetchedWallpaper{}, fmt.Errorf("%w: wallpaper %d: %w", crawler.ErrParse, id, err)
	}
	image, err := c.images.Fetch(ctx, imageURL)
	if err != nil {
		return crawler.FetchedWallpaper{}, err
	}
	if len(image.Body) == 0 {
		return crawler.FetchedWallpaper{}, fmt.Errorf("%w: wallpaper %d: empty image body", crawler.ErrFetch, id)
	}

	return crawler.FetchedWallpaper{
		Wallpaper: page.Wallpaper,
		Image:     image.Body,
		Filename:  c.filename(id, imageURL),
		ImageURL:  imageURL,
	}, nil
}

// resolveImageURL turns a protocol-relative or site-relative src into an
// absolute URL.
func (c *Client) resolveImageURL(src string) (string, error) {
	if strings.HasPrefix(src, "//") {
		src = c.cfg.ImageScheme + ":" + src
	}
	ref, err := url.Parse(src)
	if err != nil {
		return "", fmt.Errorf("bad image src %q: %w", src, err)
	}
	return c.base.ResolveReference(ref).String(), nil
}

func (c *Client) filename(id int64, imageURL string) string {
	name := c.cfg.FilePrefix + strconv.FormatInt(id, 10)
	if u, err := url.Parse(imageURL); err == nil {
		name += path.Ext(u.Path)
	}
	return name
}
