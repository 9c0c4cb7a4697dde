package app_test

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtream1101/scrape-wallhaven/internal/app"
	"github.com/xtream1101/scrape-wallhaven/internal/config"
	"github.com/xtream1101/scrape-wallhaven/internal/crawler"
	"github.com/xtream1101/scrape-wallhaven/internal/metadata/sqlite"
)

const wallpaperPage = `<html><body>
<aside id="showcase-sidebar">
  <ul class="color-palette">
    <li style="background-color:#000000"></li><li style="background-color:#111111"></li>
    <li style="background-color:#222222"></li><li style="background-color:#333333"></li>
    <li style="background-color:#444444"></li>
  </ul>
  <ul id="tags">
    <li class="tag tag-sfw" data-tag-id="5"><a class="tagname">nature</a></li>
  </ul>
  <fieldset class="framed"><label>SFW</label></fieldset>
  <dl>
    <dt>Uploaded by</dt><dd><a class="username">someone</a></dd>
    <dt>Added</dt><dd><time datetime="2014-02-01T12:24:56+00:00"></time></dd>
    <dt>Category</dt><dd>General</dd>
    <dt>Size</dt><dd>1 MiB</dd>
    <dt>Views</dt><dd>10</dd>
    <dt>Favorites</dt><dd>1</dd>
    <dt>Resolution</dt><dd>800 x 600</dd>
  </dl>
</aside>
<img id="wallpaper" src="/images/%d.jpg">
</body></html>`

// gallery serves a tiny wallhaven look-alike with ids 1..latest, except the
// ids listed in missing.
type gallery struct {
	mu      sync.Mutex
	latest  int
	missing map[string]bool
	hits    map[string]int
}

func (g *gallery) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	g.hits[r.URL.Path]++
	latest := g.latest
	missing := g.missing[r.URL.Path]
	g.mu.Unlock()

	switch {
	case missing:
		http.NotFound(w, r)
	case r.URL.Path == "/latest":
		fmt.Fprintf(w, `<section class="thumb-listing-page"><ul><li><a href="/wallpaper/%d"></a></li></ul></section>`, latest)
	case strings.HasPrefix(r.URL.Path, "/wallpaper/"):
		var id int
		if _, err := fmt.Sscanf(r.URL.Path, "/wallpaper/%d", &id); err != nil || id < 1 || id > latest {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, wallpaperPage, id)
	case strings.HasPrefix(r.URL.Path, "/images/"):
		w.Header().Set("Content-Type", "image/jpeg")
		fmt.Fprintf(w, "jpeg-bytes-for-%s", r.URL.Path)
	default:
		http.NotFound(w, r)
	}
}

func (g *gallery) Hits(path string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hits[path]
}

func testConfig(t *testing.T, baseURL string) config.Config {
	t.Helper()
	return config.Config{
		Crawler: config.CrawlerConfig{
			BaseURL:        baseURL,
			UserAgent:      "test-agent",
			TimeoutSeconds: 5,
			GapPolicy:      string(crawler.GapPolicySkip),
			FilePrefix:     "alphaWallhaven-",
			ImageScheme:    "http",
		},
		Metadata: config.MetadataConfig{Driver: config.DriverSQLite, SQLiteFile: sqlite.DefaultFilename},
		Storage:  config.StorageConfig{Dir: filepath.Join(t.TempDir(), "root"), Prefix: "wallpapers"},
	}
}

func newGallery(t *testing.T, latest int) (*gallery, *httptest.Server) {
	t.Helper()
	g := &gallery{latest: latest, missing: map[string]bool{}, hits: map[string]int{}}
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return g, srv
}

func countImages(t *testing.T, root string) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(filepath.Join(root, "wallpapers"), func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	require.NoError(t, err)
	return n
}

func TestAppHarvestsAndResumes(t *testing.T) {
	t.Parallel()

	g, srv := newGallery(t, 3)
	g.missing["/wallpaper/2"] = true
	cfg := testConfig(t, srv.URL)

	ctx := context.Background()
	a, err := app.New(ctx, cfg, nil)
	require.NoError(t, err)

	summary, err := a.Run(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.Cursor)
	assert.Equal(t, 2, summary.Committed)
	assert.Equal(t, 1, summary.Failed)
	require.NoError(t, a.Close())

	_, err = os.Stat(filepath.Join(cfg.Storage.Dir, sqlite.DefaultFilename))
	require.NoError(t, err)
	assert.Equal(t, 2, countImages(t, cfg.Storage.Dir))

	// A new process over the same root resumes from the persisted cursor.
	g.mu.Lock()
	g.latest = 4
	g.mu.Unlock()
	b, err := app.New(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	summary, err = b.Run(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.Start)
	assert.Equal(t, int64(4), summary.Cursor)
	assert.Equal(t, 1, g.Hits("/wallpaper/1"))
	assert.Equal(t, 1, g.Hits("/wallpaper/4"))
	assert.Equal(t, 3, countImages(t, cfg.Storage.Dir))

	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/wallpapers/4", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"rel_path":"wallpapers/`)
	assert.Contains(t, rec.Body.String(), "alphaWallhaven-4.jpg")
}

func TestAppForcedRestartFillsGap(t *testing.T) {
	t.Parallel()

	g, srv := newGallery(t, 3)
	g.missing["/wallpaper/2"] = true
	cfg := testConfig(t, srv.URL)
	ctx := context.Background()

	a, err := app.New(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	_, err = a.Run(ctx, false)
	require.NoError(t, err)

	g.mu.Lock()
	delete(g.missing, "/wallpaper/2")
	g.mu.Unlock()

	summary, err := a.Run(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Committed)
	assert.Equal(t, 2, summary.Skipped)
	// The gap filled by the forced run becomes the cursor.
	assert.Equal(t, int64(2), summary.Cursor)
	assert.Equal(t, 1, g.Hits("/wallpaper/1"))
	assert.Equal(t, 3, countImages(t, cfg.Storage.Dir))
}

func TestAppDiscoveryFailure(t *testing.T) {
	t.Parallel()

	g, srv := newGallery(t, 3)
	g.missing["/latest"] = true
	cfg := testConfig(t, srv.URL)
	ctx := context.Background()

	a, err := app.New(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	_, err = a.Run(ctx, false)
	require.ErrorIs(t, err, crawler.ErrDiscovery)
	assert.Zero(t, g.Hits("/wallpaper/1"))
}

func TestAppResetCursor(t *testing.T) {
	t.Parallel()

	g, srv := newGallery(t, 2)
	cfg := testConfig(t, srv.URL)
	ctx := context.Background()

	a, err := app.New(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	_, err = a.Run(ctx, false)
	require.NoError(t, err)
	require.NoError(t, a.ResetCursor(ctx))

	summary, err := a.Run(ctx, false)
	require.NoError(t, err)
	assert.Zero(t, summary.Start)
	assert.Equal(t, 2, g.Hits("/wallpaper/1"))
	assert.Equal(t, 2, countImages(t, cfg.Storage.Dir))
}

func TestNewRequiresStorageRoot(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), config.Config{}, nil)
	require.Error(t, err)
}

func TestNewFailsForUnreachablePostgres(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Metadata = config.MetadataConfig{Driver: config.DriverPostgres, PostgresDSN: "postgres://u:p@127.0.0.1:1/db?connect_timeout=1"}

	_, err := app.New(context.Background(), cfg, nil)
	require.Error(t, err)
}
