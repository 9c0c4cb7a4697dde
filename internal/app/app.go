// Package app builds the long-lived services a harvest needs from
// configuration and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/xtream1101/scrape-wallhaven/internal/api"
	"github.com/xtream1101/scrape-wallhaven/internal/clock"
	"github.com/xtream1101/scrape-wallhaven/internal/config"
	"github.com/xtream1101/scrape-wallhaven/internal/crawler"
	collyfetcher "github.com/xtream1101/scrape-wallhaven/internal/fetcher/colly"
	"github.com/xtream1101/scrape-wallhaven/internal/fetcher/headless"
	"github.com/xtream1101/scrape-wallhaven/internal/fetcher/wallhaven"
	"github.com/xtream1101/scrape-wallhaven/internal/hash/sha256"
	"github.com/xtream1101/scrape-wallhaven/internal/headless/detector"
	"github.com/xtream1101/scrape-wallhaven/internal/id/uuid"
	"github.com/xtream1101/scrape-wallhaven/internal/metadata/postgres"
	"github.com/xtream1101/scrape-wallhaven/internal/metadata/sqlite"
	"github.com/xtream1101/scrape-wallhaven/internal/policy/ratelimit"
	"github.com/xtream1101/scrape-wallhaven/internal/policy/retry"
	"github.com/xtream1101/scrape-wallhaven/internal/publisher/pubsub"
	"github.com/xtream1101/scrape-wallhaven/internal/storage"
	"github.com/xtream1101/scrape-wallhaven/internal/storage/gcs"
	"github.com/xtream1101/scrape-wallhaven/internal/storage/local"
	s3mirror "github.com/xtream1101/scrape-wallhaven/internal/storage/s3"
	"github.com/xtream1101/scrape-wallhaven/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

// MetadataStore is what the app needs from a metadata backend: the engine's
// write side, the API's read side and a way to release it.
type MetadataStore interface {
	crawler.MetadataStore
	api.Store
	io.Closer
}

// App holds the services for one harvest.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	engine  *crawler.Engine
	meta    MetadataStore
	server  *api.Server
	httpSrv *http.Server
	closers []func() error
}

// New wires stores, fetchers and the engine for the storage root in
// cfg.Storage.Dir. The root is created when missing. Every service that was
// opened is closed again if a later one fails.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if cfg.Storage.Dir == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	if err := a.init(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	if a.cfg.Telemetry.TracingEnabled {
		exp, err := telemetry.NewExporter(a.cfg.Telemetry.Exporter, os.Stdout)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		var opts []sdktrace.TracerProviderOption
		if exp != nil {
			opts = append(opts, sdktrace.WithBatcher(exp))
		}
		tp, err := telemetry.InitTracerProvider(ctx, a.cfg.Telemetry.ServiceName, opts...)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		a.closers = append(a.closers, func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return tp.Shutdown(shutdownCtx)
		})
	}

	content, err := a.buildContentStore(ctx)
	if err != nil {
		return err
	}
	a.meta, err = a.buildMetadataStore(ctx)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.meta.Close)

	fetcher, err := a.buildPageFetcher()
	if err != nil {
		return err
	}
	publisher, err := a.buildPublisher(ctx)
	if err != nil {
		return err
	}

	a.engine = crawler.NewEngine(
		fetcher,
		content,
		a.meta,
		sha256.New(),
		publisher,
		clock.System{},
		uuid.New(),
		crawler.EngineConfig{
			GapPolicy:    crawler.GapPolicy(a.cfg.Crawler.GapPolicy),
			CursorPolicy: crawler.CursorPolicy(a.cfg.Crawler.CursorPolicy),
			Topic:        a.cfg.PubSub.TopicID,
		},
		a.logger.Named("engine"),
	)
	a.server = api.NewServer(a.meta, a.logger.Named("api"),
		api.WithTokenSecret([]byte(a.cfg.Metrics.TokenSecret)))
	return nil
}

func (a *App) buildContentStore(ctx context.Context) (crawler.ContentStore, error) {
	primary, err := local.New(local.Config{BaseDir: a.cfg.Storage.Dir, Prefix: a.cfg.Storage.Prefix})
	if err != nil {
		return nil, fmt.Errorf("open content store: %w", err)
	}
	var store crawler.ContentStore = primary

	if gcsCfg := a.cfg.Storage.GCS; gcsCfg.Bucket != "" {
		bucket, err := gcs.New(ctx, gcsCfg.Bucket)
		if err != nil {
			return nil, fmt.Errorf("open gcs mirror: %w", err)
		}
		a.closers = append(a.closers, bucket.Close)
		a.logger.Info("mirroring images to gcs", zap.String("bucket", gcsCfg.Bucket))
		store = storage.NewMirroredStore(store, bucket, gcsCfg.Prefix, a.logger.Named("gcs"))
	}

	if s3Cfg := a.cfg.Storage.S3; s3Cfg.Bucket != "" {
		bucket, err := s3mirror.New(ctx, s3mirror.Config{
			Bucket:          s3Cfg.Bucket,
			Region:          s3Cfg.Region,
			Endpoint:        s3Cfg.Endpoint,
			AccessKeyID:     s3Cfg.AccessKeyID,
			SecretAccessKey: s3Cfg.SecretAccessKey,
			UsePathStyle:    s3Cfg.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("open s3 mirror: %w", err)
		}
		a.logger.Info("mirroring images to s3", zap.String("bucket", s3Cfg.Bucket))
		store = storage.NewMirroredStore(store, bucket, s3Cfg.Prefix, a.logger.Named("s3"))
	}
	return store, nil
}

func (a *App) buildMetadataStore(ctx context.Context) (MetadataStore, error) {
	switch a.cfg.Metadata.Driver {
	case config.DriverPostgres:
		store, err := postgres.New(ctx, postgres.Config{
			DSN:      a.cfg.Metadata.PostgresDSN,
			MaxConns: a.cfg.Metadata.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres metadata store: %w", err)
		}
		return store, nil
	default:
		path := a.cfg.Metadata.SQLiteFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(a.cfg.Storage.Dir, path)
		}
		store, err := sqlite.Open(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite metadata store: %w", err)
		}
		return store, nil
	}
}

// buildPageFetcher layers retries over the per-host rate limit over the raw
// fetchers, so every attempt waits for a token.
func (a *App) buildPageFetcher() (crawler.PageFetcher, error) {
	limiter := ratelimit.New(ratelimit.Config{
		RPS:   a.cfg.Crawler.RequestsPerSecond,
		Burst: a.cfg.Crawler.Burst,
	})
	policy := retry.NewExponentialPolicy(a.cfg.Crawler.MaxAttempts, 0, 0)
	politely := func(f crawler.Fetcher) crawler.Fetcher {
		return retry.Wrap(ratelimit.Wrap(f, limiter), policy, a.logger.Named("retry"))
	}

	images := politely(collyfetcher.New(collyfetcher.Config{
		UserAgent: a.cfg.Crawler.UserAgent,
		Timeout:   a.cfg.FetchTimeout(),
	}))
	pages := images
	if a.cfg.Headless.Enabled {
		browser, err := headless.NewChromedp(headless.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.Crawler.UserAgent,
			NavigationTimeout: a.cfg.NavTimeout(),
			WaitSelector:      a.cfg.Headless.WaitSelector,
		})
		if err != nil {
			return nil, fmt.Errorf("start headless browser: %w", err)
		}
		a.closers = append(a.closers, func() error {
			browser.Close()
			return nil
		})
		if a.cfg.Headless.Mode == config.HeadlessAlways {
			pages = politely(browser)
		} else {
			pages = detector.NewPromotingFetcher(images, politely(browser),
				detector.NewHeuristic(0, detector.DefaultMarkers), a.logger.Named("detector"))
		}
	}

	client, err := wallhaven.New(wallhaven.Config{
		BaseURL:     a.cfg.Crawler.BaseURL,
		ImageScheme: a.cfg.Crawler.ImageScheme,
		FilePrefix:  a.cfg.Crawler.FilePrefix,
	}, pages, images, a.logger.Named("fetcher"))
	if err != nil {
		return nil, fmt.Errorf("build page fetcher: %w", err)
	}
	return client, nil
}

func (a *App) buildPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		return nil, nil
	}
	pub, err := pubsub.New(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicID)
	if err != nil {
		return nil, fmt.Errorf("open pubsub publisher: %w", err)
	}
	a.closers = append(a.closers, pub.Close)
	a.logger.Info("publishing commit events", zap.String("topic", a.cfg.PubSub.TopicID))
	return pub, nil
}

// Run starts the operator server when configured and performs one harvest.
func (a *App) Run(ctx context.Context, forceRestart bool) (crawler.Summary, error) {
	if a.cfg.Metrics.Addr != "" && a.httpSrv == nil {
		a.startServer()
	}
	summary, err := a.engine.Run(ctx, forceRestart)
	a.server.SetLastRun(summary)
	return summary, err
}

// ResetCursor wipes the persisted cursor before a run.
func (a *App) ResetCursor(ctx context.Context) error {
	return a.engine.ResetCursor(ctx)
}

// Handler exposes the operator HTTP handler.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

func (a *App) startServer() {
	a.httpSrv = &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := a.httpSrv
	go func() {
		a.logger.Info("starting operator server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("operator server failed", zap.Error(err))
		}
	}()
}

// Close shuts down the operator server and releases every opened service in
// reverse order.
func (a *App) Close() error {
	var errs []error
	if a.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown operator server: %w", err))
		}
		cancel()
		a.httpSrv = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
