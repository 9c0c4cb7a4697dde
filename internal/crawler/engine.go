package crawler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xtream1101/scrape-wallhaven/internal/metrics"
)

const tracerName = "github.com/xtream1101/scrape-wallhaven/internal/crawler"

// GapPolicy controls how the cursor behaves after an id fails.
type GapPolicy string

// Supported gap policies.
const (
	// GapPolicySkip advances the cursor past failed ids; they are not retried
	// by later non-forced runs.
	GapPolicySkip GapPolicy = "skip"
	// GapPolicyHold keeps the cursor below the first failed id so the next run
	// retries it. Later ids are still committed and skipped on re-visit.
	GapPolicyHold GapPolicy = "hold"
)

// CursorPolicy controls whether a forced restart may move the cursor back.
type CursorPolicy string

// Supported cursor policies.
const (
	// CursorPolicyFollow sets the cursor to every newly committed id, so a
	// forced restart that fills an old gap leaves the cursor at that id.
	CursorPolicyFollow CursorPolicy = "follow"
	// CursorPolicyMonotonic only moves the cursor forward.
	CursorPolicyMonotonic CursorPolicy = "monotonic"
)

// Outcome labels reported per processed id.
const (
	OutcomeCommitted       = "committed"
	OutcomeSkippedExisting = "skipped_existing"
	OutcomeFetchFailed     = "fetch_failed"
	OutcomeNotFound        = "not_found"
	OutcomeParseFailed     = "parse_failed"
	OutcomeStorageFailed   = "storage_failed"
	OutcomePersistFailed   = "persist_failed"
)

// EngineConfig controls Engine behavior.
type EngineConfig struct {
	GapPolicy    GapPolicy
	CursorPolicy CursorPolicy
	Topic        string
}

// Engine drives a harvesting run from discovery to cursor advancement.
type Engine struct {
	fetcher   PageFetcher
	content   ContentStore
	meta      MetadataStore
	hasher    Hasher
	publisher Publisher
	clock     Clock
	ids       IDGenerator
	cfg       EngineConfig
	logger    *zap.Logger
}

// NewEngine constructs an Engine. publisher and ids may be nil.
func NewEngine(
	fetcher PageFetcher,
	content ContentStore,
	meta MetadataStore,
	hasher Hasher,
	publisher Publisher,
	clock Clock,
	ids IDGenerator,
	cfg EngineConfig,
	logger *zap.Logger,
) *Engine {
	if cfg.GapPolicy == "" {
		cfg.GapPolicy = GapPolicySkip
	}
	if cfg.CursorPolicy == "" {
		cfg.CursorPolicy = CursorPolicyFollow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Engine{
		fetcher:   fetcher,
		content:   content,
		meta:      meta,
		hasher:    hasher,
		publisher: publisher,
		clock:     clock,
		ids:       ids,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run harvests every id after the persisted cursor up to the newest published
// id. When forceRestart is set iteration starts from the first id instead and
// ids that already have a record are skipped without re-fetching. Under the
// follow cursor policy each newly committed id becomes the cursor, even one
// below it; under the monotonic policy the cursor only moves forward.
//
// Cancelling ctx stops the run between ids; the id in flight is finished so
// nothing is left half committed.
func (e *Engine) Run(ctx context.Context, forceRestart bool) (Summary, error) {
	summary := Summary{RunID: e.newRunID()}
	logger := e.logger.With(zap.String("run_id", summary.RunID))
	ctx, span := otel.Tracer(tracerName).Start(ctx, "crawler.Run", trace.WithAttributes(
		attribute.String("run_id", summary.RunID),
		attribute.Bool("force_restart", forceRestart),
	))
	defer span.End()

	latest, err := e.fetcher.LatestID(ctx)
	if err != nil {
		logger.Error("discover latest id failed", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "discovery failed")
		return summary, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}
	summary.Latest = latest
	metrics.SetLatestID(latest)

	summary.Cursor, err = e.meta.Cursor(ctx)
	if err != nil {
		return summary, fmt.Errorf("read cursor: %w", err)
	}
	if !forceRestart {
		summary.Start = summary.Cursor
	}
	metrics.SetCursor(summary.Cursor)

	if summary.Start >= latest {
		logger.Info("Already have the latest",
			zap.Int64("cursor", summary.Start),
			zap.Int64("latest", latest),
		)
		return summary, nil
	}

	logger.Info("starting run",
		zap.Int64("start", summary.Start+1),
		zap.Int64("latest", latest),
		zap.Bool("force_restart", forceRestart),
		zap.String("gap_policy", string(e.cfg.GapPolicy)),
	)

	checkExisting := forceRestart || e.cfg.GapPolicy == GapPolicyHold
	holding := false
	for id := summary.Start + 1; id <= latest; id++ {
		if ctx.Err() != nil {
			summary.Interrupted = true
			logger.Info("run interrupted", zap.Int64("next_id", id))
			break
		}
		summary.Attempted++

		idCtx, idSpan := otel.Tracer(tracerName).Start(context.WithoutCancel(ctx), "crawler.processID",
			trace.WithAttributes(attribute.Int64("wallhaven.id", id)))
		rec, outcome, err := e.processID(idCtx, logger, id, checkExisting)
		if e.shouldAdvance(outcome, forceRestart, holding) && e.cursorMayMove(summary.Cursor, id) {
			if advErr := e.meta.AdvanceCursor(context.WithoutCancel(ctx), id); advErr != nil {
				outcome, err = OutcomePersistFailed, fmt.Errorf("advance cursor: %w", advErr)
			} else {
				summary.Cursor = id
				metrics.SetCursor(id)
			}
		}
		metrics.ObserveItem(outcome)
		idSpan.SetAttributes(attribute.String("outcome", outcome))
		if err != nil {
			idSpan.RecordError(err)
			idSpan.SetStatus(codes.Error, outcome)
		}

		switch outcome {
		case OutcomeCommitted:
			summary.Committed++
			e.publish(idCtx, logger, summary.RunID, rec)
		case OutcomeSkippedExisting:
			summary.Skipped++
			logger.Debug("record exists, skipping", zap.Int64("id", id))
		default:
			summary.Failed++
			logger.Warn("wallpaper failed",
				zap.Int64("id", id),
				zap.String("outcome", outcome),
				zap.Error(err),
			)
			if e.cfg.GapPolicy == GapPolicyHold && !holding {
				holding = true
				logger.Info("holding cursor below failed id", zap.Int64("id", id), zap.Int64("cursor", summary.Cursor))
			}
		}
		idSpan.End()
	}
	span.SetAttributes(
		attribute.Int64("cursor", summary.Cursor),
		attribute.Int("committed", summary.Committed),
		attribute.Int("failed", summary.Failed),
	)

	logger.Info("run finished",
		zap.Int64("cursor", summary.Cursor),
		zap.Int("attempted", summary.Attempted),
		zap.Int("committed", summary.Committed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Bool("interrupted", summary.Interrupted),
	)
	return summary, nil
}

// shouldAdvance reports whether the cursor may move to the id just processed.
// Ids skipped during a forced restart never move it; under the hold policy an
// id already stored by an earlier run does, until the first failure.
func (e *Engine) shouldAdvance(outcome string, forceRestart, holding bool) bool {
	if holding {
		return false
	}
	switch outcome {
	case OutcomeCommitted:
		return true
	case OutcomeSkippedExisting:
		return !forceRestart
	default:
		return false
	}
}

func (e *Engine) cursorMayMove(cursor, id int64) bool {
	return e.cfg.CursorPolicy != CursorPolicyMonotonic || id > cursor
}

// ResetCursor persists a zero cursor so the next run starts again from the
// first id and re-fetches everything.
func (e *Engine) ResetCursor(ctx context.Context) error {
	if err := e.meta.ResetCursor(ctx); err != nil {
		return fmt.Errorf("reset cursor: %w", err)
	}
	metrics.SetCursor(0)
	e.logger.Info("cursor reset")
	return nil
}

func (e *Engine) processID(
	ctx context.Context,
	logger *zap.Logger,
	id int64,
	checkExisting bool,
) (Wallpaper, string, error) {
	logger.Info("Getting wallpaper", zap.Int64("id", id))

	if checkExisting {
		exists, err := e.meta.RecordExists(ctx, id)
		if err != nil {
			return Wallpaper{}, OutcomePersistFailed, fmt.Errorf("check existing record: %w", err)
		}
		if exists {
			return Wallpaper{}, OutcomeSkippedExisting, nil
		}
	}

	started := e.clock.Now()
	fetched, err := e.fetcher.FetchWallpaper(ctx, id)
	metrics.ObserveFetchDuration(e.clock.Now().Sub(started))
	if err != nil {
		return Wallpaper{}, classifyFetchError(err), err
	}
	rec := fetched.Wallpaper
	if rec.ID != id {
		return Wallpaper{}, OutcomeParseFailed, fmt.Errorf("%w: fetched id %d for requested id %d", ErrParse, rec.ID, id)
	}
	if err := rec.Validate(); err != nil {
		return Wallpaper{}, OutcomeParseFailed, err
	}

	hash, err := e.hasher.Hash(fetched.Image)
	if err != nil {
		return Wallpaper{}, OutcomeStorageFailed, fmt.Errorf("%w: hash image: %w", ErrStorage, err)
	}
	filename := fetched.Filename
	if filename == "" {
		filename = strconv.FormatInt(id, 10)
	}
	relPath, err := e.content.Put(ctx, hash, fetched.Image, filename)
	if err != nil {
		return Wallpaper{}, OutcomeStorageFailed, err
	}
	metrics.AddImageBytes(len(fetched.Image))

	rec.Hash = hash
	rec.RelPath = relPath
	if err := e.persist(ctx, rec); err != nil {
		return Wallpaper{}, OutcomePersistFailed, err
	}
	return rec, OutcomeCommitted, nil
}

func (e *Engine) persist(ctx context.Context, rec Wallpaper) error {
	if err := e.meta.UpsertRecord(ctx, rec); err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	if err := e.meta.UpsertTags(ctx, rec.Tags); err != nil {
		return fmt.Errorf("upsert tags: %w", err)
	}
	if err := e.meta.UpsertAssociations(ctx, rec.ID, rec.TagIDs()); err != nil {
		return fmt.Errorf("upsert associations: %w", err)
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, logger *zap.Logger, runID string, rec Wallpaper) {
	if e.publisher == nil {
		return
	}
	event := CommitEvent{
		RunID:       runID,
		ID:          rec.ID,
		Hash:        rec.Hash,
		RelPath:     rec.RelPath,
		Purity:      rec.Purity,
		Tags:        rec.TagIDs(),
		CommittedAt: e.clock.Now(),
	}
	pubCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := e.publisher.Publish(pubCtx, e.cfg.Topic, event); err != nil {
		logger.Warn("publish commit event failed", zap.Int64("id", rec.ID), zap.Error(err))
	}
}

func (e *Engine) newRunID() string {
	if e.ids == nil {
		return ""
	}
	id, err := e.ids.NewID()
	if err != nil {
		e.logger.Warn("generate run id failed", zap.Error(err))
		return ""
	}
	return id
}

func classifyFetchError(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrParse):
		return OutcomeParseFailed
	default:
		return OutcomeFetchFailed
	}
}
