// Package pipeline scores a flight image: it downloads the GeoTIFF, cuts it into regions,
// uploads each region, runs it through the resolved models and stores the predictions.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/healthy-habitat/score-regions/internal/config"
	"github.com/healthy-habitat/score-regions/internal/customvision"
	"github.com/healthy-habitat/score-regions/internal/domain"
	"github.com/healthy-habitat/score-regions/internal/event"
	"github.com/healthy-habitat/score-regions/internal/logger"
	"github.com/healthy-habitat/score-regions/internal/metrics"
	"github.com/healthy-habitat/score-regions/internal/raster"
	"github.com/healthy-habitat/score-regions/internal/registry"
	"github.com/healthy-habitat/score-regions/internal/storage"
	"github.com/healthy-habitat/score-regions/internal/tiling"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// WorkDirPrefix marks per-run directories so the sweep job only removes its own
const WorkDirPrefix = "score-regions-"

// ModelResolver maps a container to the model iterations that score it
type ModelResolver interface {
	Resolve(ctx context.Context, container string) (*registry.Resolution, error)
}

// Predictor runs the two scoring passes
type Predictor interface {
	DetectImage(ctx context.Context, projectID, publishName string, image []byte) (*customvision.ImagePrediction, error)
	ClassifyImage(ctx context.Context, projectID, publishName string, image []byte) (*customvision.ImagePrediction, error)
}

// ResultSink stores one record per prediction
type ResultSink interface {
	InsertAnimalResult(ctx context.Context, rec domain.ResultRecord) error
	InsertHabitatResult(ctx context.Context, rec domain.ResultRecord) error
}

// Options tunes a Service
type Options struct {
	WorkDir       string
	TileWidth     int
	TileHeight    int
	Concurrency   int
	TileAttempts  int
	RetryBackoff  time.Duration
	FailFast      bool
	TileContainer string
}

// OptionsFromConfig builds Options from the pipeline and storage sections
func OptionsFromConfig(p *config.PipelineConfig, s *config.StorageConfig) Options {
	return Options{
		WorkDir:       p.WorkDir,
		TileWidth:     p.TileWidth,
		TileHeight:    p.TileHeight,
		Concurrency:   p.Concurrency,
		TileAttempts:  p.TileAttempts,
		RetryBackoff:  p.RetryBackoffDuration(),
		FailFast:      p.FailFast,
		TileContainer: s.TileContainer,
	}
}

func (o Options) withDefaults() Options {
	if o.WorkDir == "" {
		o.WorkDir = os.TempDir()
	}
	if o.TileWidth <= 0 {
		o.TileWidth = tiling.TileWidth
	}
	if o.TileHeight <= 0 {
		o.TileHeight = tiling.TileHeight
	}
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.TileAttempts < 1 {
		o.TileAttempts = 1
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 500 * time.Millisecond
	}
	if o.TileContainer == "" {
		o.TileContainer = "resized"
	}
	return o
}

// Service runs the scoring pipeline for one flight image at a time
type Service struct {
	resolver  ModelResolver
	predictor Predictor
	blobs     storage.BlobStore
	sink      ResultSink
	opts      Options
	metrics   *metrics.ScoringMetrics
	logger    *zap.Logger
}

// NewService creates a pipeline service. m may be nil.
func NewService(
	resolver ModelResolver,
	predictor Predictor,
	blobs storage.BlobStore,
	sink ResultSink,
	opts Options,
	m *metrics.ScoringMetrics,
	logger *zap.Logger,
) *Service {
	return &Service{
		resolver:  resolver,
		predictor: predictor,
		blobs:     blobs,
		sink:      sink,
		opts:      opts.withDefaults(),
		metrics:   m,
		logger:    logger,
	}
}

// run carries per-invocation state shared by the tile workers
type run struct {
	id         string
	blob       *event.FlightBlob
	workDir    string
	resolution *registry.Resolution
	logger     *zap.Logger

	mu     sync.Mutex
	report *Report
}

// Score processes one flight image. Whole-image failures (resolve, download, open) are
// returned as a *StageError; per-tile failures are collected in the report.
func (s *Service) Score(ctx context.Context, blob *event.FlightBlob) (*Report, error) {
	runID := uuid.NewString()
	log := logger.WithFlight(s.logger, runID, blob.Container, blob.DateOfFlight, blob.BlobName)
	start := time.Now()

	report := &Report{
		RunID:   runID,
		Blob:    *blob,
		Skipped: make(map[registry.Role]int),
	}

	err := s.score(ctx, &run{id: runID, blob: blob, logger: log, report: report})

	report.Duration = time.Since(start)
	report.sortFailures()

	status := "success"
	if err != nil || !report.Success() {
		status = "failure"
	}
	s.metrics.ObservePipeline(status, report.Duration)

	log.Info("Scoring finished",
		zap.String("status", status),
		zap.Int("tiles", report.TilesTotal),
		zap.Int("tiles_scored", report.TilesScored),
		zap.Int("records", report.Records),
		zap.Int("failures", len(report.Failures)),
		zap.Duration("duration", report.Duration),
	)

	return report, err
}

func (s *Service) score(ctx context.Context, r *run) error {
	resolution, err := s.resolver.Resolve(ctx, r.blob.Container)
	if err != nil {
		return &StageError{Stage: StageResolve, Err: err}
	}
	r.resolution = resolution
	for _, role := range registry.Roles {
		if resolution.For(role) == nil {
			r.logger.Info("No iteration to score with, role will be skipped", zap.String("role", string(role)))
		}
	}

	r.workDir = filepath.Join(s.opts.WorkDir, WorkDirPrefix+r.id)
	if err := os.MkdirAll(r.workDir, 0755); err != nil {
		return &StageError{Stage: StageDownload, Err: fmt.Errorf("failed to create work directory: %w", err)}
	}
	defer func() {
		if err := os.RemoveAll(r.workDir); err != nil {
			r.logger.Warn("Failed to remove work directory", zap.String("path", r.workDir), zap.Error(err))
		}
	}()

	localPath := filepath.Join(r.workDir, filepath.Base(r.blob.BlobName))

	start := time.Now()
	r.logger.Info("Downloading flight image", zap.Time("started_at", start))
	if err := s.blobs.DownloadToFile(ctx, r.blob.Container, r.blob.BlobPath(), localPath); err != nil {
		return &StageError{Stage: StageDownload, Err: err}
	}
	r.logger.Info("Flight image downloaded",
		zap.Duration("duration", time.Since(start)),
		zap.String("path", localPath),
	)

	start = time.Now()
	img, err := raster.Open(localPath)
	if err != nil {
		return &StageError{Stage: StageOpen, Err: err}
	}
	r.logger.Info("Flight image opened",
		zap.Duration("duration", time.Since(start)),
		zap.Int("width", img.Width()),
		zap.Int("height", img.Height()),
		zap.Int("bands", img.Count()),
	)

	return s.scoreTiles(ctx, r, img)
}

// scoreTiles fans regions out to a bounded pool. Reads stay on this goroutine in
// row-major order so indices are assigned exactly as the generator walks the raster.
func (s *Service) scoreTiles(ctx context.Context, r *run, img raster.Raster) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)

	gen := tiling.NewGenerator(s.opts.TileWidth, s.opts.TileHeight)
	gen.OnReadError = func(re *tiling.ReadError) error {
		if err := gctx.Err(); err != nil {
			return err
		}
		stageErr := &StageError{Stage: StageTileRead, Tile: re.Name, Index: re.Index, Err: re.Err}
		r.mu.Lock()
		r.report.TilesTotal++
		r.mu.Unlock()
		s.recordFailure(r, stageErr)
		if s.opts.FailFast {
			return stageErr
		}
		return nil
	}

	genErr := gen.Generate(gctx, img, r.blob.BlobName, func(tile tiling.Tile) error {
		if err := gctx.Err(); err != nil {
			return err
		}

		// g.Go blocks for a free slot, so the group may have been cancelled by the
		// time the tile starts. A tile that starts after cancellation is never touched.
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			r.mu.Lock()
			r.report.TilesTotal++
			r.mu.Unlock()

			result, err := s.scoreTile(gctx, r, tile)
			if err != nil && gctx.Err() != nil && errors.Is(err, context.Canceled) {
				// abandoned after another tile failed or the caller went away
				return nil
			}
			s.recordTile(r, result, err)
			if err != nil && s.opts.FailFast {
				return err
			}
			return nil
		})
		return nil
	})

	waitErr := g.Wait()

	// A cancelled caller is not a tile failure
	if err := ctx.Err(); err != nil {
		return err
	}
	if genErr != nil {
		var stageErr *StageError
		if !errors.As(genErr, &stageErr) && !errors.Is(genErr, context.Canceled) {
			return genErr
		}
	}
	if waitErr != nil {
		r.logger.Warn("Stopped after first tile failure", zap.Error(waitErr))
	}
	return nil
}

func (s *Service) recordTile(r *run, result tileResult, err error) {
	r.mu.Lock()
	r.report.Records += result.records
	r.report.Dropped += result.dropped
	for _, role := range result.skipped {
		r.report.Skipped[role]++
	}
	if err == nil {
		r.report.TilesScored++
	}
	r.mu.Unlock()

	if err != nil {
		var stageErr *StageError
		if !errors.As(err, &stageErr) {
			stageErr = &StageError{Stage: StageInference, Err: err}
		}
		s.recordFailure(r, stageErr)
		return
	}
	s.metrics.RecordTile(metrics.OutcomeScored)
}

func (s *Service) recordFailure(r *run, err *StageError) {
	r.mu.Lock()
	r.report.Failures = append(r.report.Failures, err)
	r.mu.Unlock()

	s.metrics.RecordTile(metrics.OutcomeFailed)
	r.logger.Error("Tile failed",
		zap.String("stage", string(err.Stage)),
		zap.String("tile", err.Tile),
		zap.Int("index", err.Index),
		zap.Error(err.Err),
	)
}
