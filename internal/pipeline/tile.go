package pipeline

import (
	"context"
	"fmt"
	"math"
	"os"
	"path"
	"path/filepath"

	"github.com/healthy-habitat/score-regions/internal/customvision"
	"github.com/healthy-habitat/score-regions/internal/domain"
	"github.com/healthy-habitat/score-regions/internal/registry"
	"github.com/healthy-habitat/score-regions/internal/tiling"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const tileContentType = "image/jpeg"

type tileResult struct {
	records int
	dropped int
	skipped []registry.Role
}

// scoreTile encodes, uploads and scores one region
func (s *Service) scoreTile(ctx context.Context, r *run, tile tiling.Tile) (tileResult, error) {
	var result tileResult
	fail := func(stage Stage, err error) (tileResult, error) {
		return result, &StageError{Stage: stage, Tile: tile.Name, Index: tile.Index, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return result, err
	}

	data, err := tiling.EncodeJPEG(tile.Image)
	if err != nil {
		return fail(StageEncode, err)
	}

	localPath := filepath.Join(r.workDir, tile.Name)
	if err := os.WriteFile(localPath, data, 0644); err != nil {
		return fail(StageEncode, fmt.Errorf("failed to write tile: %w", err))
	}
	defer os.Remove(localPath)

	blobPath := path.Join(r.blob.Container, r.blob.DateOfFlight, tile.Name)
	err = s.attempt(ctx, func(ctx context.Context) error {
		return s.blobs.Upload(ctx, s.opts.TileContainer, blobPath, tileContentType, data)
	})
	if err != nil {
		return fail(StageUpload, err)
	}

	url, err := s.blobs.SignedURL(s.opts.TileContainer, blobPath)
	if err != nil {
		return fail(StageUpload, err)
	}

	base := domain.ResultRecord{
		DateOfFlight: r.blob.DateOfFlight,
		Location:     r.blob.Location,
		Season:       r.blob.Season,
		TileName:     tile.Name,
		URL:          url,
		Latitude:     tile.Latitude,
		Longitude:    tile.Longitude,
	}

	log := r.logger.With(zap.String("tile", tile.Name), zap.Int("index", tile.Index))

	for _, role := range registry.Roles {
		grouping := r.resolution.For(role)
		if grouping == nil {
			log.Debug("Skipping role, no iteration to use", zap.String("role", string(role)))
			s.metrics.RecordSkippedRole(string(role))
			result.skipped = append(result.skipped, role)
			continue
		}

		var prediction *customvision.ImagePrediction
		err := s.attempt(ctx, func(ctx context.Context) error {
			var err error
			prediction, err = s.predict(ctx, role, grouping, data)
			return err
		})
		if err != nil {
			return fail(StageInference, err)
		}

		log.Info("Scored tile",
			zap.String("role", string(role)),
			zap.String("project_id", grouping.ProjectID),
			zap.String("publish_name", grouping.Iteration.PublishName),
			zap.Int("predictions", len(prediction.Predictions)),
		)

		for _, p := range prediction.Predictions {
			if !validProbability(p.Probability) {
				log.Warn("Dropping prediction with out-of-range probability",
					zap.String("role", string(role)),
					zap.String("label", p.TagName),
					zap.Float64("probability", p.Probability),
				)
				s.metrics.RecordDroppedPrediction(string(role))
				result.dropped++
				continue
			}

			rec := base
			rec.Label = p.TagName
			rec.Probability = p.Probability
			if err := s.persist(ctx, role, rec); err != nil {
				return fail(StagePersist, err)
			}
			s.metrics.RecordPrediction(string(role))
			result.records++
		}
	}

	return result, nil
}

// predict runs detection for animals and classification for habitat
func (s *Service) predict(ctx context.Context, role registry.Role, g *registry.Grouping, data []byte) (*customvision.ImagePrediction, error) {
	switch role {
	case registry.RoleAnimal:
		return s.predictor.DetectImage(ctx, g.ProjectID, g.Iteration.PublishName, data)
	case registry.RoleHabitat:
		return s.predictor.ClassifyImage(ctx, g.ProjectID, g.Iteration.PublishName, data)
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}
}

func (s *Service) persist(ctx context.Context, role registry.Role, rec domain.ResultRecord) error {
	if role == registry.RoleAnimal {
		return s.sink.InsertAnimalResult(ctx, rec)
	}
	return s.sink.InsertHabitatResult(ctx, rec)
}

// attempt runs fn up to TileAttempts times with exponential backoff. Writes to the
// result sink are never retried, so a retry cannot duplicate records.
func (s *Service) attempt(ctx context.Context, fn func(context.Context) error) error {
	if s.opts.TileAttempts <= 1 {
		return fn(ctx)
	}

	b := retry.WithMaxRetries(uint64(s.opts.TileAttempts-1), retry.NewExponential(s.opts.RetryBackoff))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			if ctx.Err() != nil {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	})
}

func validProbability(p float64) bool {
	return !math.IsNaN(p) && p >= 0 && p <= 1
}
