// Package app assembles the scoring pipeline from configuration for the binaries in cmd/.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/healthy-habitat/score-regions/internal/azuresql"
	"github.com/healthy-habitat/score-regions/internal/config"
	"github.com/healthy-habitat/score-regions/internal/customvision"
	"github.com/healthy-habitat/score-regions/internal/database"
	"github.com/healthy-habitat/score-regions/internal/metrics"
	"github.com/healthy-habitat/score-regions/internal/pipeline"
	"github.com/healthy-habitat/score-regions/internal/registry"
	"github.com/healthy-habitat/score-regions/internal/repository"
	"github.com/healthy-habitat/score-regions/internal/storage"
	"go.uber.org/zap"
)

// Components are the wired dependencies of a scoring run
type Components struct {
	Service *pipeline.Service
	Blobs   storage.BlobStore
	Sink    pipeline.ResultSink
	// Results is set when the sink is the gorm repository
	Results *repository.ResultRepository
	// Checks are readiness probes keyed by dependency name
	Checks map[string]func(ctx context.Context) error

	closers []func() error
}

// Build wires storage, the model service, the result sink and the pipeline. m may be nil.
func Build(cfg *config.Config, m *metrics.ScoringMetrics, log *zap.Logger) (*Components, error) {
	c := &Components{Checks: make(map[string]func(ctx context.Context) error)}

	if err := os.MkdirAll(cfg.Pipeline.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	c.Checks["work_dir"] = func(ctx context.Context) error {
		_, err := os.Stat(cfg.Pipeline.WorkDir)
		return err
	}

	blobs, err := storage.NewBlobStore(&cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	c.Blobs = blobs
	log.Info("Storage initialized", zap.String("mode", cfg.Storage.Mode))

	if err := c.openSink(&cfg.Results, log); err != nil {
		return nil, err
	}

	cv := customvision.NewClient(&cfg.CustomVision, log)
	resolver := registry.NewResolver(cv, cfg.CustomVision.AnimalKeyword, cfg.CustomVision.HabitatKeyword, log)

	c.Service = pipeline.NewService(
		resolver,
		cv,
		blobs,
		c.Sink,
		pipeline.OptionsFromConfig(&cfg.Pipeline, &cfg.Storage),
		m,
		log,
	)
	return c, nil
}

func (c *Components) openSink(cfg *config.ResultsConfig, log *zap.Logger) error {
	if cfg.Driver == "sqlserver" {
		client, err := azuresql.NewClient(cfg, log)
		if err != nil {
			return fmt.Errorf("failed to connect to results database: %w", err)
		}
		c.Sink = client
		c.closers = append(c.closers, client.Close)
		c.Checks["results"] = func(ctx context.Context) error {
			status := client.HealthCheck(ctx)
			if status.Status != "healthy" {
				return errors.New(status.Error)
			}
			return nil
		}
		log.Info("Results store connected", zap.String("driver", cfg.Driver))
		return nil
	}

	db, err := database.NewDatabase(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to results database: %w", err)
	}
	if cfg.Driver == "sqlite" {
		if err := database.AutoMigrate(db); err != nil {
			return fmt.Errorf("failed to migrate results database: %w", err)
		}
	}

	repo := repository.NewResultRepository(db)
	c.Sink = repo
	c.Results = repo
	c.closers = append(c.closers, repo.Close)
	c.Checks["results"] = repo.HealthCheck
	log.Info("Results store connected", zap.String("driver", cfg.Driver))
	return nil
}

// Close releases database connections
func (c *Components) Close() error {
	var errs []error
	for _, closeFn := range c.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
