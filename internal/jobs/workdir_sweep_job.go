package jobs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/healthy-habitat/score-regions/internal/metrics"
	"github.com/healthy-habitat/score-regions/internal/pipeline"
	"go.uber.org/zap"
)

// WorkDirSweepJobName is the name of the abandoned work directory sweep
const WorkDirSweepJobName = "workdir_sweep"

// WorkDirSweepJob removes per-run work directories left behind by a crashed or killed
// process. Live runs remove their own directory, so only directories older than maxAge go.
type WorkDirSweepJob struct {
	root    string
	maxAge  time.Duration
	metrics *metrics.ScoringMetrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewWorkDirSweepJob creates a sweep over root. m may be nil.
func NewWorkDirSweepJob(root string, maxAge time.Duration, m *metrics.ScoringMetrics, logger *zap.Logger) *WorkDirSweepJob {
	return &WorkDirSweepJob{
		root:    root,
		maxAge:  maxAge,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Run executes the sweep; called by the scheduler.
func (j *WorkDirSweepJob) Run() {
	start := time.Now()
	removed, err := j.Sweep()
	if err != nil {
		j.logger.Error("work directory sweep failed",
			zap.String("root", j.root),
			zap.Error(err))
		return
	}

	if removed > 0 {
		j.logger.Info("work directory sweep completed",
			zap.Int("removed", removed),
			zap.Duration("duration", time.Since(start)))
	}
}

// Sweep removes stale run directories and returns how many were removed
func (j *WorkDirSweepJob) Sweep() (int, error) {
	entries, err := os.ReadDir(j.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list %s: %w", j.root, err)
	}

	cutoff := j.now().Add(-j.maxAge)
	removed := 0

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), pipeline.WorkDirPrefix) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(j.root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			j.logger.Warn("failed to remove stale work directory",
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		removed++
	}

	j.metrics.RecordSweep(removed)
	return removed, nil
}

// RegisterWorkDirSweepJob registers the sweep with the scheduler. When runAtStartup is
// true it also sweeps once immediately, in the background so startup is not delayed.
func RegisterWorkDirSweepJob(scheduler *Scheduler, root string, maxAge time.Duration, cronExpr string, m *metrics.ScoringMetrics, logger *zap.Logger, runAtStartup bool) error {
	job := NewWorkDirSweepJob(root, maxAge, m, logger)

	if runAtStartup {
		go job.Run()
	}

	return scheduler.AddJob(WorkDirSweepJobName, cronExpr, job.Run)
}
