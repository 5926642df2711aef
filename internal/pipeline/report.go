package pipeline

import (
	"sort"
	"time"

	"github.com/healthy-habitat/score-regions/internal/event"
	"github.com/healthy-habitat/score-regions/internal/registry"
)

// Report summarises one scoring run
type Report struct {
	RunID       string
	Blob        event.FlightBlob
	TilesTotal  int
	TilesScored int
	Records     int
	// Skipped counts tiles per role that were not scored because no iteration was resolved
	Skipped map[registry.Role]int
	// Dropped counts predictions discarded for an out-of-range probability
	Dropped  int
	Failures []*StageError
	Duration time.Duration
}

// Success is true when every tile was scored
func (r *Report) Success() bool {
	return len(r.Failures) == 0
}

func (r *Report) sortFailures() {
	sort.SliceStable(r.Failures, func(i, j int) bool {
		return r.Failures[i].Index < r.Failures[j].Index
	})
}
