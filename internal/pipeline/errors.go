package pipeline

import "fmt"

// Stage names the step of the pipeline that failed
type Stage string

const (
	StageResolve   Stage = "resolve"
	StageDownload  Stage = "download"
	StageOpen      Stage = "open"
	StageTileRead  Stage = "tile-read"
	StageEncode    Stage = "encode"
	StageUpload    Stage = "upload"
	StageInference Stage = "inference"
	StagePersist   Stage = "persist"
)

// StageError is a failure attributed to one stage and, for per-tile stages, one tile
type StageError struct {
	Stage Stage
	Tile  string // empty for whole-image stages
	Index int
	Err   error
}

func (e *StageError) Error() string {
	if e.Tile == "" {
		return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s failed for %s: %v", e.Stage, e.Tile, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Fatal reports whether the stage covers the whole image rather than a single tile
func (s Stage) Fatal() bool {
	switch s {
	case StageResolve, StageDownload, StageOpen:
		return true
	default:
		return false
	}
}
