package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/healthy-habitat/score-regions/internal/customvision"
	"github.com/healthy-habitat/score-regions/internal/domain"
	"github.com/healthy-habitat/score-regions/internal/event"
	"github.com/healthy-habitat/score-regions/internal/pipeline"
	"github.com/healthy-habitat/score-regions/internal/raster/rastertest"
	"github.com/healthy-habitat/score-regions/internal/registry"
	"github.com/healthy-habitat/score-regions/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ============================================================================
// Fakes
// ============================================================================

type fakeResolver struct {
	resolution *registry.Resolution
	err        error
}

func (f *fakeResolver) Resolve(ctx context.Context, container string) (*registry.Resolution, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.resolution, nil
}

type fakePredictor struct {
	mu            sync.Mutex
	detect        []customvision.Prediction
	classify      []customvision.Prediction
	err           error
	failFirst     int
	detectCalls   int
	classifyCalls int
}

func (f *fakePredictor) call(ctx context.Context, counter *int, preds []customvision.Prediction) (*customvision.ImagePrediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	*counter++
	if f.err != nil {
		return nil, f.err
	}
	if f.failFirst > 0 {
		f.failFirst--
		return nil, errors.New("transient")
	}
	return &customvision.ImagePrediction{Predictions: preds}, nil
}

func (f *fakePredictor) DetectImage(ctx context.Context, projectID, publishName string, image []byte) (*customvision.ImagePrediction, error) {
	return f.call(ctx, &f.detectCalls, f.detect)
}

func (f *fakePredictor) ClassifyImage(ctx context.Context, projectID, publishName string, image []byte) (*customvision.ImagePrediction, error) {
	return f.call(ctx, &f.classifyCalls, f.classify)
}

func (f *fakePredictor) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detectCalls, f.classifyCalls
}

type fakeSink struct {
	mu       sync.Mutex
	animals  []domain.ResultRecord
	habitats []domain.ResultRecord
	err      error
}

func (f *fakeSink) InsertAnimalResult(ctx context.Context, rec domain.ResultRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.animals = append(f.animals, rec)
	return nil
}

func (f *fakeSink) InsertHabitatResult(ctx context.Context, rec domain.ResultRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.habitats = append(f.habitats, rec)
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

const (
	container    = "kruger-summer"
	dateOfFlight = "2023-05-01"
	blobName     = "flight.tif"
)

type harness struct {
	base      string
	workDir   string
	store     *storage.LocalBlobStore
	resolver  *fakeResolver
	predictor *fakePredictor
	sink      *fakeSink
	opts      pipeline.Options
}

func newHarness(t *testing.T, width, height int) *harness {
	base := t.TempDir()
	store, err := storage.NewLocalBlobStore(base)
	require.NoError(t, err)

	if width > 0 {
		dir := filepath.Join(base, container, dateOfFlight)
		require.NoError(t, os.MkdirAll(dir, 0755))
		require.NoError(t, rastertest.WriteFile(filepath.Join(dir, blobName), width, height, rastertest.Geo{
			OriginX: 31.5, OriginY: -24.9, ScaleX: 0.0001, ScaleY: 0.0001,
		}))
	}

	workDir := t.TempDir()
	return &harness{
		base:      base,
		workDir:   workDir,
		store:     store,
		resolver:  &fakeResolver{resolution: twoRoles()},
		predictor: &fakePredictor{},
		sink:      &fakeSink{},
		opts:      pipeline.Options{WorkDir: workDir},
	}
}

func (h *harness) score(t *testing.T) (*pipeline.Report, error) {
	svc := pipeline.NewService(h.resolver, h.predictor, h.store, h.sink, h.opts, nil, zap.NewNop())
	return svc.Score(context.Background(), flightBlob())
}

func flightBlob() *event.FlightBlob {
	return &event.FlightBlob{
		URL:          "https://acct.blob.core.windows.net/" + container + "/" + dateOfFlight + "/" + blobName,
		Container:    container,
		DateOfFlight: dateOfFlight,
		BlobName:     blobName,
		Location:     "kruger",
		Season:       "summer",
	}
}

func twoRoles() *registry.Resolution {
	return &registry.Resolution{
		Container: container,
		Groupings: []registry.Grouping{
			{ProjectID: "pa", ProjectName: "kruger-summer-animals", Role: registry.RoleAnimal, Iteration: &customvision.Iteration{PublishName: "animals-v3"}},
			{ProjectID: "ph", ProjectName: "kruger-summer-habitat", Role: registry.RoleHabitat, Iteration: &customvision.Iteration{PublishName: "habitat-v1"}},
		},
	}
}

func preds(probabilities ...float64) []customvision.Prediction {
	out := make([]customvision.Prediction, len(probabilities))
	for i, p := range probabilities {
		out[i] = customvision.Prediction{TagName: fmt.Sprintf("label-%d", i), Probability: p}
	}
	return out
}

func tileNames(recs []domain.ResultRecord) []string {
	seen := map[string]bool{}
	var names []string
	for _, r := range recs {
		if !seen[r.TileName] {
			seen[r.TileName] = true
			names = append(names, r.TileName)
		}
	}
	sort.Strings(names)
	return names
}

func assertWorkDirClean(t *testing.T, dir string) {
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "per-run work directory should be removed")
}

// ============================================================================
// Tests
// ============================================================================

func TestScore_FourTilesBothRoles(t *testing.T) {
	h := newHarness(t, 608, 456)
	h.predictor.detect = preds(0.9, 0.4)
	h.predictor.classify = preds(0.7)

	report, err := h.score(t)
	require.NoError(t, err)

	assert.True(t, report.Success())
	assert.Equal(t, 4, report.TilesTotal)
	assert.Equal(t, 4, report.TilesScored)
	assert.Equal(t, 12, report.Records)
	assert.NotEmpty(t, report.RunID)

	want := []string{"flight_Region_0.JPG", "flight_Region_1.JPG", "flight_Region_2.JPG", "flight_Region_3.JPG"}
	assert.Equal(t, want, tileNames(h.sink.animals))
	assert.Equal(t, want, tileNames(h.sink.habitats))
	assert.Len(t, h.sink.animals, 8)
	assert.Len(t, h.sink.habitats, 4)

	detect, classify := h.predictor.calls()
	assert.Equal(t, 4, detect)
	assert.Equal(t, 4, classify)

	for _, name := range want {
		_, err := os.Stat(filepath.Join(h.base, "resized", container, dateOfFlight, name))
		assert.NoError(t, err, "tile %s should be uploaded", name)
	}
	assertWorkDirClean(t, h.workDir)
}

func TestScore_RecordProvenance(t *testing.T) {
	h := newHarness(t, 304, 228)
	h.predictor.detect = preds(0.8)
	h.predictor.classify = preds(0.6)

	_, err := h.score(t)
	require.NoError(t, err)
	require.Len(t, h.sink.animals, 1)

	rec := h.sink.animals[0]
	assert.Equal(t, dateOfFlight, rec.DateOfFlight)
	assert.Equal(t, "kruger", rec.Location)
	assert.Equal(t, "summer", rec.Season)
	assert.Equal(t, "flight_Region_0.JPG", rec.TileName)
	assert.Equal(t, "label-0", rec.Label)
	assert.InDelta(t, 0.8, rec.Probability, 1e-9)
	assert.True(t, strings.HasPrefix(rec.URL, "file://"))
	assert.True(t, strings.HasSuffix(rec.URL, "/resized/kruger-summer/2023-05-01/flight_Region_0.JPG"))
	assert.NotZero(t, rec.Latitude)
	assert.NotZero(t, rec.Longitude)

	assert.Equal(t, rec.URL, h.sink.habitats[0].URL)
}

func TestScore_NoTrainedIterations(t *testing.T) {
	h := newHarness(t, 608, 456)
	h.resolver.resolution = &registry.Resolution{
		Container: container,
		Groupings: []registry.Grouping{
			{ProjectID: "a", ProjectName: "kruger-summer-a", Role: registry.RoleAnimal},
			{ProjectID: "b", ProjectName: "kruger-summer-b", Role: registry.RoleHabitat},
		},
	}

	report, err := h.score(t)
	require.NoError(t, err)

	assert.True(t, report.Success())
	assert.Equal(t, 0, report.Records)
	assert.Equal(t, 4, report.Skipped[registry.RoleAnimal])
	assert.Equal(t, 4, report.Skipped[registry.RoleHabitat])

	detect, classify := h.predictor.calls()
	assert.Zero(t, detect)
	assert.Zero(t, classify)
	assert.Empty(t, h.sink.animals)
	assert.Empty(t, h.sink.habitats)
}

func TestScore_SingleGroupingSkipsHabitat(t *testing.T) {
	h := newHarness(t, 608, 228)
	h.resolver.resolution = &registry.Resolution{
		Container: container,
		Groupings: []registry.Grouping{
			{ProjectID: "a", ProjectName: "kruger-summer", Role: registry.RoleAnimal, Iteration: &customvision.Iteration{PublishName: "v1"}},
		},
	}
	h.predictor.detect = preds(0.5)

	report, err := h.score(t)
	require.NoError(t, err)

	assert.True(t, report.Success())
	assert.Equal(t, 2, report.Records)
	assert.Equal(t, 2, report.Skipped[registry.RoleHabitat])

	_, classify := h.predictor.calls()
	assert.Zero(t, classify)
}

func TestScore_ConcurrentWorkersKeepIndices(t *testing.T) {
	h := newHarness(t, 1216, 912)
	h.opts.Concurrency = 4
	h.predictor.detect = preds(0.5)
	h.predictor.classify = preds(0.5)

	report, err := h.score(t)
	require.NoError(t, err)
	require.True(t, report.Success())
	assert.Equal(t, 16, report.TilesTotal)

	var want []string
	for i := 0; i < 16; i++ {
		want = append(want, fmt.Sprintf("flight_Region_%d.JPG", i))
	}
	sort.Strings(want)
	assert.Equal(t, want, tileNames(h.sink.animals))
	assertWorkDirClean(t, h.workDir)
}

func TestScore_InferenceFailureReported(t *testing.T) {
	h := newHarness(t, 608, 456)
	h.predictor.err = errors.New("quota exceeded")

	report, err := h.score(t)
	require.NoError(t, err)

	assert.False(t, report.Success())
	assert.Equal(t, 4, report.TilesTotal)
	assert.Zero(t, report.TilesScored)
	require.Len(t, report.Failures, 4)
	for i, f := range report.Failures {
		assert.Equal(t, pipeline.StageInference, f.Stage)
		assert.Equal(t, i, f.Index)
		assert.Equal(t, fmt.Sprintf("flight_Region_%d.JPG", i), f.Tile)
	}
	assertWorkDirClean(t, h.workDir)
}

func TestScore_FailFastStopsRemainingTiles(t *testing.T) {
	h := newHarness(t, 608, 456)
	h.opts.FailFast = true
	h.predictor.err = errors.New("quota exceeded")

	report, err := h.score(t)
	require.NoError(t, err)

	assert.False(t, report.Success())
	require.Len(t, report.Failures, 1)
	assert.Equal(t, 0, report.Failures[0].Index)
	assert.Equal(t, 1, report.TilesTotal)

	detect, _ := h.predictor.calls()
	assert.Equal(t, 1, detect)

	// Region 1 was already waiting for a worker when region 0 failed
	tileDir := filepath.Join(h.base, "resized", container, dateOfFlight)
	assert.FileExists(t, filepath.Join(tileDir, "flight_Region_0.JPG"))
	for _, name := range []string{"flight_Region_1.JPG", "flight_Region_2.JPG", "flight_Region_3.JPG"} {
		assert.NoFileExists(t, filepath.Join(tileDir, name))
	}
	assertWorkDirClean(t, h.workDir)
}

func TestScore_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t, 304, 228)
	h.opts.TileAttempts = 3
	h.opts.RetryBackoff = time.Millisecond
	h.predictor.failFirst = 2
	h.predictor.detect = preds(0.5)
	h.predictor.classify = preds(0.5)

	report, err := h.score(t)
	require.NoError(t, err)

	assert.True(t, report.Success())
	detect, classify := h.predictor.calls()
	assert.Equal(t, 3, detect)
	assert.Equal(t, 1, classify)
	assert.Len(t, h.sink.animals, 1)
}

func TestScore_DropsOutOfRangeProbabilities(t *testing.T) {
	h := newHarness(t, 304, 228)
	h.predictor.detect = preds(0.5, 1.5, math.NaN(), -0.1)
	h.predictor.classify = preds(1.0, 0)

	report, err := h.score(t)
	require.NoError(t, err)

	assert.True(t, report.Success())
	assert.Equal(t, 3, report.Dropped)
	assert.Equal(t, 3, report.Records)
	assert.Len(t, h.sink.animals, 1)
	assert.Len(t, h.sink.habitats, 2)
}

func TestScore_PersistFailure(t *testing.T) {
	h := newHarness(t, 304, 228)
	h.predictor.detect = preds(0.5)
	h.sink.err = errors.New("connection reset")

	report, err := h.score(t)
	require.NoError(t, err)

	require.Len(t, report.Failures, 1)
	assert.Equal(t, pipeline.StagePersist, report.Failures[0].Stage)
}

func TestScore_DownloadFailure(t *testing.T) {
	h := newHarness(t, 0, 0)

	report, err := h.score(t)
	require.Error(t, err)

	var stageErr *pipeline.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, pipeline.StageDownload, stageErr.Stage)
	assert.True(t, stageErr.Stage.Fatal())
	assert.ErrorIs(t, err, storage.ErrBlobNotFound)
	assert.Zero(t, report.TilesTotal)

	detect, classify := h.predictor.calls()
	assert.Zero(t, detect+classify)
	assertWorkDirClean(t, h.workDir)
}

func TestScore_OpenFailure(t *testing.T) {
	h := newHarness(t, 0, 0)
	require.NoError(t, h.store.Upload(context.Background(), container, dateOfFlight+"/"+blobName, "image/tiff", []byte("not a tiff")))

	_, err := h.score(t)

	var stageErr *pipeline.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, pipeline.StageOpen, stageErr.Stage)
	assertWorkDirClean(t, h.workDir)
}

func TestScore_ResolveFailure(t *testing.T) {
	h := newHarness(t, 304, 228)
	h.resolver.err = errors.New("unauthorized")

	_, err := h.score(t)

	var stageErr *pipeline.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, pipeline.StageResolve, stageErr.Stage)
	assertWorkDirClean(t, h.workDir)
}

func TestStageError_Message(t *testing.T) {
	err := &pipeline.StageError{Stage: pipeline.StageUpload, Tile: "x_Region_4.JPG", Index: 4, Err: errors.New("503")}
	assert.Equal(t, "upload failed for x_Region_4.JPG: 503", err.Error())
	assert.False(t, pipeline.StageUpload.Fatal())

	whole := &pipeline.StageError{Stage: pipeline.StageDownload, Err: errors.New("404")}
	assert.Equal(t, "download failed: 404", whole.Error())
}
