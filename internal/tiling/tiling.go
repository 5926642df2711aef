// Package tiling cuts a raster into fixed-size, georeferenced regions.
package tiling

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/healthy-habitat/score-regions/internal/raster"
)

// Default region size in pixels
const (
	TileWidth  = 304
	TileHeight = 228
)

// JPEGQuality is used when encoding regions for upload and scoring
const JPEGQuality = 95

// Tile is one region of a flight image
type Tile struct {
	Index     int
	Window    raster.Window // clipped to the raster extent
	Name      string
	Latitude  float64
	Longitude float64
	Image     *image.NRGBA
}

// Generator walks a raster in row-major order
type Generator struct {
	Width  int
	Height int
	// OnReadError, when set, is told about a window that could not be read. Returning nil
	// moves on to the next region; without a hook the walk stops at the failed read.
	OnReadError func(*ReadError) error
}

// NewGenerator returns a generator for width x height regions. Non-positive sizes fall
// back to the default 304x228.
func NewGenerator(width, height int) *Generator {
	if width <= 0 {
		width = TileWidth
	}
	if height <= 0 {
		height = TileHeight
	}
	return &Generator{Width: width, Height: height}
}

// Grid returns the window of every region, top-to-bottom then left-to-right.
// Windows in the last row and column are clipped to the raster, never padded.
func Grid(width, height, tileW, tileH int) []raster.Window {
	if width <= 0 || height <= 0 || tileW <= 0 || tileH <= 0 {
		return nil
	}
	windows := make([]raster.Window, 0, ((width+tileW-1)/tileW)*((height+tileH-1)/tileH))
	for y := 0; y < height; y += tileH {
		for x := 0; x < width; x += tileW {
			windows = append(windows, raster.Window{
				X:      x,
				Y:      y,
				Width:  min(tileW, width-x),
				Height: min(tileH, height-y),
			})
		}
	}
	return windows
}

// Name returns {base}_Region_{index}.JPG where base is the blob name up to its first dot
func Name(blobName string, index int) string {
	base, _, _ := strings.Cut(blobName, ".")
	return fmt.Sprintf("%s_Region_%d.JPG", base, index)
}

// Center georeferences a region the way the scoring records have always been written:
// the pixel passed to XY is ((y+tileH)/2, (x+tileW)/2), and XY's first component is
// stored as latitude, its second as longitude.
//
// NOTE: both halves look wrong. The midpoint is not y+tileH/2, and XY returns (x, y),
// i.e. (longitude, latitude) for geographic rasters. Kept as-is until the data owners
// confirm which convention downstream reports rely on.
func Center(r raster.Raster, x, y, tileW, tileH int) (latitude, longitude float64) {
	row := float64(y+tileH) / 2
	col := float64(x+tileW) / 2
	first, second := r.XY(row, col)
	return first, second
}

// Generate reads every region of r and passes it to fn in row-major order.
// Indices start at 0 and advance for every region whatever fn returns; the first
// error from fn stops the walk.
func (g *Generator) Generate(ctx context.Context, r raster.Raster, blobName string, fn func(Tile) error) error {
	index := 0
	for _, w := range Grid(r.Width(), r.Height(), g.Width, g.Height) {
		if err := ctx.Err(); err != nil {
			return err
		}

		img, err := r.ReadWindow(w)
		if err != nil {
			readErr := &ReadError{Index: index, Name: Name(blobName, index), Window: w, Err: err}
			index++
			if g.OnReadError == nil {
				return readErr
			}
			if err := g.OnReadError(readErr); err != nil {
				return err
			}
			continue
		}

		lat, lon := Center(r, w.X, w.Y, g.Width, g.Height)
		tile := Tile{
			Index:     index,
			Window:    w,
			Name:      Name(blobName, index),
			Latitude:  lat,
			Longitude: lon,
			Image:     img,
		}
		index++

		if err := fn(tile); err != nil {
			return err
		}
	}
	return nil
}

// ReadError reports a failed window read
type ReadError struct {
	Index  int
	Name   string
	Window raster.Window
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("failed to read region %d at (%d,%d): %v", e.Index, e.Window.X, e.Window.Y, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// EncodeJPEG encodes a region as a 3-band 8-bit JPEG
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(JPEGQuality)); err != nil {
		return nil, fmt.Errorf("failed to encode region: %w", err)
	}
	return buf.Bytes(), nil
}
