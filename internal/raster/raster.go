// Package raster exposes a decoded GeoTIFF as a windowed, georeferenced pixel surface.
package raster

import (
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// ErrTooFewBands is returned when a window read needs three bands and the raster has fewer
var ErrTooFewBands = errors.New("raster has fewer than three bands")

// Raster is a multi-band image addressable by rectangular windows
type Raster interface {
	Width() int
	Height() int
	Count() int
	ReadWindow(w Window) (*image.NRGBA, error)
	XY(row, col float64) (float64, float64)
}

// Window is a rectangle in pixel space. Reads clip it to the raster extent.
type Window struct {
	X      int
	Y      int
	Width  int
	Height int
}

// Rect returns the window as an image rectangle
func (w Window) Rect() image.Rectangle {
	return image.Rect(w.X, w.Y, w.X+w.Width, w.Y+w.Height)
}

// Image is an in-memory raster with an affine pixel-to-world transform
type Image struct {
	img       image.Image
	bands     int
	transform Affine
}

// New wraps a decoded image. bands is the number of samples per pixel in the source file.
func New(img image.Image, bands int, transform Affine) *Image {
	return &Image{img: img, bands: bands, transform: transform}
}

func (r *Image) Width() int  { return r.img.Bounds().Dx() }
func (r *Image) Height() int { return r.img.Bounds().Dy() }

// Count returns the band count
func (r *Image) Count() int { return r.bands }

// Transform returns the pixel-to-world affine transform
func (r *Image) Transform() Affine { return r.transform }

// ReadWindow returns bands 1-3 of the window as 8-bit RGB with opaque alpha.
// The window is clipped at the raster edge; no padding is added.
func (r *Image) ReadWindow(w Window) (*image.NRGBA, error) {
	if r.bands < 3 {
		return nil, fmt.Errorf("%w: %d", ErrTooFewBands, r.bands)
	}

	b := r.img.Bounds()
	rect := w.Rect().Add(b.Min).Intersect(b)
	if rect.Empty() {
		return nil, fmt.Errorf("window %v lies outside raster %dx%d", w.Rect(), b.Dx(), b.Dy())
	}

	if src, ok := r.img.(*image.RGBA); ok {
		return copyRGB(src, rect), nil
	}

	tile := imaging.Crop(r.img, rect)
	for i := 3; i < len(tile.Pix); i += 4 {
		tile.Pix[i] = 0xff
	}
	return tile, nil
}

// copyRGB copies the first three samples of rect unchanged. x/image/tiff decodes RGB and
// associated-alpha files to *image.RGBA holding the stored band values, which a colour
// model conversion would un-premultiply.
func copyRGB(src *image.RGBA, rect image.Rectangle) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	for y := 0; y < rect.Dy(); y++ {
		s := src.Pix[src.PixOffset(rect.Min.X, rect.Min.Y+y):]
		d := dst.Pix[y*dst.Stride:]
		for x := 0; x < rect.Dx(); x++ {
			copy(d[x*4:x*4+3], s[x*4:x*4+3])
			d[x*4+3] = 0xff
		}
	}
	return dst
}

// XY returns the world coordinates of the centre of pixel (row, col), as rasterio's xy does:
// the first value is the x (easting or longitude) component, the second the y component.
func (r *Image) XY(row, col float64) (float64, float64) {
	return r.transform.Apply(col+0.5, row+0.5)
}
