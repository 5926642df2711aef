// Package rastertest writes small GeoTIFF fixtures for tests.
package rastertest

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"io"
	"os"
)

// Geo describes a north-up georeference: the world position of the top-left corner and the pixel size
type Geo struct {
	OriginX float64
	OriginY float64
	ScaleX  float64
	ScaleY  float64
}

// Gradient returns a deterministic RGB test pattern
func Gradient(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: uint8(x + y), A: 0xff})
		}
	}
	return img
}

type entry struct {
	tag, typ uint16
	count    uint32
	value    uint32
}

// WriteGeoTIFF writes img as an uncompressed 8-bit RGB GeoTIFF with ModelPixelScale and
// ModelTiepoint tags.
func WriteGeoTIFF(w io.Writer, img image.Image, geo Geo) error {
	b := img.Bounds()
	width, height := uint32(b.Dx()), uint32(b.Dy())

	const numEntries = 12
	const ifdOffset = 8
	extra := uint32(ifdOffset + 2 + numEntries*12 + 4)
	bitsOffset := extra
	scaleOffset := bitsOffset + 6
	tieOffset := scaleOffset + 24
	pixelOffset := tieOffset + 48
	pixelBytes := width * height * 3

	entries := []entry{
		{256, 4, 1, width},
		{257, 4, 1, height},
		{258, 3, 3, bitsOffset},
		{259, 3, 1, 1},
		{262, 3, 1, 2},
		{273, 4, 1, pixelOffset},
		{277, 3, 1, 3},
		{278, 4, 1, height},
		{279, 4, 1, pixelBytes},
		{284, 3, 1, 1},
		{33550, 12, 3, scaleOffset},
		{33922, 12, 6, tieOffset},
	}

	var buf bytes.Buffer
	le := binary.LittleEndian

	buf.WriteString("II")
	_ = binary.Write(&buf, le, uint16(42))
	_ = binary.Write(&buf, le, uint32(ifdOffset))

	_ = binary.Write(&buf, le, uint16(numEntries))
	for _, e := range entries {
		_ = binary.Write(&buf, le, e.tag)
		_ = binary.Write(&buf, le, e.typ)
		_ = binary.Write(&buf, le, e.count)
		if e.typ == 3 && e.count == 1 {
			// SHORT values are left-justified in the value field
			_ = binary.Write(&buf, le, uint16(e.value))
			_ = binary.Write(&buf, le, uint16(0))
		} else {
			_ = binary.Write(&buf, le, e.value)
		}
	}
	_ = binary.Write(&buf, le, uint32(0))

	_ = binary.Write(&buf, le, []uint16{8, 8, 8})
	_ = binary.Write(&buf, le, []float64{geo.ScaleX, geo.ScaleY, 0})
	_ = binary.Write(&buf, le, []float64{0, 0, 0, geo.OriginX, geo.OriginY, 0})

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			buf.Write([]byte{c.R, c.G, c.B})
		}
	}

	_, err := w.Write(buf.Bytes())
	return err
}

// WriteFile writes a width x height gradient GeoTIFF to path
func WriteFile(path string, width, height int, geo Geo) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteGeoTIFF(f, Gradient(width, height), geo); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
