package raster

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"golang.org/x/image/tiff"
)

// GeoTIFF tags read from the first IFD
const (
	tagSamplesPerPixel     = 277
	tagModelPixelScale     = 33550
	tagModelTiepoint       = 33922
	tagModelTransformation = 34264
)

// ErrNotTIFF is returned for files without a classic TIFF header
var ErrNotTIFF = errors.New("not a TIFF file")

type ifdEntry struct {
	typ   uint16
	count uint32
	raw   []byte
}

// Open decodes a GeoTIFF file. The file is read in place through io.ReaderAt, so only
// the decoded pixels stay in memory, roughly width*height*4 bytes for 8-bit RGB.
func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read raster: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to read raster: %w", err)
	}
	return decode(f, info.Size())
}

// Decode decodes GeoTIFF bytes. Files without georeferencing get the identity transform.
func Decode(data []byte) (*Image, error) {
	return decode(bytes.NewReader(data), int64(len(data)))
}

type source interface {
	io.Reader
	io.ReaderAt
}

func decode(src source, size int64) (*Image, error) {
	tags, order, err := readTags(src, size)
	if err != nil {
		return nil, err
	}

	// tiff.Decode reads through io.ReaderAt when the source has it, without buffering the file
	img, err := tiff.Decode(src)
	if err != nil {
		return nil, fmt.Errorf("failed to decode raster: %w", err)
	}

	bands := 1
	if e, ok := tags[tagSamplesPerPixel]; ok {
		if v, ok := e.uint(order); ok {
			bands = int(v)
		}
	}

	return New(img, bands, transformFromTags(tags, order)), nil
}

func transformFromTags(tags map[uint16]ifdEntry, order binary.ByteOrder) Affine {
	if e, ok := tags[tagModelTransformation]; ok {
		if t, ok := FromModelTransformation(e.doubles(order)); ok {
			return t
		}
	}
	scale, hasScale := tags[tagModelPixelScale]
	tie, hasTie := tags[tagModelTiepoint]
	if hasScale && hasTie {
		if t, ok := FromTiepoint(scale.doubles(order), tie.doubles(order)); ok {
			return t
		}
	}
	return Identity
}

func readTags(ra io.ReaderAt, size int64) (map[uint16]ifdEntry, binary.ByteOrder, error) {
	if size < 8 {
		return nil, nil, ErrNotTIFF
	}
	header := make([]byte, 8)
	if _, err := ra.ReadAt(header, 0); err != nil {
		return nil, nil, fmt.Errorf("failed to read TIFF header: %w", err)
	}

	var order binary.ByteOrder
	switch string(header[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil, nil, ErrNotTIFF
	}

	switch order.Uint16(header[2:4]) {
	case 42:
	case 43:
		return nil, nil, fmt.Errorf("BigTIFF is not supported")
	default:
		return nil, nil, ErrNotTIFF
	}

	limit := uint64(size)
	off := uint64(order.Uint32(header[4:8]))
	if off+2 > limit {
		return nil, nil, fmt.Errorf("%w: IFD offset out of range", ErrNotTIFF)
	}
	countBuf := make([]byte, 2)
	if _, err := ra.ReadAt(countBuf, int64(off)); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNotTIFF, err)
	}
	n := uint64(order.Uint16(countBuf))
	start := off + 2
	if start+n*12 > limit {
		return nil, nil, fmt.Errorf("%w: truncated IFD", ErrNotTIFF)
	}
	entries := make([]byte, n*12)
	if _, err := ra.ReadAt(entries, int64(start)); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNotTIFF, err)
	}

	tags := make(map[uint16]ifdEntry, n)
	for i := uint64(0); i < n; i++ {
		e := entries[i*12 : i*12+12]
		tag := order.Uint16(e[0:2])
		typ := order.Uint16(e[2:4])
		count := order.Uint32(e[4:8])

		length := typeSize(typ) * uint64(count)
		if length == 0 {
			continue
		}

		var raw []byte
		if length <= 4 {
			raw = e[8 : 8+length]
		} else {
			vo := uint64(order.Uint32(e[8:12]))
			if vo+length > limit {
				continue
			}
			raw = make([]byte, length)
			if _, err := ra.ReadAt(raw, int64(vo)); err != nil {
				continue
			}
		}
		tags[tag] = ifdEntry{typ: typ, count: count, raw: raw}
	}
	return tags, order, nil
}

func typeSize(typ uint16) uint64 {
	switch typ {
	case 1, 2, 6, 7: // BYTE, ASCII, SBYTE, UNDEFINED
		return 1
	case 3, 8: // SHORT, SSHORT
		return 2
	case 4, 9, 11: // LONG, SLONG, FLOAT
		return 4
	case 5, 10, 12: // RATIONAL, SRATIONAL, DOUBLE
		return 8
	default:
		return 0
	}
}

func (e ifdEntry) uint(order binary.ByteOrder) (uint32, bool) {
	switch e.typ {
	case 3:
		return uint32(order.Uint16(e.raw)), true
	case 4:
		return order.Uint32(e.raw), true
	default:
		return 0, false
	}
}

func (e ifdEntry) doubles(order binary.ByteOrder) []float64 {
	if e.typ != 12 {
		return nil
	}
	out := make([]float64, e.count)
	for i := range out {
		out[i] = math.Float64frombits(order.Uint64(e.raw[i*8:]))
	}
	return out
}
