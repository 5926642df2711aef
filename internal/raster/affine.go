package raster

// Affine is a GDAL-ordered pixel-to-world transform:
//
//	x = A*col + B*row + C
//	y = D*col + E*row + F
type Affine struct {
	A, B, C float64
	D, E, F float64
}

// Identity is used for rasters without georeferencing tags
var Identity = Affine{A: 1, E: 1}

// Apply maps a (col, row) pixel position to world (x, y)
func (t Affine) Apply(col, row float64) (float64, float64) {
	return t.A*col + t.B*row + t.C, t.D*col + t.E*row + t.F
}

// FromModelTransformation builds the transform from a GeoTIFF ModelTransformationTag (4x4, row-major)
func FromModelTransformation(m []float64) (Affine, bool) {
	if len(m) < 16 {
		return Affine{}, false
	}
	return Affine{A: m[0], B: m[1], C: m[3], D: m[4], E: m[5], F: m[7]}, true
}

// FromTiepoint builds a north-up transform from ModelPixelScaleTag and the first ModelTiepointTag
func FromTiepoint(scale, tiepoint []float64) (Affine, bool) {
	if len(scale) < 2 || len(tiepoint) < 6 {
		return Affine{}, false
	}
	i, j := tiepoint[0], tiepoint[1]
	x, y := tiepoint[3], tiepoint[4]
	sx, sy := scale[0], scale[1]
	return Affine{
		A: sx, B: 0, C: x - i*sx,
		D: 0, E: -sy, F: y + j*sy,
	}, true
}
