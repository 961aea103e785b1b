package hlsprep

import (
	"fmt"
	"math"
)

// WGS84 is the reference CRS used for footprint intersection tests.
const WGS84 = "EPSG:4326"

// FallbackNoData is written as nodata by the masking stages when the input
// stack does not declare one.
const FallbackNoData = -9999

type DataType int

const (
	Unknown DataType = iota
	Byte
	UInt16
	Int16
	UInt32
	Int32
	Float32
	Float64
)

func (dt DataType) String() string {
	switch dt {
	case Byte:
		return "Byte"
	case UInt16:
		return "UInt16"
	case Int16:
		return "Int16"
	case UInt32:
		return "UInt32"
	case Int32:
		return "Int32"
	case Float32:
		return "Float32"
	case Float64:
		return "Float64"
	}
	return "Unknown"
}

type Resampling string

const (
	Nearest  Resampling = "near"
	Bilinear Resampling = "bilinear"
)

// A Grid is the georeferenced pixel frame of a raster. Only north-up
// geotransforms (no rotation terms) are supported.
type Grid struct {
	CRS           string
	GeoTransform  [6]float64
	Width, Height int
}

// Bounds returns minx,miny,maxx,maxy in the grid's CRS.
func (g Grid) Bounds() [4]float64 {
	gt := g.GeoTransform
	x0, x1 := gt[0], gt[0]+float64(g.Width)*gt[1]
	y0, y1 := gt[3], gt[3]+float64(g.Height)*gt[5]
	return [4]float64{math.Min(x0, x1), math.Min(y0, y1), math.Max(x0, x1), math.Max(y0, y1)}
}

// PixelCenter returns the georeferenced coordinates of the center of pixel x,y.
func (g Grid) PixelCenter(x, y int) (float64, float64) {
	gt := g.GeoTransform
	return gt[0] + (float64(x)+0.5)*gt[1], gt[3] + (float64(y)+0.5)*gt[5]
}

// Sub returns the grid covering the given pixel window of g.
func (g Grid) Sub(win Window) Grid {
	gt := g.GeoTransform
	gt[0] += float64(win.X) * gt[1]
	gt[3] += float64(win.Y) * gt[5]
	return Grid{CRS: g.CRS, GeoTransform: gt, Width: win.Width, Height: win.Height}
}

func (g Grid) validate() error {
	gt := g.GeoTransform
	if gt[2] != 0 || gt[4] != 0 {
		return fmt.Errorf("rotated geotransform %v not supported", gt)
	}
	if gt[1] == 0 || gt[5] == 0 {
		return fmt.Errorf("degenerate geotransform %v", gt)
	}
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("empty grid %dx%d", g.Width, g.Height)
	}
	return nil
}

// A Window is a rectangle of pixels, in pixel coordinates.
type Window struct {
	X, Y, Width, Height int
}

func (w Window) Size() int {
	return w.Width * w.Height
}

// Full returns the window covering the whole grid.
func (g Grid) Full() Window {
	return Window{Width: g.Width, Height: g.Height}
}

// Profile carries everything needed to create a raster, apart from its band count.
type Profile struct {
	Grid
	DataType  DataType
	NoData    float64
	HasNoData bool
}

// NoDataOr returns the declared nodata value, or fallback if none is declared.
func (p Profile) NoDataOr(fallback float64) float64 {
	if p.HasNoData {
		return p.NoData
	}
	return fallback
}

type Info struct {
	Profile
	Bands        int
	Descriptions []string
}

// Source is an opened raster. Bands are numbered from 1.
type Source interface {
	Info() Info
	Read(band int, win Window) ([]float64, error)
	Close() error
}

// Sink is a raster being written. The output only becomes visible at its
// final path once Close returns without error.
type Sink interface {
	Write(band int, win Window, data []float64) error
	SetDescription(band int, desc string) error
	Close() error
}

// WarpOptions controls Library.Warp.
type WarpOptions struct {
	SrcNoData, DstNoData *float64
	// Onto forces the output grid. When nil, the output grid is derived from
	// the inputs.
	Onto *Grid
	// CRS and Resolution derive the output grid from the inputs' extent when
	// Onto is nil.
	CRS        string
	Resolution float64
	// DataType of the output, defaults to the one of inputs[0].
	DataType   DataType
	Resampling Resampling
	Switches   []string
}

// Library is the raster-processing backend. Projection math, resampling
// kernels and codecs all live behind it.
type Library interface {
	Open(path string) (Source, error)
	Create(path string, p Profile, bands int) (Sink, error)
	// Reproject resamples band 1 of the raster at path onto grid.
	Reproject(path string, onto Grid, rs Resampling) ([]float64, error)
	// Warp merges inputs onto one output raster whose band layout is taken
	// from inputs[0].
	Warp(inputs []string, output string, opts WarpOptions) error
	Transform(srcCRS, dstCRS string, xs, ys []float64) error
	Remove(path string) error
}

// Stat opens path only to read its Info.
func Stat(lib Library, path string) (Info, error) {
	src, err := lib.Open(path)
	if err != nil {
		return Info{}, err
	}
	info := src.Info()
	if err := src.Close(); err != nil {
		return Info{}, fmt.Errorf("close %s: %w", path, err)
	}
	return info, nil
}
