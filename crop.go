package hlsprep

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"go.airbusds-geo.com/log"
	"go.uber.org/zap"
)

// DefaultCropNoData is written outside of the stack footprint.
const DefaultCropNoData = 0

const snapEpsilon = 1e-6

// Cropper extracts the part of an auxiliary raster (alerts, land cover)
// covering a stack.
type Cropper struct {
	settings
	lib    Library
	outDir string
	nodata float64
}

func NewCropper(lib Library, outDir string, nodata float64, options ...Option) (*Cropper, error) {
	s, err := newSettings(options)
	if err != nil {
		return nil, err
	}
	return &Cropper{settings: s, lib: lib, outDir: outDir, nodata: nodata}, nil
}

// OutputPath returns where the crop of aux for key is written.
func (c *Cropper) OutputPath(key StackKey, aux string) string {
	base := strings.TrimSuffix(filepath.Base(aux), filepath.Ext(aux))
	return filepath.Join(c.outDir, key.Derived(base))
}

// FootprintWGS84 returns the outline of a raster in geographic coordinates.
func FootprintWGS84(lib Library, g Grid) (orb.Ring, error) {
	return transformRing(lib, g.Footprint(), g.CRS, WGS84)
}

// Crop writes the pixels of every band of aux falling inside the footprint of
// the stack. Pixels of the window whose center lies outside the footprint are
// set to the cropper's nodata. ErrNoIntersection is returned if the stack and
// aux do not overlap.
func (c *Cropper) Crop(ctx context.Context, stack string, key StackKey, aux string) (string, error) {
	out := c.OutputPath(key, aux)
	stackInfo, err := Stat(c.lib, stack)
	if err != nil {
		return "", fmt.Errorf("stat stack %s: %w", stack, err)
	}
	auxInfo, err := Stat(c.lib, aux)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", aux, err)
	}
	stackFP, err := FootprintWGS84(c.lib, stackInfo.Grid)
	if err != nil {
		return "", err
	}
	auxFP, err := FootprintWGS84(c.lib, auxInfo.Grid)
	if err != nil {
		return "", err
	}
	if !ringsIntersect(stackFP, auxFP) {
		return "", fmt.Errorf("%s and %s: %w", filepath.Base(stack), filepath.Base(aux), ErrNoIntersection)
	}
	done, err := c.exists(out, auxInfo.Bands)
	if err != nil {
		return "", err
	}
	if done {
		log.Logger(ctx).Debug("crop exists", zap.String("path", out))
		return out, nil
	}

	fp, err := transformRing(c.lib, stackFP, WGS84, auxInfo.CRS)
	if err != nil {
		return "", err
	}
	win, ok := windowInside(auxInfo.Grid, fp.Bound())
	if !ok {
		return "", fmt.Errorf("%s: no whole pixel of %s inside footprint: %w",
			filepath.Base(stack), filepath.Base(aux), ErrNoIntersection)
	}
	sub := auxInfo.Grid.Sub(win)
	inside := make([]bool, win.Size())
	for y := 0; y < win.Height; y++ {
		for x := 0; x < win.Width; x++ {
			cx, cy := sub.PixelCenter(x, y)
			inside[y*win.Width+x] = planar.RingContains(fp, orb.Point{cx, cy})
		}
	}

	if err := os.MkdirAll(c.outDir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", c.outDir, err)
	}
	src, err := c.lib.Open(aux)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", aux, err)
	}
	defer src.Close()
	prof := Profile{Grid: sub, DataType: auxInfo.DataType, NoData: c.nodata, HasNoData: true}
	sink, err := c.lib.Create(out, prof, auxInfo.Bands)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", out, err)
	}
	fail := func(err error) (string, error) {
		_ = sink.Close()
		_ = c.lib.Remove(out)
		return "", err
	}
	for b := 1; b <= auxInfo.Bands; b++ {
		data, err := src.Read(b, win)
		if err != nil {
			return fail(fmt.Errorf("read %s band %d: %w", aux, b, err))
		}
		for i := range data {
			if !inside[i] {
				data[i] = c.nodata
			}
		}
		if err := sink.Write(b, Window{Width: win.Width, Height: win.Height}, data); err != nil {
			return fail(fmt.Errorf("write %s band %d: %w", out, b, err))
		}
		if b <= len(auxInfo.Descriptions) && auxInfo.Descriptions[b-1] != "" {
			if err := sink.SetDescription(b, auxInfo.Descriptions[b-1]); err != nil {
				return fail(err)
			}
		}
	}
	if err := sink.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", out, err)
	}
	log.Logger(ctx).Info("cropped", zap.String("aux", aux), zap.String("path", out))
	return out, nil
}

// windowInside returns the window of whole pixels of g lying inside b,
// clipped to the extent of g.
func windowInside(g Grid, b orb.Bound) (Window, bool) {
	gt := g.GeoTransform
	fx0, fx1 := (b.Min[0]-gt[0])/gt[1], (b.Max[0]-gt[0])/gt[1]
	fy0, fy1 := (b.Min[1]-gt[3])/gt[5], (b.Max[1]-gt[3])/gt[5]
	col0 := int(math.Ceil(math.Min(fx0, fx1) - snapEpsilon))
	col1 := int(math.Floor(math.Max(fx0, fx1) + snapEpsilon))
	row0 := int(math.Ceil(math.Min(fy0, fy1) - snapEpsilon))
	row1 := int(math.Floor(math.Max(fy0, fy1) + snapEpsilon))
	col0, row0 = max(col0, 0), max(row0, 0)
	col1, row1 = min(col1, g.Width), min(row1, g.Height)
	if col1 <= col0 || row1 <= row0 {
		return Window{}, false
	}
	return Window{X: col0, Y: row0, Width: col1 - col0, Height: row1 - row0}, true
}
