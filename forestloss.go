package hlsprep

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.airbusds-geo.com/log"
	"go.uber.org/zap"
)

// DefaultReferenceYear is the first year of the alert period.
const DefaultReferenceYear = 2021

// LossPredates reports whether a Hansen loss-year value (years since 2000, 0
// for no loss) records a loss before refYear.
func LossPredates(loss float64, refYear int) bool {
	return loss > 0 && loss < float64(refYear-2000)
}

// ForestLossMasker blanks the pixels of a labelled stack that were already
// deforested before the reference year.
type ForestLossMasker struct {
	settings
	lib     Library
	lossDir string
	outDir  string
	refYear int
}

func NewForestLossMasker(lib Library, lossDir, outDir string, refYear int, options ...Option) (*ForestLossMasker, error) {
	if refYear <= 2000 {
		return nil, ErrInvalidOption{"reference year must be >2000"}
	}
	s, err := newSettings(options)
	if err != nil {
		return nil, err
	}
	return &ForestLossMasker{settings: s, lib: lib, lossDir: lossDir, outDir: outDir, refYear: refYear}, nil
}

func (m *ForestLossMasker) OutputPath(key StackKey) string {
	return filepath.Join(m.outDir, key.Derived(SuffixForestMasked))
}

// lossRasters returns the loss-year rasters overlapping the stack footprint.
func (m *ForestLossMasker) lossRasters(ctx context.Context, stackFP Grid) ([]string, error) {
	pattern := filepath.Join(m.lossDir, "*lossyear*.tif")
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}
	fp, err := FootprintWGS84(m.lib, stackFP)
	if err != nil {
		return nil, err
	}
	var ret []string
	for _, p := range paths {
		info, err := Stat(m.lib, p)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		lfp, err := FootprintWGS84(m.lib, info.Grid)
		if err != nil {
			return nil, err
		}
		if ringsIntersect(fp, lfp) {
			ret = append(ret, p)
		} else {
			log.Logger(ctx).Debug("loss raster does not cover stack", zap.String("path", p))
		}
	}
	return ret, nil
}

// Mask writes a copy of stack where pixels with a loss predating the reference
// year are nodata in every band. ErrMissingInput is returned if no loss
// raster covers the stack.
func (m *ForestLossMasker) Mask(ctx context.Context, stack string, key StackKey) (string, error) {
	out := m.OutputPath(key)
	info, err := Stat(m.lib, stack)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", stack, err)
	}
	done, err := m.exists(out, info.Bands)
	if err != nil {
		return "", err
	}
	if done {
		log.Logger(ctx).Debug("forest mask exists", zap.String("path", out))
		return out, nil
	}
	losses, err := m.lossRasters(ctx, info.Grid)
	if err != nil {
		return "", err
	}
	if len(losses) == 0 {
		return "", fmt.Errorf("no loss-year raster in %s covers %s: %w", m.lossDir, filepath.Base(stack), ErrMissingInput)
	}
	masked := make([]bool, info.Width*info.Height)
	for _, l := range losses {
		years, err := m.lib.Reproject(l, info.Grid, Nearest)
		if err != nil {
			return "", fmt.Errorf("reproject %s: %w", l, err)
		}
		for i, y := range years {
			if LossPredates(y, m.refYear) {
				masked[i] = true
			}
		}
	}

	prof := info.Profile
	prof.NoData, prof.HasNoData = info.NoDataOr(FallbackNoData), true
	if err := maskBands(m.lib, m.striper, stack, out, info, prof, func(win Window) ([]bool, error) {
		return windowOf(masked, info.Width, win), nil
	}); err != nil {
		return "", err
	}
	log.Logger(ctx).Info("forest loss masked", zap.String("path", out), zap.Int("loss_rasters", len(losses)))
	return out, nil
}

// windowOf extracts win from a full-raster row-major slice.
func windowOf[T any](full []T, width int, win Window) []T {
	ret := make([]T, 0, win.Size())
	for y := win.Y; y < win.Y+win.Height; y++ {
		ret = append(ret, full[y*width+win.X:y*width+win.X+win.Width]...)
	}
	return ret
}

// maskBands copies every band of src to dst with prof, setting to
// prof.NoData the pixels for which the mask of their strip is true.
func maskBands(lib Library, st Striper, src, dst string, info Info, prof Profile,
	mask func(win Window) ([]bool, error)) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(dst), err)
	}
	in, err := lib.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	sink, err := lib.Create(dst, prof, info.Bands)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	fail := func(err error) error {
		_ = sink.Close()
		_ = lib.Remove(dst)
		return err
	}
	for _, win := range st.Strips(info.Width, info.Height) {
		m, err := mask(win)
		if err != nil {
			return fail(err)
		}
		for b := 1; b <= info.Bands; b++ {
			data, err := in.Read(b, win)
			if err != nil {
				return fail(fmt.Errorf("read %s band %d: %w", src, b, err))
			}
			for i := range data {
				if m[i] {
					data[i] = prof.NoData
				}
			}
			if err := sink.Write(b, win, data); err != nil {
				return fail(fmt.Errorf("write %s band %d: %w", dst, b, err))
			}
		}
	}
	for b, d := range info.Descriptions {
		if d == "" {
			continue
		}
		if err := sink.SetDescription(b+1, d); err != nil {
			return fail(err)
		}
	}
	if err := sink.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	return nil
}
