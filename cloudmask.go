package hlsprep

import (
	"context"
	"fmt"
	"path/filepath"

	"go.airbusds-geo.com/log"
	"go.uber.org/zap"
)

// Fmask bits
const (
	CloudBit       = 1 << 1
	CloudShadowBit = 1 << 3
)

// Masked reports whether an Fmask value flags a cloud or a cloud shadow.
func Masked(flag float64) bool {
	return int64(flag)&(CloudBit|CloudShadowBit) != 0
}

// CloudMasker blanks cloudy and shadowed pixels of a stack using an Fmask
// raster aligned on the stack grid.
type CloudMasker struct {
	settings
	lib    Library
	outDir string
}

func NewCloudMasker(lib Library, outDir string, options ...Option) (*CloudMasker, error) {
	s, err := newSettings(options)
	if err != nil {
		return nil, err
	}
	return &CloudMasker{settings: s, lib: lib, outDir: outDir}, nil
}

func (m *CloudMasker) OutputPath(key StackKey) string {
	return filepath.Join(m.outDir, key.Derived(SuffixCloudMasked))
}

// Mask writes a float32 copy of stack where pixels flagged in fmask are
// nodata. ErrMissingInput is returned if fmask is absent.
func (m *CloudMasker) Mask(ctx context.Context, stack, fmask string, key StackKey) (string, error) {
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
		log.Logger(ctx).Debug("cloud mask exists", zap.String("path", out))
		return out, nil
	}
	if fmask == "" {
		return "", fmt.Errorf("fmask of %s: %w", key, ErrMissingInput)
	}
	ok, err := m.present(fmask)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("fmask %s: %w", fmask, ErrMissingInput)
	}
	flags, err := m.lib.Open(fmask)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", fmask, err)
	}
	defer flags.Close()
	finfo := flags.Info()
	if finfo.Width != info.Width || finfo.Height != info.Height {
		return "", fmt.Errorf("fmask %s is %dx%d, stack is %dx%d", fmask,
			finfo.Width, finfo.Height, info.Width, info.Height)
	}

	prof := info.Profile
	prof.DataType = Float32
	prof.NoData, prof.HasNoData = info.NoDataOr(FallbackNoData), true
	if err := maskBands(m.lib, m.striper, stack, out, info, prof, func(win Window) ([]bool, error) {
		f, err := flags.Read(1, win)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", fmask, err)
		}
		mask := make([]bool, len(f))
		for i, v := range f {
			mask[i] = Masked(v)
		}
		return mask, nil
	}); err != nil {
		return "", err
	}
	log.Logger(ctx).Info("cloud masked", zap.String("path", out))
	return out, nil
}
