package hlsprep

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.airbusds-geo.com/log"
	"go.uber.org/zap"
)

// DefaultResolution is the HLS pixel size, in meters.
const DefaultResolution = 30.0

// Resampler brings a merged auxiliary layer, typically the RADD alert mosaic
// exported in geographic coordinates, to the CRS and pixel size of the HLS
// rasters.
type Resampler struct {
	settings
	lib        Library
	resolution float64
}

func NewResampler(lib Library, resolution float64, options ...Option) (*Resampler, error) {
	if resolution <= 0 {
		return nil, ErrInvalidOption{"resolution must be >0"}
	}
	s, err := newSettings(options)
	if err != nil {
		return nil, err
	}
	return &Resampler{settings: s, lib: lib, resolution: resolution}, nil
}

// Resample warps input into the CRS of like, nearest neighbour, as Int16.
func (r *Resampler) Resample(ctx context.Context, input, like, output string) (string, error) {
	info, err := Stat(r.lib, input)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", input, err)
	}
	done, err := r.exists(output, info.Bands)
	if err != nil {
		return "", err
	}
	if done {
		log.Logger(ctx).Debug("resampled layer exists", zap.String("path", output))
		return output, nil
	}
	ref, err := Stat(r.lib, like)
	if err != nil {
		return "", fmt.Errorf("stat reference %s: %w", like, err)
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", filepath.Dir(output), err)
	}
	opts := WarpOptions{
		CRS:        ref.CRS,
		Resolution: r.resolution,
		DataType:   Int16,
		Resampling: Nearest,
	}
	if err := r.lib.Warp([]string{input}, output, opts); err != nil {
		return "", fmt.Errorf("resample %s: %w", input, err)
	}
	log.Logger(ctx).Info("resampled", zap.String("path", output), zap.Float64("resolution", r.resolution))
	return output, nil
}
