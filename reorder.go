package hlsprep

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.airbusds-geo.com/log"
	"go.uber.org/zap"
)

// Names of the two label bands prepended to every stack.
const (
	AlertBand = "alert"
	DateBand  = "date"
)

// Reorderer prepends two zero-filled label bands to a stack, so that a 2-band
// alert crop can later be warped onto its first two bands.
type Reorderer struct {
	settings
	lib    Library
	outDir string
	bands  []string
}

// NewReorderer creates a Reorderer describing the spectral bands with the
// given names. Bands beyond the list are described "Band <i>".
func NewReorderer(lib Library, outDir string, bands []string, options ...Option) (*Reorderer, error) {
	s, err := newSettings(options)
	if err != nil {
		return nil, err
	}
	return &Reorderer{settings: s, lib: lib, outDir: outDir, bands: bands}, nil
}

func (r *Reorderer) OutputPath(key StackKey) string {
	return filepath.Join(r.outDir, key.Derived(SuffixReordered))
}

func (r *Reorderer) Reorder(ctx context.Context, stack string, key StackKey) (string, error) {
	out := r.OutputPath(key)
	info, err := Stat(r.lib, stack)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", stack, err)
	}
	nbands := info.Bands + 2
	done, err := r.exists(out, nbands)
	if err != nil {
		return "", err
	}
	if done {
		log.Logger(ctx).Debug("reordered stack exists", zap.String("path", out))
		return out, nil
	}
	if err := os.MkdirAll(r.outDir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", r.outDir, err)
	}
	src, err := r.lib.Open(stack)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", stack, err)
	}
	defer src.Close()
	sink, err := r.lib.Create(out, info.Profile, nbands)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", out, err)
	}
	if err := r.copyShifted(src, sink, info); err != nil {
		_ = sink.Close()
		_ = r.lib.Remove(out)
		return "", fmt.Errorf("reorder %s: %w", stack, err)
	}
	if err := sink.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", out, err)
	}
	log.Logger(ctx).Info("reordered", zap.String("path", out))
	return out, nil
}

func (r *Reorderer) copyShifted(src Source, sink Sink, info Info) error {
	for _, win := range r.striper.Strips(info.Width, info.Height) {
		zeros := make([]float64, win.Size())
		if err := sink.Write(1, win, zeros); err != nil {
			return err
		}
		if err := sink.Write(2, win, zeros); err != nil {
			return err
		}
		for b := 1; b <= info.Bands; b++ {
			data, err := src.Read(b, win)
			if err != nil {
				return fmt.Errorf("read band %d: %w", b, err)
			}
			if err := sink.Write(b+2, win, data); err != nil {
				return fmt.Errorf("write band %d: %w", b+2, err)
			}
		}
	}
	if err := sink.SetDescription(1, AlertBand); err != nil {
		return err
	}
	if err := sink.SetDescription(2, DateBand); err != nil {
		return err
	}
	for b := 1; b <= info.Bands; b++ {
		if err := sink.SetDescription(b+2, r.bandName(b)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reorderer) bandName(b int) string {
	if b <= len(r.bands) && r.bands[b-1] != "" {
		return r.bands[b-1]
	}
	return fmt.Sprintf("Band %d", b)
}
