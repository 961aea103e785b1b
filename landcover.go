package hlsprep

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.airbusds-geo.com/log"
	"go.uber.org/zap"
)

// LandCoverBand describes the band appended by the LandCoverAppender.
const LandCoverBand = "landcover"

// LandCoverAppender adds a land-cover class band after the bands of a stack.
type LandCoverAppender struct {
	settings
	lib     Library
	cropper *Cropper
	outDir  string
}

// NewLandCoverAppender uses cropper to extract the land cover covering each
// stack before resampling it onto the stack grid.
func NewLandCoverAppender(lib Library, cropper *Cropper, outDir string, options ...Option) (*LandCoverAppender, error) {
	if cropper == nil {
		return nil, ErrInvalidOption{"land cover appender needs a cropper"}
	}
	s, err := newSettings(options)
	if err != nil {
		return nil, err
	}
	return &LandCoverAppender{settings: s, lib: lib, cropper: cropper, outDir: outDir}, nil
}

func (a *LandCoverAppender) OutputPath(key StackKey) string {
	return filepath.Join(a.outDir, key.Derived(SuffixLandCover))
}

// Append writes the bands of stack followed by the land cover resampled
// (nearest) to the stack grid.
func (a *LandCoverAppender) Append(ctx context.Context, stack string, key StackKey, landcover string) (string, error) {
	out := a.OutputPath(key)
	info, err := Stat(a.lib, stack)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", stack, err)
	}
	done, err := a.exists(out, info.Bands+1)
	if err != nil {
		return "", err
	}
	if done {
		log.Logger(ctx).Debug("land cover stack exists", zap.String("path", out))
		return out, nil
	}
	crop, err := a.cropper.Crop(ctx, stack, key, landcover)
	if err != nil {
		return "", err
	}
	classes, err := a.lib.Reproject(crop, info.Grid, Nearest)
	if err != nil {
		return "", fmt.Errorf("reproject %s: %w", crop, err)
	}

	if err := os.MkdirAll(a.outDir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", a.outDir, err)
	}
	src, err := a.lib.Open(stack)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", stack, err)
	}
	defer src.Close()
	sink, err := a.lib.Create(out, info.Profile, info.Bands+1)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", out, err)
	}
	fail := func(err error) (string, error) {
		_ = sink.Close()
		_ = a.lib.Remove(out)
		return "", err
	}
	for _, win := range a.striper.Strips(info.Width, info.Height) {
		for b := 1; b <= info.Bands; b++ {
			data, err := src.Read(b, win)
			if err != nil {
				return fail(fmt.Errorf("read %s band %d: %w", stack, b, err))
			}
			if err := sink.Write(b, win, data); err != nil {
				return fail(fmt.Errorf("write %s band %d: %w", out, b, err))
			}
		}
		if err := sink.Write(info.Bands+1, win, windowOf(classes, info.Width, win)); err != nil {
			return fail(fmt.Errorf("write %s land cover: %w", out, err))
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
	if err := sink.SetDescription(info.Bands+1, LandCoverBand); err != nil {
		return fail(err)
	}
	if err := sink.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", out, err)
	}
	log.Logger(ctx).Info("land cover appended", zap.String("path", out))
	return out, nil
}
