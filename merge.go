package hlsprep

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	shellwords "github.com/mattn/go-shellwords"
	"go.airbusds-geo.com/log"
	"go.uber.org/zap"
)

// Merger warps several rasters onto one output. The warp takes its band
// layout from its first input, so inputs are ordered by decreasing band count
// and the smaller ones end up painted over the first bands of the largest.
type Merger struct {
	settings
	lib Library
}

func NewMerger(lib Library, options ...Option) (*Merger, error) {
	s, err := newSettings(options)
	if err != nil {
		return nil, err
	}
	return &Merger{settings: s, lib: lib}, nil
}

type mergeRequest struct {
	opts    WarpOptions
	consume []string
}

type MergeOption func(m *mergeRequest) error

func SrcNoData(v float64) MergeOption {
	return func(m *mergeRequest) error {
		m.opts.SrcNoData = &v
		return nil
	}
}

func DstNoData(v float64) MergeOption {
	return func(m *mergeRequest) error {
		m.opts.DstNoData = &v
		return nil
	}
}

// OntoGrid forces the output grid, e.g. to align a flag raster on a stack.
func OntoGrid(g Grid) MergeOption {
	return func(m *mergeRequest) error {
		if err := g.validate(); err != nil {
			return ErrInvalidOption{fmt.Sprintf("target grid: %v", err)}
		}
		m.opts.Onto = &g
		return nil
	}
}

// WithResampling sets the warp kernel, nearest by default.
func WithResampling(rs Resampling) MergeOption {
	return func(m *mergeRequest) error {
		m.opts.Resampling = rs
		return nil
	}
}

// Switches adds gdalwarp switches, given as a single shell-quoted string.
// Switches controlling what the merger sets itself are refused.
func Switches(switches string) MergeOption {
	return func(m *mergeRequest) error {
		sw, err := shellwords.Parse(switches)
		if err != nil {
			return ErrInvalidOption{fmt.Sprintf("invalid switches %q: %v", switches, err)}
		}
		if err := checkSwitches(sw); err != nil {
			return err
		}
		m.opts.Switches = append(m.opts.Switches, sw...)
		return nil
	}
}

// Consume removes the given intermediate files once the merge succeeded.
func Consume(paths ...string) MergeOption {
	return func(m *mergeRequest) error {
		m.consume = append(m.consume, paths...)
		return nil
	}
}

func checkSwitches(sw []string) error {
	for _, s := range sw {
		switch s {
		case "-of", "-te", "-ts", "-tr", "-t_srs", "-srcnodata", "-dstnodata", "-r", "-ot", "-overwrite":
			return ErrInvalidOption{fmt.Sprintf("%s switch not allowed, use the corresponding merge option", s)}
		}
	}
	return nil
}

// orderByBandCount sorts inputs by decreasing band count, keeping the given
// order among inputs with the same count.
func orderByBandCount(inputs []string, infos []Info) []string {
	idx := make([]int, len(inputs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return infos[idx[i]].Bands > infos[idx[j]].Bands
	})
	ordered := make([]string, len(inputs))
	for i, k := range idx {
		ordered[i] = inputs[k]
	}
	return ordered
}

// Merge warps inputs onto output. It returns the existing output untouched if
// one is present, and ErrMissingInput if an input is absent.
func (m *Merger) Merge(ctx context.Context, inputs []string, output string, options ...MergeOption) (string, error) {
	if len(inputs) == 0 {
		return "", fmt.Errorf("merge %s: no inputs: %w", output, ErrMissingInput)
	}
	req := mergeRequest{opts: WarpOptions{Resampling: Nearest}}
	for _, o := range options {
		if err := o(&req); err != nil {
			return "", err
		}
	}
	// consumed intermediates are gone on reruns, so the output is looked
	// for before the inputs
	done, err := m.exists(output, 0)
	if err != nil {
		return "", err
	}
	if done {
		log.Logger(ctx).Debug("merge exists", zap.String("path", output))
		return output, m.consume(ctx, req.consume)
	}
	infos := make([]Info, len(inputs))
	for i, in := range inputs {
		ok, err := m.present(in)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("merge %s: %s: %w", output, in, ErrMissingInput)
		}
		if infos[i], err = Stat(m.lib, in); err != nil {
			return "", fmt.Errorf("stat %s: %w", in, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", filepath.Dir(output), err)
	}
	ordered := orderByBandCount(inputs, infos)
	if err := m.lib.Warp(ordered, output, req.opts); err != nil {
		return "", fmt.Errorf("warp %v: %w", ordered, err)
	}
	log.Logger(ctx).Info("merged", zap.Strings("inputs", ordered), zap.String("path", output))
	return output, m.consume(ctx, req.consume)
}

func (m *Merger) consume(ctx context.Context, paths []string) error {
	for _, p := range paths {
		if err := m.lib.Remove(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("remove %s: %w", p, err)
		}
		log.Logger(ctx).Debug("removed intermediate", zap.String("path", p))
	}
	return nil
}
