package hlsprep

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/tbonfort/gobs"
	"go.airbusds-geo.com/log"
	"go.uber.org/zap"
)

// Layout is the directory tree shared by the pipeline stages.
type Layout struct {
	// Raw holds the downloads, as Raw/tile_*/<sensor>/<provider name>.
	Raw           string
	Stacks        string
	CroppedAlerts string
	Labeled       string
	FmaskWarped   string
	ForestMasked  string
	Final         string
	Loss          string
	// CroppedLandCover and LandCoverStacks are only used when a land-cover
	// layer is configured.
	CroppedLandCover string
	LandCoverStacks  string
}

// DefaultLayout returns the numbered layout used for the Borneo dataset.
func DefaultLayout(base string) Layout {
	return Layout{
		Raw:              filepath.Join(base, "hls"),
		Stacks:           filepath.Join(base, "2.stacks"),
		CroppedAlerts:    filepath.Join(base, "3.radd_alerts", "3.cropped_radd_alerts"),
		Labeled:          filepath.Join(base, "6.stacks_radd"),
		ForestMasked:     filepath.Join(base, "7.stacks_radd_forest"),
		FmaskWarped:      filepath.Join(base, "8.1.fmaskwarped"),
		Final:            filepath.Join(base, "8.2.stacks_radd_forest_fmask"),
		Loss:             filepath.Join(base, "hansen_treecover"),
		CroppedLandCover: filepath.Join(base, "cropped_land_cover"),
		LandCoverStacks:  filepath.Join(base, "stacks_landcover"),
	}
}

type PipelineConfig struct {
	Layout
	Sensors []SensorConfig
	// Alerts is the alert layer cropped onto every stack, usually the
	// output of the Resampler.
	Alerts string
	// LandCover is optional.
	LandCover     string
	ReferenceYear int
	CropNoData    float64
	// FmaskNoData is the fill value of the HLS quality flags.
	FmaskNoData float64
	Workers     int
}

// DefaultPipelineConfig returns the settings of the Borneo dataset, rooted at base.
func DefaultPipelineConfig(base string) PipelineConfig {
	return PipelineConfig{
		Layout:        DefaultLayout(base),
		Sensors:       DefaultSensors(),
		Alerts:        filepath.Join(base, "3.radd_alerts", "resampled_radd_alerts_int16_30m.tif"),
		ReferenceYear: DefaultReferenceYear,
		CropNoData:    DefaultCropNoData,
		FmaskNoData:   255,
		Workers:       1,
	}
}

// Stage identifies the last state reached by a stack.
type Stage int

const (
	StageNone Stage = iota
	StageAssembled
	StageCropped
	StageReordered
	StageLabeled
	StageForestMasked
	StageCloudMasked
	StageLandCover
)

func (s Stage) String() string {
	switch s {
	case StageAssembled:
		return "assembled"
	case StageCropped:
		return "cropped"
	case StageReordered:
		return "reordered"
	case StageLabeled:
		return "labeled"
	case StageForestMasked:
		return "forest_masked"
	case StageCloudMasked:
		return "cloud_masked"
	case StageLandCover:
		return "landcover"
	}
	return "none"
}

// Outcome is the result of driving one stack through the pipeline.
type Outcome struct {
	Key StackKey
	// Reached is the last stage whose output exists.
	Reached Stage
	// Output is the path of the output of Reached.
	Output string
	// Err is nil on completion, a skip condition (see Skipped) or a failure.
	Err error
}

// Report aggregates the outcomes of a run.
type Report struct {
	mu       sync.Mutex
	Outcomes []Outcome
}

func (r *Report) add(o Outcome) {
	r.mu.Lock()
	r.Outcomes = append(r.Outcomes, o)
	r.mu.Unlock()
}

// Counts returns the number of completed, skipped and failed stacks.
func (r *Report) Counts() (completed, skipped, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.Outcomes {
		switch {
		case o.Err == nil:
			completed++
		case Skipped(o.Err):
			skipped++
		default:
			failed++
		}
	}
	return
}

// Err returns an error summarizing the failures, or nil.
func (r *Report) Err() error {
	_, _, failed := r.Counts()
	if failed == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, o := range r.Outcomes {
		if o.Err != nil && !Skipped(o.Err) {
			errs = append(errs, fmt.Errorf("%s: %w", o.Key, o.Err))
		}
	}
	return fmt.Errorf("%d stacks failed: %w", failed, errors.Join(errs...))
}

// Completed returns the final outputs of the completed stacks.
func (r *Report) Completed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ret []string
	for _, o := range r.Outcomes {
		if o.Err == nil {
			ret = append(ret, o.Output)
		}
	}
	return ret
}

// Pipeline drives every stack through
// assembled → cropped → reordered → labeled → forest masked → cloud masked.
// Every stage skips work whose output already exists, so a run can be
// interrupted and restarted at will.
type Pipeline struct {
	lib Library
	cfg PipelineConfig

	assemblers []*Assembler
	cropper    *Cropper
	merger     *Merger
	forest     *ForestLossMasker
	clouds     *CloudMasker
	reorderers map[Sensor]*Reorderer
	landcover  *LandCoverAppender
}

func NewPipeline(lib Library, cfg PipelineConfig, options ...Option) (*Pipeline, error) {
	if len(cfg.Sensors) == 0 {
		return nil, ErrInvalidOption{"no sensor configured"}
	}
	if cfg.Alerts == "" {
		return nil, ErrInvalidOption{"no alert layer configured"}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	p := &Pipeline{lib: lib, cfg: cfg, reorderers: map[Sensor]*Reorderer{}}
	var err error
	for _, s := range cfg.Sensors {
		a, err := NewAssembler(lib, s, cfg.Raw, cfg.Stacks, options...)
		if err != nil {
			return nil, fmt.Errorf("assembler %s: %w", s.Name, err)
		}
		p.assemblers = append(p.assemblers, a)
		if p.reorderers[s.Name], err = NewReorderer(lib, cfg.Stacks, s.Bands, options...); err != nil {
			return nil, err
		}
	}
	if p.cropper, err = NewCropper(lib, cfg.CroppedAlerts, cfg.CropNoData, options...); err != nil {
		return nil, err
	}
	if p.merger, err = NewMerger(lib, options...); err != nil {
		return nil, err
	}
	if p.forest, err = NewForestLossMasker(lib, cfg.Loss, cfg.ForestMasked, cfg.ReferenceYear, options...); err != nil {
		return nil, err
	}
	if p.clouds, err = NewCloudMasker(lib, cfg.Final, options...); err != nil {
		return nil, err
	}
	if cfg.LandCover != "" {
		lcCropper, err := NewCropper(lib, cfg.CroppedLandCover, cfg.CropNoData, options...)
		if err != nil {
			return nil, err
		}
		if p.landcover, err = NewLandCoverAppender(lib, lcCropper, cfg.LandCoverStacks, options...); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Run processes every acquisition found in the raw directory. Per-stack
// failures are recorded in the report and do not stop the other stacks;
// only a cancelled context or an unreadable raw directory abort the run.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	report := &Report{}
	pool := gobs.NewPool(p.cfg.Workers)
	batch := pool.Batch()
	for _, a := range p.assemblers {
		groups, err := a.Groups(ctx)
		if err != nil {
			return report, fmt.Errorf("scan %s: %w", a.Sensor().Name, err)
		}
		log.Logger(ctx).Info("acquisitions found", zap.String("sensor", string(a.Sensor().Name)),
			zap.Int("count", len(groups)))
		for _, g := range groups {
			if err := ctx.Err(); err != nil {
				_ = batch.Wait()
				return report, err
			}
			a, g := a, g
			batch.Submit(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				report.add(p.Process(ctx, a, g))
				return nil
			})
		}
	}
	if err := batch.Wait(); err != nil {
		return report, err
	}
	completed, skipped, failed := report.Counts()
	log.Logger(ctx).Info("pipeline done", zap.Int("completed", completed),
		zap.Int("skipped", skipped), zap.Int("failed", failed))
	return report, nil
}

// Process drives a single acquisition as far as its inputs allow.
func (p *Pipeline) Process(ctx context.Context, a *Assembler, g Group) Outcome {
	st := time.Now()
	l := log.Logger(ctx).With(zap.String("stack", g.Key.String()))
	o := p.process(ctx, a, g)
	switch {
	case o.Err == nil:
		l.Info("stack processed", zap.String("output", o.Output), zap.Duration("took", time.Since(st)))
	case Skipped(o.Err):
		l.Info("stack skipped", zap.Stringer("reached", o.Reached), zap.Error(o.Err))
	default:
		l.Error("stack failed", zap.Stringer("reached", o.Reached), zap.Error(o.Err))
	}
	return o
}

func (p *Pipeline) process(ctx context.Context, a *Assembler, g Group) Outcome {
	o := Outcome{Key: g.Key}
	step := func(stage Stage, path string, err error) bool {
		if err != nil {
			o.Err = fmt.Errorf("%s: %w", stage, err)
			return false
		}
		o.Reached, o.Output = stage, path
		return true
	}

	// a rerun skips straight to the forest mask once the labeled stack exists
	labeled := filepath.Join(p.cfg.Labeled, g.Key.Derived(SuffixLabeled))
	done, err := p.cropper.exists(labeled, 0)
	if err != nil {
		o.Err = err
		return o
	}
	if done {
		o.Reached, o.Output = StageLabeled, labeled
	} else {
		stack, err := a.Assemble(ctx, g)
		if !step(StageAssembled, stack, err) {
			return o
		}
		crop, err := p.cropper.Crop(ctx, stack, g.Key, p.cfg.Alerts)
		if !step(StageCropped, crop, err) {
			return o
		}
		reordered, err := p.reorderers[g.Key.Sensor].Reorder(ctx, stack, g.Key)
		if !step(StageReordered, reordered, err) {
			return o
		}
		info, err := Stat(p.lib, reordered)
		if err != nil {
			o.Err = fmt.Errorf("stat %s: %w", reordered, err)
			return o
		}
		labeled, err = p.merger.Merge(ctx, []string{reordered, crop}, labeled,
			OntoGrid(info.Grid), Consume(reordered))
		if !step(StageLabeled, labeled, err) {
			return o
		}
	}

	masked, err := p.forest.Mask(ctx, labeled, g.Key)
	if !step(StageForestMasked, masked, err) {
		return o
	}

	fmask := ""
	if g.Fmask != "" {
		info, err := Stat(p.lib, masked)
		if err != nil {
			o.Err = fmt.Errorf("stat %s: %w", masked, err)
			return o
		}
		fmask, err = p.merger.Merge(ctx, []string{g.Fmask},
			filepath.Join(p.cfg.FmaskWarped, g.Key.Derived(SuffixFmaskWarped)),
			OntoGrid(info.Grid), SrcNoData(p.cfg.FmaskNoData), DstNoData(p.cfg.FmaskNoData))
		if err != nil {
			o.Err = fmt.Errorf("warp fmask: %w", err)
			return o
		}
	}
	final, err := p.clouds.Mask(ctx, masked, fmask, g.Key)
	if !step(StageCloudMasked, final, err) {
		return o
	}

	if p.landcover != nil {
		lc, err := p.landcover.Append(ctx, final, g.Key, p.cfg.LandCover)
		if !step(StageLandCover, lc, err) {
			return o
		}
	}
	return o
}
