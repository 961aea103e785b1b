package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
	"github.com/tcd-eo/hlsprep"
	"go.airbusds-geo.com/log"
	"go.uber.org/zap"
)

var sensorFilter []string
var likeRaster string
var srcNoData, dstNoData float64
var mergeSwitches string

func restrictSensors() {
	if len(sensorFilter) > 0 {
		cfg.Fetch.Sensors = sensorFilter
	}
}

var stackCmd = &cobra.Command{
	Use:   "stack",
	Short: "assemble downloaded bands into per-acquisition stacks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		restrictSensors()
		if _, err := cfg.Sensors(); err != nil {
			return err
		}
		lib, err := library(ctx)
		if err != nil {
			return err
		}
		pc := cfg.Pipeline()
		var errs []error
		for _, s := range pc.Sensors {
			a, err := hlsprep.NewAssembler(lib, s, pc.Raw, pc.Stacks, stageOptions()...)
			if err != nil {
				return err
			}
			groups, err := a.Groups(ctx)
			if err != nil {
				return err
			}
			for _, g := range groups {
				if err := ctx.Err(); err != nil {
					return err
				}
				_, err := a.Assemble(ctx, g)
				switch {
				case err == nil:
				case hlsprep.Skipped(err):
					log.Logger(ctx).Info("stack skipped", zap.String("stack", g.Key.String()), zap.Error(err))
				default:
					log.Logger(ctx).Error("assemble failed", zap.String("stack", g.Key.String()), zap.Error(err))
					errs = append(errs, err)
				}
			}
		}
		return errors.Join(errs...)
	},
}

var resampleCmd = &cobra.Command{
	Use:   "resample-alerts",
	Short: "merge the downloaded alert chunks and bring them to the HLS grid",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		lib, err := library(ctx)
		if err != nil {
			return err
		}
		chunks, err := filepath.Glob(filepath.Join(cfg.AlertChunks(), "*.tif"))
		if err != nil {
			return err
		}
		if len(chunks) == 0 {
			return fmt.Errorf("%w: no alert chunk in %s", hlsprep.ErrMissingInput, cfg.AlertChunks())
		}
		sort.Strings(chunks)
		m, err := hlsprep.NewMerger(lib, stageOptions()...)
		if err != nil {
			return err
		}
		merged, err := m.Merge(ctx, chunks, cfg.MergedAlerts(), hlsprep.SrcNoData(0), hlsprep.DstNoData(0))
		if err != nil {
			return err
		}
		r, err := hlsprep.NewResampler(lib, cfg.Process.Resolution, stageOptions()...)
		if err != nil {
			return err
		}
		out, err := r.Resample(ctx, merged, likeRaster, cfg.Pipeline().Alerts)
		if err != nil {
			return err
		}
		log.Logger(ctx).Info("alerts resampled", zap.String("output", out))
		return nil
	},
}

var mosaicCmd = &cobra.Command{
	Use:   "mosaic output input [input...]",
	Short: "warp several rasters into one",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		lib, err := library(ctx)
		if err != nil {
			return err
		}
		m, err := hlsprep.NewMerger(lib, stageOptions()...)
		if err != nil {
			return err
		}
		var opts []hlsprep.MergeOption
		if cmd.Flags().Changed("srcnodata") {
			opts = append(opts, hlsprep.SrcNoData(srcNoData))
		}
		if cmd.Flags().Changed("dstnodata") {
			opts = append(opts, hlsprep.DstNoData(dstNoData))
		}
		if mergeSwitches != "" {
			opts = append(opts, hlsprep.Switches(mergeSwitches))
		}
		_, err = m.Merge(ctx, args[1:], args[0], opts...)
		return err
	},
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "drive every downloaded acquisition through the processing chain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		restrictSensors()
		return runPipeline(cmd)
	},
}

func runPipeline(cmd *cobra.Command) error {
	ctx := cmd.Context()
	if _, err := cfg.Sensors(); err != nil {
		return err
	}
	lib, err := library(ctx)
	if err != nil {
		return err
	}
	p, err := hlsprep.NewPipeline(lib, cfg.Pipeline(), stageOptions()...)
	if err != nil {
		return err
	}
	report, err := p.Run(ctx)
	if err != nil {
		return err
	}
	return report.Err()
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "fetch, process and, if a bucket is configured, publish",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := runFetch(cmd); err != nil {
			// failed downloads are retried by the next run
			if !errors.Is(err, errIncomplete) {
				return err
			}
			log.Logger(cmd.Context()).Warn("fetch incomplete", zap.Error(err))
		}
		if err := runPipeline(cmd); err != nil {
			return err
		}
		if cfg.Publish.Bucket == "" {
			return nil
		}
		return runPublish(cmd)
	},
}

func init() {
	stackCmd.Flags().StringArrayVar(&sensorFilter, "sensor", nil, "only process this sensor (repeatable)")
	processCmd.Flags().StringArrayVar(&sensorFilter, "sensor", nil, "only process this sensor (repeatable)")

	resampleCmd.Flags().StringVar(&likeRaster, "like", "", "HLS raster whose CRS the alerts are warped to")
	resampleCmd.MarkFlagRequired("like")

	mosaicCmd.Flags().Float64Var(&srcNoData, "srcnodata", 0, "input nodata value")
	mosaicCmd.Flags().Float64Var(&dstNoData, "dstnodata", 0, "output nodata value")
	mosaicCmd.Flags().StringVar(&mergeSwitches, "switches", "", "extra gdalwarp switches")
}
