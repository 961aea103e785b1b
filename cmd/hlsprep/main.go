package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/airbusgeo/godal"
	"github.com/airbusgeo/osio"
	"github.com/airbusgeo/osio/gcs"
	"github.com/spf13/cobra"
	"github.com/tcd-eo/hlsprep"
	"github.com/tcd-eo/hlsprep/internal/config"
	"github.com/tcd-eo/hlsprep/internal/raster"
	"go.airbusds-geo.com/log"
)

var cfg config.Config
var stcl *storage.Client

var configFile string
var dotenv string
var verbose bool
var overwrite bool
var copts []string
var gdalConfig []string
var blocksize string
var numCachedBlocks int
var startTime time.Time

var rootCmd = &cobra.Command{
	Use:   "hlsprep",
	Short: "HLS forest-loss training data preparation",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		startTime = time.Now()
		if !verbose {
			os.Setenv("LOGLEVEL", "info")
			log.Structured()
		}
		var err error
		if cfg, err = config.Load(configFile, dotenv); err != nil {
			return err
		}
		if strings.HasPrefix(cfg.Publish.Bucket, "gs://") {
			if err := registerGCS(cmd.Context()); err != nil {
				return err
			}
		}
		godal.RegisterAll()
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, _ []string) {
		log.Logger(cmd.Context()).Sugar().Debugf("command %s took %.1fs",
			cmd.Name(), time.Since(startTime).Seconds())
	},
}

// registerGCS lets gdal read gs:// urls, e.g. an alert layer or a land cover
// map kept in the bucket.
func registerGCS(ctx context.Context) error {
	var err error
	if stcl, err = storage.NewClient(ctx); err != nil {
		return fmt.Errorf("storage.newclient: %w", err)
	}
	gcsh, err := gcs.Handle(ctx, gcs.GCSClient(stcl))
	if err != nil {
		return fmt.Errorf("gcs.handle: %w", err)
	}
	gcsa, err := osio.NewAdapter(gcsh, osio.BlockSize(blocksize), osio.NumCachedBlocks(numCachedBlocks))
	if err != nil {
		return fmt.Errorf("osio.new: %w", err)
	}
	if err := godal.RegisterVSIHandler("gs://", gcsa); err != nil {
		return fmt.Errorf("register osio: %w", err)
	}
	return nil
}

func library(ctx context.Context) (*raster.Library, error) {
	co := cfg.Process.CreationOptions
	if len(copts) > 0 {
		co = copts
	}
	opts := []raster.Option{raster.Logger(log.Logger(ctx))}
	if len(co) > 0 {
		opts = append(opts, raster.CreationOptions(co...))
	}
	if len(gdalConfig) > 0 {
		opts = append(opts, raster.ConfigOptions(gdalConfig...))
	}
	return raster.New(opts...)
}

func stageOptions() []hlsprep.Option {
	if overwrite {
		return []hlsprep.Option{hlsprep.Overwrite()}
	}
	return nil
}

// tiles returns the grid over the configured region, restricted to ids when
// not empty.
func tiles(ids []string) ([]hlsprep.Tile, error) {
	all, err := hlsprep.NewGrid(cfg.RegionPolygon(), cfg.TileSizeKm)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return all, nil
	}
	byID := make(map[string]hlsprep.Tile, len(all))
	for _, t := range all {
		byID[t.ID] = t
	}
	ret := make([]hlsprep.Tile, 0, len(ids))
	for _, id := range ids {
		t, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("unknown tile %s", id)
		}
		ret = append(ret, t)
	}
	return ret, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "yaml configuration file")
	rootCmd.PersistentFlags().StringVar(&dotenv, "dotenv", ".env", "file of environment variables")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&overwrite, "overwrite", false, "recompute existing outputs")
	rootCmd.PersistentFlags().StringArrayVar(&copts, "co", nil, "tif creation options, replaces the configured ones")
	rootCmd.PersistentFlags().StringArrayVar(&gdalConfig, "gdal-config", nil, "gdal configuration options")
	rootCmd.PersistentFlags().StringVar(&blocksize, "blocksize", "512k", "gs cache blocksize")
	rootCmd.PersistentFlags().IntVar(&numCachedBlocks, "numblocks", 1000, "number of gs cached blocks")
	rootCmd.AddCommand(tilesCmd, fetchCmd, stackCmd, resampleCmd, mosaicCmd, processCmd, runCmd,
		publishCmd, workflowCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
