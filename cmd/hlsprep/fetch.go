package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/tcd-eo/hlsprep"
	"github.com/tcd-eo/hlsprep/internal/cmr"
	"github.com/tcd-eo/hlsprep/internal/fetch"
	"go.airbusds-geo.com/log"
	"go.uber.org/zap"
)

var errIncomplete = errors.New("incomplete fetch")

var tileIDs []string
var tilesOutput string
var noProgress bool

var tilesCmd = &cobra.Command{
	Use:   "tiles",
	Short: "write the download grid as geojson",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tt, err := tiles(nil)
		if err != nil {
			return err
		}
		b, err := hlsprep.TilesGeoJSON(tt)
		if err != nil {
			return err
		}
		out := tilesOutput
		if out == "" {
			out = filepath.Join(cfg.Base, "tiles.geojson")
		}
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(out, b, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", out, err)
		}
		log.Logger(cmd.Context()).Info("grid written", zap.String("path", out), zap.Int("tiles", len(tt)))
		return nil
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "search and download HLS granules for every tile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFetch(cmd)
	},
}

func runFetch(cmd *cobra.Command) error {
	ctx := cmd.Context()
	tt, err := tiles(tileIDs)
	if err != nil {
		return err
	}
	sensors, err := cfg.Sensors()
	if err != nil {
		return err
	}
	start, end, err := cfg.Period()
	if err != nil {
		return err
	}
	client, err := cmr.NewClient(cmr.BaseURL(cfg.Fetch.CMRURL))
	if err != nil {
		return err
	}
	opts := []fetch.Option{
		fetch.Period(start, end),
		fetch.MaxCloudCover(cfg.Fetch.MaxCloudCover),
		fetch.MaxResults(cfg.Fetch.MaxResults),
		fetch.Delay(cfg.Fetch.Delay),
		fetch.Workers(cfg.Fetch.Workers),
	}
	if !noProgress {
		bar := progressbar.Default(-1, "granules")
		defer bar.Finish()
		opts = append(opts, fetch.Progress(func(string) { _ = bar.Add(1) }))
	}
	f, err := fetch.New(client, cfg.Token, cfg.Pipeline().Raw, opts...)
	if err != nil {
		return err
	}
	summary, err := f.Run(ctx, tt, sensors)
	if err != nil {
		return err
	}
	if n := summary.Failed(); n > 0 {
		return fmt.Errorf("%w: %d downloads failed, see %s", errIncomplete, n, filepath.Join(cfg.Pipeline().Raw, fetch.SummaryFile))
	}
	return nil
}

func init() {
	tilesCmd.Flags().StringVar(&tilesOutput, "output", "", "geojson file, defaults to <base>/tiles.geojson")

	fetchCmd.Flags().StringArrayVar(&tileIDs, "tile", nil, "only fetch this tile (repeatable)")
	fetchCmd.Flags().BoolVar(&noProgress, "no-progress", false, "disable the progress bar")
}
