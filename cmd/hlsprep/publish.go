package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/tcd-eo/hlsprep/internal/publish"
	"go.airbusds-geo.com/log"
	"go.uber.org/zap"
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "upload final stacks and their STAC items to the configured bucket",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPublish(cmd)
	},
}

func runPublish(cmd *cobra.Command) error {
	ctx := cmd.Context()
	if stcl == nil {
		return fmt.Errorf("publish needs a gs:// bucket, got %q", cfg.Publish.Bucket)
	}
	pc := cfg.Pipeline()
	var products []string
	for _, pattern := range []string{
		filepath.Join(pc.Final, "*.tif"),
		filepath.Join(pc.LandCoverStacks, "*.tif"),
	} {
		m, err := filepath.Glob(pattern)
		if err != nil {
			return err
		}
		products = append(products, m...)
	}
	lib, err := library(ctx)
	if err != nil {
		return err
	}
	store, err := publish.NewGCS(ctx, stcl)
	if err != nil {
		return err
	}
	opts := []publish.Option{publish.Workers(cfg.Process.Workers)}
	if cfg.Publish.COG {
		opts = append(opts, publish.WithOptimizer(lib))
	}
	p, err := publish.New(lib, store, cfg.Publish.Bucket, cfg.Publish.Collection, opts...)
	if err != nil {
		return err
	}
	items, err := p.PublishAll(ctx, products)
	log.Logger(ctx).Info("published", zap.Int("items", len(items)), zap.Int("products", len(products)))
	return err
}
