// Package publish uploads final products to a bucket and catalogs them as
// STAC items.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	stac "github.com/planetlabs/go-stac"
	"github.com/tbonfort/gobs"
	"github.com/tcd-eo/hlsprep"
	"go.airbusds-geo.com/log"
	"go.uber.org/zap"
)

const stacVersion = "1.0.0"

// Store is a flat object store addressed by url.
type Store interface {
	Exists(ctx context.Context, dst string) (bool, error)
	UploadFromFile(ctx context.Context, dst, src string) error
	Write(ctx context.Context, dst string, data []byte) error
}

// An Optimizer converts a GeoTIFF to a cloud optimized GeoTIFF.
type Optimizer interface {
	COG(src, dst string) error
}

type Publisher struct {
	lib        hlsprep.Library
	store      Store
	optimizer  Optimizer
	prefix     string
	collection string
	workers    int
}

type Option func(p *Publisher) error

type ErrInvalidOption struct {
	msg string
}

func (err ErrInvalidOption) Error() string {
	return err.msg
}

func Workers(n int) Option {
	return func(p *Publisher) error {
		if n <= 0 {
			return ErrInvalidOption{"workers must be positive"}
		}
		p.workers = n
		return nil
	}
}

// WithOptimizer uploads cloud optimized copies of the products instead of the
// products themselves.
func WithOptimizer(o Optimizer) Option {
	return func(p *Publisher) error {
		if o == nil {
			return ErrInvalidOption{"nil optimizer"}
		}
		p.optimizer = o
		return nil
	}
}

// New returns a publisher storing products and items under prefix, e.g.
// gs://bucket/stacks.
func New(lib hlsprep.Library, store Store, prefix, collection string, options ...Option) (*Publisher, error) {
	if prefix == "" {
		return nil, ErrInvalidOption{"missing destination prefix"}
	}
	if collection == "" {
		return nil, ErrInvalidOption{"missing collection"}
	}
	p := &Publisher{
		lib:        lib,
		store:      store,
		prefix:     strings.TrimSuffix(prefix, "/"),
		collection: collection,
		workers:    1,
	}
	for _, o := range options {
		if err := o(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// publishable product suffixes
var suffixes = []string{hlsprep.SuffixCloudMasked, hlsprep.SuffixLandCover}

func parseProduct(path string) (hlsprep.StackKey, string, error) {
	for _, s := range suffixes {
		if k, err := hlsprep.ParseDerivedName(path, s); err == nil {
			return k, s, nil
		}
	}
	return hlsprep.StackKey{}, "", fmt.Errorf("%w: %s is not a final product", hlsprep.ErrMalformedName, filepath.Base(path))
}

// Item builds the STAC item describing the product at path, whose data is
// served from href.
func (p *Publisher) Item(path, href string) (*stac.Item, error) {
	key, suffix, err := parseProduct(path)
	if err != nil {
		return nil, err
	}
	day, err := key.Time()
	if err != nil {
		return nil, err
	}
	info, err := hlsprep.Stat(p.lib, path)
	if err != nil {
		return nil, err
	}
	fp, err := hlsprep.FootprintWGS84(p.lib, info.Grid)
	if err != nil {
		return nil, fmt.Errorf("footprint %s: %w", path, err)
	}
	b := fp.Bound()
	props := map[string]any{
		"datetime":    day.Format(time.RFC3339),
		"platform":    platform(key.Sensor),
		"hls:tile":    key.Tile,
		"hls:sensor":  string(key.Sensor),
		"hls:product": suffix,
		"bands":       info.Descriptions,
	}
	if info.HasNoData {
		props["nodata"] = info.NoData
	}
	return &stac.Item{
		Version:    stacVersion,
		Id:         strings.TrimSuffix(filepath.Base(path), ".tif"),
		Collection: p.collection,
		Geometry:   geojson.NewGeometry(orb.Polygon{fp}),
		Bbox:       []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]},
		Properties: props,
		Assets: map[string]*stac.Asset{
			"data": {
				Href:  href,
				Title: "Stack",
				Type:  "image/tiff; application=geotiff",
				Roles: []string{"data"},
			},
		},
		Links: []*stac.Link{},
	}, nil
}

func platform(s hlsprep.Sensor) string {
	if s == hlsprep.L30 {
		return "landsat"
	}
	return "sentinel-2"
}

// Publish uploads the product at path and its STAC item, skipping objects
// already present. It returns the url of the item.
func (p *Publisher) Publish(ctx context.Context, path string) (string, error) {
	base := filepath.Base(path)
	dst := p.prefix + "/" + base
	itemURL := p.prefix + "/" + strings.TrimSuffix(base, ".tif") + ".json"
	item, err := p.Item(path, dst)
	if err != nil {
		return "", err
	}

	exists, err := p.store.Exists(ctx, dst)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", dst, err)
	}
	if exists {
		log.Logger(ctx).Debug("product already published", zap.String("dst", dst))
	} else if err := p.upload(ctx, dst, path); err != nil {
		return "", err
	}

	if exists, err = p.store.Exists(ctx, itemURL); err != nil {
		return "", fmt.Errorf("stat %s: %w", itemURL, err)
	}
	if exists {
		return itemURL, nil
	}
	data, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("marshal item: %w", err)
	}
	if err := p.store.Write(ctx, itemURL, data); err != nil {
		return "", fmt.Errorf("write %s: %w", itemURL, err)
	}
	return itemURL, nil
}

func (p *Publisher) upload(ctx context.Context, dst, path string) error {
	src := path
	if p.optimizer != nil {
		src = filepath.Join(filepath.Dir(path), "."+strings.TrimSuffix(filepath.Base(path), ".tif")+".cog.tif")
		defer os.Remove(src)
		if err := p.optimizer.COG(path, src); err != nil {
			return fmt.Errorf("cog %s: %w", path, err)
		}
	}
	if err := p.store.UploadFromFile(ctx, dst, src); err != nil {
		return fmt.Errorf("upload %s: %w", dst, err)
	}
	return nil
}

// PublishAll publishes every path, continuing past failures.
func (p *Publisher) PublishAll(ctx context.Context, paths []string) ([]string, error) {
	var (
		mu    sync.Mutex
		items []string
		errs  []error
	)
	batch := gobs.NewPool(p.workers).Batch()
	for _, path := range paths {
		path := path
		batch.Submit(func() error {
			item, err := p.Publish(ctx, path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Logger(ctx).Error("publish failed", zap.String("path", path), zap.Error(err))
				errs = append(errs, err)
				return nil
			}
			items = append(items, item)
			return nil
		})
	}
	_ = batch.Wait()
	return items, errors.Join(errs...)
}
