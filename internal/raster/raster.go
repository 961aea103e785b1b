// Package raster implements hlsprep.Library on top of GDAL.
package raster

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/airbusgeo/godal"
	"github.com/google/uuid"
	"github.com/tcd-eo/hlsprep"
	"go.uber.org/zap"
)

// DefaultCreationOptions are used for every GeoTIFF written.
var DefaultCreationOptions = []string{"TILED=YES", "BLOCKXSIZE=256", "BLOCKYSIZE=256", "COMPRESS=LZW", "BIGTIFF=IF_SAFER"}

type Library struct {
	creationOptions []string
	configOptions   []string
	logger          *zap.Logger
}

type Option func(l *Library) error

func CreationOptions(opts ...string) Option {
	return func(l *Library) error {
		for _, o := range opts {
			k, _, ok := strings.Cut(o, "=")
			if !ok || k == "" {
				return fmt.Errorf("invalid creation option %q, expecting KEY=VALUE", o)
			}
		}
		l.creationOptions = opts
		return nil
	}
}

// ConfigOptions are GDAL configuration options (e.g. GDAL_CACHEMAX=512)
// applied to warps.
func ConfigOptions(opts ...string) Option {
	return func(l *Library) error {
		l.configOptions = opts
		return nil
	}
}

// Logger receives GDAL warnings.
func Logger(zl *zap.Logger) Option {
	return func(l *Library) error {
		l.logger = zl
		return nil
	}
}

// New returns a Library. godal.RegisterAll must have been called.
func New(options ...Option) (*Library, error) {
	l := &Library{
		creationOptions: DefaultCreationOptions,
		logger:          zap.NewNop(),
	}
	for _, o := range options {
		if err := o(l); err != nil {
			return nil, err
		}
	}
	return l, nil
}

var _ hlsprep.Library = (*Library)(nil)

func (l *Library) errLogger() godal.ErrorHandler {
	return func(ec godal.ErrorCategory, code int, msg string) error {
		if ec <= godal.CE_Warning {
			l.logger.Debug("gdal", zap.Int("code", code), zap.String("msg", msg))
			return nil
		}
		return errors.New(msg)
	}
}

func (l *Library) open(path string) (*godal.Dataset, error) {
	ds, err := godal.Open(path, godal.RasterOnly(), godal.ErrLogger(l.errLogger()))
	if err != nil {
		if _, serr := os.Stat(path); errors.Is(serr, fs.ErrNotExist) {
			return nil, fmt.Errorf("open %s: %w", path, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return ds, nil
}

func (l *Library) Open(path string) (hlsprep.Source, error) {
	ds, err := l.open(path)
	if err != nil {
		return nil, err
	}
	info, err := describe(ds)
	if err != nil {
		ds.Close()
		return nil, fmt.Errorf("describe %s: %w", path, err)
	}
	return &source{ds: ds, info: info}, nil
}

func describe(ds *godal.Dataset) (hlsprep.Info, error) {
	st := ds.Structure()
	gt, err := ds.GeoTransform()
	if err != nil {
		return hlsprep.Info{}, fmt.Errorf("geotransform: %w", err)
	}
	info := hlsprep.Info{
		Profile: hlsprep.Profile{
			Grid: hlsprep.Grid{
				CRS:          ds.Projection(),
				GeoTransform: gt,
				Width:        st.SizeX,
				Height:       st.SizeY,
			},
			DataType: fromGDAL(st.DataType),
		},
		Bands: st.NBands,
	}
	for i, b := range ds.Bands() {
		if i == 0 {
			info.NoData, info.HasNoData = b.NoData()
		}
		info.Descriptions = append(info.Descriptions, b.Description())
	}
	return info, nil
}

type source struct {
	ds   *godal.Dataset
	info hlsprep.Info
}

func (s *source) Info() hlsprep.Info {
	return s.info
}

func (s *source) Read(band int, win hlsprep.Window) ([]float64, error) {
	bands := s.ds.Bands()
	if band < 1 || band > len(bands) {
		return nil, fmt.Errorf("band %d out of range [1,%d]", band, len(bands))
	}
	buf := make([]float64, win.Size())
	if err := bands[band-1].Read(win.X, win.Y, buf, win.Width, win.Height); err != nil {
		return nil, fmt.Errorf("read band %d: %w", band, err)
	}
	return buf, nil
}

func (s *source) Close() error {
	return s.ds.Close()
}

// tmpName returns a hidden sibling of path, so that the final rename never
// crosses a filesystem boundary.
func tmpName(path string) string {
	return filepath.Join(filepath.Dir(path), "."+uuid.New().String()+"."+filepath.Base(path))
}

func (l *Library) Create(path string, p hlsprep.Profile, bands int) (hlsprep.Sink, error) {
	dt, err := toGDAL(p.DataType)
	if err != nil {
		return nil, err
	}
	tmp := tmpName(path)
	ds, err := godal.Create(godal.GTiff, tmp, bands, dt, p.Width, p.Height,
		godal.CreationOption(l.creationOptions...))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", tmp, err)
	}
	fail := func(err error) (hlsprep.Sink, error) {
		ds.Close()
		os.Remove(tmp)
		return nil, err
	}
	if err := ds.SetGeoTransform(p.GeoTransform); err != nil {
		return fail(fmt.Errorf("set geotransform: %w", err))
	}
	sr, err := spatialRef(p.CRS)
	if err != nil {
		return fail(err)
	}
	defer sr.Close()
	if err := ds.SetSpatialRef(sr); err != nil {
		return fail(fmt.Errorf("set spatial ref: %w", err))
	}
	if p.HasNoData {
		for i, b := range ds.Bands() {
			if err := b.SetNoData(p.NoData); err != nil {
				return fail(fmt.Errorf("set nodata on band %d: %w", i+1, err))
			}
		}
	}
	return &sink{ds: ds, tmp: tmp, path: path}, nil
}

type sink struct {
	ds        *godal.Dataset
	tmp, path string
	failed    bool
}

func (s *sink) Write(band int, win hlsprep.Window, data []float64) error {
	bands := s.ds.Bands()
	if band < 1 || band > len(bands) {
		s.failed = true
		return fmt.Errorf("band %d out of range [1,%d]", band, len(bands))
	}
	if len(data) != win.Size() {
		s.failed = true
		return fmt.Errorf("got %d values for a %dx%d window", len(data), win.Width, win.Height)
	}
	if err := bands[band-1].Write(win.X, win.Y, data, win.Width, win.Height); err != nil {
		s.failed = true
		return fmt.Errorf("write band %d: %w", band, err)
	}
	return nil
}

func (s *sink) SetDescription(band int, desc string) error {
	bands := s.ds.Bands()
	if band < 1 || band > len(bands) {
		return fmt.Errorf("band %d out of range [1,%d]", band, len(bands))
	}
	return bands[band-1].SetDescription(desc)
}

// Close flushes the dataset and renames it to its final path, unless a
// write failed in which case the temporary file is removed.
func (s *sink) Close() error {
	if err := s.ds.Close(); err != nil {
		os.Remove(s.tmp)
		return fmt.Errorf("close %s: %w", s.tmp, err)
	}
	if s.failed {
		os.Remove(s.tmp)
		return fmt.Errorf("%s not written", s.path)
	}
	if err := os.Rename(s.tmp, s.path); err != nil {
		os.Remove(s.tmp)
		return fmt.Errorf("rename %s: %w", s.tmp, err)
	}
	return nil
}

func (l *Library) Remove(path string) error {
	return os.Remove(path)
}

// spatialRef parses "EPSG:<code>" or WKT.
func spatialRef(crs string) (*godal.SpatialRef, error) {
	if code, ok := epsgCode(crs); ok {
		sr, err := godal.NewSpatialRefFromEPSG(code)
		if err != nil {
			return nil, fmt.Errorf("epsg %d: %w", code, err)
		}
		return sr, nil
	}
	sr, err := godal.NewSpatialRefFromWKT(crs)
	if err != nil {
		return nil, fmt.Errorf("parse crs: %w", err)
	}
	return sr, nil
}

func epsgCode(crs string) (int, bool) {
	c, ok := strings.CutPrefix(strings.ToUpper(strings.TrimSpace(crs)), "EPSG:")
	if !ok {
		return 0, false
	}
	code, err := strconv.Atoi(c)
	if err != nil || code <= 0 {
		return 0, false
	}
	return code, true
}

func (l *Library) Transform(srcCRS, dstCRS string, xs, ys []float64) error {
	if len(xs) != len(ys) {
		return fmt.Errorf("got %d x and %d y coordinates", len(xs), len(ys))
	}
	src, err := spatialRef(srcCRS)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := spatialRef(dstCRS)
	if err != nil {
		return err
	}
	defer dst.Close()
	tr, err := godal.NewTransform(src, dst)
	if err != nil {
		return fmt.Errorf("new transform: %w", err)
	}
	defer tr.Close()
	if err := tr.TransformEx(xs, ys, nil, nil); err != nil {
		return fmt.Errorf("transform: %w", err)
	}
	return nil
}
