// Package fetch downloads the HLS granules covering grid tiles.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"github.com/tcd-eo/hlsprep"
	"github.com/tcd-eo/hlsprep/internal/cmr"
	"go.airbusds-geo.com/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

// ErrUnauthenticated is returned by New when no Earthdata token is configured.
var ErrUnauthenticated = errors.New("missing earthdata token")

// FetchError is the failure of a single granule. It never aborts the batch.
type FetchError struct {
	Granule string
	URL     string
	Err     error
}

func (e *FetchError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("granule %s: %v", e.Granule, e.Err)
	}
	return fmt.Sprintf("granule %s: %s: %v", e.Granule, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Searcher is implemented by *cmr.Client.
type Searcher interface {
	Search(ctx context.Context, q cmr.Query) ([]cmr.Granule, error)
}

const (
	DefaultDelay         = 2 * time.Second
	DefaultMaxCloudCover = 10
	DefaultMaxResults    = 50000
)

type Fetcher struct {
	searcher Searcher
	token    string
	rawDir   string

	httpClient    *http.Client
	start, end    time.Time
	maxCloudCover float64
	maxResults    int
	workers       int
	limiter       *rate.Limiter
	progress      func(granule string)
}

type Option func(f *Fetcher) error

type ErrInvalidOption struct {
	msg string
}

func (err ErrInvalidOption) Error() string {
	return err.msg
}

// Period restricts the search to acquisitions between start and end.
func Period(start, end time.Time) Option {
	return func(f *Fetcher) error {
		if end.Before(start) {
			return ErrInvalidOption{"period ends before it starts"}
		}
		f.start, f.end = start, end
		return nil
	}
}

func MaxCloudCover(pct float64) Option {
	return func(f *Fetcher) error {
		if pct < 0 || pct > 100 {
			return ErrInvalidOption{"cloud cover must be in [0,100]"}
		}
		f.maxCloudCover = pct
		return nil
	}
}

func MaxResults(n int) Option {
	return func(f *Fetcher) error {
		if n <= 0 {
			return ErrInvalidOption{"max results must be positive"}
		}
		f.maxResults = n
		return nil
	}
}

// Delay is the minimum interval between two requests to the provider.
// A zero delay disables throttling.
func Delay(d time.Duration) Option {
	return func(f *Fetcher) error {
		if d < 0 {
			return ErrInvalidOption{"negative delay"}
		}
		if d == 0 {
			f.limiter = rate.NewLimiter(rate.Inf, 1)
		} else {
			f.limiter = rate.NewLimiter(rate.Every(d), 1)
		}
		return nil
	}
}

// Workers is the number of granules downloaded concurrently.
func Workers(n int) Option {
	return func(f *Fetcher) error {
		if n <= 0 {
			return ErrInvalidOption{"workers must be positive"}
		}
		f.workers = n
		return nil
	}
}

func HTTPClient(hc *http.Client) Option {
	return func(f *Fetcher) error {
		if hc == nil {
			return ErrInvalidOption{"nil http client"}
		}
		f.httpClient = hc
		return nil
	}
}

// Progress is called once per granule, whether downloaded, skipped or failed.
func Progress(fn func(granule string)) Option {
	return func(f *Fetcher) error {
		f.progress = fn
		return nil
	}
}

// New returns a Fetcher storing granules under rawDir/<tile>/<sensor>.
func New(searcher Searcher, token, rawDir string, options ...Option) (*Fetcher, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	if rawDir == "" {
		return nil, ErrInvalidOption{"missing raw directory"}
	}
	f := &Fetcher{
		searcher:      searcher,
		token:         token,
		rawDir:        rawDir,
		httpClient:    &http.Client{Timeout: 30 * time.Minute},
		start:         time.Date(2021, 7, 1, 0, 0, 0, 0, time.UTC),
		end:           time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
		maxCloudCover: DefaultMaxCloudCover,
		maxResults:    DefaultMaxResults,
		workers:       1,
		limiter:       rate.NewLimiter(rate.Every(DefaultDelay), 1),
		progress:      func(string) {},
	}
	for _, o := range options {
		if err := o(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Result summarizes the fetch of one tile for one sensor.
type Result struct {
	Tile       string
	Sensor     hlsprep.Sensor
	Found      int
	Skipped    int
	Downloaded int
	// Errors holds one *FetchError per failed granule.
	Errors []error
}

// TileDir is where the granules of tile are stored.
func (f *Fetcher) TileDir(tile string, sensor hlsprep.Sensor) string {
	return filepath.Join(f.rawDir, tile, string(sensor))
}

// tileLogger tees the context logger into the per-tile log file.
func tileLogger(ctx context.Context, dir, name string) (*zap.Logger, func(), error) {
	lf, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open tile log: %w", err)
	}
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	fc := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(lf), zap.InfoLevel)
	l := zap.New(zapcore.NewTee(log.Logger(ctx).Core(), fc))
	return l, func() { _ = l.Sync(); lf.Close() }, nil
}

// FetchTile searches and downloads every granule of sensor over tile.
// Granules with files already on disk are not downloaded again. The returned
// error is only set when the tile could not be searched at all.
func (f *Fetcher) FetchTile(ctx context.Context, tile hlsprep.Tile, sensor hlsprep.Sensor) (Result, error) {
	res := Result{Tile: tile.ID, Sensor: sensor}
	shortName, ok := cmr.ShortNames[string(sensor)]
	if !ok {
		return res, ErrInvalidOption{fmt.Sprintf("unknown sensor %q", sensor)}
	}
	dir := f.TileDir(tile.ID, sensor)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return res, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	l, closeLog, err := tileLogger(ctx, dir, fmt.Sprintf("%s_%s_log.txt", tile.ID, sensor))
	if err != nil {
		return res, err
	}
	defer closeLog()
	l = l.With(zap.String("tile", tile.ID), zap.String("sensor", string(sensor)))
	l.Info("processing started", zap.Any("bounds", tile.BBox()))

	if err := f.limiter.Wait(ctx); err != nil {
		return res, err
	}
	granules, err := f.searcher.Search(ctx, cmr.Query{
		ShortName:     shortName,
		Bound:         tile.Bound,
		Start:         f.start,
		End:           f.end,
		MaxCloudCover: f.maxCloudCover,
		MaxResults:    f.maxResults,
	})
	if err != nil {
		l.Error("search failed", zap.Error(err))
		return res, fmt.Errorf("search %s %s: %w", tile.ID, sensor, err)
	}
	res.Found = len(granules)
	l.Info("granules found", zap.Int("count", len(granules)))
	if len(granules) == 0 {
		return res, nil
	}
	if err := writeMetadata(filepath.Join(dir, fmt.Sprintf("%s_%s_metadata.csv", tile.ID, sensor)), granules); err != nil {
		return res, err
	}

	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(f.workers)
	for _, g := range granules {
		present, err := filepath.Glob(filepath.Join(dir, g.Title+"*.tif"))
		if err != nil {
			p.Wait()
			return res, fmt.Errorf("glob %s: %w", g.Title, err)
		}
		if len(present) > 0 {
			l.Debug("granule already on disk, skipping", zap.String("granule", g.Title))
			mu.Lock()
			res.Skipped++
			f.progress(g.Title)
			mu.Unlock()
			continue
		}
		g := g
		p.Go(func() {
			err := f.granule(ctx, dir, g)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				l.Error("download failed", zap.Error(err))
				res.Errors = append(res.Errors, err)
			} else {
				l.Info("downloaded", zap.String("granule", g.Title), zap.Int("files", len(g.URLs)))
				res.Downloaded++
			}
			f.progress(g.Title)
		})
	}
	p.Wait()
	l.Info("tile done", zap.Int("downloaded", res.Downloaded), zap.Int("skipped", res.Skipped),
		zap.Int("failed", len(res.Errors)))
	return res, ctx.Err()
}

func writeMetadata(name string, granules []cmr.Granule) error {
	mf, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if err := gocsv.MarshalFile(&granules, mf); err != nil {
		mf.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	return mf.Close()
}

func (f *Fetcher) granule(ctx context.Context, dir string, g cmr.Granule) error {
	if len(g.URLs) == 0 {
		return &FetchError{Granule: g.Title, Err: errors.New("no downloadable asset")}
	}
	// files are only renamed into place once every asset is downloaded, so
	// that a partial granule is never mistaken for one already on disk
	renames := map[string]string{}
	defer func() {
		for tmp := range renames {
			os.Remove(tmp)
		}
	}()
	for _, u := range g.URLs {
		if err := f.limiter.Wait(ctx); err != nil {
			return &FetchError{Granule: g.Title, URL: u, Err: err}
		}
		tmp, name, err := f.download(ctx, dir, u)
		if err != nil {
			return &FetchError{Granule: g.Title, URL: u, Err: err}
		}
		renames[tmp] = filepath.Join(dir, name)
	}
	for tmp, final := range renames {
		if err := os.Rename(tmp, final); err != nil {
			return &FetchError{Granule: g.Title, Err: err}
		}
		delete(renames, tmp)
	}
	return nil
}

// download writes u into a temporary file of dir and returns it along with
// the asset's file name.
func (f *Fetcher) download(ctx context.Context, dir, u string) (string, string, error) {
	pu, err := url.Parse(u)
	if err != nil {
		return "", "", err
	}
	name := path.Base(pu.Path)
	if name == "" || name == "/" || name == "." {
		return "", "", fmt.Errorf("cannot derive file name")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Authorization", "Bearer "+f.token)
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("status %s", resp.Status)
	}
	tmp := filepath.Join(dir, "."+uuid.New().String()+".part")
	tf, err := os.Create(tmp)
	if err != nil {
		return "", "", err
	}
	if _, err := io.Copy(tf, resp.Body); err != nil {
		tf.Close()
		os.Remove(tmp)
		return "", "", fmt.Errorf("copy: %w", err)
	}
	if err := tf.Close(); err != nil {
		os.Remove(tmp)
		return "", "", err
	}
	return tmp, name, nil
}
