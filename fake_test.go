package hlsprep

import (
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// memLib is an in-memory Library. CRSs are pure translations of WGS84 given
// by offsets. Every raster also exists as an empty file on disk so that the
// stages' directory scans find it.
type memLib struct {
	mu      sync.Mutex
	rasters map[string]*memRaster
	offsets map[string][2]float64
	warps   []warpCall
	removed []string
}

type memRaster struct {
	info  Info
	bands [][]float64
}

type warpCall struct {
	inputs []string
	output string
	opts   WarpOptions
}

const testUTM = "EPSG:32650"

func newMemLib() *memLib {
	return &memLib{
		rasters: map[string]*memRaster{},
		offsets: map[string][2]float64{
			WGS84:   {0, 0},
			testUTM: {1000, 2000},
		},
	}
}

// put registers a raster whose bands are filled by fill(band, x, y).
func (m *memLib) put(t *testing.T, path string, p Profile, nbands int, fill func(b, x, y int) float64) {
	t.Helper()
	r := &memRaster{info: Info{Profile: p, Bands: nbands, Descriptions: make([]string, nbands)}}
	for b := 0; b < nbands; b++ {
		data := make([]float64, p.Width*p.Height)
		for y := 0; y < p.Height; y++ {
			for x := 0; x < p.Width; x++ {
				data[y*p.Width+x] = fill(b+1, x, y)
			}
		}
		r.bands = append(r.bands, data)
	}
	require.NoError(t, m.commit(path, r))
}

func (m *memLib) get(t *testing.T, path string) *memRaster {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rasters[path]
	require.True(t, ok, "missing raster %s", path)
	return r
}

func (m *memLib) has(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rasters[path]
	return ok
}

func (r *memRaster) at(band, x, y int) float64 {
	return r.bands[band-1][y*r.info.Width+x]
}

func (m *memLib) commit(path string, r *memRaster) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return err
	}
	m.mu.Lock()
	m.rasters[path] = r
	m.mu.Unlock()
	return nil
}

func (m *memLib) Done(path string, bands int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rasters[path]
	if !ok {
		return false, nil
	}
	return bands <= 0 || r.info.Bands == bands, nil
}

type memSource struct {
	r *memRaster
}

func (s memSource) Info() Info {
	info := s.r.info
	info.Descriptions = append([]string(nil), info.Descriptions...)
	return info
}

func (s memSource) Read(band int, win Window) ([]float64, error) {
	if band < 1 || band > s.r.info.Bands {
		return nil, fmt.Errorf("band %d out of range", band)
	}
	if win.X < 0 || win.Y < 0 || win.X+win.Width > s.r.info.Width || win.Y+win.Height > s.r.info.Height {
		return nil, fmt.Errorf("window %v out of range", win)
	}
	out := make([]float64, 0, win.Size())
	for y := win.Y; y < win.Y+win.Height; y++ {
		row := y * s.r.info.Width
		out = append(out, s.r.bands[band-1][row+win.X:row+win.X+win.Width]...)
	}
	return out, nil
}

func (s memSource) Close() error { return nil }

func (m *memLib) Open(path string) (Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rasters[path]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", path, fs.ErrNotExist)
	}
	return memSource{r}, nil
}

type memSink struct {
	lib  *memLib
	path string
	r    *memRaster
}

func (s *memSink) Write(band int, win Window, data []float64) error {
	if len(data) != win.Size() {
		return fmt.Errorf("got %d values for window %v", len(data), win)
	}
	dst := s.r.bands[band-1]
	for y := 0; y < win.Height; y++ {
		copy(dst[(win.Y+y)*s.r.info.Width+win.X:], data[y*win.Width:(y+1)*win.Width])
	}
	return nil
}

func (s *memSink) SetDescription(band int, desc string) error {
	s.r.info.Descriptions[band-1] = desc
	return nil
}

func (s *memSink) Close() error {
	return s.lib.commit(s.path, s.r)
}

func (m *memLib) Create(path string, p Profile, bands int) (Sink, error) {
	if err := p.Grid.validate(); err != nil {
		return nil, err
	}
	r := &memRaster{info: Info{Profile: p, Bands: bands, Descriptions: make([]string, bands)}}
	for b := 0; b < bands; b++ {
		r.bands = append(r.bands, make([]float64, p.Width*p.Height))
	}
	return &memSink{lib: m, path: path, r: r}, nil
}

func (m *memLib) Transform(src, dst string, xs, ys []float64) error {
	so, ok := m.offsets[src]
	if !ok {
		return fmt.Errorf("unknown crs %s", src)
	}
	do, ok := m.offsets[dst]
	if !ok {
		return fmt.Errorf("unknown crs %s", dst)
	}
	for i := range xs {
		xs[i] += do[0] - so[0]
		ys[i] += do[1] - so[1]
	}
	return nil
}

// sample returns the nearest value of band at the given coordinates in crs.
func (m *memLib) sample(r *memRaster, band int, crs string, x, y float64) (float64, bool) {
	xs, ys := []float64{x}, []float64{y}
	if err := m.Transform(crs, r.info.CRS, xs, ys); err != nil {
		return 0, false
	}
	gt := r.info.GeoTransform
	px := int(math.Floor((xs[0] - gt[0]) / gt[1]))
	py := int(math.Floor((ys[0] - gt[3]) / gt[5]))
	if px < 0 || py < 0 || px >= r.info.Width || py >= r.info.Height {
		return 0, false
	}
	return r.at(band, px, py), true
}

func (m *memLib) Reproject(path string, onto Grid, rs Resampling) ([]float64, error) {
	m.mu.Lock()
	r, ok := m.rasters[path]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("reproject %s: %w", path, fs.ErrNotExist)
	}
	out := make([]float64, onto.Width*onto.Height)
	for y := 0; y < onto.Height; y++ {
		for x := 0; x < onto.Width; x++ {
			cx, cy := onto.PixelCenter(x, y)
			if v, ok := m.sample(r, 1, onto.CRS, cx, cy); ok {
				out[y*onto.Width+x] = v
			} else {
				out[y*onto.Width+x] = r.info.NoDataOr(0)
			}
		}
	}
	return out, nil
}

// Warp paints the inputs in order onto the output. Band i of each input goes
// to band i of the output, values equal to the source nodata are skipped.
func (m *memLib) Warp(inputs []string, output string, opts WarpOptions) error {
	m.mu.Lock()
	m.warps = append(m.warps, warpCall{inputs: append([]string(nil), inputs...), output: output, opts: opts})
	var srcs []*memRaster
	for _, in := range inputs {
		r, ok := m.rasters[in]
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("warp %s: %w", in, fs.ErrNotExist)
		}
		srcs = append(srcs, r)
	}
	m.mu.Unlock()
	first := srcs[0].info

	grid := first.Grid
	switch {
	case opts.Onto != nil:
		grid = *opts.Onto
	case opts.CRS != "" || opts.Resolution > 0:
		crs := opts.CRS
		if crs == "" {
			crs = first.CRS
		}
		ring, err := transformRing(m, first.Footprint(), first.CRS, crs)
		if err != nil {
			return err
		}
		b := ring.Bound()
		res := opts.Resolution
		if res <= 0 {
			res = first.GeoTransform[1]
		}
		grid = Grid{
			CRS:          crs,
			GeoTransform: [6]float64{b.Min[0], res, 0, b.Max[1], 0, -res},
			Width:        int(math.Ceil((b.Max[0] - b.Min[0]) / res)),
			Height:       int(math.Ceil((b.Max[1] - b.Min[1]) / res)),
		}
	}
	p := Profile{Grid: grid, DataType: first.DataType, NoData: first.NoData, HasNoData: first.HasNoData}
	if opts.DataType != Unknown {
		p.DataType = opts.DataType
	}
	if opts.DstNoData != nil {
		p.NoData, p.HasNoData = *opts.DstNoData, true
	}
	out := &memRaster{info: Info{Profile: p, Bands: first.Bands, Descriptions: append([]string(nil), first.Descriptions...)}}
	for b := 0; b < first.Bands; b++ {
		data := make([]float64, grid.Width*grid.Height)
		for i := range data {
			data[i] = p.NoDataOr(0)
		}
		out.bands = append(out.bands, data)
	}
	for _, src := range srcs {
		nd, hasnd := src.info.NoData, src.info.HasNoData
		if opts.SrcNoData != nil {
			nd, hasnd = *opts.SrcNoData, true
		}
		for b := 1; b <= src.info.Bands && b <= first.Bands; b++ {
			for y := 0; y < grid.Height; y++ {
				for x := 0; x < grid.Width; x++ {
					cx, cy := grid.PixelCenter(x, y)
					v, ok := m.sample(src, b, grid.CRS, cx, cy)
					if !ok || (hasnd && v == nd) {
						continue
					}
					out.bands[b-1][y*grid.Width+x] = v
				}
			}
		}
	}
	return m.commit(output, out)
}

func (m *memLib) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rasters[path]; !ok {
		return fmt.Errorf("remove %s: %w", path, fs.ErrNotExist)
	}
	delete(m.rasters, path)
	m.removed = append(m.removed, path)
	return os.Remove(path)
}

func (m *memLib) paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ps []string
	for p := range m.rasters {
		ps = append(ps, p)
	}
	sort.Strings(ps)
	return ps
}

// testProfile is a north-up grid of w*h 1x1 pixels with its top-left corner at x0,y0.
func testProfile(crs string, x0, y0 float64, w, h int) Profile {
	return Profile{
		Grid: Grid{
			CRS:          crs,
			GeoTransform: [6]float64{x0, 1, 0, y0, 0, -1},
			Width:        w,
			Height:       h,
		},
		DataType:  Int16,
		NoData:    -9999,
		HasNoData: true,
	}
}

// smallStriper forces multi-strip processing of tiny rasters.
func smallStriper(t *testing.T) Option {
	t.Helper()
	st, err := NewStriper(TargetPixelCount(8), BlockHeight(1))
	require.NoError(t, err)
	return WithStriper(st)
}
