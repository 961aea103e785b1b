package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcd-eo/hlsprep"
	"github.com/tcd-eo/hlsprep/internal/cmr"
)

type searcher struct {
	granules []cmr.Granule
	err      error
	queries  []cmr.Query
}

func (s *searcher) Search(ctx context.Context, q cmr.Query) ([]cmr.Granule, error) {
	s.queries = append(s.queries, q)
	return s.granules, s.err
}

func assetServer(t *testing.T) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if strings.Contains(r.URL.Path, "missing") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func testTile() hlsprep.Tile {
	return hlsprep.Tile{ID: "tile_x0_y0", Bound: orb.Bound{Min: orb.Point{113.4, -2.1}, Max: orb.Point{113.7, -1.7}}}
}

func TestFetchTile(t *testing.T) {
	srv, hits := assetServer(t)
	raw := t.TempDir()
	s := &searcher{granules: []cmr.Granule{
		{ID: "G1", Title: "HLS.S30.T50NKK.2021185T023549.v2.0", URLs: []string{
			srv.URL + "/HLS.S30.T50NKK.2021185T023549.v2.0.B02.tif",
			srv.URL + "/HLS.S30.T50NKK.2021185T023549.v2.0.Fmask.tif",
		}},
		{ID: "G2", Title: "HLS.S30.T50NKK.2021190T023549.v2.0", URLs: []string{
			srv.URL + "/HLS.S30.T50NKK.2021190T023549.v2.0.B02.tif",
			srv.URL + "/missing/HLS.S30.T50NKK.2021190T023549.v2.0.B03.tif",
		}},
		{ID: "G3", Title: "HLS.S30.T50NKK.2021195T023549.v2.0", URLs: []string{
			srv.URL + "/HLS.S30.T50NKK.2021195T023549.v2.0.B02.tif",
		}},
		{ID: "G4", Title: "HLS.S30.T50NKK.2021200T023549.v2.0"},
	}}
	dir := filepath.Join(raw, "tile_x0_y0", "S30")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "HLS.S30.T50NKK.2021195T023549.v2.0.B04.tif"), nil, 0o644))

	var progress int32
	f, err := New(s, "secret", raw, Delay(0), Workers(2),
		Progress(func(string) { atomic.AddInt32(&progress, 1) }))
	require.NoError(t, err)
	res, err := f.FetchTile(context.Background(), testTile(), hlsprep.S30)
	require.NoError(t, err)

	require.Len(t, s.queries, 1)
	assert.Equal(t, "HLSS30", s.queries[0].ShortName)
	assert.Equal(t, 10.0, s.queries[0].MaxCloudCover)
	assert.Equal(t, 4, res.Found)
	assert.Equal(t, 1, res.Downloaded)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, int32(4), progress)
	for _, err := range res.Errors {
		var fe *FetchError
		assert.True(t, errors.As(err, &fe))
	}

	b, err := os.ReadFile(filepath.Join(dir, "HLS.S30.T50NKK.2021185T023549.v2.0.Fmask.tif"))
	require.NoError(t, err)
	assert.Equal(t, "/HLS.S30.T50NKK.2021185T023549.v2.0.Fmask.tif", string(b))
	// the partial granule left nothing behind
	partial, _ := filepath.Glob(filepath.Join(dir, "HLS.S30.T50NKK.2021190T023549*"))
	assert.Empty(t, partial)
	tmps, _ := filepath.Glob(filepath.Join(dir, ".*.part"))
	assert.Empty(t, tmps)

	md, err := os.ReadFile(filepath.Join(dir, "tile_x0_y0_S30_metadata.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(md)), "\n")
	assert.Len(t, lines, 5)
	assert.True(t, strings.HasPrefix(lines[0], "id,title,time_start,cloud_cover,collection_id"))
	logf, err := os.ReadFile(filepath.Join(dir, "tile_x0_y0_S30_log.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(logf), "granules found")

	// a rerun only downloads the failed granule again
	before := atomic.LoadInt32(hits)
	res, err = f.FetchTile(context.Background(), testTile(), hlsprep.S30)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 0, res.Downloaded)
	assert.Len(t, res.Errors, 2)
	assert.Equal(t, before+2, atomic.LoadInt32(hits))
}

func TestFetchUnauthorized(t *testing.T) {
	srv, _ := assetServer(t)
	s := &searcher{granules: []cmr.Granule{
		{Title: "HLS.L30.T50NKK.2021185T023549.v2.0", URLs: []string{srv.URL + "/HLS.L30.T50NKK.2021185T023549.v2.0.B02.tif"}},
	}}
	f, err := New(s, "wrong", t.TempDir(), Delay(0))
	require.NoError(t, err)
	res, err := f.FetchTile(context.Background(), testTile(), hlsprep.L30)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error(), "401")

	_, err = New(s, "", t.TempDir())
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestRun(t *testing.T) {
	raw := t.TempDir()
	s := &searcher{err: errors.New("cmr unavailable")}
	f, err := New(s, "secret", raw, Delay(0))
	require.NoError(t, err)
	sum, err := f.Run(context.Background(), []hlsprep.Tile{testTile()}, []hlsprep.Sensor{hlsprep.L30, hlsprep.S30})
	require.NoError(t, err)
	assert.NotEmpty(t, sum.RunID)
	assert.Len(t, sum.Results, 2)
	assert.Len(t, sum.SearchErrors, 2)
	assert.Equal(t, 2, sum.Failed())
	b, err := os.ReadFile(filepath.Join(raw, SummaryFile))
	require.NoError(t, err)
	assert.Contains(t, string(b), sum.RunID)
	assert.Contains(t, string(b), "with 2 failures")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Run(ctx, []hlsprep.Tile{testTile()}, []hlsprep.Sensor{hlsprep.S30})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOptions(t *testing.T) {
	s := &searcher{}
	for _, o := range []Option{MaxCloudCover(101), MaxResults(0), Delay(-1), Workers(0), HTTPClient(nil)} {
		_, err := New(s, "secret", "raw", o)
		assert.Error(t, err)
	}
	_, err := New(s, "secret", "")
	assert.Error(t, err)
	f, err := New(s, "secret", t.TempDir(), Delay(0))
	require.NoError(t, err)
	_, err = f.FetchTile(context.Background(), testTile(), "X30")
	assert.Error(t, err)
}
