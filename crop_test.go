package hlsprep

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowInside(t *testing.T) {
	g := testProfile(WGS84, 0, 10, 10, 10).Grid
	testfunc := func(b orb.Bound, expected Window, ok bool) {
		t.Helper()
		win, found := windowInside(g, b)
		assert.Equal(t, ok, found)
		if ok {
			assert.Equal(t, expected, win)
		}
	}
	testfunc(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{10, 10}}, Window{0, 0, 10, 10}, true)
	testfunc(orb.Bound{Min: orb.Point{0.5, 2.2}, Max: orb.Point{4.5, 8.9999999}}, Window{1, 1, 3, 6}, true)
	testfunc(orb.Bound{Min: orb.Point{-5, -5}, Max: orb.Point{2, 20}}, Window{0, 0, 2, 10}, true)
	testfunc(orb.Bound{Min: orb.Point{2.1, 2.1}, Max: orb.Point{2.9, 2.9}}, Window{}, false)
	testfunc(orb.Bound{Min: orb.Point{20, 20}, Max: orb.Point{30, 30}}, Window{}, false)
}

func TestCropper(t *testing.T) {
	ctx := context.Background()
	lib := newMemLib()
	dir := t.TempDir()
	key := StackKey{Tile: "T50NKK", Date: "2021185", Sensor: S30}

	stack := filepath.Join(dir, "stacks", key.StackName())
	// x [0,4] y [7,10] in utm, x [-1000,-996] y [-1993,-1990] in wgs84
	lib.put(t, stack, testProfile(testUTM, 0, 10, 4, 3), 6, func(b, x, y int) float64 { return 1 })
	alerts := filepath.Join(dir, "radd", "radd_alerts.tif")
	alertProfile := testProfile(WGS84, -1002, -1988, 10, 10)
	alertProfile.DataType = Int16
	alertProfile.HasNoData = false
	lib.put(t, alerts, alertProfile, 2, func(b, x, y int) float64 {
		return float64(b*1000 + y*10 + x)
	})
	lib.rasters[alerts].info.Descriptions = []string{"alert", "date"}
	far := filepath.Join(dir, "radd", "elsewhere.tif")
	lib.put(t, far, testProfile(WGS84, 50, 50, 10, 10), 2, func(b, x, y int) float64 { return 1 })

	c, err := NewCropper(lib, filepath.Join(dir, "cropped"), DefaultCropNoData, WithChecker(lib))
	require.NoError(t, err)

	out, err := c.Crop(ctx, stack, key, alerts)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "cropped", "2021185_T50NKK_S30_radd_alerts.tif"), out)
	crop := lib.get(t, out)
	assert.Equal(t, 2, crop.info.Bands)
	assert.Equal(t, 4, crop.info.Width)
	assert.Equal(t, 3, crop.info.Height)
	assert.Equal(t, [6]float64{-1000, 1, 0, -1990, 0, -1}, crop.info.GeoTransform)
	assert.True(t, crop.info.HasNoData)
	assert.Equal(t, 0.0, crop.info.NoData)
	assert.Equal(t, []string{"alert", "date"}, crop.info.Descriptions)
	assert.Equal(t, 1022.0, crop.at(1, 0, 0))
	assert.Equal(t, 2045.0, crop.at(2, 3, 2))

	_, err = c.Crop(ctx, stack, key, far)
	assert.ErrorIs(t, err, ErrNoIntersection)
	assert.True(t, Skipped(err))
	assert.False(t, lib.has(c.OutputPath(key, far)))

	_, err = c.Crop(ctx, filepath.Join(dir, "stacks", "missing_stack.tif"), key, alerts)
	assert.Error(t, err)
}
