package hlsprep

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderByBandCount(t *testing.T) {
	testfunc := func(bands []int, expected []string) {
		t.Helper()
		inputs := []string{"a", "b", "c", "d"}[:len(bands)]
		infos := make([]Info, len(bands))
		for i, b := range bands {
			infos[i].Bands = b
		}
		assert.Equal(t, expected, orderByBandCount(inputs, infos))
	}
	testfunc([]int{2, 8}, []string{"b", "a"})
	testfunc([]int{8, 2}, []string{"a", "b"})
	testfunc([]int{1, 3, 1, 3}, []string{"b", "d", "a", "c"})
	testfunc([]int{1}, []string{"a"})
}

func labelFixtures(t *testing.T, lib *memLib, dir string) (reordered, alerts string) {
	t.Helper()
	reordered = filepath.Join(dir, "2021185_T50NKK_S30_stack_reordered.tif")
	lib.put(t, reordered, testProfile(testUTM, 0, 10, 4, 3), 8, func(b, x, y int) float64 {
		if b <= 2 {
			return 0
		}
		return float64(b * 10)
	})
	alerts = filepath.Join(dir, "2021185_T50NKK_S30_radd_alerts.tif")
	p := testProfile(testUTM, 0, 10, 4, 3)
	p.NoData = 0
	lib.put(t, alerts, p, 2, func(b, x, y int) float64 {
		if x != 1 {
			return 0
		}
		if b == 1 {
			return 2
		}
		return 21500
	})
	return reordered, alerts
}

func TestMergeLabels(t *testing.T) {
	for _, reverse := range []bool{false, true} {
		ctx := context.Background()
		lib := newMemLib()
		dir := t.TempDir()
		reordered, alerts := labelFixtures(t, lib, dir)
		inputs := []string{reordered, alerts}
		if reverse {
			inputs = []string{alerts, reordered}
		}
		m, err := NewMerger(lib, WithChecker(lib))
		require.NoError(t, err)
		output := filepath.Join(dir, "labeled", "2021185_T50NKK_S30_radd_stack.tif")
		out, err := m.Merge(ctx, inputs, output, Consume(reordered))
		require.NoError(t, err)
		assert.Equal(t, output, out)

		require.Len(t, lib.warps, 1)
		assert.Equal(t, []string{reordered, alerts}, lib.warps[0].inputs)
		assert.Equal(t, Nearest, lib.warps[0].opts.Resampling)
		merged := lib.get(t, out)
		require.Equal(t, 8, merged.info.Bands)
		for y := 0; y < 3; y++ {
			assert.Equal(t, 0.0, merged.at(1, 0, y))
			assert.Equal(t, 2.0, merged.at(1, 1, y))
			assert.Equal(t, 21500.0, merged.at(2, 1, y))
			assert.Equal(t, 0.0, merged.at(2, 2, y))
			for b := 3; b <= 8; b++ {
				assert.Equal(t, float64(b*10), merged.at(b, 1, y))
			}
		}
		assert.False(t, lib.has(reordered))
		assert.Equal(t, []string{reordered}, lib.removed)

		// rerun: output reused, nothing left to consume
		_, err = m.Merge(ctx, []string{reordered, alerts}, output, Consume(reordered))
		require.NoError(t, err)
		assert.Len(t, lib.warps, 1)
	}
}

func TestMergeOntoGrid(t *testing.T) {
	ctx := context.Background()
	lib := newMemLib()
	dir := t.TempDir()
	stack := testProfile(testUTM, 0, 10, 4, 3)
	fmask := filepath.Join(dir, "HLS.S30.T50NKK.2021185T023549.v2.0.Fmask.tif")
	fp := testProfile(WGS84, -1010, -1980, 30, 30)
	fp.DataType = Byte
	fp.NoData = 255
	lib.put(t, fmask, fp, 1, func(_, x, y int) float64 { return float64(x % 16) })

	m, err := NewMerger(lib, WithChecker(lib))
	require.NoError(t, err)
	out, err := m.Merge(ctx, []string{fmask}, filepath.Join(dir, "fmaskwarped.tif"),
		OntoGrid(stack.Grid), SrcNoData(255), DstNoData(255))
	require.NoError(t, err)
	warped := lib.get(t, out)
	assert.Equal(t, stack.Grid, warped.info.Grid)
	assert.Equal(t, Byte, warped.info.DataType)
	assert.Equal(t, 255.0, warped.info.NoData)
	// stack pixel 0 is at wgs84 x=-999.5, fmask column 10
	assert.Equal(t, 10.0, warped.at(1, 0, 0))
	assert.Equal(t, 13.0, warped.at(1, 3, 2))
	require.NotNil(t, lib.warps[0].opts.SrcNoData)
	assert.Equal(t, 255.0, *lib.warps[0].opts.SrcNoData)
}

func TestMergeErrors(t *testing.T) {
	ctx := context.Background()
	lib := newMemLib()
	dir := t.TempDir()
	reordered, _ := labelFixtures(t, lib, dir)
	m, err := NewMerger(lib, WithChecker(lib))
	require.NoError(t, err)

	_, err = m.Merge(ctx, []string{reordered, filepath.Join(dir, "missing.tif")}, filepath.Join(dir, "out.tif"))
	assert.ErrorIs(t, err, ErrMissingInput)
	_, err = m.Merge(ctx, nil, filepath.Join(dir, "out.tif"))
	assert.ErrorIs(t, err, ErrMissingInput)

	_, err = m.Merge(ctx, []string{reordered}, filepath.Join(dir, "out.tif"), Switches("-tr 10 10"))
	assert.IsType(t, ErrInvalidOption{}, err)
	_, err = m.Merge(ctx, []string{reordered}, filepath.Join(dir, "out.tif"), Switches("-wo 'NUM_THREADS=2"))
	assert.IsType(t, ErrInvalidOption{}, err)
	_, err = m.Merge(ctx, []string{reordered}, filepath.Join(dir, "out.tif"), OntoGrid(Grid{}))
	assert.IsType(t, ErrInvalidOption{}, err)
	assert.Empty(t, lib.warps)

	out, err := m.Merge(ctx, []string{reordered}, filepath.Join(dir, "out.tif"), Switches("-wo NUM_THREADS=2 -multi"))
	require.NoError(t, err)
	assert.Equal(t, []string{"-wo", "NUM_THREADS=2", "-multi"}, lib.warps[0].opts.Switches)
	assert.True(t, lib.has(out))
}
