package hlsprep

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReorderer(t *testing.T) {
	ctx := context.Background()
	lib := newMemLib()
	dir := t.TempDir()
	key := StackKey{Tile: "T50NKK", Date: "2021185", Sensor: L30}
	stack := filepath.Join(dir, key.StackName())
	lib.put(t, stack, testProfile(testUTM, 0, 10, 5, 7), 3, func(b, x, y int) float64 {
		return float64(b*100 + y*5 + x)
	})

	r, err := NewReorderer(lib, dir, []string{"B02", "B03"}, WithChecker(lib), smallStriper(t))
	require.NoError(t, err)
	out, err := r.Reorder(ctx, stack, key)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "2021185_T50NKK_L30_stack_reordered.tif"), out)

	re := lib.get(t, out)
	require.Equal(t, 5, re.info.Bands)
	assert.Equal(t, []string{"alert", "date", "B02", "B03", "Band 3"}, re.info.Descriptions)
	assert.Equal(t, lib.get(t, stack).info.Profile, re.info.Profile)
	for y := 0; y < 7; y++ {
		for x := 0; x < 5; x++ {
			assert.Equal(t, 0.0, re.at(1, x, y))
			assert.Equal(t, 0.0, re.at(2, x, y))
			for b := 1; b <= 3; b++ {
				assert.Equal(t, float64(b*100+y*5+x), re.at(b+2, x, y))
			}
		}
	}

	again, err := r.Reorder(ctx, stack, key)
	require.NoError(t, err)
	assert.Same(t, re, lib.get(t, again))
}
