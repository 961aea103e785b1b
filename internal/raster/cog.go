package raster

import (
	"fmt"
	"os"
	"strconv"

	"github.com/airbusgeo/godal"
	"github.com/google/tiff"
	"github.com/tcd-eo/hlsprep/internal/cog"
)

// MinOverviewSize stops the overview pyramid once both sides fit in it.
const MinOverviewSize = 256

// overviewSizes returns the successive half resolutions of a width×height
// image, down to min pixels.
func overviewSizes(width, height, min int) [][2]int {
	var ret [][2]int
	for width > min || height > min {
		width = (width + 1) / 2
		height = (height + 1) / 2
		ret = append(ret, [2]int{width, height})
	}
	return ret
}

// COG writes src to dst as a cloud optimized GeoTIFF. Each resolution level
// is first translated on its own, nearest neighbour, then the levels are
// interleaved into dst.
func (l *Library) COG(src, dst string) error {
	ds, err := l.open(src)
	if err != nil {
		return err
	}
	defer ds.Close()
	st := ds.Structure()
	copts := append([]string{"TILED=YES"}, l.creationOptions...)

	var levels []string
	defer func() {
		for _, name := range levels {
			os.Remove(name)
		}
	}()
	sizes := append([][2]int{{st.SizeX, st.SizeY}}, overviewSizes(st.SizeX, st.SizeY, MinOverviewSize)...)
	for i, size := range sizes {
		name := tmpName(dst)
		levels = append(levels, name)
		var switches []string
		if i > 0 {
			switches = []string{"-outsize", strconv.Itoa(size[0]), strconv.Itoa(size[1]), "-r", "nearest"}
		}
		lds, err := ds.Translate(name, switches,
			godal.GTiff,
			godal.CreationOption(copts...),
			godal.ConfigOption(l.configOptions...),
			godal.ErrLogger(l.errLogger()))
		if err != nil {
			return fmt.Errorf("translate %s level %d: %w", src, i, err)
		}
		if err := lds.Close(); err != nil {
			return fmt.Errorf("close %s: %w", name, err)
		}
	}

	readers := make([]tiff.ReadAtReadSeeker, 0, len(levels))
	for _, name := range levels {
		f, err := os.Open(name)
		if err != nil {
			return fmt.Errorf("re-open %s: %w", name, err)
		}
		defer f.Close()
		readers = append(readers, f)
	}
	tmp := tmpName(dst)
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if err := cog.Rewrite(out, readers...); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("rewrite %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
