package hlsprep

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/google/tiff"
	_ "github.com/google/tiff/bigtiff"
)

// A Checker decides whether an output from a previous run can be reused.
type Checker interface {
	// Done reports whether path holds a complete raster. When bands is >0 the
	// raster must also have that many bands.
	Done(path string, bands int) (bool, error)
}

// ifd holds the few tags needed to sanity check a GeoTIFF written by a
// previous run.
type ifd struct {
	ImageWidth      uint64   `tiff:"field,tag=256"`
	ImageLength     uint64   `tiff:"field,tag=257"`
	SamplesPerPixel uint16   `tiff:"field,tag=277"`
	TileWidth       uint16   `tiff:"field,tag=322"`
	TileLength      uint16   `tiff:"field,tag=323"`
	SampleFormat    []uint16 `tiff:"field,tag=339"`
}

// FileChecker considers a file done once it parses as a (Big)TIFF whose first
// directory has a non-empty image. Since outputs are renamed into place on
// close, a truncated file only appears if something else wrote it.
type FileChecker struct{}

func (FileChecker) Done(path string, bands int) (bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	tif, err := tiff.Parse(f, nil, nil)
	if err != nil {
		return false, nil
	}
	ifds := tif.IFDs()
	if len(ifds) == 0 {
		return false, nil
	}
	hdr := ifd{}
	if err := tiff.UnmarshalIFD(ifds[0], &hdr); err != nil {
		return false, nil
	}
	if hdr.ImageWidth == 0 || hdr.ImageLength == 0 {
		return false, nil
	}
	spp := int(hdr.SamplesPerPixel)
	if spp == 0 {
		spp = 1
	}
	if bands > 0 && spp != bands {
		return false, nil
	}
	return true, nil
}
