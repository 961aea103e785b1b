// Package cog rearranges tiled GeoTIFFs into cloud optimized GeoTIFFs: every
// directory first, then the tiles of each level from the smallest overview up
// to the full resolution image.
package cog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/google/tiff"
	_ "github.com/google/tiff/bigtiff"
)

const subfileTypeReducedImage = 1

// level is one resolution of the output, read from its own tiff.
type level struct {
	SubfileType     uint32    `tiff:"field,tag=254"`
	ImageWidth      uint64    `tiff:"field,tag=256"`
	ImageLength     uint64    `tiff:"field,tag=257"`
	BitsPerSample   []uint16  `tiff:"field,tag=258"`
	Compression     uint16    `tiff:"field,tag=259"`
	Photometric     uint16    `tiff:"field,tag=262"`
	SamplesPerPixel uint16    `tiff:"field,tag=277"`
	PlanarConfig    uint16    `tiff:"field,tag=284"`
	Predictor       uint16    `tiff:"field,tag=317"`
	TileWidth       uint16    `tiff:"field,tag=322"`
	TileLength      uint16    `tiff:"field,tag=323"`
	TileOffsets     []uint64  `tiff:"field,tag=324"`
	TileByteCounts  []uint64  `tiff:"field,tag=325"`
	ExtraSamples    []uint16  `tiff:"field,tag=338"`
	SampleFormat    []uint16  `tiff:"field,tag=339"`
	PixelScale      []float64 `tiff:"field,tag=33550"`
	TiePoint        []float64 `tiff:"field,tag=33922"`
	Transformation  []float64 `tiff:"field,tag=34264"`
	GeoKeys         []uint16  `tiff:"field,tag=34735"`
	GeoDoubles      []float64 `tiff:"field,tag=34736"`
	GeoASCII        string    `tiff:"field,tag=34737"`
	GDALMetadata    string    `tiff:"field,tag=42112"`
	GDALNoData      string    `tiff:"field,tag=42113"`

	r io.ReaderAt
	// offsets are the tile offsets in the output.
	offsets []uint64
}

func load(r io.ReaderAt, tifd tiff.IFD) (*level, error) {
	if tifd.GetField(273) != nil || tifd.GetField(279) != nil {
		return nil, fmt.Errorf("tif has strips")
	}
	to, tl := tifd.GetField(324), tifd.GetField(325)
	if to == nil || tl == nil {
		return nil, fmt.Errorf("no tiles")
	}
	if to.Count() != tl.Count() {
		return nil, fmt.Errorf("inconsistent tile off/len count")
	}
	lv := &level{r: r}
	if err := tiff.UnmarshalIFD(tifd, lv); err != nil {
		return nil, err
	}
	if lv.TileWidth == 0 || lv.TileLength == 0 || lv.ImageWidth == 0 || lv.ImageLength == 0 {
		return nil, fmt.Errorf("empty image or tile size")
	}
	planes := uint64(1)
	if lv.PlanarConfig == 2 {
		planes = uint64(lv.SamplesPerPixel)
	}
	if want := lv.tilesX() * lv.tilesY() * planes; uint64(len(lv.TileOffsets)) != want {
		return nil, fmt.Errorf("got %d tiles, expected %d", len(lv.TileOffsets), want)
	}
	return lv, nil
}

func (lv *level) tilesX() uint64 {
	return (lv.ImageWidth + uint64(lv.TileWidth) - 1) / uint64(lv.TileWidth)
}

func (lv *level) tilesY() uint64 {
	return (lv.ImageLength + uint64(lv.TileLength) - 1) / uint64(lv.TileLength)
}

// reduce turns lv into an overview. Georeferencing and metadata only live on
// the full resolution directory.
func (lv *level) reduce() {
	lv.SubfileType = subfileTypeReducedImage
	lv.PixelScale = nil
	lv.TiePoint = nil
	lv.Transformation = nil
	lv.GeoKeys = nil
	lv.GeoDoubles = nil
	lv.GeoASCII = ""
	lv.GDALMetadata = ""
}

func (lv *level) entries(e encoder) []entry {
	var en []entry
	if lv.SubfileType != 0 {
		en = append(en, e.longs(254, lv.SubfileType))
	}
	en = append(en,
		e.longs(256, uint32(lv.ImageWidth)),
		e.longs(257, uint32(lv.ImageLength)),
		e.shorts(262, lv.Photometric),
		e.shorts(322, lv.TileWidth),
		e.shorts(323, lv.TileLength),
		e.strile(324, lv.offsets),
		e.strile(325, lv.TileByteCounts),
	)
	if len(lv.BitsPerSample) > 0 {
		en = append(en, e.shorts(258, lv.BitsPerSample...))
	}
	for _, f := range []struct {
		tag uint16
		v   uint16
	}{{259, lv.Compression}, {277, lv.SamplesPerPixel}, {284, lv.PlanarConfig}, {317, lv.Predictor}} {
		if f.v > 0 {
			en = append(en, e.shorts(f.tag, f.v))
		}
	}
	if len(lv.ExtraSamples) > 0 {
		en = append(en, e.shorts(338, lv.ExtraSamples...))
	}
	if len(lv.SampleFormat) > 0 {
		en = append(en, e.shorts(339, lv.SampleFormat...))
	}
	for _, f := range []struct {
		tag uint16
		v   []float64
	}{{33550, lv.PixelScale}, {33922, lv.TiePoint}, {34264, lv.Transformation}, {34736, lv.GeoDoubles}} {
		if len(f.v) > 0 {
			en = append(en, e.doubles(f.tag, f.v...))
		}
	}
	if len(lv.GeoKeys) > 0 {
		en = append(en, e.shorts(34735, lv.GeoKeys...))
	}
	for _, f := range []struct {
		tag uint16
		v   string
	}{{34737, lv.GeoASCII}, {42112, lv.GDALMetadata}, {42113, lv.GDALNoData}} {
		if f.v != "" {
			en = append(en, e.ascii(f.tag, f.v))
		}
	}
	return en
}

// Rewrite writes a single cloud optimized GeoTIFF made of the images of the
// readers, the largest being the full resolution image and the others its
// overviews. Every reader must hold exactly one tiled directory and all must
// share the same byte order.
func Rewrite(out io.Writer, readers ...tiff.ReadAtReadSeeker) error {
	return rewrite(out, false, readers...)
}

func rewrite(out io.Writer, bigtiff bool, readers ...tiff.ReadAtReadSeeker) error {
	if len(readers) == 0 {
		return fmt.Errorf("missing readers")
	}
	var order string
	levels := make([]*level, 0, len(readers))
	for i, r := range readers {
		tif, err := tiff.Parse(r, nil, nil)
		if err != nil {
			return fmt.Errorf("parse tiff %d: %w", i, err)
		}
		if i == 0 {
			order = tif.Order()
		} else if tif.Order() != order {
			return fmt.Errorf("inconsistent byte order")
		}
		ifds := tif.IFDs()
		if len(ifds) != 1 {
			return fmt.Errorf("tiff %d: expected a single directory, got %d", i, len(ifds))
		}
		lv, err := load(r, ifds[0])
		if err != nil {
			return fmt.Errorf("tiff %d: %w", i, err)
		}
		levels = append(levels, lv)
	}
	sort.SliceStable(levels, func(i, j int) bool {
		return levels[i].ImageWidth > levels[j].ImageWidth
	})
	levels[0].SubfileType = 0
	for i, lv := range levels[1:] {
		if lv.ImageWidth == levels[i].ImageWidth {
			return fmt.Errorf("two levels of width %d", lv.ImageWidth)
		}
		lv.reduce()
	}

	e := encoder{order: binary.LittleEndian, bigtiff: bigtiff}
	switch order {
	case "II":
	case "MM":
		e.order = binary.BigEndian
	default:
		return fmt.Errorf("unknown byte order")
	}
	if end := place(e, levels); !e.bigtiff && end > math.MaxUint32 {
		e.bigtiff = true
		place(e, levels)
	}
	return write(out, e, levels)
}

// place computes the output tile offsets and returns the output size.
func place(e encoder, levels []*level) uint64 {
	off := uint64(len(e.header()))
	for _, lv := range levels {
		lv.offsets = make([]uint64, len(lv.TileOffsets))
		off += e.blockSize(lv.entries(e))
	}
	for i := len(levels) - 1; i >= 0; i-- {
		lv := levels[i]
		for t, n := range lv.TileByteCounts {
			if n == 0 {
				continue
			}
			lv.offsets[t] = off
			off += n
		}
	}
	return off
}

func write(out io.Writer, e encoder, levels []*level) error {
	w := bufio.NewWriterSize(out, 1<<20)
	if _, err := w.Write(e.header()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	off := uint64(len(e.header()))
	for i, lv := range levels {
		en := lv.entries(e)
		size := e.blockSize(en)
		next := uint64(0)
		if i < len(levels)-1 {
			next = off + size
		}
		if _, err := w.Write(e.block(en, off, next)); err != nil {
			return fmt.Errorf("write ifd: %w", err)
		}
		off += size
	}
	for i := len(levels) - 1; i >= 0; i-- {
		lv := levels[i]
		for t, n := range lv.TileByteCounts {
			if n == 0 {
				continue
			}
			src := io.NewSectionReader(lv.r, int64(lv.TileOffsets[t]), int64(n))
			if c, err := io.Copy(w, src); err != nil || uint64(c) != n {
				return fmt.Errorf("copy %d from %d: got %d: %v", n, lv.TileOffsets[t], c, err)
			}
		}
	}
	return w.Flush()
}
