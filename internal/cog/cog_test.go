package cog

import (
	"bytes"
	"encoding/binary"
	"image"
	"strings"
	"testing"

	"github.com/google/tiff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xtiff "golang.org/x/image/tiff"
)

// tiled returns an uncompressed single band tiff of size×size bytes, cut in
// tile×tile tiles. Tile i is filled with fill+i.
func tiled(t *testing.T, e encoder, size, tile int, fill byte) []byte {
	t.Helper()
	lv := &level{
		ImageWidth:      uint64(size),
		ImageLength:     uint64(size),
		BitsPerSample:   []uint16{8},
		Compression:     1,
		Photometric:     1,
		SamplesPerPixel: 1,
		PlanarConfig:    1,
		TileWidth:       uint16(tile),
		TileLength:      uint16(tile),
		SampleFormat:    []uint16{1},
		PixelScale:      []float64{30, 30, 0},
		TiePoint:        []float64{0, 0, 0, 500000, 100000, 0},
		GeoKeys:         []uint16{1, 1, 0, 1, 3072, 0, 1, 32650},
		GDALNoData:      "0",
	}
	n := lv.tilesX() * lv.tilesY()
	lv.TileByteCounts = make([]uint64, n)
	lv.offsets = make([]uint64, n)
	for i := range lv.TileByteCounts {
		lv.TileByteCounts[i] = uint64(tile * tile)
	}
	hdr := e.header()
	start := uint64(len(hdr)) + e.blockSize(lv.entries(e))
	for i := range lv.offsets {
		lv.offsets[i] = start + uint64(i*tile*tile)
	}
	buf := bytes.NewBuffer(hdr)
	buf.Write(e.block(lv.entries(e), uint64(len(hdr)), 0))
	require.Equal(t, start, uint64(buf.Len()))
	for i := range lv.offsets {
		buf.Write(bytes.Repeat([]byte{fill + byte(i)}, tile*tile))
	}
	return buf.Bytes()
}

func parse(t *testing.T, b []byte) []*level {
	t.Helper()
	tif, err := tiff.Parse(bytes.NewReader(b), nil, nil)
	require.NoError(t, err)
	var ret []*level
	for _, ifd := range tif.IFDs() {
		lv := &level{}
		require.NoError(t, tiff.UnmarshalIFD(ifd, lv))
		ret = append(ret, lv)
	}
	return ret
}

func TestRewrite(t *testing.T) {
	testfunc := func(e encoder, big bool) {
		t.Helper()
		main := tiled(t, e, 32, 16, 10)
		ovr := tiled(t, e, 16, 16, 100)
		out := bytes.Buffer{}
		// order of the inputs does not matter
		require.NoError(t, rewrite(&out, big, bytes.NewReader(ovr), bytes.NewReader(main)))
		b := out.Bytes()

		levels := parse(t, b)
		require.Len(t, levels, 2)
		full, reduced := levels[0], levels[1]
		assert.EqualValues(t, 0, full.SubfileType)
		assert.EqualValues(t, 32, full.ImageWidth)
		assert.Equal(t, []uint16{1, 1, 0, 1, 3072, 0, 1, 32650}, full.GeoKeys)
		assert.Equal(t, []float64{30, 30, 0}, full.PixelScale)
		assert.EqualValues(t, subfileTypeReducedImage, reduced.SubfileType)
		assert.EqualValues(t, 16, reduced.ImageWidth)
		assert.Empty(t, reduced.GeoKeys)
		assert.Equal(t, "0", strings.TrimRight(reduced.GDALNoData, "\x00"))

		require.Len(t, full.TileOffsets, 4)
		require.Len(t, reduced.TileOffsets, 1)
		assert.Less(t, reduced.TileOffsets[0], full.TileOffsets[0])
		for i, off := range full.TileOffsets {
			assert.Equal(t, bytes.Repeat([]byte{10 + byte(i)}, 256), b[off:off+full.TileByteCounts[i]])
			if i > 0 {
				assert.Equal(t, full.TileOffsets[i-1]+256, off)
			}
		}
		off := reduced.TileOffsets[0]
		assert.Equal(t, bytes.Repeat([]byte{100}, 256), b[off:off+256])
		assert.Equal(t, uint64(len(b)), full.TileOffsets[3]+256)
	}
	testfunc(encoder{order: binary.LittleEndian}, false)
	testfunc(encoder{order: binary.BigEndian}, false)
	testfunc(encoder{order: binary.LittleEndian}, true)
	testfunc(encoder{order: binary.LittleEndian, bigtiff: true}, true)
}

func TestRewriteErrors(t *testing.T) {
	le := encoder{order: binary.LittleEndian}
	be := encoder{order: binary.BigEndian}
	out := &bytes.Buffer{}

	assert.Error(t, Rewrite(out))
	assert.Error(t, Rewrite(out, bytes.NewReader([]byte("not a tiff"))))

	err := Rewrite(out, bytes.NewReader(tiled(t, le, 32, 16, 0)), bytes.NewReader(tiled(t, be, 16, 16, 0)))
	assert.EqualError(t, err, "inconsistent byte order")

	err = Rewrite(out, bytes.NewReader(tiled(t, le, 32, 16, 0)), bytes.NewReader(tiled(t, le, 32, 16, 0)))
	assert.EqualError(t, err, "two levels of width 32")

	striped := &bytes.Buffer{}
	require.NoError(t, xtiff.Encode(striped, image.NewGray(image.Rect(0, 0, 8, 8)), nil))
	err = Rewrite(out, bytes.NewReader(striped.Bytes()))
	assert.ErrorContains(t, err, "strips")
}

func TestBlock(t *testing.T) {
	e := encoder{order: binary.LittleEndian}
	en := []entry{e.ascii(269, "abcd"), e.shorts(258, 8)}
	b := e.block(en, 8, 0)
	require.EqualValues(t, e.blockSize(en), len(b))
	// entries are sorted by tag
	assert.Equal(t, uint16(258), binary.LittleEndian.Uint16(b[2:]))
	// "abcd\0" does not fit in 4 bytes and is padded to an even length
	assert.Equal(t, uint32(8+2+2*12+4), binary.LittleEndian.Uint32(b[2+12+8:]))
	assert.Equal(t, []byte("abcd\x00\x00"), b[2+2*12+4:])
}
