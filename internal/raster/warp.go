package raster

import (
	"fmt"
	"os"
	"strconv"

	"github.com/airbusgeo/godal"
	"github.com/tcd-eo/hlsprep"
)

func toGDAL(dt hlsprep.DataType) (godal.DataType, error) {
	switch dt {
	case hlsprep.Byte:
		return godal.Byte, nil
	case hlsprep.UInt16:
		return godal.UInt16, nil
	case hlsprep.Int16:
		return godal.Int16, nil
	case hlsprep.UInt32:
		return godal.UInt32, nil
	case hlsprep.Int32:
		return godal.Int32, nil
	case hlsprep.Float32:
		return godal.Float32, nil
	case hlsprep.Float64:
		return godal.Float64, nil
	}
	return godal.Unknown, fmt.Errorf("unsupported data type %s", dt)
}

func fromGDAL(dt godal.DataType) hlsprep.DataType {
	switch dt {
	case godal.Byte:
		return hlsprep.Byte
	case godal.UInt16:
		return hlsprep.UInt16
	case godal.Int16:
		return hlsprep.Int16
	case godal.UInt32:
		return hlsprep.UInt32
	case godal.Int32:
		return hlsprep.Int32
	case godal.Float32:
		return hlsprep.Float32
	case godal.Float64:
		return hlsprep.Float64
	}
	return hlsprep.Unknown
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// gridSwitches pins the gdalwarp output onto g.
func gridSwitches(g hlsprep.Grid) []string {
	b := g.Bounds()
	return []string{
		"-t_srs", g.CRS,
		"-te", ftoa(b[0]), ftoa(b[1]), ftoa(b[2]), ftoa(b[3]),
		"-ts", strconv.Itoa(g.Width), strconv.Itoa(g.Height),
	}
}

// warpSwitches translates opts into gdalwarp arguments.
func warpSwitches(opts hlsprep.WarpOptions) []string {
	rs := opts.Resampling
	if rs == "" {
		rs = hlsprep.Nearest
	}
	sw := []string{"-r", string(rs)}
	if opts.SrcNoData != nil {
		sw = append(sw, "-srcnodata", ftoa(*opts.SrcNoData))
	}
	if opts.DstNoData != nil {
		sw = append(sw, "-dstnodata", ftoa(*opts.DstNoData))
	}
	switch {
	case opts.Onto != nil:
		sw = append(sw, gridSwitches(*opts.Onto)...)
	default:
		if opts.CRS != "" {
			sw = append(sw, "-t_srs", opts.CRS)
		}
		if opts.Resolution > 0 {
			sw = append(sw, "-tr", ftoa(opts.Resolution), ftoa(opts.Resolution))
		}
	}
	if opts.DataType != hlsprep.Unknown {
		sw = append(sw, "-ot", opts.DataType.String())
	}
	return append(sw, opts.Switches...)
}

// Warp runs gdalwarp over inputs. Band descriptions of inputs[0] are copied to
// the output, which gdalwarp does not do.
func (l *Library) Warp(inputs []string, output string, opts hlsprep.WarpOptions) error {
	if len(inputs) == 0 {
		return fmt.Errorf("warp: no inputs")
	}
	var srcs []*godal.Dataset
	defer func() {
		for _, ds := range srcs {
			ds.Close()
		}
	}()
	for _, in := range inputs {
		ds, err := l.open(in)
		if err != nil {
			return err
		}
		srcs = append(srcs, ds)
	}
	var descs []string
	for _, b := range srcs[0].Bands() {
		descs = append(descs, b.Description())
	}

	sw := append([]string{"-of", "GTiff", "-multi"}, warpSwitches(opts)...)
	tmp := tmpName(output)
	dst, err := godal.Warp(tmp, srcs, sw,
		godal.CreationOption(l.creationOptions...),
		godal.ConfigOption(l.configOptions...),
		godal.ErrLogger(l.errLogger()))
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("gdalwarp %v: %w", sw, err)
	}
	for i, b := range dst.Bands() {
		if i < len(descs) && descs[i] != "" {
			_ = b.SetDescription(descs[i])
		}
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, output); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// reprojectSwitches warps every band: band selection with -b needs GDAL 3.7.
func reprojectSwitches(onto hlsprep.Grid, rs hlsprep.Resampling) []string {
	if rs == "" {
		rs = hlsprep.Nearest
	}
	return append([]string{"-of", "MEM", "-ot", "Float64", "-r", string(rs)}, gridSwitches(onto)...)
}

// Reproject warps band 1 of path in memory onto onto and returns its pixels.
func (l *Library) Reproject(path string, onto hlsprep.Grid, rs hlsprep.Resampling) ([]float64, error) {
	src, err := l.open(path)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	ds, err := src.Warp("", reprojectSwitches(onto, rs), godal.ErrLogger(l.errLogger()))
	if err != nil {
		return nil, fmt.Errorf("reproject %s: %w", path, err)
	}
	defer ds.Close()
	buf := make([]float64, onto.Width*onto.Height)
	if err := ds.Bands()[0].Read(0, 0, buf, onto.Width, onto.Height); err != nil {
		return nil, fmt.Errorf("read reprojected %s: %w", path, err)
	}
	return buf, nil
}
