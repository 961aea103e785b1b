package hlsprep

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Sensor string

const (
	S30 Sensor = "S30"
	L30 Sensor = "L30"
)

// FmaskBand is the band token of the HLS quality-flag file.
const FmaskBand = "Fmask"

// Suffixes of the products derived from a stack, in pipeline order.
const (
	SuffixReordered    = "stack_reordered"
	SuffixLabeled      = "radd_stack"
	SuffixForestMasked = "forest_masked_stack"
	SuffixFmaskWarped  = "fmaskwarped"
	SuffixCloudMasked  = "forest_masked_fmask_stack"
	SuffixLandCover    = "landcover_stack"
)

// BandFile describes one single-band HLS file, e.g.
// HLS.S30.T50NKK.2021185T023549.v2.0.B02.tif
type BandFile struct {
	Sensor  Sensor
	Tile    string
	Date    string // YYYYDDD
	Time    string // HHMMSS
	Version string
	Band    string
	Path    string
}

func (bf BandFile) Key() StackKey {
	return StackKey{Tile: bf.Tile, Date: bf.Date, Sensor: bf.Sensor}
}

// A Grammar parses a file name into a BandFile, or fails with ErrMalformedName.
type Grammar func(name string) (BandFile, error)

// HLSGrammar returns the grammar of the provider file names of the given sensor.
func HLSGrammar(sensor Sensor) Grammar {
	return func(name string) (BandFile, error) {
		base := filepath.Base(name)
		malformed := func(why string) (BandFile, error) {
			return BandFile{}, fmt.Errorf("%w: %s: %s", ErrMalformedName, base, why)
		}
		if !strings.HasSuffix(base, ".tif") {
			return malformed("not a tif")
		}
		parts := strings.Split(strings.TrimSuffix(base, ".tif"), ".")
		if len(parts) != 7 {
			return malformed(fmt.Sprintf("%d components, expected 7", len(parts)))
		}
		if parts[0] != "HLS" {
			return malformed("missing HLS prefix")
		}
		if parts[1] != string(sensor) {
			return malformed(fmt.Sprintf("sensor %s, expected %s", parts[1], sensor))
		}
		if !validTile(parts[2]) {
			return malformed("invalid tile " + parts[2])
		}
		date, tod, ok := strings.Cut(parts[3], "T")
		if !ok || !validDate(date) || len(tod) != 6 || !digits(tod) {
			return malformed("invalid acquisition time " + parts[3])
		}
		if !strings.HasPrefix(parts[4], "v") || !digits(parts[4][1:]) || !digits(parts[5]) {
			return malformed("invalid version")
		}
		if parts[6] == "" {
			return malformed("empty band")
		}
		return BandFile{
			Sensor:  sensor,
			Tile:    parts[2],
			Date:    date,
			Time:    tod,
			Version: parts[4][1:] + "." + parts[5],
			Band:    parts[6],
			Path:    name,
		}, nil
	}
}

// StackKey addresses a stack and every product derived from it.
type StackKey struct {
	Tile   string
	Date   string
	Sensor Sensor
}

func (k StackKey) String() string {
	return fmt.Sprintf("%s.%s_%s", k.Tile, k.Date, k.Sensor)
}

// StackName is the file name of the assembled stack: <tile>.<date>_<sensor>_stack.tif
func (k StackKey) StackName() string {
	return k.String() + "_stack.tif"
}

// Derived is the file name of a product derived from the stack:
// <date>_<tile>_<sensor>_<suffix>.tif
func (k StackKey) Derived(suffix string) string {
	return fmt.Sprintf("%s_%s_%s_%s.tif", k.Date, k.Tile, k.Sensor, suffix)
}

// Time returns the acquisition day.
func (k StackKey) Time() (time.Time, error) {
	return ParseDate(k.Date)
}

func ParseStackName(name string) (StackKey, error) {
	base := filepath.Base(name)
	rest, ok := strings.CutSuffix(base, "_stack.tif")
	if !ok {
		return StackKey{}, fmt.Errorf("%w: %s: not a stack", ErrMalformedName, base)
	}
	tiledate, sensor, ok := strings.Cut(rest, "_")
	if !ok {
		return StackKey{}, fmt.Errorf("%w: %s: missing sensor", ErrMalformedName, base)
	}
	tile, date, ok := strings.Cut(tiledate, ".")
	if !ok || !validTile(tile) || !validDate(date) {
		return StackKey{}, fmt.Errorf("%w: %s: invalid tile.date", ErrMalformedName, base)
	}
	if !validSensor(Sensor(sensor)) {
		return StackKey{}, fmt.Errorf("%w: %s: invalid sensor %s", ErrMalformedName, base, sensor)
	}
	return StackKey{Tile: tile, Date: date, Sensor: Sensor(sensor)}, nil
}

// ParseDerivedName parses a name produced by StackKey.Derived with the given suffix.
func ParseDerivedName(name, suffix string) (StackKey, error) {
	base := filepath.Base(name)
	rest, ok := strings.CutSuffix(base, "_"+suffix+".tif")
	if !ok {
		return StackKey{}, fmt.Errorf("%w: %s: missing suffix %s", ErrMalformedName, base, suffix)
	}
	parts := strings.Split(rest, "_")
	if len(parts) != 3 || !validDate(parts[0]) || !validTile(parts[1]) || !validSensor(Sensor(parts[2])) {
		return StackKey{}, fmt.Errorf("%w: %s", ErrMalformedName, base)
	}
	return StackKey{Date: parts[0], Tile: parts[1], Sensor: Sensor(parts[2])}, nil
}

// ParseDate parses an HLS YYYYDDD date.
func ParseDate(date string) (time.Time, error) {
	if !validDate(date) {
		return time.Time{}, fmt.Errorf("%w: date %q", ErrMalformedName, date)
	}
	year, _ := strconv.Atoi(date[:4])
	doy, _ := strconv.Atoi(date[4:])
	return time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, doy-1), nil
}

func validSensor(s Sensor) bool {
	return s == S30 || s == L30
}

// MGRS tile ids as used by HLS: T + 2 digit zone + 3 letters.
func validTile(t string) bool {
	if len(t) != 6 || t[0] != 'T' || !digits(t[1:3]) {
		return false
	}
	for _, c := range t[3:] {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

func validDate(d string) bool {
	if len(d) != 7 || !digits(d) {
		return false
	}
	doy, _ := strconv.Atoi(d[4:])
	return doy >= 1 && doy <= 366
}

func digits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
