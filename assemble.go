package hlsprep

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.airbusds-geo.com/log"
	"go.uber.org/zap"
)

// SensorConfig declares the bands stacked for one sensor, in output order.
type SensorConfig struct {
	Name  Sensor
	Bands []string
}

// DefaultSensors are the bands used for the Borneo dataset. L30 B05/B06/B07
// are the spectral counterparts of S30 B08/B11/B12.
func DefaultSensors() []SensorConfig {
	return []SensorConfig{
		{Name: S30, Bands: []string{"B02", "B03", "B04", "B08", "B11", "B12"}},
		{Name: L30, Bands: []string{"B02", "B03", "B04", "B05", "B06", "B07"}},
	}
}

// A Group holds the band files of one acquisition of one MGRS tile.
type Group struct {
	Key StackKey
	// Files maps band name to file, declared bands only.
	Files map[string]BandFile
	// Fmask is the path of the quality-flag file, empty if absent.
	Fmask string
}

// Missing returns the declared bands absent from the group.
func (g Group) Missing(bands []string) []string {
	var missing []string
	for _, b := range bands {
		if _, ok := g.Files[b]; !ok {
			missing = append(missing, b)
		}
	}
	return missing
}

// Assembler builds multi-band stacks out of the single-band files downloaded
// under rawDir/tile_*/<sensor>/.
type Assembler struct {
	settings
	lib      Library
	sensor   SensorConfig
	grammar  Grammar
	rawDir   string
	stackDir string
}

func NewAssembler(lib Library, sensor SensorConfig, rawDir, stackDir string, options ...Option) (*Assembler, error) {
	if len(sensor.Bands) == 0 {
		return nil, ErrInvalidOption{fmt.Sprintf("no bands declared for sensor %s", sensor.Name)}
	}
	seen := map[string]bool{}
	for _, b := range sensor.Bands {
		if seen[b] {
			return nil, ErrInvalidOption{fmt.Sprintf("band %s declared twice for sensor %s", b, sensor.Name)}
		}
		seen[b] = true
	}
	s, err := newSettings(options)
	if err != nil {
		return nil, err
	}
	return &Assembler{
		settings: s,
		lib:      lib,
		sensor:   sensor,
		grammar:  HLSGrammar(sensor.Name),
		rawDir:   rawDir,
		stackDir: stackDir,
	}, nil
}

func (a *Assembler) Sensor() SensorConfig {
	return a.sensor
}

// Groups scans the raw directory and returns the acquisitions found, sorted
// by tile then date. Incomplete groups are returned too, see Group.Missing.
func (a *Assembler) Groups(ctx context.Context) ([]Group, error) {
	pattern := filepath.Join(a.rawDir, "tile_*", string(a.sensor.Name), "*.tif")
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}
	declared := map[string]bool{}
	for _, b := range a.sensor.Bands {
		declared[b] = true
	}
	l := log.Logger(ctx)
	groups := map[StackKey]*Group{}
	for _, p := range paths {
		bf, err := a.grammar(p)
		if err != nil {
			l.Debug("ignoring file", zap.String("path", p), zap.Error(err))
			continue
		}
		g, ok := groups[bf.Key()]
		if !ok {
			g = &Group{Key: bf.Key(), Files: map[string]BandFile{}}
			groups[bf.Key()] = g
		}
		switch {
		case bf.Band == FmaskBand:
			g.Fmask = p
		case declared[bf.Band]:
			if prev, dup := g.Files[bf.Band]; dup {
				// same acquisition downloaded from two grid tiles
				l.Debug("duplicate band file", zap.String("kept", prev.Path), zap.String("ignored", p))
				continue
			}
			g.Files[bf.Band] = bf
		}
	}
	ret := make([]Group, 0, len(groups))
	for _, g := range groups {
		ret = append(ret, *g)
	}
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].Key.Tile != ret[j].Key.Tile {
			return ret[i].Key.Tile < ret[j].Key.Tile
		}
		return ret[i].Key.Date < ret[j].Key.Date
	})
	return ret, nil
}

// StackPath returns where the stack of key is written.
func (a *Assembler) StackPath(key StackKey) string {
	return filepath.Join(a.stackDir, key.StackName())
}

// Assemble writes the stack of g, bands in declared order. It returns
// ErrMissingInput if a declared band is absent, and the existing path
// without rewriting it if the stack was already written.
func (a *Assembler) Assemble(ctx context.Context, g Group) (string, error) {
	out := a.StackPath(g.Key)
	if missing := g.Missing(a.sensor.Bands); len(missing) > 0 {
		return "", fmt.Errorf("stack %s: bands %s: %w", g.Key, strings.Join(missing, ","), ErrMissingInput)
	}
	done, err := a.exists(out, len(a.sensor.Bands))
	if err != nil {
		return "", err
	}
	if done {
		log.Logger(ctx).Debug("stack exists", zap.String("path", out))
		return out, nil
	}
	if err := os.MkdirAll(a.stackDir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", a.stackDir, err)
	}

	first, err := Stat(a.lib, g.Files[a.sensor.Bands[0]].Path)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", g.Files[a.sensor.Bands[0]].Path, err)
	}
	sink, err := a.lib.Create(out, first.Profile, len(a.sensor.Bands))
	if err != nil {
		return "", fmt.Errorf("create %s: %w", out, err)
	}
	for i, band := range a.sensor.Bands {
		if err := a.copyBand(sink, i+1, g.Files[band].Path, first.Grid); err != nil {
			_ = sink.Close()
			_ = a.lib.Remove(out)
			return "", fmt.Errorf("stack %s band %s: %w", g.Key, band, err)
		}
		if err := sink.SetDescription(i+1, band); err != nil {
			_ = sink.Close()
			_ = a.lib.Remove(out)
			return "", fmt.Errorf("describe band %d: %w", i+1, err)
		}
	}
	if err := sink.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", out, err)
	}
	log.Logger(ctx).Info("stack written", zap.String("path", out))
	return out, nil
}

func (a *Assembler) copyBand(sink Sink, band int, path string, grid Grid) error {
	src, err := a.lib.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	info := src.Info()
	if info.Width != grid.Width || info.Height != grid.Height {
		return fmt.Errorf("%s is %dx%d, expected %dx%d", path, info.Width, info.Height, grid.Width, grid.Height)
	}
	for _, win := range a.striper.Strips(grid.Width, grid.Height) {
		data, err := src.Read(1, win)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if err := sink.Write(band, win, data); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}
	return nil
}
