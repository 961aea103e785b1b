package fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/tcd-eo/hlsprep"
	"go.airbusds-geo.com/log"
	"go.uber.org/zap"
)

const SummaryFile = "download_summary.txt"

// Summary aggregates the results of a Run.
type Summary struct {
	RunID   string
	Results []Result
	// SearchErrors are the tiles that could not be searched.
	SearchErrors []error
}

func (s Summary) Failed() int {
	n := len(s.SearchErrors)
	for _, r := range s.Results {
		n += len(r.Errors)
	}
	return n
}

// Run fetches every tile for every sensor, one tile at a time. Only a
// cancelled context aborts the run.
func (f *Fetcher) Run(ctx context.Context, tiles []hlsprep.Tile, sensors []hlsprep.Sensor) (Summary, error) {
	s := Summary{RunID: uuid.New().String()}
	if err := os.MkdirAll(f.rawDir, 0o755); err != nil {
		return s, fmt.Errorf("mkdir %s: %w", f.rawDir, err)
	}
	sf, err := os.OpenFile(filepath.Join(f.rawDir, SummaryFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return s, fmt.Errorf("open summary: %w", err)
	}
	defer sf.Close()
	fmt.Fprintf(sf, "run %s initiated at %s\n", s.RunID, time.Now().Format(time.RFC3339))
	fmt.Fprintf(sf, "tiles: %d\nsensors: %v\nperiod: %s to %s\n\n", len(tiles), sensors,
		f.start.Format(time.DateOnly), f.end.Format(time.DateOnly))

	l := log.Logger(ctx).With(zap.String("run", s.RunID))
	for _, sensor := range sensors {
		for i, tile := range tiles {
			if err := ctx.Err(); err != nil {
				return s, err
			}
			l.Info("fetching tile", zap.String("sensor", string(sensor)), zap.String("tile", tile.ID),
				zap.Int("index", i+1), zap.Int("of", len(tiles)))
			res, err := f.FetchTile(ctx, tile, sensor)
			s.Results = append(s.Results, res)
			if ctx.Err() != nil {
				return s, ctx.Err()
			}
			if err != nil {
				s.SearchErrors = append(s.SearchErrors, err)
			}
			fmt.Fprintf(sf, "%s %s: found %d, downloaded %d, skipped %d, failed %d\n", tile.ID, sensor,
				res.Found, res.Downloaded, res.Skipped, len(res.Errors))
		}
	}
	fmt.Fprintf(sf, "run %s completed at %s with %d failures\n", s.RunID, time.Now().Format(time.RFC3339), s.Failed())
	return s, nil
}
