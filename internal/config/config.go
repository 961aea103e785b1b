// Package config loads the hlsprep settings from a YAML file, a .env file and
// the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/paulmach/orb"
	"github.com/tcd-eo/hlsprep"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "HLSPREP_"

type Config struct {
	// Base is the root of the data directory layout.
	Base string `yaml:"base" env:"BASE"`
	// Region is the outer ring of the area of interest, as lon/lat pairs.
	Region     [][2]float64 `yaml:"region"`
	TileSizeKm float64      `yaml:"tile_size_km" env:"TILE_SIZE_KM"`

	Fetch    FetchConfig    `yaml:"fetch" envPrefix:"FETCH_"`
	Process  ProcessConfig  `yaml:"process" envPrefix:"PROCESS_"`
	Publish  PublishConfig  `yaml:"publish" envPrefix:"PUBLISH_"`
	Workflow WorkflowConfig `yaml:"workflow" envPrefix:"WORKFLOW_"`

	// Token is the Earthdata bearer token. It is only read from the
	// environment.
	Token string `yaml:"-"`
}

type FetchConfig struct {
	CMRURL        string        `yaml:"cmr_url" env:"CMR_URL"`
	Sensors       []string      `yaml:"sensors" env:"SENSORS" envSeparator:","`
	Start         string        `yaml:"start" env:"START"`
	End           string        `yaml:"end" env:"END"`
	MaxCloudCover float64       `yaml:"max_cloud_cover" env:"MAX_CLOUD_COVER"`
	MaxResults    int           `yaml:"max_results" env:"MAX_RESULTS"`
	Delay         time.Duration `yaml:"delay" env:"DELAY"`
	Workers       int           `yaml:"workers" env:"WORKERS"`
}

type ProcessConfig struct {
	// Bands overrides the declared band list of a sensor.
	Bands         map[string][]string `yaml:"bands"`
	Alerts        string              `yaml:"alerts" env:"ALERTS"`
	LandCover     string              `yaml:"land_cover" env:"LAND_COVER"`
	ReferenceYear int                 `yaml:"reference_year" env:"REFERENCE_YEAR"`
	CropNoData    float64             `yaml:"crop_nodata" env:"CROP_NODATA"`
	FmaskNoData   float64             `yaml:"fmask_nodata" env:"FMASK_NODATA"`
	Resolution    float64             `yaml:"resolution" env:"RESOLUTION"`
	Workers       int                 `yaml:"workers" env:"WORKERS"`
	// CreationOptions are the GDAL GeoTIFF creation options of every output.
	CreationOptions []string `yaml:"creation_options" env:"CREATION_OPTIONS" envSeparator:","`
}

type PublishConfig struct {
	// Bucket is a gs:// url, publishing is disabled when empty.
	Bucket     string `yaml:"bucket" env:"BUCKET"`
	Collection string `yaml:"collection" env:"COLLECTION"`
	// COG uploads cloud optimized copies of the products.
	COG bool `yaml:"cog" env:"COG"`
}

type WorkflowConfig struct {
	Image          string `yaml:"image" env:"IMAGE"`
	Namespace      string `yaml:"namespace" env:"NAMESPACE"`
	ServiceAccount string `yaml:"service_account" env:"SERVICE_ACCOUNT"`
	// Claim is the persistent volume claim holding Base.
	Claim       string `yaml:"claim" env:"CLAIM"`
	Parallelism int    `yaml:"parallelism" env:"PARALLELISM"`
}

// Borneo is the default area of interest.
var Borneo = [][2]float64{{108.8, 7.3}, {119.5, 7.3}, {119.5, -4.2}, {108.8, -4.2}, {108.8, 7.3}}

func Default() Config {
	pc := hlsprep.DefaultPipelineConfig("data")
	return Config{
		Base:       "data",
		Region:     Borneo,
		TileSizeKm: 30,
		Fetch: FetchConfig{
			CMRURL:        "https://cmr.earthdata.nasa.gov/search",
			Sensors:       []string{string(hlsprep.L30), string(hlsprep.S30)},
			Start:         "2021-07-01",
			End:           "2024-12-31",
			MaxCloudCover: 10,
			MaxResults:    50000,
			Delay:         2 * time.Second,
			Workers:       1,
		},
		Process: ProcessConfig{
			ReferenceYear: pc.ReferenceYear,
			CropNoData:    pc.CropNoData,
			FmaskNoData:   pc.FmaskNoData,
			Resolution:    hlsprep.DefaultResolution,
			Workers:       1,
		},
		Publish: PublishConfig{Collection: "hls-borneo-stacks", COG: true},
		Workflow: WorkflowConfig{
			Image:       "hlsprep:latest",
			Namespace:   "default",
			Claim:       "hlsprep-data",
			Parallelism: 4,
		},
	}
}

// Load returns the defaults overridden by path (if not empty), then by the
// variables of dotenv (if it exists) and of the environment.
func Load(path, dotenv string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("load %s: %w", dotenv, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}
	var secrets struct {
		Token string `env:"EARTHDATA_TOKEN"`
	}
	if err := env.Parse(&secrets); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}
	cfg.Token = secrets.Token
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Base == "" {
		return fmt.Errorf("base directory is required")
	}
	if c.TileSizeKm <= 0 {
		return fmt.Errorf("tile size must be positive, got %g", c.TileSizeKm)
	}
	if len(c.Region) < 4 {
		return fmt.Errorf("region needs at least 4 points, got %d", len(c.Region))
	}
	if _, _, err := c.Period(); err != nil {
		return err
	}
	if _, err := c.Sensors(); err != nil {
		return err
	}
	if c.Fetch.MaxCloudCover < 0 || c.Fetch.MaxCloudCover > 100 {
		return fmt.Errorf("max cloud cover must be in [0,100], got %g", c.Fetch.MaxCloudCover)
	}
	if c.Fetch.Workers < 1 || c.Process.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.Fetch.Delay < 0 {
		return fmt.Errorf("negative fetch delay")
	}
	if c.Process.ReferenceYear <= 2000 {
		return fmt.Errorf("reference year must be after 2000, got %d", c.Process.ReferenceYear)
	}
	if c.Process.Resolution <= 0 {
		return fmt.Errorf("resolution must be positive, got %g", c.Process.Resolution)
	}
	return nil
}

// Period returns the fetch temporal range.
func (c Config) Period() (time.Time, time.Time, error) {
	start, err := time.Parse(time.DateOnly, c.Fetch.Start)
	if err != nil {
		return start, start, fmt.Errorf("invalid start date: %w", err)
	}
	end, err := time.Parse(time.DateOnly, c.Fetch.End)
	if err != nil {
		return start, end, fmt.Errorf("invalid end date: %w", err)
	}
	if end.Before(start) {
		return start, end, fmt.Errorf("end date %s before start date %s", c.Fetch.End, c.Fetch.Start)
	}
	return start, end, nil
}

func (c Config) RegionPolygon() orb.Polygon {
	r := make(orb.Ring, 0, len(c.Region))
	for _, p := range c.Region {
		r = append(r, orb.Point{p[0], p[1]})
	}
	if len(r) > 0 && !r.Closed() {
		r = append(r, r[0])
	}
	return orb.Polygon{r}
}

// Sensors returns the configured fetch sensors.
func (c Config) Sensors() ([]hlsprep.Sensor, error) {
	if len(c.Fetch.Sensors) == 0 {
		return nil, fmt.Errorf("no sensor configured")
	}
	var ret []hlsprep.Sensor
	for _, s := range c.Fetch.Sensors {
		switch hlsprep.Sensor(s) {
		case hlsprep.S30, hlsprep.L30:
			ret = append(ret, hlsprep.Sensor(s))
		default:
			return nil, fmt.Errorf("unknown sensor %q", s)
		}
	}
	return ret, nil
}

// Pipeline derives the processing configuration, restricted to the
// configured sensors.
func (c Config) Pipeline() hlsprep.PipelineConfig {
	pc := hlsprep.DefaultPipelineConfig(c.Base)
	sensors, _ := c.Sensors()
	pc.Sensors = nil
	for _, sc := range hlsprep.DefaultSensors() {
		keep := false
		for _, s := range sensors {
			keep = keep || s == sc.Name
		}
		if !keep {
			continue
		}
		if bands, ok := c.Process.Bands[string(sc.Name)]; ok {
			sc.Bands = bands
		}
		pc.Sensors = append(pc.Sensors, sc)
	}
	if c.Process.Alerts != "" {
		pc.Alerts = c.Process.Alerts
	}
	pc.LandCover = c.Process.LandCover
	pc.ReferenceYear = c.Process.ReferenceYear
	pc.CropNoData = c.Process.CropNoData
	pc.FmaskNoData = c.Process.FmaskNoData
	pc.Workers = c.Process.Workers
	return pc
}

// MergedAlerts is where the downloaded alert chunks are merged before
// resampling.
func (c Config) MergedAlerts() string {
	return filepath.Join(c.Base, "3.radd_alerts", "merged_radd_alerts.tif")
}

// AlertChunks is where the alert layer chunks are downloaded.
func (c Config) AlertChunks() string {
	return filepath.Join(c.Base, "radd_alerts")
}
