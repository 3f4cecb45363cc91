package geocorr

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	DefaultIndexTTL       = 5 * time.Minute
	DefaultBoundaryTTL    = 10 * time.Minute
	DefaultTargetRowsTTL  = 5 * time.Minute
	DefaultFuzzyThreshold = 0.85
)

// Config contains the engine's tunables. Build it with options.
type Config struct {
	IndexTTL       time.Duration
	BoundaryTTL    time.Duration
	TargetRowsTTL  time.Duration
	FuzzyThreshold float64
	ColumnRules    []ColumnRule
	Clock          func() time.Time
	Logger         *zap.Logger
	Boundaries     BoundarySource
	Registerer     prometheus.Registerer
}

// Option is a functional option for configuring the engine and its parts.
type Option func(*Config)

// WithIndexTTL sets how long a built index is served before a rebuild.
func WithIndexTTL(d time.Duration) Option {
	return func(c *Config) { c.IndexTTL = d }
}

// WithBoundaryTTL sets how long loaded boundary collections are kept.
func WithBoundaryTTL(d time.Duration) Option {
	return func(c *Config) { c.BoundaryTTL = d }
}

// WithTargetRowsTTL sets how long relationship target rows are cached.
func WithTargetRowsTTL(d time.Duration) Option {
	return func(c *Config) { c.TargetRowsTTL = d }
}

// WithFuzzyThreshold sets the threshold used by fuzzy relationships that do
// not carry their own.
func WithFuzzyThreshold(t float64) Option {
	return func(c *Config) { c.FuzzyThreshold = t }
}

// WithColumnRules replaces the column classification rules.
func WithColumnRules(rules []ColumnRule) Option {
	return func(c *Config) { c.ColumnRules = rules }
}

// WithClock injects the time source used for TTL decisions.
func WithClock(now func() time.Time) Option {
	return func(c *Config) { c.Clock = now }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithBoundarySource enables boundary detection and containment queries.
func WithBoundarySource(s BoundarySource) Option {
	return func(c *Config) { c.Boundaries = s }
}

// WithRegisterer registers the engine's metrics with r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *Config) { c.Registerer = r }
}

func defaultConfig() *Config {
	return &Config{
		IndexTTL:       DefaultIndexTTL,
		BoundaryTTL:    DefaultBoundaryTTL,
		TargetRowsTTL:  DefaultTargetRowsTTL,
		FuzzyThreshold: DefaultFuzzyThreshold,
		ColumnRules:    DefaultColumnRules,
		Clock:          time.Now,
		Logger:         zap.NewNop(),
	}
}

func newConfig(opts []Option) *Config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ColumnRules == nil {
		cfg.ColumnRules = DefaultColumnRules
	}
	return cfg
}

// FileConfig is the on-disk TOML configuration used by the geocorr command.
//
//	[cache]
//	index_ttl = "5m"
//	boundary_ttl = "10m"
//
//	[boundaries]
//	departments = "data/departamentos.geojson"
//	municipalities = "data/municipios.geojson"
type FileConfig struct {
	Cache struct {
		IndexTTL      string `toml:"index_ttl"`
		BoundaryTTL   string `toml:"boundary_ttl"`
		TargetRowsTTL string `toml:"target_rows_ttl"`
	} `toml:"cache"`
	Boundaries struct {
		Departments    string `toml:"departments"`
		Municipalities string `toml:"municipalities"`
	} `toml:"boundaries"`
	Matching struct {
		FuzzyThreshold float64 `toml:"fuzzy_threshold"`
	} `toml:"matching"`
	Datasets struct {
		Dir string `toml:"dir"`
	} `toml:"datasets"`
	Postgres struct {
		DSN string `toml:"dsn"`
	} `toml:"postgres"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
}

// LoadConfig reads a TOML configuration file.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	var fc FileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}
	return &fc, nil
}

// Options converts the file configuration to engine options. Boundary files
// are wired only when both paths are set.
func (fc *FileConfig) Options() ([]Option, error) {
	var opts []Option
	durations := []struct {
		name string
		val  string
		opt  func(time.Duration) Option
	}{
		{"cache.index_ttl", fc.Cache.IndexTTL, WithIndexTTL},
		{"cache.boundary_ttl", fc.Cache.BoundaryTTL, WithBoundaryTTL},
		{"cache.target_rows_ttl", fc.Cache.TargetRowsTTL, WithTargetRowsTTL},
	}
	for _, d := range durations {
		if d.val == "" {
			continue
		}
		v, err := time.ParseDuration(d.val)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
		opts = append(opts, d.opt(v))
	}
	if t := fc.Matching.FuzzyThreshold; t != 0 {
		if t < 0 || t > 1 {
			return nil, fmt.Errorf("invalid matching.fuzzy_threshold %v: must be within 0..1", t)
		}
		opts = append(opts, WithFuzzyThreshold(t))
	}
	if fc.Boundaries.Departments != "" && fc.Boundaries.Municipalities != "" {
		opts = append(opts, WithBoundarySource(FileBoundarySource{
			DepartmentsPath:    fc.Boundaries.Departments,
			MunicipalitiesPath: fc.Boundaries.Municipalities,
		}))
	}
	return opts, nil
}
