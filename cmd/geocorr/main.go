// Command geocorr builds the geographic index over a dataset collection and
// answers queries against it.
//
// Usage:
//
//	geocorr index --datasets ./data
//	geocorr query Chiquimula Jocotán
//	geocorr detect Guatemala --level level1
//	geocorr resolve --target partidos --column id --strategy id 42
//	geocorr boundaries --lat 14.63 --lng -90.51
//
// Datasets come from PostgreSQL when PG_DSN (or postgres.dsn) is set and from
// a directory of JSON files otherwise. A .env file in the working directory is
// loaded first.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/andreiashu/geocorr"
	"github.com/andreiashu/geocorr/pgstore"
)

type rootOptions struct {
	configPath  string
	datasetsDir string
	dsn         string
	logLevel    string
	timeout     time.Duration
}

type app struct {
	engine *geocorr.Engine
	logger *zap.Logger
	close  func() error
}

func main() {
	_ = godotenv.Load(".env")
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "geocorr",
		Short:         "Correlate datasets by Guatemalan department and municipality",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", os.Getenv("GEOCORR_CONFIG"), "TOML config file")
	pf.StringVar(&opts.datasetsDir, "datasets", "", "directory of dataset JSON files")
	pf.StringVar(&opts.dsn, "dsn", os.Getenv("PG_DSN"), "PostgreSQL DSN for the datasets table")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.DurationVar(&opts.timeout, "timeout", 60*time.Second, "operation timeout")

	cmd.AddCommand(
		newIndexCommand(opts),
		newQueryCommand(opts),
		newDetectCommand(opts),
		newResolveCommand(opts),
		newBoundariesCommand(opts),
	)
	return cmd
}

// setup loads configuration and wires the engine. Flags override the file.
func setup(opts *rootOptions) (*app, error) {
	fc := &geocorr.FileConfig{}
	if opts.configPath != "" {
		var err error
		if fc, err = geocorr.LoadConfig(opts.configPath); err != nil {
			return nil, err
		}
	}
	level := fc.Log.Level
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	logger, err := newLogger(level, fc.Log.Format)
	if err != nil {
		return nil, err
	}
	engineOpts, err := fc.Options()
	if err != nil {
		return nil, err
	}
	engineOpts = append(engineOpts, geocorr.WithLogger(logger))

	dsn := opts.dsn
	if dsn == "" {
		dsn = fc.Postgres.DSN
	}
	dir := opts.datasetsDir
	if dir == "" {
		dir = fc.Datasets.Dir
	}

	a := &app{logger: logger, close: func() error { return nil }}
	var source geocorr.DatasetSource
	switch {
	case dsn != "":
		st, err := pgstore.Open(dsn, logger)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		source, a.close = st, st.Close
	case dir != "":
		source = geocorr.DirSource{Dir: dir, Logger: logger}
	default:
		return nil, fmt.Errorf("no dataset source: set --dsn, PG_DSN or --datasets")
	}
	a.engine = geocorr.New(source, engineOpts...)
	return a, nil
}

func newLogger(level, format string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	}
	if level != "" {
		var l zapcore.Level
		if err := l.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(l)
	}
	return cfg.Build()
}

// run wires the app, runs fn with a timeout and releases resources.
func run(opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	a, err := setup(opts)
	if err != nil {
		return err
	}
	defer a.close()
	defer a.logger.Sync()
	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newIndexCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Build the geographic index and print a summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, func(ctx context.Context, a *app) error {
				idx, err := a.engine.BuildGeographicIndex(ctx)
				if err != nil {
					return err
				}
				summary := map[string]any{
					"builtAt":     idx.BuiltAt,
					"locations":   idx.Len(),
					"datasets":    idx.DatasetCount,
					"skipped":     idx.SkippedCount,
					"departments": idx.Departments(),
				}
				return printJSON(summary)
			})
		},
	}
}

func newQueryCommand(opts *rootOptions) *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "query DEPARTMENT [MUNICIPALITY]",
		Short: "Print the data correlated for a location",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, func(ctx context.Context, a *app) error {
				if list {
					return printJSON(a.engine.Municipalities(ctx, args[0]))
				}
				var muni string
				if len(args) == 2 {
					muni = args[1]
				}
				rec := a.engine.GetGeographicData(ctx, args[0], muni)
				if rec == nil {
					return fmt.Errorf("no data for %q", args)
				}
				return printJSON(rec)
			})
		},
	}
	cmd.Flags().BoolVar(&list, "municipalities", false, "list the department's municipality records")
	return cmd
}

func newDetectCommand(opts *rootOptions) *cobra.Command {
	var level string
	cmd := &cobra.Command{
		Use:   "detect NAME",
		Short: "Report whether a name is a known department or municipality",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, func(ctx context.Context, a *app) error {
				return printJSON(a.engine.DetectBoundaryLevel(ctx, args[0], level))
			})
		},
	}
	cmd.Flags().StringVar(&level, "level", "", "level1 (departments), level2 (municipalities) or empty for both")
	return cmd
}

func newResolveCommand(opts *rootOptions) *cobra.Command {
	var (
		rel       geocorr.ColumnRelationship
		strategy  string
		sourceDS  string
		sourceCol string
	)
	cmd := &cobra.Command{
		Use:   "resolve VALUE",
		Short: "Resolve a cell value against a target dataset column",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rel.Enabled = true
			rel.MatchingStrategy = geocorr.MatchingStrategy(strategy)
			rel.CreatedAt = time.Now()
			if err := rel.Validate(); err != nil {
				return err
			}
			return run(opts, func(ctx context.Context, a *app) error {
				return printJSON(a.engine.ResolveRelationship(ctx, args[0], sourceDS, sourceCol, rel, nil))
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&rel.TargetDatasetID, "target", "", "target dataset id")
	f.StringVar(&rel.TargetColumnName, "column", "", "target column name")
	f.StringVar(&strategy, "strategy", string(geocorr.StrategyNameNormalized), "id, name_exact, name_normalized or fuzzy")
	f.Float64Var(&rel.FuzzyThreshold, "threshold", 0, "fuzzy threshold (default from config)")
	f.StringVar(&sourceDS, "source-dataset", "", "source dataset id, for logging")
	f.StringVar(&sourceCol, "source-column", "", "source column name, for logging")
	_ = cmd.MarkFlagRequired("target")
	_ = cmd.MarkFlagRequired("column")
	return cmd
}

func newBoundariesCommand(opts *rootOptions) *cobra.Command {
	var (
		lat, lng  float64
		precision int
		search    string
	)
	cmd := &cobra.Command{
		Use:   "boundaries",
		Short: "Locate a point or search boundary names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, func(ctx context.Context, a *app) error {
				b := a.engine.Boundaries()
				if b == nil {
					return fmt.Errorf("no boundary files configured")
				}
				if err := b.Load(ctx); err != nil {
					return err
				}
				if search != "" {
					return printJSON(b.Search(ctx, search, geocorr.ScopeAll))
				}
				if !cmd.Flags().Changed("lat") || !cmd.Flags().Changed("lng") {
					return fmt.Errorf("either --search or both --lat and --lng are required")
				}
				dept, muni := b.Locate(ctx, lat, lng)
				out := map[string]any{"department": dept, "municipality": muni}
				if precision > 0 {
					out["near"] = b.Near(ctx, lat, lng, precision)
				}
				return printJSON(out)
			})
		},
	}
	f := cmd.Flags()
	f.Float64Var(&lat, "lat", 0, "latitude")
	f.Float64Var(&lng, "lng", 0, "longitude")
	f.IntVar(&precision, "near", 0, "also list boundaries whose centroid shares a geohash cell of this length")
	f.StringVar(&search, "search", "", "search boundary names instead of locating a point")
	return cmd
}
