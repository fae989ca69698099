// Package dataset reads per-year binary traces from a flux database into
// core.YearDataset values.
//
// Database layout, relative to the database root:
//
//	<year>/<site>/Clean/SecondStage/<timestamp name>
//	<year>/<site>/Clean/<trace path>
//
// Every trace is a headerless array of little-endian values of one dtype.
package dataset

import (
	"context"
	"fmt"
	"io/fs"
	"math"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fluxweaver/internal/config"
	"fluxweaver/internal/core"
)

// MissingVariableError reports a trace file absent for one year. The year is
// excluded from the run; it is not fatal.
type MissingVariableError struct {
	Year int
	Site string
	Path string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("year %d site %s: missing variable %s", e.Year, e.Site, e.Path)
}

// Exclusion records a year dropped from the run and why.
type Exclusion struct {
	Year int
	// Missing is the first absent trace, relative to the database root.
	Missing string
	Err     error
}

// Years returns the numeric top-level directories of the database, ascending.
func Years(fsys fs.FS) ([]int, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, errors.Wrap(err, "listing database years")
	}
	var out []int
	for _, e := range entries {
		if !e.IsDir() || !isDigits(e.Name()) {
			continue
		}
		y, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		out = append(out, y)
	}
	sort.Ints(out)
	return out, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func cleanDir(year int, site string) string {
	return path.Join(strconv.Itoa(year), site, "Clean")
}

// TimestampPath is the timestamp trace of a site-year.
func TimestampPath(year int, site string, cfg config.PipelineConfig) string {
	return path.Join(cleanDir(year, site), "SecondStage", cfg.DBase.Timestamp.Name)
}

// TracePath is a measurement trace of a site-year.
func TracePath(year int, site, trace string) string {
	return path.Join(cleanDir(year, site), path.Clean(trace))
}

// LoadYear reads one year of one site.
//
// Columns are the predictors in configured order followed by core.TargetColumn.
// Values equal to cfg.NAValue become NaN. Timestamps are period ends.
func LoadYear(ctx context.Context, fsys fs.FS, year int, site string, cfg config.PipelineConfig) (*core.YearDataset, error) {
	tsPath := TimestampPath(year, site, cfg)
	type source struct {
		column string
		path   string
	}
	sources := make([]source, 0, len(cfg.PredictorTraces)+1)
	for _, tr := range cfg.PredictorTraces {
		sources = append(sources, source{column: config.TraceStem(tr), path: TracePath(year, site, tr)})
	}
	sources = append(sources, source{column: core.TargetColumn, path: TracePath(year, site, cfg.MethaneTrace)})

	// Check presence first so a missing variable is reported without
	// decoding anything.
	required := []string{tsPath}
	for _, src := range sources {
		required = append(required, src.path)
	}
	for _, p := range required {
		if _, err := fs.Stat(fsys, p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, &MissingVariableError{Year: year, Site: site, Path: p}
			}
			return nil, errors.Wrapf(err, "stat %s", p)
		}
	}

	raw, err := readTrace(fsys, tsPath, cfg.DBase.Timestamp.DType)
	if err != nil {
		return nil, err
	}
	stamps, err := decodeTimestamps(raw, cfg.DBase.Timestamp)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", tsPath)
	}

	ds := &core.YearDataset{Site: site, Year: year}
	ds.Timestamps = stamps
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vals, err := readTrace(fsys, src.path, cfg.DBase.Traces.DType)
		if err != nil {
			return nil, err
		}
		if len(vals) != len(stamps) {
			return nil, errors.Errorf("year %d site %s: trace %s has %d values, timestamps have %d",
				year, site, src.path, len(vals), len(stamps))
		}
		for i, v := range vals {
			if v == cfg.NAValue {
				vals[i] = math.NaN()
			}
		}
		ds.Columns = append(ds.Columns, core.Column{Name: src.column, Values: vals})
	}
	return ds, nil
}

func readTrace(fsys fs.FS, p, dtype string) ([]float64, error) {
	data, err := fs.ReadFile(fsys, p)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", p)
	}
	vals, err := Decode(data, dtype)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", p)
	}
	return vals, nil
}

var unitSeconds = map[string]float64{
	"D": 86400,
	"h": 3600,
	"m": 60,
	"s": 1,
}

// decodeTimestamps converts raw offsets to UTC period ends, rounded to the
// second.
func decodeTimestamps(raw []float64, md config.TimestampMetadata) ([]time.Time, error) {
	scale, ok := unitSeconds[md.BaseUnit]
	if !ok {
		return nil, errors.Errorf("unsupported base unit %q", md.BaseUnit)
	}
	out := make([]time.Time, len(raw))
	for i, v := range raw {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.Errorf("timestamp %d is not finite", i)
		}
		secs := math.Round((v - md.Base) * scale)
		out[i] = time.Unix(int64(secs), 0).UTC()
	}
	return out, nil
}

// LoadAll loads every year of the database for site, at most
// cfg.LoadConcurrency at a time.
//
// Years missing a variable are excluded and reported; any other failure
// aborts the load.
func LoadAll(ctx context.Context, fsys fs.FS, site string, cfg config.PipelineConfig, logger *zap.Logger) (map[int]*core.YearDataset, []Exclusion, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	years, err := Years(fsys)
	if err != nil {
		return nil, nil, err
	}

	var (
		mu       sync.Mutex
		loaded   = make(map[int]*core.YearDataset, len(years))
		excluded []Exclusion
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(cfg.LoadConcurrency, 1))
	for _, year := range years {
		g.Go(func() error {
			ds, err := LoadYear(gctx, fsys, year, site, cfg)
			var mv *MissingVariableError
			switch {
			case errors.As(err, &mv):
				logger.Warn("loader: skipping year",
					zap.Int("data_year", year), zap.String("missing", mv.Path))
				mu.Lock()
				excluded = append(excluded, Exclusion{Year: year, Missing: mv.Path, Err: err})
				mu.Unlock()
				return nil
			case err != nil:
				return errors.Wrapf(err, "loading year %d", year)
			}
			mu.Lock()
			loaded[year] = ds
			mu.Unlock()
			logger.Debug("loader: loaded year", zap.Int("data_year", year), zap.Int("rows", ds.Len()))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	sort.Slice(excluded, func(i, j int) bool { return excluded[i].Year < excluded[j].Year })
	return loaded, excluded, nil
}
