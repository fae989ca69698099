package baseline

import (
	"math"
	"time"

	"github.com/pkg/errors"

	"fluxweaver/internal/config"
	"fluxweaver/internal/core"
)

// Temporal feature names, appended after the predictors when enabled.
var temporalFeatures = []string{"doy_sin", "doy_cos", "tod_sin", "tod_cos"}

// features is a column-major design without intercept. Missing values are NaN.
type features struct {
	names []string
	cols  [][]float64
}

func (f *features) rows() int {
	if len(f.cols) == 0 {
		return 0
	}
	return len(f.cols[0])
}

// row copies the feature values of row i into dst.
func (f *features) row(i int, dst []float64) []float64 {
	dst = dst[:0]
	for _, c := range f.cols {
		dst = append(dst, c[i])
	}
	return dst
}

// featureNames lists the model inputs for cfg.
func featureNames(cfg config.PipelineConfig) []string {
	names := append([]string(nil), cfg.Predictors()...)
	if cfg.TemporalFeatures {
		names = append(names, temporalFeatures...)
	}
	return names
}

// buildFeatures extracts the configured predictors from t, plus temporal
// features derived from the period midpoints.
func buildFeatures(t *core.Table, cfg config.PipelineConfig) (*features, error) {
	f := &features{}
	for _, name := range cfg.Predictors() {
		vals, ok := t.Column(name)
		if !ok {
			return nil, errors.Errorf("dataset has no predictor column %q", name)
		}
		f.names = append(f.names, name)
		f.cols = append(f.cols, vals)
	}
	if !cfg.TemporalFeatures {
		return f, nil
	}

	n := t.Len()
	cols := make([][]float64, len(temporalFeatures))
	for k := range cols {
		cols[k] = make([]float64, n)
	}
	for i, end := range t.Timestamps {
		mid := end.Add(-core.HalfHour / 2)
		doy, tod := seasonalAngles(mid)
		cols[0][i] = math.Sin(doy)
		cols[1][i] = math.Cos(doy)
		cols[2][i] = math.Sin(tod)
		cols[3][i] = math.Cos(tod)
	}
	f.names = append(f.names, temporalFeatures...)
	f.cols = append(f.cols, cols...)
	return f, nil
}

// seasonalAngles returns the day-of-year and time-of-day phases of ts in
// radians.
func seasonalAngles(ts time.Time) (doy, tod float64) {
	ts = ts.UTC()
	minutes := float64(ts.Hour()*60 + ts.Minute())
	dayFrac := float64(ts.YearDay()-1) + minutes/1440
	return 2 * math.Pi * dayFrac / 365.25, 2 * math.Pi * minutes / 1440
}

// target returns the methane column.
func target(t *core.Table) ([]float64, error) {
	y, ok := t.Column(core.TargetColumn)
	if !ok {
		return nil, errors.Errorf("dataset has no %s column", core.TargetColumn)
	}
	return y, nil
}
