package dataset

import (
	"context"
	"math"
	"testing"
	"testing/fstest"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"fluxweaver/internal/config"
	"fluxweaver/internal/core"
)

func testConfig(t *testing.T) config.PipelineConfig {
	t.Helper()
	cfg, err := config.Load(config.DefaultLayer(), config.Layer{Name: "test", Data: []byte(`
predictor_traces: [SecondStage/TA_1_1_1, SecondStage/USTAR]
load_concurrency: 2
`)})
	require.NoError(t, err)
	return cfg
}

// datenum returns the MATLAB datenum of t.
func datenum(t time.Time) float64 {
	return 719529 + float64(t.Unix())/86400
}

func mustEncode(t *testing.T, vals []float64, dtype string) []byte {
	t.Helper()
	b, err := Encode(vals, dtype, -9999)
	require.NoError(t, err)
	return b
}

// addYear writes a complete site-year with n rows starting at Jan 1 00:30.
func addYear(t *testing.T, fsys fstest.MapFS, cfg config.PipelineConfig, year int, site string, n int, fill float64) {
	t.Helper()
	start := time.Date(year, 1, 1, 0, 30, 0, 0, time.UTC)
	ts := make([]float64, n)
	for i := range ts {
		ts[i] = datenum(start.Add(time.Duration(i) * core.HalfHour))
	}
	fsys[TimestampPath(year, site, cfg)] = &fstest.MapFile{Data: mustEncode(t, ts, "float64")}

	for k, tr := range append(append([]string(nil), cfg.PredictorTraces...), cfg.MethaneTrace) {
		vals := make([]float64, n)
		for i := range vals {
			vals[i] = fill + float64(k*100+i)
		}
		fsys[TracePath(year, site, tr)] = &fstest.MapFile{Data: mustEncode(t, vals, "float32")}
	}
}

func TestYears(t *testing.T) {
	fsys := fstest.MapFS{
		"2021/BB/Clean/x":              {},
		"2019/BB/Clean/x":              {},
		"Calculation_Procedures/a.yml": {},
		"methane_gapfill_ml/BB/x":      {},
		"20x1/BB/x":                    {},
		"readme.txt":                   {},
	}
	years, err := Years(fsys)
	require.NoError(t, err)
	assert.Equal(t, []int{2019, 2021}, years)
}

func TestLoadYear(t *testing.T) {
	cfg := testConfig(t)
	fsys := fstest.MapFS{}
	addYear(t, fsys, cfg, 2021, "BB", 4, 1)

	ds, err := LoadYear(context.Background(), fsys, 2021, "BB", cfg)
	require.NoError(t, err)
	assert.Equal(t, 2021, ds.Year)
	assert.Equal(t, []string{"TA_1_1_1", "USTAR", core.TargetColumn}, ds.ColumnNames())
	require.Equal(t, 4, ds.Len())
	assert.Equal(t, time.Date(2021, 1, 1, 0, 30, 0, 0, time.UTC), ds.Timestamps[0])
	assert.Equal(t, time.Date(2021, 1, 1, 2, 0, 0, 0, time.UTC), ds.Timestamps[3])

	ch4, ok := ds.Column(core.TargetColumn)
	require.True(t, ok)
	assert.Equal(t, []float64{201, 202, 203, 204}, ch4)
	require.NoError(t, ds.Validate())
}

func TestLoadYear_NAValueBecomesNaN(t *testing.T) {
	cfg := testConfig(t)
	fsys := fstest.MapFS{}
	addYear(t, fsys, cfg, 2021, "BB", 3, 1)
	fsys[TracePath(2021, "BB", cfg.MethaneTrace)] = &fstest.MapFile{Data: mustEncode(t, []float64{1, -9999, 3}, "float32")}

	ds, err := LoadYear(context.Background(), fsys, 2021, "BB", cfg)
	require.NoError(t, err)
	ch4, _ := ds.Column(core.TargetColumn)
	assert.Equal(t, 1.0, ch4[0])
	assert.True(t, math.IsNaN(ch4[1]))
	assert.False(t, core.Observed(ch4[1]))
}

func TestLoadYear_MissingVariable(t *testing.T) {
	cfg := testConfig(t)
	fsys := fstest.MapFS{}
	addYear(t, fsys, cfg, 2021, "BB", 3, 1)
	delete(fsys, TracePath(2021, "BB", "SecondStage/USTAR"))

	_, err := LoadYear(context.Background(), fsys, 2021, "BB", cfg)
	var mv *MissingVariableError
	require.True(t, errors.As(err, &mv), "got %v", err)
	assert.Equal(t, 2021, mv.Year)
	assert.Equal(t, "2021/BB/Clean/SecondStage/USTAR", mv.Path)
}

func TestLoadYear_LengthMismatchIsFatal(t *testing.T) {
	cfg := testConfig(t)
	fsys := fstest.MapFS{}
	addYear(t, fsys, cfg, 2021, "BB", 3, 1)
	fsys[TracePath(2021, "BB", "SecondStage/USTAR")] = &fstest.MapFile{Data: mustEncode(t, []float64{1, 2}, "float32")}

	_, err := LoadYear(context.Background(), fsys, 2021, "BB", cfg)
	require.Error(t, err)
	var mv *MissingVariableError
	assert.False(t, errors.As(err, &mv))
	assert.Contains(t, err.Error(), "has 2 values")
}

func TestLoadAll_ExcludesIncompleteYears(t *testing.T) {
	cfg := testConfig(t)
	fsys := fstest.MapFS{}
	addYear(t, fsys, cfg, 2019, "BB", 3, 1)
	addYear(t, fsys, cfg, 2020, "BB", 3, 2)
	addYear(t, fsys, cfg, 2021, "BB", 3, 3)
	addYear(t, fsys, cfg, 2021, "OTHER", 3, 3)
	delete(fsys, TimestampPath(2020, "BB", cfg))

	years, excluded, err := LoadAll(context.Background(), fsys, "BB", cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Len(t, years, 2)
	assert.Contains(t, years, 2019)
	assert.Contains(t, years, 2021)
	require.Len(t, excluded, 1)
	assert.Equal(t, 2020, excluded[0].Year)
}

func TestLoadAll_FatalErrorAborts(t *testing.T) {
	cfg := testConfig(t)
	fsys := fstest.MapFS{}
	addYear(t, fsys, cfg, 2020, "BB", 3, 1)
	fsys[TracePath(2020, "BB", cfg.MethaneTrace)] = &fstest.MapFile{Data: []byte{1, 2, 3}}

	_, _, err := LoadAll(context.Background(), fsys, "BB", cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading year 2020")
}

func TestLoadAll_FingerprintsAreStable(t *testing.T) {
	cfg := testConfig(t)
	fsys := fstest.MapFS{}
	addYear(t, fsys, cfg, 2020, "BB", 5, 1)
	addYear(t, fsys, cfg, 2021, "BB", 5, 2)

	a, _, err := LoadAll(context.Background(), fsys, "BB", cfg, nil)
	require.NoError(t, err)
	b, _, err := LoadAll(context.Background(), fsys, "BB", cfg, nil)
	require.NoError(t, err)
	assert.True(t, core.FingerprintAll(a).Equal(core.FingerprintAll(b)))

	fsys[TracePath(2021, "BB", cfg.MethaneTrace)] = &fstest.MapFile{Data: mustEncode(t, []float64{1, 2, 3, 4, 5}, "float32")}
	c, _, err := LoadAll(context.Background(), fsys, "BB", cfg, nil)
	require.NoError(t, err)
	fa, fc := core.FingerprintAll(a), core.FingerprintAll(c)
	assert.Equal(t, fa[2020], fc[2020])
	assert.NotEqual(t, fa[2021], fc[2021])
}

func TestDecodeEncode(t *testing.T) {
	for _, dt := range []string{"float32", "<f8", "int32", "i8", "uint32"} {
		t.Run(dt, func(t *testing.T) {
			b, err := Encode([]float64{0, 1, 42, 7}, dt, -9999)
			require.NoError(t, err)
			got, err := Decode(b, dt)
			require.NoError(t, err)
			assert.Equal(t, []float64{0, 1, 42, 7}, got)
		})
	}

	_, err := Decode([]byte{1, 2, 3}, "float32")
	assert.Error(t, err)
	_, err = Decode(nil, "complex128")
	assert.Error(t, err)

	b, err := Encode([]float64{math.NaN()}, "int32", -9999)
	require.NoError(t, err)
	got, err := Decode(b, "int32")
	require.NoError(t, err)
	assert.Equal(t, []float64{-9999}, got)
}
