package pipeline_test

import (
	"context"
	"math"
	"path"
	"testing"
	"testing/fstest"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"fluxweaver/internal/artifact"
	"fluxweaver/internal/baseline"
	"fluxweaver/internal/config"
	"fluxweaver/internal/core"
	"fluxweaver/internal/dataset"
	"fluxweaver/internal/export"
	"fluxweaver/internal/ledger"
	"fluxweaver/internal/pipeline"
	"fluxweaver/internal/trace"
)

const dbPath = "/db"

func testConfig(t *testing.T, extra string) config.PipelineConfig {
	t.Helper()
	layers := []config.Layer{
		config.DefaultLayer(),
		{Name: "test", Data: []byte(`
models: [ols, ridge]
predictor_traces: [SecondStage/TA, SecondStage/USTAR]
num_splits: 2
test_fraction: 0.2
load_concurrency: 2
`)},
	}
	if extra != "" {
		layers = append(layers, config.Layer{Name: "extra", Data: []byte(extra)})
	}
	cfg, err := config.Load(layers...)
	require.NoError(t, err)
	return cfg
}

// addYear writes n half-hours of site data for year. Every fifth methane
// value is the NA marker.
func addYear(t *testing.T, db fstest.MapFS, cfg config.PipelineConfig, year int, n int, offset float64) {
	t.Helper()
	start := time.Date(year, 1, 1, 0, 30, 0, 0, time.UTC)
	ts := make([]float64, n)
	ta := make([]float64, n)
	ustar := make([]float64, n)
	ch4 := make([]float64, n)
	for i := 0; i < n; i++ {
		ts[i] = 719529 + float64(start.Add(time.Duration(i)*core.HalfHour).Unix())/86400
		ta[i] = 10 + 5*math.Sin(float64(i)/7) + offset
		ustar[i] = 0.3 + 0.1*math.Cos(float64(i)/3)
		ch4[i] = 2*ta[i] - ustar[i] + 0.05*math.Sin(float64(i)*1.7)
		if i%5 == 0 {
			ch4[i] = cfg.NAValue
		}
	}
	put := func(p string, vals []float64, dtype string) {
		b, err := dataset.Encode(vals, dtype, cfg.NAValue)
		require.NoError(t, err)
		db[p] = &fstest.MapFile{Data: b}
	}
	put(dataset.TimestampPath(year, "BB", cfg), ts, cfg.DBase.Timestamp.DType)
	put(dataset.TracePath(year, "BB", "SecondStage/TA"), ta, cfg.DBase.Traces.DType)
	put(dataset.TracePath(year, "BB", "SecondStage/USTAR"), ustar, cfg.DBase.Traces.DType)
	put(dataset.TracePath(year, "BB", cfg.MethaneTrace), ch4, cfg.DBase.Traces.DType)
}

func newRunner(t *testing.T, db fstest.MapFS, store artifact.Store, exec pipeline.StageExecutor) (*pipeline.Runner, *trace.Recorder) {
	t.Helper()
	r, err := pipeline.NewRunner(db, dbPath, store, exec, zaptest.NewLogger(t))
	require.NoError(t, err)
	rec := trace.NewRecorder()
	r.Trace = rec
	return r, rec
}

func kinds(events []trace.Event, subject string) []trace.EventKind {
	var out []trace.EventKind
	for _, e := range events {
		if e.Subject == subject {
			out = append(out, e.Kind)
		}
	}
	return out
}

func TestRun_FirstRunExecutesEverythingThenCaches(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "")
	db := fstest.MapFS{}
	addYear(t, db, cfg, 2020, 240, 0)
	addYear(t, db, cfg, 2021, 240, 1)
	store := artifact.NewMemoryStore()

	r, rec := newRunner(t, db, store, baseline.New(store, zaptest.NewLogger(t)))
	res, err := r.Run(ctx, pipeline.Request{Site: "BB", Year: 2021, Config: cfg})
	require.NoError(t, err)

	assert.Equal(t, core.AllStages(), res.Plan.Stages)
	assert.True(t, res.Plan.Discarded)
	assert.Equal(t, core.AllStages(), res.Executed)
	assert.Equal(t, []int{2020, 2021}, res.Fingerprints.Years())
	assert.Len(t, res.Basis, 64)

	outDir := export.Dir(dbPath, 2021, "BB")
	assert.Equal(t, []string{
		path.Join(outDir, "FCH4_F_ML_OLS"),
		path.Join(outDir, "FCH4_F_ML_OLS_UNCERTAINTY"),
		path.Join(outDir, "FCH4_F_ML_RIDGE"),
		path.Join(outDir, "FCH4_F_ML_RIDGE_UNCERTAINTY"),
	}, res.Exported)

	rr, err := ledger.New(store).Read(res.SitePath)
	require.NoError(t, err)
	assert.Equal(t, res.Fingerprints, rr.Hashes)

	events := rec.Events()
	assert.Contains(t, kinds(events, "site"), trace.EventSiteDiscarded)
	assert.Equal(t, []trace.EventKind{trace.EventStageInvalidated, trace.EventStageExecuted, trace.EventLedgerWritten},
		kinds(events, core.StagePreprocess.String()))
	assert.Equal(t, []trace.EventKind{trace.EventTraceExported}, kinds(events, "export/ols"))

	second, rec2 := newRunner(t, db, store, baseline.New(store, zaptest.NewLogger(t)))
	res2, err := second.Run(ctx, pipeline.Request{Site: "BB", Year: 2021, Config: cfg})
	require.NoError(t, err)
	assert.Equal(t, []core.Stage{core.StageGapfill}, res2.Plan.Stages)
	assert.Equal(t, []core.Stage{core.StageGapfill}, res2.Executed)
	assert.False(t, res2.Plan.Discarded)
	assert.Equal(t, res.Basis, res2.Basis)
	assert.Equal(t, []trace.EventKind{trace.EventStageValid, trace.EventStageSkipped},
		kinds(rec2.Events(), core.StageTrain.String()))
}

func TestRun_DataChangeRebuildsFromPreprocess(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "")
	db := fstest.MapFS{}
	addYear(t, db, cfg, 2020, 200, 0)
	addYear(t, db, cfg, 2021, 200, 0)
	store := artifact.NewMemoryStore()
	exec := baseline.New(store, zaptest.NewLogger(t))

	r, _ := newRunner(t, db, store, exec)
	_, err := r.Run(ctx, pipeline.Request{Site: "BB", Year: 2021, Config: cfg})
	require.NoError(t, err)

	addYear(t, db, cfg, 2020, 200, 0.5)
	res, err := r.Run(ctx, pipeline.Request{Site: "BB", Year: 2021, Config: cfg})
	require.NoError(t, err)
	assert.Equal(t, core.AllStages(), res.Executed)
	assert.Contains(t, res.Plan.Decisions[0].Validity.Reason, "data changed 2020")
}

func TestRun_ExcludedYearIsReported(t *testing.T) {
	cfg := testConfig(t, "")
	db := fstest.MapFS{}
	addYear(t, db, cfg, 2020, 200, 0)
	addYear(t, db, cfg, 2021, 200, 0)
	delete(db, dataset.TracePath(2020, "BB", "SecondStage/USTAR"))
	store := artifact.NewMemoryStore()

	r, rec := newRunner(t, db, store, baseline.New(store, zaptest.NewLogger(t)))
	res, err := r.Run(context.Background(), pipeline.Request{Site: "BB", Year: 2021, Config: cfg})
	require.NoError(t, err)
	require.Len(t, res.Excluded, 1)
	assert.Equal(t, 2020, res.Excluded[0].Year)
	assert.Equal(t, []int{2021}, res.Fingerprints.Years())
	assert.Equal(t, []trace.EventKind{trace.EventYearExcluded}, kinds(rec.Events(), trace.YearSubject(2020)))
}

func TestRun_LogEntriesHaveUniqueKeys(t *testing.T) {
	cfg := testConfig(t, "")
	db := fstest.MapFS{}
	addYear(t, db, cfg, 2020, 200, 0)
	addYear(t, db, cfg, 2021, 200, 0)
	delete(db, dataset.TracePath(2020, "BB", "SecondStage/USTAR"))
	store := artifact.NewMemoryStore()

	obs, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(obs)
	r, err := pipeline.NewRunner(db, dbPath, store, baseline.New(store, logger), logger)
	require.NoError(t, err)
	_, err = r.Run(context.Background(), pipeline.Request{Site: "BB", Year: 2021, Config: cfg})
	require.NoError(t, err)

	require.NotZero(t, logs.FilterMessage("loader: skipping year").Len())
	for _, entry := range logs.All() {
		seen := map[string]bool{}
		for _, f := range entry.Context {
			assert.False(t, seen[f.Key], "%q repeats key %q", entry.Message, f.Key)
			seen[f.Key] = true
		}
	}
}

func TestRun_NoUsableData(t *testing.T) {
	cfg := testConfig(t, "")
	store := artifact.NewMemoryStore()
	exec := baseline.New(store, zaptest.NewLogger(t))

	r, _ := newRunner(t, fstest.MapFS{}, store, exec)
	_, err := r.Run(context.Background(), pipeline.Request{Site: "BB", Year: 2021, Config: cfg})
	assert.ErrorIs(t, err, pipeline.ErrNoUsableData)

	db := fstest.MapFS{}
	addYear(t, db, cfg, 2020, 100, 0)
	r, _ = newRunner(t, db, store, exec)
	_, err = r.Run(context.Background(), pipeline.Request{Site: "BB", Year: 2021, Config: cfg})
	assert.ErrorIs(t, err, pipeline.ErrNoUsableData)
	assert.Empty(t, store.Paths())
}

func TestRun_UnsupportedModel(t *testing.T) {
	cfg := testConfig(t, "models: [ols, xgboost]\n")
	store := artifact.NewMemoryStore()
	r, _ := newRunner(t, fstest.MapFS{}, store, baseline.New(store, nil))
	_, err := r.Run(context.Background(), pipeline.Request{Site: "BB", Year: 2021, Config: cfg})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.ErrorContains(t, err, "xgboost")
}

// stubExecutor writes placeholder artifacts and fails at a chosen stage.
type stubExecutor struct {
	store   artifact.Store
	failAt  core.Stage
	short   bool
	stages  []core.Stage
	missing string
}

func (s *stubExecutor) Supports(string) bool { return true }

func (s *stubExecutor) run(st core.Stage, sitePath string, cfg config.PipelineConfig) error {
	s.stages = append(s.stages, st)
	if st == s.failAt {
		return errors.New("boom")
	}
	for _, p := range ledger.RequiredArtifacts(sitePath, st, cfg) {
		if err := s.store.WriteFile(p, []byte("x")); err != nil {
			return err
		}
	}
	return nil
}

func (s *stubExecutor) Preprocess(_ context.Context, req pipeline.PreprocessRequest) error {
	return s.run(core.StagePreprocess, req.SitePath, req.Config)
}

func (s *stubExecutor) Train(_ context.Context, req pipeline.TrainRequest) error {
	return s.run(core.StageTrain, req.SitePath, req.Config)
}

func (s *stubExecutor) Test(_ context.Context, req pipeline.TestRequest) error {
	return s.run(core.StageTest, req.SitePath, req.Config)
}

func (s *stubExecutor) Gapfill(_ context.Context, req pipeline.GapfillRequest) (map[string]*pipeline.GapfillTable, error) {
	if err := s.run(core.StageGapfill, req.SitePath, req.Config); err != nil {
		return nil, err
	}
	n := req.Year.Len()
	if s.short {
		n--
	}
	out := make(map[string]*pipeline.GapfillTable)
	for _, m := range req.Config.Models {
		if m == s.missing {
			continue
		}
		out[m] = &pipeline.GapfillTable{
			Timestamps:  req.Year.Timestamps[:n],
			Filled:      make([]float64, n),
			Uncertainty: make([]float64, n),
		}
	}
	return out, nil
}

func TestRun_StageFailure(t *testing.T) {
	cfg := testConfig(t, "")
	db := fstest.MapFS{}
	addYear(t, db, cfg, 2021, 50, 0)

	t.Run("preprocess leaves no ledger", func(t *testing.T) {
		store := artifact.NewMemoryStore()
		stub := &stubExecutor{store: store, failAt: core.StagePreprocess}
		r, rec := newRunner(t, db, store, stub)
		_, err := r.Run(context.Background(), pipeline.Request{Site: "BB", Year: 2021, Config: cfg})

		var se *pipeline.StageExecutionError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, core.StagePreprocess, se.Stage)
		_, err = ledger.New(store).Read(artifact.SitePath(dbPath, "BB"))
		assert.ErrorIs(t, err, ledger.ErrNotFound)
		assert.Contains(t, kinds(rec.Events(), "PREPROCESS"), trace.EventStageFailed)
	})

	t.Run("train failure keeps ledger and resumes at train", func(t *testing.T) {
		store := artifact.NewMemoryStore()
		stub := &stubExecutor{store: store, failAt: core.StageTrain}
		r, _ := newRunner(t, db, store, stub)
		_, err := r.Run(context.Background(), pipeline.Request{Site: "BB", Year: 2021, Config: cfg})

		var se *pipeline.StageExecutionError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, core.StageTrain, se.Stage)
		assert.Equal(t, []core.Stage{core.StagePreprocess, core.StageTrain}, stub.stages)

		_, err = ledger.New(store).Read(artifact.SitePath(dbPath, "BB"))
		require.NoError(t, err)

		stub.failAt, stub.stages = 0, nil
		res, err := r.Run(context.Background(), pipeline.Request{Site: "BB", Year: 2021, Config: cfg})
		require.NoError(t, err)
		assert.Equal(t, []core.Stage{core.StageTrain, core.StageTest, core.StageGapfill}, res.Executed)
	})

	t.Run("misaligned gapfill output", func(t *testing.T) {
		store := artifact.NewMemoryStore()
		r, _ := newRunner(t, db, store, &stubExecutor{store: store, short: true})
		_, err := r.Run(context.Background(), pipeline.Request{Site: "BB", Year: 2021, Config: cfg})

		var se *pipeline.StageExecutionError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, core.StageGapfill, se.Stage)
		assert.ErrorContains(t, err, "rows for")
	})

	t.Run("model without gapfill output", func(t *testing.T) {
		store := artifact.NewMemoryStore()
		r, _ := newRunner(t, db, store, &stubExecutor{store: store, missing: "ridge"})
		_, err := r.Run(context.Background(), pipeline.Request{Site: "BB", Year: 2021, Config: cfg})

		var se *pipeline.StageExecutionError
		require.ErrorAs(t, err, &se)
		assert.ErrorContains(t, err, "no output for model ridge")
	})
}

func TestRun_CanceledContext(t *testing.T) {
	cfg := testConfig(t, "")
	db := fstest.MapFS{}
	addYear(t, db, cfg, 2021, 50, 0)
	store := artifact.NewMemoryStore()
	stub := &stubExecutor{store: store}
	r, _ := newRunner(t, db, store, stub)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Run(ctx, pipeline.Request{Site: "BB", Year: 2021, Config: cfg})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, stub.stages)
}
