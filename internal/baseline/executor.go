// Package baseline is an in-process stage executor built on gonum linear
// models. It produces the same artifact layout as the external ML library,
// so the planner treats its output identically.
package baseline

import (
	"context"
	"math"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"fluxweaver/internal/artifact"
	"fluxweaver/internal/config"
	"fluxweaver/internal/core"
	"fluxweaver/internal/pipeline"
)

// Executor implements pipeline.StageExecutor.
type Executor struct {
	Store  artifact.Store
	Logger *zap.Logger
}

var _ pipeline.StageExecutor = (*Executor)(nil)

// New returns an executor writing artifacts through store.
func New(store artifact.Store, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{Store: store, Logger: logger}
}

// Supports reports whether model is one of ols, ridge or mean.
func (e *Executor) Supports(model string) bool {
	switch model {
	case ModelOLS, ModelRidge, ModelMean:
		return true
	}
	return false
}

// Preprocess writes the train, validation and test index files.
func (e *Executor) Preprocess(ctx context.Context, req pipeline.PreprocessRequest) error {
	y, err := target(&req.Dataset.Table)
	if err != nil {
		return err
	}
	s, err := makeSplits(y, req.Config)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.write(e.Store, artifact.NewLayout(req.SitePath)); err != nil {
		return err
	}
	e.Logger.Info("baseline: preprocessed",
		zap.Int("splits", len(s.train)), zap.Int("test_rows", len(s.test)))
	return nil
}

// Train fits every configured model on every split and writes per-split
// validation metrics.
func (e *Executor) Train(ctx context.Context, req pipeline.TrainRequest) error {
	cfg := req.Config
	l := artifact.NewLayout(req.SitePath)
	f, err := buildFeatures(&req.Dataset.Table, cfg)
	if err != nil {
		return err
	}
	y, err := target(&req.Dataset.Table)
	if err != nil {
		return err
	}
	rows := req.Dataset.Len()

	for _, model := range cfg.Models {
		var records [][]string
		for i := 0; i < cfg.NumSplits; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			trainIdx, err := readIndex(e.Store, l.TrainIndex(i), rows)
			if err != nil {
				return err
			}
			valIdx, err := readIndex(e.Store, l.ValIndex(i), rows)
			if err != nil {
				return err
			}

			m, err := fit(model, f, y, trainIdx, cfg.RidgeLambda)
			if err != nil {
				return errors.Wrapf(err, "model %s split %d", model, i)
			}
			m.Split = i

			pred, obs := predictRows(m, f, y, valIdx)
			residuals := make([]float64, len(obs))
			for k := range obs {
				residuals[k] = obs[k] - pred[k]
			}
			if scale := laplaceScale(residuals); !math.IsNaN(scale) {
				m.LaplaceScale = scale
			}

			b, err := m.marshal()
			if err != nil {
				return errors.Wrapf(err, "encoding model %s split %d", model, i)
			}
			if err := e.Store.WriteFile(l.Model(model, i), b); err != nil {
				return errors.Wrapf(err, "writing model %s split %d", model, i)
			}
			records = append(records, append([]string{strconv.Itoa(i)}, computeMetrics(pred, obs).record()...))
		}
		if err := writeCSV(e.Store, l.ValMetrics(model), append([]string{"split"}, metricsHeader...), records); err != nil {
			return err
		}
		e.Logger.Info("baseline: trained", zap.String("model", model), zap.Int("splits", cfg.NumSplits))
	}
	return nil
}

// Test evaluates the split ensemble of every model on the test rows.
func (e *Executor) Test(ctx context.Context, req pipeline.TestRequest) error {
	cfg := req.Config
	l := artifact.NewLayout(req.SitePath)
	f, err := buildFeatures(&req.Dataset.Table, cfg)
	if err != nil {
		return err
	}
	y, err := target(&req.Dataset.Table)
	if err != nil {
		return err
	}
	testIdx, err := readIndex(e.Store, l.TestIndex(), req.Dataset.Len())
	if err != nil {
		return err
	}

	for _, model := range cfg.Models {
		if err := ctx.Err(); err != nil {
			return err
		}
		ens, err := e.loadEnsemble(l, model, cfg)
		if err != nil {
			return err
		}
		mean, sd := ens.predict(f, testIdx)
		obs := make([]float64, len(testIdx))
		var predRows [][]string
		for k, i := range testIdx {
			obs[k] = y[i]
			predRows = append(predRows, []string{
				strconv.Itoa(i),
				req.Dataset.Timestamps[i].Format(timestampLayout),
				formatFloat(y[i]),
				formatFloat(mean[k]),
				formatFloat(sd[k]),
			})
		}

		m := computeMetrics(mean, obs)
		header := append(append([]string(nil), metricsHeader...), "coverage95")
		record := append(m.record(), formatFloat(coverage(mean, sd, obs)))
		if err := writeCSV(e.Store, l.TestMetrics(model), header, [][]string{record}); err != nil {
			return err
		}
		if err := writeCSV(e.Store, l.TestPredictions(model),
			[]string{"row", "TIMESTAMP_END", core.TargetColumn, "prediction", "uncertainty"}, predRows); err != nil {
			return err
		}
		e.Logger.Info("baseline: tested", zap.String("model", model),
			zap.Int("rows", m.N), zap.Float64("r2", m.R2), zap.Float64("rmse", m.RMSE))
	}
	return nil
}

// Gapfill predicts every row of the requested year with each model's split
// ensemble. Observed values are kept; gaps take the ensemble mean.
func (e *Executor) Gapfill(ctx context.Context, req pipeline.GapfillRequest) (map[string]*pipeline.GapfillTable, error) {
	cfg := req.Config
	l := artifact.NewLayout(req.SitePath)
	f, err := buildFeatures(&req.Year.Table, cfg)
	if err != nil {
		return nil, err
	}
	y, err := target(&req.Year.Table)
	if err != nil {
		return nil, err
	}
	all := make([]int, req.Year.Len())
	for i := range all {
		all[i] = i
	}

	out := make(map[string]*pipeline.GapfillTable, len(cfg.Models))
	for _, model := range cfg.Models {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ens, err := e.loadEnsemble(l, model, cfg)
		if err != nil {
			return nil, err
		}
		mean, sd := ens.predict(f, all)

		tbl := &pipeline.GapfillTable{
			Timestamps:  append(req.Year.Timestamps[:0:0], req.Year.Timestamps...),
			Filled:      make([]float64, len(all)),
			Uncertainty: sd,
		}
		gaps := 0
		for i := range all {
			if core.Observed(y[i]) {
				tbl.Filled[i] = y[i]
				continue
			}
			tbl.Filled[i] = mean[i]
			gaps++
		}
		if err := e.writeGapfilled(l.Gapfilled(model, req.Year.Year), y, tbl); err != nil {
			return nil, err
		}
		out[model] = tbl
		e.Logger.Info("baseline: gap-filled", zap.String("model", model),
			zap.Int("year", req.Year.Year), zap.Int("gaps", gaps), zap.Int("rows", len(all)))
	}
	return out, nil
}

// AmeriFlux timestamp format.
const timestampLayout = "200601021504"

func (e *Executor) writeGapfilled(p string, observed []float64, tbl *pipeline.GapfillTable) error {
	rows := make([][]string, tbl.Len())
	for i, end := range tbl.Timestamps {
		rows[i] = []string{
			end.Add(-core.HalfHour).Format(timestampLayout),
			end.Format(timestampLayout),
			strconv.Itoa(end.Add(-core.HalfHour).Year()),
			formatFloat(observed[i]),
			formatFloat(tbl.Filled[i]),
			formatFloat(tbl.Uncertainty[i]),
		}
	}
	header := []string{"TIMESTAMP_START", "TIMESTAMP_END", "Year", core.TargetColumn, "FCH4_F", "FCH4_F_UNCERTAINTY"}
	return writeCSV(e.Store, p, header, rows)
}

// ensemble is the set of split models of one model kind.
type ensemble []*Fitted

func (e *Executor) loadEnsemble(l artifact.Layout, model string, cfg config.PipelineConfig) (ensemble, error) {
	want := featureNames(cfg)
	ens := make(ensemble, 0, cfg.NumSplits)
	for i := 0; i < cfg.NumSplits; i++ {
		p := l.Model(model, i)
		b, err := e.Store.ReadFile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", p)
		}
		m, err := unmarshalFitted(b)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding %s", p)
		}
		if !equalStrings(m.Features, want) {
			return nil, errors.Errorf("%s was trained on %v, expected %v", p, m.Features, want)
		}
		ens = append(ens, m)
	}
	return ens, nil
}

// predict returns the ensemble mean and an uncertainty per row combining the
// mean Laplace residual variance with the spread between split models.
func (ens ensemble) predict(f *features, idx []int) (mean, sd []float64) {
	mean = make([]float64, len(idx))
	sd = make([]float64, len(idx))

	noise := 0.0
	for _, m := range ens {
		s := m.StdDev()
		noise += s * s
	}
	noise /= float64(len(ens))

	x := make([]float64, 0, len(f.cols))
	preds := make([]float64, len(ens))
	for k, i := range idx {
		x = f.row(i, x)
		for j, m := range ens {
			preds[j] = m.Predict(x)
		}
		mean[k] = stat.Mean(preds, nil)
		spread := 0.0
		if len(preds) > 1 {
			spread = stat.PopVariance(preds, nil)
		}
		sd[k] = math.Sqrt(noise + spread)
	}
	return mean, sd
}

func predictRows(m *Fitted, f *features, y []float64, idx []int) (pred, obs []float64) {
	pred = make([]float64, len(idx))
	obs = make([]float64, len(idx))
	x := make([]float64, 0, len(f.cols))
	for k, i := range idx {
		x = f.row(i, x)
		pred[k] = m.Predict(x)
		obs[k] = y[i]
	}
	return pred, obs
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
