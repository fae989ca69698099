package pipeline

import (
	"context"
	"encoding/json"
	"io/fs"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"fluxweaver/internal/artifact"
	"fluxweaver/internal/config"
	"fluxweaver/internal/core"
	"fluxweaver/internal/dataset"
	"fluxweaver/internal/export"
	"fluxweaver/internal/ledger"
	"fluxweaver/internal/stage"
	"fluxweaver/internal/trace"
)

// Request is one invocation: gap-fill Year for Site.
type Request struct {
	Site   string
	Year   int
	Config config.PipelineConfig
}

// Result summarizes a completed invocation.
type Result struct {
	SitePath     string
	Plan         *stage.Plan
	Fingerprints core.Fingerprints
	Excluded     []dataset.Exclusion
	Executed     []core.Stage
	Exported     []string
	Basis        string
}

// Runner wires loader, planner, executor, ledger and exporter.
type Runner struct {
	// DB is the database root, read by the loader.
	DB fs.FS

	// DBPath is the same root as a path, for the artifact store.
	DBPath string

	Store    artifact.Store
	Executor StageExecutor
	Planner  *stage.Planner
	Ledger   *ledger.Ledger
	Exporter *export.Exporter
	Trace    trace.Sink
	Logger   *zap.Logger
}

// NewRunner wires a runner with the default planner, ledger and exporter
// over store.
func NewRunner(db fs.FS, dbPath string, store artifact.Store, executor StageExecutor, logger *zap.Logger) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	planner, err := stage.NewPlanner(store, logger)
	if err != nil {
		return nil, err
	}
	return &Runner{
		DB:       db,
		DBPath:   dbPath,
		Store:    store,
		Executor: executor,
		Planner:  planner,
		Ledger:   ledger.New(store),
		Exporter: &export.Exporter{Store: store, DBPath: dbPath, Logger: logger},
		Trace:    trace.NopSink{},
		Logger:   logger,
	}, nil
}

// Run loads the site, plans, executes the planned stages in order and exports
// the target year.
//
// The run ledger is written right after PREPROCESS succeeds and before TRAIN,
// so it never describes a preprocess that did not complete. A stage failure
// returns *StageExecutionError and leaves the ledger as it was. Once the
// inputs are fingerprinted, failures return the partial Result alongside the
// error.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	cfg := req.Config
	for _, m := range cfg.Models {
		if !r.Executor.Supports(m) {
			return nil, errors.Wrapf(config.ErrInvalidConfig, "model %q is not supported", m)
		}
	}

	sitePath := artifact.SitePath(r.DBPath, req.Site)
	res := &Result{SitePath: sitePath}
	logger := r.Logger.With(zap.String("site", req.Site), zap.Int("year", req.Year))

	years, excluded, err := dataset.LoadAll(ctx, r.DB, req.Site, cfg, logger)
	if err != nil {
		return nil, err
	}
	res.Excluded = excluded
	for _, ex := range excluded {
		trace.SafeRecord(r.Trace, trace.Event{
			Kind: trace.EventYearExcluded, Subject: trace.YearSubject(ex.Year), Reason: "missing " + ex.Missing,
		})
	}
	if len(years) == 0 {
		return nil, errors.Wrapf(ErrNoUsableData, "site %s has no complete year", req.Site)
	}
	target, ok := years[req.Year]
	if !ok {
		return nil, errors.Wrapf(ErrNoUsableData, "year %d is not available for site %s", req.Year, req.Site)
	}

	res.Fingerprints = core.FingerprintAll(years)
	combined, err := core.Combine(req.Site, years)
	if err != nil {
		return nil, errors.Wrap(err, "combining years")
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "encoding config")
	}
	res.Basis = trace.BasisHash(req.Site, req.Year, cfgJSON, res.Fingerprints)

	logger.Info("runner: loaded site",
		zap.Ints("years", combined.Years), zap.Int("rows", combined.Len()), zap.Int("excluded", len(excluded)))

	plan, err := r.Planner.Plan(ctx, sitePath, cfg, res.Fingerprints)
	if err != nil {
		return res, err
	}
	res.Plan = plan
	r.recordPlan(plan)

	for _, s := range core.AllStages() {
		if !plan.Includes(s) {
			trace.SafeRecord(r.Trace, trace.Event{Kind: trace.EventStageSkipped, Subject: s.String(), Reason: "cached"})
			logger.Info("runner: skipping stage", zap.String("stage", s.String()))
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		logger.Info("runner: executing stage", zap.String("stage", s.String()))
		var tables map[string]*GapfillTable
		switch s {
		case core.StagePreprocess:
			err = r.Executor.Preprocess(ctx, PreprocessRequest{SitePath: sitePath, Dataset: combined, Config: cfg})
		case core.StageTrain:
			err = r.Executor.Train(ctx, TrainRequest{SitePath: sitePath, Dataset: combined, Config: cfg})
		case core.StageTest:
			err = r.Executor.Test(ctx, TestRequest{SitePath: sitePath, Dataset: combined, Config: cfg})
		case core.StageGapfill:
			tables, err = r.Executor.Gapfill(ctx, GapfillRequest{SitePath: sitePath, Year: target, Config: cfg})
		}
		if err != nil {
			trace.SafeRecord(r.Trace, trace.Event{Kind: trace.EventStageFailed, Subject: s.String()})
			return res, &StageExecutionError{Stage: s, Cause: err}
		}
		trace.SafeRecord(r.Trace, trace.Event{Kind: trace.EventStageExecuted, Subject: s.String()})
		res.Executed = append(res.Executed, s)

		switch s {
		case core.StagePreprocess:
			if err := r.Ledger.Write(sitePath, cfg, res.Fingerprints); err != nil {
				return res, errors.Wrap(err, "recording preprocess")
			}
			trace.SafeRecord(r.Trace, trace.Event{Kind: trace.EventLedgerWritten, Subject: s.String()})
		case core.StageGapfill:
			written, err := r.export(req, target, tables)
			if err != nil {
				return res, err
			}
			res.Exported = written
		}
	}

	logger.Info("runner: done", zap.Int("executed", len(res.Executed)), zap.Int("exported", len(res.Exported)))
	return res, nil
}

func (r *Runner) recordPlan(plan *stage.Plan) {
	if plan.Discarded {
		trace.SafeRecord(r.Trace, trace.Event{
			Kind: trace.EventSiteDiscarded, Subject: "site", Reason: plan.Decisions[0].Validity.Reason,
		})
	}
	for _, d := range plan.Decisions {
		kind := trace.EventStageValid
		if !d.Validity.Valid {
			kind = trace.EventStageInvalidated
		}
		trace.SafeRecord(r.Trace, trace.Event{Kind: kind, Subject: d.Stage.String(), Reason: d.Validity.Reason})
	}
}

func (r *Runner) export(req Request, target *core.YearDataset, tables map[string]*GapfillTable) ([]string, error) {
	series := make([]export.Series, 0, len(req.Config.Models))
	for _, m := range req.Config.Models {
		tbl, ok := tables[m]
		if !ok || tbl == nil {
			return nil, &StageExecutionError{Stage: core.StageGapfill, Cause: errors.Errorf("no output for model %s", m)}
		}
		if tbl.Len() != target.Len() {
			return nil, &StageExecutionError{
				Stage: core.StageGapfill,
				Cause: errors.Errorf("model %s produced %d rows for %d timestamps", m, tbl.Len(), target.Len()),
			}
		}
		series = append(series, export.Series{Model: m, Filled: tbl.Filled, Uncertainty: tbl.Uncertainty})
	}

	written, err := r.Exporter.Export(req.Site, req.Year, series, req.Config)
	if err != nil {
		return nil, errors.Wrap(err, "exporting")
	}
	for _, m := range req.Config.Models {
		trace.SafeRecord(r.Trace, trace.Event{
			Kind:      trace.EventTraceExported,
			Subject:   "export/" + m,
			Artifacts: []string{export.TraceName(m), export.UncertaintyName(m)},
		})
	}
	return written, nil
}
