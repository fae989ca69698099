package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"fluxweaver/internal/artifact"
	"fluxweaver/internal/baseline"
	"fluxweaver/internal/config"
	"fluxweaver/internal/core"
	"fluxweaver/internal/journal"
	"fluxweaver/internal/pipeline"
	"fluxweaver/internal/trace"
)

// Environment carries what Execute would otherwise build itself. Nil fields
// take production defaults.
type Environment struct {
	Store    artifact.Store
	Executor pipeline.StageExecutor
	Logger   *zap.Logger
}

type Result struct {
	ExitCode  int
	AttemptID string
	Run       *pipeline.Result
}

// Execute runs a canonical invocation with the OS store and the baseline
// executor.
func Execute(ctx context.Context, inv Invocation) (Result, error) {
	logger, err := newLogger(inv.Verbose)
	if err != nil {
		return Result{ExitCode: ExitInternalError}, errors.Wrap(err, "building logger")
	}
	defer func() { _ = logger.Sync() }()
	return ExecuteIn(ctx, inv, Environment{Logger: logger})
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// ExecuteIn maps an Invocation to a pipeline run.
//
// Responsibilities:
//   - Resolve the layered configuration.
//   - Record the attempt in the journal, best effort.
//   - Write the decision trace when requested, also on failure.
//   - Translate outcomes to semantic exit codes, including panics.
func ExecuteIn(ctx context.Context, inv Invocation, env Environment) (res Result, execErr error) {
	res.ExitCode = ExitInternalError
	logger := env.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := env.Store
	if store == nil {
		store = artifact.NewOSStore()
	}
	executor := env.Executor
	if executor == nil {
		executor = baseline.New(store, logger)
	}
	runLogger := logger
	logger = logger.With(zap.String("site", inv.Site), zap.Int("year", inv.Year))

	jr := journal.New(store, inv.DBPath)
	attempt, jerr := jr.Start(inv.Site, inv.Year)
	if jerr != nil {
		logger.Warn("cli: journal unavailable", zap.Error(jerr))
	} else {
		res.AttemptID = attempt.ID
	}
	finish := func(cause error) {
		if jerr != nil {
			return
		}
		if _, err := jr.Finish(attempt, cause); err != nil {
			logger.Warn("cli: recording attempt failed", zap.String("attempt", attempt.ID), zap.Error(err))
		}
	}

	defer func() {
		if r := recover(); r != nil {
			execErr = errors.Errorf("panic: %v", r)
			res.ExitCode = ExitInternalError
			logger.Error("cli: panic", zap.Any("panic", r))
			finish(execErr)
		}
	}()

	cfg, layers, err := config.Resolve(inv.DBPath, inv.ConfigPath)
	if err != nil {
		finish(err)
		res.ExitCode = exitCodeFor(err)
		return res, err
	}
	logger.Info("cli: configuration resolved", zap.Strings("layers", layers), zap.Strings("models", cfg.Models))

	runner, err := pipeline.NewRunner(os.DirFS(inv.DBPath), inv.DBPath, store, executor, runLogger)
	if err != nil {
		finish(err)
		return res, err
	}
	var rec *trace.Recorder
	if inv.Trace.Enabled {
		rec = trace.NewRecorder()
		runner.Trace = rec
	}

	run, runErr := runner.Run(ctx, pipeline.Request{Site: inv.Site, Year: inv.Year, Config: cfg})
	res.Run = run
	if run != nil {
		attempt.Basis = run.Basis
		if run.Plan != nil {
			attempt.Plan = stageNames(run.Plan.Stages)
		}
		attempt.Executed = stageNames(run.Executed)
	}

	if rec != nil && run != nil && run.Basis != "" {
		if err := rec.WriteFile(store, inv.Trace.Path, run.Basis); err != nil {
			logger.Warn("cli: writing trace failed", zap.String("path", inv.Trace.Path), zap.Error(err))
			if runErr == nil {
				runErr = err
			}
		}
	}

	finish(runErr)
	res.ExitCode = exitCodeFor(runErr)
	if runErr != nil {
		logger.Error("cli: run failed", zap.Int("exit_code", res.ExitCode), zap.Error(runErr))
		return res, runErr
	}
	logger.Info("cli: run complete",
		zap.String("plan", run.Plan.String()), zap.Strings("exported", run.Exported))
	return res, nil
}

// exitCodeFor maps a run outcome onto the failure taxonomy's exit codes.
func exitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) {
		return ExitCode(err)
	}
	f, cerr := journal.Classify(err)
	if cerr != nil {
		return ExitInternalError
	}
	switch f.Class {
	case journal.ClassConfig:
		return ExitConfigError
	case journal.ClassData:
		return ExitDataError
	case journal.ClassStage:
		return ExitStageFailure
	}
	return ExitInternalError
}

func stageNames(stages []core.Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = s.String()
	}
	return out
}

// Describe renders a one-line summary for humans.
func Describe(res Result) string {
	if res.Run == nil || res.Run.Plan == nil {
		return fmt.Sprintf("exit %d", res.ExitCode)
	}
	return fmt.Sprintf("plan %s, executed %d stage(s), exported %d trace(s)",
		res.Run.Plan, len(res.Run.Executed), len(res.Run.Exported))
}
