package stage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"fluxweaver/internal/artifact"
	"fluxweaver/internal/config"
	"fluxweaver/internal/core"
	"fluxweaver/internal/ledger"
)

// Plan is the ordered set of stages an invocation must execute.
type Plan struct {
	Stages []core.Stage

	// Decisions holds the checks performed, in order. The cascade stops at the
	// first invalid stage, so later stages may be absent.
	Decisions []Decision

	// Discarded is set when the site directory was wiped before planning.
	Discarded bool
}

// Includes reports whether s is planned.
func (p *Plan) Includes(s core.Stage) bool {
	for _, x := range p.Stages {
		if x == s {
			return true
		}
	}
	return false
}

func (p *Plan) String() string {
	names := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		names[i] = s.String()
	}
	return "{" + strings.Join(names, ",") + "}"
}

// Planner computes the minimal suffix of stages to re-run for a site.
type Planner struct {
	Store  artifact.Store
	Ledger *ledger.Ledger
	Graph  *Graph
	Logger *zap.Logger
}

// NewPlanner wires a planner over store.
func NewPlanner(store artifact.Store, logger *zap.Logger) (*Planner, error) {
	g, err := NewGraph()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{Store: store, Ledger: ledger.New(store), Graph: g, Logger: logger}, nil
}

// Plan decides which stages must run for the site at sitePath given the
// current configuration and per-year fingerprints.
//
// Checks cascade: PREPROCESS, then TRAIN, then TEST, each only when the
// previous passed. The first invalid stage forces itself and everything
// downstream. GAPFILL is always planned.
//
// An invalid PREPROCESS discards the whole site directory, since no cached
// artifact can be trusted once the data or configuration basis changed.
// Problems reading existing state are never errors: they invalidate. The only
// error returned is a failure to discard.
func (p *Planner) Plan(ctx context.Context, sitePath string, cfg config.PipelineConfig, hashes core.Fingerprints) (*Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	plan := &Plan{}

	pre := p.checkPreprocess(sitePath, cfg, hashes)
	plan.Decisions = append(plan.Decisions, Decision{Stage: core.StagePreprocess, Validity: pre})
	if !pre.Valid {
		p.Logger.Info("planner: preprocess invalid, discarding site directory",
			zap.String("site_path", sitePath), zap.String("reason", pre.Reason))
		if err := p.discard(sitePath); err != nil {
			return nil, err
		}
		plan.Discarded = true
		return p.force(plan, core.StagePreprocess)
	}

	for _, s := range p.Graph.Order() {
		if s == core.StagePreprocess || s == core.StageGapfill {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v := p.checkArtifacts(sitePath, s, cfg)
		plan.Decisions = append(plan.Decisions, Decision{Stage: s, Validity: v})
		if !v.Valid {
			p.Logger.Info("planner: stage invalid",
				zap.String("stage", s.String()), zap.String("reason", v.Reason))
			return p.force(plan, s)
		}
	}

	return p.force(plan, core.StageGapfill)
}

func (p *Planner) force(plan *Plan, from core.Stage) (*Plan, error) {
	stages, err := p.Graph.Closure(from, core.StageGapfill)
	if err != nil {
		return nil, err
	}
	plan.Stages = stages
	p.Logger.Info("planner: plan ready", zap.String("stages", plan.String()))
	return plan, nil
}

func (p *Planner) checkPreprocess(sitePath string, cfg config.PipelineConfig, hashes core.Fingerprints) Validity {
	rec, err := p.Ledger.Read(sitePath)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return Invalid("no run record")
		}
		p.Logger.Warn("planner: run record unreadable", zap.Error(err))
		return Invalid("run record unreadable")
	}

	if !core.ConfigsEqual(rec.Config, cfg) {
		p.Logger.Debug("planner: configuration changed",
			zap.String("diff", core.ConfigDiff(rec.Config, cfg)))
		return Invalid("configuration changed")
	}

	if !rec.Hashes.Equal(hashes) {
		return Invalid(describeHashChange(rec.Hashes, hashes))
	}

	return p.checkArtifacts(sitePath, core.StagePreprocess, cfg)
}

func (p *Planner) checkArtifacts(sitePath string, s core.Stage, cfg config.PipelineConfig) Validity {
	ok, missing, err := p.Ledger.StageArtifactsComplete(sitePath, s, cfg)
	if err != nil {
		p.Logger.Warn("planner: artifact check failed", zap.String("stage", s.String()), zap.Error(err))
		return Invalid("artifact check failed")
	}
	if !ok {
		return Invalid("missing " + siteRelative(sitePath, missing))
	}
	return Valid()
}

// siteRelative keeps reasons free of the database location.
func siteRelative(sitePath, p string) string {
	rel, err := filepath.Rel(sitePath, p)
	if err != nil {
		return filepath.Base(p)
	}
	return filepath.ToSlash(rel)
}

func (p *Planner) discard(sitePath string) error {
	if err := p.Store.RemoveAll(sitePath); err != nil {
		return errors.Wrapf(err, "discarding %s", sitePath)
	}
	if err := p.Store.MkdirAll(sitePath); err != nil {
		return errors.Wrapf(err, "recreating %s", sitePath)
	}
	return nil
}

func describeHashChange(recorded, current core.Fingerprints) string {
	var added, removed, changed []string
	for _, y := range current.Years() {
		fp, ok := recorded[y]
		switch {
		case !ok:
			added = append(added, fmt.Sprint(y))
		case fp != current[y]:
			changed = append(changed, fmt.Sprint(y))
		}
	}
	for _, y := range recorded.Years() {
		if _, ok := current[y]; !ok {
			removed = append(removed, fmt.Sprint(y))
		}
	}

	var parts []string
	if len(added) > 0 {
		parts = append(parts, "years added "+strings.Join(added, ","))
	}
	if len(removed) > 0 {
		parts = append(parts, "years removed "+strings.Join(removed, ","))
	}
	if len(changed) > 0 {
		parts = append(parts, "data changed "+strings.Join(changed, ","))
	}
	return strings.Join(parts, "; ")
}
