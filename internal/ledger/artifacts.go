package ledger

import (
	"github.com/pkg/errors"

	"fluxweaver/internal/artifact"
	"fluxweaver/internal/config"
	"fluxweaver/internal/core"
)

// RequiredArtifacts lists every path whose presence evidences completion of
// stage under cfg, in a stable order.
//
// GAPFILL has no cached evidence: it runs on every invocation.
func RequiredArtifacts(sitePath string, stage core.Stage, cfg config.PipelineConfig) []string {
	l := artifact.NewLayout(sitePath)
	var out []string
	switch stage {
	case core.StagePreprocess:
		for i := 0; i < cfg.NumSplits; i++ {
			out = append(out, l.TrainIndex(i), l.ValIndex(i))
		}
		out = append(out, l.TestIndex())
	case core.StageTrain:
		for _, m := range cfg.Models {
			for i := 0; i < cfg.NumSplits; i++ {
				out = append(out, l.Model(m, i))
			}
			out = append(out, l.ValMetrics(m))
		}
	case core.StageTest:
		for _, m := range cfg.Models {
			out = append(out, l.TestMetrics(m), l.TestPredictions(m))
		}
	}
	return out
}

// StageArtifactsComplete reports whether every required artifact of stage
// exists. When one is missing its path is returned. Content is not inspected.
func (l *Ledger) StageArtifactsComplete(sitePath string, stage core.Stage, cfg config.PipelineConfig) (bool, string, error) {
	if !stage.Valid() {
		return false, "", errors.Errorf("unknown stage %d", int(stage))
	}
	for _, p := range RequiredArtifacts(sitePath, stage, cfg) {
		ok, err := l.Store.Exists(p)
		if err != nil {
			return false, p, errors.Wrapf(err, "checking %s", p)
		}
		if !ok {
			return false, p, nil
		}
	}
	return true, "", nil
}
