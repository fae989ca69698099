package core

import (
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"fluxweaver/internal/config"
)

var configCompareOpts = cmp.Options{
	// A nil units map and an empty one describe the same configuration.
	cmpopts.EquateEmpty(),
}

// ConfigsEqual reports deep structural equality of two merged configurations.
// Mapping keys are compared as sets; list order is significant.
func ConfigsEqual(a, b config.PipelineConfig) bool {
	return cmp.Equal(a, b, configCompareOpts)
}

// ConfigDiff returns a human-readable diff (-recorded +current), or "" when equal.
func ConfigDiff(recorded, current config.PipelineConfig) string {
	return cmp.Diff(recorded, current, configCompareOpts)
}
