package stage

import "fluxweaver/internal/core"

// Validity is the outcome of checking one stage's cached output.
type Validity struct {
	Valid  bool
	Reason string
}

// Valid is a passing check.
func Valid() Validity { return Validity{Valid: true} }

// Invalid is a failing check with a human-readable reason.
func Invalid(reason string) Validity { return Validity{Reason: reason} }

func (v Validity) String() string {
	if v.Valid {
		return "valid"
	}
	return "invalid: " + v.Reason
}

// Decision records the check performed for one stage.
type Decision struct {
	Stage    core.Stage
	Validity Validity
}
