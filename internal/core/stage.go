package core

import (
	"strings"

	"github.com/pkg/errors"
)

// Stage is one step of the gap-filling pipeline. Stages are totally ordered;
// the output of a stage is a precondition of the next.
type Stage int

const (
	StagePreprocess Stage = iota + 1
	StageTrain
	StageTest
	StageGapfill
)

var stageNames = map[Stage]string{
	StagePreprocess: "PREPROCESS",
	StageTrain:      "TRAIN",
	StageTest:       "TEST",
	StageGapfill:    "GAPFILL",
}

// AllStages returns every stage in execution order.
func AllStages() []Stage {
	return []Stage{StagePreprocess, StageTrain, StageTest, StageGapfill}
}

func (s Stage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageNames[s]
	return ok
}

// ParseStage accepts a stage name in any case.
func ParseStage(name string) (Stage, error) {
	up := strings.ToUpper(strings.TrimSpace(name))
	for s, n := range stageNames {
		if n == up {
			return s, nil
		}
	}
	return 0, errors.Errorf("unknown stage %q", name)
}

func (s Stage) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, errors.Errorf("unknown stage %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(b []byte) error {
	v, err := ParseStage(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
