// Package config defines the typed pipeline configuration.
//
// A PipelineConfig is built once per invocation by layering YAML documents on
// top of the embedded defaults (default → site override → run override). After
// Load returns, the value is treated as immutable and passed explicitly to every
// component; nothing in the module keeps a package-level configuration.
//
// Unknown keys in any layer are rejected.
package config

import (
	"fmt"
	"math"
	"path"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidConfig is wrapped by every validation and decoding failure.
var ErrInvalidConfig = errors.New("invalid pipeline config")

const (
	SplitRandom  = "random"
	SplitBlocked = "blocked"

	DistributionLaplace = "laplace"
)

// PipelineConfig is the merged configuration of one pipeline run.
//
// The json tags define the shape stored in run_info.json; the yaml tags define
// the shape of the configuration layers. Both must stay in sync.
type PipelineConfig struct {
	Models           []string      `yaml:"models" json:"models"`
	PredictorTraces  []string      `yaml:"predictor_traces" json:"predictor_traces"`
	MethaneTrace     string        `yaml:"methane_trace" json:"methane_trace"`
	NumSplits        int           `yaml:"num_splits" json:"num_splits"`
	SplitMethod      string        `yaml:"split_method" json:"split_method"`
	TestFraction     float64       `yaml:"test_fraction" json:"test_fraction"`
	Seed             int64         `yaml:"seed" json:"seed"`
	NAValue          float64       `yaml:"na_value" json:"na_value"`
	Distribution     string        `yaml:"distribution" json:"distribution"`
	TemporalFeatures bool          `yaml:"temporal_features" json:"temporal_features"`
	RidgeLambda      float64       `yaml:"ridge_lambda" json:"ridge_lambda"`
	LoadConcurrency  int           `yaml:"load_concurrency" json:"load_concurrency"`
	DBase            DBaseMetadata `yaml:"dbase_metadata" json:"dbase_metadata"`
}

// DBaseMetadata describes how binary traces in the database are encoded.
type DBaseMetadata struct {
	Timestamp TimestampMetadata `yaml:"timestamp" json:"timestamp"`
	Traces    TraceMetadata     `yaml:"traces" json:"traces"`
}

// TimestampMetadata describes the per-year timestamp trace.
//
// Raw values are offsets in BaseUnit; subtracting Base yields the offset from
// the Unix epoch (Base 719529 days converts MATLAB datenums).
type TimestampMetadata struct {
	Name     string  `yaml:"name" json:"name"`
	DType    string  `yaml:"dtype" json:"dtype"`
	Base     float64 `yaml:"base" json:"base"`
	BaseUnit string  `yaml:"base_unit" json:"base_unit"`
}

// TraceMetadata describes measurement traces.
type TraceMetadata struct {
	DType string            `yaml:"dtype" json:"dtype"`
	Units map[string]string `yaml:"units,omitempty" json:"units,omitempty"`
}

// Predictors returns the predictor column names: the stem of every predictor
// trace path, in configured order.
func (c PipelineConfig) Predictors() []string {
	out := make([]string, 0, len(c.PredictorTraces))
	for _, p := range c.PredictorTraces {
		out = append(out, TraceStem(p))
	}
	return out
}

// TraceStem returns the file name of a trace path without its extension.
func TraceStem(p string) string {
	base := path.Base(p)
	return strings.TrimSuffix(base, path.Ext(base))
}

// Clone returns a deep copy.
func (c PipelineConfig) Clone() PipelineConfig {
	out := c
	out.Models = append([]string(nil), c.Models...)
	out.PredictorTraces = append([]string(nil), c.PredictorTraces...)
	if c.DBase.Traces.Units != nil {
		out.DBase.Traces.Units = make(map[string]string, len(c.DBase.Traces.Units))
		for k, v := range c.DBase.Traces.Units {
			out.DBase.Traces.Units[k] = v
		}
	}
	return out
}

// Validate reports every problem found, not just the first.
func (c PipelineConfig) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	finite := func(name string, v float64) bool {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			add("%s must be finite (got %v)", name, v)
			return false
		}
		return true
	}

	if len(c.Models) == 0 {
		add("models must not be empty")
	}
	if dup := firstDuplicate(c.Models); dup != "" {
		add("duplicate model %q", dup)
	}
	for i, m := range c.Models {
		if strings.TrimSpace(m) == "" || strings.ContainsAny(m, `/\`) {
			add("models[%d] is not a valid model name: %q", i, m)
		}
	}
	if len(c.PredictorTraces) == 0 {
		add("predictor_traces must not be empty")
	}
	if dup := firstDuplicate(c.Predictors()); dup != "" {
		add("duplicate predictor %q", dup)
	}
	if strings.TrimSpace(c.MethaneTrace) == "" {
		add("methane_trace is required")
	}
	if c.NumSplits < 1 {
		add("num_splits must be >= 1 (got %d)", c.NumSplits)
	}
	switch c.SplitMethod {
	case SplitRandom, SplitBlocked:
	default:
		add("split_method must be %q or %q (got %q)", SplitRandom, SplitBlocked, c.SplitMethod)
	}
	if finite("test_fraction", c.TestFraction) && (c.TestFraction <= 0 || c.TestFraction >= 1) {
		add("test_fraction must be in (0, 1) (got %v)", c.TestFraction)
	}
	if c.Distribution != DistributionLaplace {
		add("distribution must be %q (got %q)", DistributionLaplace, c.Distribution)
	}
	if finite("ridge_lambda", c.RidgeLambda) && c.RidgeLambda < 0 {
		add("ridge_lambda must be >= 0 (got %v)", c.RidgeLambda)
	}
	finite("na_value", c.NAValue)
	if c.LoadConcurrency < 1 {
		add("load_concurrency must be >= 1 (got %d)", c.LoadConcurrency)
	}

	ts := c.DBase.Timestamp
	if strings.TrimSpace(ts.Name) == "" {
		add("dbase_metadata.timestamp.name is required")
	}
	if _, ok := NormalizeDType(ts.DType); !ok {
		add("dbase_metadata.timestamp.dtype %q is not supported", ts.DType)
	}
	finite("dbase_metadata.timestamp.base", ts.Base)
	switch ts.BaseUnit {
	case "D", "h", "m", "s":
	default:
		add("dbase_metadata.timestamp.base_unit must be one of D, h, m, s (got %q)", ts.BaseUnit)
	}
	if _, ok := NormalizeDType(c.DBase.Traces.DType); !ok {
		add("dbase_metadata.traces.dtype %q is not supported", c.DBase.Traces.DType)
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.Wrap(ErrInvalidConfig, strings.Join(problems, "; "))
}

var dtypeAliases = map[string]string{
	"float32": "float32", "<f4": "float32", "f4": "float32", "single": "float32",
	"float64": "float64", "<f8": "float64", "f8": "float64", "double": "float64",
	"int32": "int32", "<i4": "int32", "i4": "int32",
	"int64": "int64", "<i8": "int64", "i8": "int64",
	"uint32": "uint32", "<u4": "uint32", "u4": "uint32",
}

// NormalizeDType maps a NumPy-style dtype spelling to its canonical name.
// Only little-endian fixed-width numeric types are accepted.
func NormalizeDType(s string) (string, bool) {
	n, ok := dtypeAliases[strings.ToLower(strings.TrimSpace(s))]
	return n, ok
}

func firstDuplicate(xs []string) string {
	seen := make(map[string]struct{}, len(xs))
	sorted := append([]string(nil), xs...)
	sort.Strings(sorted)
	for _, x := range sorted {
		if _, ok := seen[x]; ok {
			return x
		}
		seen[x] = struct{}{}
	}
	return ""
}
