package config

import (
	"bytes"
	_ "embed"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed default.yml
var defaultYAML []byte

// SiteOverridePath is where a database may carry its own overrides, relative
// to the database root.
var SiteOverridePath = filepath.Join("Calculation_Procedures", "TraceAnalysis_ini", "CH4_ML_Gapfilling.yml")

// Layer is one YAML document applied on top of the previous layers.
type Layer struct {
	// Name identifies the layer in errors and logs (usually a file path).
	Name string
	Data []byte
}

// DefaultLayer returns the embedded defaults.
func DefaultLayer() Layer {
	return Layer{Name: "defaults", Data: defaultYAML}
}

// Load merges layers in order and validates the result.
//
// Merge semantics: scalars and lists present in a later layer replace earlier
// values, nested mappings are merged key by key. Keys that do not correspond to
// a known option are an error.
func Load(layers ...Layer) (PipelineConfig, error) {
	var cfg PipelineConfig
	for _, l := range layers {
		if err := apply(&cfg, l); err != nil {
			return PipelineConfig{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return PipelineConfig{}, err
	}
	return cfg.Clone(), nil
}

func apply(cfg *PipelineConfig, l Layer) error {
	dec := yaml.NewDecoder(bytes.NewReader(l.Data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			// empty document
			return nil
		}
		return errors.Wrapf(ErrInvalidConfig, "layer %s: %v", l.Name, err)
	}
	return nil
}

// Resolve builds the layer stack for a database: the embedded defaults, the
// database's site override when present, then runOverride when non-empty.
//
// A missing site override is normal; a missing run override is an error since
// the caller asked for it explicitly.
func Resolve(dbPath, runOverride string) (PipelineConfig, []string, error) {
	layers := []Layer{DefaultLayer()}

	sitePath := filepath.Join(dbPath, SiteOverridePath)
	data, err := os.ReadFile(sitePath)
	switch {
	case err == nil:
		layers = append(layers, Layer{Name: sitePath, Data: data})
	case os.IsNotExist(err):
	default:
		return PipelineConfig{}, nil, errors.Wrapf(err, "reading site override %s", sitePath)
	}

	if runOverride != "" {
		data, err := os.ReadFile(runOverride)
		if err != nil {
			return PipelineConfig{}, nil, errors.Wrapf(ErrInvalidConfig, "reading run override %s: %v", runOverride, err)
		}
		layers = append(layers, Layer{Name: runOverride, Data: data})
	}

	cfg, err := Load(layers...)
	if err != nil {
		return PipelineConfig{}, nil, err
	}
	names := make([]string, 0, len(layers))
	for _, l := range layers {
		names = append(names, l.Name)
	}
	return cfg, names, nil
}
