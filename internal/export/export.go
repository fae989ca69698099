// Package export writes gap-filled methane series back into the flux
// database as raw binary traces.
package export

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"fluxweaver/internal/artifact"
	"fluxweaver/internal/config"
	"fluxweaver/internal/dataset"
)

// TracePrefix starts the name of every trace this package owns.
const TracePrefix = "FCH4_F_ML"

// Dir is the output directory for a site-year.
func Dir(dbPath string, year int, site string) string {
	return filepath.Join(dbPath, strconv.Itoa(year), site, "Clean", "ThirdStage_ML")
}

// TraceName is the gap-filled trace of model.
func TraceName(model string) string {
	return TracePrefix + "_" + strings.ToUpper(model)
}

// UncertaintyName is the uncertainty trace of model.
func UncertaintyName(model string) string {
	return TraceName(model) + "_UNCERTAINTY"
}

// Series is the output of one model for the exported year.
type Series struct {
	Model       string
	Filled      []float64
	Uncertainty []float64
}

// Exporter writes traces through a Store.
type Exporter struct {
	Store  artifact.Store
	DBPath string
	Logger *zap.Logger
}

// Export replaces the ML traces of site-year with series.
//
// Every existing trace whose name contains TracePrefix is removed first, so
// models dropped from the configuration leave nothing behind. Values are
// encoded in the database trace dtype; NaN stays NaN for float dtypes and
// becomes cfg.NAValue otherwise. Returns the written paths, sorted.
func (e *Exporter) Export(site string, year int, series []Series, cfg config.PipelineConfig) ([]string, error) {
	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := Dir(e.DBPath, year, site)

	existing, err := e.Store.List(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", dir)
	}
	for _, name := range existing {
		if !strings.Contains(name, TracePrefix) {
			continue
		}
		p := filepath.Join(dir, name)
		if err := e.Store.RemoveAll(p); err != nil {
			return nil, errors.Wrapf(err, "removing stale trace %s", p)
		}
		logger.Debug("export: removed stale trace", zap.String("path", p))
	}

	var written []string
	for _, s := range series {
		if len(s.Filled) != len(s.Uncertainty) {
			return nil, errors.Errorf("model %s: %d filled values, %d uncertainty values", s.Model, len(s.Filled), len(s.Uncertainty))
		}
		for _, tr := range []struct {
			name   string
			values []float64
		}{
			{TraceName(s.Model), s.Filled},
			{UncertaintyName(s.Model), s.Uncertainty},
		} {
			b, err := dataset.Encode(tr.values, cfg.DBase.Traces.DType, cfg.NAValue)
			if err != nil {
				return nil, errors.Wrapf(err, "encoding %s", tr.name)
			}
			p := filepath.Join(dir, tr.name)
			if err := e.Store.WriteFile(p, b); err != nil {
				return nil, errors.Wrapf(err, "writing %s", p)
			}
			written = append(written, p)
		}
		logger.Info("export: wrote traces",
			zap.String("model", s.Model), zap.Int("year", year), zap.Int("values", len(s.Filled)))
	}
	sort.Strings(written)
	return written, nil
}
