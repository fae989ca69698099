// Package pipeline runs the planned stages for one site and exports the
// gap-filled target year.
package pipeline

import (
	"context"
	"time"

	"fluxweaver/internal/config"
	"fluxweaver/internal/core"
)

// PreprocessRequest asks for split indices over the combined dataset.
type PreprocessRequest struct {
	SitePath string
	Dataset  *core.CombinedDataset
	Config   config.PipelineConfig
}

// TrainRequest asks for one fitted model per configured model and split, plus
// validation metrics per model.
type TrainRequest struct {
	SitePath string
	Dataset  *core.CombinedDataset
	Config   config.PipelineConfig
}

// TestRequest asks for test metrics and predictions per configured model.
type TestRequest struct {
	SitePath string
	Dataset  *core.CombinedDataset
	Config   config.PipelineConfig
}

// GapfillRequest asks for a filled methane series for one year.
type GapfillRequest struct {
	SitePath string
	Year     *core.YearDataset
	Config   config.PipelineConfig
}

// GapfillTable is the gap-filled series of one model for one year, aligned
// with the year's timestamps.
type GapfillTable struct {
	Timestamps []time.Time

	// Filled is FCH4_F: observations where present, predictions elsewhere.
	Filled []float64

	// Uncertainty is FCH4_F_UNCERTAINTY, one standard deviation.
	Uncertainty []float64
}

// Len returns the number of rows.
func (t *GapfillTable) Len() int { return len(t.Timestamps) }

// StageExecutor performs the work of each stage. Implementations persist
// their own artifacts under the site path using the artifact layout; the
// planner relies on those paths as completion evidence.
type StageExecutor interface {
	// Supports reports whether the executor can train model.
	Supports(model string) bool

	Preprocess(ctx context.Context, req PreprocessRequest) error
	Train(ctx context.Context, req TrainRequest) error
	Test(ctx context.Context, req TestRequest) error
	Gapfill(ctx context.Context, req GapfillRequest) (map[string]*GapfillTable, error)
}
