package artifact

import (
	"fmt"
	"path/filepath"
	"strconv"
)

// DataDirName is the directory under the database root holding one pipeline
// directory per site.
const DataDirName = "methane_gapfill_ml"

// SitePath returns the pipeline directory of site under dbPath.
func SitePath(dbPath, site string) string {
	return filepath.Join(dbPath, DataDirName, site)
}

// Layout names every artifact inside a site pipeline directory.
//
//	run_info.json
//	indices/train{i}.npy, indices/val{i}.npy, indices/test.npy
//	models/<model>/<model>{i}.pkl, models/<model>/val_metrics.csv
//	models/<model>/test_metrics.csv, models/<model>/test_predictions.csv
//	gapfilled/<model>_<year>.csv
type Layout struct {
	Root string
}

// NewLayout returns the layout rooted at sitePath.
func NewLayout(sitePath string) Layout { return Layout{Root: sitePath} }

func (l Layout) RunInfo() string { return filepath.Join(l.Root, "run_info.json") }

func (l Layout) IndicesDir() string { return filepath.Join(l.Root, "indices") }

func (l Layout) TrainIndex(split int) string {
	return filepath.Join(l.IndicesDir(), fmt.Sprintf("train%d.npy", split))
}

func (l Layout) ValIndex(split int) string {
	return filepath.Join(l.IndicesDir(), fmt.Sprintf("val%d.npy", split))
}

func (l Layout) TestIndex() string { return filepath.Join(l.IndicesDir(), "test.npy") }

func (l Layout) ModelDir(model string) string { return filepath.Join(l.Root, "models", model) }

// Model is the serialized model fitted on split.
func (l Layout) Model(model string, split int) string {
	return filepath.Join(l.ModelDir(model), model+strconv.Itoa(split)+".pkl")
}

func (l Layout) ValMetrics(model string) string {
	return filepath.Join(l.ModelDir(model), "val_metrics.csv")
}

func (l Layout) TestMetrics(model string) string {
	return filepath.Join(l.ModelDir(model), "test_metrics.csv")
}

func (l Layout) TestPredictions(model string) string {
	return filepath.Join(l.ModelDir(model), "test_predictions.csv")
}

func (l Layout) GapfilledDir() string { return filepath.Join(l.Root, "gapfilled") }

func (l Layout) Gapfilled(model string, year int) string {
	return filepath.Join(l.GapfilledDir(), fmt.Sprintf("%s_%d.csv", model, year))
}
