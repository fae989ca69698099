package baseline

import (
	"bytes"
	"encoding/csv"
	"math"
	"strconv"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"fluxweaver/internal/artifact"
)

// metrics summarizes predictions against observations.
type metrics struct {
	N    int
	R2   float64
	MAE  float64
	RMSE float64
	Bias float64
}

func computeMetrics(pred, obs []float64) metrics {
	m := metrics{N: len(obs), R2: math.NaN(), MAE: math.NaN(), RMSE: math.NaN(), Bias: math.NaN()}
	if len(obs) == 0 {
		return m
	}
	diff := make([]float64, len(obs))
	floats.SubTo(diff, pred, obs)
	m.Bias = stat.Mean(diff, nil)
	m.RMSE = floats.Norm(diff, 2) / math.Sqrt(float64(len(diff)))
	m.MAE = floats.Norm(diff, 1) / float64(len(diff))
	if len(obs) > 1 {
		m.R2 = stat.RSquaredFrom(pred, obs, nil)
	}
	return m
}

func (m metrics) record() []string {
	return []string{strconv.Itoa(m.N), formatFloat(m.R2), formatFloat(m.MAE), formatFloat(m.RMSE), formatFloat(m.Bias)}
}

var metricsHeader = []string{"n", "r2", "mae", "rmse", "bias"}

// coverage is the share of observations inside the central 95% Laplace
// interval around each prediction.
func coverage(pred, sd, obs []float64) float64 {
	if len(obs) == 0 {
		return math.NaN()
	}
	inside := 0
	for i := range obs {
		if sd[i] <= 0 {
			if obs[i] == pred[i] {
				inside++
			}
			continue
		}
		d := distuv.Laplace{Mu: pred[i], Scale: sd[i] / math.Sqrt2}
		if obs[i] >= d.Quantile(0.025) && obs[i] <= d.Quantile(0.975) {
			inside++
		}
	}
	return float64(inside) / float64(len(obs))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func writeCSV(store artifact.Store, p string, header []string, rows [][]string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return errors.Wrapf(err, "encoding %s", p)
	}
	if err := w.WriteAll(rows); err != nil {
		return errors.Wrapf(err, "encoding %s", p)
	}
	if err := store.WriteFile(p, buf.Bytes()); err != nil {
		return errors.Wrapf(err, "writing %s", p)
	}
	return nil
}
