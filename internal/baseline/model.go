package baseline

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	ModelOLS   = "ols"
	ModelRidge = "ridge"
	ModelMean  = "mean"
)

// fallbackLambda regularizes OLS when the design is rank deficient.
const fallbackLambda = 1e-6

// Fitted is a trained linear model over standardized features. It is stored
// as JSON in models/<model>/<model><split>.pkl.
type Fitted struct {
	Model    string    `json:"model"`
	Split    int       `json:"split"`
	Features []string  `json:"features"`
	Center   []float64 `json:"center"`
	Scale    []float64 `json:"scale"`

	// Coef holds the intercept followed by one weight per feature.
	Coef []float64 `json:"coef"`

	// LaplaceScale is the maximum-likelihood Laplace scale of the validation
	// residuals.
	LaplaceScale float64 `json:"laplace_scale"`

	TrainRows int `json:"train_rows"`
}

// StdDev is the residual standard deviation implied by LaplaceScale.
func (m *Fitted) StdDev() float64 {
	if m.LaplaceScale <= 0 || math.IsNaN(m.LaplaceScale) {
		return 0
	}
	return distuv.Laplace{Mu: 0, Scale: m.LaplaceScale}.StdDev()
}

// Predict evaluates the model on raw feature values. Missing inputs take the
// training mean.
func (m *Fitted) Predict(x []float64) float64 {
	out := m.Coef[0]
	for j, v := range x {
		z := 0.0
		if !math.IsNaN(v) {
			z = (v - m.Center[j]) / m.Scale[j]
		}
		out += m.Coef[j+1] * z
	}
	return out
}

func (m *Fitted) marshal() ([]byte, error) {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func unmarshalFitted(b []byte) (*Fitted, error) {
	var m Fitted
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	k := len(m.Features)
	if len(m.Center) != k || len(m.Scale) != k || len(m.Coef) != k+1 {
		return nil, errors.Errorf("model %s split %d: inconsistent dimensions", m.Model, m.Split)
	}
	return &m, nil
}

// fit trains kind on the rows of f selected by idx.
func fit(kind string, f *features, y []float64, idx []int, lambda float64) (*Fitted, error) {
	if len(idx) == 0 {
		return nil, errors.New("no training rows")
	}
	k := len(f.cols)
	m := &Fitted{
		Model:     kind,
		Features:  append([]string(nil), f.names...),
		Center:    make([]float64, k),
		Scale:     make([]float64, k),
		Coef:      make([]float64, k+1),
		TrainRows: len(idx),
	}

	ys := make([]float64, len(idx))
	for r, i := range idx {
		ys[r] = y[i]
	}

	buf := make([]float64, 0, len(idx))
	for j, col := range f.cols {
		buf = buf[:0]
		for _, i := range idx {
			if !math.IsNaN(col[i]) {
				buf = append(buf, col[i])
			}
		}
		m.Center[j], m.Scale[j] = 0, 1
		if len(buf) > 0 {
			mean, std := stat.MeanStdDev(buf, nil)
			m.Center[j] = mean
			if std > 0 && !math.IsNaN(std) {
				m.Scale[j] = std
			}
		}
	}

	if kind == ModelMean {
		m.Coef[0] = stat.Mean(ys, nil)
		return m, nil
	}

	p := k + 1
	data := make([]float64, 0, len(idx)*p)
	x := make([]float64, 0, k)
	for _, i := range idx {
		x = f.row(i, x)
		data = append(data, 1)
		for j, v := range x {
			z := 0.0
			if !math.IsNaN(v) {
				z = (v - m.Center[j]) / m.Scale[j]
			}
			data = append(data, z)
		}
	}
	design := mat.NewDense(len(idx), p, data)
	obs := mat.NewVecDense(len(ys), ys)

	var (
		beta *mat.VecDense
		err  error
	)
	switch kind {
	case ModelOLS:
		beta, err = solveOLS(design, obs)
		if err != nil {
			beta, err = solveRidge(design, obs, fallbackLambda)
		}
	case ModelRidge:
		beta, err = solveRidge(design, obs, lambda)
	default:
		return nil, errors.Errorf("unknown model %q", kind)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "fitting %s", kind)
	}
	for j := 0; j < p; j++ {
		m.Coef[j] = beta.AtVec(j)
	}
	return m, nil
}

func solveOLS(design *mat.Dense, obs *mat.VecDense) (*mat.VecDense, error) {
	r, c := design.Dims()
	if r < c {
		return nil, errors.Errorf("%d rows for %d coefficients", r, c)
	}
	var qr mat.QR
	qr.Factorize(design)
	var beta mat.VecDense
	if err := qr.SolveVecTo(&beta, false, obs); err != nil {
		return nil, err
	}
	return &beta, nil
}

// solveRidge solves (DᵀD + λI')β = Dᵀy where I' leaves the intercept
// unpenalized.
func solveRidge(design *mat.Dense, obs *mat.VecDense, lambda float64) (*mat.VecDense, error) {
	_, p := design.Dims()
	var gram mat.Dense
	gram.Mul(design.T(), design)
	for j := 1; j < p; j++ {
		gram.Set(j, j, gram.At(j, j)+lambda)
	}
	var rhs mat.VecDense
	rhs.MulVec(design.T(), obs)

	// An ill-conditioned system still yields a solution alongside a
	// Condition error.
	var beta mat.VecDense
	err := beta.SolveVec(&gram, &rhs)
	var cond mat.Condition
	if err != nil && (!errors.As(err, &cond) || math.IsInf(float64(cond), 1)) {
		return nil, err
	}
	return &beta, nil
}

// laplaceScale is the maximum-likelihood Laplace scale of residuals around
// their median.
func laplaceScale(residuals []float64) float64 {
	if len(residuals) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), residuals...)
	sort.Float64s(sorted)
	med := stat.Quantile(0.5, stat.Empirical, sorted, nil)
	sum := 0.0
	for _, r := range residuals {
		sum += math.Abs(r - med)
	}
	return sum / float64(len(residuals))
}
