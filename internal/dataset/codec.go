package dataset

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"fluxweaver/internal/config"
)

func dtypeSize(canonical string) int {
	switch canonical {
	case "float32", "int32", "uint32":
		return 4
	case "float64", "int64":
		return 8
	}
	return 0
}

// Decode converts a raw little-endian trace into float64 values.
func Decode(data []byte, dtype string) ([]float64, error) {
	dt, ok := config.NormalizeDType(dtype)
	if !ok {
		return nil, errors.Errorf("unsupported dtype %q", dtype)
	}
	size := dtypeSize(dt)
	if len(data)%size != 0 {
		return nil, errors.Errorf("%d bytes is not a whole number of %s values", len(data), dt)
	}

	n := len(data) / size
	out := make([]float64, n)
	le := binary.LittleEndian
	for i := 0; i < n; i++ {
		b := data[i*size : (i+1)*size]
		switch dt {
		case "float32":
			out[i] = float64(math.Float32frombits(le.Uint32(b)))
		case "float64":
			out[i] = math.Float64frombits(le.Uint64(b))
		case "int32":
			out[i] = float64(int32(le.Uint32(b)))
		case "int64":
			out[i] = float64(int64(le.Uint64(b)))
		case "uint32":
			out[i] = float64(le.Uint32(b))
		}
	}
	return out, nil
}

// Encode converts values to a raw little-endian trace. Integer dtypes cannot
// hold NaN; NaN is written as naValue for them.
func Encode(values []float64, dtype string, naValue float64) ([]byte, error) {
	dt, ok := config.NormalizeDType(dtype)
	if !ok {
		return nil, errors.Errorf("unsupported dtype %q", dtype)
	}
	size := dtypeSize(dt)
	out := make([]byte, len(values)*size)
	le := binary.LittleEndian
	for i, v := range values {
		b := out[i*size : (i+1)*size]
		if math.IsNaN(v) && dt != "float32" && dt != "float64" {
			v = naValue
		}
		switch dt {
		case "float32":
			le.PutUint32(b, math.Float32bits(float32(v)))
		case "float64":
			le.PutUint64(b, math.Float64bits(v))
		case "int32":
			le.PutUint32(b, uint32(int32(math.Round(v))))
		case "int64":
			le.PutUint64(b, uint64(int64(math.Round(v))))
		case "uint32":
			le.PutUint32(b, uint32(math.Round(v)))
		}
	}
	return out, nil
}
