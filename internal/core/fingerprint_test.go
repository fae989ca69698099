package core

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fluxweaver/internal/config"
)

func sampleYear(year int) *YearDataset {
	start := time.Date(year, 1, 1, 0, 30, 0, 0, time.UTC)
	ts := []time.Time{start, start.Add(HalfHour), start.Add(2 * HalfHour)}
	return &YearDataset{
		Site: "BB",
		Year: year,
		Table: Table{
			Timestamps: ts,
			Columns: []Column{
				{Name: "TA_1_1_1", Values: []float64{1.5, 2.5, 3.5}},
				{Name: TargetColumn, Values: []float64{10, math.NaN(), 12}},
			},
		},
	}
}

func TestFingerprint_IdenticalContentIdenticalDigest(t *testing.T) {
	a := FingerprintYear(sampleYear(2021))
	b := FingerprintYear(sampleYear(2021))
	assert.Equal(t, a, b)
	assert.Len(t, a.String(), 64)
}

func TestFingerprint_SensitiveToEveryCell(t *testing.T) {
	base := FingerprintYear(sampleYear(2021))

	ds := sampleYear(2021)
	ds.Columns[0].Values[2] = 3.5000001
	assert.NotEqual(t, base, FingerprintYear(ds), "value change")

	ds = sampleYear(2021)
	ds.Columns[1].Values[1] = 11
	assert.NotEqual(t, base, FingerprintYear(ds), "missing value filled")
}

func TestFingerprint_SensitiveToColumnsAndOrder(t *testing.T) {
	base := FingerprintYear(sampleYear(2021))

	ds := sampleYear(2021)
	ds.Columns[0], ds.Columns[1] = ds.Columns[1], ds.Columns[0]
	assert.NotEqual(t, base, FingerprintYear(ds), "column order")

	ds = sampleYear(2021)
	ds.Columns[0].Name = "TA_2_1_1"
	assert.NotEqual(t, base, FingerprintYear(ds), "column name")

	ds = sampleYear(2021)
	ds.Columns = ds.Columns[:1]
	assert.NotEqual(t, base, FingerprintYear(ds), "column dropped")
}

func TestFingerprint_SensitiveToRowOrder(t *testing.T) {
	base := FingerprintYear(sampleYear(2021))

	ds := sampleYear(2021)
	ds.Timestamps[0], ds.Timestamps[1] = ds.Timestamps[1], ds.Timestamps[0]
	for i := range ds.Columns {
		v := ds.Columns[i].Values
		v[0], v[1] = v[1], v[0]
	}
	assert.NotEqual(t, base, FingerprintYear(ds))
}

func TestFingerprint_NaNPayloadsCanonical(t *testing.T) {
	a := sampleYear(2021)
	b := sampleYear(2021)
	b.Columns[1].Values[1] = math.Float64frombits(0x7ff8000000000123)
	assert.Equal(t, FingerprintYear(a), FingerprintYear(b))
}

func TestFingerprints_Equal(t *testing.T) {
	a := Fingerprints{2020: "aa", 2021: "bb"}
	assert.True(t, a.Equal(Fingerprints{2021: "bb", 2020: "aa"}))
	assert.False(t, a.Equal(Fingerprints{2020: "aa"}), "year removed")
	assert.False(t, a.Equal(Fingerprints{2020: "aa", 2021: "bb", 2022: "cc"}), "year added")
	assert.False(t, a.Equal(Fingerprints{2020: "aa", 2021: "bc"}), "content changed")
	assert.Equal(t, []int{2020, 2021}, a.Years())
}

func TestConfigsEqual(t *testing.T) {
	a, err := config.Load(config.DefaultLayer())
	require.NoError(t, err)
	b := a.Clone()
	assert.True(t, ConfigsEqual(a, b))
	assert.Empty(t, ConfigDiff(a, b))

	b.Models = append(b.Models, "mean")
	assert.False(t, ConfigsEqual(a, b))
	assert.Contains(t, ConfigDiff(a, b), "mean")

	c := a.Clone()
	c.Models[0], c.Models[1] = c.Models[1], c.Models[0]
	assert.False(t, ConfigsEqual(a, c), "list order is significant")

	d := a.Clone()
	d.DBase.Traces.Units = nil
	e := a.Clone()
	e.DBase.Traces.Units = map[string]string{}
	assert.True(t, ConfigsEqual(d, e), "nil and empty maps are equal")
}

func TestCombine_OrdersYearsAndRows(t *testing.T) {
	combined, err := Combine("BB", map[int]*YearDataset{2022: sampleYear(2022), 2021: sampleYear(2021)})
	require.NoError(t, err)

	assert.Equal(t, []int{2021, 2022}, combined.Years)
	assert.Equal(t, 6, combined.Len())
	assert.Equal(t, 2021, combined.Timestamps[0].Year())
	assert.Equal(t, 2022, combined.Timestamps[5].Year())
}

func TestCombine_RejectsMismatchedColumns(t *testing.T) {
	bad := sampleYear(2022)
	bad.Columns[0].Name = "SW_IN_1_1_1"
	_, err := Combine("BB", map[int]*YearDataset{2021: sampleYear(2021), 2022: bad})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "year 2022")
}

func TestTableValidate(t *testing.T) {
	ds := sampleYear(2021)
	require.NoError(t, ds.Validate())

	ds.Columns[0].Values = ds.Columns[0].Values[:2]
	assert.Error(t, ds.Validate())
}
