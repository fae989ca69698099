// Package core holds the dataset model and the fingerprint engine.
//
// Nothing here performs I/O. Datasets are produced by the dataset loader and are
// read-only to everything downstream of it.
package core

import (
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// TargetColumn is the name of the methane flux column in every dataset.
const TargetColumn = "FCH4"

// HalfHour is the measurement period of every row.
const HalfHour = 30 * time.Minute

// Column is a named series aligned with Table.Timestamps.
type Column struct {
	Name   string
	Values []float64
}

// Table is a time-indexed set of columns. Timestamps are period ends.
// Missing values are NaN.
type Table struct {
	Timestamps []time.Time
	Columns    []Column
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Timestamps)
}

// ColumnNames returns column names in table order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Column returns the values of the named column.
func (t *Table) Column(name string) ([]float64, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c.Values, true
		}
	}
	return nil, false
}

// Validate checks that every column is aligned with the timestamps and that
// column names are unique.
func (t *Table) Validate() error {
	seen := make(map[string]struct{}, len(t.Columns))
	for _, c := range t.Columns {
		if c.Name == "" {
			return errors.New("column with empty name")
		}
		if _, ok := seen[c.Name]; ok {
			return errors.Errorf("duplicate column %q", c.Name)
		}
		seen[c.Name] = struct{}{}
		if len(c.Values) != len(t.Timestamps) {
			return errors.Errorf("column %q has %d values for %d timestamps", c.Name, len(c.Values), len(t.Timestamps))
		}
	}
	return nil
}

// YearDataset is one calendar year of one site.
type YearDataset struct {
	Site string
	Year int
	Table
}

// CombinedDataset is the ordered union of all usable years of a site. It is the
// unit fed to preprocessing, training and testing.
type CombinedDataset struct {
	Site  string
	Years []int
	Table
}

// Combine concatenates years in ascending order and sorts rows by timestamp.
// Every year must carry the same columns in the same order.
func Combine(site string, years map[int]*YearDataset) (*CombinedDataset, error) {
	if len(years) == 0 {
		return nil, errors.New("no years to combine")
	}
	keys := make([]int, 0, len(years))
	for y := range years {
		keys = append(keys, y)
	}
	sort.Ints(keys)

	first := years[keys[0]]
	out := &CombinedDataset{Site: site, Years: keys}
	out.Columns = make([]Column, len(first.Columns))
	for i, c := range first.Columns {
		out.Columns[i].Name = c.Name
	}

	for _, y := range keys {
		ds := years[y]
		if err := ds.Validate(); err != nil {
			return nil, errors.Wrapf(err, "year %d", y)
		}
		if len(ds.Columns) != len(out.Columns) {
			return nil, errors.Errorf("year %d has %d columns, expected %d", y, len(ds.Columns), len(out.Columns))
		}
		for i, c := range ds.Columns {
			if c.Name != out.Columns[i].Name {
				return nil, errors.Errorf("year %d column %d is %q, expected %q", y, i, c.Name, out.Columns[i].Name)
			}
			out.Columns[i].Values = append(out.Columns[i].Values, c.Values...)
		}
		out.Timestamps = append(out.Timestamps, ds.Timestamps...)
	}

	if !sort.SliceIsSorted(out.Timestamps, func(i, j int) bool { return out.Timestamps[i].Before(out.Timestamps[j]) }) {
		out.sortRows()
	}
	return out, nil
}

func (c *CombinedDataset) sortRows() {
	idx := make([]int, len(c.Timestamps))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return c.Timestamps[idx[a]].Before(c.Timestamps[idx[b]]) })

	ts := make([]time.Time, len(idx))
	for i, j := range idx {
		ts[i] = c.Timestamps[j]
	}
	c.Timestamps = ts
	for k := range c.Columns {
		vals := make([]float64, len(idx))
		for i, j := range idx {
			vals[i] = c.Columns[k].Values[j]
		}
		c.Columns[k].Values = vals
	}
}

// Observed reports whether v is a real measurement.
func Observed(v float64) bool {
	return !math.IsNaN(v)
}
