package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"math"
	"sort"
)

// Fingerprint is the hex sha256 of a dataset's canonical encoding.
type Fingerprint string

// String returns the hex digest.
func (f Fingerprint) String() string { return string(f) }

// Fingerprints maps calendar year to the fingerprint of that year's dataset.
type Fingerprints map[int]Fingerprint

// Years returns the keys in ascending order.
func (f Fingerprints) Years() []int {
	out := make([]int, 0, len(f))
	for y := range f {
		out = append(out, y)
	}
	sort.Ints(out)
	return out
}

// Equal reports whether both mappings have the same years with the same digests.
func (f Fingerprints) Equal(other Fingerprints) bool {
	if len(f) != len(other) {
		return false
	}
	for y, fp := range f {
		if o, ok := other[y]; !ok || o != fp {
			return false
		}
	}
	return true
}

const fingerprintVersion = "fluxweaver/table/v1"

// FingerprintTable computes a deterministic digest over the table content.
//
// Encoding, every field length-prefixed:
//  1. format version
//  2. column count, then each column name in table order
//  3. row count, then each timestamp as Unix nanoseconds
//  4. for each column in order, the IEEE-754 bits of every value
//
// Any change to a cell, to the column set or order, or to the row order yields a
// different digest. NaN payloads are canonicalized so all missing values encode
// the same way.
func FingerprintTable(t *Table) Fingerprint {
	h := sha256.New()

	writeField(h, []byte(fingerprintVersion))

	writeUint(h, uint64(len(t.Columns)))
	for _, c := range t.Columns {
		writeField(h, []byte(c.Name))
	}

	writeUint(h, uint64(len(t.Timestamps)))
	var buf [8]byte
	for _, ts := range t.Timestamps {
		binary.BigEndian.PutUint64(buf[:], uint64(ts.UnixNano()))
		_, _ = h.Write(buf[:])
	}

	for _, c := range t.Columns {
		writeUint(h, uint64(len(c.Values)))
		for _, v := range c.Values {
			bits := math.Float64bits(v)
			if math.IsNaN(v) {
				bits = math.Float64bits(math.NaN())
			}
			binary.BigEndian.PutUint64(buf[:], bits)
			_, _ = h.Write(buf[:])
		}
	}

	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// FingerprintYear computes the fingerprint of one year's dataset.
func FingerprintYear(ds *YearDataset) Fingerprint {
	return FingerprintTable(&ds.Table)
}

// FingerprintAll fingerprints every loaded year.
func FingerprintAll(years map[int]*YearDataset) Fingerprints {
	out := make(Fingerprints, len(years))
	for y, ds := range years {
		out[y] = FingerprintYear(ds)
	}
	return out
}

func writeField(h hash.Hash, b []byte) {
	writeUint(h, uint64(len(b)))
	_, _ = h.Write(b)
}

func writeUint(h hash.Hash, n uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	_, _ = h.Write(buf[:])
}
