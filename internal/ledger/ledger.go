// Package ledger persists the run record of a site pipeline directory and
// answers whether the artifacts of a stage are present.
//
// The record only describes preprocessing: the configuration and the per-year
// fingerprints the split indices were computed from. It is replaced wholesale
// and never partially updated.
package ledger

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"io"

	"github.com/pkg/errors"

	"fluxweaver/internal/artifact"
	"fluxweaver/internal/config"
	"fluxweaver/internal/core"
)

var (
	// ErrNotFound is returned (wrapped) when the site has no run record.
	ErrNotFound = errors.New("run record not found")

	// ErrCorrupt is returned (wrapped) when the run record cannot be trusted.
	ErrCorrupt = errors.New("run record corrupt")
)

// RunRecord is the content of run_info.json.
type RunRecord struct {
	Config config.PipelineConfig `json:"config"`
	Hashes core.Fingerprints     `json:"hashes"`
}

// wireRecord detects missing top-level keys, which a plain struct decode
// would silently zero.
type wireRecord struct {
	Config *config.PipelineConfig `json:"config"`
	Hashes *core.Fingerprints     `json:"hashes"`
}

// Ledger reads and writes run records through a Store.
type Ledger struct {
	Store artifact.Store
}

// New returns a ledger backed by store.
func New(store artifact.Store) *Ledger {
	return &Ledger{Store: store}
}

// Read loads the run record of sitePath.
//
// Absent records yield ErrNotFound; anything that fails to parse strictly
// (unknown fields, trailing content, missing keys, malformed digests) yields
// ErrCorrupt. Callers treat both as "no valid prior run".
func (l *Ledger) Read(sitePath string) (RunRecord, error) {
	p := artifact.NewLayout(sitePath).RunInfo()
	data, err := l.Store.ReadFile(p)
	if err != nil {
		if errors.Is(err, artifact.ErrNotExist) {
			return RunRecord{}, errors.Wrap(ErrNotFound, p)
		}
		return RunRecord{}, errors.Wrapf(err, "reading %s", p)
	}
	rec, err := decode(data)
	if err != nil {
		return RunRecord{}, errors.Wrapf(ErrCorrupt, "%s: %v", p, err)
	}
	return rec, nil
}

func decode(data []byte) (RunRecord, error) {
	var w wireRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return RunRecord{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return RunRecord{}, errors.New("invalid JSON: trailing content")
	}
	if w.Config == nil {
		return RunRecord{}, errors.New("missing key \"config\"")
	}
	if w.Hashes == nil {
		return RunRecord{}, errors.New("missing key \"hashes\"")
	}
	for year, fp := range *w.Hashes {
		if !validDigest(fp) {
			return RunRecord{}, errors.Errorf("hashes[%d] is not a sha256 hex digest", year)
		}
	}
	return RunRecord{Config: *w.Config, Hashes: *w.Hashes}, nil
}

func validDigest(fp core.Fingerprint) bool {
	if len(fp) != 64 {
		return false
	}
	_, err := hex.DecodeString(string(fp))
	return err == nil
}

// Write atomically replaces the run record of sitePath.
//
// Call only once preprocessing has succeeded: the record asserts that the
// split indices on disk were computed from cfg and hashes.
func (l *Ledger) Write(sitePath string, cfg config.PipelineConfig, hashes core.Fingerprints) error {
	if hashes == nil {
		hashes = core.Fingerprints{}
	}
	rec := RunRecord{Config: cfg, Hashes: hashes}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal run record")
	}
	b = append(b, '\n')

	p := artifact.NewLayout(sitePath).RunInfo()
	if err := l.Store.WriteFile(p, b); err != nil {
		return errors.Wrapf(err, "writing %s", p)
	}
	return nil
}
