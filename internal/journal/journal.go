// Package journal keeps an operational record of pipeline attempts:
//
//	<db>/methane_gapfill_ml/.fluxweaver/runs/<attempt-id>/attempt.json
//	<db>/methane_gapfill_ml/.fluxweaver/runs/<attempt-id>/failure.json
//
// The journal is never consulted by the planner; cache validity comes from the
// run ledger and artifacts alone.
package journal

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"fluxweaver/internal/artifact"
)

// ErrNotFound is returned (wrapped) for unknown attempt IDs.
var ErrNotFound = errors.New("attempt not found")

// Journal stores attempts through an artifact.Store.
type Journal struct {
	Store artifact.Store
	Root  string

	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// New returns a journal rooted under the ML data directory of dbPath.
func New(store artifact.Store, dbPath string) *Journal {
	return &Journal{
		Store: store,
		Root:  filepath.Join(dbPath, artifact.DataDirName, ".fluxweaver", "runs"),
	}
}

func (j *Journal) now() time.Time {
	if j.Now != nil {
		return j.Now().UTC()
	}
	return time.Now().UTC()
}

func (j *Journal) attemptPath(id string) string {
	return filepath.Join(j.Root, id, "attempt.json")
}

func (j *Journal) failurePath(id string) string {
	return filepath.Join(j.Root, id, "failure.json")
}

// Start records a new running attempt for site and year and returns it. IDs
// are UUIDv7, so lexical order is start order.
func (j *Journal) Start(site string, year int) (Attempt, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Attempt{}, errors.Wrap(err, "generating attempt id")
	}
	a := Attempt{
		ID:        id.String(),
		Site:      site,
		Year:      year,
		StartTime: j.now(),
		Status:    StatusRunning,
	}
	prev, err := j.Latest(site)
	switch {
	case err == nil:
		a.PreviousID = &prev.ID
	case !errors.Is(err, ErrNotFound):
		return Attempt{}, err
	}
	if err := j.save(a); err != nil {
		return Attempt{}, err
	}
	return a, nil
}

// Finish marks a succeeded, or failed when cause is non-nil, and writes
// failure.json for failures.
func (j *Journal) Finish(a Attempt, cause error) (Attempt, error) {
	end := j.now()
	a.EndTime = &end
	a.Status = StatusSucceeded
	if cause != nil {
		a.Status = StatusFailed
		f, err := Classify(cause)
		if err != nil {
			return a, err
		}
		if err := f.Validate(); err != nil {
			return a, errors.Wrap(err, "invalid failure")
		}
		if err := j.write(j.failurePath(a.ID), f); err != nil {
			return a, err
		}
	}
	return a, j.save(a)
}

func (j *Journal) save(a Attempt) error {
	if err := a.Validate(); err != nil {
		return errors.Wrap(err, "invalid attempt")
	}
	return j.write(j.attemptPath(a.ID), a)
}

func (j *Journal) write(p string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encoding %s", p)
	}
	if err := j.Store.WriteFile(p, append(b, '\n')); err != nil {
		return errors.Wrapf(err, "writing %s", p)
	}
	return nil
}

// Load reads one attempt.
func (j *Journal) Load(id string) (Attempt, error) {
	var a Attempt
	if strings.TrimSpace(id) == "" {
		return Attempt{}, errors.New("attempt id is required")
	}
	if err := j.read(j.attemptPath(id), &a); err != nil {
		return Attempt{}, err
	}
	if err := a.Validate(); err != nil {
		return Attempt{}, errors.Wrapf(err, "invalid attempt %s on disk", id)
	}
	return a, nil
}

// LoadFailure reads the failure of a failed attempt.
func (j *Journal) LoadFailure(id string) (Failure, error) {
	var f Failure
	if err := j.read(j.failurePath(id), &f); err != nil {
		return Failure{}, err
	}
	if err := f.Validate(); err != nil {
		return Failure{}, errors.Wrapf(err, "invalid failure %s on disk", id)
	}
	return f, nil
}

// IDs returns all attempt IDs, oldest first.
func (j *Journal) IDs() ([]string, error) {
	names, err := j.Store.List(j.Root)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", j.Root)
	}
	ids := make([]string, 0, len(names))
	for _, n := range names {
		if _, err := uuid.Parse(n); err == nil {
			ids = append(ids, n)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Latest returns the most recent readable attempt for site.
func (j *Journal) Latest(site string) (Attempt, error) {
	ids, err := j.IDs()
	if err != nil {
		return Attempt{}, err
	}
	for i := len(ids) - 1; i >= 0; i-- {
		a, err := j.Load(ids[i])
		if err != nil {
			continue
		}
		if a.Site == site {
			return a, nil
		}
	}
	return Attempt{}, errors.Wrapf(ErrNotFound, "site %s", site)
}

func (j *Journal) read(p string, dst any) error {
	data, err := j.Store.ReadFile(p)
	if err != nil {
		if errors.Is(err, artifact.ErrNotExist) {
			return errors.Wrap(ErrNotFound, p)
		}
		return errors.Wrapf(err, "reading %s", p)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Wrapf(err, "decoding %s", p)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.Errorf("decoding %s: trailing content", p)
	}
	return nil
}
