// Package artifact abstracts where pipeline artifacts live.
//
// Completion of a stage is evidenced by the presence of files, so the planner
// and ledger only ever talk to a Store. OSStore is used in production;
// MemoryStore lets tests drive the planner and runner without a filesystem.
package artifact

import (
	"io/fs"
	"os"

	"github.com/pkg/errors"
)

// ErrNotExist is returned (wrapped) when a path is absent.
var ErrNotExist = fs.ErrNotExist

// Store is the capability set the pipeline needs from artifact storage.
//
// Paths are slash- or OS-separated and cleaned by implementations.
type Store interface {
	// Exists reports whether a file or directory exists at p.
	Exists(p string) (bool, error)

	// ReadFile returns the content of p. Missing files yield an error
	// satisfying errors.Is(err, ErrNotExist).
	ReadFile(p string) ([]byte, error)

	// WriteFile replaces p atomically: readers observe either the previous
	// content or the new content, never a partial write. Parents are created.
	WriteFile(p string, data []byte) error

	// MkdirAll creates a directory and its parents.
	MkdirAll(p string) error

	// RemoveAll deletes p and everything beneath it. Missing paths are not an error.
	RemoveAll(p string) error

	// List returns the names of the direct children of directory p, sorted.
	// A missing directory yields an empty list.
	List(p string) ([]string, error)
}

// OSStore implements Store on the local filesystem.
type OSStore struct{}

// NewOSStore returns a filesystem-backed store.
func NewOSStore() OSStore { return OSStore{} }

func (OSStore) Exists(p string) (bool, error) {
	_, err := os.Stat(p)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrapf(err, "stat %s", p)
}

func (OSStore) ReadFile(p string) ([]byte, error) {
	return os.ReadFile(p)
}

func (OSStore) WriteFile(p string, data []byte) error {
	return writeFileAtomicDurable(p, data, 0o644)
}

func (OSStore) MkdirAll(p string) error {
	return os.MkdirAll(p, 0o755)
}

func (OSStore) RemoveAll(p string) error {
	return os.RemoveAll(p)
}

func (OSStore) List(p string) ([]string, error) {
	entries, err := os.ReadDir(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	// os.ReadDir returns entries sorted by filename.
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
