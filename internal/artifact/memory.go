package artifact

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// MemoryStore implements Store in memory. Useful for tests and dry runs.
//
// Directories are implicit: a path exists as a directory when it was created
// with MkdirAll or when any file lives beneath it.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string][]byte
	dirs  map[string]bool

	// BeforeWrite, when set, is called before every WriteFile; a non-nil error
	// aborts the write and is returned to the caller.
	BeforeWrite func(p string) error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files: make(map[string][]byte),
		dirs:  make(map[string]bool),
	}
}

func clean(p string) string {
	return filepath.ToSlash(filepath.Clean(p))
}

func (m *MemoryStore) Exists(p string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p = clean(p)
	if _, ok := m.files[p]; ok {
		return true, nil
	}
	return m.isDirLocked(p), nil
}

func (m *MemoryStore) isDirLocked(p string) bool {
	if m.dirs[p] {
		return true
	}
	prefix := p + "/"
	for name := range m.files {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func (m *MemoryStore) ReadFile(p string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p = clean(p)
	data, ok := m.files[p]
	if !ok {
		return nil, &fs.PathError{Op: "read", Path: p, Err: fs.ErrNotExist}
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *MemoryStore) WriteFile(p string, data []byte) error {
	if m.BeforeWrite != nil {
		if err := m.BeforeWrite(clean(p)); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p = clean(p)
	cp := make([]byte, len(data))
	copy(cp, data)
	m.files[p] = cp
	m.mkdirLocked(filepath.ToSlash(filepath.Dir(p)))
	return nil
}

func (m *MemoryStore) MkdirAll(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mkdirLocked(clean(p))
	return nil
}

func (m *MemoryStore) mkdirLocked(p string) {
	for {
		m.dirs[p] = true
		parent := filepath.ToSlash(filepath.Dir(p))
		if parent == p || parent == "." || parent == "/" {
			return
		}
		p = parent
	}
}

func (m *MemoryStore) RemoveAll(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p = clean(p)
	prefix := p + "/"
	for name := range m.files {
		if name == p || strings.HasPrefix(name, prefix) {
			delete(m.files, name)
		}
	}
	for name := range m.dirs {
		if name == p || strings.HasPrefix(name, prefix) {
			delete(m.dirs, name)
		}
	}
	return nil
}

func (m *MemoryStore) List(p string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := clean(p) + "/"
	seen := make(map[string]struct{})
	collect := func(name string) {
		if !strings.HasPrefix(name, prefix) {
			return
		}
		rest := strings.TrimPrefix(name, prefix)
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		if rest != "" {
			seen[rest] = struct{}{}
		}
	}
	for name := range m.files {
		collect(name)
	}
	for name := range m.dirs {
		collect(name)
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Paths returns every stored file path, sorted.
func (m *MemoryStore) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.files))
	for name := range m.files {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
