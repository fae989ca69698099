package trace

import (
	"sync"

	"github.com/pkg/errors"

	"fluxweaver/internal/artifact"
)

// Sink receives events. Record must not panic and cannot fail; callers assume
// it may be a no-op.
type Sink interface {
	Record(event Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(Event) {}

// SafeRecord records event and swallows any panic from a buggy sink. The
// trace is observational and must never change execution.
func SafeRecord(s Sink, event Event) {
	if s == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	s.Record(event)
}

// Recorder collects events in memory. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Record(event Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Trace builds a canonical RunTrace from the recorded events.
func (r *Recorder) Trace(basis string) RunTrace {
	t := RunTrace{Basis: basis, Events: r.Events()}
	t.Canonicalize()
	return t
}

// WriteFile stores the canonical trace at p, followed by a newline.
func (r *Recorder) WriteFile(store artifact.Store, p, basis string) error {
	b, err := r.Trace(basis).CanonicalJSON()
	if err != nil {
		return errors.Wrap(err, "encoding trace")
	}
	if err := store.WriteFile(p, append(b, '\n')); err != nil {
		return errors.Wrapf(err, "writing trace %s", p)
	}
	return nil
}
