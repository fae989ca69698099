// Package trace records what the planner decided and what the runner did,
// as a canonical, deterministic JSON document.
//
// A trace holds logical facts only: no timestamps, durations or error
// strings. Two invocations over the same inputs and cached state produce
// byte-identical traces.
package trace

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

// EventKind discriminates Event. The string values are part of the canonical
// bytes; do not rename.
type EventKind string

const (
	EventYearExcluded     EventKind = "YearExcluded"
	EventStageValid       EventKind = "StageValid"
	EventStageInvalidated EventKind = "StageInvalidated"
	EventSiteDiscarded    EventKind = "SiteDiscarded"
	EventStageExecuted    EventKind = "StageExecuted"
	EventStageFailed      EventKind = "StageFailed"
	EventStageSkipped     EventKind = "StageSkipped"
	EventLedgerWritten    EventKind = "LedgerWritten"
	EventTraceExported    EventKind = "TraceExported"
)

// Event is one logical decision or transition.
type Event struct {
	Kind EventKind

	// Subject is what the event is about: a stage name, "year/<n>", "site"
	// or "export/<model>".
	Subject string

	// Reason is a stable explanation, e.g. "configuration changed".
	Reason string

	// Artifacts lists paths produced or removed, relative where possible.
	Artifacts []string
}

// YearSubject names a calendar year as an event subject.
func YearSubject(year int) string { return "year/" + strconv.Itoa(year) }

// RunTrace is the canonical record of one invocation for one site.
type RunTrace struct {
	// Basis identifies the inputs: site, target year, configuration and
	// per-year fingerprints. See BasisHash.
	Basis  string
	Events []Event
}

// Validate checks the required fields.
func (t *RunTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.Basis == "" {
		return errors.New("basis is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return errors.Errorf("events[%d].kind is required", i)
		}
		if e.Subject == "" {
			return errors.Errorf("events[%d].subject is required", i)
		}
		for j, a := range e.Artifacts {
			if a == "" {
				return errors.Errorf("events[%d].artifacts[%d] is empty", i, j)
			}
		}
	}
	return nil
}

// Canonicalize sorts artifacts and orders events by (subject rank, subject,
// kind order, reason, artifacts). Stage subjects rank in execution order.
func (t *RunTrace) Canonicalize() {
	if t == nil {
		return
	}
	for i := range t.Events {
		if len(t.Events[i].Artifacts) == 0 {
			t.Events[i].Artifacts = nil
			continue
		}
		art := append([]string(nil), t.Events[i].Artifacts...)
		sort.Strings(art)
		t.Events[i].Artifacts = art
	}

	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if ra, rb := subjectRank(a.Subject), subjectRank(b.Subject); ra != rb {
			return ra < rb
		}
		if a.Subject != b.Subject {
			return a.Subject < b.Subject
		}
		if ka, kb := kindOrder(a.Kind), kindOrder(b.Kind); ka != kb {
			return ka < kb
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		return lessStrings(a.Artifacts, b.Artifacts)
	})
}

func subjectRank(s string) int {
	switch s {
	case "site":
		return 0
	case "PREPROCESS":
		return 2
	case "TRAIN":
		return 3
	case "TEST":
		return 4
	case "GAPFILL":
		return 5
	}
	if len(s) > 5 && s[:5] == "year/" {
		return 1
	}
	return 10
}

func kindOrder(k EventKind) int {
	switch k {
	case EventYearExcluded:
		return 10
	case EventSiteDiscarded:
		return 15
	case EventStageValid:
		return 20
	case EventStageInvalidated:
		return 30
	case EventStageSkipped:
		return 40
	case EventStageExecuted:
		return 50
	case EventStageFailed:
		return 60
	case EventLedgerWritten:
		return 70
	case EventTraceExported:
		return 80
	}
	return 1000
}

func lessStrings(a, b []string) bool {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// CanonicalJSON returns the canonical encoding without mutating t.
func (t RunTrace) CanonicalJSON() ([]byte, error) {
	cp := RunTrace{Basis: t.Basis, Events: append([]Event(nil), t.Events...)}
	cp.Canonicalize()
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(cp)
}

// Hash is the sha256 hex of the canonical encoding.
func (t RunTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return digest(b), nil
}

// MarshalJSON fixes field order.
func (t RunTrace) MarshalJSON() ([]byte, error) {
	if t.Basis == "" {
		return nil, errors.New("basis is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"basis":`)
	writeString(&buf, t.Basis)
	buf.WriteString(`,"events":[`)
	for i, e := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// MarshalJSON fixes field order and omits empty optional fields.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"kind":`)
	writeString(&buf, string(e.Kind))
	buf.WriteString(`,"subject":`)
	writeString(&buf, e.Subject)
	if e.Reason != "" {
		buf.WriteString(`,"reason":`)
		writeString(&buf, e.Reason)
	}
	if len(e.Artifacts) > 0 {
		art := append([]string(nil), e.Artifacts...)
		sort.Strings(art)
		buf.WriteString(`,"artifacts":[`)
		for i, a := range art {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(&buf, a)
		}
		buf.WriteByte(']')
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}
