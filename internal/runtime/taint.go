package runtime

import (
	"sync"

	"github.com/wardenproject/warden/internal/audit"
)

// taintMinLen keeps trivial strings ("ok", "GET") from poisoning the
// tracker; shorter values cannot carry meaningful injected content.
const taintMinLen = 3

// TaintTracker records values that entered the execution from
// web content. The mediation layer registers every leaf string of an
// extraction result; the capability firewall refuses T3 operations
// whose arguments carry any recorded value.
type TaintTracker struct {
	mu     sync.Mutex
	values map[string]audit.Provenance
}

// NewTaintTracker creates an empty tracker.
func NewTaintTracker() *TaintTracker {
	return &TaintTracker{values: make(map[string]audit.Provenance)}
}

// Record walks v and registers every leaf string with the given
// provenance.
func (t *TaintTracker) Record(v any, p audit.Provenance) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record(v, p)
}

func (t *TaintTracker) record(v any, p audit.Provenance) {
	switch val := v.(type) {
	case string:
		if len(val) >= taintMinLen {
			t.values[val] = p
		}
	case map[string]any:
		for _, e := range val {
			t.record(e, p)
		}
	case []any:
		for _, e := range val {
			t.record(e, p)
		}
	case []string:
		for _, e := range val {
			t.record(e, p)
		}
	}
}

// Provenance returns the recorded origin of the first tainted leaf found
// in v, or "" when v is clean.
func (t *TaintTracker) Provenance(v any) audit.Provenance {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.provenance(v)
}

func (t *TaintTracker) provenance(v any) audit.Provenance {
	switch val := v.(type) {
	case string:
		return t.values[val]
	case map[string]any:
		for _, e := range val {
			if p := t.provenance(e); p != "" {
				return p
			}
		}
	case []any:
		for _, e := range val {
			if p := t.provenance(e); p != "" {
				return p
			}
		}
	case []string:
		for _, e := range val {
			if p := t.provenance(e); p != "" {
				return p
			}
		}
	}
	return ""
}

// Tainted reports whether any argument carries web-content provenance.
func (t *TaintTracker) Tainted(args ...any) bool {
	for _, a := range args {
		if t.Provenance(a) == audit.ProvenanceWebContent {
			return true
		}
	}
	return false
}
