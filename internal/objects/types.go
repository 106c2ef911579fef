// Package objects implements the canonical registry of browser
// resources with stable, type-prefixed IDs.
package objects

import (
	"fmt"
	"time"

	"github.com/wardenproject/warden/internal/shared/id"
)

// Attrs is an object's attribute map. Inside the manager the map is
// immutable: updates replace it wholesale (copy-on-write), which makes
// by-reference snapshots O(1).
type Attrs map[string]any

// Object is a deep, immutable view of a managed object. Mutating it
// does not affect the live object.
type Object struct {
	ID        id.ObjectID
	Type      id.Type
	Version   uint64
	Attrs     Attrs
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Tab load states.
const (
	LoadStateLoading     = "loading"
	LoadStateInteractive = "interactive"
	LoadStateComplete    = "complete"
	LoadStateError       = "error"
)

// Form kinds form a closed enumeration. browser.forms.find rejects an
// unknown kind with a validation error when it is called, before the
// broker is consulted; static admission (runtime.Validate) does not
// check form kinds.
var FormKinds = []string{"login", "search", "contact", "generic"}

// KnownFormKind reports whether kind is in the closed enumeration.
func KnownFormKind(kind string) bool {
	for _, k := range FormKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// EventKind identifies a lifecycle event.
type EventKind string

const (
	EventCreated   EventKind = "created"
	EventUpdated   EventKind = "updated"
	EventDestroyed EventKind = "destroyed"
)

// Event is a lifecycle notification, delivered after the mutation is
// visible to Get, in the order mutations committed.
type Event struct {
	Kind   EventKind
	Object Object
}

// NotFoundError reports a missing or disposed object.
type NotFoundError struct {
	ID id.ObjectID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("object not found: %s", e.ID)
}

// ConflictError reports a versioned update that lost a race.
type ConflictError struct {
	ID       id.ObjectID
	Expected uint64
	Actual   uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("object conflict on %s: expected version %d, have %d", e.ID, e.Expected, e.Actual)
}

// CloneAttrs returns a deep copy of attrs. Nested maps and slices are
// copied; scalar leaves are shared (they are immutable values).
func CloneAttrs(attrs Attrs) Attrs {
	if attrs == nil {
		return nil
	}
	out := make(Attrs, len(attrs))
	for k, v := range attrs {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case Attrs:
		return map[string]any(CloneAttrs(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}
