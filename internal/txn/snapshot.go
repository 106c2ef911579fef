package txn

import (
	"github.com/wardenproject/warden/internal/objects"
	"github.com/wardenproject/warden/internal/shared/id"
)

// valueCopyLimit is the hybrid snapshot boundary: pre-images at or
// under this serialized size are copied by value, larger ones are
// referenced into the object manager's version ring.
const valueCopyLimit = 10 * 1024

// preImage is one undo record. Exactly one of created, attrs, or ref
// is meaningful.
type preImage struct {
	oid     id.ObjectID
	created bool
	attrs   objects.Attrs     // value copy (small payloads)
	ref     *objects.Retained // reference (large payloads)
	size    int
}

func (p *preImage) release(ring *objects.VersionRing) {
	if p.ref != nil {
		ring.Release(p.ref)
		p.ref = nil
	}
}

// restore undoes the mutation this record precedes.
func (p *preImage) restore(m *objects.Manager) error {
	if p.created {
		// Undo of a create is a dispose; the ID is never reused.
		if err := m.Dispose(p.oid); err != nil {
			if _, ok := err.(*objects.NotFoundError); ok {
				return nil
			}
			return err
		}
		return nil
	}
	attrs := p.attrs
	if p.ref != nil {
		attrs = p.ref.Attrs()
	}
	if _, err := m.Restore(p.oid, attrs); err != nil {
		if _, ok := err.(*objects.NotFoundError); ok {
			return nil
		}
		return err
	}
	return nil
}

// estimateSize approximates the serialized size of an attribute map
// without serializing it; string and byte payloads dominate real
// objects so their lengths carry the estimate.
func estimateSize(v any) int {
	switch t := v.(type) {
	case nil:
		return 4
	case string:
		return len(t) + 2
	case []byte:
		return len(t) + 2
	case bool:
		return 5
	case map[string]any:
		n := 2
		for k, e := range t {
			n += len(k) + 4 + estimateSize(e)
		}
		return n
	case objects.Attrs:
		return estimateSize(map[string]any(t))
	case []any:
		n := 2
		for _, e := range t {
			n += estimateSize(e) + 1
		}
		return n
	case []string:
		n := 2
		for _, e := range t {
			n += len(e) + 3
		}
		return n
	default:
		return 8
	}
}
