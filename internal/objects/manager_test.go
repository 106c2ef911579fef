package objects

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/wardenproject/warden/internal/logging"
	"github.com/wardenproject/warden/internal/monitoring"
	"github.com/wardenproject/warden/internal/shared/id"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestManager() *Manager {
	return NewManager(logging.NewNop(), monitoring.NewMetrics())
}

func TestCreateAssignsMonotonicIDs(t *testing.T) {
	m := newTestManager()

	first := m.Create(id.Tab, Attrs{"url": "https://a.test"})
	second := m.Create(id.Tab, Attrs{"url": "https://b.test"})
	form := m.Create(id.Form, Attrs{"tab_id": first.ID.String()})

	assert.Equal(t, id.ObjectID("tab:1"), first.ID)
	assert.Equal(t, id.ObjectID("tab:2"), second.ID)
	assert.Equal(t, id.ObjectID("form:1"), form.ID)
	assert.Greater(t, second.ID.Seq(), first.ID.Seq())
}

func TestIDsNeverReusedAfterDispose(t *testing.T) {
	m := newTestManager()

	first := m.Create(id.Tab, Attrs{"url": "https://a.test"})
	require.NoError(t, m.Dispose(first.ID))

	next := m.Create(id.Tab, Attrs{"url": "https://b.test"})
	assert.Equal(t, id.ObjectID("tab:2"), next.ID)

	_, err := m.Get(first.ID)
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestGetReturnsImmutableView(t *testing.T) {
	m := newTestManager()
	o := m.Create(id.Tab, Attrs{"url": "https://a.test", "meta": map[string]any{"k": "v"}})

	view, err := m.Get(o.ID)
	require.NoError(t, err)
	view.Attrs["url"] = "https://tampered.test"
	if meta, ok := view.Attrs["meta"].(map[string]any); ok {
		meta["k"] = "tampered"
	}

	fresh, err := m.Get(o.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://a.test", fresh.Attrs["url"])
	assert.Equal(t, "v", fresh.Attrs["meta"].(map[string]any)["k"])
}

func TestUpdateReplacesAttrMap(t *testing.T) {
	m := newTestManager()
	o := m.Create(id.Tab, Attrs{"url": "https://a.test", "title": "A"})

	before, version, err := m.AttrsRef(o.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)

	updated, err := m.Update(o.ID, Attrs{"url": "https://b.test"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), updated.Version)
	assert.Equal(t, "https://b.test", updated.Attrs["url"])
	assert.Equal(t, "A", updated.Attrs["title"])

	// Copy-on-write: the old map is untouched.
	assert.Equal(t, "https://a.test", before["url"])
}

func TestUpdateIfVersionConflict(t *testing.T) {
	m := newTestManager()
	o := m.Create(id.Tab, Attrs{"url": "https://a.test"})

	_, err := m.Update(o.ID, Attrs{"url": "https://b.test"})
	require.NoError(t, err)

	_, err = m.UpdateIfVersion(o.ID, Attrs{"url": "https://c.test"}, 1)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, uint64(1), conflict.Expected)
	assert.Equal(t, uint64(2), conflict.Actual)
}

func TestUpdateUnknownObject(t *testing.T) {
	m := newTestManager()
	_, err := m.Update("tab:99", Attrs{"url": "x"})
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestListByTypeAndQuery(t *testing.T) {
	m := newTestManager()
	m.Create(id.Tab, Attrs{"url": "https://a.test", "workspace_id": "workspace:1"})
	m.Create(id.Tab, Attrs{"url": "https://b.test", "workspace_id": "workspace:2"})
	m.Create(id.Form, Attrs{"kind": "login"})

	assert.Len(t, m.ListByType(id.Tab), 2)
	assert.Len(t, m.ListByType(id.Form), 1)

	matches := m.Query(id.Tab, map[string]any{"workspace_id": "workspace:1"})
	require.Len(t, matches, 1)
	assert.Equal(t, "https://a.test", matches[0].Attrs["url"])
}

func TestLifecycleEventsDeliveredInOrder(t *testing.T) {
	m := newTestManager()

	var events []EventKind
	cancel := m.Subscribe(func(ev Event) {
		events = append(events, ev.Kind)
	})
	defer cancel()

	o := m.Create(id.Tab, Attrs{"url": "https://a.test"})
	_, err := m.Update(o.ID, Attrs{"url": "https://b.test"})
	require.NoError(t, err)
	require.NoError(t, m.Dispose(o.ID))

	assert.Equal(t, []EventKind{EventCreated, EventUpdated, EventDestroyed}, events)
}

func TestEventsSeeVisibleState(t *testing.T) {
	m := newTestManager()

	var seen string
	cancel := m.Subscribe(func(ev Event) {
		if ev.Kind == EventUpdated {
			// The mutation is visible through Get before delivery.
			o, err := m.Get(ev.Object.ID)
			require.NoError(t, err)
			seen, _ = o.Attrs["url"].(string)
		}
	})
	defer cancel()

	o := m.Create(id.Tab, Attrs{"url": "https://a.test"})
	_, err := m.Update(o.ID, Attrs{"url": "https://b.test"})
	require.NoError(t, err)
	assert.Equal(t, "https://b.test", seen)
}

func TestVersionRingRetainRelease(t *testing.T) {
	ring := NewVersionRing()
	attrs := Attrs{"payload": "x"}

	r1 := ring.Retain("tab:1", 3, attrs)
	r2 := ring.Retain("tab:1", 3, attrs)
	assert.Equal(t, 2, ring.RefCount("tab:1", 3))
	assert.Equal(t, 1, ring.Len())

	ring.Release(r1)
	assert.Equal(t, 1, ring.RefCount("tab:1", 3))

	ring.Release(r2)
	assert.Equal(t, 0, ring.RefCount("tab:1", 3))
	assert.Equal(t, 0, ring.Len())
}

func TestKnownFormKind(t *testing.T) {
	assert.True(t, KnownFormKind("login"))
	assert.True(t, KnownFormKind("generic"))
	assert.False(t, KnownFormKind("exotic"))
}
