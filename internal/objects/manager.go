package objects

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wardenproject/warden/internal/logging"
	"github.com/wardenproject/warden/internal/monitoring"
	"github.com/wardenproject/warden/internal/shared/id"
)

type record struct {
	typ       id.Type
	attrs     Attrs // immutable; replaced wholesale on update
	version   uint64
	createdAt time.Time
	updatedAt time.Time
}

// Manager is the canonical registry. It is safe for concurrent reads
// with single-writer-per-ID semantics: each type has its own lock, and
// mutations to an ID happen under that type's write lock.
type Manager struct {
	locks   map[id.Type]*sync.RWMutex
	records map[id.Type]map[id.ObjectID]*record
	alloc   *id.Allocator
	ring    *VersionRing

	// eventMu orders deliveries so subscribers observe mutations in
	// commit order.
	eventMu sync.Mutex
	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int

	logger  *logging.Logger
	metrics *monitoring.Metrics
	clock   func() time.Time
}

// NewManager creates an empty registry.
func NewManager(logger *logging.Logger, metrics *monitoring.Metrics) *Manager {
	m := &Manager{
		locks:   make(map[id.Type]*sync.RWMutex),
		records: make(map[id.Type]map[id.ObjectID]*record),
		alloc:   id.NewAllocator(),
		ring:    NewVersionRing(),
		subs:    make(map[int]func(Event)),
		logger:  logger.Component("objects"),
		metrics: metrics,
		clock:   time.Now,
	}
	for _, t := range id.Types() {
		m.locks[t] = &sync.RWMutex{}
		m.records[t] = make(map[id.ObjectID]*record)
	}
	return m
}

// Ring exposes the version ring that preserves referenced snapshot
// versions for checkpoints.
func (m *Manager) Ring() *VersionRing { return m.ring }

// Allocator exposes the ID allocator (the coordinator allocates tx and
// cp IDs from the same counters).
func (m *Manager) Allocator() *id.Allocator { return m.alloc }

func (m *Manager) lock(t id.Type) *sync.RWMutex {
	if l, ok := m.locks[t]; ok {
		return l
	}
	// Unknown type: fall back to a shared lock bucket.
	return m.locks[id.Tab]
}

// Create registers a new object and returns its view.
func (m *Manager) Create(t id.Type, attrs Attrs) Object {
	now := m.clock()
	rec := &record{
		typ:       t,
		attrs:     CloneAttrs(attrs),
		version:   1,
		createdAt: now,
		updatedAt: now,
	}
	oid := m.alloc.Next(t)

	l := m.lock(t)
	l.Lock()
	m.records[t][oid] = rec
	view := m.viewLocked(oid, rec)
	l.Unlock()

	m.metrics.ObjectsCreated.WithLabelValues(string(t)).Inc()
	m.metrics.ObjectsLive.WithLabelValues(string(t)).Inc()
	m.publish(Event{Kind: EventCreated, Object: view})
	return view
}

// Get returns a deep, immutable view of an object.
func (m *Manager) Get(oid id.ObjectID) (Object, error) {
	t := oid.Type()
	l := m.lock(t)
	l.RLock()
	defer l.RUnlock()

	rec, ok := m.records[t][oid]
	if !ok {
		return Object{}, &NotFoundError{ID: oid}
	}
	return m.viewLocked(oid, rec), nil
}

// Update merges patch into the object's attributes. The attribute map
// is replaced, never mutated in place, so snapshots holding the old
// map stay intact. Update is private to mediated operations.
func (m *Manager) Update(oid id.ObjectID, patch Attrs) (Object, error) {
	return m.update(oid, patch, 0)
}

// UpdateIfVersion behaves like Update but fails with *ConflictError if
// the object's version is not the expected one.
func (m *Manager) UpdateIfVersion(oid id.ObjectID, patch Attrs, expected uint64) (Object, error) {
	return m.update(oid, patch, expected)
}

func (m *Manager) update(oid id.ObjectID, patch Attrs, expected uint64) (Object, error) {
	t := oid.Type()
	l := m.lock(t)
	l.Lock()

	rec, ok := m.records[t][oid]
	if !ok {
		l.Unlock()
		return Object{}, &NotFoundError{ID: oid}
	}
	if expected != 0 && rec.version != expected {
		actual := rec.version
		l.Unlock()
		return Object{}, &ConflictError{ID: oid, Expected: expected, Actual: actual}
	}

	next := CloneAttrs(rec.attrs)
	if next == nil {
		next = make(Attrs, len(patch))
	}
	for k, v := range patch {
		next[k] = cloneValue(v)
	}
	rec.attrs = next
	rec.version++
	rec.updatedAt = m.clock()
	view := m.viewLocked(oid, rec)
	l.Unlock()

	m.publish(Event{Kind: EventUpdated, Object: view})
	return view, nil
}

// Restore replaces an object's attributes wholesale, used by the
// transaction coordinator to roll back to a pre-image. The version
// still advances: restores are mutations too.
func (m *Manager) Restore(oid id.ObjectID, attrs Attrs) (Object, error) {
	t := oid.Type()
	l := m.lock(t)
	l.Lock()

	rec, ok := m.records[t][oid]
	if !ok {
		l.Unlock()
		return Object{}, &NotFoundError{ID: oid}
	}
	rec.attrs = attrs
	rec.version++
	rec.updatedAt = m.clock()
	view := m.viewLocked(oid, rec)
	l.Unlock()

	m.publish(Event{Kind: EventUpdated, Object: view})
	return view, nil
}

// Dispose removes an object. Its ID is never reused.
func (m *Manager) Dispose(oid id.ObjectID) error {
	t := oid.Type()
	l := m.lock(t)
	l.Lock()

	rec, ok := m.records[t][oid]
	if !ok {
		l.Unlock()
		return &NotFoundError{ID: oid}
	}
	view := m.viewLocked(oid, rec)
	delete(m.records[t], oid)
	l.Unlock()

	m.metrics.ObjectsLive.WithLabelValues(string(t)).Dec()
	m.publish(Event{Kind: EventDestroyed, Object: view})
	return nil
}

// ListByType returns views of every live object of a type.
func (m *Manager) ListByType(t id.Type) []Object {
	l := m.lock(t)
	l.RLock()
	defer l.RUnlock()

	out := make([]Object, 0, len(m.records[t]))
	for oid, rec := range m.records[t] {
		out = append(out, m.viewLocked(oid, rec))
	}
	return out
}

// Query returns objects of a type whose attributes equal every filter.
func (m *Manager) Query(t id.Type, filters map[string]any) []Object {
	l := m.lock(t)
	l.RLock()
	defer l.RUnlock()

	var out []Object
	for oid, rec := range m.records[t] {
		match := true
		for k, want := range filters {
			if rec.attrs[k] != want {
				match = false
				break
			}
		}
		if match {
			out = append(out, m.viewLocked(oid, rec))
		}
	}
	return out
}

// AttrsRef returns the live immutable attribute map and version for
// snapshotting. The returned map must be treated as read-only.
func (m *Manager) AttrsRef(oid id.ObjectID) (Attrs, uint64, error) {
	t := oid.Type()
	l := m.lock(t)
	l.RLock()
	defer l.RUnlock()

	rec, ok := m.records[t][oid]
	if !ok {
		return nil, 0, &NotFoundError{ID: oid}
	}
	return rec.attrs, rec.version, nil
}

// Subscribe registers a lifecycle listener. The returned cancel
// function removes it. Listeners run synchronously in commit order; a
// listener's panic is recovered and logged, and the listener stays
// subscribed.
func (m *Manager) Subscribe(fn func(Event)) (cancel func()) {
	m.subMu.Lock()
	idx := m.nextSub
	m.nextSub++
	m.subs[idx] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs, idx)
		m.subMu.Unlock()
	}
}

func (m *Manager) publish(ev Event) {
	m.eventMu.Lock()
	defer m.eventMu.Unlock()

	m.subMu.Lock()
	listeners := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		listeners = append(listeners, fn)
	}
	m.subMu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Warn("lifecycle listener panicked", zap.Any("panic", r))
				}
			}()
			fn(ev)
		}()
	}
}

func (m *Manager) viewLocked(oid id.ObjectID, rec *record) Object {
	return Object{
		ID:        oid,
		Type:      rec.typ,
		Version:   rec.version,
		Attrs:     CloneAttrs(rec.attrs),
		CreatedAt: rec.createdAt,
		UpdatedAt: rec.updatedAt,
	}
}
