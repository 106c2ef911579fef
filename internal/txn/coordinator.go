package txn

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wardenproject/warden/internal/audit"
	"github.com/wardenproject/warden/internal/logging"
	"github.com/wardenproject/warden/internal/monitoring"
	"github.com/wardenproject/warden/internal/objects"
	"github.com/wardenproject/warden/internal/shared/id"
)

// Tx is a transaction handle. All methods delegate to the coordinator.
type Tx struct {
	id       string
	coord    *Coordinator
	parent   *Tx
	children []*Tx

	state       State
	undo        []*preImage
	checkpoints []*Checkpoint
	ops         []Op
	t3Done      bool
	t3Op        string

	startedAt time.Time
	endedAt   time.Time
}

// ID returns the transaction's stable ID ("tx:<n>").
func (t *Tx) ID() string { return t.id }

// State returns the current state.
func (t *Tx) State() State {
	t.coord.mu.Lock()
	defer t.coord.mu.Unlock()
	return t.state
}

// Parent returns the enclosing transaction, if any.
func (t *Tx) Parent() *Tx { return t.parent }

// Checkpoint creates a named checkpoint. Labels are unique within a
// transaction.
func (t *Tx) Checkpoint(label string) (id.ObjectID, error) {
	return t.coord.Checkpoint(t, label)
}

// Rollback restores state to the named checkpoint, or to the
// transaction's start when label is empty.
func (t *Tx) Rollback(label string) error { return t.coord.Rollback(t, label) }

// Commit finalizes the transaction. A child commit folds its snapshots
// into the parent; only the outermost commit discards them.
func (t *Tx) Commit() error { return t.coord.Commit(t) }

// Abort undoes the transaction's own effects and closes it.
func (t *Tx) Abort(reason string) error { return t.coord.Abort(t, reason) }

// Checkpoints lists checkpoint labels in creation order.
func (t *Tx) Checkpoints() []string {
	t.coord.mu.Lock()
	defer t.coord.mu.Unlock()
	out := make([]string, 0, len(t.checkpoints))
	for _, cp := range t.checkpoints {
		out = append(out, cp.Label)
	}
	return out
}

// CurrentCheckpointID returns the most recent checkpoint's ID for
// audit correlation, or "".
func (t *Tx) CurrentCheckpointID() string {
	t.coord.mu.Lock()
	defer t.coord.mu.Unlock()
	if len(t.checkpoints) == 0 {
		return ""
	}
	return t.checkpoints[len(t.checkpoints)-1].ID.String()
}

// Ops returns the ordered operations recorded under this transaction.
func (t *Tx) Ops() []Op {
	t.coord.mu.Lock()
	defer t.coord.mu.Unlock()
	out := make([]Op, len(t.ops))
	copy(out, t.ops)
	return out
}

// Coordinator owns transaction lifecycle and snapshots. One lock
// guards all transactions; no lock is held across suspension points.
type Coordinator struct {
	mu      sync.Mutex
	objects *objects.Manager
	audit   *audit.Log
	all     map[string]*Tx
	logger  *logging.Logger
	metrics *monitoring.Metrics
	clock   func() time.Time
}

// NewCoordinator creates a coordinator over the object registry.
func NewCoordinator(om *objects.Manager, log *audit.Log, logger *logging.Logger, metrics *monitoring.Metrics) *Coordinator {
	return &Coordinator{
		objects: om,
		audit:   log,
		all:     make(map[string]*Tx),
		logger:  logger.Component("txn"),
		metrics: metrics,
		clock:   time.Now,
	}
}

// Begin starts a transaction, optionally nested under parent. A child
// has an independent snapshot chain.
func (c *Coordinator) Begin(parent *Tx) (*Tx, error) {
	c.mu.Lock()
	if parent != nil && parent.state != StateActive {
		c.mu.Unlock()
		return nil, &ClosedError{TxID: parent.id, State: parent.state}
	}
	tx := &Tx{
		id:        c.objects.Allocator().Next(id.Transaction).String(),
		coord:     c,
		parent:    parent,
		state:     StateActive,
		startedAt: c.clock(),
	}
	c.all[tx.id] = tx
	if parent != nil {
		parent.children = append(parent.children, tx)
	}
	c.mu.Unlock()

	if _, err := c.audit.Append(audit.Entry{
		Principal:  "system",
		Op:         "transaction.begin",
		Object:     tx.id,
		Result:     audit.ResultSuccess,
		TxID:       tx.id,
		Provenance: audit.ProvenanceSystem,
	}); err != nil {
		return nil, err
	}
	return tx, nil
}

// Get returns a transaction by ID.
func (c *Coordinator) Get(txID string) (*Tx, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.all[txID]
	return tx, ok
}

// RecordMutation captures an object's pre-image into the innermost
// active transaction's undo log. Must be called before the mutation is
// applied. Small pre-images are copied by value; large ones are
// referenced into the version ring.
func (c *Coordinator) RecordMutation(tx *Tx, oid id.ObjectID) error {
	attrs, version, err := c.objects.AttrsRef(oid)
	if err != nil {
		return err
	}

	start := c.clock()
	size := estimateSize(attrs)
	rec := &preImage{oid: oid, size: size}
	if size > valueCopyLimit {
		rec.ref = c.objects.Ring().Retain(oid, version, attrs)
		c.metrics.SnapshotByRef.Inc()
	} else {
		rec.attrs = objects.CloneAttrs(attrs)
		c.metrics.SnapshotByValue.Inc()
	}
	c.metrics.SnapshotBytes.Observe(float64(size))
	c.metrics.SnapshotLatency.Observe(c.clock().Sub(start).Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	if tx.state != StateActive {
		rec.release(c.objects.Ring())
		return &ClosedError{TxID: tx.id, State: tx.state}
	}
	tx.undo = append(tx.undo, rec)
	return nil
}

// RecordCreate notes that an object was created inside the
// transaction; rollback disposes it.
func (c *Coordinator) RecordCreate(tx *Tx, oid id.ObjectID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tx.state != StateActive {
		return &ClosedError{TxID: tx.id, State: tx.state}
	}
	tx.undo = append(tx.undo, &preImage{oid: oid, created: true})
	return nil
}

// RecordOp appends an operation descriptor to the transaction's
// ordered op sequence.
func (c *Coordinator) RecordOp(tx *Tx, name, object string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tx.state == StateActive {
		tx.ops = append(tx.ops, Op{Name: name, Object: object, At: c.clock()})
	}
}

// Checkpoint seals the current undo position under a unique label.
func (c *Coordinator) Checkpoint(tx *Tx, label string) (id.ObjectID, error) {
	c.mu.Lock()
	if tx.state != StateActive {
		state := tx.state
		c.mu.Unlock()
		return "", &ClosedError{TxID: tx.id, State: state}
	}
	for _, cp := range tx.checkpoints {
		if cp.Label == label {
			c.mu.Unlock()
			return "", &DuplicateCheckpointError{TxID: tx.id, Label: label}
		}
	}
	cp := &Checkpoint{
		ID:        c.objects.Allocator().Next(id.Checkpoint),
		Label:     label,
		TxID:      tx.id,
		CreatedAt: c.clock(),
		mark:      len(tx.undo),
	}
	tx.checkpoints = append(tx.checkpoints, cp)
	c.mu.Unlock()

	c.metrics.CheckpointsTaken.Inc()
	if _, err := c.audit.Append(audit.Entry{
		Principal:    "system",
		Op:           "transaction.checkpoint",
		Object:       tx.id,
		Args:         map[string]any{"label": label, "checkpoint_id": cp.ID.String()},
		Result:       audit.ResultSuccess,
		TxID:         tx.id,
		CheckpointID: cp.ID.String(),
		Provenance:   audit.ProvenanceSystem,
	}); err != nil {
		return "", err
	}
	return cp.ID, nil
}

// Rollback restores object state to a checkpoint (or to the start) by
// replaying the undo log in reverse. Rollback across a committed
// irreversible operation is refused.
func (c *Coordinator) Rollback(tx *Tx, label string) error {
	c.mu.Lock()
	if tx.state != StateActive {
		state, t3, op := tx.state, tx.t3Done, tx.t3Op
		c.mu.Unlock()
		if t3 {
			return &IrreversibleError{Op: op, TxID: tx.id}
		}
		return &ClosedError{TxID: tx.id, State: state}
	}

	mark := 0
	if label != "" {
		found := false
		for _, cp := range tx.checkpoints {
			if cp.Label == label {
				mark = cp.mark
				found = true
				break
			}
		}
		if !found {
			c.mu.Unlock()
			return &CheckpointNotFoundError{TxID: tx.id, Label: label}
		}
	}

	undo := tx.undo[mark:]
	tx.undo = tx.undo[:mark]
	// Checkpoints taken after the rollback target are no longer
	// reachable positions.
	kept := tx.checkpoints[:0]
	for _, cp := range tx.checkpoints {
		if cp.mark <= mark {
			kept = append(kept, cp)
		}
	}
	tx.checkpoints = kept
	c.mu.Unlock()

	if err := c.replay(undo); err != nil {
		return err
	}

	_, err := c.audit.Append(audit.Entry{
		Principal:  "system",
		Op:         "transaction.rollback",
		Object:     tx.id,
		Args:       map[string]any{"to_checkpoint": label},
		Result:     audit.ResultSuccess,
		TxID:       tx.id,
		Provenance: audit.ProvenanceSystem,
	})
	return err
}

// replay applies undo records newest-first and releases their refs.
func (c *Coordinator) replay(undo []*preImage) error {
	var firstErr error
	for i := len(undo) - 1; i >= 0; i-- {
		if err := undo[i].restore(c.objects); err != nil && firstErr == nil {
			firstErr = err
		}
		undo[i].release(c.objects.Ring())
	}
	return firstErr
}

// Commit finalizes a transaction. Child commits fold their undo log
// and checkpoints into the parent so rollback fidelity survives nested
// commits; the outermost commit discards the log and releases refs.
func (c *Coordinator) Commit(tx *Tx) error {
	c.mu.Lock()
	if tx.state != StateActive {
		state := tx.state
		c.mu.Unlock()
		return &ClosedError{TxID: tx.id, State: state}
	}
	// Active children are closed before the parent commits; a child
	// left open is abandoned work and is aborted.
	children := activeChildren(tx)
	c.mu.Unlock()
	for _, child := range children {
		if err := c.Abort(child, "parent_commit"); err != nil {
			return err
		}
	}

	c.mu.Lock()
	if tx.parent != nil && tx.parent.state == StateActive {
		base := len(tx.parent.undo)
		tx.parent.undo = append(tx.parent.undo, tx.undo...)
		for _, cp := range tx.checkpoints {
			if parentHasLabel(tx.parent, cp.Label) {
				continue
			}
			folded := *cp
			folded.mark = base + cp.mark
			folded.TxID = tx.parent.id
			tx.parent.checkpoints = append(tx.parent.checkpoints, &folded)
		}
		tx.parent.ops = append(tx.parent.ops, tx.ops...)
		if tx.t3Done {
			tx.parent.t3Done = true
			tx.parent.t3Op = tx.t3Op
		}
	} else {
		undo := tx.undo
		c.mu.Unlock()
		for _, rec := range undo {
			rec.release(c.objects.Ring())
		}
		c.mu.Lock()
	}
	tx.undo = nil
	tx.state = StateCommitted
	tx.endedAt = c.clock()
	c.mu.Unlock()

	c.metrics.TxOutcomes.WithLabelValues("committed").Inc()
	_, err := c.audit.Append(audit.Entry{
		Principal:  "system",
		Op:         "transaction.commit",
		Object:     tx.id,
		Result:     audit.ResultSuccess,
		TxID:       tx.id,
		Provenance: audit.ProvenanceSystem,
	})
	return err
}

// Abort undoes the transaction's effects (children first) and closes
// it.
func (c *Coordinator) Abort(tx *Tx, reason string) error {
	c.mu.Lock()
	if tx.state != StateActive {
		state := tx.state
		c.mu.Unlock()
		return &ClosedError{TxID: tx.id, State: state}
	}
	children := activeChildren(tx)
	c.mu.Unlock()

	for _, child := range children {
		if err := c.Abort(child, reason); err != nil {
			return err
		}
	}

	c.mu.Lock()
	undo := tx.undo
	tx.undo = nil
	tx.state = StateAborted
	tx.endedAt = c.clock()
	c.mu.Unlock()

	if err := c.replay(undo); err != nil {
		c.logger.Error("rollback during abort failed", zap.String("tx", tx.id), zap.Error(err))
	}

	c.metrics.TxOutcomes.WithLabelValues("aborted").Inc()
	_, err := c.audit.Append(audit.Entry{
		Principal:  "system",
		Op:         "transaction.abort",
		Object:     tx.id,
		Args:       map[string]any{"reason": reason},
		Result:     audit.ResultSuccess,
		TxID:       tx.id,
		Provenance: audit.ProvenanceSystem,
	})
	return err
}

// AdmitIrreversible gates a T3 operation: a transaction admits at most
// one, and only if none is already committed in its chain.
func (c *Coordinator) AdmitIrreversible(tx *Tx, op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tx.state != StateActive {
		return &ClosedError{TxID: tx.id, State: tx.state}
	}
	for t := tx; t != nil; t = t.parent {
		if t.t3Done {
			return &IrreversibleError{Op: t.t3Op, TxID: t.id}
		}
	}
	return nil
}

// CompleteIrreversible records a successful T3 operation and forces
// commit of the enclosing transaction chain.
func (c *Coordinator) CompleteIrreversible(tx *Tx, op string) error {
	c.mu.Lock()
	tx.t3Done = true
	tx.t3Op = op
	c.mu.Unlock()

	for t := tx; t != nil; t = t.parent {
		c.mu.Lock()
		active := t.state == StateActive
		c.mu.Unlock()
		if !active {
			continue
		}
		if err := c.Commit(t); err != nil {
			return err
		}
	}
	return nil
}

// AbortAll force-aborts every active transaction (shutdown path).
func (c *Coordinator) AbortAll(reason string) {
	c.mu.Lock()
	var tops []*Tx
	for _, tx := range c.all {
		if tx.state == StateActive && (tx.parent == nil || tx.parent.state != StateActive) {
			tops = append(tops, tx)
		}
	}
	c.mu.Unlock()

	for _, tx := range tops {
		if err := c.Abort(tx, reason); err != nil {
			c.logger.Warn("forced abort failed", zap.String("tx", tx.id), zap.Error(err))
		}
	}
}

func activeChildren(tx *Tx) []*Tx {
	var out []*Tx
	for _, child := range tx.children {
		if child.state == StateActive {
			out = append(out, child)
		}
	}
	return out
}

func parentHasLabel(parent *Tx, label string) bool {
	for _, cp := range parent.checkpoints {
		if cp.Label == label {
			return true
		}
	}
	return false
}
