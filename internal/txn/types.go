// Package txn implements the transaction coordinator: nestable
// transactions with named checkpoints, hybrid copy-on-write snapshots,
// rollback, and commit gating for irreversible operations.
package txn

import (
	"fmt"
	"time"

	"github.com/wardenproject/warden/internal/shared/id"
)

// State of a transaction. Terminal states reject further transitions.
type State string

const (
	StateActive    State = "active"
	StateCommitted State = "committed"
	StateAborted   State = "aborted"
)

// ClosedError reports an operation against a terminal transaction.
type ClosedError struct {
	TxID  string
	State State
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("transaction %s is %s", e.TxID, e.State)
}

// IrreversibleError reports a rollback attempted across a committed
// irreversible operation, or a second irreversible operation inside
// one transaction.
type IrreversibleError struct {
	Op   string
	TxID string
}

func (e *IrreversibleError) Error() string {
	return fmt.Sprintf("irreversible operation %s committed in %s", e.Op, e.TxID)
}

// DuplicateCheckpointError reports a label reused within one
// transaction.
type DuplicateCheckpointError struct {
	TxID  string
	Label string
}

func (e *DuplicateCheckpointError) Error() string {
	return fmt.Sprintf("checkpoint %q already exists in %s", e.Label, e.TxID)
}

// CheckpointNotFoundError reports an unknown checkpoint label.
type CheckpointNotFoundError struct {
	TxID  string
	Label string
}

func (e *CheckpointNotFoundError) Error() string {
	return fmt.Sprintf("checkpoint %q not found in %s", e.Label, e.TxID)
}

// Checkpoint is a named snapshot position inside a transaction. The
// snapshot itself lives in the transaction's undo log; mark is the log
// position at creation time.
type Checkpoint struct {
	ID        id.ObjectID
	Label     string
	TxID      string
	CreatedAt time.Time

	mark int
}

// Op records one operation performed under a transaction.
type Op struct {
	Name   string
	Object string
	At     time.Time
}
