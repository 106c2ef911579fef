// Package runtime is the agent runtime: static code admission, dry-run
// capability inference, and mediated execution of agent JavaScript.
// Every privileged call funnels through one mediation wrapper, the
// only path to the capability broker and the audit log.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/wardenproject/warden/internal/approval"
	"github.com/wardenproject/warden/internal/audit"
	"github.com/wardenproject/warden/internal/capability"
	"github.com/wardenproject/warden/internal/config"
	"github.com/wardenproject/warden/internal/logging"
	"github.com/wardenproject/warden/internal/monitoring"
	"github.com/wardenproject/warden/internal/objects"
	"github.com/wardenproject/warden/internal/renderer"
	"github.com/wardenproject/warden/internal/shared/id"
	"github.com/wardenproject/warden/internal/txn"
)

// ExecState is the terminal state of a submission.
type ExecState string

const (
	StateCompleted       ExecState = "completed"
	StateFailed          ExecState = "failed"
	StateTimedOut        ExecState = "timed_out"
	StateBudgetExhausted ExecState = "budget_exhausted"
	StateCancelled       ExecState = "cancelled"
)

// ExecutionResult reports a submission's outcome.
type ExecutionResult struct {
	SubmissionID string
	State        ExecState
	Value        any
	Error        string
	ErrorKind    string
	Validation   []ValidationError
	Console      []string
	AuditFirst   string
	AuditLast    string
	Operations   int
	Duration     time.Duration
}

// RequiredCapability is one entry of a dry run's inferred set.
type RequiredCapability struct {
	Op       string `json:"op"`
	Resource string `json:"resource"`
	Tier     string `json:"tier"`
}

// Options tune a single submission. Zero values fall back to config.
type Options struct {
	Timeout         time.Duration
	OperationBudget int
}

// Runtime admits and executes agent code.
type Runtime struct {
	broker   *capability.Broker
	objects  *objects.Manager
	audit    *audit.Log
	txns     *txn.Coordinator
	renderer renderer.Renderer
	approver approval.Approver
	cfg      config.RuntimeConfig
	logger   *logging.Logger
	metrics  *monitoring.Metrics

	// One submission runs at a time per principal.
	principalMu sync.Map // string -> *sync.Mutex
	clock       func() time.Time
}

// New wires a runtime. All dependencies are explicit.
func New(
	broker *capability.Broker,
	om *objects.Manager,
	log *audit.Log,
	txns *txn.Coordinator,
	rend renderer.Renderer,
	approver approval.Approver,
	cfg config.RuntimeConfig,
	logger *logging.Logger,
	metrics *monitoring.Metrics,
) *Runtime {
	return &Runtime{
		broker:   broker,
		objects:  om,
		audit:    log,
		txns:     txns,
		renderer: rend,
		approver: approver,
		cfg:      cfg,
		logger:   logger.Component("runtime"),
		metrics:  metrics,
		clock:    time.Now,
	}
}

func (r *Runtime) now() time.Time { return r.clock() }

func (r *Runtime) lockPrincipal(principal string) func() {
	v, _ := r.principalMu.LoadOrStore(principal, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Execute validates and runs agent source for a principal.
func (r *Runtime) Execute(ctx context.Context, principal, src string, opts Options) ExecutionResult {
	return r.run(ctx, principal, src, opts, false).ExecutionResult
}

// InferCapabilities dry-runs the source with side-effecting mediated
// calls stubbed and returns the capability set the code requires,
// sorted for stable presentation to the approver.
func (r *Runtime) InferCapabilities(ctx context.Context, principal, src string) ([]RequiredCapability, ExecutionResult) {
	res := r.run(ctx, principal, src, Options{}, true)
	out := make([]RequiredCapability, 0, len(res.required))
	for _, rc := range res.required {
		out = append(out, rc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Op != out[j].Op {
			return out[i].Op < out[j].Op
		}
		return out[i].Resource < out[j].Resource
	})
	return out, res.ExecutionResult
}

type runResult struct {
	ExecutionResult
	required map[string]RequiredCapability
}

// mediatedOp describes one privileged call to the mediation wrapper.
type mediatedOp struct {
	name      string
	tier      capability.Tier
	resource  string
	object    string
	url       string
	args      map[string]any
	taintArgs []any
}

// execution is the per-submission state bound into the VM.
type execution struct {
	rt        *Runtime
	principal string
	subID     string
	vm        *goja.Runtime
	ctx       context.Context
	taint     *TaintTracker

	tx    *txn.Tx
	topTx *txn.Tx

	ops    int
	budget int

	console    []string
	firstAudit string
	lastAudit  string

	kernelErr error
	timedOut  bool
	cancelled bool
	stateMu   sync.Mutex

	dryRun   bool
	required map[string]RequiredCapability
}

func (r *Runtime) run(ctx context.Context, principal, src string, opts Options, dryRun bool) runResult {
	unlock := r.lockPrincipal(principal)
	defer unlock()

	start := r.now()
	e := &execution{
		rt:        r,
		principal: principal,
		subID:     id.NewSubmissionID(),
		ctx:       ctx,
		taint:     NewTaintTracker(),
		budget:    r.cfg.OperationBudget,
		dryRun:    dryRun,
		required:  make(map[string]RequiredCapability),
	}
	if opts.OperationBudget > 0 {
		e.budget = opts.OperationBudget
	}
	timeout := r.cfg.Timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	finish := func(res ExecutionResult) runResult {
		res.SubmissionID = e.subID
		res.Console = e.console
		res.AuditFirst = e.firstAudit
		res.AuditLast = e.lastAudit
		res.Operations = e.ops
		res.Duration = r.now().Sub(start)
		r.metrics.Executions.WithLabelValues(string(res.State)).Inc()
		r.metrics.ExecutionDuration.Observe(res.Duration.Seconds())
		r.recordOutcome(e, res)
		return runResult{ExecutionResult: res, required: e.required}
	}

	// Static admission.
	if verrs := Validate(src); len(verrs) > 0 {
		e.auditEntry(audit.Entry{
			Op:        "runtime.admit",
			Result:    audit.ResultDenied,
			ErrorKind: "validation",
			Args:      map[string]any{"errors": len(verrs)},
		})
		return finish(ExecutionResult{
			State:      StateFailed,
			Error:      verrs[0].Error(),
			ErrorKind:  "validation",
			Validation: verrs,
		})
	}

	prog, err := goja.Compile("agent.js", src, false)
	if err != nil {
		return finish(ExecutionResult{State: StateFailed, Error: err.Error(), ErrorKind: "validation"})
	}

	vm := goja.New()
	e.vm = vm
	hardenVM(vm)
	if err := e.bindSurface(); err != nil {
		return finish(ExecutionResult{State: StateFailed, Error: err.Error(), ErrorKind: "internal"})
	}

	// Wall clock and external cancellation interrupt the VM; the
	// flags are re-checked at every mediated call boundary.
	timer := time.AfterFunc(timeout, func() {
		e.stateMu.Lock()
		e.timedOut = true
		e.stateMu.Unlock()
		vm.Interrupt("timeout")
	})
	defer timer.Stop()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			e.stateMu.Lock()
			e.cancelled = true
			e.stateMu.Unlock()
			vm.Interrupt("cancelled")
		case <-watchDone:
		}
	}()

	val, runErr := vm.RunProgram(prog)

	// Any transaction still open is abandoned work.
	if e.topTx != nil && e.topTx.State() == txn.StateActive {
		reason := "submission_end"
		switch {
		case e.isTimedOut():
			reason = "timeout"
		case e.isCancelled():
			reason = "cancelled"
		case runErr != nil:
			reason = "failed"
		}
		if err := e.topTx.Abort(reason); err != nil {
			r.logger.Warn("abort at submission end failed", zap.String("tx", e.topTx.ID()), zap.Error(err))
		}
	}

	switch {
	case e.isTimedOut():
		e.auditEntry(audit.Entry{
			Op:        "runtime.execute",
			Result:    audit.ResultError,
			ErrorKind: "timeout",
			Args:      map[string]any{"budget": timeout.String()},
		})
		return finish(ExecutionResult{
			State:     StateTimedOut,
			Error:     (&TimeoutError{Op: "runtime.execute", Budget: timeout.String()}).Error(),
			ErrorKind: "timeout",
		})
	case e.isCancelled():
		e.auditEntry(audit.Entry{
			Op:        "runtime.execute",
			Result:    audit.ResultError,
			ErrorKind: "cancelled",
		})
		return finish(ExecutionResult{
			State:     StateCancelled,
			Error:     (&CancelledError{Op: "runtime.execute"}).Error(),
			ErrorKind: "cancelled",
		})
	}

	if runErr != nil {
		state := StateFailed
		kind := classifyError(e.kernelErr)
		var qe *QuotaExceededError
		if errors.As(e.kernelErr, &qe) {
			state = StateBudgetExhausted
		}
		msg := runErr.Error()
		if e.kernelErr != nil {
			msg = e.kernelErr.Error()
		}
		return finish(ExecutionResult{State: state, Error: msg, ErrorKind: kind})
	}

	e.auditEntry(audit.Entry{
		Op:     "runtime.execute",
		Result: audit.ResultSuccess,
		Args:   map[string]any{"operations": e.ops},
	})
	var exported any
	if val != nil && !goja.IsUndefined(val) && !goja.IsNull(val) {
		exported = val.Export()
	}
	return finish(ExecutionResult{State: StateCompleted, Value: exported})
}

// recordOutcome logs the submission's terminal state.
func (r *Runtime) recordOutcome(e *execution, res ExecutionResult) {
	r.logger.Info("submission finished",
		zap.String("submission", e.subID),
		zap.String("principal", e.principal),
		zap.String("state", string(res.State)),
		zap.Int("operations", e.ops),
		zap.Duration("duration", res.Duration),
	)
}

// hardenVM strips host escape hatches. Admission already rejects all of
// these except setTimeout and setInterval statically; the VM is the
// second line.
func hardenVM(vm *goja.Runtime) {
	for _, name := range []string{"eval", "Function", "require", "process", "setTimeout", "setInterval", "fetch", "XMLHttpRequest", "WebSocket"} {
		vm.Set(name, goja.Undefined())
	}
}

func (e *execution) isTimedOut() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.timedOut
}

func (e *execution) isCancelled() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.cancelled
}

// rememberErr keeps the most recent structured kernel error for
// result classification. Wrapping JS exceptions are ignored: they
// carry the kernel error that was already remembered when thrown.
func (e *execution) rememberErr(err error) {
	if _, ok := err.(*goja.Exception); ok {
		return
	}
	e.kernelErr = err
}

// auditEntry appends an execution-scoped entry, tracking the range for
// supervisor correlation. Audit failures are fail-closed but here only
// logged: the entry loss already fails the operation upstream.
func (e *execution) auditEntry(entry audit.Entry) string {
	entry.Principal = e.principal
	if entry.Provenance == "" {
		entry.Provenance = audit.ProvenanceAgent
	}
	if e.tx != nil {
		entry.TxID = e.tx.ID()
		entry.CheckpointID = e.tx.CurrentCheckpointID()
	}
	eid, err := e.rt.audit.Append(entry)
	if err != nil {
		e.rt.logger.Error("audit append failed", zap.String("op", entry.Op), zap.Error(err))
		return ""
	}
	if e.firstAudit == "" {
		e.firstAudit = eid
	}
	e.lastAudit = eid
	return eid
}

// checkBudget enforces cancellation, timeout, and the operation
// budget at a mediated call boundary.
func (e *execution) checkBudget(op string) error {
	if e.isCancelled() || e.ctx.Err() != nil {
		e.abortActive("cancelled")
		e.auditEntry(audit.Entry{Op: op, Result: audit.ResultError, ErrorKind: "cancelled"})
		return &CancelledError{Op: op}
	}
	if e.isTimedOut() {
		e.abortActive("timeout")
		e.auditEntry(audit.Entry{Op: op, Result: audit.ResultError, ErrorKind: "timeout"})
		return &TimeoutError{Op: op, Budget: e.rt.cfg.Timeout.String()}
	}
	e.ops++
	if e.ops > e.budget {
		err := &QuotaExceededError{Kind: "operations"}
		e.abortActive("quota_exceeded")
		e.auditEntry(audit.Entry{Op: op, Result: audit.ResultError, ErrorKind: "quota_exceeded"})
		return err
	}
	return nil
}

func (e *execution) abortActive(reason string) {
	if e.topTx != nil && e.topTx.State() == txn.StateActive {
		if err := e.topTx.Abort(reason); err != nil {
			e.rt.logger.Warn("forced abort failed", zap.String("tx", e.topTx.ID()), zap.Error(err))
		}
	}
}

// mediate is the single mediation wrapper around every exposed
// operation: budget gate, capability firewall, T3 approval and commit
// boundary, broker decision, execution, audit emit.
func (e *execution) mediate(op mediatedOp, fn func(*mediatedOp) (any, error)) (any, error) {
	if err := e.checkBudget(op.name); err != nil {
		e.rt.metrics.MediatedCalls.WithLabelValues(op.name, "refused").Inc()
		return nil, err
	}

	if e.dryRun {
		return e.dryRunCall(op, fn)
	}

	// Capability firewall: T3 operations driven by web content are
	// refused before the broker ever sees them.
	if op.tier == capability.TierIrreversible && e.taint.Tainted(op.taintArgs...) {
		e.rt.metrics.FirewallRefusals.Inc()
		e.rt.metrics.MediatedCalls.WithLabelValues(op.name, "firewall").Inc()
		e.auditEntry(audit.Entry{
			Op:         op.name,
			Object:     op.object,
			Result:     audit.ResultDenied,
			ErrorKind:  "firewall",
			RiskTier:   op.tier.String(),
			Provenance: audit.ProvenanceWebContent,
		})
		return nil, &SecurityError{Rule: "firewall", Op: op.name, Provenance: string(audit.ProvenanceWebContent)}
	}

	// T3: explicit human approval per execution boundary, feeding the
	// broker a scoped grant; then the commit-boundary gate.
	if op.tier == capability.TierIrreversible {
		if err := e.approveIrreversible(op); err != nil {
			return nil, err
		}
		if e.tx != nil {
			if err := e.rt.txns.AdmitIrreversible(e.tx, op.name); err != nil {
				e.rt.metrics.MediatedCalls.WithLabelValues(op.name, "refused").Inc()
				e.auditEntry(audit.Entry{
					Op:        op.name,
					Object:    op.object,
					Result:    audit.ResultDenied,
					ErrorKind: "commit_boundary",
					RiskTier:  op.tier.String(),
				})
				return nil, err
			}
		}
	}

	txID := ""
	if e.tx != nil {
		txID = e.tx.ID()
	}
	if _, err := e.rt.broker.Require(capability.Request{
		Principal: e.principal,
		Op:        op.name,
		Resource:  op.resource,
		URL:       op.url,
		TxID:      txID,
	}); err != nil {
		// The broker already emitted the denial's audit entry.
		e.rt.metrics.MediatedCalls.WithLabelValues(op.name, "denied").Inc()
		return nil, err
	}

	value, err := fn(&op)
	if err != nil {
		kind := classifyError(err)
		e.auditEntry(audit.Entry{
			Op:        op.name,
			Object:    op.object,
			Args:      op.args,
			Result:    audit.ResultError,
			ErrorKind: kind,
			RiskTier:  op.tier.String(),
		})
		e.rt.metrics.MediatedCalls.WithLabelValues(op.name, "error").Inc()
		var rerr *renderer.Error
		if errors.As(err, &rerr) {
			e.abortActive("renderer_error")
		}
		return nil, err
	}

	if e.tx != nil {
		e.rt.txns.RecordOp(e.tx, op.name, op.object)
	}
	e.auditEntry(audit.Entry{
		Op:       op.name,
		Object:   op.object,
		Args:     op.args,
		Result:   audit.ResultSuccess,
		RiskTier: op.tier.String(),
	})
	e.rt.metrics.MediatedCalls.WithLabelValues(op.name, "success").Inc()

	// A successful T3 forces commit of the enclosing transaction.
	if op.tier == capability.TierIrreversible && e.tx != nil {
		if err := e.rt.txns.CompleteIrreversible(e.tx, op.name); err != nil {
			return nil, err
		}
	}
	return value, nil
}

// approveIrreversible consults the human governance collaborator and
// feeds the broker a grant matching the decision's scope.
func (e *execution) approveIrreversible(op mediatedOp) error {
	if e.rt.approver == nil {
		return nil
	}
	decision, err := e.rt.approver.Approve(e.ctx, approval.Prompt{
		Principal: e.principal,
		Op:        op.name,
		Resource:  op.resource,
		Message:   fmt.Sprintf("%s on %s", op.name, op.resource),
		Tier:      op.tier,
	})
	if err != nil {
		return err
	}
	switch decision {
	case approval.ApproveOnce:
		_, err = e.rt.broker.Grant(capability.GrantSpec{
			Principal: e.principal,
			Operation: op.name,
			Resource:  op.resource,
			Tier:      op.tier,
			TTL:       time.Minute,
			GrantedBy: "human",
			Scope:     capability.ScopeOnce,
		})
		return err
	case approval.ApproveSession:
		_, err = e.rt.broker.Grant(capability.GrantSpec{
			Principal: e.principal,
			Operation: op.name,
			Resource:  op.resource,
			Tier:      op.tier,
			GrantedBy: "human",
			Scope:     capability.ScopeSession,
		})
		return err
	default:
		// Denied here; the broker may still allow via a pre-existing
		// explicit grant.
		return nil
	}
}

// dryRunCall records the required capability; side-effecting tiers are
// stubbed, reads execute so the control flow stays realistic.
func (e *execution) dryRunCall(op mediatedOp, fn func(*mediatedOp) (any, error)) (any, error) {
	key := op.name + "|" + op.resource
	e.required[key] = RequiredCapability{
		Op:       op.name,
		Resource: op.resource,
		Tier:     op.tier.String(),
	}
	if op.tier == capability.TierRead {
		if v, err := fn(&op); err == nil {
			return v, nil
		}
	}
	return map[string]any{"ok": true, "stub": true}, nil
}

func classifyError(err error) string {
	if err == nil {
		return "error"
	}
	var (
		denied   *capability.DeniedError
		notFound *objects.NotFoundError
		conflict *objects.ConflictError
		closed   *txn.ClosedError
		irrev    *txn.IrreversibleError
		cpNF     *txn.CheckpointNotFoundError
		security *SecurityError
		quota    *QuotaExceededError
		timeout  *TimeoutError
		cancel   *CancelledError
		rend     *renderer.Error
		write    *audit.WriteError
		valerr   ValidationError
	)
	switch {
	case errors.As(err, &denied):
		return "capability_denied"
	case errors.As(err, &notFound):
		return "object_not_found"
	case errors.As(err, &conflict):
		return "object_conflict"
	case errors.As(err, &irrev):
		return "irreversible"
	case errors.As(err, &closed):
		return "transaction_closed"
	case errors.As(err, &cpNF):
		return "checkpoint_not_found"
	case errors.As(err, &security):
		return "firewall"
	case errors.As(err, &quota):
		return "quota_exceeded"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &cancel):
		return "cancelled"
	case errors.As(err, &rend):
		return "renderer"
	case errors.As(err, &write):
		return "audit_write"
	case errors.As(err, &valerr):
		return "validation"
	default:
		return "error"
	}
}

// recordMutation snapshots an object's pre-image into the innermost
// active transaction, if any.
func (e *execution) recordMutation(oid id.ObjectID) {
	if e.tx == nil || e.tx.State() != txn.StateActive {
		return
	}
	if err := e.rt.txns.RecordMutation(e.tx, oid); err != nil {
		e.rt.logger.Warn("pre-image capture failed", zap.String("object", oid.String()), zap.Error(err))
	}
}

// recordCreate notes an in-transaction create for rollback.
func (e *execution) recordCreate(oid id.ObjectID) {
	if e.tx == nil || e.tx.State() != txn.StateActive {
		return
	}
	if err := e.rt.txns.RecordCreate(e.tx, oid); err != nil {
		e.rt.logger.Warn("create record failed", zap.String("object", oid.String()), zap.Error(err))
	}
}
