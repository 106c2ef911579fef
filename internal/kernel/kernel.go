// Package kernel wires the trusted computing base: store, audit log,
// object manager, capability broker, transaction coordinator, renderer
// boundary, approver, and agent runtime. Components are process-wide
// singletons with an explicit New/Shutdown pair; dependents receive
// them as parameters, never ambiently.
package kernel

import (
	"context"

	"go.uber.org/zap"

	"github.com/wardenproject/warden/internal/approval"
	"github.com/wardenproject/warden/internal/audit"
	"github.com/wardenproject/warden/internal/capability"
	"github.com/wardenproject/warden/internal/config"
	"github.com/wardenproject/warden/internal/logging"
	"github.com/wardenproject/warden/internal/monitoring"
	"github.com/wardenproject/warden/internal/objects"
	"github.com/wardenproject/warden/internal/renderer"
	"github.com/wardenproject/warden/internal/runtime"
	"github.com/wardenproject/warden/internal/storage"
	"github.com/wardenproject/warden/internal/txn"
)

// Kernel composes the five core subsystems.
type Kernel struct {
	Config  *config.Config
	Logger  *logging.Logger
	Metrics *monitoring.Metrics

	Store    *storage.Store
	Audit    *audit.Log
	Objects  *objects.Manager
	Broker   *capability.Broker
	Txns     *txn.Coordinator
	Renderer renderer.Renderer
	Approver approval.Approver
	Runtime  *runtime.Runtime
}

// Option customizes kernel construction.
type Option func(*options)

type options struct {
	renderer renderer.Renderer
	approver approval.Approver
	logger   *logging.Logger
}

// WithRenderer substitutes the renderer collaborator.
func WithRenderer(r renderer.Renderer) Option {
	return func(o *options) { o.renderer = r }
}

// WithApprover substitutes the human governance collaborator.
func WithApprover(a approval.Approver) Option {
	return func(o *options) { o.approver = a }
}

// WithLogger substitutes the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New builds a kernel from configuration. The store is opened (or
// created) at cfg.Store.Path; revocation tombstones are reloaded so
// revoked capabilities stay dead across restarts.
func New(cfg *config.Config, opts ...Option) (*Kernel, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = logging.New(logging.Config{
			Level:       cfg.Logging.Level,
			Development: cfg.Logging.Development,
			OutputPaths: []string{"stdout"},
		})
		if err != nil {
			return nil, err
		}
	}

	metrics := monitoring.NewMetrics()

	store, err := storage.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	auditLog, err := audit.New(store, logger, metrics)
	if err != nil {
		store.Close()
		return nil, err
	}

	om := objects.NewManager(logger, metrics)

	broker, err := capability.New(store, auditLog, logger, metrics)
	if err != nil {
		store.Close()
		return nil, err
	}

	coordinator := txn.NewCoordinator(om, auditLog, logger, metrics)

	rend := o.renderer
	if rend == nil {
		rend = renderer.NewMockWithDefaults()
	}
	approver := o.approver
	if approver == nil {
		approver = approval.Denying()
	}

	rt := runtime.New(broker, om, auditLog, coordinator, rend, approver, cfg.Runtime, logger, metrics)

	k := &Kernel{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics,
		Store:    store,
		Audit:    auditLog,
		Objects:  om,
		Broker:   broker,
		Txns:     coordinator,
		Renderer: rend,
		Approver: approver,
		Runtime:  rt,
	}
	logger.Info("kernel initialized", zap.String("store", cfg.Store.Path))
	return k, nil
}

// Shutdown force-aborts active transactions (they are not durable) and
// closes the store. Audit entries and revocations survive.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.Txns.AbortAll("shutdown")

	if _, err := k.Audit.Append(audit.Entry{
		Principal: "system",
		Op:        "kernel.shutdown",
		Result:    audit.ResultSuccess,
	}); err != nil {
		k.Logger.Warn("shutdown audit entry failed", zap.Error(err))
	}

	err := k.Store.Close()
	k.Logger.Info("kernel shut down")
	_ = k.Logger.Sync()
	return err
}
