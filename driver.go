package vcam

import (
	"context"
	"fmt"
	"log/slog"
)

// DriverConfig configures a Driver.
type DriverConfig struct {
	// Store is the shared state store. Required.
	Store StateStore

	// Interceptor handles camera interception. Default: a fresh
	// interceptor over the process-wide MediaDevices.
	Interceptor *Interceptor

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Driver keeps one process's camera interception in step with the shared
// store. It owns the interceptor lifecycle: Run installs it, mirrors the
// store's activation state for as long as the context lives, and restores
// the original camera source on the way out.
//
// Store problems never propagate to pages calling GetUserMedia; the
// driver logs and stays in its current state.
type Driver struct {
	store       StateStore
	interceptor *Interceptor
	log         *slog.Logger
}

// NewDriver creates a driver.
func NewDriver(config DriverConfig) (*Driver, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config.Interceptor == nil {
		config.Interceptor = NewInterceptor(DefaultInterceptorConfig())
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Driver{
		store:       config.Store,
		interceptor: config.Interceptor,
		log:         config.Logger,
	}, nil
}

// Interceptor returns the interceptor the driver manages.
func (d *Driver) Interceptor() *Interceptor { return d.interceptor }

// Run installs the interceptor, applies whatever activation state the
// store already holds, then follows flag changes until ctx is cancelled.
// It works the same whether the process started before or after the
// activation was published.
//
// Run blocks. On return the mock is deactivated and the original camera
// source is back in place.
func (d *Driver) Run(ctx context.Context) error {
	if err := d.interceptor.Install(); err != nil {
		return fmt.Errorf("failed to install interceptor: %w", err)
	}
	defer func() {
		if err := d.interceptor.Uninstall(); err != nil {
			d.log.Warn("interceptor uninstall failed", "error", err)
		}
	}()

	// Subscribe before the initial read. A flag written in the gap then
	// shows up as both initial state and a change; applying it twice is
	// harmless, missing it would not be.
	changes, cancel, err := d.store.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to store: %w", err)
	}
	defer cancel()

	d.syncFromStore(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-changes:
			if !ok {
				return ErrStoreClosed
			}
			if change.Key != KeyActive {
				continue
			}
			d.handleFlagChange(ctx, change)
		}
	}
}

// syncFromStore applies the store's current activation state once.
func (d *Driver) syncFromStore(ctx context.Context) {
	flag, ok, err := d.store.Get(ctx, KeyActive)
	if err != nil {
		d.log.Error("failed to read activation flag", "error", err)
		return
	}
	if !ok || flag != ActiveValue {
		return
	}
	d.activateFromStore(ctx)
}

// handleFlagChange reacts to one activation flag transition. Raising the
// flag re-reads the descriptor fresh; anything else deactivates.
func (d *Driver) handleFlagChange(ctx context.Context, change Change) {
	if change.Op == ChangeSet && change.New == ActiveValue {
		d.log.Debug("activation flag raised", "old", change.Old)
		d.activateFromStore(ctx)
		return
	}

	d.log.Debug("activation flag lowered", "op", change.Op.String(), "new", change.New)
	if err := d.interceptor.Deactivate(); err != nil {
		d.log.Warn("mock deactivation failed", "error", err)
	}
}

// activateFromStore reads the descriptor and activates the mock. Every
// failure is logged and swallowed: a broken descriptor must not take
// down the process or disturb the current interception state.
func (d *Driver) activateFromStore(ctx context.Context) {
	raw, ok, err := d.store.Get(ctx, KeyData)
	if err != nil {
		d.log.Error("failed to read mock descriptor", "error", err)
		return
	}
	if !ok {
		d.log.Warn("activation flag raised but no descriptor present")
		return
	}

	desc, err := ParseDescriptor(raw)
	if err != nil {
		d.log.Warn("ignoring unusable mock descriptor", "error", err)
		return
	}

	if err := d.interceptor.Activate(ctx, desc); err != nil {
		d.log.Error("mock activation failed", "kind", desc.Kind, "error", err)
		return
	}
}
