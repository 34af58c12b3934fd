package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/basket/kaihost/internal/bus"
	"github.com/basket/kaihost/internal/extension"
	"github.com/basket/kaihost/internal/otel"
	"github.com/basket/kaihost/internal/shared"
	"github.com/basket/kaihost/internal/surface"
)

// activate instantiates and activates rec. With deps set, an installable
// missing import is resolved once and activation retried.
func (r *Registry) activate(ctx context.Context, rec extension.Record, ep extension.EntryPoint, deps DependencyResolver) (*instance, error) {
	ctx, span := otel.StartSpan(ctx, r.tracer, "registry.activate", idAttr(rec.ID))
	defer span.End()

	live, err := r.activateOnce(ctx, rec, ep)
	if err != nil && deps != nil {
		if ie, ok := extension.AsImportError(err); ok {
			pkg := ie.Package
			if pkg == "" {
				pkg = ie.Module
			}
			if depErr := deps.Resolve(ctx, pkg); depErr != nil {
				err = &extension.ActivationError{
					Extension: rec.ID,
					Reason:    extension.FaultImport,
					Err:       fmt.Errorf("%w: %w", ie, depErr),
				}
			} else {
				r.logger.Info("dependency resolved, retrying activation", "extension", rec.ID, "package", pkg)
				live, err = r.activateOnce(ctx, rec, ep)
			}
		}
	}

	r.metrics.RecordActivation(ctx, rec.ID, err == nil)
	if err != nil {
		span.RecordError(err)
		r.metrics.RecordFault(ctx, rec.ID, faultReason(err))
		r.logger.Warn("extension activation failed", "extension", rec.ID, "error", err)
		return nil, err
	}
	return live, nil
}

func (r *Registry) activateOnce(ctx context.Context, rec extension.Record, ep extension.EntryPoint) (*instance, error) {
	rt, ok := r.runtimes[rec.Kind]
	if !ok {
		return nil, &extension.ActivationError{
			Extension: rec.ID,
			Reason:    extension.FaultLoad,
			Err:       fmt.Errorf("no runtime for kind %q", rec.Kind),
		}
	}
	inst := &instance{scope: surface.NewScope(rec.ID, r.chrome)}
	env := extension.Env{
		Name:    rec.ID,
		Logger:  r.logger.With("extension", rec.ID),
		OnFault: r.faultHandler(rec.ID, inst),
	}
	if r.data != nil {
		env.Data = r.data.Namespace(rec.ID)
	}
	if r.searchPath != nil {
		env.SearchPath = r.searchPath()
	}
	unit := extension.SourceUnit{FileName: rec.FileName, Kind: rec.Kind, Code: rec.Source}

	// Buttons mounted by a failed activate are removed on the loop too.
	err := r.onLoop(ctx, rec.ID, func() error {
		activated := false
		defer func() {
			if !activated {
				inst.scope.Release()
			}
		}()
		ext, err := rt.Instantiate(ctx, unit, ep, env)
		if err != nil {
			return err
		}
		inst.ext = ext
		if err := ext.Activate(ctx, inst.scope); err != nil {
			return err
		}
		activated = true
		return nil
	})
	if err != nil {
		if inst.ext != nil {
			_ = inst.ext.Close()
		}
		return nil, asActivation(rec.ID, err)
	}
	r.logger.Debug("extension activated", "extension", rec.ID, "kind", rec.Kind, "buttons", inst.scope.Mounted())
	return inst, nil
}

// onLoop runs fn on the UI loop, or inline without one. A panic in fn is
// returned as a PANIC activation fault.
func (r *Registry) onLoop(ctx context.Context, id string, fn func() error) error {
	var fnErr error
	run := func() {
		defer func() {
			if p := recover(); p != nil {
				fnErr = &extension.ActivationError{Extension: id, Reason: extension.FaultPanic, Err: fmt.Errorf("panic: %v", p)}
			}
		}()
		fnErr = fn()
	}
	if r.loop == nil {
		run()
		return fnErr
	}
	if err := r.loop.Do(ctx, run); err != nil {
		return err
	}
	return fnErr
}

// teardown deactivates inst, removes its UI and releases the runtime.
// Deactivate and the button removal run together on the UI loop; teardown
// is not abandoned when ctx is cancelled.
func (r *Registry) teardown(ctx context.Context, id string, inst *instance) {
	released := false
	err := r.onLoop(context.WithoutCancel(ctx), id, func() error {
		defer func() {
			inst.scope.Release()
			released = true
		}()
		if inst.ext == nil {
			return nil
		}
		return inst.ext.Deactivate(ctx)
	})
	if err != nil {
		r.logger.Warn("extension deactivate failed", "extension", id, "error", err)
	}
	if !released {
		// The loop has exited, so nothing else is touching the chrome.
		inst.scope.Release()
	}
	if inst.ext != nil {
		if err := inst.ext.Close(); err != nil {
			r.logger.Warn("extension close failed", "extension", id, "error", err)
		}
	}
}

// faultHandler is the runtime's OnFault hook. Runtimes call it while they
// hold their own locks, so the disable runs on another goroutine.
func (r *Registry) faultHandler(id string, inst *instance) func(error) {
	return func(cause error) {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handleFault(id, inst, cause)
		}()
	}
}

func (r *Registry) handleFault(id string, inst *instance, cause error) {
	ctx := shared.WithExtensionID(context.Background(), id)
	unlock := r.lock(id)
	defer unlock()

	e := r.entry(id)
	if e == nil || e.live != inst {
		return
	}
	r.teardown(ctx, id, inst)
	rec := e.rec
	rec.Enabled = false
	rec.LastError = cause.Error()
	r.put(rec, nil)
	if err := r.savePreferences(); err != nil {
		r.logger.Error("save extension preferences failed", "error", err)
	}

	r.metrics.RecordFault(ctx, id, faultReason(cause))
	r.bus.Publish(bus.TopicExtensionFaulted, bus.ExtensionEvent{
		ID: id, Version: rec.Version, Origin: string(rec.Origin), Error: rec.LastError,
	})
	r.audit.Record(ctx, "extension.fault", "disabled", id, rec.LastError)
	r.logger.Warn("extension faulted and was disabled", "extension", id, "error", cause)
}

func asActivation(id string, err error) error {
	var ae *extension.ActivationError
	if errors.As(err, &ae) {
		return err
	}
	return &extension.ActivationError{Extension: id, Reason: extension.FaultRuntime, Err: err}
}

func faultReason(err error) string {
	var ae *extension.ActivationError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return extension.FaultRuntime
}
