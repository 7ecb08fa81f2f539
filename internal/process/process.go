package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/loykin/lunarpod/internal/idref"
	"github.com/loykin/lunarpod/internal/logbook"
	"github.com/loykin/lunarpod/internal/metrics"
	"github.com/loykin/lunarpod/internal/stage"
)

var (
	// ErrNoProcess is returned when an operation needs an engine that was never built.
	ErrNoProcess = errors.New("no process")
	// ErrMissingDependency is returned when a wrapper is built without the
	// wrapper it depends on.
	ErrMissingDependency = errors.New("missing dependency")
	// ErrNotFound is wrapped by engines when a key, block or peer is unknown.
	ErrNotFound = errors.New("not found")
	// ErrUnsupportedOp is wrapped by databases asked for an operation their
	// type does not support.
	ErrUnsupportedOp = errors.New("operation not supported by database type")
	// ErrNotStarted is wrapped by engines used while stopped.
	ErrNotStarted = errors.New("not started")
)

// Engine is the lifecycle surface every underlying engine exposes.
// Status reports the engine's own view as a stage name.
type Engine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() string
}

// Base tracks the lifecycle of one engine. The zero status is stage.New and
// only an engine that exists can ever be reported as started.
type Base[E Engine] struct {
	id  idref.Reference
	log *logbook.Logger

	// mu serializes init, start, stop and close.
	mu sync.Mutex

	stMu   sync.RWMutex
	engine E
	has    bool
	status stage.Stage
}

func (b *Base[E]) bind(id idref.Reference, log *logbook.Logger) {
	b.id = id
	b.log = log.WithProcess(id)
	b.status = stage.New
}

func (b *Base[E]) ID() idref.Reference { return b.id }

// Status returns the last observed stage without polling the engine.
func (b *Base[E]) Status() stage.Stage {
	b.stMu.RLock()
	defer b.stMu.RUnlock()
	return b.status
}

// Engine returns the underlying engine, if built.
func (b *Base[E]) Engine() (E, bool) {
	b.stMu.RLock()
	defer b.stMu.RUnlock()
	return b.engine, b.has
}

// HasProcess reports whether the engine exists, without logging.
func (b *Base[E]) HasProcess() bool {
	_, ok := b.Engine()
	return ok
}

// CheckProcess reports whether the engine exists and logs an error when it
// does not.
func (b *Base[E]) CheckProcess() bool {
	if _, ok := b.Engine(); ok {
		return true
	}
	b.log.Error(logbook.CodeNotFound, b.Status(), fmt.Sprintf("no %s process found", b.id.Component()), ErrNoProcess)
	return false
}

// CheckStatus polls the engine's native status. Unknown values become
// stage.Unknown. With update set the stored stage follows and a change is
// logged; repeated polls with no change stay silent.
func (b *Base[E]) CheckStatus(update bool) stage.Stage {
	b.stMu.RLock()
	e, has, cur := b.engine, b.has, b.status
	b.stMu.RUnlock()
	if !has {
		return cur
	}
	st := stage.Normalize(e.Status())
	if update && st != cur {
		b.setStatus(st)
		b.log.Debug(fmt.Sprintf("status changed from %s to %s", cur, st))
	}
	return st
}

func (b *Base[E]) setStatus(st stage.Stage) {
	b.stMu.Lock()
	from := b.status
	b.status = st
	b.stMu.Unlock()
	if from == st {
		return
	}
	c := string(b.id.Component())
	metrics.RecordStateTransition(c, string(from), string(st))
	metrics.SetCurrentState(b.id.String(), string(from), false)
	metrics.SetCurrentState(b.id.String(), string(st), st.Active())
}

// initWith builds the engine once. A second call is a no-op.
func (b *Base[E]) initWith(ctx context.Context, build func(ctx context.Context) (E, error)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.Engine(); ok {
		b.log.Debug("already initialized")
		return nil
	}
	e, err := build(ctx)
	if err != nil {
		b.setStatus(stage.Error)
		b.log.Error(logbook.CodeError, stage.Error, "init failed", err)
		return fmt.Errorf("init %s: %w", b.id, err)
	}
	b.stMu.Lock()
	b.engine = e
	b.has = true
	b.stMu.Unlock()
	b.setStatus(stage.Init)
	b.log.Info(stage.Init, "initialized")
	if st := stage.Normalize(e.Status()); st != stage.Unknown {
		b.setStatus(st)
	}
	return nil
}

// Start starts the engine unless it is already started or starting, in
// which case a warning is logged and nothing happens.
func (b *Base[E]) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.Engine()
	if !ok {
		b.log.Error(logbook.CodeNotFound, b.Status(), "start requested without a process", ErrNoProcess)
		return fmt.Errorf("start %s: %w", b.id, ErrNoProcess)
	}
	switch st := b.CheckStatus(true); st {
	case stage.Started, stage.Starting:
		b.log.Warn(logbook.CodeConflict, st, fmt.Sprintf("already %s", st))
		return nil
	}
	b.setStatus(stage.Starting)
	begin := time.Now()
	if err := e.Start(ctx); err != nil {
		b.setStatus(stage.Error)
		b.log.Error(logbook.CodeError, stage.Error, "start failed", err)
		return fmt.Errorf("start %s: %w", b.id, err)
	}
	metrics.IncStart(string(b.id.Component()))
	metrics.ObserveStartDuration(string(b.id.Component()), time.Since(begin).Seconds())
	b.setStatus(stage.Started)
	b.log.Info(stage.Started, "started")
	return nil
}

// Stop stops the engine unless it is already stopped, stopping or never
// started.
func (b *Base[E]) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopLocked(ctx)
}

func (b *Base[E]) stopLocked(ctx context.Context) error {
	e, ok := b.Engine()
	if !ok {
		b.log.Error(logbook.CodeNotFound, b.Status(), "stop requested without a process", ErrNoProcess)
		return fmt.Errorf("stop %s: %w", b.id, ErrNoProcess)
	}
	switch st := b.CheckStatus(true); st {
	case stage.Stopped, stage.Stopping, stage.Init, stage.New:
		b.log.Warn(logbook.CodeConflict, st, fmt.Sprintf("not running (%s)", st))
		return nil
	}
	b.setStatus(stage.Stopping)
	if err := e.Stop(ctx); err != nil {
		b.setStatus(stage.Error)
		b.log.Error(logbook.CodeError, stage.Error, "stop failed", err)
		return fmt.Errorf("stop %s: %w", b.id, err)
	}
	metrics.IncStop(string(b.id.Component()))
	b.setStatus(stage.Stopped)
	b.log.Info(stage.Stopped, "stopped")
	return nil
}

// Restart is Stop followed by Start. A failed stop skips the start and the
// caller should re-check the status.
func (b *Base[E]) Restart(ctx context.Context) error {
	if err := b.Stop(ctx); err != nil {
		return err
	}
	return b.Start(ctx)
}

// Close stops the engine if needed, releases it and resets the wrapper to
// stage.New so it can be initialized again.
func (b *Base[E]) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.Engine()
	if !ok {
		metrics.ForgetProcess(b.id.String())
		return nil
	}
	var errs []error
	if b.CheckStatus(false).Active() {
		if err := b.stopLocked(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c, ok := any(e).(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", b.id, err))
		}
	}
	var zero E
	b.stMu.Lock()
	b.engine = zero
	b.has = false
	b.stMu.Unlock()
	b.setStatus(stage.New)
	metrics.ForgetProcess(b.id.String())
	b.log.Debug("closed")
	return errors.Join(errs...)
}

// engineOrErr is the guard used by engine-specific accessors.
func (b *Base[E]) engineOrErr() (E, error) {
	e, ok := b.Engine()
	if !ok {
		b.CheckProcess()
		return e, fmt.Errorf("%s: %w", b.id, ErrNoProcess)
	}
	return e, nil
}
