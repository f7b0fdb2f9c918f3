package critsec

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	critsecerrors "github.com/mirkobrombin/go-critsec/v1/errors"
	"github.com/mirkobrombin/go-critsec/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-critsec/v1/critsec")

// Lock is a recursive critical section. The zero value is not usable; create
// one with New and release it with Destroy.
type Lock struct {
	backend Backend
	name    string
	policy  FailurePolicy
	abort   func(code int)
	logger  *slog.Logger
	trace   bool

	mu        sync.Mutex
	owner     Owner
	depth     int
	waiters   int
	releasing int
	destroyed bool
}

// New creates a Lock on the configured backend, the in-process Local backend
// by default. A backend that cannot be opened is an unrecoverable failure
// handled according to the FailurePolicy.
func New(opts ...Option) (*Lock, error) {
	cfg := config{
		policy: ReturnFailure,
		abort:  func(code int) { exit(code) },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.open == nil {
		cfg.open = func() (Backend, error) { return NewLocal(), nil }
	}
	name := cfg.name
	if name == "" {
		prefix := cfg.nameHint
		if prefix == "" {
			prefix = "critsec"
		}
		name = prefix + "-" + newID()[:8]
	}

	l := &Lock{
		name:   name,
		policy: cfg.policy,
		abort:  cfg.abort,
		logger: cfg.logger,
		trace:  cfg.trace,
	}
	b, err := cfg.open()
	if err != nil {
		return nil, l.fail(OpCreate, err)
	}
	l.backend = b
	l.logger.Debug("critsec: created", "lock", l.name, "backend", fmt.Sprintf("%T", b))
	return l, nil
}

// Name returns the name used in errors, logs and metric labels.
func (l *Lock) Name() string { return l.name }

// Depth returns the current recursion depth, zero when the lock is free.
func (l *Lock) Depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.depth
}

// HeldBy reports whether the owner carried by ctx currently holds the lock.
func (l *Lock) HeldBy(ctx context.Context) bool {
	owner, ok := OwnerFrom(ctx)
	if !ok {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.depth > 0 && l.owner == owner
}

// Enter blocks until the owner carried by ctx holds the lock and returns the
// context identifying that owner. A ctx without an owner gets a fresh one.
// If the owner already holds the lock, Enter returns at once and the lock
// must be left one more time. Cancelling ctx does not interrupt the wait.
func (l *Lock) Enter(ctx context.Context) (context.Context, error) {
	ctx, owner := ensureOwner(ctx)

	opCtx := ctx
	var span trace.Span
	if l.trace {
		opCtx, span = tracer.Start(ctx, "Lock.Enter")
		defer span.End()
		span.SetAttributes(attribute.String("critsec.lock", l.name))
	}

	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return ctx, l.traceFail(span, OpEnter, critsecerrors.ErrDestroyed)
	}
	if l.depth > 0 && l.owner == owner {
		l.depth++
		depth := l.depth
		metrics.DepthGauge.WithLabelValues(l.name).Set(float64(depth))
		l.mu.Unlock()
		metrics.EnterCounter.WithLabelValues(l.name).Inc()
		metrics.ReentryCounter.WithLabelValues(l.name).Inc()
		if l.trace {
			span.SetAttributes(attribute.Bool("critsec.reentrant", true), attribute.Int("critsec.depth", depth))
		}
		return ctx, nil
	}
	contended := l.depth > 0 || l.waiters > 0 || l.releasing > 0
	l.waiters++
	l.mu.Unlock()

	if contended {
		metrics.ContendedCounter.WithLabelValues(l.name).Inc()
	}
	start := time.Now()
	err := l.backend.Acquire(context.WithoutCancel(opCtx))
	wait := time.Since(start)

	l.mu.Lock()
	l.waiters--
	if err != nil {
		l.mu.Unlock()
		return ctx, l.traceFail(span, OpEnter, err)
	}
	l.owner = owner
	l.depth = 1
	metrics.DepthGauge.WithLabelValues(l.name).Set(1)
	l.mu.Unlock()

	metrics.EnterCounter.WithLabelValues(l.name).Inc()
	metrics.WaitHistogram.WithLabelValues(l.name).Observe(wait.Seconds())
	if l.trace {
		span.SetAttributes(
			attribute.Bool("critsec.reentrant", false),
			attribute.Bool("critsec.contended", contended),
			attribute.Int64("critsec.wait_us", wait.Microseconds()),
		)
	}
	return ctx, nil
}

// Leave releases one level of ownership. The backend is released once the
// owner has left as many times as it entered. Leaving from a context that
// does not own the lock is an unrecoverable failure.
func (l *Lock) Leave(ctx context.Context) error {
	owner, ok := OwnerFrom(ctx)

	opCtx := ctx
	var span trace.Span
	if l.trace {
		opCtx, span = tracer.Start(ctx, "Lock.Leave")
		defer span.End()
		span.SetAttributes(attribute.String("critsec.lock", l.name))
	}

	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return l.traceFail(span, OpLeave, critsecerrors.ErrDestroyed)
	}
	if !ok || l.depth == 0 || l.owner != owner {
		l.mu.Unlock()
		return l.traceFail(span, OpLeave, critsecerrors.ErrNotOwner)
	}
	// The gauge is only written under mu, after Release a new holder owns it.
	l.depth--
	depth := l.depth
	metrics.DepthGauge.WithLabelValues(l.name).Set(float64(depth))
	if depth > 0 {
		l.mu.Unlock()
		metrics.LeaveCounter.WithLabelValues(l.name).Inc()
		return nil
	}
	l.owner = ""
	l.releasing++
	l.mu.Unlock()

	err := l.backend.Release(context.WithoutCancel(opCtx))

	l.mu.Lock()
	l.releasing--
	l.mu.Unlock()
	if err != nil {
		return l.traceFail(span, OpLeave, err)
	}
	metrics.LeaveCounter.WithLabelValues(l.name).Inc()
	return nil
}

// Do enters the lock, runs fn with the owner context and leaves the lock,
// also when fn panics. The error from fn takes precedence over a Leave
// failure.
func (l *Lock) Do(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	ctx, err = l.Enter(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if lerr := l.Leave(ctx); lerr != nil && err == nil {
			err = lerr
		}
	}()
	return fn(ctx)
}

// Destroy releases the backend. It is a no-op on a nil or already destroyed
// Lock. Destroying a Lock that is held, or that has waiters, is an
// unrecoverable failure and leaves the Lock usable.
func (l *Lock) Destroy() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return nil
	}
	if l.depth > 0 || l.waiters > 0 || l.releasing > 0 {
		l.mu.Unlock()
		return l.fail(OpDestroy, critsecerrors.ErrHeld)
	}
	l.destroyed = true
	l.mu.Unlock()

	metrics.Forget(l.name)
	if err := l.backend.Close(); err != nil {
		return l.fail(OpDestroy, err)
	}
	l.logger.Debug("critsec: destroyed", "lock", l.name)
	return nil
}

func (l *Lock) traceFail(span trace.Span, op string, err error) error {
	if l.trace {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return l.fail(op, err)
}

func (l *Lock) fail(op string, err error) error {
	fe := &FatalError{Lock: l.name, Op: op, Err: err}
	metrics.FailureCounter.WithLabelValues(l.name, op).Inc()
	switch l.policy {
	case AbortOnFailure:
		l.logger.Error("critsec: unrecoverable failure", "lock", l.name, "op", op, "error", err)
		l.abort(2)
	case PanicOnFailure:
		panic(fe)
	}
	return fe
}
