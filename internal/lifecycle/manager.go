// Package lifecycle owns the load/use/evict cycle of one expensive in-memory
// resource, typically an ASR model.
//
// A [Manager] loads its handle lazily on first use, guarantees that concurrent
// first calls trigger exactly one load, hands out reference-counted [Lease]
// values for the duration of each operation, and unloads the handle after a
// configurable idle period. A handle with an outstanding lease is never torn
// down.
//
// Typical usage:
//
//	m := lifecycle.New(loadModel, lifecycle.WithIdleTimeout(10*time.Minute))
//	go m.Run(ctx)
//
//	lease, err := m.Acquire(ctx)
//	if err != nil { ... }
//	out, err := lease.Handle().Generate(ctx, samples, opts)
//	lease.Release(err == nil)
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrLoad is wrapped by every error returned when the loader fails.
var ErrLoad = errors.New("lifecycle: load failed")

// maxReapInterval caps the reaper tick.
const maxReapInterval = 30 * time.Second

// LoadFunc produces a fresh handle. It is called with the manager's exclusive
// lock held, so it never runs concurrently with itself.
type LoadFunc[H io.Closer] func(ctx context.Context) (H, error)

// Hooks are optional callbacks invoked on lifecycle transitions. They are
// used to feed metrics and must not block.
type Hooks struct {
	// Loaded is called after every load attempt.
	Loaded func(d time.Duration, err error)

	// Evicted is called after the handle is torn down. reason is "idle",
	// "stale" or "shutdown".
	Evicted func(reason string)

	// LeaseChanged is called with +1 when a lease is taken and -1 when it is
	// released.
	LeaseChanged func(delta int64)
}

// State is a point-in-time snapshot of a [Manager].
type State struct {
	Loaded       bool
	Generation   uint64
	InUse        int64
	LastActivity time.Time
	LastError    error
	Loads        uint64
	Evictions    uint64
	Stale        bool
}

// Option configures a [Manager].
type Option func(*options)

type options struct {
	idleTimeout time.Duration
	now         func() time.Time
	hooks       Hooks
}

// WithIdleTimeout sets how long the handle may sit unused before the reaper
// unloads it. Zero (the default) disables idle eviction.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.idleTimeout = d
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithHooks registers transition callbacks.
func WithHooks(h Hooks) Option {
	return func(o *options) { o.hooks = h }
}

// Manager guards a single lazily-loaded handle. All methods are safe for
// concurrent use.
type Manager[H io.Closer] struct {
	load        LoadFunc[H]
	idleTimeout time.Duration
	now         func() time.Time
	hooks       Hooks

	// mu serialises load and unload transitions. Readers hold it only long
	// enough to take a lease.
	mu         sync.RWMutex
	handle     H
	loaded     bool
	generation uint64
	lastErr    error

	// leaseMu guards inUse; drained is signalled when inUse drops to zero.
	leaseMu sync.Mutex
	drained *sync.Cond
	inUse   int64

	lastActivity atomic.Int64 // unix nanoseconds
	stale        atomic.Bool
	loads        atomic.Uint64
	evictions    atomic.Uint64
}

// New creates a Manager that loads its handle with load. Nothing is loaded
// until the first [Manager.EnsureLoaded] or [Manager.Acquire].
func New[H io.Closer](load LoadFunc[H], opts ...Option) *Manager[H] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	m := &Manager[H]{
		load:        load,
		idleTimeout: o.idleTimeout,
		now:         o.now,
		hooks:       o.hooks,
	}
	m.drained = sync.NewCond(&m.leaseMu)
	return m
}

// IdleTimeout returns the configured idle timeout. Zero means never.
func (m *Manager[H]) IdleTimeout() time.Duration { return m.idleTimeout }

// EnsureLoaded loads the handle if it is absent. Concurrent callers observing
// an absent handle wait for a single load. A loader failure is returned
// wrapped in [ErrLoad] and is not cached: the next call tries again.
func (m *Manager[H]) EnsureLoaded(ctx context.Context) error {
	m.mu.RLock()
	ok := m.loaded && !m.stale.Load()
	m.mu.RUnlock()
	if ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLoadedLocked(ctx)
}

// ensureLoadedLocked must be called with mu held exclusively.
func (m *Manager[H]) ensureLoadedLocked(ctx context.Context) error {
	if m.loaded && m.stale.Load() && m.leases() == 0 {
		m.teardownLocked("stale")
	}
	if m.loaded {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrLoad, err)
	}

	start := m.now()
	h, err := m.load(ctx)
	elapsed := m.now().Sub(start)
	if m.hooks.Loaded != nil {
		m.hooks.Loaded(elapsed, err)
	}
	if err != nil {
		m.lastErr = err
		slog.Error("lifecycle: load failed", "err", err, "duration", elapsed)
		return fmt.Errorf("%w: %w", ErrLoad, err)
	}

	m.handle = h
	m.loaded = true
	m.lastErr = nil
	m.generation++
	m.stale.Store(false)
	m.loads.Add(1)
	m.lastActivity.Store(m.now().UnixNano())
	slog.Info("lifecycle: loaded", "generation", m.generation, "duration", elapsed)
	return nil
}

// Acquire ensures the handle is loaded and takes a lease on it. The caller
// must call [Lease.Release] exactly once when the operation finishes.
func (m *Manager[H]) Acquire(ctx context.Context) (*Lease[H], error) {
	for {
		if err := m.EnsureLoaded(ctx); err != nil {
			return nil, err
		}

		m.mu.RLock()
		if !m.loaded {
			// Evicted between EnsureLoaded and here; load again.
			m.mu.RUnlock()
			continue
		}
		h, gen := m.handle, m.generation
		m.addLease(1)
		m.mu.RUnlock()

		return &Lease[H]{m: m, handle: h, generation: gen}, nil
	}
}

// Touch records activity now. Callers invoke it only after a successful
// operation.
func (m *Manager[H]) Touch() {
	m.lastActivity.Store(m.now().UnixNano())
}

// MaybeEvict unloads the handle when it is present, no lease is outstanding
// and it has either been idle for at least the idle timeout or been marked
// stale. It reports whether an eviction happened.
func (m *Manager[H]) MaybeEvict(now time.Time) bool {
	if _, ok := m.evictReason(now, m.isLoaded()); !ok {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-check under the exclusive lock; mu is not reentrant, so read
	// m.loaded directly.
	reason, ok := m.evictReason(now, m.loaded)
	if !ok {
		return false
	}
	m.teardownLocked(reason)
	return true
}

// evictReason does not touch mu. loaded is the caller's view of m.loaded.
func (m *Manager[H]) evictReason(now time.Time, loaded bool) (string, bool) {
	if !loaded || m.leases() > 0 {
		return "", false
	}
	if m.stale.Load() {
		return "stale", true
	}
	if m.idleTimeout <= 0 {
		return "", false
	}
	last := time.Unix(0, m.lastActivity.Load())
	if now.Sub(last) >= m.idleTimeout {
		return "idle", true
	}
	return "", false
}

// Invalidate marks the current handle stale. It is unloaded at the next idle
// moment and the next caller loads a fresh one.
func (m *Manager[H]) Invalidate() {
	if !m.isLoaded() {
		return
	}
	m.stale.Store(true)
	slog.Info("lifecycle: handle marked stale")
}

// Unload tears the handle down unconditionally. It blocks new leases and
// waits for outstanding ones to be released first.
func (m *Manager[H]) Unload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loaded {
		return nil
	}
	m.leaseMu.Lock()
	for m.inUse > 0 {
		m.drained.Wait()
	}
	m.leaseMu.Unlock()

	return m.teardownLocked("shutdown")
}

// teardownLocked closes the handle. mu must be held exclusively and no lease
// may be outstanding.
func (m *Manager[H]) teardownLocked(reason string) error {
	h := m.handle
	var zero H
	m.handle = zero
	m.loaded = false
	m.stale.Store(false)
	m.evictions.Add(1)

	err := h.Close()
	if err != nil {
		slog.Warn("lifecycle: close failed", "reason", reason, "err", err)
	}
	if m.hooks.Evicted != nil {
		m.hooks.Evicted(reason)
	}
	slog.Info("lifecycle: unloaded", "reason", reason, "generation", m.generation)
	return err
}

// Run is the idle reaper. It calls [Manager.MaybeEvict] on every tick until
// ctx is cancelled. The tick is half the idle timeout, capped at 30s and at
// least one second.
func (m *Manager[H]) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.reapInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.MaybeEvict(m.now())
		}
	}
}

func (m *Manager[H]) reapInterval() time.Duration {
	if m.idleTimeout <= 0 {
		return maxReapInterval
	}
	return min(max(m.idleTimeout/2, time.Second), maxReapInterval)
}

// State returns a snapshot of the manager.
func (m *Manager[H]) State() State {
	m.mu.RLock()
	s := State{
		Loaded:     m.loaded,
		Generation: m.generation,
		LastError:  m.lastErr,
	}
	m.mu.RUnlock()

	s.InUse = m.leases()
	s.Loads = m.loads.Load()
	s.Evictions = m.evictions.Load()
	s.Stale = m.stale.Load()
	if ns := m.lastActivity.Load(); ns != 0 {
		s.LastActivity = time.Unix(0, ns)
	}
	return s
}

func (m *Manager[H]) isLoaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}

func (m *Manager[H]) leases() int64 {
	m.leaseMu.Lock()
	defer m.leaseMu.Unlock()
	return m.inUse
}

func (m *Manager[H]) addLease(delta int64) {
	m.leaseMu.Lock()
	m.inUse += delta
	if m.inUse == 0 {
		m.drained.Broadcast()
	}
	m.leaseMu.Unlock()

	if m.hooks.LeaseChanged != nil {
		m.hooks.LeaseChanged(delta)
	}
}

// Lease is a reference on a loaded handle. The handle stays loaded until
// every lease on it has been released.
type Lease[H io.Closer] struct {
	m          *Manager[H]
	handle     H
	generation uint64
	released   atomic.Bool
}

// Handle returns the leased handle. It must not be used after Release.
func (l *Lease[H]) Handle() H { return l.handle }

// Generation returns the load generation the handle belongs to.
func (l *Lease[H]) Generation() uint64 { return l.generation }

// Release drops the lease. When success is true the manager's activity time
// is refreshed. Calling Release more than once is a no-op.
func (l *Lease[H]) Release(success bool) {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	if success {
		l.m.Touch()
	}
	l.m.addLease(-1)
}
