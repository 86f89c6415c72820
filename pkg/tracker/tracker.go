// Package tracker keeps track of long-running asynchronous operations, keyed
// by some identifier (usually a CID). It guarantees that at most one operation
// is in flight for a key, that a key which has succeeded stays succeeded, and
// that the current state of any key can be read without waiting for anything.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"sync"

	"pkt.systems/pslog"
)

// Operation is a unit of tracked work. A nil error means success.
type Operation func(ctx context.Context) error

const defaultShards = 32

type options struct {
	exec    Executor
	log     pslog.Logger
	metrics *Metrics
	shards  int
	ctx     context.Context
}

type Option func(*options)

// WithExecutor sets where launched operations run. The default is one
// goroutine per operation.
func WithExecutor(e Executor) Option {
	return func(o *options) { o.exec = e }
}

func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.log = l }
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithShards sets the number of independently locked partitions of the key
// space.
func WithShards(n int) Option {
	return func(o *options) { o.shards = n }
}

// WithContext sets the context passed to launched operations. Launched
// operations are never cancelled by the tracker itself; this is only useful
// for carrying values, or for cancelling everything at shutdown.
func WithContext(ctx context.Context) Option {
	return func(o *options) { o.ctx = ctx }
}

// Manager is a handle to a task registry. It's a small value which can be
// copied freely; all copies share the same registry. Construct one per
// logical domain (e.g. one for pins) with New.
type Manager[K comparable] struct {
	r *registry[K]
}

func New[K comparable](opts ...Option) Manager[K] {
	o := options{
		exec:   Goroutines{},
		log:    pslog.NoopLogger(),
		shards: defaultShards,
		ctx:    context.Background(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.shards < 1 {
		o.shards = 1
	}

	r := &registry[K]{
		seed:    maphash.MakeSeed(),
		shards:  make([]shard[K], o.shards),
		exec:    o.exec,
		log:     o.log,
		metrics: o.metrics,
		ctx:     o.ctx,
	}
	r.drained = sync.NewCond(&r.flightMu)
	for i := range r.shards {
		r.shards[i].entries = map[K]*entry{}
	}

	return Manager[K]{r: r}
}

type registry[K comparable] struct {
	seed   maphash.Seed
	shards []shard[K]

	exec    Executor
	log     pslog.Logger
	metrics *Metrics
	ctx     context.Context

	// Launched operations which have not yet completed. Only used by Wait,
	// which may run concurrently with new launches.
	inFlight int
	drained  *sync.Cond
	flightMu sync.Mutex
}

type shard[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
}

// entry is the state cell for a single key. All fields are guarded by the
// owning shard's mutex.
type entry struct {
	state State

	// A launched operation has not completed yet. This is usually the same
	// as state == Working, but not after SeedSuccess lands mid-flight.
	running bool

	// Number of Revoke calls waiting for or holding this key. Launches are
	// dropped while this is non-zero.
	revokes int

	// Closed when the key stops being busy (running or Revoking). Nil while
	// idle.
	idle chan struct{}
}

func (e *entry) busy() bool {
	return e.running || e.state == Revoking
}

func (r *registry[K]) shard(key K) *shard[K] {
	h := maphash.Comparable(r.seed, key)
	return &r.shards[h%uint64(len(r.shards))]
}

// forget drops the entry if nothing refers to it any more. Caller must hold
// the shard lock.
func (s *shard[K]) forget(key K, e *entry) {
	if e.state != NotFound || e.busy() || e.revokes > 0 {
		return
	}

	if s.entries[key] == e {
		delete(s.entries, key)
	}
}

// Launch starts op in the background, unless the key has already succeeded,
// or an operation or revoke for it is already in flight. In those cases it
// does nothing. Launch never blocks on op, and never reports op's outcome;
// use Query for that.
func (m Manager[K]) Launch(key K, op Operation) {
	r := m.r
	s := r.shard(key)

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}

	reason := ""
	switch {
	case e.state == Success:
		reason = "success"
	case e.running:
		reason = "in_flight"
	case e.state == Revoking || e.revokes > 0:
		reason = "revoking"
	}

	if reason != "" {
		s.mu.Unlock()
		r.metrics.skip(reason)
		r.log.Debug("tracker.launch.skipped", "key", fmt.Sprint(key), "reason", reason)
		return
	}

	// This is the only place a key becomes running. Any Failed state from a
	// previous attempt is superseded here.
	e.state = Working
	e.running = true
	e.idle = make(chan struct{})
	r.flightMu.Lock()
	r.inFlight += 1
	r.flightMu.Unlock()
	s.mu.Unlock()

	r.metrics.launched()
	r.log.Debug("tracker.launch", "key", fmt.Sprint(key))

	r.exec.Go(func() {
		r.run(key, e, op)
	})
}

func (r *registry[K]) run(key K, e *entry, op Operation) {
	var err error

	// The state update must happen however op returns, or the key would be
	// stuck in Working forever.
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p}
			r.log.Error("tracker.operation.panic", "key", fmt.Sprint(key), "panic", fmt.Sprint(p))
		}
		r.finish(key, e, err)

		r.flightMu.Lock()
		r.inFlight -= 1
		if r.inFlight == 0 {
			r.drained.Broadcast()
		}
		r.flightMu.Unlock()
	}()

	err = op(r.ctx)
}

func (r *registry[K]) finish(key K, e *entry, err error) {
	s := r.shard(key)

	s.mu.Lock()
	e.running = false

	// Might have been seeded while running, in which case it stays Success
	// regardless of how this attempt went.
	if e.state == Working {
		if err == nil {
			e.state = Success
		} else {
			e.state = Failed
		}
	}

	close(e.idle)
	e.idle = nil
	final := e.state
	s.mu.Unlock()

	var panicked *PanicError
	switch {
	case err == nil:
		r.metrics.finished("success")
	case errors.As(err, &panicked):
		r.metrics.finished("panic")
	default:
		r.metrics.finished("failed")
	}

	if err != nil {
		r.log.Warn("tracker.operation.failed", "key", fmt.Sprint(key), "error", err, "state", final.String())
		return
	}

	r.log.Debug("tracker.operation.done", "key", fmt.Sprint(key), "state", final.String())
}

// Query returns the current state of the key. It never blocks on in-flight
// operations. Unknown keys are NotFound.
func (m Manager[K]) Query(key K) State {
	s := m.r.shard(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return NotFound
	}

	return e.state
}

// SeedSuccess marks the key as succeeded without running anything. It's used
// when some authoritative source says the work has already been done. Seeding
// a key which is being revoked does nothing.
func (m Manager[K]) SeedSuccess(key K) {
	r := m.r
	s := r.shard(key)

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}

	if e.state == Revoking {
		s.mu.Unlock()
		r.log.Debug("tracker.seed.skipped", "key", fmt.Sprint(key), "reason", "revoking")
		return
	}

	e.state = Success
	s.mu.Unlock()

	r.log.Debug("tracker.seed", "key", fmt.Sprint(key))
}

// Revoke waits until no operation is in flight for the key, and then runs op
// synchronously. New launches for the key are dropped from the moment Revoke
// is called until it returns.
//
// If op succeeds the key is forgotten, so Query will return NotFound. If op
// fails, a *RevokeError is returned and the key keeps its prior state. If the
// key isn't tracked at all, ErrNotTracked is returned and op is not run.
//
// Cancelling ctx abandons the wait (returning ctx.Err()); it's also passed to
// op, which is expected to respect it.
func (m Manager[K]) Revoke(ctx context.Context, key K, op Operation) error {
	r := m.r
	s := r.shard(key)

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		r.metrics.revoked("not_tracked")
		return ErrNotTracked
	}

	e.revokes++

	for e.busy() {
		ch := e.idle
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			s.mu.Lock()
			e.revokes--
			s.forget(key, e)
			s.mu.Unlock()
			r.metrics.revoked("cancelled")
			return ctx.Err()
		}

		s.mu.Lock()
	}

	// Another revoke got here first.
	if e.state == NotFound {
		e.revokes--
		s.forget(key, e)
		s.mu.Unlock()
		r.metrics.revoked("not_tracked")
		return ErrNotTracked
	}

	prior := e.state
	e.state = Revoking
	e.idle = make(chan struct{})
	s.mu.Unlock()

	r.log.Debug("tracker.revoke", "key", fmt.Sprint(key), "prior", prior.String())
	err := r.revoke(ctx, key, op)

	s.mu.Lock()
	e.revokes--
	if err != nil {
		e.state = prior
	} else {
		e.state = NotFound
	}
	close(e.idle)
	e.idle = nil
	s.forget(key, e)
	s.mu.Unlock()

	if err != nil {
		r.metrics.revoked("failed")
		r.log.Warn("tracker.revoke.failed", "key", fmt.Sprint(key), "error", err)
		return &RevokeError{Key: fmt.Sprint(key), Prior: prior, Err: err}
	}

	r.metrics.revoked("success")
	return nil
}

func (r *registry[K]) revoke(ctx context.Context, key K, op Operation) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p}
			r.log.Error("tracker.revoke.panic", "key", fmt.Sprint(key), "panic", fmt.Sprint(p))
		}
	}()

	return op(ctx)
}

// Await blocks until no operation (or revoke) is in flight for the key, and
// returns its state at that moment. It returns early with ctx.Err() if ctx is
// cancelled first.
func (m Manager[K]) Await(ctx context.Context, key K) (State, error) {
	s := m.r.shard(key)

	s.mu.Lock()
	for {
		e, ok := s.entries[key]
		if !ok {
			s.mu.Unlock()
			return NotFound, nil
		}

		if !e.busy() {
			st := e.state
			s.mu.Unlock()
			return st, nil
		}

		ch := e.idle
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return Working, ctx.Err()
		}

		s.mu.Lock()
	}
}

// Wait blocks until nothing launched is still running. Operations launched
// while waiting are waited for too. It's mostly useful in tests and at
// shutdown.
func (m Manager[K]) Wait() {
	r := m.r
	r.flightMu.Lock()
	defer r.flightMu.Unlock()

	for r.inFlight > 0 {
		r.drained.Wait()
	}
}
