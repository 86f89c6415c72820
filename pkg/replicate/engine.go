// Package replicate places a single object onto several storage nodes at once,
// asking for replacement nodes when some of them fail.
package replicate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/adammck/pinner/pkg/api"
	"github.com/adammck/pinner/pkg/catalog"
	"github.com/adammck/pinner/pkg/config"
	"github.com/adammck/pinner/pkg/placement"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"
)

// Operator performs operations on a single storage node.
type Operator interface {

	// Pin causes the node to retain the object. Must be idempotent.
	Pin(ctx context.Context, rem api.Remote, cid api.CID) error

	// Unpin releases the object from the node. Must be idempotent; unpinning
	// something which isn't pinned is not an error.
	Unpin(ctx context.Context, rem api.Remote, cid api.CID) error
}

type Engine struct {
	dec placement.Decider
	cat catalog.NodeCatalog
	op  Operator

	timeout     time.Duration
	maxAttempts int
	nodeRetries int

	log     pslog.Logger
	metrics *Metrics
}

type Option func(*Engine)

func WithLogger(l pslog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func New(cfg config.Config, dec placement.Decider, cat catalog.NodeCatalog, op Operator, opts ...Option) *Engine {
	e := &Engine{
		dec:         dec,
		cat:         cat,
		op:          op,
		timeout:     cfg.OpTimeout,
		maxAttempts: cfg.MaxAttempts,
		nodeRetries: cfg.NodeRetries,
		log:         pslog.NoopLogger(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

type result struct {
	cand api.Candidate
	err  error
}

// Replicate pins the object onto the nodes chosen by the decider, replacing
// any which fail with fresh ones, until every pin has either succeeded or been
// replaced. It returns the (sorted) nodes which have the object.
//
// If the decider can't supply a node (initially or as a replacement), this
// returns a *ClusterError carrying whatever was confirmed so far. There is no
// limit on the number of replacements unless MaxAttempts is configured.
func (e *Engine) Replicate(ctx context.Context, cid api.CID) ([]api.NodeID, error) {
	start := time.Now()
	a := newAttempt(cid)
	log := e.log.With("cid", cid.String(), "attempt", a.id)

	targets, err := e.dec.Initial(ctx, cid)
	if err != nil {
		log.Warn("replicate.initial.failed", "error", err)
		err = &ClusterError{CID: cid, Err: err}
		e.metrics.replicated(err, time.Since(start).Seconds())
		return nil, err
	}

	// Every dispatched pin sends exactly one result, and we always receive
	// one result per pending node before returning, so this needn't be
	// buffered.
	results := make(chan result)

	dispatch := func(cands []api.Candidate) {
		for _, c := range cands {
			nID := c.NodeID()
			if _, ok := a.pending[nID]; ok {
				continue
			}
			if _, ok := a.confirmed[nID]; ok {
				continue
			}

			a.pending[nID] = c
			log.Debug("replicate.dispatch", "node", c.Remote.Ident, "state", c.State.String())

			go func(c api.Candidate) {
				results <- result{cand: c, err: e.pin(ctx, log, c, cid)}
			}(c)
		}
	}

	dispatch(targets)
	var fatal error

	for len(a.pending) > 0 {
		res := <-results
		nID := res.cand.NodeID()
		delete(a.pending, nID)

		if res.err == nil {
			a.confirmed[nID] = struct{}{}
			log.Debug("replicate.confirmed", "node", nID.String())
			continue
		}

		a.failed[nID] += 1
		log.Info("replicate.pin.failed", "node", nID.String(), "error", res.err)

		// Just draining. Pins still in flight are left to finish, so that
		// whatever they pin ends up in Confirmed rather than on a node which
		// nobody knows about.
		if fatal != nil {
			continue
		}

		if err := ctx.Err(); err != nil {
			fatal = err
			continue
		}

		if e.maxAttempts > 0 && a.rounds >= e.maxAttempts {
			fatal = fmt.Errorf("%w (max=%d)", ErrTooManyAttempts, e.maxAttempts)
			continue
		}

		a.rounds += 1
		e.metrics.replaced()

		repl, err := e.dec.Replacement(ctx, cid, a.exclude(e.nodeRetries), 1)
		if err != nil {
			fatal = err
			continue
		}

		dispatch(repl)
	}

	confirmed := a.confirmedList()

	if fatal != nil {
		err := &ClusterError{CID: cid, Confirmed: confirmed, Err: fatal}
		log.Warn("replicate.failed", "error", fatal, "confirmed", len(confirmed), "rounds", a.rounds)
		e.metrics.replicated(err, time.Since(start).Seconds())
		return confirmed, err
	}

	log.Info("replicate.done", "confirmed", len(confirmed), "rounds", a.rounds)
	e.metrics.replicated(nil, time.Since(start).Seconds())
	return confirmed, nil
}

// pin runs a single pin, converting panics into errors and giving up (but not
// abandoning the underlying call) after the configured timeout.
func (e *Engine) pin(ctx context.Context, log pslog.Logger, c api.Candidate, cid api.CID) error {
	err := e.call(ctx, log, c, func(ctx context.Context) error {
		return e.op.Pin(ctx, c.Remote, cid)
	})
	e.metrics.op("pin", err)
	return err
}

func (e *Engine) unpin(ctx context.Context, log pslog.Logger, c api.Candidate, cid api.CID) error {
	err := e.call(ctx, log, c, func(ctx context.Context) error {
		return e.op.Unpin(ctx, c.Remote, cid)
	})
	e.metrics.op("unpin", err)
	return err
}

func (e *Engine) call(ctx context.Context, log pslog.Logger, c api.Candidate, f func(context.Context) error) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("node operation panicked (node=%s): %v", c.Remote.Ident, p)
			}
		}()
		done <- f(ctx)
	}()

	select {
	case err := <-done:
		return err

	case <-ctx.Done():

		// Both may be ready at once. A result which arrived in time wins.
		select {
		case err := <-done:
			return err
		default:
		}

		// The call should notice the cancelled context and return soon. If it
		// succeeds anyway, the node has the object but we've already moved
		// on, so all we can do is say so.
		go func() {
			if err := <-done; err == nil {
				log.Info("replicate.late_success", "node", c.Remote.Ident)
			}
		}()

		return fmt.Errorf("node operation abandoned (node=%s): %w", c.Remote.Ident, ctx.Err())
	}
}

// Remove unpins the object from each of the given nodes, in parallel, and
// returns the (sorted) nodes which may still have it. Nodes which are no longer
// in the catalog (or are offline) are skipped, since there's nothing to talk
// to, and are returned without an error. Returns the first unpin error.
func (e *Engine) Remove(ctx context.Context, cid api.CID, nodes []api.NodeID) ([]api.NodeID, error) {
	log := e.log.With("cid", cid.String())

	cands, err := e.cat.QueryAvailable(ctx, nil)
	if err != nil {
		return nodes, fmt.Errorf("querying catalog: %w", err)
	}

	byID := make(map[api.NodeID]api.Candidate, len(cands))
	for _, c := range cands {
		byID[c.NodeID()] = c
	}

	var mu sync.Mutex
	remaining := []api.NodeID{}
	keep := func(nID api.NodeID) {
		mu.Lock()
		defer mu.Unlock()
		remaining = append(remaining, nID)
	}

	// Not WithContext; one node failing shouldn't abandon the others.
	var g errgroup.Group

	for _, nID := range nodes {
		c, ok := byID[nID]
		if !ok {
			log.Warn("replicate.remove.node_gone", "node", nID.String())
			keep(nID)
			continue
		}

		g.Go(func() error {
			if err := e.unpin(ctx, log, c, cid); err != nil {
				keep(nID)
				return fmt.Errorf("unpin failed (node=%s): %w", nID, err)
			}
			return nil
		})
	}

	err = g.Wait()

	sort.Slice(remaining, func(i, j int) bool {
		return remaining[i] < remaining[j]
	})

	if err != nil {
		return remaining, err
	}

	log.Info("replicate.removed", "nodes", len(nodes)-len(remaining), "remaining", len(remaining))
	return remaining, nil
}
