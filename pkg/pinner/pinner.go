// Package pinner is where the pieces meet: pin requests are launched on the
// tracker, replicated by the engine, and recorded by the persister. Unpins
// revoke the tracked state and remove the object from every recorded node.
package pinner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adammck/pinner/pkg/api"
	"github.com/adammck/pinner/pkg/persister"
	"github.com/adammck/pinner/pkg/tracker"
	"pkt.systems/pslog"
)

// ErrNotPinned is returned by Unpin when the object isn't known at all.
var ErrNotPinned = errors.New("not pinned")

// ErrNodesUnavailable is returned by Unpin when some of the recorded nodes
// couldn't be reached. The record is kept (with only those nodes), so unpinning
// again will try them again.
var ErrNodesUnavailable = errors.New("nodes unavailable")

// How many times to retry writing a record which someone else modified.
const maxSaveAttempts = 3

// Replicator places objects onto nodes and removes them again. It's satisfied
// by *replicate.Engine.
type Replicator interface {
	Replicate(ctx context.Context, cid api.CID) ([]api.NodeID, error)
	Remove(ctx context.Context, cid api.CID, nodes []api.NodeID) ([]api.NodeID, error)
}

type Pinner struct {
	tasks tracker.Manager[api.CID]
	repl  Replicator
	store persister.Persister
	log   pslog.Logger
}

func New(tasks tracker.Manager[api.CID], repl Replicator, store persister.Persister, log pslog.Logger) *Pinner {
	if log == nil {
		log = pslog.NoopLogger()
	}

	return &Pinner{
		tasks: tasks,
		repl:  repl,
		store: store,
		log:   log,
	}
}

// Pin validates the cid and starts pinning it in the background, unless it's
// already pinned or being pinned. Use Status to find out how it went.
func (p *Pinner) Pin(raw string) (api.CID, error) {
	cid, err := api.ParseCID(raw)
	if err != nil {
		return api.ZeroCID, err
	}

	p.tasks.Launch(cid, func(ctx context.Context) error {
		return p.pin(ctx, cid)
	})

	return cid, nil
}

func (p *Pinner) pin(ctx context.Context, cid api.CID) error {
	log := p.log.With("cid", cid.String())

	// Pinned before this process started, so the tracker didn't know. A
	// partial record is left over from a failed pin, so pin it again.
	rec, err := p.store.Get(ctx, cid)
	if err == nil && !rec.Partial {
		log.Debug("pinner.pin.already_recorded")
		return nil
	}
	if err != nil && !errors.Is(err, persister.ErrNotFound) {
		return fmt.Errorf("reading record: %w", err)
	}

	nodes, err := p.repl.Replicate(ctx, cid)
	if err != nil {
		p.abandon(ctx, log, cid, nodes)
		return err
	}

	if err := p.save(ctx, cid, nodes, false); err != nil {
		log.Error("pinner.pin.save_failed", "nodes", len(nodes), "error", err)
		p.abandon(ctx, log, cid, nodes)
		return err
	}

	log.Info("pinner.pinned", "nodes", len(nodes))
	return nil
}

// abandon unpins the object from nodes which won't be recorded as a successful
// pin. Nodes which can't be unpinned are written to a partial record instead,
// so that a later Pin or Unpin knows about them.
func (p *Pinner) abandon(ctx context.Context, log pslog.Logger, cid api.CID, nodes []api.NodeID) {
	if len(nodes) == 0 {
		return
	}

	// Clean up even if the pin was cancelled.
	ctx = context.WithoutCancel(ctx)

	remaining, err := p.repl.Remove(ctx, cid, nodes)
	if err != nil {
		log.Warn("pinner.pin.cleanup_failed", "nodes", len(remaining), "error", err)
	}

	if len(remaining) == 0 {
		return
	}

	if err := p.save(ctx, cid, remaining, true); err != nil {
		log.Error("pinner.pin.orphaned", "nodes", fmt.Sprint(remaining), "error", err)
		return
	}

	log.Warn("pinner.pin.partial", "nodes", fmt.Sprint(remaining))
}

// save adds the nodes to the record for the cid, creating it if necessary. A
// partial save never downgrades a complete record.
func (p *Pinner) save(ctx context.Context, cid api.CID, nodes []api.NodeID, partial bool) error {
	for i := 0; i < maxSaveAttempts; i++ {
		rec, err := p.store.Get(ctx, cid)
		if errors.Is(err, persister.ErrNotFound) {
			rec = persister.Record{CID: cid, Partial: partial}
		} else if err != nil {
			return fmt.Errorf("reading record: %w", err)
		}

		rec = persister.Merge(rec, nodes)
		rec.Updated = time.Now().UTC()
		if !partial {
			rec.Partial = false
		}

		err = p.store.Put(ctx, rec)
		if !errors.Is(err, persister.ErrConflict) {
			return err
		}
	}

	return fmt.Errorf("saving record (cid=%s): %w after %d attempts", cid, persister.ErrConflict, maxSaveAttempts)
}

// Status returns the state of the cid, without waiting for anything in flight.
// If the tracker doesn't know of a success (perhaps because the process was
// restarted), the persister has the final word.
func (p *Pinner) Status(ctx context.Context, raw string) (tracker.State, error) {
	cid, err := api.ParseCID(raw)
	if err != nil {
		return tracker.NotFound, err
	}

	st := p.tasks.Query(cid)
	if st != tracker.NotFound && st != tracker.Failed {
		return st, nil
	}

	rec, err := p.store.Get(ctx, cid)
	if errors.Is(err, persister.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("reading record: %w", err)
	}

	if rec.Partial {
		return tracker.Failed, nil
	}

	p.tasks.SeedSuccess(cid)
	return tracker.Success, nil
}

// Await blocks until nothing is in flight for the cid, and returns its state.
func (p *Pinner) Await(ctx context.Context, cid api.CID) (tracker.State, error) {
	return p.tasks.Await(ctx, cid)
}

// Unpin waits for any in-flight pin of the cid to finish, then removes it from
// every node it was recorded on and deletes the record. Pins of the cid
// requested while this is running are dropped.
func (p *Pinner) Unpin(ctx context.Context, raw string) error {
	cid, err := api.ParseCID(raw)
	if err != nil {
		return err
	}

	// The tracker only knows about things pinned since the process started,
	// so check the persister for anything older.
	if p.tasks.Query(cid) == tracker.NotFound {
		_, err := p.store.Get(ctx, cid)
		if errors.Is(err, persister.ErrNotFound) {
			return fmt.Errorf("%w (cid=%s)", ErrNotPinned, cid)
		}
		if err != nil {
			return fmt.Errorf("reading record: %w", err)
		}

		p.tasks.SeedSuccess(cid)
	}

	err = p.tasks.Revoke(ctx, cid, func(ctx context.Context) error {
		return p.unpin(ctx, cid)
	})
	if errors.Is(err, tracker.ErrNotTracked) {
		return fmt.Errorf("%w (cid=%s)", ErrNotPinned, cid)
	}

	return err
}

func (p *Pinner) unpin(ctx context.Context, cid api.CID) error {
	rec, err := p.store.Get(ctx, cid)

	// Pinning failed (and cleaned up after itself), so there's nothing on any
	// node to remove.
	if errors.Is(err, persister.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading record: %w", err)
	}

	remaining, err := p.repl.Remove(ctx, cid, rec.Nodes)
	if len(remaining) > 0 {
		if err == nil {
			err = fmt.Errorf("%w (cid=%s, nodes=%v)", ErrNodesUnavailable, cid, remaining)
		}

		// Forget the nodes which were unpinned, but not the others.
		rec.Nodes = remaining
		rec.Updated = time.Now().UTC()
		if perr := p.store.Put(ctx, rec); perr != nil {
			return errors.Join(err, fmt.Errorf("updating record: %w", perr))
		}

		return err
	}
	if err != nil {
		return err
	}

	if err := p.store.Delete(ctx, cid); err != nil {
		return fmt.Errorf("deleting record: %w", err)
	}

	p.log.Info("pinner.unpinned", "cid", cid.String(), "nodes", len(rec.Nodes))
	return nil
}

// Warm marks every persisted record as pinned in the tracker, so that Status
// and Pin don't have to consult the persister for them. It's called once at
// startup. Returns the number of pinned (not partial) records.
func (p *Pinner) Warm(ctx context.Context) (int, error) {
	recs, err := p.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing records: %w", err)
	}

	n := 0
	for _, rec := range recs {
		if rec.Partial {
			continue
		}
		p.tasks.SeedSuccess(rec.CID)
		n += 1
	}

	p.log.Info("pinner.warmed", "records", n, "partial", len(recs)-n)
	return n, nil
}

// Wait blocks until every pin launched so far has finished.
func (p *Pinner) Wait() {
	p.tasks.Wait()
}
