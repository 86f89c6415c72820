package pinner

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/adammck/pinner/pkg/api"
	"github.com/adammck/pinner/pkg/config"
	"github.com/adammck/pinner/pkg/persister"
	"github.com/adammck/pinner/pkg/persister/memory"
	"github.com/adammck/pinner/pkg/placement"
	"github.com/adammck/pinner/pkg/replicate"
	"github.com/adammck/pinner/pkg/test/fake_catalog"
	"github.com/adammck/pinner/pkg/test/fake_operator"
	"github.com/adammck/pinner/pkg/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	cidA = "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"
	cidB = "QmT78zSuBmuS4z925WZfrqQ1qHaJ56DQaTfyMUF7F8ff5o"
)

type fixture struct {
	cat   *fake_catalog.Catalog
	op    *fake_operator.Operator
	store *memory.Persister
	tasks tracker.Manager[api.CID]
	p     *Pinner
}

func setup(idents ...string) *fixture {
	f := &fixture{
		cat:   fake_catalog.New(idents...),
		op:    fake_operator.New(),
		store: memory.New(),
		tasks: tracker.New[api.CID](),
	}

	f.restart()
	return f
}

// restart replaces the tracker (and everything built on it) as if the process
// had restarted, keeping the catalog, nodes and persister.
func (f *fixture) restart() {
	cfg := config.Default()
	dec := placement.NewRandomWithSource(f.cat, cfg.Replication, rand.NewSource(1))
	eng := replicate.New(cfg, dec, f.cat, f.op)

	f.tasks = tracker.New[api.CID]()
	f.p = New(f.tasks, eng, f.store, nil)
}

func (f *fixture) pin(t *testing.T, raw string) api.CID {
	cid, err := f.p.Pin(raw)
	require.NoError(t, err)
	f.p.Wait()
	return cid
}

func TestPinInvalid(t *testing.T) {
	f := setup("n1", "n2", "n3")

	_, err := f.p.Pin("")
	assert.EqualError(t, err, "empty cid")

	_, err = f.p.Pin("not-a-cid")
	assert.ErrorContains(t, err, `invalid cid "not-a-cid"`)

	_, err = f.p.Status(context.Background(), "not-a-cid")
	assert.Error(t, err)

	assert.Empty(t, f.op.Calls())
}

func TestPin(t *testing.T) {
	f := setup("n1", "n2", "n3", "n4", "n5")
	ctx := context.Background()

	cid := f.pin(t, cidA)

	st, err := f.p.Status(ctx, cidA)
	require.NoError(t, err)
	assert.Equal(t, tracker.Success, st)

	rec, err := f.store.Get(ctx, cid)
	require.NoError(t, err)
	assert.Len(t, rec.Nodes, 3)
	assert.Equal(t, f.op.PinnedOn(cid), rec.Nodes)
	assert.False(t, rec.Updated.IsZero())
}

func TestPinIsIdempotent(t *testing.T) {
	f := setup("n1", "n2", "n3", "n4", "n5")

	f.pin(t, cidA)
	f.pin(t, cidA)
	f.pin(t, cidA)

	assert.Len(t, f.op.Calls(), 3)
}

func TestPinAfterRestartUsesRecord(t *testing.T) {
	f := setup("n1", "n2", "n3", "n4", "n5")
	f.pin(t, cidA)

	f.restart()
	f.pin(t, cidA)

	// Nothing new was pinned.
	assert.Len(t, f.op.Calls(), 3)
	assert.Equal(t, tracker.Success, f.tasks.Query(api.CID(cidA)))
}

func TestPinFailureCleansUp(t *testing.T) {
	f := setup("n1", "n2", "n3")
	f.op.FailPins("n1", 1)
	ctx := context.Background()

	cid := f.pin(t, cidA)

	st, err := f.p.Status(ctx, cidA)
	require.NoError(t, err)
	assert.Equal(t, tracker.Failed, st)

	// n2 and n3 were pinned, then unpinned again.
	assert.Empty(t, f.op.PinnedOn(cid))

	_, err = f.store.Get(ctx, cid)
	assert.ErrorIs(t, err, persister.ErrNotFound)

	// Once the node recovers, pinning again works.
	f.pin(t, cidA)
	st, err = f.p.Status(ctx, cidA)
	require.NoError(t, err)
	assert.Equal(t, tracker.Success, st)
	assert.Len(t, f.op.PinnedOn(cid), 3)
}

func TestStatusUnknown(t *testing.T) {
	f := setup("n1")

	st, err := f.p.Status(context.Background(), cidB)
	require.NoError(t, err)
	assert.Equal(t, tracker.NotFound, st)
}

func TestStatusFromPersister(t *testing.T) {
	f := setup("n1", "n2", "n3")
	ctx := context.Background()
	require.NoError(t, f.store.Put(ctx, persister.Record{CID: cidB, Nodes: []api.NodeID{"n1"}}))

	assert.Equal(t, tracker.NotFound, f.tasks.Query(cidB))

	st, err := f.p.Status(ctx, cidB)
	require.NoError(t, err)
	assert.Equal(t, tracker.Success, st)

	// And now the tracker knows, too.
	assert.Equal(t, tracker.Success, f.tasks.Query(cidB))
}

func TestWarm(t *testing.T) {
	f := setup("n1")
	ctx := context.Background()

	for _, c := range []api.CID{cidA, cidB} {
		require.NoError(t, f.store.Put(ctx, persister.Record{CID: c, Nodes: []api.NodeID{"n1"}}))
	}

	n, err := f.p.Warm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, tracker.Success, f.tasks.Query(cidA))
	assert.Equal(t, tracker.Success, f.tasks.Query(cidB))
}

func TestUnpin(t *testing.T) {
	f := setup("n1", "n2", "n3", "n4", "n5")
	ctx := context.Background()
	cid := f.pin(t, cidA)

	require.NoError(t, f.p.Unpin(ctx, cidA))
	assert.Empty(t, f.op.PinnedOn(cid))

	_, err := f.store.Get(ctx, cid)
	assert.ErrorIs(t, err, persister.ErrNotFound)

	st, err := f.p.Status(ctx, cidA)
	require.NoError(t, err)
	assert.Equal(t, tracker.NotFound, st)

	// Second time, there's nothing left.
	assert.ErrorIs(t, f.p.Unpin(ctx, cidA), ErrNotPinned)
}

func TestUnpinUnknown(t *testing.T) {
	f := setup("n1")
	assert.ErrorIs(t, f.p.Unpin(context.Background(), cidB), ErrNotPinned)
	assert.Empty(t, f.op.Calls())
}

func TestUnpinAfterRestart(t *testing.T) {
	f := setup("n1", "n2", "n3")
	ctx := context.Background()
	cid := f.pin(t, cidA)

	f.restart()
	require.NoError(t, f.p.Unpin(ctx, cidA))
	assert.Empty(t, f.op.PinnedOn(cid))
}

func TestUnpinFailed(t *testing.T) {
	f := setup("n1", "n2", "n3")
	ctx := context.Background()

	f.op.FailPins("n1", 1)
	f.pin(t, cidA)
	require.Equal(t, tracker.Failed, f.tasks.Query(cidA))

	// Nothing was recorded, so there's nothing to remove, but the failure is
	// forgotten.
	require.NoError(t, f.p.Unpin(ctx, cidA))
	assert.Equal(t, tracker.NotFound, f.tasks.Query(cidA))
}

func TestUnpinNodeFailure(t *testing.T) {
	f := setup("n1", "n2", "n3")
	ctx := context.Background()
	cid := f.pin(t, cidA)

	boom := errors.New("disk on fire")
	f.op.FailUnpins("n2", boom)

	err := f.p.Unpin(ctx, cidA)
	assert.ErrorIs(t, err, boom)

	var re *tracker.RevokeError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, tracker.Success, re.Prior)

	// Still pinned, as far as anyone knows. The record only has the node
	// which still has the object.
	assert.Equal(t, tracker.Success, f.tasks.Query(cid))
	rec, err := f.store.Get(ctx, cid)
	require.NoError(t, err)
	assert.Equal(t, []api.NodeID{"n2"}, rec.Nodes)
	assert.Equal(t, rec.Nodes, f.op.PinnedOn(cid))

	// Retry once the node is better.
	f.op.FailUnpins("n2", nil)
	require.NoError(t, f.p.Unpin(ctx, cidA))
	assert.Empty(t, f.op.PinnedOn(cid))
}

func TestUnpinWaitsForPin(t *testing.T) {
	f := setup("n1", "n2", "n3")
	ctx := context.Background()

	release := f.op.Hang("n1")
	cid, err := f.p.Pin(cidA)
	require.NoError(t, err)

	done := make(chan error)
	go func() {
		done <- f.p.Unpin(ctx, cidA)
	}()

	// Unpin can't finish while the pin is in flight.
	select {
	case err := <-done:
		t.Fatalf("unpin returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	release()
	require.NoError(t, <-done)

	assert.Empty(t, f.op.PinnedOn(cid))
	assert.Equal(t, tracker.NotFound, f.tasks.Query(cid))
}

// conflicting is a persister which rejects the first n writes.
type conflicting struct {
	persister.Persister
	n int
}

func (c *conflicting) Put(ctx context.Context, rec persister.Record) error {
	if c.n > 0 {
		c.n -= 1
		return persister.ErrConflict
	}
	return c.Persister.Put(ctx, rec)
}

func TestSaveRetriesConflicts(t *testing.T) {
	store := &conflicting{Persister: memory.New(), n: 2}
	p := New(tracker.New[api.CID](), nil, store, nil)
	ctx := context.Background()

	require.NoError(t, p.save(ctx, cidA, []api.NodeID{"b", "a"}, false))
	rec, err := store.Get(ctx, cidA)
	require.NoError(t, err)
	assert.Equal(t, []api.NodeID{"a", "b"}, rec.Nodes)

	// Merged with what's already there.
	require.NoError(t, p.save(ctx, cidA, []api.NodeID{"c"}, false))
	rec, err = store.Get(ctx, cidA)
	require.NoError(t, err)
	assert.Equal(t, []api.NodeID{"a", "b", "c"}, rec.Nodes)

	store.n = maxSaveAttempts
	err = p.save(ctx, cidB, []api.NodeID{"a"}, false)
	assert.ErrorIs(t, err, persister.ErrConflict)
}

func TestSavePartial(t *testing.T) {
	store := memory.New()
	p := New(tracker.New[api.CID](), nil, store, nil)
	ctx := context.Background()

	require.NoError(t, p.save(ctx, cidA, []api.NodeID{"a"}, true))
	rec, err := store.Get(ctx, cidA)
	require.NoError(t, err)
	assert.True(t, rec.Partial)

	require.NoError(t, p.save(ctx, cidA, []api.NodeID{"b"}, false))
	rec, err = store.Get(ctx, cidA)
	require.NoError(t, err)
	assert.False(t, rec.Partial)

	// Leftovers don't make a complete record partial again.
	require.NoError(t, p.save(ctx, cidA, []api.NodeID{"c"}, true))
	rec, err = store.Get(ctx, cidA)
	require.NoError(t, err)
	assert.False(t, rec.Partial)
	assert.Equal(t, []api.NodeID{"a", "b", "c"}, rec.Nodes)
}

// unwritable is a persister which can be read, but not written.
type unwritable struct {
	persister.Persister
}

func (u unwritable) Put(ctx context.Context, rec persister.Record) error {
	return errors.New("read-only file system")
}

func TestPinSaveFailureCleansUp(t *testing.T) {
	f := setup("n1", "n2", "n3")
	f.p = New(f.tasks, f.p.repl, unwritable{f.store}, nil)
	ctx := context.Background()

	cid := f.pin(t, cidA)
	assert.Equal(t, tracker.Failed, f.tasks.Query(cid))

	// Every node was pinned, then unpinned again, since nothing could record
	// where the object went.
	assert.Len(t, f.op.Calls(), 6)
	assert.Empty(t, f.op.PinnedOn(cid))

	_, err := f.store.Get(ctx, cid)
	assert.ErrorIs(t, err, persister.ErrNotFound)

	require.NoError(t, f.p.Unpin(ctx, cidA))
	assert.Equal(t, tracker.NotFound, f.tasks.Query(cid))
}

func TestPinCleanupFailureKeepsPartialRecord(t *testing.T) {
	f := setup("n1", "n2", "n3")
	ctx := context.Background()

	boom := errors.New("disk on fire")
	f.op.FailPins("n1", 1)
	f.op.FailUnpins("n2", boom)

	cid := f.pin(t, cidA)
	assert.Equal(t, tracker.Failed, f.tasks.Query(cid))

	// n3 was cleaned up, but n2 couldn't be, so it's recorded.
	assert.Equal(t, []api.NodeID{"n2"}, f.op.PinnedOn(cid))
	rec, err := f.store.Get(ctx, cid)
	require.NoError(t, err)
	assert.True(t, rec.Partial)
	assert.Equal(t, []api.NodeID{"n2"}, rec.Nodes)

	// It isn't pinned, even after a restart.
	f.restart()
	n, err := f.p.Warm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	st, err := f.p.Status(ctx, cidA)
	require.NoError(t, err)
	assert.Equal(t, tracker.Failed, st)

	// Unpin finds the leftover node.
	f.op.FailUnpins("n2", nil)
	require.NoError(t, f.p.Unpin(ctx, cidA))
	assert.Empty(t, f.op.PinnedOn(cid))

	_, err = f.store.Get(ctx, cid)
	assert.ErrorIs(t, err, persister.ErrNotFound)
}

func TestPinAfterPartialRecord(t *testing.T) {
	f := setup("n1", "n2", "n3")
	ctx := context.Background()

	f.op.FailPins("n1", 1)
	f.op.FailUnpins("n2", errors.New("disk on fire"))
	cid := f.pin(t, cidA)
	require.Equal(t, tracker.Failed, f.tasks.Query(cid))

	// The partial record doesn't count as pinned, so this pins again.
	f.op.FailUnpins("n2", nil)
	f.pin(t, cidA)
	assert.Equal(t, tracker.Success, f.tasks.Query(cid))

	rec, err := f.store.Get(ctx, cid)
	require.NoError(t, err)
	assert.False(t, rec.Partial)
	assert.Equal(t, []api.NodeID{"n1", "n2", "n3"}, rec.Nodes)
	assert.Equal(t, rec.Nodes, f.op.PinnedOn(cid))
}

func TestUnpinUnavailableNode(t *testing.T) {
	f := setup("n1", "n2", "n3")
	ctx := context.Background()
	cid := f.pin(t, cidA)

	// n2 drops out of the catalog, so can't be unpinned.
	f.cat.Remove("n2")

	err := f.p.Unpin(ctx, cidA)
	assert.ErrorIs(t, err, ErrNodesUnavailable)
	assert.Equal(t, tracker.Success, f.tasks.Query(cid))

	rec, err := f.store.Get(ctx, cid)
	require.NoError(t, err)
	assert.Equal(t, []api.NodeID{"n2"}, rec.Nodes)
	assert.Equal(t, []api.NodeID{"n2"}, f.op.PinnedOn(cid))

	// Once it's back, only n2 is unpinned.
	f.cat.Set("n2", api.NsOnline)
	before := len(f.op.Calls())
	require.NoError(t, f.p.Unpin(ctx, cidA))

	after := f.op.Calls()[before:]
	require.Len(t, after, 1)
	assert.Equal(t, api.NodeID("n2"), after[0].Node)
	assert.Empty(t, f.op.PinnedOn(cid))
}
