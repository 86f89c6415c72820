// Package persistertest checks that a Persister behaves like one. Each
// implementation's tests call Run with a constructor for an empty store.
package persistertest

import (
	"context"
	"testing"
	"time"

	"github.com/adammck/pinner/pkg/api"
	"github.com/adammck/pinner/pkg/persister"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Run(t *testing.T, newPersister func(t *testing.T) persister.Persister) {
	t.Run("GetMissing", func(t *testing.T) {
		p := newPersister(t)

		_, err := p.Get(context.Background(), "Qm404")
		assert.ErrorIs(t, err, persister.ErrNotFound)
	})

	t.Run("PutGet", func(t *testing.T) {
		p := newPersister(t)
		ctx := context.Background()
		now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

		rec := persister.Record{CID: "Qm123", Nodes: []api.NodeID{"a", "b"}, Updated: now}
		require.NoError(t, p.Put(ctx, rec))

		got, err := p.Get(ctx, "Qm123")
		require.NoError(t, err)
		assert.Equal(t, rec.CID, got.CID)
		assert.Equal(t, rec.Nodes, got.Nodes)
		assert.True(t, now.Equal(got.Updated))

		// Overwrite, having read the latest version.
		rec.Nodes = []api.NodeID{"a", "b", "c"}
		require.NoError(t, p.Put(ctx, rec))

		got, err = p.Get(ctx, "Qm123")
		require.NoError(t, err)
		assert.Equal(t, rec.Nodes, got.Nodes)
		assert.False(t, got.Partial)
	})

	t.Run("Partial", func(t *testing.T) {
		p := newPersister(t)
		ctx := context.Background()

		require.NoError(t, p.Put(ctx, persister.Record{CID: "Qm123", Nodes: []api.NodeID{"a"}, Partial: true}))

		got, err := p.Get(ctx, "Qm123")
		require.NoError(t, err)
		assert.True(t, got.Partial)

		recs, err := p.List(ctx)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.True(t, recs[0].Partial)
	})

	t.Run("Delete", func(t *testing.T) {
		p := newPersister(t)
		ctx := context.Background()

		require.NoError(t, p.Put(ctx, persister.Record{CID: "Qm123", Nodes: []api.NodeID{"a"}}))
		require.NoError(t, p.Delete(ctx, "Qm123"))

		_, err := p.Get(ctx, "Qm123")
		assert.ErrorIs(t, err, persister.ErrNotFound)

		// Again, for idempotence.
		require.NoError(t, p.Delete(ctx, "Qm123"))

		// And it can come back.
		require.NoError(t, p.Put(ctx, persister.Record{CID: "Qm123", Nodes: []api.NodeID{"b"}}))
		got, err := p.Get(ctx, "Qm123")
		require.NoError(t, err)
		assert.Equal(t, []api.NodeID{"b"}, got.Nodes)
	})

	t.Run("List", func(t *testing.T) {
		p := newPersister(t)
		ctx := context.Background()

		recs, err := p.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, recs)

		for _, c := range []api.CID{"Qm1", "Qm2", "Qm3"} {
			require.NoError(t, p.Put(ctx, persister.Record{CID: c, Nodes: []api.NodeID{"a"}}))
		}
		require.NoError(t, p.Delete(ctx, "Qm2"))

		recs, err = p.List(ctx)
		require.NoError(t, err)

		cids := []api.CID{}
		for _, r := range recs {
			cids = append(cids, r.CID)
		}
		assert.ElementsMatch(t, []api.CID{"Qm1", "Qm3"}, cids)
	})
}
