// Package persister stores the authoritative record of which nodes each object
// is pinned to. The tracker forgets everything when the process restarts; the
// persister doesn't.
package persister

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/adammck/pinner/pkg/api"
)

// ErrNotFound is returned by Get when there's no record for the cid.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned by Put when the record was changed by someone else
// since it was last read. Read it again and retry.
var ErrConflict = errors.New("record modified concurrently")

// Record is the persisted state of one pinned object.
type Record struct {
	CID     api.CID      `json:"cid"`
	Nodes   []api.NodeID `json:"nodes"`
	Updated time.Time    `json:"updated"`

	// Partial records are what's left of a pin which failed: the nodes might
	// have the object, but it isn't pinned.
	Partial bool `json:"partial,omitempty"`
}

type Persister interface {

	// Get returns the record for the cid, or ErrNotFound.
	Get(ctx context.Context, cid api.CID) (Record, error)

	// Put creates or replaces the record.
	Put(ctx context.Context, rec Record) error

	// Delete removes the record. Deleting a record which doesn't exist is not
	// an error.
	Delete(ctx context.Context, cid api.CID) error

	// List returns every record, in no particular order. It's called at
	// startup, to warm the tracker.
	List(ctx context.Context) ([]Record, error)
}

// Merge returns a copy of rec with the given nodes added, sorted and without
// duplicates.
func Merge(rec Record, nodes []api.NodeID) Record {
	seen := map[api.NodeID]struct{}{}
	out := []api.NodeID{}

	for _, ns := range [][]api.NodeID{rec.Nodes, nodes} {
		for _, nID := range ns {
			if _, ok := seen[nID]; ok {
				continue
			}
			seen[nID] = struct{}{}
			out = append(out, nID)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i] < out[j]
	})

	rec.Nodes = out
	return rec
}
