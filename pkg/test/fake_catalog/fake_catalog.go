package fake_catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/adammck/pinner/pkg/api"
	"github.com/adammck/pinner/pkg/catalog"
)

// Catalog is an in-memory NodeCatalog for tests. Nodes are named by ident,
// and are all reachable at host-<ident>:5001.
type Catalog struct {
	nodes map[api.NodeID]api.Candidate
	err   error

	// Number of times QueryAvailable was called.
	Queries int

	sync.Mutex
}

var _ catalog.NodeCatalog = (*Catalog)(nil)

func New(idents ...string) *Catalog {
	c := &Catalog{
		nodes: map[api.NodeID]api.Candidate{},
	}

	for _, id := range idents {
		c.Set(id, api.NsOnline)
	}

	return c
}

// Set adds or updates a node.
func (c *Catalog) Set(ident string, s api.NodeState) {
	c.Lock()
	defer c.Unlock()

	c.nodes[api.NodeID(ident)] = api.Candidate{
		Remote: api.Remote{
			Ident: ident,
			Host:  fmt.Sprintf("host-%s", ident),
			Port:  5001,
		},
		State: s,
	}
}

func (c *Catalog) Remove(ident string) {
	c.Lock()
	defer c.Unlock()
	delete(c.nodes, api.NodeID(ident))
}

// SetError makes every subsequent query fail with err, until cleared with nil.
func (c *Catalog) SetError(err error) {
	c.Lock()
	defer c.Unlock()
	c.err = err
}

func (c *Catalog) QueryAvailable(ctx context.Context, exclude map[api.NodeID]struct{}) ([]api.Candidate, error) {
	c.Lock()
	defer c.Unlock()

	c.Queries += 1

	if c.err != nil {
		return nil, c.err
	}

	all := make([]api.Candidate, 0, len(c.nodes))
	for _, cand := range c.nodes {
		all = append(all, cand)
	}

	// Stable output makes seeded random placement reproducible.
	sort.Slice(all, func(i, j int) bool {
		return all[i].Remote.Ident < all[j].Remote.Ident
	})

	return catalog.Filter(all, exclude), nil
}
