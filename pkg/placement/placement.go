package placement

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/adammck/pinner/pkg/api"
	"github.com/adammck/pinner/pkg/catalog"
)

// ErrClusterUnhealthy is returned when there are no eligible nodes left to
// place an object on.
var ErrClusterUnhealthy = errors.New("cluster unhealthy: no candidates available")

// Decider chooses which nodes an object should be placed on.
type Decider interface {

	// Initial returns the nodes which a new object should be placed on.
	Initial(ctx context.Context, cid api.CID) ([]api.Candidate, error)

	// Replacement returns up to n nodes to try instead of some which failed.
	// Nodes in exclude (which have already failed, or already have the
	// object, or are still being tried) are never returned.
	Replacement(ctx context.Context, cid api.CID, exclude map[api.NodeID]struct{}, n int) ([]api.Candidate, error)
}

// Random is a Decider which picks nodes at random, preferring online nodes to
// unhealthy ones. It reads the catalog on every call.
type Random struct {
	cat         catalog.NodeCatalog
	replication int

	rnd   *rand.Rand
	rndMu sync.Mutex
}

var _ Decider = (*Random)(nil)

func NewRandom(cat catalog.NodeCatalog, replication int) *Random {
	return NewRandomWithSource(cat, replication, rand.NewSource(time.Now().UnixNano()))
}

// NewRandomWithSource is NewRandom with a specific random source, so that
// tests can get the same placements every time.
func NewRandomWithSource(cat catalog.NodeCatalog, replication int, src rand.Source) *Random {
	return &Random{
		cat:         cat,
		replication: replication,
		rnd:         rand.New(src),
	}
}

func (d *Random) Initial(ctx context.Context, cid api.CID) ([]api.Candidate, error) {
	return d.pick(ctx, cid, nil, d.replication)
}

func (d *Random) Replacement(ctx context.Context, cid api.CID, exclude map[api.NodeID]struct{}, n int) ([]api.Candidate, error) {
	return d.pick(ctx, cid, exclude, n)
}

func (d *Random) pick(ctx context.Context, cid api.CID, exclude map[api.NodeID]struct{}, n int) ([]api.Candidate, error) {
	cands, err := d.cat.QueryAvailable(ctx, exclude)
	if err != nil {
		return nil, fmt.Errorf("querying catalog: %w", err)
	}

	// The catalog shouldn't return these, but it's cheap to be sure.
	cands = catalog.Filter(cands, exclude)

	if len(cands) == 0 || n < 1 {
		return nil, fmt.Errorf("%w (cid=%s, excluded=%d)", ErrClusterUnhealthy, cid, len(exclude))
	}

	online := []api.Candidate{}
	unhealthy := []api.Candidate{}
	for _, c := range cands {
		if c.State == api.NsOnline {
			online = append(online, c)
		} else {
			unhealthy = append(unhealthy, c)
		}
	}

	d.shuffle(online)
	d.shuffle(unhealthy)

	out := append(online, unhealthy...)
	if len(out) > n {
		out = out[:n]
	}

	return out, nil
}

func (d *Random) shuffle(cands []api.Candidate) {
	d.rndMu.Lock()
	defer d.rndMu.Unlock()

	d.rnd.Shuffle(len(cands), func(i, j int) {
		cands[i], cands[j] = cands[j], cands[i]
	})
}
