package catalog

import (
	"context"

	"github.com/adammck/pinner/pkg/api"
)

// NodeCatalog is the set of storage nodes which could be given placements.
// Implementations must return current information on every call; callers
// depend on that to avoid placing objects on nodes which just went away.
type NodeCatalog interface {

	// QueryAvailable returns every node which is not offline, except those in
	// exclude (which may be nil). The order is not meaningful.
	QueryAvailable(ctx context.Context, exclude map[api.NodeID]struct{}) ([]api.Candidate, error)
}

// Filter returns the candidates which are not excluded, and whose state is
// known and not offline. It's a helper for NodeCatalog implementations.
func Filter(cands []api.Candidate, exclude map[api.NodeID]struct{}) []api.Candidate {
	out := make([]api.Candidate, 0, len(cands))

	for _, c := range cands {
		if c.State == api.NsOffline || c.State == api.NsUnknown {
			continue
		}

		if _, ok := exclude[c.NodeID()]; ok {
			continue
		}

		out = append(out, c)
	}

	return out
}
