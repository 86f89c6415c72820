package replicate

import (
	"sort"

	"github.com/adammck/pinner/pkg/api"
	"github.com/google/uuid"
)

// attempt is the bookkeeping for a single call to Replicate. It's only
// touched by the goroutine running Replicate, so needs no locking.
type attempt struct {
	id  string
	cid api.CID

	pending   map[api.NodeID]api.Candidate
	confirmed map[api.NodeID]struct{}

	// node -> number of failed pins during this attempt
	failed map[api.NodeID]int

	// Number of replacement rounds so far.
	rounds int
}

func newAttempt(cid api.CID) *attempt {
	return &attempt{
		id:        uuid.NewString(),
		cid:       cid,
		pending:   map[api.NodeID]api.Candidate{},
		confirmed: map[api.NodeID]struct{}{},
		failed:    map[api.NodeID]int{},
	}
}

// exclude returns the nodes which must not be offered as replacements:
// everything confirmed or pending, and anything which has failed more than
// retries times.
func (a *attempt) exclude(retries int) map[api.NodeID]struct{} {
	ex := make(map[api.NodeID]struct{}, len(a.pending)+len(a.confirmed)+len(a.failed))

	for nID := range a.pending {
		ex[nID] = struct{}{}
	}

	for nID := range a.confirmed {
		ex[nID] = struct{}{}
	}

	for nID, n := range a.failed {
		if n > retries {
			ex[nID] = struct{}{}
		}
	}

	return ex
}

func (a *attempt) confirmedList() []api.NodeID {
	out := make([]api.NodeID, 0, len(a.confirmed))
	for nID := range a.confirmed {
		out = append(out, nID)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i] < out[j]
	})

	return out
}
