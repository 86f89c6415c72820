package replicate

import (
	"errors"
	"fmt"

	"github.com/adammck/pinner/pkg/api"
)

// ErrTooManyAttempts is returned (wrapped in a ClusterError) when a
// replication used up its replacement rounds.
var ErrTooManyAttempts = errors.New("too many attempts")

// ClusterError is returned by Replicate when the replication can't continue,
// usually because the decider ran out of nodes. Confirmed holds the nodes
// which did pin the object before things fell apart; the caller must decide
// whether to accept that or clean them up.
type ClusterError struct {
	CID       api.CID
	Confirmed []api.NodeID
	Err       error
}

func (e *ClusterError) Error() string {
	return fmt.Sprintf("replicate failed (cid=%s, confirmed=%d): %v", e.CID, len(e.Confirmed), e.Err)
}

func (e *ClusterError) Unwrap() error {
	return e.Err
}
