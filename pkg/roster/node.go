package roster

import (
	"fmt"
	"sync"
	"time"

	"github.com/adammck/pinner/pkg/api"
	"github.com/adammck/pinner/pkg/config"
	"google.golang.org/grpc"
	hv1 "google.golang.org/grpc/health/grpc_health_v1"
)

type Node struct {
	Remote api.Remote

	// The gRPC connection to the actual remote node. Only used for health
	// checks; pins go over the node's own API.
	conn   *grpc.ClientConn
	client hv1.HealthClient

	// Everything below is guarded by mu.
	mu sync.RWMutex

	// When this node was last seen in service discovery. Doesn't necessarily
	// mean that it's actually alive, though.
	whenLastSeen time.Time

	// When this node last responded to a probe with SERVING. This means that
	// it's actually up and healthy enough to respond.
	whenLastProbed time.Time

	// Number of probes sent, and the number of consecutive probes which have
	// failed (by erroring, timing out, or reporting anything but SERVING).
	probes   int
	failures int
}

func NewNode(remote api.Remote, conn *grpc.ClientConn) *Node {
	return &Node{
		Remote:         remote,
		conn:           conn,
		client:         hv1.NewHealthClient(conn),
		whenLastSeen:   time.Time{}, // never
		whenLastProbed: time.Time{}, // never
	}
}

func (n *Node) Ident() api.NodeID {
	return n.Remote.NodeID()
}

func (n *Node) Addr() string {
	return n.Remote.Addr()
}

func (n *Node) String() string {
	return fmt.Sprintf("N{%s}", n.Ident())
}

func (n *Node) seen(t time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.whenLastSeen = t
}

// IsGoneFromServiceDiscovery returns true if this node hasn't been returned by
// service discovery for at least d.
func (n *Node) IsGoneFromServiceDiscovery(d time.Duration, now time.Time) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.whenLastSeen.Before(now.Add(-d))
}

func (n *Node) probed(ok bool, t time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.probes += 1

	if ok {
		n.failures = 0
		n.whenLastProbed = t
		return
	}

	n.failures += 1
}

// State classifies the node by its recent probes. A node which has never been
// probed is NsUnknown. A few failed probes in a row make a node unhealthy, and
// a few more make it offline; a single good probe brings it back.
func (n *Node) State(cfg config.Config) api.NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()

	switch {
	case n.probes == 0:
		return api.NsUnknown
	case n.failures >= cfg.OfflineAfter:
		return api.NsOffline
	case n.failures >= cfg.UnhealthyAfter:
		return api.NsUnhealthy
	default:
		return api.NsOnline
	}
}

func (n *Node) Candidate(cfg config.Config) api.Candidate {
	return api.Candidate{
		Remote: n.Remote,
		State:  n.State(cfg),
	}
}
