// Package roster keeps track of the storage nodes in the cluster, by polling
// service discovery for their addresses and probing each of them with the
// standard gRPC health check. It's the production NodeCatalog.
package roster

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/adammck/pinner/pkg/api"
	"github.com/adammck/pinner/pkg/catalog"
	"github.com/adammck/pinner/pkg/config"
	"github.com/adammck/pinner/pkg/discovery"
	"github.com/lthibault/jitterbug"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	hv1 "google.golang.org/grpc/health/grpc_health_v1"
	"pkt.systems/pslog"
)

// Maximum number of probes in flight at once.
const maxProbes = 16

type Roster struct {
	cfg     config.Config
	disc    discovery.Discoverable
	svcName string
	log     pslog.Logger

	// Exported so that tests can connect to fake nodes.
	NodeConnFactory func(ctx context.Context, remote api.Remote) (*grpc.ClientConn, error)

	// Node ident -> node
	nodes map[api.NodeID]*Node
	mu    sync.RWMutex

	// Ticks are not reentrant.
	tickMu sync.Mutex
}

var _ catalog.NodeCatalog = (*Roster)(nil)

func New(cfg config.Config, disc discovery.Discoverable, svcName string, log pslog.Logger) *Roster {
	if log == nil {
		log = pslog.NoopLogger()
	}

	return &Roster{
		cfg:             cfg,
		disc:            disc,
		svcName:         svcName,
		log:             log,
		NodeConnFactory: dial,
		nodes:           map[api.NodeID]*Node{},
	}
}

func dial(ctx context.Context, remote api.Remote) (*grpc.ClientConn, error) {
	return grpc.NewClient(remote.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// Tick pulls the node list from discovery, forgets any nodes which have been
// gone for too long, and probes everything which remains.
func (r *Roster) Tick(ctx context.Context) error {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	now := time.Now()

	// Keep going if discovery fails. Known nodes will expire eventually if it
	// never comes back, but can still be probed until then.
	err := r.discover(ctx, now)
	if err != nil {
		r.log.Warn("roster.discover.failed", "error", err)
	}

	r.expire(now)
	r.probe(ctx)

	return err
}

func (r *Roster) discover(ctx context.Context, now time.Time) error {
	res, err := r.disc.Get(ctx, r.svcName)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rem := range res {
		nID := rem.NodeID()
		n, ok := r.nodes[nID]

		// Same ident at a new address, presumably rescheduled. Start afresh.
		if ok && n.Remote != rem {
			r.log.Info("roster.node.moved", "node", nID.String(), "from", n.Addr(), "to", rem.Addr())
			r.drop(nID, n)
			ok = false
		}

		// New Node?
		if !ok {
			conn, err := r.NodeConnFactory(ctx, rem)
			if err != nil {
				r.log.Warn("roster.node.connect_failed", "node", nID.String(), "addr", rem.Addr(), "error", err)
				continue
			}

			n = NewNode(rem, conn)
			r.nodes[nID] = n
			r.log.Info("roster.node.added", "node", nID.String(), "addr", rem.Addr())
		}

		n.seen(now)
	}

	return nil
}

func (r *Roster) expire(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for nID, n := range r.nodes {
		if n.IsGoneFromServiceDiscovery(r.cfg.NodeExpireDuration, now) {
			r.log.Info("roster.node.expired", "node", nID.String())
			r.drop(nID, n)
		}
	}
}

// drop forgets the node and closes its connection. Caller must hold mu.
func (r *Roster) drop(nID api.NodeID, n *Node) {
	delete(r.nodes, nID)

	if err := n.conn.Close(); err != nil {
		r.log.Debug("roster.node.close_failed", "node", nID.String(), "error", err)
	}
}

func (r *Roster) probe(ctx context.Context) {
	r.mu.RLock()
	nodes := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n)
	}
	r.mu.RUnlock()

	g := errgroup.Group{}
	g.SetLimit(maxProbes)

	for _, n := range nodes {
		g.Go(func() error {
			r.probeOne(ctx, n)
			return nil
		})
	}

	_ = g.Wait()
}

// probeOne sends a health check to the node, and records whether it worked.
func (r *Roster) probeOne(ctx context.Context, n *Node) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	before := n.State(r.cfg)

	res, err := n.client.Check(ctx, &hv1.HealthCheckRequest{})
	ok := err == nil && res.GetStatus() == hv1.HealthCheckResponse_SERVING
	n.probed(ok, time.Now())

	if after := n.State(r.cfg); after != before {
		if err == nil {
			err = fmt.Errorf("status: %s", res.GetStatus())
		}

		if ok {
			r.log.Info("roster.node.state", "node", n.Ident().String(), "from", before.String(), "to", after.String())
		} else {
			r.log.Warn("roster.node.state", "node", n.Ident().String(), "from", before.String(), "to", after.String(), "error", err)
		}
	}
}

// QueryAvailable returns every probed node which isn't offline, sorted by
// ident. Nodes which haven't been probed yet aren't returned, since we know
// nothing about them.
func (r *Roster) QueryAvailable(ctx context.Context, exclude map[api.NodeID]struct{}) ([]api.Candidate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cands := make([]api.Candidate, 0, len(r.nodes))
	for _, n := range r.nodes {
		cands = append(cands, n.Candidate(r.cfg))
	}

	sort.Slice(cands, func(i, j int) bool {
		return cands[i].Remote.Ident < cands[j].Remote.Ident
	})

	return catalog.Filter(cands, exclude), nil
}

// Candidates returns every known node, including unprobed and offline ones,
// sorted by ident. It's for status pages and logs.
func (r *Roster) Candidates() []api.Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]api.Candidate, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.Candidate(r.cfg))
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Remote.Ident < out[j].Remote.Ident
	})

	return out
}

// Run ticks every ProbeInterval (give or take some jitter, so that many
// controllers don't probe in lockstep) until the context is cancelled, then
// closes every connection.
func (r *Roster) Run(ctx context.Context) {
	d := r.cfg.ProbeInterval
	t := jitterbug.New(d, &jitterbug.Norm{Stdev: d / 10})
	defer t.Stop()

	for {
		if err := r.Tick(ctx); err != nil {
			r.log.Debug("roster.tick.failed", "error", err)
		}

		select {
		case <-ctx.Done():
			r.Close()
			return
		case <-t.C:
		}
	}
}

func (r *Roster) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for nID, n := range r.nodes {
		r.drop(nID, n)
	}
}
