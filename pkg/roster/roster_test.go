package roster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adammck/pinner/pkg/api"
	"github.com/adammck/pinner/pkg/config"
	"github.com/adammck/pinner/pkg/test/fake_nodes"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/suite"
	hv1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/testing/protocmp"
)

type RosterSuite struct {
	suite.Suite
	ctx   context.Context
	cfg   config.Config
	nodes *fake_nodes.TestNodes
	rost  *Roster
}

func TestRosterSuite(t *testing.T) {
	suite.Run(t, new(RosterSuite))
}

func (ts *RosterSuite) SetupTest() {
	ts.ctx = context.Background()

	// Sensible defaults.
	ts.cfg = config.Default()
	ts.cfg.NodeExpireDuration = 1 * time.Hour // never
	ts.cfg.UnhealthyAfter = 1
	ts.cfg.OfflineAfter = 3

	// Empty by default.
	ts.nodes = fake_nodes.NewTestNodes()
}

func (ts *RosterSuite) TearDownTest() {
	if ts.rost != nil {
		ts.rost.Close()
	}
	ts.nodes.Close()
}

func (ts *RosterSuite) Init() {
	ts.rost = New(ts.cfg, ts.nodes.Discovery(), fake_nodes.ServiceName, nil)
	ts.rost.NodeConnFactory = ts.nodes.NodeConnFactory
}

func (ts *RosterSuite) states() map[string]api.NodeState {
	out := map[string]api.NodeState{}
	for _, c := range ts.rost.Candidates() {
		out[c.Remote.Ident] = c.State
	}
	return out
}

func (ts *RosterSuite) available(exclude map[api.NodeID]struct{}) []string {
	cands, err := ts.rost.QueryAvailable(ts.ctx, exclude)
	ts.Require().NoError(err)

	out := []string{}
	for _, c := range cands {
		out = append(out, c.Remote.Ident)
	}
	return out
}

func (ts *RosterSuite) TestNoNodes() {
	ts.Init()
	ts.NoError(ts.rost.Tick(ts.ctx))
	ts.Empty(ts.available(nil))
}

func (ts *RosterSuite) TestUnprobedNodesAreUnknown() {
	ts.nodes.Add("aaa")
	ts.Init()

	ts.NoError(ts.rost.discover(ts.ctx, time.Now()))
	ts.Equal(map[string]api.NodeState{"aaa": api.NsUnknown}, ts.states())
	ts.Empty(ts.available(nil))
}

func (ts *RosterSuite) TestHealthyNodesAreOnline() {
	ts.nodes.Add("aaa")
	ts.nodes.Add("bbb")
	ts.nodes.Add("ccc")
	ts.Init()

	ts.NoError(ts.rost.Tick(ts.ctx))
	ts.Equal([]string{"aaa", "bbb", "ccc"}, ts.available(nil))

	for _, c := range ts.rost.Candidates() {
		ts.Equal(api.NsOnline, c.State)
	}

	ts.Equal([]string{"aaa", "ccc"}, ts.available(map[api.NodeID]struct{}{"bbb": {}}))
}

func (ts *RosterSuite) TestClassification() {
	ts.nodes.Add("aaa")
	ts.nodes.Add("bbb")
	ts.Init()

	ts.NoError(ts.rost.Tick(ts.ctx))
	ts.nodes.Get("bbb").SetServing(false)

	// One failure is enough to be unhealthy. Unhealthy nodes are still
	// candidates, albeit less preferable ones.
	ts.NoError(ts.rost.Tick(ts.ctx))
	ts.Equal(map[string]api.NodeState{"aaa": api.NsOnline, "bbb": api.NsUnhealthy}, ts.states())
	ts.Equal([]string{"aaa", "bbb"}, ts.available(nil))

	ts.NoError(ts.rost.Tick(ts.ctx))
	ts.Equal(api.NsUnhealthy, ts.states()["bbb"])

	// Third strike.
	ts.NoError(ts.rost.Tick(ts.ctx))
	ts.Equal(api.NsOffline, ts.states()["bbb"])
	ts.Equal([]string{"aaa"}, ts.available(nil))

	// One good probe brings it right back.
	ts.nodes.Get("bbb").SetServing(true)
	ts.NoError(ts.rost.Tick(ts.ctx))
	ts.Equal(api.NsOnline, ts.states()["bbb"])
}

func (ts *RosterSuite) TestStoppedNodeGoesOffline() {
	ts.nodes.Add("aaa")
	ts.Init()

	ts.NoError(ts.rost.Tick(ts.ctx))
	ts.Equal(api.NsOnline, ts.states()["aaa"])

	ts.nodes.Get("aaa").Stop()

	for i := 0; i < ts.cfg.OfflineAfter; i++ {
		ts.NoError(ts.rost.Tick(ts.ctx))
	}

	ts.Equal(api.NsOffline, ts.states()["aaa"])
	ts.Empty(ts.available(nil))
}

func (ts *RosterSuite) TestExpire() {
	ts.cfg.NodeExpireDuration = 10 * time.Millisecond
	ts.nodes.Add("aaa")
	ts.nodes.Add("bbb")
	ts.Init()

	ts.NoError(ts.rost.Tick(ts.ctx))
	ts.Equal([]string{"aaa", "bbb"}, ts.available(nil))

	ts.nodes.Remove("aaa")
	time.Sleep(20 * time.Millisecond)

	ts.NoError(ts.rost.Tick(ts.ctx))
	ts.Equal([]string{"bbb"}, ts.available(nil))
	ts.Len(ts.rost.Candidates(), 1)
}

func (ts *RosterSuite) TestDiscoveryFailureKeepsNodes() {
	ts.nodes.Add("aaa")
	ts.Init()
	ts.NoError(ts.rost.Tick(ts.ctx))

	boom := errors.New("consul is down")
	ts.nodes.Discovery().SetError(boom)

	err := ts.rost.Tick(ts.ctx)
	ts.ErrorIs(err, boom)
	ts.Equal([]string{"aaa"}, ts.available(nil))
}

func (ts *RosterSuite) TestRun() {
	ts.cfg.ProbeInterval = 5 * time.Millisecond
	ts.nodes.Add("aaa")
	ts.Init()

	ctx, cancel := context.WithCancel(ts.ctx)
	done := make(chan struct{})
	go func() {
		ts.rost.Run(ctx)
		close(done)
	}()

	ts.Eventually(func() bool {
		cands, err := ts.rost.QueryAvailable(ts.ctx, nil)
		return err == nil && len(cands) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	// Run closes everything on the way out.
	ts.Empty(ts.rost.Candidates())
}

func (ts *RosterSuite) TestFakeNodeHealth() {
	rem := ts.nodes.Add("aaa")

	conn, err := ts.nodes.NodeConnFactory(ts.ctx, rem)
	ts.Require().NoError(err)
	defer conn.Close()

	res, err := hv1.NewHealthClient(conn).Check(ts.ctx, &hv1.HealthCheckRequest{})
	ts.Require().NoError(err)

	want := &hv1.HealthCheckResponse{Status: hv1.HealthCheckResponse_SERVING}
	if diff := cmp.Diff(want, res, protocmp.Transform()); diff != "" {
		ts.Failf("unexpected health response", "(-want +got):\n%s", diff)
	}
}
