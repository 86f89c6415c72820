package fake_nodes

import (
	"context"
	"fmt"
	"net"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/adammck/pinner/pkg/api"
	mockdisc "github.com/adammck/pinner/pkg/discovery/mock"
	"github.com/adammck/pinner/pkg/test/fake_node"
	"google.golang.org/grpc"
)

// ServiceName is the discovery name which test nodes are registered under.
const ServiceName = "ipfs"

type TestNodes struct {
	disc *mockdisc.MockDiscovery

	mu      sync.Mutex
	nodes   map[string]*fake_node.TestNode // ident
	closers []func()
}

func NewTestNodes() *TestNodes {
	return &TestNodes{
		disc:  mockdisc.New(),
		nodes: map[string]*fake_node.TestNode{},
	}
}

func (tn *TestNodes) Close() {
	tn.mu.Lock()
	defer tn.mu.Unlock()

	for _, f := range tn.closers {
		f()
	}
}

// Add starts a test node, serving the pin API over real HTTP (on localhost)
// and health checks over an in-memory gRPC listener, and adds it to discovery.
func (tn *TestNodes) Add(ident string) api.Remote {
	n := fake_node.NewTestNode(ident)
	hs := httptest.NewServer(n)

	host, sPort, err := net.SplitHostPort(hs.Listener.Addr().String())
	if err != nil {
		panic(err)
	}
	port, err := strconv.Atoi(sPort)
	if err != nil {
		panic(err)
	}

	rem := api.Remote{
		Ident: ident,
		Host:  host,
		Port:  port,
	}

	tn.mu.Lock()
	tn.nodes[ident] = n
	tn.closers = append(tn.closers, hs.Close, n.Stop)
	tn.mu.Unlock()

	tn.disc.Add(ServiceName, rem)
	return rem
}

// Remove drops the node from discovery. It keeps running.
func (tn *TestNodes) Remove(ident string) {
	tn.disc.Remove(ServiceName, ident)
}

func (tn *TestNodes) Get(ident string) *fake_node.TestNode {
	tn.mu.Lock()
	defer tn.mu.Unlock()

	n, ok := tn.nodes[ident]
	if !ok {
		panic(fmt.Sprintf("no such node: %s", ident))
	}

	return n
}

// Use this to stub out the Roster.
func (tn *TestNodes) NodeConnFactory(ctx context.Context, remote api.Remote) (*grpc.ClientConn, error) {
	tn.mu.Lock()
	n, ok := tn.nodes[remote.Ident]
	tn.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no such node: %v", remote.Ident)
	}

	return n.Conn()
}

func (tn *TestNodes) Discovery() *mockdisc.MockDiscovery {
	return tn.disc
}
