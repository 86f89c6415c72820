// Package fake_node is a storage node for tests. It speaks just enough of the
// IPFS pin API (over HTTP) to be pinned to and unpinned from, and answers the
// standard gRPC health check (over an in-memory listener) like a real node.
package fake_node

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	hv1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

type TestNode struct {
	Ident string

	srv      *grpc.Server
	hs       *health.Server
	listener *bufconn.Listener

	mu sync.Mutex

	// cid -> pinned
	pins map[string]struct{}

	// Number of upcoming pin requests which should fail with a 500.
	failPins int

	// Every request received, like "add Qm..." or "rm Qm...".
	requests []string
}

func NewTestNode(ident string) *TestNode {
	n := &TestNode{
		Ident:    ident,
		srv:      grpc.NewServer(),
		hs:       health.NewServer(),
		listener: bufconn.Listen(1024 * 1024),
		pins:     map[string]struct{}{},
	}

	hv1.RegisterHealthServer(n.srv, n.hs)
	n.hs.SetServingStatus("", hv1.HealthCheckResponse_SERVING)

	go func() {
		// Returns an error after Stop, which is fine.
		_ = n.srv.Serve(n.listener)
	}()

	return n
}

// Conn returns a new gRPC client connection to this node's health server.
func (n *TestNode) Conn() (*grpc.ClientConn, error) {
	return grpc.NewClient("passthrough:///"+n.Ident,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return n.listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
}

func (n *TestNode) Stop() {
	n.srv.Stop()
}

// SetServing changes what the health check reports.
func (n *TestNode) SetServing(ok bool) {
	s := hv1.HealthCheckResponse_SERVING
	if !ok {
		s = hv1.HealthCheckResponse_NOT_SERVING
	}

	n.hs.SetServingStatus("", s)
}

// FailPins makes the next k pin requests fail.
func (n *TestNode) FailPins(k int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failPins = k
}

// Pinned returns the sorted cids currently pinned.
func (n *TestNode) Pinned() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]string, 0, len(n.pins))
	for c := range n.pins {
		out = append(out, c)
	}
	sort.Strings(out)

	return out
}

// Requests returns every pin request received so far.
func (n *TestNode) Requests() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]string, len(n.requests))
	copy(out, n.requests)
	return out
}

type ipfsError struct {
	Message string
	Code    int
	Type    string
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusInternalServerError, ipfsError{Message: msg, Type: "error"})
}

// ServeHTTP implements the pin/add and pin/rm endpoints of the IPFS RPC API.
func (n *TestNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	arg := r.URL.Query().Get("arg")
	if arg == "" {
		writeError(w, "argument \"ipfs-path\" is required")
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	switch r.URL.Path {
	case "/api/v0/pin/add":
		n.requests = append(n.requests, "add "+arg)

		if n.failPins > 0 {
			n.failPins -= 1
			writeError(w, fmt.Sprintf("injected failure (node=%s)", n.Ident))
			return
		}

		n.pins[arg] = struct{}{}
		writeJSON(w, http.StatusOK, map[string][]string{"Pins": {arg}})

	case "/api/v0/pin/rm":
		n.requests = append(n.requests, "rm "+arg)

		if _, ok := n.pins[arg]; !ok {
			writeError(w, "not pinned or pinned indirectly")
			return
		}

		delete(n.pins, arg)
		writeJSON(w, http.StatusOK, map[string][]string{"Pins": {arg}})

	default:
		http.NotFound(w, r)
	}
}
