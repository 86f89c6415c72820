package nodeop

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/adammck/pinner/pkg/api"
	"github.com/adammck/pinner/pkg/test/fake_node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cid = api.CID("QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG")

func remoteFor(t *testing.T, srv *httptest.Server) api.Remote {
	host, sPort, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(sPort)
	require.NoError(t, err)

	return api.Remote{Ident: "test-aaa", Host: host, Port: port}
}

func setup(t *testing.T) (*fake_node.TestNode, api.Remote) {
	n := fake_node.NewTestNode("test-aaa")
	t.Cleanup(n.Stop)

	srv := httptest.NewServer(n)
	t.Cleanup(srv.Close)

	return n, remoteFor(t, srv)
}

func TestPinUnpin(t *testing.T) {
	n, rem := setup(t)
	c := New()
	ctx := context.Background()

	require.NoError(t, c.Pin(ctx, rem, cid))
	assert.Equal(t, []string{cid.String()}, n.Pinned())

	// Idempotent.
	require.NoError(t, c.Pin(ctx, rem, cid))
	assert.Equal(t, []string{cid.String()}, n.Pinned())

	require.NoError(t, c.Unpin(ctx, rem, cid))
	assert.Empty(t, n.Pinned())

	// Also idempotent, even though the node complains.
	require.NoError(t, c.Unpin(ctx, rem, cid))

	assert.Equal(t, []string{
		"add " + cid.String(),
		"add " + cid.String(),
		"rm " + cid.String(),
		"rm " + cid.String(),
	}, n.Requests())
}

func TestPinFailure(t *testing.T) {
	n, rem := setup(t)
	n.FailPins(1)

	err := New().Pin(context.Background(), rem, cid)
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "test-aaa", se.Node)
	assert.Equal(t, http.StatusInternalServerError, se.Code)
	assert.Equal(t, "injected failure (node=test-aaa)", se.Message)
	assert.Empty(t, n.Pinned())
}

func TestPlainTextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := New().Pin(context.Background(), remoteFor(t, srv), cid)
	assert.EqualError(t, err, "node test-aaa returned 502: bad gateway")
}

func TestUnreachable(t *testing.T) {
	rem := api.Remote{Ident: "test-zzz", Host: "127.0.0.1", Port: 1}

	err := New().Pin(context.Background(), rem, cid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pin/add on test-zzz")
}

func TestContextCancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := New().Pin(ctx, remoteFor(t, srv), cid)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
