package consul

import (
	"context"
	"testing"

	"github.com/adammck/pinner/pkg/api"
	"github.com/adammck/pinner/pkg/test/fake_consul"
	consulapi "github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

func TestGetIdent(t *testing.T) {
	for addr, want := range map[string]string{
		":5000":          "5000",
		"localhost:5000": "5000",
		"127.0.0.1:5000": "5000",
		"pinner-a:5000":  "pinner-a:5000",
	} {
		got, err := getIdent(addr)
		if assert.NoError(t, err, addr) {
			assert.Equal(t, want, got, addr)
		}
	}

	_, err := getIdent("nope")
	assert.Error(t, err)
}

func TestGet(t *testing.T) {
	fc := fake_consul.New(t)
	fc.AddService("ipfs", "node-a", "10.0.0.1", 5001, consulapi.HealthPassing)
	fc.AddService("ipfs", "node-b", "10.0.0.2", 5001, consulapi.HealthCritical)
	fc.AddService("other", "x", "10.0.0.3", 80, consulapi.HealthPassing)

	d, err := New("pinner", "pinner-a:5000", fc.Client(t), nil)
	require.NoError(t, err)

	rems, err := d.Get(context.Background(), "ipfs")
	require.NoError(t, err)
	assert.Equal(t, []api.Remote{
		{Ident: "node-a", Host: "10.0.0.1", Port: 5001},
		{Ident: "node-b", Host: "10.0.0.2", Port: 5001},
	}, rems)

	rems, err = d.Get(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Empty(t, rems)
}

func TestStartStop(t *testing.T) {
	fc := fake_consul.New(t)
	srv := grpc.NewServer()
	defer srv.Stop()

	d, err := New("pinner", "pinner-a:5000", fc.Client(t), srv)
	require.NoError(t, err)
	assert.Equal(t, "pinner-a:5000", d.Ident())

	require.NoError(t, d.Start())
	assert.True(t, fc.HasService("pinner-a:5000"))

	rems, err := d.Get(context.Background(), "pinner")
	require.NoError(t, err)
	assert.Equal(t, []api.Remote{{Ident: "pinner-a:5000", Host: "pinner-a", Port: 5000}}, rems)

	require.NoError(t, d.Stop())
	assert.False(t, fc.HasService("pinner-a:5000"))
}
