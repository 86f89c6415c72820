package consul

import (
	"context"
	"testing"

	"github.com/adammck/pinner/pkg/api"
	"github.com/adammck/pinner/pkg/test/fake_consul"
	consulapi "github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryAvailable(t *testing.T) {
	fc := fake_consul.New(t)
	fc.AddService("ipfs", "node-a", "10.0.0.1", 5001, consulapi.HealthPassing)
	fc.AddService("ipfs", "node-b", "10.0.0.2", 5001, consulapi.HealthWarning)
	fc.AddService("ipfs", "node-c", "10.0.0.3", 5001, consulapi.HealthCritical)
	fc.AddService("other", "x", "10.0.0.9", 80, consulapi.HealthPassing)

	cat := New(fc.Client(t), "ipfs")
	ctx := context.Background()

	cands, err := cat.QueryAvailable(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []api.Candidate{
		{Remote: api.Remote{Ident: "node-a", Host: "10.0.0.1", Port: 5001}, State: api.NsOnline},
		{Remote: api.Remote{Ident: "node-b", Host: "10.0.0.2", Port: 5001}, State: api.NsUnhealthy},
	}, cands)

	cands, err = cat.QueryAvailable(ctx, map[api.NodeID]struct{}{"node-a": {}})
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "node-b", cands[0].Remote.Ident)

	// Never cached.
	fc.SetStatus("node-c", consulapi.HealthPassing)
	cands, err = cat.QueryAvailable(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, cands, 3)
}

func TestQueryAvailableSkipsUnknown(t *testing.T) {
	fc := fake_consul.New(t)
	fc.AddService("ipfs", "node-a", "10.0.0.1", 5001, consulapi.HealthPassing)
	fc.AddService("ipfs", "node-b", "10.0.0.2", 5001, "weird")

	cat := New(fc.Client(t), "ipfs")

	cands, err := cat.QueryAvailable(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "node-a", cands[0].Remote.Ident)
}

func TestStateFromHealth(t *testing.T) {
	assert.Equal(t, api.NsOnline, stateFromHealth(consulapi.HealthPassing))
	assert.Equal(t, api.NsUnhealthy, stateFromHealth(consulapi.HealthWarning))
	assert.Equal(t, api.NsOffline, stateFromHealth(consulapi.HealthCritical))
	assert.Equal(t, api.NsOffline, stateFromHealth(consulapi.HealthMaint))
	assert.Equal(t, api.NsUnknown, stateFromHealth("weird"))
}
