package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeStateString(t *testing.T) {
	assert.Equal(t, "NsOnline", NsOnline.String())
	assert.Equal(t, "NsOffline", NsOffline.String())
	assert.Equal(t, "NodeState(99)", NodeState(99).String())
}

func TestParseCID(t *testing.T) {
	c, err := ParseCID("QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG")
	require.NoError(t, err)
	assert.Equal(t, CID("QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"), c)

	c, err = ParseCID("bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi")
	require.NoError(t, err)
	assert.Equal(t, "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi", c.String())

	_, err = ParseCID("")
	assert.Error(t, err)

	_, err = ParseCID("not-a-cid")
	assert.Error(t, err)
}

func TestRemote(t *testing.T) {
	r := Remote{Ident: "node-aaa", Host: "host-aaa", Port: 5001}
	assert.Equal(t, "host-aaa:5001", r.Addr())
	assert.Equal(t, NodeID("node-aaa"), r.NodeID())

	c := Candidate{Remote: r, State: NsUnhealthy}
	assert.Equal(t, "node-aaa(NsUnhealthy)", c.String())
}
