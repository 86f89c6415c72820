package persister

import (
	"testing"

	"github.com/adammck/pinner/pkg/api"
	"github.com/stretchr/testify/assert"
)

func TestMerge(t *testing.T) {
	rec := Record{CID: "Qm123", Nodes: []api.NodeID{"c", "a"}}

	got := Merge(rec, []api.NodeID{"b", "a", "d"})
	assert.Equal(t, []api.NodeID{"a", "b", "c", "d"}, got.Nodes)
	assert.Equal(t, api.CID("Qm123"), got.CID)

	// Input is untouched.
	assert.Equal(t, []api.NodeID{"c", "a"}, rec.Nodes)

	assert.Equal(t, []api.NodeID{}, Merge(Record{}, nil).Nodes)
}
