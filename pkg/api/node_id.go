package api

// NodeID is the unique identity of a storage node.
type NodeID string

const ZeroNodeID NodeID = ""

func (nID NodeID) String() string {
	return string(nID)
}
