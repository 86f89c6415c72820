package api

import "fmt"

// Candidate is a node which could be given a placement, along with its health
// at the moment it was read from the catalog.
type Candidate struct {
	Remote Remote
	State  NodeState
}

func (c Candidate) NodeID() NodeID {
	return c.Remote.NodeID()
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s(%s)", c.Remote.Ident, c.State)
}
