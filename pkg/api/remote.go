package api

import (
	"fmt"
)

// Remote represents a storage node listening on some remote host and port.
// They're returned by discovery.
//
// Ident must be globally unique and stable within a pinner installation, since
// pin records refer to nodes by it. A node which is rescheduled onto another
// host keeps its ident (and hopefully its blocks).
type Remote struct {
	Ident string
	Host  string
	Port  int
}

// Addr returns an address which can be dialled to connect to the remote.
func (r Remote) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// NodeID returns the remote ident as a NodeID, since that's most often how it's
// used, though it isn't one.
func (r Remote) NodeID() NodeID {
	return NodeID(r.Ident)
}
