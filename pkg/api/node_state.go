package api

import "fmt"

// NodeState is the health classification of a storage node, as far as the
// catalog knows.
type NodeState uint8

const (
	NsUnknown NodeState = iota

	// Responding to probes. Preferred for new placements.
	NsOnline

	// Has failed some recent probes, but not enough to be written off. Can
	// still be given placements if there's nothing better.
	NsUnhealthy

	// Gone. Never a placement candidate.
	NsOffline
)

func (s NodeState) String() string {
	switch s {
	case NsUnknown:
		return "NsUnknown"
	case NsOnline:
		return "NsOnline"
	case NsUnhealthy:
		return "NsUnhealthy"
	case NsOffline:
		return "NsOffline"
	}

	return fmt.Sprintf("NodeState(%d)", uint8(s))
}
