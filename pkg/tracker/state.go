package tracker

import "fmt"

// State is the best-known state of a tracked task.
type State uint8

const (

	// Never launched, or revoked since. Also returned for keys which the
	// tracker has simply never heard of.
	NotFound State = iota

	// An operation is in flight.
	Working

	// Sticky. Only a successful revoke can move a key out of this state.
	Success

	// The last operation returned an error (or panicked). The next launch
	// supersedes this.
	Failed

	// A revoke operation is running. New launches are dropped until it
	// finishes.
	Revoking
)

func (s State) String() string {
	switch s {
	case NotFound:
		return "NotFound"
	case Working:
		return "Working"
	case Success:
		return "Success"
	case Failed:
		return "Failed"
	case Revoking:
		return "Revoking"
	}

	return fmt.Sprintf("State(%d)", uint8(s))
}
