package api

import (
	"fmt"

	"github.com/ipfs/go-cid"
)

// CID is a content identifier, in its canonical string form. It's a string
// rather than a cid.Cid so that it can be used as a map key and task key.
type CID string

const ZeroCID CID = ""

func (c CID) String() string {
	return string(c)
}

// ParseCID validates s and returns it as a CID. Both v0 (Qm...) and v1
// identifiers are accepted, and are returned as given.
func ParseCID(s string) (CID, error) {
	if s == "" {
		return ZeroCID, fmt.Errorf("empty cid")
	}

	if _, err := cid.Decode(s); err != nil {
		return ZeroCID, fmt.Errorf("invalid cid %q: %w", s, err)
	}

	return CID(s), nil
}
