package discovery

import (
	"context"

	"github.com/adammck/pinner/pkg/api"
)

// Discoverable is an interface to make oneself discoverable (by name), and
// discovering other services by name.
//
// This is not a general-purpose service discovery interface! This is just the
// specific thing that pinner needs, to avoid letting Consul details get all
// over the place.
type Discoverable interface {
	Start() error
	Stop() error

	// Get returns every instance of the named service. It doesn't care about
	// their health; callers probe for themselves.
	Get(ctx context.Context, name string) ([]api.Remote, error)
}
