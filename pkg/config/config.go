package config

import (
	"fmt"
	"time"
)

// Config defines the behavior of the system. It's shared by all of the
// components wired together by pinnerd, so that (for example) the roster and
// the placement decider agree on what "unhealthy" means.
type Config struct {

	// How many nodes should each object be pinned to?
	Replication int

	// How long to wait for a single node to pin an object before giving up on
	// it and asking for a replacement. Zero means wait forever.
	OpTimeout time.Duration

	// How many replacement rounds a single replication may use before failing.
	// Zero means no limit; the decider running out of nodes is the only thing
	// that stops a replication from retrying.
	MaxAttempts int

	// How many times a node which failed to pin an object may be offered
	// again as a replacement for that same object. Zero means never; failed
	// nodes are excluded for the rest of the replication.
	NodeRetries int

	// How long should the roster wait for a node to reappear in discovery
	// before expiring it?
	NodeExpireDuration time.Duration

	// How often the roster probes every node.
	ProbeInterval time.Duration

	// How long a single probe may take.
	ProbeTimeout time.Duration

	// Consecutive failed probes before a node is considered unhealthy, and
	// then offline.
	UnhealthyAfter int
	OfflineAfter   int

	// Max number of tracked operations running at once. Zero means one
	// goroutine per operation.
	Workers int
}

// Default returns a config with sensible values for a small cluster.
func Default() Config {
	return Config{
		Replication:        3,
		OpTimeout:          30 * time.Second,
		MaxAttempts:        0,
		NodeRetries:        0,
		NodeExpireDuration: 10 * time.Second,
		ProbeInterval:      1 * time.Second,
		ProbeTimeout:       1 * time.Second,
		UnhealthyAfter:     1,
		OfflineAfter:       3,
		Workers:            0,
	}
}

func (c Config) Validate() error {
	if c.Replication < 1 {
		return fmt.Errorf("replication must be at least 1, got %d", c.Replication)
	}

	if c.MaxAttempts < 0 {
		return fmt.Errorf("max attempts must not be negative, got %d", c.MaxAttempts)
	}

	if c.UnhealthyAfter < 1 || c.OfflineAfter < c.UnhealthyAfter {
		return fmt.Errorf(
			"need 1 <= unhealthy-after <= offline-after, got %d and %d",
			c.UnhealthyAfter, c.OfflineAfter)
	}

	if c.ProbeInterval <= 0 || c.ProbeTimeout <= 0 {
		return fmt.Errorf(
			"probe interval and timeout must be positive, got %s and %s",
			c.ProbeInterval, c.ProbeTimeout)
	}

	if c.NodeRetries < 0 {
		return fmt.Errorf("node retries must not be negative, got %d", c.NodeRetries)
	}

	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}

	return nil
}
