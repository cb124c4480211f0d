// Package loadbalance picks which instance of a discovered service a client
// connects to.
//
// Three strategies are implemented:
//   - RoundRobin:      instances of equal capacity
//   - WeightedRandom:  heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  stateful services; the same key (e.g. a session id)
//     lands on the same instance, so a session is resumed where it was
//     suspended
package loadbalance

import (
	"xbridge/registry"
	"xbridge/rpcerr"

	"github.com/pkg/errors"
)

// ErrNoInstances is returned when a service has no announced instance.
var ErrNoInstances = errors.Wrap(rpcerr.ErrServiceNotFound, "no instances available")

// Balancer is the interface for load balancing strategies.
type Balancer interface {
	// Pick selects one instance. key is the affinity key; strategies that
	// do not use affinity ignore it. Must be goroutine-safe.
	Pick(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer for a strategy name as used in configuration.
func New(strategy string) (Balancer, error) {
	switch strategy {
	case "", "round-robin":
		return &RoundRobinBalancer{}, nil
	case "weighted-random":
		return &WeightedRandomBalancer{}, nil
	case "consistent-hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, errors.Errorf("Unknown balancing strategy %q", strategy)
}
