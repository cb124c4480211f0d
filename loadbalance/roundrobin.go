package loadbalance

import (
	"sync/atomic"

	"xbridge/registry"
)

// RoundRobinBalancer distributes connections evenly across all instances in
// order. Lock-free: an atomic counter is incremented on each Pick.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(instances []registry.ServiceInstance, _ string) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	index := (b.counter.Add(1) - 1) % uint64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
