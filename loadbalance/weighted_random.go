package loadbalance

import (
	"math/rand"

	"xbridge/registry"
)

// WeightedRandomBalancer picks instances with probability proportional to
// their weight. Instances without a weight count as 1.
type WeightedRandomBalancer struct{}

func weight(instance registry.ServiceInstance) int {
	if instance.Weight <= 0 {
		return 1
	}
	return instance.Weight
}

func (b *WeightedRandomBalancer) Pick(instances []registry.ServiceInstance, _ string) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	// total weight
	totalWeight := 0
	for _, v := range instances {
		totalWeight += weight(v)
	}

	// random number in [0, totalWeight)
	r := rand.Intn(totalWeight)
	for i := range instances {
		r -= weight(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
