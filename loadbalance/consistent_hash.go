package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"xbridge/registry"
)

// ConsistentHashBalancer maps keys to instances using a hash ring. The same
// key always maps to the same instance until the ring changes, and adding or
// removing an instance only moves the keys of its neighbours.
//
// Each real instance is placed on the ring as many virtual nodes; without
// them a few instances could cluster together and share the load unevenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int // virtual nodes per real instance

	mu    sync.RWMutex
	ring  []uint32                             // sorted hash values
	nodes map[uint32]*registry.ServiceInstance // hash value → instance
	addrs map[string]bool
	sig   string // instance set the ring was built from, see Pick
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per
// instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    map[uint32]*registry.ServiceInstance{},
		addrs:    map[string]bool{},
	}
}

// Add places an instance onto the ring. Adding an address twice is a no-op.
func (b *ConsistentHashBalancer) Add(instance *registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(instance)
	b.sig = ""
}

func (b *ConsistentHashBalancer) add(instance *registry.ServiceInstance) {
	if b.addrs[instance.Addr] {
		return
	}
	b.addrs[instance.Addr] = true
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	// keep the ring sorted for the binary search in Get
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Remove takes an instance off the ring.
func (b *ConsistentHashBalancer) Remove(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.addrs[addr] {
		return
	}
	delete(b.addrs, addr)
	ring := b.ring[:0]
	for _, hash := range b.ring {
		if b.nodes[hash].Addr == addr {
			delete(b.nodes, hash)
			continue
		}
		ring = append(ring, hash)
	}
	b.ring = ring
	b.sig = ""
}

// Get finds the instance responsible for key: the first node clockwise from
// the key's hash, wrapping around past the largest.
func (b *ConsistentHashBalancer) Get(key string) (*registry.ServiceInstance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.get(key)
}

func (b *ConsistentHashBalancer) get(key string) (*registry.ServiceInstance, error) {
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

// Pick implements Balancer. The ring is rebuilt when the discovered instance
// set differs from the one it was built from.
func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	addrs := make([]string, len(instances))
	for i, instance := range instances {
		addrs[i] = instance.Addr
	}
	sort.Strings(addrs)
	sig := strings.Join(addrs, ",")

	b.mu.Lock()
	defer b.mu.Unlock()
	if sig != b.sig {
		b.ring = b.ring[:0]
		b.nodes = map[uint32]*registry.ServiceInstance{}
		b.addrs = map[string]bool{}
		for i := range instances {
			instance := instances[i]
			b.add(&instance)
		}
		b.sig = sig
	}
	return b.get(key)
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
