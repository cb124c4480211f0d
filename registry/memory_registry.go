package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// MemoryRegistry keeps instances in process memory. TTLs are ignored:
// instances stay until deregistered.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]ServiceInstance
	watchers map[string][]chan []ServiceInstance
	closed   bool
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: map[string]map[string]ServiceInstance{},
		watchers: map[string][]chan []ServiceInstance{},
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, name string, instance ServiceInstance, ttl int64) error {
	if instance.Addr == "" {
		return errors.New("Instance address is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("Registry is closed")
	}
	if r.services[name] == nil {
		r.services[name] = map[string]ServiceInstance{}
	}
	r.services[name][instance.Addr] = instance
	r.notify(name)
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, name string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services[name], addr)
	r.notify(name)
	return nil
}

func (r *MemoryRegistry) Discover(ctx context.Context, name string) ([]ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(name), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, name string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	r.mu.Lock()
	r.watchers[name] = append(r.watchers[name], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		watchers := r.watchers[name]
		for i, w := range watchers {
			if w == ch {
				r.watchers[name] = append(watchers[:i], watchers[i+1:]...)
				close(ch)
				break
			}
		}
	}()
	return ch
}

func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.services = map[string]map[string]ServiceInstance{}
	return nil
}

// list returns instances sorted by address. Callers hold mu.
func (r *MemoryRegistry) list(name string) []ServiceInstance {
	instances := make([]ServiceInstance, 0, len(r.services[name]))
	for _, instance := range r.services[name] {
		instances = append(instances, instance)
	}
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].Addr < instances[j].Addr
	})
	return instances
}

// notify hands the latest list to every watcher, replacing an unread one.
// Callers hold mu.
func (r *MemoryRegistry) notify(name string) {
	instances := r.list(name)
	for _, ch := range r.watchers[name] {
		select {
		case <-ch:
		default:
		}
		ch <- instances
	}
}
