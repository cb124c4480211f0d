package registry

// EtcdRegistry stores instances in etcd, a strongly consistent key-value store
// used here as a distributed phonebook:
//
//	Key:   /xbridge/{name}/{addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL leases: if the server dies the lease expires and the
// entry disappears, so clients never dial ghost instances.

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/xbridge/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]registration // by key
}

type registration struct {
	lease  clientv3.LeaseID
	cancel context.CancelFunc // stops the keepalive
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create etcd client")
	}
	return &EtcdRegistry{
		client: c,
		logger: logger.Named("registry"),
		leases: map[string]registration{},
	}, nil
}

func serviceKey(name, addr string) string {
	return keyPrefix + name + "/" + addr
}

func servicePrefix(name string) string {
	return keyPrefix + name + "/"
}

// Register puts the instance under a lease of ttl seconds and keeps the lease
// alive in the background.
//
// The lease is tracked per key, not on the struct, so several servers can
// share one EtcdRegistry.
func (r *EtcdRegistry) Register(ctx context.Context, name string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Wrap(err, "Failed to grant lease")
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return errors.Wrap(err, "Failed to encode instance")
	}

	key := serviceKey(name, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Wrapf(err, "Failed to put %s", key)
	}

	// the keepalive outlives the registering request
	keepCtx, cancel := context.WithCancel(context.Background())
	responses, err := r.client.KeepAlive(keepCtx, lease.ID)
	if err != nil {
		cancel()
		return errors.Wrap(err, "Failed to keep lease alive")
	}

	r.mu.Lock()
	if prev, ok := r.leases[key]; ok {
		prev.cancel()
	}
	r.leases[key] = registration{lease: lease.ID, cancel: cancel}
	r.mu.Unlock()

	// drain responses so the keepalive channel never fills up
	go func() {
		for range responses {
		}
		r.logger.Debug("Lease keepalive stopped", zap.String("key", key))
	}()

	r.logger.Debug("Registered instance", zap.String("key", key), zap.Int64("ttl", ttl))
	return nil
}

// Deregister removes an instance and revokes its lease. Servers call it
// during graceful shutdown, before closing their listener.
func (r *EtcdRegistry) Deregister(ctx context.Context, name string, addr string) error {
	key := serviceKey(name, addr)

	r.mu.Lock()
	reg, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		reg.cancel()
		if _, err := r.client.Revoke(ctx, reg.lease); err != nil {
			r.logger.Debug("Failed to revoke lease", zap.String("key", key), zap.Error(err))
		}
	}
	if _, err := r.client.Delete(ctx, key); err != nil {
		return errors.Wrapf(err, "Failed to delete %s", key)
	}
	return nil
}

// Discover returns all currently registered instances of a service.
func (r *EtcdRegistry) Discover(ctx context.Context, name string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, servicePrefix(name), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to list %s", name)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("Skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch uses etcd's server-push watch on the service prefix and re-reads the
// full list on every change, which is simpler than applying single events.
func (r *EtcdRegistry) Watch(ctx context.Context, name string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, servicePrefix(name), clientv3.WithPrefix()) {
			instances, err := r.Discover(ctx, name)
			if err != nil {
				r.logger.Warn("Failed to refresh instances", zap.String("name", name), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close stops all keepalives and the etcd client. Leases then expire on
// their own.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, reg := range r.leases {
		reg.cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
