// Package registry lets servers announce named xbridge services and lets
// clients discover them.
//
// Two implementations ship: EtcdRegistry for deployments with an etcd cluster
// and MemoryRegistry for a single process (tests, embedded use).
package registry

import (
	"context"
	"strings"
)

// Transports an instance may speak.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "ws"
)

// ServiceInstance is one announced endpoint of a named service.
type ServiceInstance struct {
	Addr      string `json:"addr"`
	Transport string `json:"transport,omitempty"` // tcp (default) or ws
	Weight    int    `json:"weight,omitempty"`    // load balancing weight, 0 counts as 1
	Version   string `json:"version,omitempty"`   // handshake protocol version
	Identity  string `json:"identity,omitempty"`  // identity hash of the serving peer
}

// Network returns the instance transport, defaulting to tcp.
func (i ServiceInstance) Network() string {
	if i.Transport == "" {
		return TransportTCP
	}
	return i.Transport
}

// Endpoint returns what the client dials: host:port for tcp, a URL for ws.
func (i ServiceInstance) Endpoint() string {
	if i.Network() == TransportWebSocket && !strings.Contains(i.Addr, "://") {
		return "ws://" + i.Addr
	}
	return i.Addr
}

type Registry interface {
	// Register announces instance under name for ttl seconds, renewed until
	// Deregister or Close.
	Register(ctx context.Context, name string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, name string, addr string) error
	Discover(ctx context.Context, name string) ([]ServiceInstance, error)

	// Watch emits the full instance list on every change until ctx ends.
	Watch(ctx context.Context, name string) <-chan []ServiceInstance

	Close() error
}
