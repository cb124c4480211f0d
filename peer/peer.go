// Package peer implements the bootstrap service every xbridge peer exposes as
// object 0. Its one method, getService, turns a service name into a remote
// object handle; all further calls go to that object.
//
// How names map to services is up to the deployment: the channel only sees a
// Locator. Registry is the usual implementation, built once per process and
// passed in explicitly.
//
//go:generate xbgen -o peer.xb.go peer.xb
package peer

import (
	"context"
	"sort"
	"sync"

	"xbridge/channel"
	"xbridge/codec"
	"xbridge/idl"
	"xbridge/rpcerr"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ServiceName is the well-known name of the bootstrap service.
const ServiceName = "peer"

// Locator resolves a service name to a local service.
type Locator interface {
	Locate(ctx context.Context, name string) (channel.Service, error)
}

// Factory builds the service returned for one getService call. Returning a
// fresh object per call gives every caller its own state.
type Factory func(ctx context.Context) (channel.Service, error)

// Registry is a Locator over a fixed set of named factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds a named factory. Names are unique.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" || name == ServiceName {
		return errors.Errorf("Invalid service name %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return errors.Errorf("Service %q is already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// RegisterService adds a service shared by all callers.
func (r *Registry) RegisterService(name string, svc channel.Service) error {
	return r.Register(name, func(context.Context) (channel.Service, error) {
		return svc, nil
	})
}

// Names returns the registered names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Locate(ctx context.Context, name string) (channel.Service, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(rpcerr.ErrServiceNotFound, "no service named %q", name)
	}
	return factory(ctx)
}

type service struct {
	locator Locator
	logger  *zap.Logger
}

// NewService returns the object-0 service backed by locator.
func NewService(locator Locator, logger *zap.Logger) channel.Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return NewSrPeer(&service{locator: locator, logger: logger.Named("peer")})
}

func (s *service) GetService(ctx context.Context, name string) (codec.Handle, error) {
	svc, err := s.locator.Locate(ctx, name)
	if err != nil {
		s.logger.Debug("Service lookup failed", zap.String("name", name), zap.Error(err))
		return codec.Handle{}, err
	}
	if svc == nil {
		return codec.Handle{}, errors.Wrapf(rpcerr.ErrServiceNotFound, "no service named %q", name)
	}
	h := channel.FromContext(ctx).Export(svc)
	s.logger.Debug("Service exported",
		zap.String("name", name),
		zap.String("interface", h.Interface),
		zap.Uint64("object", h.ID))
	return h, nil
}

// Remote returns the proxy of the other side's bootstrap service.
func Remote(ch *channel.Channel) *PrPeer {
	return NewPrPeer(ch, codec.Handle{ID: 0, Interface: PeerDescriptor.Name})
}

type describer interface {
	Descriptor() *idl.InterfaceDescriptor
}

// Lookup asks the peer behind ch for a named service and wraps the handle
// with newProxy, typically a generated NewPrX function. The proxy must be
// released when no longer needed.
func Lookup[T any](ctx context.Context, ch *channel.Channel, name string, newProxy func(*channel.Channel, codec.Handle) T) (T, error) {
	var zero T
	h, err := Remote(ch).GetService(ctx, name)
	if err != nil {
		return zero, err
	}
	proxy := newProxy(ch, h)
	if d, ok := any(proxy).(describer); ok && d.Descriptor().Name != h.Interface {
		_ = ch.Release(h)
		return zero, errors.Wrapf(rpcerr.ErrServiceNotFound, "service %q implements %s, not %s", name, h.Interface, d.Descriptor().Name)
	}
	return proxy, nil
}
