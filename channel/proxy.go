package channel

import (
	"context"
	"sync"

	"xbridge/codec"
	"xbridge/idl"
	"xbridge/rpcerr"

	"github.com/pkg/errors"
)

// Service is a local object the peer may call. Generated server skeletons
// implement it.
type Service interface {
	Descriptor() *idl.InterfaceDescriptor

	// Dispatch runs method. The channel has already checked the method index
	// and argument count against Descriptor.
	Dispatch(ctx context.Context, method uint16, args []any) (any, error)
}

// Proxy is a reference to an object on the other side of a channel.
// Generated client proxies embed it.
type Proxy struct {
	ch      *Channel
	handle  codec.Handle
	desc    *idl.InterfaceDescriptor
	release sync.Once
}

// NewProxy binds the remote object h to desc.
func NewProxy(ch *Channel, h codec.Handle, desc *idl.InterfaceDescriptor) *Proxy {
	return &Proxy{ch: ch, handle: h, desc: desc}
}

// Root returns the proxy of the peer's object 0.
func Root(ch *Channel, desc *idl.InterfaceDescriptor) *Proxy {
	return NewProxy(ch, codec.Handle{ID: 0, Interface: desc.Name}, desc)
}

// Call invokes method and waits for its result.
func (p *Proxy) Call(ctx context.Context, method uint16, args ...any) (any, error) {
	if err := p.check(method, args); err != nil {
		return nil, err
	}
	return p.ch.invoke(ctx, p.handle.ID, p.desc.Name, p.desc.MethodName(method), method, args)
}

// Notify invokes a one-way method.
func (p *Proxy) Notify(ctx context.Context, method uint16, args ...any) error {
	if err := p.check(method, args); err != nil {
		return err
	}
	return p.ch.notify(ctx, p.handle.ID, p.desc.Name, p.desc.MethodName(method), method, args)
}

func (p *Proxy) check(method uint16, args []any) error {
	m, ok := p.desc.MethodAt(method)
	if !ok {
		return NoMethod(p.desc, method)
	}
	if len(args) != len(m.Params) {
		return errors.Wrapf(rpcerr.ErrBadArguments, "%s.%s takes %d arguments, got %d", p.desc.Name, m.Name, len(m.Params), len(args))
	}
	return nil
}

// Channel returns the channel the remote object lives behind.
func (p *Proxy) Channel() *Channel {
	return p.ch
}

// Handle returns the remote object handle.
func (p *Proxy) Handle() codec.Handle {
	return p.handle
}

// Descriptor returns the interface the proxy calls.
func (p *Proxy) Descriptor() *idl.InterfaceDescriptor {
	return p.desc
}

// Release drops the remote object. Later calls fail with ErrObjectNotFound.
// Only the first Release sends anything.
func (p *Proxy) Release() error {
	var err error
	p.release.Do(func() {
		err = p.ch.Release(p.handle)
	})
	return err
}

// NoMethod is the error for a method index outside desc.
func NoMethod(desc *idl.InterfaceDescriptor, method uint16) error {
	return errors.Wrapf(rpcerr.ErrMethodNotFound, "%s has no method %d", desc.Name, method)
}

type channelKey struct{}

func withChannel(ctx context.Context, c *Channel) context.Context {
	return context.WithValue(ctx, channelKey{}, c)
}

// FromContext returns the channel dispatching the current call, or nil.
// Service implementations use it to export objects and to call back.
func FromContext(ctx context.Context) *Channel {
	c, _ := ctx.Value(channelKey{}).(*Channel)
	return c
}
