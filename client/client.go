// Package client opens channels to xbridge servers, either by address or by
// service name through a registry and a load balancer.
//
//	Connect("fileshare")
//	  → Registry.Discover → Balancer.Pick → pool(addr).Get
//	    → dial tcp or ws → channel.Open (Role Initiator, handshake)
//
// Channels are pooled per address and shared by all callers.
package client

import (
	"context"
	"strings"
	"sync"

	"xbridge/channel"
	"xbridge/codec"
	"xbridge/handshake"
	"xbridge/loadbalance"
	"xbridge/peer"
	"xbridge/registry"
	"xbridge/rpcerr"
	"xbridge/transport"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Options configures a Client.
type Options struct {
	// Channel is the template for every channel opened. Role is set by the
	// client.
	Channel channel.Options

	// Registry is required by Connect and ConnectKey only.
	Registry registry.Registry
	Balancer loadbalance.Balancer // defaults to round robin

	// PoolSize is the number of channels kept per address, default 1.
	PoolSize int

	Logger *zap.Logger
}

// Client is safe for concurrent use.
type Client struct {
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	pools  map[string]*pool
	closed bool
}

// NewClient creates a client. No connection is made until the first Dial.
func NewClient(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Balancer == nil {
		opts.Balancer = &loadbalance.RoundRobinBalancer{}
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 1
	}
	return &Client{
		opts:   opts,
		logger: opts.Logger.Named("client"),
		pools:  map[string]*pool{},
	}
}

// Dial returns a ready channel to addr: "host:port" for TCP, or a ws:// or
// wss:// URL.
func (c *Client) Dial(ctx context.Context, addr string) (*channel.Channel, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.Wrap(rpcerr.ErrConnectionClosed, "client is closed")
	}
	p, ok := c.pools[addr]
	if !ok {
		p = newPool(addr, c.opts.PoolSize, c.open)
		c.pools[addr] = p
	}
	c.mu.Unlock()
	return p.Get(ctx)
}

// Connect discovers the instances of a service and dials the one the
// balancer picks.
func (c *Client) Connect(ctx context.Context, name string) (*channel.Channel, error) {
	return c.ConnectKey(ctx, name, "")
}

// ConnectKey is Connect with an affinity key, used by the consistent hash
// balancer to route e.g. every resume of a session to the same instance.
func (c *Client) ConnectKey(ctx context.Context, name, key string) (*channel.Channel, error) {
	if c.opts.Registry == nil {
		return nil, errors.New("Connect requires a registry")
	}
	instances, err := c.opts.Registry.Discover(ctx, name)
	if err != nil {
		return nil, err
	}
	instance, err := c.opts.Balancer.Pick(instances, key)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot connect to %s", name)
	}
	c.logger.Debug("Picked instance", zap.String("name", name), zap.String("addr", instance.Addr), zap.String("balancer", c.opts.Balancer.Name()))
	return c.Dial(ctx, instance.Endpoint())
}

// Lookup connects to the service name and asks the server's peer service for
// it in one step. The service is announced in the registry under the same
// name it is registered under on the server.
func Lookup[T any](ctx context.Context, c *Client, name string, newProxy func(*channel.Channel, codec.Handle) T) (T, error) {
	ch, err := c.Connect(ctx, name)
	if err != nil {
		var zero T
		return zero, err
	}
	return peer.Lookup(ctx, ch, name, newProxy)
}

// Close closes every pooled channel. Later calls to Dial fail.
func (c *Client) Close() error {
	c.mu.Lock()
	pools := c.pools
	c.pools = map[string]*pool{}
	c.closed = true
	c.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
	return nil
}

// open dials addr and runs the handshake.
func (c *Client) open(ctx context.Context, addr string) (*channel.Channel, error) {
	var (
		tr  transport.Transport
		err error
	)
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		tr, err = transport.DialWebSocket(ctx, addr)
	} else {
		tr, err = transport.Dial(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}

	opts := c.opts.Channel
	opts.Role = handshake.Initiator
	if opts.Logger == nil {
		opts.Logger = c.opts.Logger
	}
	ch, err := channel.Open(ctx, tr, opts)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Connected", zap.String("addr", addr), zap.Stringer("peer", ch.Peer()))
	return ch, nil
}
