package client

import (
	"context"
	"sync"

	"xbridge/channel"
	"xbridge/rpcerr"

	"github.com/pkg/errors"
)

// pool holds up to size channels to one address. Channels are multiplexed,
// so nothing is borrowed or returned: Get hands out the live channels in
// turn, and channels that closed are replaced on demand.
//
// Channels are created lazily: the pool starts empty and grows until size.
type pool struct {
	addr string
	size int
	dial func(ctx context.Context, addr string) (*channel.Channel, error)

	mu     sync.Mutex
	chans  []*channel.Channel
	next   int
	closed bool
}

func newPool(addr string, size int, dial func(context.Context, string) (*channel.Channel, error)) *pool {
	return &pool{addr: addr, size: size, dial: dial}
}

// Get returns a ready channel. Dialing happens under the pool lock so the
// pool never exceeds size.
func (p *pool) Get(ctx context.Context) (*channel.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.Wrap(rpcerr.ErrConnectionClosed, "client is closed")
	}

	live := p.chans[:0]
	for _, ch := range p.chans {
		if ch.State() == channel.StateReady {
			live = append(live, ch)
		}
	}
	p.chans = live

	if len(p.chans) < p.size {
		ch, err := p.dial(ctx, p.addr)
		if err != nil {
			return nil, err
		}
		p.chans = append(p.chans, ch)
		return ch, nil
	}
	ch := p.chans[p.next%len(p.chans)]
	p.next++
	return ch, nil
}

// Len returns the number of channels held, closed ones included.
func (p *pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.chans)
}

// Close shuts down the pool and closes all channels.
func (p *pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, ch := range p.chans {
		ch.Close()
	}
	p.chans = nil
}
