// Package channel implements the symmetric, multiplexed connection between two
// peers.
//
// Either side of a Channel can call objects exported by the other side and
// serve calls on its own objects. Many calls share one transport: each call
// frame carries a correlation id, and the single read loop routes reply and
// error frames back to the waiting caller.
//
//	goroutine-1 ──Call(id=1)──┐                      ┌── dispatch(id=7) ─► object 0
//	goroutine-2 ──Call(id=2)──┼──► transport ◄──────►┤
//	goroutine-3 ──Notify──────┘                      └── dispatch(id=9) ─► object 3
//
//	readLoop: reply(id=2) ─► pending[2] ─► goroutine-2 wakes up
//
// Lifecycle: Connecting ─Start─► Handshaking ─► Ready ─► Closing ─► Closed.
// Handshake failure goes straight to Closed.
package channel

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"xbridge/handshake"
	"xbridge/middleware"
	"xbridge/protocol"
	"xbridge/rpcerr"
	"xbridge/transport"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// State is the lifecycle state of a Channel.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Default option values.
const (
	DefaultCallTimeout       = 30 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultChunkSize         = 4096
	DefaultFrameLogSize      = 1024
)

// Options configures a Channel.
type Options struct {
	Handshake handshake.Protocol // defaults to handshake.Null()
	Role      handshake.Role

	// Root is served as object 0, the well-known peer service.
	Root        Service
	Middlewares []middleware.Middleware

	CallTimeout      time.Duration
	HandshakeTimeout time.Duration

	// HeartbeatInterval between heartbeat frames. Zero disables heartbeats.
	HeartbeatInterval time.Duration

	ChunkSize    int
	FrameLogSize int

	Logger  *zap.Logger
	Metrics *Metrics

	// OnClose is invoked exactly once, with the error that closed the channel
	// or nil for a local Close.
	OnClose func(err error)
}

// DefaultOptions returns options with heartbeats enabled.
func DefaultOptions() Options {
	return Options{HeartbeatInterval: DefaultHeartbeatInterval}
}

func (o *Options) applyDefaults() {
	if o.Handshake == nil {
		o.Handshake = handshake.Null()
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.FrameLogSize <= 0 {
		o.FrameLogSize = DefaultFrameLogSize
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// replyResult is what the read loop hands to a waiting caller.
type replyResult struct {
	value any
	err   error
}

// Channel is one end of a connection. All methods are safe for concurrent use.
type Channel struct {
	opts    Options
	logger  *zap.Logger
	tr      transport.Transport
	peer    *handshake.Peer
	handler middleware.HandlerFunc
	state   atomic.Int32
	log     *frameLog

	mu         sync.Mutex
	nextID     uint32
	pending    map[uint32]chan replyResult
	inbound    map[uint32]context.CancelFunc
	objects    map[uint64]Service
	nextObject uint64
	incoming   map[uint32]*Stream
	nextStream uint32

	draining   bool // set by Drain, guarded by mu
	dispatches sync.WaitGroup

	ctx       context.Context // parent of inbound dispatch contexts
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// New creates a channel over tr in state Connecting. Call Start to run the
// handshake.
func New(tr transport.Transport, opts Options) *Channel {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		opts:     opts,
		logger:   opts.Logger.With(zap.String("remote", tr.RemoteAddr())),
		tr:       tr,
		pending:  map[uint32]chan replyResult{},
		inbound:  map[uint32]context.CancelFunc{},
		objects:  map[uint64]Service{},
		incoming: map[uint32]*Stream{},
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
	}
	if opts.Root != nil {
		c.objects[0] = opts.Root
	}
	c.handler = middleware.Chain(opts.Middlewares...)(c.dispatch)
	c.log = newFrameLog(opts.FrameLogSize, c.logger, opts.Metrics)
	return c
}

// Open creates a channel and runs Start.
func Open(ctx context.Context, tr transport.Transport, opts Options) (*Channel, error) {
	c := New(tr, opts)
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Start runs the handshake and, on success, makes the channel Ready and
// starts the read and heartbeat loops. On failure the channel is Closed and
// the transport closed.
func (c *Channel) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateHandshaking)) {
		return errors.Wrapf(rpcerr.ErrNotReady, "cannot start a channel in state %s", c.State())
	}

	hctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()
	result, err := c.opts.Handshake.Handshake(hctx, c.tr, c.opts.Role)
	if err != nil {
		c.logger.Info("Handshake failed", zap.Error(err))
		c.finish(err)
		return err
	}

	// Close may have run while the handshake was in flight
	c.mu.Lock()
	c.tr = result.Transport
	c.peer = result.Peer
	if !c.state.CompareAndSwap(int32(StateHandshaking), int32(StateReady)) {
		c.mu.Unlock()
		_ = result.Transport.Close()
		return c.closedError()
	}
	c.mu.Unlock()
	go c.log.run()
	c.opts.Metrics.channelOpened()
	c.logger.Debug("Channel ready", zap.Stringer("peer", c.peer))

	go c.readLoop()
	if c.opts.HeartbeatInterval > 0 {
		go c.heartbeatLoop(c.opts.HeartbeatInterval)
	}
	return nil
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// Peer returns the authenticated peer. It is nil before Ready.
func (c *Channel) Peer() *handshake.Peer {
	if c.State() < StateReady {
		return nil
	}
	return c.peer
}

// RemoteAddr returns the transport's remote address.
func (c *Channel) RemoteAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tr.RemoteAddr()
}

// Done is closed once the channel starts closing.
func (c *Channel) Done() <-chan struct{} {
	return c.closed
}

// Err returns the error that closed the channel, nil while open or after a
// local Close.
func (c *Channel) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

// Close shuts the channel down: in-flight calls fail with ErrConnectionClosed,
// incoming streams are aborted, inbound dispatches are cancelled and the
// transport is closed. It is idempotent.
func (c *Channel) Close() error {
	c.finish(nil)
	return nil
}

// Drain stops admitting inbound calls, then waits until no dispatch is
// running or ctx ends. Calls arriving afterwards fail with
// ErrConnectionClosed. Work a middleware left running past its call (see
// middleware.WithWork) counts as running.
func (c *Channel) Drain(ctx context.Context) error {
	c.mu.Lock()
	c.draining = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.dispatches.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// usable gates every entry point.
func (c *Channel) usable() error {
	switch c.State() {
	case StateReady:
		return nil
	case StateConnecting, StateHandshaking:
		return rpcerr.ErrNotReady
	}
	return c.closedError()
}

func (c *Channel) closedError() error {
	err := c.closeErr
	switch {
	case err == nil:
		return rpcerr.ErrConnectionClosed
	case errors.Is(err, rpcerr.ErrConnectionClosed):
		return err
	}
	return errors.Wrap(rpcerr.ErrConnectionClosed, err.Error())
}

func (c *Channel) finish(cause error) {
	c.closeOnce.Do(func() {
		if cause == io.EOF {
			cause = errors.Wrap(rpcerr.ErrConnectionClosed, "closed by peer")
		}
		c.closeErr = cause
		wasReady := State(c.state.Swap(int32(StateClosing))) == StateReady
		close(c.closed)

		c.cancel()
		c.mu.Lock()
		tr := c.tr
		c.mu.Unlock()
		_ = tr.Close()

		c.mu.Lock()
		streams := c.incoming
		c.incoming = map[uint32]*Stream{}
		c.pending = map[uint32]chan replyResult{}
		c.objects = map[uint64]Service{}
		c.mu.Unlock()
		for _, s := range streams {
			s.finish(c.closedError())
		}

		c.log.stop()
		if wasReady {
			c.opts.Metrics.channelClosed()
		}
		c.state.Store(int32(StateClosed))
		if cause != nil {
			c.logger.Info("Channel closed", zap.Error(cause))
		} else {
			c.logger.Debug("Channel closed")
		}
		if c.opts.OnClose != nil {
			c.opts.OnClose(cause)
		}
	})
}

// send writes a frame. Any transport error is fatal for the channel.
func (c *Channel) send(f *protocol.Frame, iface, method string) error {
	if err := c.tr.WriteFrame(f); err != nil {
		select {
		case <-c.closed:
			return c.closedError()
		default:
		}
		c.finish(err)
		return c.closedError()
	}
	c.opts.Metrics.frameSent(f.Kind)
	c.log.record(frameEntry{kind: f.Kind, id: f.ID, iface: iface, method: method, size: len(f.Body)})
	return nil
}

// readLoop is the only reader of the transport. Frames must be parsed
// sequentially, so everything that needs ordering (stream registration in
// particular) happens here before work is handed to other goroutines.
func (c *Channel) readLoop() {
	for {
		f, err := c.tr.ReadFrame()
		if err != nil {
			c.finish(err)
			return
		}
		c.opts.Metrics.frameReceived(f.Kind)
		if err := c.handle(f); err != nil {
			c.logger.Warn("Dropping connection", zap.Stringer("kind", f.Kind), zap.Error(err))
			c.finish(err)
			return
		}
	}
}

func (c *Channel) handle(f *protocol.Frame) error {
	switch f.Kind {
	case protocol.KindCall:
		return c.handleCall(f)
	case protocol.KindReply, protocol.KindError:
		return c.handleReply(f)
	case protocol.KindStreamChunk:
		c.handleChunk(f)
	case protocol.KindStreamEnd:
		c.handleStreamEnd(f)
	case protocol.KindRelease:
		return c.handleRelease(f)
	case protocol.KindCancel:
		c.mu.Lock()
		cancel := c.inbound[f.ID]
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	case protocol.KindHeartbeat:
	case protocol.KindHandshake:
		return errors.Wrap(rpcerr.ErrProtocolMismatch, "handshake frame after handshake")
	default:
		return rpcerr.Malformed("unexpected frame kind %d", f.Kind)
	}
	return nil
}

// heartbeatLoop keeps idle connections alive and detects dead ones early:
// a failed write tears the channel down.
func (c *Channel) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.send(&protocol.Frame{Kind: protocol.KindHeartbeat}, "", ""); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func methodLabel(iface, method string) string {
	if method == "" {
		return iface
	}
	return fmt.Sprintf("%s.%s", iface, method)
}
