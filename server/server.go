// Package server accepts connections and serves registered services to every
// peer that completes the handshake.
//
// Connection pipeline:
//
//	Accept conn (TCP) or upgrade request (websocket)
//	  → channel.New (one channel per connection, Role Responder)
//	    → handshake → Ready
//	      → object 0 is the peer service; GetService(name) exports a
//	        registered service and hands back its handle
//
// Each channel runs its own read loop and dispatches every inbound call in
// its own goroutine, so a slow method never blocks the connection.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"xbridge/channel"
	"xbridge/handshake"
	"xbridge/middleware"
	"xbridge/peer"
	"xbridge/registry"
	"xbridge/rpcerr"
	"xbridge/transport"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Options configures a Server.
type Options struct {
	// Channel is the template for every accepted channel. Role and Root are
	// set by the server; OnClose is still invoked.
	Channel channel.Options

	// Services is the peer registry offered to clients. A new one is created
	// when nil.
	Services *peer.Registry

	Logger *zap.Logger
}

type announcement struct {
	reg  registry.Registry
	name string
	addr string
}

// Server is the xbridge server. All methods are safe for concurrent use.
type Server struct {
	opts     Options
	logger   *zap.Logger
	services *peer.Registry
	shutdown atomic.Bool // set before listeners close so Accept errors are expected

	mu          sync.Mutex
	middlewares []middleware.Middleware
	listeners   map[net.Listener]struct{}
	channels    map[*channel.Channel]struct{}
	announced   []announcement
	accepting   sync.WaitGroup // connections between accept and Ready
}

// NewServer creates a server with no listener.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Services == nil {
		opts.Services = peer.NewRegistry()
	}
	return &Server{
		opts:      opts,
		logger:    opts.Logger.Named("server"),
		services:  opts.Services,
		listeners: map[net.Listener]struct{}{},
		channels:  map[*channel.Channel]struct{}{},
	}
}

// Use registers a middleware. Middlewares are applied in the order they are
// added, after the ones in Options.Channel, and only affect channels accepted
// afterwards.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on the given address and accepts connections until Shutdown.
func (svr *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return errors.Wrapf(err, "Failed to listen on %s", address)
	}
	return svr.ServeListener(listener)
}

// ServeListener accepts connections on l until Shutdown, which makes it
// return nil. The server owns l.
func (svr *Server) ServeListener(l net.Listener) error {
	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		l.Close()
		return nil
	}
	svr.listeners[l] = struct{}{}
	svr.mu.Unlock()
	svr.logger.Info("Listening", zap.Stringer("addr", l.Addr()))

	for {
		conn, err := l.Accept()
		if err != nil {
			// listener.Close() during shutdown makes Accept fail
			if svr.shutdown.Load() {
				return nil
			}
			return errors.Wrap(err, "Failed to accept connection")
		}
		go svr.handleConn(transport.NewStream(conn))
	}
}

// WebSocketHandler serves websocket connections, one channel per upgraded
// request. Mount it on an http.Server; the caller shuts that server down.
func (svr *Server) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if svr.shutdown.Load() {
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}
		ws, err := transport.Upgrade(w, r)
		if err != nil {
			svr.logger.Debug("Upgrade failed", zap.Error(err))
			return
		}
		svr.handleConn(ws)
	})
}

// handleConn runs the handshake for one accepted transport. The channel is
// tracked from the start so Shutdown can abort handshakes too.
func (svr *Server) handleConn(tr transport.Transport) {
	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		tr.Close()
		return
	}
	opts := svr.opts.Channel
	opts.Role = handshake.Responder
	opts.Root = peer.NewService(svr.services, svr.opts.Logger)
	opts.Middlewares = append(append([]middleware.Middleware(nil), opts.Middlewares...), svr.middlewares...)
	if opts.Logger == nil {
		opts.Logger = svr.opts.Logger
	}
	onClose := opts.OnClose

	var ch *channel.Channel
	opts.OnClose = func(err error) {
		svr.mu.Lock()
		delete(svr.channels, ch)
		svr.mu.Unlock()
		if onClose != nil {
			onClose(err)
		}
	}
	ch = channel.New(tr, opts)
	svr.channels[ch] = struct{}{}
	svr.accepting.Add(1)
	svr.mu.Unlock()
	defer svr.accepting.Done()

	if err := ch.Start(context.Background()); err != nil {
		svr.logger.Info("Rejected connection", zap.String("remote", tr.RemoteAddr()), zap.Error(err))
		return
	}
	svr.logger.Debug("Accepted connection", zap.String("remote", ch.RemoteAddr()), zap.Stringer("peer", ch.Peer()))
}

// Announce registers instance under name in reg. Shutdown deregisters it
// before it stops accepting.
func (svr *Server) Announce(ctx context.Context, reg registry.Registry, name string, instance registry.ServiceInstance, ttl int64) error {
	if err := reg.Register(ctx, name, instance, ttl); err != nil {
		return err
	}
	svr.mu.Lock()
	svr.announced = append(svr.announced, announcement{reg: reg, name: name, addr: instance.Addr})
	svr.mu.Unlock()
	svr.logger.Info("Announced service", zap.String("name", name), zap.String("addr", instance.Addr))
	return nil
}

// Channels returns the number of open channels.
func (svr *Server) Channels() int {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	return len(svr.channels)
}

// Shutdown performs graceful shutdown:
//  1. Deregister every announcement (clients stop routing to this server)
//  2. Set the shutdown flag and close the listeners
//  3. Abort pending handshakes, wait for in-flight dispatches (with timeout)
//  4. Close every channel
func (svr *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Step 1: deregister first, so clients stop dialing
	svr.mu.Lock()
	announced := svr.announced
	svr.announced = nil
	svr.mu.Unlock()
	for _, a := range announced {
		if err := a.reg.Deregister(ctx, a.name, a.addr); err != nil {
			svr.logger.Warn("Failed to deregister", zap.String("name", a.name), zap.Error(err))
		}
	}

	// Step 2: the flag is set before closing, see ServeListener
	svr.mu.Lock()
	svr.shutdown.Store(true)
	for l := range svr.listeners {
		l.Close()
		delete(svr.listeners, l)
	}
	svr.mu.Unlock()

	// Step 3: no channel is added from here on. Handshakes in flight are
	// aborted; Ready channels finish the calls they are running.
	svr.mu.Lock()
	channels := make([]*channel.Channel, 0, len(svr.channels))
	for ch := range svr.channels {
		channels = append(channels, ch)
	}
	svr.mu.Unlock()

	for _, ch := range channels {
		if ch.State() < channel.StateReady {
			ch.Close()
		}
	}
	svr.accepting.Wait()

	var err error
	for _, ch := range channels {
		if err = ch.Drain(ctx); err != nil {
			break
		}
	}

	// Step 4
	for _, ch := range channels {
		ch.Close()
	}
	if err != nil {
		return errors.Wrap(rpcerr.ErrCallTimeout, "timeout waiting for ongoing calls to finish")
	}
	svr.logger.Info("Server stopped", zap.Int("channels", len(channels)))
	return nil
}
