package channel

import (
	"context"
	"time"

	"xbridge/codec"
	"xbridge/handshake"
	"xbridge/message"
	"xbridge/middleware"
	"xbridge/protocol"
	"xbridge/rpcerr"
	"xbridge/transport"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Call invokes method on the remote object and waits for its reply. Without a
// deadline on ctx the call is bounded by Options.CallTimeout. On timeout or
// cancellation a cancel frame is sent and the correlation id is freed; a late
// reply is dropped.
func (c *Channel) Call(ctx context.Context, objectID uint64, iface string, method uint16, args ...any) (any, error) {
	return c.invoke(ctx, objectID, iface, "", method, args)
}

// Notify sends a one-way call: no correlation id, no reply. Stream arguments
// are sent right after the call frame, in order.
func (c *Channel) Notify(ctx context.Context, objectID uint64, iface string, method uint16, args ...any) error {
	return c.notify(ctx, objectID, iface, "", method, args)
}

func (c *Channel) invoke(ctx context.Context, objectID uint64, iface, name string, method uint16, args []any) (any, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()
	}

	encoded, streams := c.prepareArgs(args)
	body, err := codec.EncodeCall(&message.Call{ObjectID: objectID, Interface: iface, Method: method, Args: encoded})
	if err != nil {
		return nil, err
	}
	if err := c.checkSize(body); err != nil {
		return nil, err
	}

	id, replies := c.register()
	start := time.Now()
	if err := c.send(&protocol.Frame{Kind: protocol.KindCall, ID: id, Body: body}, iface, name); err != nil {
		c.unregister(id)
		return nil, err
	}
	for _, s := range streams {
		go func(s *Stream) {
			if err := c.SendStream(ctx, s); err != nil {
				c.logger.Debug("Stream argument failed", zap.Uint32("stream", s.id), zap.Error(err))
			}
		}(s)
	}

	var res replyResult
	select {
	case res = <-replies:
	case <-ctx.Done():
		c.unregister(id)
		_ = c.send(&protocol.Frame{Kind: protocol.KindCancel, ID: id}, iface, name)
		if ctx.Err() == context.DeadlineExceeded {
			res.err = errors.Wrapf(rpcerr.ErrCallTimeout, "%s after %s", methodLabel(iface, name), time.Since(start).Round(time.Millisecond))
		} else {
			res.err = ctx.Err()
		}
	case <-c.closed:
		res.err = c.closedError()
	}
	c.opts.Metrics.observeCall(iface, res.err, time.Since(start))
	return res.value, res.err
}

func (c *Channel) notify(ctx context.Context, objectID uint64, iface, name string, method uint16, args []any) error {
	if err := c.usable(); err != nil {
		return err
	}
	encoded, streams := c.prepareArgs(args)
	body, err := codec.EncodeCall(&message.Call{ObjectID: objectID, Interface: iface, Method: method, OneWay: true, Args: encoded})
	if err != nil {
		return err
	}
	if err := c.checkSize(body); err != nil {
		return err
	}
	if err := c.send(&protocol.Frame{Kind: protocol.KindCall, Body: body}, iface, name); err != nil {
		return err
	}
	c.opts.Metrics.observeCall(iface, nil, 0)
	for _, s := range streams {
		if err := c.SendStream(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// checkSize rejects bodies the transport cannot carry in one frame, before
// they reach send, where a write error would close the channel.
func (c *Channel) checkSize(body []byte) error {
	if limit := transport.MaxBody(c.tr); len(body) > limit {
		return errors.Wrapf(rpcerr.ErrBadArguments, "call body of %d bytes exceeds the frame limit of %d, use a stream", len(body), limit)
	}
	return nil
}

// prepareArgs replaces outgoing streams by references, assigning stream ids.
func (c *Channel) prepareArgs(args []any) ([]any, []*Stream) {
	var streams []*Stream
	out := make([]any, len(args))
	for i, arg := range args {
		s, ok := arg.(*Stream)
		if !ok {
			out[i] = arg
			continue
		}
		c.mu.Lock()
		c.nextStream++
		if c.nextStream == 0 {
			c.nextStream = 1
		}
		s.id = c.nextStream
		c.mu.Unlock()
		out[i] = codec.StreamRef{ID: s.id}
		streams = append(streams, s)
	}
	return out, streams
}

// register allocates a correlation id that is not in flight. Id 0 is never
// used: it marks frames that are not part of a call.
func (c *Channel) register() (uint32, chan replyResult) {
	replies := make(chan replyResult, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		c.nextID++
		if c.nextID == 0 {
			continue
		}
		if _, busy := c.pending[c.nextID]; !busy {
			break
		}
	}
	c.pending[c.nextID] = replies
	return c.nextID, replies
}

func (c *Channel) unregister(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// handleReply decodes a reply or error frame and wakes up the caller. Replies
// nobody waits for (the call timed out) are dropped.
func (c *Channel) handleReply(f *protocol.Frame) error {
	var res replyResult
	if f.Kind == protocol.KindReply {
		v, err := codec.DecodeValue(f.Body)
		if err != nil {
			return err
		}
		res.value = v
	} else {
		e, err := codec.DecodeError(f.Body)
		if err != nil {
			return err
		}
		res.err = rpcerr.FromWire(rpcerr.Code(e.Code), e.Message)
	}

	c.mu.Lock()
	replies, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("Dropping late reply", zap.Uint32("id", f.ID))
		return nil
	}
	replies <- res
	return nil
}

// handleCall decodes an inbound call, registers its stream arguments and
// starts the dispatch. Streams are registered here, on the read loop, so that
// chunk frames following the call always find their stream.
func (c *Channel) handleCall(f *protocol.Frame) error {
	call, err := codec.DecodeCall(f.Body)
	if err != nil {
		return err
	}
	for i, arg := range call.Args {
		ref, ok := arg.(codec.StreamRef)
		if !ok {
			continue
		}
		s := newIncomingStream(ref.ID)
		if err := c.RegisterStream(s); err != nil {
			return err
		}
		call.Args[i] = s
	}

	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		c.refuse(f.ID, call)
		return nil
	}
	if svc := c.objects[call.ObjectID]; svc != nil && svc.Descriptor().Name == call.Interface {
		call.Name = svc.Descriptor().MethodName(call.Method)
	}
	ctx, cancel := context.WithCancel(c.ctx)
	if !call.OneWay {
		c.inbound[f.ID] = cancel
	}
	// Add under mu: once Drain has set draining, the counter only goes down.
	c.dispatches.Add(1)
	c.mu.Unlock()

	go c.serve(ctx, cancel, f.ID, call)
	return nil
}

// refuse answers a call that arrived after Drain. Its stream arguments were
// already registered and are dropped again.
func (c *Channel) refuse(id uint32, call *message.Call) {
	c.mu.Lock()
	for _, arg := range call.Args {
		if s, ok := arg.(*Stream); ok {
			delete(c.incoming, s.id)
			s.finish(rpcerr.ErrConnectionClosed)
		}
	}
	c.mu.Unlock()
	if call.OneWay {
		c.logger.Debug("Dropping one-way call while draining", zap.String("interface", call.Interface))
		return
	}
	err := errors.Wrap(rpcerr.ErrConnectionClosed, "channel is draining")
	frame := &protocol.Frame{
		Kind: protocol.KindError,
		ID:   id,
		Body: codec.EncodeError(&message.Error{Code: uint16(rpcerr.CodeOf(err)), Message: err.Error()}),
	}
	// not on the read loop: the peer may be blocked writing to us
	go func() {
		_ = c.send(frame, call.Interface, call.Name)
	}()
}

func (c *Channel) serve(ctx context.Context, cancel context.CancelFunc, id uint32, call *message.Call) {
	defer c.dispatches.Done()
	defer func() {
		cancel()
		if !call.OneWay {
			c.mu.Lock()
			delete(c.inbound, id)
			c.mu.Unlock()
		}
	}()

	ctx = middleware.WithWork(handshake.NewContext(withChannel(ctx, c), c.peer), &c.dispatches)
	result, err := c.handler(ctx, call)
	if call.OneWay {
		if err != nil {
			c.logger.Info("One-way call failed",
				zap.String("method", methodLabel(call.Interface, call.Name)),
				zap.Error(err))
		}
		return
	}

	var body []byte
	if err == nil {
		body, err = codec.EncodeValue(result)
		if err == nil {
			err = c.checkSize(body)
		}
	}
	frame := &protocol.Frame{Kind: protocol.KindReply, ID: id, Body: body}
	if err != nil {
		frame.Kind = protocol.KindError
		frame.Body = codec.EncodeError(&message.Error{Code: uint16(rpcerr.CodeOf(err)), Message: err.Error()})
	}
	_ = c.send(frame, call.Interface, call.Name)
}

// dispatch resolves the target object and validates the call against the
// object's descriptor. It is the innermost handler of the middleware chain.
func (c *Channel) dispatch(ctx context.Context, call *message.Call) (any, error) {
	c.mu.Lock()
	svc := c.objects[call.ObjectID]
	c.mu.Unlock()
	if svc == nil {
		if call.ObjectID == 0 {
			return nil, errors.Wrap(rpcerr.ErrServiceNotFound, "no peer service on this side")
		}
		return nil, errors.Wrapf(rpcerr.ErrObjectNotFound, "no object %d", call.ObjectID)
	}

	desc := svc.Descriptor()
	if desc.Name != call.Interface {
		return nil, errors.Wrapf(rpcerr.ErrMethodNotFound, "object %d implements %s, not %s", call.ObjectID, desc.Name, call.Interface)
	}
	m, ok := desc.MethodAt(call.Method)
	if !ok {
		return nil, NoMethod(desc, call.Method)
	}
	if len(call.Args) != len(m.Params) {
		return nil, errors.Wrapf(rpcerr.ErrBadArguments, "%s.%s takes %d arguments, got %d", desc.Name, m.Name, len(m.Params), len(call.Args))
	}
	return svc.Dispatch(ctx, call.Method, call.Args)
}

// Export registers svc as a local object the peer may call, and returns the
// handle to send in its place.
func (c *Channel) Export(svc Service) codec.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextObject++
	c.objects[c.nextObject] = svc
	return codec.Handle{ID: c.nextObject, Interface: svc.Descriptor().Name}
}

// Release tells the peer that the object behind h is no longer referenced
// from this side. Object 0 is never released.
func (c *Channel) Release(h codec.Handle) error {
	if h.ID == 0 {
		return nil
	}
	if err := c.usable(); err != nil {
		return err
	}
	return c.send(&protocol.Frame{Kind: protocol.KindRelease, Body: codec.EncodeRelease(&message.Release{ObjectID: h.ID})}, h.Interface, "")
}

func (c *Channel) handleRelease(f *protocol.Frame) error {
	rel, err := codec.DecodeRelease(f.Body)
	if err != nil {
		return err
	}
	if rel.ObjectID == 0 {
		return nil
	}
	c.mu.Lock()
	delete(c.objects, rel.ObjectID)
	c.mu.Unlock()
	return nil
}

// exported returns the number of objects served, the peer service included.
func (c *Channel) exported() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.objects)
}
