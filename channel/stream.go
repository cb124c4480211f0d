package channel

import (
	"context"
	"io"
	"sync"

	"xbridge/protocol"
	"xbridge/rpcerr"

	"github.com/pkg/errors"
)

// Stream is a byte stream passed as a method argument. Its payload travels
// out-of-band, as chunk frames following the call frame, terminated by a
// stream-end frame.
//
// On the sending side a Stream wraps an io.Reader (see NewStream). On the
// receiving side it is an io.Reader fed by the channel's read loop through an
// unbounded queue, so a slow reader never stalls other calls.
type Stream struct {
	id  uint32
	src io.Reader

	mu     sync.Mutex
	cond   *sync.Cond
	chunks [][]byte
	off    int
	err    error // io.EOF once ended
}

// NewStream returns an outgoing stream reading its payload from r.
func NewStream(r io.Reader) *Stream {
	return &Stream{src: r}
}

func newIncomingStream(id uint32) *Stream {
	s := &Stream{id: id}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// ID returns the stream id, assigned by the sending channel.
func (s *Stream) ID() uint32 {
	return s.id
}

// Read blocks until payload is available. It returns io.EOF after the sender
// ended the stream, or the abort error if the stream was abandoned.
func (s *Stream) Read(p []byte) (int, error) {
	if s.cond == nil {
		return s.src.Read(p)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.chunks) == 0 && s.err == nil {
		s.cond.Wait()
	}
	if len(s.chunks) == 0 {
		return 0, s.err
	}
	n := copy(p, s.chunks[0][s.off:])
	s.off += n
	if s.off == len(s.chunks[0]) {
		s.chunks[0] = nil
		s.chunks = s.chunks[1:]
		s.off = 0
	}
	return n, nil
}

func (s *Stream) push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	s.mu.Lock()
	if s.err == nil {
		s.chunks = append(s.chunks, chunk)
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

// finish ends the stream. Chunks queued before stay readable.
func (s *Stream) finish(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

// AsStream converts a decoded argument to the stream the channel registered
// for it.
func AsStream(v any) (*Stream, error) {
	s, ok := v.(*Stream)
	if !ok || s == nil {
		return nil, errors.Wrapf(rpcerr.ErrBadArguments, "expected stream, got %T", v)
	}
	return s, nil
}

// RegisterStream makes an incoming stream known to the read loop so chunk
// frames with its id are queued on it.
func (c *Channel) RegisterStream(s *Stream) error {
	if err := c.usable(); err != nil {
		return err
	}
	if s.cond == nil {
		return errors.New("cannot register an outgoing stream")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.incoming[s.id]; dup {
		return rpcerr.Malformed("stream %d is already open", s.id)
	}
	c.incoming[s.id] = s
	return nil
}

// SendStream reads the stream's source to the end and sends it as chunk
// frames of at most Options.ChunkSize bytes, followed by a stream-end frame.
// If the source fails or ctx ends, the stream-end frame carries the reason
// and the receiver's Read returns it.
func (c *Channel) SendStream(ctx context.Context, s *Stream) error {
	if err := c.usable(); err != nil {
		return err
	}
	if s.src == nil {
		return errors.New("cannot send an incoming stream")
	}
	buf := make([]byte, c.opts.ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return c.abortStream(s, err)
		}
		n, err := io.ReadFull(s.src, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if werr := c.send(&protocol.Frame{Kind: protocol.KindStreamChunk, ID: s.id, Body: chunk}, "", ""); werr != nil {
				return werr
			}
		}
		switch err {
		case nil:
			continue
		case io.EOF, io.ErrUnexpectedEOF:
			return c.send(&protocol.Frame{Kind: protocol.KindStreamEnd, ID: s.id}, "", "")
		default:
			return c.abortStream(s, err)
		}
	}
}

func (c *Channel) abortStream(s *Stream, cause error) error {
	reason := cause.Error()
	if reason == "" {
		reason = "aborted"
	}
	if err := c.send(&protocol.Frame{Kind: protocol.KindStreamEnd, ID: s.id, Body: []byte(reason)}, "", ""); err != nil {
		return err
	}
	return cause
}

func (c *Channel) handleChunk(f *protocol.Frame) {
	c.mu.Lock()
	s := c.incoming[f.ID]
	c.mu.Unlock()
	if s != nil {
		s.push(f.Body)
	}
}

func (c *Channel) handleStreamEnd(f *protocol.Frame) {
	c.mu.Lock()
	s := c.incoming[f.ID]
	delete(c.incoming, f.ID)
	c.mu.Unlock()
	if s == nil {
		return
	}
	if len(f.Body) == 0 {
		s.finish(io.EOF)
		return
	}
	s.finish(errors.Errorf("stream aborted by sender: %s", f.Body))
}
