// Package transport moves protocol frames between two peers.
//
// A Transport is either a persistent duplex byte stream (TCP, unix socket,
// net.Pipe) framed by protocol.Encode/Decode, or a message-oriented connection
// (websocket) carrying exactly one frame per message. Channels only see frames;
// which strategy is used is decided by whoever dials or accepts.
//
// Writes are safe for concurrent use. Reads are not: a channel runs a single
// read loop per transport, because frame boundaries can only be parsed
// sequentially.
package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"xbridge/protocol"
	"xbridge/rpcerr"

	pkgerrors "github.com/pkg/errors"
)

// Transport carries frames for one channel.
type Transport interface {
	WriteFrame(f *protocol.Frame) error
	ReadFrame() (*protocol.Frame, error)
	Close() error
	RemoteAddr() string
}

// Overheader is implemented by transports that grow a frame body before it
// reaches the wire.
type Overheader interface {
	Overhead() int
}

// MaxBody returns the largest body tr can write in a single frame.
func MaxBody(tr Transport) int {
	limit := int(protocol.MaxBodyLen)
	if o, ok := tr.(Overheader); ok {
		limit -= o.Overhead()
	}
	return limit
}

// Stream is a Transport over a net.Conn.
type Stream struct {
	conn    net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
	sending sync.Mutex // whole frames only: header of A + body of B would corrupt the stream
	closed  sync.Once
}

// NewStream wraps conn. The transport owns conn from now on.
func NewStream(conn net.Conn) *Stream {
	return &Stream{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}
}

// Dial connects to a stream endpoint, e.g. Dial(ctx, "tcp", "host:7070").
func Dial(ctx context.Context, network, addr string) (*Stream, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "Failed to dial %s", addr)
	}
	return NewStream(conn), nil
}

// WriteFrame writes and flushes one frame.
func (s *Stream) WriteFrame(f *protocol.Frame) error {
	s.sending.Lock()
	defer s.sending.Unlock()

	if err := protocol.Encode(s.w, f); err != nil {
		return closedOr(err)
	}
	return closedOr(s.w.Flush())
}

// ReadFrame reads the next frame. It returns io.EOF when the peer closed the
// connection between frames.
func (s *Stream) ReadFrame() (*protocol.Frame, error) {
	f, err := protocol.Decode(s.r)
	if err != nil {
		return nil, closedOr(err)
	}
	return f, nil
}

// Close closes the connection. Further calls are no-ops.
func (s *Stream) Close() error {
	var err error
	s.closed.Do(func() {
		err = s.conn.Close()
	})
	return err
}

func (s *Stream) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Pipe returns two connected in-memory transports.
func Pipe() (*Stream, *Stream) {
	a, b := net.Pipe()
	return NewStream(a), NewStream(b)
}

// closedOr maps "use of closed connection" to ErrConnectionClosed.
func closedOr(err error) error {
	if err == nil || err == io.EOF {
		return err
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return pkgerrors.Wrap(rpcerr.ErrConnectionClosed, err.Error())
	}
	return err
}
