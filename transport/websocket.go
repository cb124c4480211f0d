package transport

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"xbridge/protocol"
	"xbridge/rpcerr"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const closeWait = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 << 10,
	WriteBufferSize: 32 << 10,
}

// WebSocket is a message-oriented Transport: one binary message per frame.
type WebSocket struct {
	conn    *websocket.Conn
	sending sync.Mutex
	closed  sync.Once
}

// NewWebSocket wraps an established websocket connection.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	conn.SetReadLimit(int64(protocol.HeaderSize) + int64(protocol.MaxBodyLen))
	return &WebSocket{conn: conn}
}

// DialWebSocket connects to a ws:// or wss:// endpoint.
func DialWebSocket(ctx context.Context, url string) (*WebSocket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to dial %s", url)
	}
	return NewWebSocket(conn), nil
}

// Upgrade turns an HTTP request into a websocket transport.
func Upgrade(w http.ResponseWriter, r *http.Request) (*WebSocket, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to upgrade connection")
	}
	return NewWebSocket(conn), nil
}

func (ws *WebSocket) WriteFrame(f *protocol.Frame) error {
	data, err := protocol.Marshal(f)
	if err != nil {
		return err
	}

	ws.sending.Lock()
	defer ws.sending.Unlock()
	if err := ws.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		if err == websocket.ErrCloseSent {
			return rpcerr.ErrConnectionClosed
		}
		return closedOr(err)
	}
	return nil
}

// ReadFrame reads the next binary message as one frame. A normal close by the
// peer is reported as io.EOF.
func (ws *WebSocket) ReadFrame() (*protocol.Frame, error) {
	messageType, data, err := ws.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, closedOr(err)
	}
	if messageType != websocket.BinaryMessage {
		return nil, rpcerr.Malformed("unexpected websocket message type %d", messageType)
	}
	return protocol.Unmarshal(data)
}

// Close sends a close message and closes the connection.
func (ws *WebSocket) Close() error {
	var err error
	ws.closed.Do(func() {
		// WriteControl may run concurrently with WriteMessage
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = ws.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
		err = ws.conn.Close()
	})
	return err
}

func (ws *WebSocket) RemoteAddr() string {
	return ws.conn.RemoteAddr().String()
}
