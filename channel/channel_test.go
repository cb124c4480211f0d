package channel

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"xbridge/codec"
	"xbridge/handshake"
	"xbridge/idl"
	"xbridge/message"
	"xbridge/middleware"
	"xbridge/protocol"
	"xbridge/rpcerr"
	"xbridge/transport"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/suite"
)

var echoDescriptor = idl.MustParse("echo.xb", `
interface Echo {
    echo(text: string) -> string
    slow(ms: int) -> string
    upload(data: stream)
    spawn(prefix: string) -> Echo
    fail(msg: string)
}
`).Interface("Echo")

// echoService is a hand-written skeleton for the Echo interface.
type echoService struct {
	prefix    string
	cancelled chan struct{}
	uploads   chan []byte
}

func newEchoService() *echoService {
	return &echoService{
		cancelled: make(chan struct{}, 1),
		uploads:   make(chan []byte, 1),
	}
}

func (s *echoService) Descriptor() *idl.InterfaceDescriptor {
	return echoDescriptor
}

func (s *echoService) Dispatch(ctx context.Context, method uint16, args []any) (any, error) {
	switch method {
	case 0:
		text, err := codec.AsString(args[0])
		if err != nil {
			return nil, err
		}
		return s.prefix + text, nil
	case 1:
		ms, err := codec.AsInt(args[0])
		if err != nil {
			return nil, err
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return "done", nil
		case <-ctx.Done():
			s.cancelled <- struct{}{}
			return nil, ctx.Err()
		}
	case 2:
		stream, err := AsStream(args[0])
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(stream)
		if err != nil {
			return nil, err
		}
		s.uploads <- data
		return nil, nil
	case 3:
		prefix, err := codec.AsString(args[0])
		if err != nil {
			return nil, err
		}
		child := newEchoService()
		child.prefix = prefix
		return FromContext(ctx).Export(child), nil
	case 4:
		msg, err := codec.AsString(args[0])
		if err != nil {
			return nil, err
		}
		return nil, errors.New(msg)
	}
	return nil, NoMethod(echoDescriptor, method)
}

type denyAll struct{}

func (denyAll) CanConnect(string) bool { return false }

type ChannelTestSuite struct {
	suite.Suite
	ctx context.Context
}

func (suite *ChannelTestSuite) SetupTest() {
	suite.ctx = context.Background()
}

// pair opens two connected channels over an in-memory pipe.
func (suite *ChannelTestSuite) pair(clientOpts, serverOpts Options) (*Channel, *Channel) {
	a, b := transport.Pipe()
	serverOpts.Role = handshake.Responder
	server := New(b, serverOpts)

	started := make(chan error, 1)
	go func() {
		started <- server.Start(suite.ctx)
	}()
	client, err := Open(suite.ctx, a, clientOpts)
	suite.Require().NoError(err)
	suite.Require().NoError(<-started)

	suite.T().Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

// raw opens a channel whose peer is a bare transport driven by the test.
func (suite *ChannelTestSuite) raw(opts Options) (*Channel, *transport.Stream) {
	a, b := transport.Pipe()
	ch, err := Open(suite.ctx, a, opts)
	suite.Require().NoError(err)
	suite.T().Cleanup(func() {
		ch.Close()
		b.Close()
	})
	return ch, b
}

func (suite *ChannelTestSuite) TestCallRoundTrip() {
	client, server := suite.pair(Options{}, Options{Root: newEchoService()})
	suite.Equal(StateReady, client.State())
	suite.Equal(StateReady, server.State())
	suite.True(client.Peer().Anonymous())

	res, err := client.Call(suite.ctx, 0, "Echo", 0, "hi")
	suite.Require().NoError(err)
	suite.Equal("hi", res)

	proxy := Root(client, echoDescriptor)
	res, err = proxy.Call(suite.ctx, 0, "again")
	suite.Require().NoError(err)
	suite.Equal("again", res)

	_, err = proxy.Call(suite.ctx, 0)
	suite.ErrorIs(err, rpcerr.ErrBadArguments)
}

func (suite *ChannelTestSuite) TestConcurrentCalls() {
	client, _ := suite.pair(Options{}, Options{Root: newEchoService()})
	proxy := Root(client, echoDescriptor)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("call-%d", i)
			res, err := proxy.Call(suite.ctx, 0, want)
			if err == nil && res != want {
				err = errors.Errorf("got %v, want %s", res, want)
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		suite.NoError(err)
	}
}

func (suite *ChannelTestSuite) TestRepliesOutOfOrder() {
	ch, peer := suite.raw(Options{})

	const calls = 8
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		go func(i int) {
			arg := fmt.Sprintf("call-%d", i)
			res, err := ch.Call(suite.ctx, 0, "Echo", 0, arg)
			if err == nil && res != "reply to "+arg {
				err = errors.Errorf("%s got %v", arg, res)
			}
			errs <- err
		}(i)
	}

	// every id is in flight at once, so none may repeat
	var frames []*protocol.Frame
	ids := map[uint32]bool{}
	for len(frames) < calls {
		f, err := peer.ReadFrame()
		suite.Require().NoError(err)
		suite.Require().Equal(protocol.KindCall, f.Kind)
		suite.NotZero(f.ID)
		suite.False(ids[f.ID], "id %d handed out twice", f.ID)
		ids[f.ID] = true
		frames = append(frames, f)
	}

	for i := len(frames) - 1; i >= 0; i-- {
		call, err := codec.DecodeCall(frames[i].Body)
		suite.Require().NoError(err)
		arg, err := codec.AsString(call.Args[0])
		suite.Require().NoError(err)
		body, err := codec.EncodeValue("reply to " + arg)
		suite.Require().NoError(err)
		suite.Require().NoError(peer.WriteFrame(&protocol.Frame{Kind: protocol.KindReply, ID: frames[i].ID, Body: body}))
	}

	for i := 0; i < calls; i++ {
		suite.NoError(<-errs)
	}
}

func (suite *ChannelTestSuite) TestDrainRefusesNewCalls() {
	client, server := suite.pair(Options{}, Options{Root: newEchoService()})
	proxy := Root(client, echoDescriptor)

	inflight := make(chan error, 1)
	go func() {
		_, err := proxy.Call(suite.ctx, 1, int64(200))
		inflight <- err
	}()
	suite.Eventually(func() bool {
		server.mu.Lock()
		defer server.mu.Unlock()
		return len(server.inbound) == 1
	}, time.Second, 5*time.Millisecond)

	drained := make(chan error, 1)
	go func() {
		drained <- server.Drain(suite.ctx)
	}()
	suite.Eventually(func() bool {
		server.mu.Lock()
		defer server.mu.Unlock()
		return server.draining
	}, time.Second, 5*time.Millisecond)

	_, err := proxy.Call(suite.ctx, 0, "late")
	suite.ErrorIs(err, rpcerr.ErrConnectionClosed)
	suite.Equal(StateReady, client.State())

	suite.NoError(<-inflight)
	suite.NoError(<-drained)
}

func (suite *ChannelTestSuite) TestTimeoutCancelsRemoteAndChannelStaysUsable() {
	echo := newEchoService()
	client, _ := suite.pair(Options{CallTimeout: 50 * time.Millisecond}, Options{Root: echo})
	proxy := Root(client, echoDescriptor)

	_, err := proxy.Call(suite.ctx, 1, int64(5000))
	suite.ErrorIs(err, rpcerr.ErrCallTimeout)

	select {
	case <-echo.cancelled:
	case <-time.After(2 * time.Second):
		suite.Fail("remote dispatch was not cancelled")
	}

	res, err := proxy.Call(suite.ctx, 0, "still here")
	suite.Require().NoError(err)
	suite.Equal("still here", res)
}

func (suite *ChannelTestSuite) TestContextCancel() {
	client, _ := suite.pair(Options{}, Options{Root: newEchoService()})

	ctx, cancel := context.WithCancel(suite.ctx)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := Root(client, echoDescriptor).Call(ctx, 1, int64(5000))
	suite.ErrorIs(err, context.Canceled)
}

func (suite *ChannelTestSuite) TestNotReady() {
	a, b := transport.Pipe()
	defer a.Close()
	defer b.Close()

	ch := New(a, Options{})
	suite.Equal(StateConnecting, ch.State())
	suite.Nil(ch.Peer())

	_, err := ch.Call(suite.ctx, 0, "Echo", 0, "hi")
	suite.ErrorIs(err, rpcerr.ErrNotReady)
	suite.ErrorIs(ch.Notify(suite.ctx, 0, "Echo", 0, "hi"), rpcerr.ErrNotReady)
	suite.ErrorIs(ch.SendStream(suite.ctx, NewStream(bytes.NewReader([]byte("hello")))), rpcerr.ErrNotReady)
	suite.ErrorIs(ch.RegisterStream(newIncomingStream(1)), rpcerr.ErrNotReady)

	suite.NoError(ch.Close())
	suite.ErrorIs(ch.SendStream(suite.ctx, NewStream(bytes.NewReader([]byte("hello")))), rpcerr.ErrConnectionClosed)
	suite.ErrorIs(ch.RegisterStream(newIncomingStream(2)), rpcerr.ErrConnectionClosed)
}

func (suite *ChannelTestSuite) TestCloseIsIdempotent() {
	var closes atomic.Int32
	client, _ := suite.pair(Options{OnClose: func(error) { closes.Add(1) }}, Options{Root: newEchoService()})

	inflight := make(chan error, 1)
	go func() {
		_, err := Root(client, echoDescriptor).Call(suite.ctx, 1, int64(5000))
		inflight <- err
	}()
	time.Sleep(20 * time.Millisecond)

	suite.NoError(client.Close())
	suite.NoError(client.Close())
	suite.Equal(int32(1), closes.Load())
	suite.Equal(StateClosed, client.State())
	suite.NoError(client.Err())

	select {
	case err := <-inflight:
		suite.ErrorIs(err, rpcerr.ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		suite.Fail("in-flight call was not failed")
	}

	_, err := client.Call(suite.ctx, 0, "Echo", 0, "hi")
	suite.ErrorIs(err, rpcerr.ErrConnectionClosed)
}

func (suite *ChannelTestSuite) TestRemoteClose() {
	client, server := suite.pair(Options{}, Options{Root: newEchoService()})
	server.Close()

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		suite.Fail("client did not notice the close")
	}
	suite.ErrorIs(client.Err(), rpcerr.ErrConnectionClosed)
}

func (suite *ChannelTestSuite) TestStreamIsChunked() {
	ch, peer := suite.raw(Options{})
	payload := bytes.Repeat([]byte("x"), 10*1024)

	sent := make(chan error, 1)
	go func() {
		sent <- ch.Notify(suite.ctx, 0, "Echo", 2, NewStream(bytes.NewReader(payload)))
	}()

	f, err := peer.ReadFrame()
	suite.Require().NoError(err)
	suite.Equal(protocol.KindCall, f.Kind)
	suite.Equal(uint32(0), f.ID)
	call, err := codec.DecodeCall(f.Body)
	suite.Require().NoError(err)
	suite.True(call.OneWay)
	ref, ok := call.Args[0].(codec.StreamRef)
	suite.Require().True(ok)

	var sizes []int
	for {
		f, err := peer.ReadFrame()
		suite.Require().NoError(err)
		suite.Equal(ref.ID, f.ID)
		if f.Kind == protocol.KindStreamEnd {
			suite.Empty(f.Body)
			break
		}
		suite.Equal(protocol.KindStreamChunk, f.Kind)
		sizes = append(sizes, len(f.Body))
	}
	suite.Equal([]int{4096, 4096, 2048}, sizes)
	suite.NoError(<-sent)
}

func (suite *ChannelTestSuite) TestStreamUpload() {
	echo := newEchoService()
	client, _ := suite.pair(Options{ChunkSize: 1000}, Options{Root: echo})
	payload := make([]byte, 9999)
	_, _ = rand.Read(payload)

	err := Root(client, echoDescriptor).Notify(suite.ctx, 2, NewStream(bytes.NewReader(payload)))
	suite.Require().NoError(err)

	select {
	case got := <-echo.uploads:
		suite.Equal(payload, got)
	case <-time.After(2 * time.Second):
		suite.Fail("upload not received")
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk on fire") }

func (suite *ChannelTestSuite) TestStreamAbort() {
	ch, peer := suite.raw(Options{})

	sent := make(chan error, 1)
	go func() {
		sent <- ch.Notify(suite.ctx, 0, "Echo", 2, NewStream(failingReader{}))
	}()

	_, err := peer.ReadFrame()
	suite.Require().NoError(err)
	f, err := peer.ReadFrame()
	suite.Require().NoError(err)
	suite.Equal(protocol.KindStreamEnd, f.Kind)
	suite.Equal("disk on fire", string(f.Body))
	suite.EqualError(<-sent, "disk on fire")
}

func (suite *ChannelTestSuite) TestIncomingStreamAbortedOnClose() {
	s := newIncomingStream(1)
	s.push([]byte("partial"))
	s.finish(rpcerr.ErrConnectionClosed)

	buf := make([]byte, 3)
	n, err := s.Read(buf)
	suite.NoError(err)
	suite.Equal("par", string(buf[:n]))

	rest, err := io.ReadAll(s)
	suite.ErrorIs(err, rpcerr.ErrConnectionClosed)
	suite.Equal("tial", string(rest))
}

func (suite *ChannelTestSuite) TestMalformedFrameIsFatal() {
	closed := make(chan error, 1)
	_, peer := suite.raw(Options{OnClose: func(err error) { closed <- err }})

	suite.Require().NoError(peer.WriteFrame(&protocol.Frame{Kind: protocol.KindCall, ID: 1, Body: []byte{0xff}}))
	select {
	case err := <-closed:
		suite.ErrorIs(err, rpcerr.ErrMalformedFrame)
	case <-time.After(2 * time.Second):
		suite.Fail("channel survived a malformed frame")
	}
}

func (suite *ChannelTestSuite) TestDispatchErrors() {
	client, _ := suite.pair(Options{}, Options{Root: newEchoService()})

	_, err := client.Call(suite.ctx, 42, "Echo", 0, "hi")
	suite.ErrorIs(err, rpcerr.ErrObjectNotFound)

	_, err = client.Call(suite.ctx, 0, "Echo", 99)
	suite.ErrorIs(err, rpcerr.ErrMethodNotFound)

	_, err = client.Call(suite.ctx, 0, "Other", 0, "hi")
	suite.ErrorIs(err, rpcerr.ErrMethodNotFound)

	_, err = client.Call(suite.ctx, 0, "Echo", 0, "hi", "extra")
	suite.ErrorIs(err, rpcerr.ErrBadArguments)

	_, err = client.Call(suite.ctx, 0, "Echo", 0, int64(1))
	suite.ErrorIs(err, rpcerr.ErrBadArguments)

	_, err = client.Call(suite.ctx, 0, "Echo", 4, "boom")
	suite.EqualError(err, "boom")
	suite.Equal(rpcerr.KindApplication, rpcerr.KindOf(err))

	// no peer service on the other side
	bare, _ := suite.pair(Options{}, Options{})
	_, err = bare.Call(suite.ctx, 0, "Echo", 0, "hi")
	suite.ErrorIs(err, rpcerr.ErrServiceNotFound)
}

func (suite *ChannelTestSuite) TestExportAndRelease() {
	client, server := suite.pair(Options{}, Options{Root: newEchoService()})

	res, err := Root(client, echoDescriptor).Call(suite.ctx, 3, "child: ")
	suite.Require().NoError(err)
	h, err := codec.AsHandle(res)
	suite.Require().NoError(err)
	suite.Equal("Echo", h.Interface)
	suite.NotZero(h.ID)
	suite.Equal(2, server.exported())

	child := NewProxy(client, h, echoDescriptor)
	res, err = child.Call(suite.ctx, 0, "hi")
	suite.Require().NoError(err)
	suite.Equal("child: hi", res)

	suite.NoError(child.Release())
	suite.NoError(child.Release())
	_, err = child.Call(suite.ctx, 0, "hi")
	suite.ErrorIs(err, rpcerr.ErrObjectNotFound)
	suite.Equal(1, server.exported())
}

func (suite *ChannelTestSuite) TestMiddlewareSeesMethodNameAndPeer() {
	var seen []string
	var mu sync.Mutex
	record := func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, call *message.Call) (any, error) {
			mu.Lock()
			seen = append(seen, call.Interface+"."+call.Name+"@"+handshake.PeerFromContext(ctx).String())
			mu.Unlock()
			suite.NotNil(FromContext(ctx))
			return next(ctx, call)
		}
	}
	client, _ := suite.pair(Options{}, Options{Root: newEchoService(), Middlewares: []middleware.Middleware{record}})

	_, err := Root(client, echoDescriptor).Call(suite.ctx, 0, "hi")
	suite.Require().NoError(err)
	suite.Equal([]string{"Echo.echo@anonymous"}, seen)
}

func (suite *ChannelTestSuite) TestHeartbeat() {
	_, peer := suite.raw(Options{HeartbeatInterval: 10 * time.Millisecond})

	f, err := peer.ReadFrame()
	suite.Require().NoError(err)
	suite.Equal(protocol.KindHeartbeat, f.Kind)
	suite.Equal(uint32(0), f.ID)
}

func (suite *ChannelTestSuite) TestHandshakeRejectionNeverReady() {
	_, clientKey, err := ed25519.GenerateKey(rand.Reader)
	suite.Require().NoError(err)
	_, serverKey, err := ed25519.GenerateKey(rand.Reader)
	suite.Require().NoError(err)
	clientHandshake, err := handshake.NewSealed(clientKey, nil, "1.0.0")
	suite.Require().NoError(err)
	serverHandshake, err := handshake.NewSealed(serverKey, denyAll{}, "1.0.0")
	suite.Require().NoError(err)

	var serverCloses atomic.Int32
	a, b := transport.Pipe()
	server := New(b, Options{
		Role:      handshake.Responder,
		Handshake: serverHandshake,
		Root:      newEchoService(),
		OnClose:   func(error) { serverCloses.Add(1) },
	})
	started := make(chan error, 1)
	go func() {
		started <- server.Start(suite.ctx)
	}()

	client := New(a, Options{Handshake: clientHandshake})
	err = client.Start(suite.ctx)
	suite.ErrorIs(err, rpcerr.ErrPermissionDenied)
	suite.ErrorIs(<-started, rpcerr.ErrPermissionDenied)

	suite.Equal(StateClosed, client.State())
	suite.Equal(StateClosed, server.State())
	suite.Equal(int32(1), serverCloses.Load())

	_, err = client.Call(suite.ctx, 0, "Echo", 0, "hi")
	suite.ErrorIs(err, rpcerr.ErrConnectionClosed)
	suite.ErrorIs(client.Start(suite.ctx), rpcerr.ErrNotReady)
}

// sealedPair is pair with both sides running the sealed handshake.
func (suite *ChannelTestSuite) sealedPair() (client, server *Channel, clientKey, serverKey ed25519.PrivateKey) {
	_, clientKey, err := ed25519.GenerateKey(rand.Reader)
	suite.Require().NoError(err)
	_, serverKey, err = ed25519.GenerateKey(rand.Reader)
	suite.Require().NoError(err)
	clientHandshake, err := handshake.NewSealed(clientKey, nil, "1.0.0")
	suite.Require().NoError(err)
	serverHandshake, err := handshake.NewSealed(serverKey, nil, "1.0.0")
	suite.Require().NoError(err)

	client, server = suite.pair(
		Options{Handshake: clientHandshake},
		Options{Handshake: serverHandshake, Root: newEchoService()})
	return client, server, clientKey, serverKey
}

func (suite *ChannelTestSuite) TestSealedCalls() {
	client, server, clientKey, serverKey := suite.sealedPair()
	suite.Equal(handshake.HashKey(serverKey.Public().(ed25519.PublicKey)), client.Peer().Hash)
	suite.Equal(handshake.HashKey(clientKey.Public().(ed25519.PublicKey)), server.Peer().Hash)

	res, err := Root(client, echoDescriptor).Call(suite.ctx, 0, "sealed")
	suite.Require().NoError(err)
	suite.Equal("sealed", res)
}

func (suite *ChannelTestSuite) TestSealedBodyLimitLeavesRoomForTag() {
	client, _, _, _ := suite.sealedPair()
	proxy := Root(client, echoDescriptor)

	// a body 8 bytes under the frame limit no longer fits once sealed
	empty, err := codec.EncodeCall(&message.Call{Interface: "Echo", Args: []any{""}})
	suite.Require().NoError(err)
	text := strings.Repeat("x", int(protocol.MaxBodyLen)-8-len(empty))

	_, err = proxy.Call(suite.ctx, 0, text)
	suite.ErrorIs(err, rpcerr.ErrBadArguments)
	suite.Equal(StateReady, client.State())

	res, err := proxy.Call(suite.ctx, 0, "still sealed")
	suite.Require().NoError(err)
	suite.Equal("still sealed", res)
}

func TestChannelTestSuite(t *testing.T) {
	suite.Run(t, new(ChannelTestSuite))
}
