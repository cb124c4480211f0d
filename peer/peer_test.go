package peer

import (
	"context"
	"testing"

	"xbridge/channel"
	"xbridge/examples/greeter"
	"xbridge/handshake"
	"xbridge/rpcerr"
	"xbridge/transport"

	"github.com/stretchr/testify/suite"
)

type PeerTestSuite struct {
	suite.Suite
	ctx      context.Context
	registry *Registry
	client   *channel.Channel
	server   *channel.Channel
}

func (suite *PeerTestSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.registry = NewRegistry()
	suite.Require().NoError(suite.registry.RegisterService("greeter", greeter.NewSrGreeter(greeter.NewService("shared"))))
	suite.Require().NoError(suite.registry.Register("fresh", func(context.Context) (channel.Service, error) {
		return greeter.NewSrGreeter(greeter.NewService("fresh")), nil
	}))

	a, b := transport.Pipe()
	suite.server = channel.New(b, channel.Options{
		Role: handshake.Responder,
		Root: NewService(suite.registry, nil),
	})
	started := make(chan error, 1)
	go func() {
		started <- suite.server.Start(suite.ctx)
	}()
	var err error
	suite.client, err = channel.Open(suite.ctx, a, channel.Options{})
	suite.Require().NoError(err)
	suite.Require().NoError(<-started)
}

func (suite *PeerTestSuite) TearDownTest() {
	suite.client.Close()
	suite.server.Close()
}

func (suite *PeerTestSuite) TestRegistry() {
	suite.Equal([]string{"fresh", "greeter"}, suite.registry.Names())
	suite.Error(suite.registry.RegisterService("greeter", nil))
	suite.Error(suite.registry.RegisterService(ServiceName, nil))

	_, err := suite.registry.Locate(suite.ctx, "nope")
	suite.ErrorIs(err, rpcerr.ErrServiceNotFound)
}

func (suite *PeerTestSuite) TestGetService() {
	h, err := Remote(suite.client).GetService(suite.ctx, "greeter")
	suite.Require().NoError(err)
	suite.Equal("Greeter", h.Interface)
	suite.NotZero(h.ID)

	g := greeter.NewPrGreeter(suite.client, h)
	reply, err := g.SayHello(suite.ctx, &greeter.HelloReq{Name: "Daniel"})
	suite.Require().NoError(err)
	suite.Equal("Hello, Daniel", reply.Msg)
}

func (suite *PeerTestSuite) TestLookup() {
	g, err := Lookup(suite.ctx, suite.client, "fresh", greeter.NewPrGreeter)
	suite.Require().NoError(err)
	defer g.Release()

	motd, err := g.GetMotd(suite.ctx)
	suite.Require().NoError(err)
	suite.Equal("fresh", motd)
}

func (suite *PeerTestSuite) TestLookupWrongInterface() {
	_, err := Lookup(suite.ctx, suite.client, "greeter", NewPrPeer)
	suite.ErrorIs(err, rpcerr.ErrServiceNotFound)
}

func (suite *PeerTestSuite) TestUnknownServiceKeepsChannel() {
	_, err := Remote(suite.client).GetService(suite.ctx, "missing")
	suite.ErrorIs(err, rpcerr.ErrServiceNotFound)
	suite.Equal(channel.StateReady, suite.client.State())

	_, err = Lookup(suite.ctx, suite.client, "greeter", greeter.NewPrGreeter)
	suite.NoError(err)
}

func TestPeerTestSuite(t *testing.T) {
	suite.Run(t, new(PeerTestSuite))
}
