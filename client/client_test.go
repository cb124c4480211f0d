package client

import (
	"context"
	"net"
	"testing"
	"time"

	"xbridge/channel"
	"xbridge/examples/greeter"
	"xbridge/loadbalance"
	"xbridge/registry"
	"xbridge/rpcerr"
	"xbridge/server"

	"github.com/stretchr/testify/suite"
)

type ClientTestSuite struct {
	suite.Suite
	ctx     context.Context
	reg     *registry.MemoryRegistry
	servers []*server.Server
	addrs   []string
}

// SetupTest starts two servers announcing the same greeter service.
func (suite *ClientTestSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.reg = registry.NewMemoryRegistry()
	suite.servers = nil
	suite.addrs = nil
	for _, motd := range []string{"first", "second"} {
		svr := server.NewServer(server.Options{})
		suite.Require().NoError(svr.Register("greeter", greeter.NewSrGreeter(greeter.NewService(motd))))
		l, err := net.Listen("tcp", "127.0.0.1:0")
		suite.Require().NoError(err)
		go svr.ServeListener(l)

		addr := l.Addr().String()
		suite.Require().NoError(svr.Announce(suite.ctx, suite.reg, "greeter", registry.ServiceInstance{Addr: addr, Weight: 1}, 10))
		suite.servers = append(suite.servers, svr)
		suite.addrs = append(suite.addrs, addr)
	}
}

func (suite *ClientTestSuite) TearDownTest() {
	for _, svr := range suite.servers {
		svr.Shutdown(time.Second)
	}
}

func (suite *ClientTestSuite) TestLookup() {
	cli := NewClient(Options{Registry: suite.reg})
	defer cli.Close()

	g, err := Lookup(suite.ctx, cli, "greeter", greeter.NewPrGreeter)
	suite.Require().NoError(err)
	reply, err := g.SayHello(suite.ctx, &greeter.HelloReq{Name: "Daniel"})
	suite.Require().NoError(err)
	suite.Equal("Hello, Daniel", reply.Msg)
}

func (suite *ClientTestSuite) TestRoundRobinAcrossInstances() {
	cli := NewClient(Options{Registry: suite.reg})
	defer cli.Close()

	motds := map[string]bool{}
	for i := 0; i < 4; i++ {
		g, err := Lookup(suite.ctx, cli, "greeter", greeter.NewPrGreeter)
		suite.Require().NoError(err)
		motd, err := g.GetMotd(suite.ctx)
		suite.Require().NoError(err)
		motds[motd] = true
		suite.NoError(g.Release())
	}
	suite.Equal(map[string]bool{"first": true, "second": true}, motds)
}

func (suite *ClientTestSuite) TestConnectKeyIsSticky() {
	cli := NewClient(Options{Registry: suite.reg, Balancer: loadbalance.NewConsistentHashBalancer()})
	defer cli.Close()

	first, err := cli.ConnectKey(suite.ctx, "greeter", "session-1")
	suite.Require().NoError(err)
	for i := 0; i < 5; i++ {
		again, err := cli.ConnectKey(suite.ctx, "greeter", "session-1")
		suite.Require().NoError(err)
		suite.Same(first, again)
	}
}

func (suite *ClientTestSuite) TestPoolReusesAndReplaces() {
	cli := NewClient(Options{PoolSize: 2})
	defer cli.Close()

	a, err := cli.Dial(suite.ctx, suite.addrs[0])
	suite.Require().NoError(err)
	b, err := cli.Dial(suite.ctx, suite.addrs[0])
	suite.Require().NoError(err)
	suite.NotSame(a, b)

	// the pool is full: channels are handed out in turn
	c, err := cli.Dial(suite.ctx, suite.addrs[0])
	suite.Require().NoError(err)
	suite.True(c == a || c == b)

	a.Close()
	b.Close()
	d, err := cli.Dial(suite.ctx, suite.addrs[0])
	suite.Require().NoError(err)
	suite.Equal(channel.StateReady, d.State())
	suite.NotSame(a, d)
	suite.NotSame(b, d)
}

func (suite *ClientTestSuite) TestNoInstances() {
	cli := NewClient(Options{Registry: suite.reg})
	defer cli.Close()

	_, err := cli.Connect(suite.ctx, "fileshare")
	suite.ErrorIs(err, rpcerr.ErrServiceNotFound)

	_, err = NewClient(Options{}).Connect(suite.ctx, "greeter")
	suite.Error(err)
}

func (suite *ClientTestSuite) TestDeregisteredInstanceIsSkipped() {
	suite.Require().NoError(suite.servers[0].Shutdown(time.Second))

	cli := NewClient(Options{Registry: suite.reg})
	defer cli.Close()
	for i := 0; i < 3; i++ {
		g, err := Lookup(suite.ctx, cli, "greeter", greeter.NewPrGreeter)
		suite.Require().NoError(err)
		motd, err := g.GetMotd(suite.ctx)
		suite.Require().NoError(err)
		suite.Equal("second", motd)
	}
}

func (suite *ClientTestSuite) TestClosedClient() {
	cli := NewClient(Options{})
	ch, err := cli.Dial(suite.ctx, suite.addrs[0])
	suite.Require().NoError(err)

	suite.NoError(cli.Close())
	<-ch.Done()
	_, err = cli.Dial(suite.ctx, suite.addrs[0])
	suite.ErrorIs(err, rpcerr.ErrConnectionClosed)
}

func TestClientTestSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}
