package server

import (
	"xbridge/channel"
	"xbridge/peer"
)

// Register offers svc under name to every client. All clients share the one
// instance; use RegisterFactory for per-request objects.
func (svr *Server) Register(name string, svc channel.Service) error {
	return svr.services.RegisterService(name, svc)
}

// RegisterFactory offers a service under name whose objects are built by f on
// every lookup.
func (svr *Server) RegisterFactory(name string, f peer.Factory) error {
	return svr.services.Register(name, f)
}

// Services returns the peer registry clients look services up in.
func (svr *Server) Services() *peer.Registry {
	return svr.services
}
