package permission

import (
	"context"

	"xbridge/handshake"
	"xbridge/message"
	"xbridge/middleware"
	"xbridge/peer"
	"xbridge/rpcerr"

	"github.com/pkg/errors"
)

// Consent asks the local user whether peer may perform action right now.
// It is consulted for actions that are not always-allowed.
type Consent func(ctx context.Context, peer *handshake.Peer, action string) bool

// Action names the permission action for a call.
func Action(call *message.Call) string {
	return call.Interface + "." + call.Name
}

// lookupAction is the service lookup on the peer service, object 0.
var lookupAction = peer.PeerDescriptor.Name + ".getService"

// Middleware checks every inbound call before dispatch. When the list is not
// enforced every call passes. Otherwise anonymous peers are refused, a peer
// allowed to connect may always look up services, actions marked
// always-allowed pass, and the rest are put to consent (if any). Refused calls
// fail with ErrPermissionDenied; the channel stays up.
func Middleware(list *List, consent Consent) middleware.Middleware {
	return func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, call *message.Call) (any, error) {
			if !list.Enforced() {
				return next(ctx, call)
			}

			peer := handshake.PeerFromContext(ctx)
			action := Action(call)
			switch {
			case peer.Anonymous():
				return nil, errors.Wrapf(rpcerr.ErrPermissionDenied, "anonymous peer may not call %s", action)
			case call.ObjectID == 0 && action == lookupAction && list.CanConnect(peer.Hash):
				return next(ctx, call)
			case list.Allow(peer.Hash, action):
				return next(ctx, call)
			case consent != nil && consent(ctx, peer, action):
				return next(ctx, call)
			}
			return nil, errors.Wrapf(rpcerr.ErrPermissionDenied, "peer %s may not call %s", peer, action)
		}
	}
}
