// Package handshake authenticates the two ends of a transport before a
// channel becomes Ready.
//
// A Protocol runs over the raw transport using handshake frames only and
// returns the authenticated peer together with the transport the channel must
// use from then on (possibly a sealed wrapper). Two strategies ship with the
// framework: Null, which exchanges nothing and yields an anonymous peer, and
// Sealed, which proves identity keys and encrypts every later frame.
//
// Every failure closes the transport.
package handshake

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"

	"xbridge/transport"
)

// Role tells a Protocol which side of the exchange it runs.
type Role int

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// Peer is the authenticated identity of the other side.
type Peer struct {
	PublicKey ed25519.PublicKey
	Hash      string
}

// Anonymous reports whether the peer proved no identity.
func (p *Peer) Anonymous() bool {
	return p == nil || len(p.PublicKey) == 0
}

func (p *Peer) String() string {
	if p.Anonymous() {
		return "anonymous"
	}
	if len(p.Hash) > 16 {
		return p.Hash[:16]
	}
	return p.Hash
}

// HashKey returns the identity hash of a public key: hex SHA-256.
func HashKey(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// NewPeer builds a Peer from a public key.
func NewPeer(pub ed25519.PublicKey) *Peer {
	return &Peer{PublicKey: pub, Hash: HashKey(pub)}
}

// Result is the outcome of a successful handshake.
type Result struct {
	Peer      *Peer
	Transport transport.Transport
}

// Protocol is a pluggable handshake strategy.
type Protocol interface {
	Handshake(ctx context.Context, tr transport.Transport, role Role) (*Result, error)
}

// Checker admits peers by identity hash. permission.List implements it.
type Checker interface {
	CanConnect(hash string) bool
}

type null struct{}

// Null returns the handshake that exchanges no messages.
func Null() Protocol {
	return null{}
}

func (null) Handshake(ctx context.Context, tr transport.Transport, role Role) (*Result, error) {
	if err := ctx.Err(); err != nil {
		tr.Close()
		return nil, timeoutOr(err)
	}
	return &Result{Peer: &Peer{}, Transport: tr}, nil
}

type peerKey struct{}

// NewContext returns a context carrying the authenticated peer.
func NewContext(ctx context.Context, peer *Peer) context.Context {
	return context.WithValue(ctx, peerKey{}, peer)
}

// PeerFromContext returns the peer of the channel dispatching the current
// call, or an anonymous peer.
func PeerFromContext(ctx context.Context) *Peer {
	if peer, ok := ctx.Value(peerKey{}).(*Peer); ok && peer != nil {
		return peer
	}
	return &Peer{}
}
