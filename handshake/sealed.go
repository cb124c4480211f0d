package handshake

import (
	"context"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"sync"

	"xbridge/protocol"
	"xbridge/rpcerr"
	"xbridge/transport"

	"github.com/coreos/go-semver/semver"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v4"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	msgHello  = "hello"
	msgAccept = "accept"
	msgReject = "reject"

	reasonProtocolMismatch = "protocol-mismatch"
	reasonPermissionDenied = "permission-denied"

	keyInfo = "xbridge v1 channel keys"
)

// message is the body of a handshake frame.
type message struct {
	Type      string `msgpack:"type"`
	Version   string `msgpack:"version,omitempty"`
	Identity  []byte `msgpack:"identity,omitempty"`
	Ephemeral []byte `msgpack:"ephemeral,omitempty"`
	Signature []byte `msgpack:"signature,omitempty"`
	Reason    string `msgpack:"reason,omitempty"`
}

// Sealed is the authenticated, encrypted handshake.
//
//	initiator                               responder
//	hello{version, identity, eph, sig} ──►  check version, signature, permission
//	                                   ◄──  hello{...} or reject{reason}
//	check version, signature, permission
//	accept{sig over both eph} / reject ──►
//	both: keys = HKDF(x25519(eph, peer eph))
//
// Each side signs its ephemeral key with its ed25519 identity; the responder
// and the accept message also cover the initiator's ephemeral key so a hello
// cannot be replayed into a new session.
type Sealed struct {
	identity ed25519.PrivateKey
	checker  Checker
	version  *semver.Version
}

// NewSealed returns a sealed handshake for the given identity. checker may be
// nil to admit every authenticated peer. version is the local protocol
// version, e.g. "1.2.0".
func NewSealed(identity ed25519.PrivateKey, checker Checker, version string) (*Sealed, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, errors.Wrapf(err, "Invalid protocol version %q", version)
	}
	return &Sealed{identity: identity, checker: checker, version: v}, nil
}

// PublicKey returns the public half of the local identity.
func (s *Sealed) PublicKey() ed25519.PublicKey {
	return s.identity.Public().(ed25519.PublicKey)
}

// Compatible reports whether two protocol versions can talk: same major
// version, and same minor version while the major is 0.
func Compatible(a, b *semver.Version) bool {
	if a.Major != b.Major {
		return false
	}
	return a.Major != 0 || a.Minor == b.Minor
}

type ephemeral struct {
	private [32]byte
	public  []byte
}

func newEphemeral() (*ephemeral, error) {
	e := &ephemeral{}
	if _, err := io.ReadFull(rand.Reader, e.private[:]); err != nil {
		return nil, errors.Wrap(err, "Failed to generate ephemeral key")
	}
	pub, err := curve25519.X25519(e.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to derive ephemeral key")
	}
	e.public = pub
	return e, nil
}

func transcript(label string, keys ...[]byte) []byte {
	out := []byte(label)
	for _, k := range keys {
		out = append(out, k...)
	}
	return out
}

// Handshake runs the exchange for role. The transport is closed on failure
// and when ctx ends before the exchange completes.
func (s *Sealed) Handshake(ctx context.Context, tr transport.Transport, role Role) (*Result, error) {
	stop := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-ctx.Done():
			tr.Close()
		case <-stop:
		}
	}()

	result, err := s.run(tr, role)
	close(stop)
	<-watchDone

	if err != nil {
		tr.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, timeoutOr(ctxErr)
		}
		return nil, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		tr.Close()
		return nil, timeoutOr(ctxErr)
	}
	return result, nil
}

func (s *Sealed) run(tr transport.Transport, role Role) (*Result, error) {
	eph, err := newEphemeral()
	if err != nil {
		return nil, err
	}

	if role == Initiator {
		hello := s.hello(eph.public, transcript("xbridge initiator", eph.public))
		if err := send(tr, hello); err != nil {
			return nil, err
		}
		reply, err := receive(tr)
		if err != nil {
			return nil, err
		}
		if reply.Type == msgReject {
			return nil, rejected(reply.Reason)
		}
		peer, err := s.verify(tr, reply, msgHello, transcript("xbridge responder", eph.public, reply.Ephemeral))
		if err != nil {
			return nil, err
		}
		accept := &message{
			Type:      msgAccept,
			Signature: ed25519.Sign(s.identity, transcript("xbridge accept", eph.public, reply.Ephemeral)),
		}
		if err := send(tr, accept); err != nil {
			return nil, err
		}
		return s.seal(tr, peer, eph, reply.Ephemeral, role)
	}

	hello, err := receive(tr)
	if err != nil {
		return nil, err
	}
	peer, err := s.verify(tr, hello, msgHello, transcript("xbridge initiator", hello.Ephemeral))
	if err != nil {
		return nil, err
	}
	reply := s.hello(eph.public, transcript("xbridge responder", hello.Ephemeral, eph.public))
	if err := send(tr, reply); err != nil {
		return nil, err
	}
	answer, err := receive(tr)
	if err != nil {
		return nil, err
	}
	switch answer.Type {
	case msgReject:
		return nil, rejected(answer.Reason)
	case msgAccept:
		if !ed25519.Verify(peer.PublicKey, transcript("xbridge accept", hello.Ephemeral, eph.public), answer.Signature) {
			return nil, errors.Wrap(rpcerr.ErrProtocolMismatch, "bad accept signature")
		}
	default:
		return nil, errors.Wrapf(rpcerr.ErrProtocolMismatch, "unexpected handshake message %q", answer.Type)
	}
	return s.seal(tr, peer, eph, hello.Ephemeral, role)
}

func (s *Sealed) hello(ephPublic, signed []byte) *message {
	return &message{
		Type:      msgHello,
		Version:   s.version.String(),
		Identity:  s.identity.Public().(ed25519.PublicKey),
		Ephemeral: ephPublic,
		Signature: ed25519.Sign(s.identity, signed),
	}
}

// verify validates a peer hello. On failure it tells the peer why before
// returning the error.
func (s *Sealed) verify(tr transport.Transport, m *message, want string, signed []byte) (*Peer, error) {
	fail := func(reason string, err error) (*Peer, error) {
		_ = send(tr, &message{Type: msgReject, Reason: reason})
		return nil, err
	}

	if m.Type != want {
		return fail(reasonProtocolMismatch, errors.Wrapf(rpcerr.ErrProtocolMismatch, "expected %s, got %q", want, m.Type))
	}
	v, err := semver.NewVersion(m.Version)
	if err != nil || !Compatible(s.version, v) {
		return fail(reasonProtocolMismatch, errors.Wrapf(rpcerr.ErrProtocolMismatch, "peer version %q, local %s", m.Version, s.version))
	}
	if len(m.Identity) != ed25519.PublicKeySize || len(m.Ephemeral) != curve25519.PointSize {
		return fail(reasonProtocolMismatch, errors.Wrap(rpcerr.ErrProtocolMismatch, "bad key length"))
	}
	pub := ed25519.PublicKey(m.Identity)
	if !ed25519.Verify(pub, signed, m.Signature) {
		return fail(reasonProtocolMismatch, errors.Wrap(rpcerr.ErrProtocolMismatch, "bad signature"))
	}

	peer := NewPeer(pub)
	if s.checker != nil && !s.checker.CanConnect(peer.Hash) {
		return fail(reasonPermissionDenied, errors.Wrapf(rpcerr.ErrPermissionDenied, "peer %s may not connect", peer))
	}
	return peer, nil
}

func (s *Sealed) seal(tr transport.Transport, peer *Peer, eph *ephemeral, peerEphemeral []byte, role Role) (*Result, error) {
	secret, err := curve25519.X25519(eph.private[:], peerEphemeral)
	if err != nil {
		return nil, errors.Wrap(rpcerr.ErrProtocolMismatch, err.Error())
	}

	initiatorEph, responderEph := eph.public, peerEphemeral
	if role == Responder {
		initiatorEph, responderEph = peerEphemeral, eph.public
	}
	kdf := hkdf.New(sha256.New, secret, transcript("", initiatorEph, responderEph), []byte(keyInfo))
	keys := make([]byte, 2*chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, keys); err != nil {
		return nil, errors.Wrap(err, "Failed to derive keys")
	}

	sendKey, recvKey := keys[:chacha20poly1305.KeySize], keys[chacha20poly1305.KeySize:]
	if role == Responder {
		sendKey, recvKey = recvKey, sendKey
	}
	sealed, err := newSealedTransport(tr, sendKey, recvKey)
	if err != nil {
		return nil, err
	}
	return &Result{Peer: peer, Transport: sealed}, nil
}

func send(tr transport.Transport, m *message) error {
	body, err := msgpack.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "Failed to encode handshake message")
	}
	return tr.WriteFrame(&protocol.Frame{Kind: protocol.KindHandshake, Body: body})
}

func receive(tr transport.Transport) (*message, error) {
	f, err := tr.ReadFrame()
	if err != nil {
		if err == io.EOF {
			return nil, errors.Wrap(rpcerr.ErrConnectionClosed, "peer closed during handshake")
		}
		return nil, err
	}
	if f.Kind != protocol.KindHandshake {
		return nil, errors.Wrapf(rpcerr.ErrProtocolMismatch, "unexpected %s frame during handshake", f.Kind)
	}
	var m message
	if err := msgpack.Unmarshal(f.Body, &m); err != nil {
		return nil, errors.Wrap(rpcerr.ErrProtocolMismatch, "undecodable handshake message")
	}
	return &m, nil
}

func rejected(reason string) error {
	if reason == reasonPermissionDenied {
		return errors.Wrap(rpcerr.ErrPermissionDenied, "rejected by peer")
	}
	return errors.Wrapf(rpcerr.ErrProtocolMismatch, "rejected by peer: %s", reason)
}

func timeoutOr(err error) error {
	if err == context.DeadlineExceeded {
		return errors.Wrap(rpcerr.ErrHandshakeTimeout, err.Error())
	}
	return err
}

// sealedTransport encrypts frame bodies with ChaCha20-Poly1305. The frame
// header is authenticated as additional data, nonces are per-direction
// counters, so reordered, replayed or forged frames fail to open.
type sealedTransport struct {
	inner transport.Transport

	sending  sync.Mutex
	sendAEAD cipher.AEAD
	sendSeq  uint64

	recvAEAD cipher.AEAD
	recvSeq  uint64 // read loop only
}

func newSealedTransport(inner transport.Transport, sendKey, recvKey []byte) (*sealedTransport, error) {
	sendAEAD, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create cipher")
	}
	recvAEAD, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create cipher")
	}
	return &sealedTransport{inner: inner, sendAEAD: sendAEAD, recvAEAD: recvAEAD}, nil
}

func nonce(size int, seq uint64) []byte {
	n := make([]byte, size)
	binary.BigEndian.PutUint64(n[size-8:], seq)
	return n
}

func (t *sealedTransport) WriteFrame(f *protocol.Frame) error {
	t.sending.Lock()
	defer t.sending.Unlock()

	sealedLen := len(f.Body) + t.sendAEAD.Overhead()
	ad := protocol.Header(f.Kind, f.ID, sealedLen)
	body := t.sendAEAD.Seal(nil, nonce(t.sendAEAD.NonceSize(), t.sendSeq), f.Body, ad)
	t.sendSeq++
	return t.inner.WriteFrame(&protocol.Frame{Kind: f.Kind, ID: f.ID, Body: body})
}

func (t *sealedTransport) ReadFrame() (*protocol.Frame, error) {
	f, err := t.inner.ReadFrame()
	if err != nil {
		return nil, err
	}
	ad := protocol.Header(f.Kind, f.ID, len(f.Body))
	body, err := t.recvAEAD.Open(nil, nonce(t.recvAEAD.NonceSize(), t.recvSeq), f.Body, ad)
	if err != nil {
		return nil, rpcerr.Malformed("sealed frame %d failed authentication", t.recvSeq)
	}
	t.recvSeq++
	return &protocol.Frame{Kind: f.Kind, ID: f.ID, Body: body}, nil
}

// Overhead is the authentication tag added to every body.
func (t *sealedTransport) Overhead() int {
	return t.sendAEAD.Overhead()
}

func (t *sealedTransport) Close() error {
	return t.inner.Close()
}

func (t *sealedTransport) RemoteAddr() string {
	return t.inner.RemoteAddr()
}
