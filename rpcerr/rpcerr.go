// Package rpcerr defines the error taxonomy shared by every xbridge layer.
//
// Errors fall into four kinds:
//
//	Transport-fatal  MalformedFrame, ConnectionClosed, HandshakeTimeout, ProtocolMismatch
//	                 → the Channel is torn down, every in-flight call fails.
//	Call             CallTimeout, ServiceNotFound, application errors
//	                 → only the originating call fails, the Channel stays Ready.
//	Session          UnknownSession, UnexpectedMessageKind
//	                 → only the resuming caller sees it.
//	Permission       PermissionDenied (handshake or dispatch).
//
// Call-level and session-level errors cross the wire inside error frames as a
// numeric Code plus message; RemoteError maps the code back to the sentinel so
// errors.Is keeps working on the calling side.
package rpcerr

import (
	"context"
	"errors"
	"fmt"
	"io"

	pkgerrors "github.com/pkg/errors"
)

var (
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrConnectionClosed = errors.New("connection closed")
	ErrHandshakeTimeout = errors.New("handshake timeout")
	ErrProtocolMismatch = errors.New("protocol mismatch")
	ErrNotReady         = errors.New("channel not ready")

	ErrCallTimeout     = errors.New("call timeout")
	ErrCancelled       = errors.New("call cancelled")
	ErrServiceNotFound = errors.New("service not found")
	ErrObjectNotFound  = errors.New("object not found")
	ErrMethodNotFound  = errors.New("method not found")
	ErrBadArguments    = errors.New("bad arguments")
	ErrRateLimited     = errors.New("rate limit exceeded")

	ErrUnknownSession        = errors.New("unknown session")
	ErrUnexpectedMessageKind = errors.New("unexpected message kind")

	ErrPermissionDenied = errors.New("permission denied")
)

// Kind classifies an error for propagation decisions.
type Kind int

const (
	KindApplication Kind = iota
	KindTransport
	KindCall
	KindSession
	KindPermission
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindCall:
		return "call"
	case KindSession:
		return "session"
	case KindPermission:
		return "permission"
	default:
		return "application"
	}
}

// Code is the on-wire identifier of an error carried by an error frame.
type Code uint16

const (
	CodeApplication Code = iota
	CodeServiceNotFound
	CodeObjectNotFound
	CodeMethodNotFound
	CodeBadArguments
	CodePermissionDenied
	CodeUnknownSession
	CodeUnexpectedMessageKind
	CodeCancelled
	CodeRateLimited
	CodeCallTimeout
)

var codeTable = map[Code]error{
	CodeServiceNotFound:       ErrServiceNotFound,
	CodeObjectNotFound:        ErrObjectNotFound,
	CodeMethodNotFound:        ErrMethodNotFound,
	CodeBadArguments:          ErrBadArguments,
	CodePermissionDenied:      ErrPermissionDenied,
	CodeUnknownSession:        ErrUnknownSession,
	CodeUnexpectedMessageKind: ErrUnexpectedMessageKind,
	CodeCancelled:             ErrCancelled,
	CodeRateLimited:           ErrRateLimited,
	CodeCallTimeout:           ErrCallTimeout,
}

// CodeOf returns the wire code for err. Errors outside the taxonomy are
// application errors.
func CodeOf(err error) Code {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Code
	}
	for code, sentinel := range codeTable {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeCallTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	return CodeApplication
}

// RemoteError is an error reported by the other side of a channel.
type RemoteError struct {
	Code    Code
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Is matches the sentinel registered for the error's code.
func (e *RemoteError) Is(target error) bool {
	sentinel, ok := codeTable[e.Code]
	return ok && sentinel == target
}

// FromWire rebuilds the error carried by an error frame.
func FromWire(code Code, message string) error {
	return &RemoteError{Code: code, Message: message}
}

// KindOf classifies err.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindApplication
	case errors.Is(err, ErrMalformedFrame),
		errors.Is(err, ErrConnectionClosed),
		errors.Is(err, ErrHandshakeTimeout),
		errors.Is(err, ErrProtocolMismatch),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return KindTransport
	case errors.Is(err, ErrPermissionDenied):
		return KindPermission
	case errors.Is(err, ErrUnknownSession),
		errors.Is(err, ErrUnexpectedMessageKind):
		return KindSession
	case errors.Is(err, ErrCallTimeout),
		errors.Is(err, ErrCancelled),
		errors.Is(err, ErrServiceNotFound),
		errors.Is(err, ErrObjectNotFound),
		errors.Is(err, ErrMethodNotFound),
		errors.Is(err, ErrBadArguments),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrNotReady):
		return KindCall
	}
	return KindApplication
}

// IsFatal reports whether err must tear down the channel it surfaced on.
func IsFatal(err error) bool {
	return KindOf(err) == KindTransport
}

// Malformed wraps a decode failure as a fatal framing error.
func Malformed(format string, args ...any) error {
	return pkgerrors.Wrap(ErrMalformedFrame, fmt.Sprintf(format, args...))
}

// Describe renders the deepest message of err together with its kind, the way
// the CLI surfaces failures.
func Describe(err error) string {
	return fmt.Sprintf("%s error: %s", KindOf(err), pkgerrors.Cause(err).Error())
}
