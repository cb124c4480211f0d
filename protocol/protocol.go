// Package protocol implements the binary frame format of xbridge.
//
// Every unit on the wire is a Frame: a fixed 14-byte header followed by a
// variable-length body. The receiver reads the header first to learn the body
// length, then reads exactly that many bytes, so frames survive TCP's byte
// stream semantics as well as message-oriented transports.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │k │fl│   id    │ bodyLen │    body ...    │
//	│ xbr  │01│  │00│ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// The id is the correlation id for call, reply, error and cancel frames and
// the stream id for stream-chunk and stream-end frames.
package protocol

import (
	"encoding/binary"
	"io"

	"xbridge/rpcerr"
)

// Magic number bytes: "xbr". Used to reject non-protocol peers early
// (e.g., HTTP clients hitting the wrong port).
const (
	MagicNumber byte = 0x78 // 'x'
	MagicByte2  byte = 0x62 // 'b'
	MagicByte3  byte = 0x72 // 'r'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (kind) + 1 (flags) + 4 (id) + 4 (bodyLen)

	// MaxBodyLen bounds a single frame. Larger payloads must be streamed.
	MaxBodyLen uint32 = 16 << 20
)

// Kind distinguishes the frame types.
type Kind byte

const (
	KindCall        Kind = 1 // Call request (correlation id)
	KindReply       Kind = 2 // Successful result (correlation id)
	KindError       Kind = 3 // Failed result (correlation id)
	KindStreamChunk Kind = 4 // Out-of-band stream bytes (stream id)
	KindStreamEnd   Kind = 5 // End of stream, optional abort reason (stream id)
	KindRelease     Kind = 6 // Release of a remote object handle
	KindCancel      Kind = 7 // Cancel an in-flight call (correlation id)
	KindHeartbeat   Kind = 8 // KeepAlive probe (no body)
	KindHandshake   Kind = 9 // Handshake message, only before Ready
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindReply:
		return "reply"
	case KindError:
		return "error"
	case KindStreamChunk:
		return "stream-chunk"
	case KindStreamEnd:
		return "stream-end"
	case KindRelease:
		return "release"
	case KindCancel:
		return "cancel"
	case KindHeartbeat:
		return "heartbeat"
	case KindHandshake:
		return "handshake"
	default:
		return "unknown"
	}
}

// Valid reports whether k is a known frame kind.
func (k Kind) Valid() bool {
	return k >= KindCall && k <= KindHandshake
}

// Frame is a single wire-format unit.
type Frame struct {
	Kind Kind
	ID   uint32
	Body []byte
}

func putHeader(buf []byte, kind Kind, id uint32, bodyLen int) {
	// magic "xbr" identifies the protocol
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = byte(kind)
	buf[5] = 0 // flags, reserved
	binary.BigEndian.PutUint32(buf[6:10], id)
	binary.BigEndian.PutUint32(buf[10:14], uint32(bodyLen))
}

// parseHeader validates a header and returns the frame skeleton and body length.
func parseHeader(buf []byte) (*Frame, uint32, error) {
	if buf[0] != MagicNumber || buf[1] != MagicByte2 || buf[2] != MagicByte3 {
		return nil, 0, rpcerr.Malformed("invalid magic number: %x", buf[0:3])
	}
	if buf[3] != Version {
		return nil, 0, rpcerr.Malformed("unsupported version: %d", buf[3])
	}
	kind := Kind(buf[4])
	if !kind.Valid() {
		return nil, 0, rpcerr.Malformed("unsupported frame kind: %d", buf[4])
	}
	bodyLen := binary.BigEndian.Uint32(buf[10:14])
	if bodyLen > MaxBodyLen {
		return nil, 0, rpcerr.Malformed("body length %d exceeds limit %d", bodyLen, MaxBodyLen)
	}
	return &Frame{Kind: kind, ID: binary.BigEndian.Uint32(buf[6:10])}, bodyLen, nil
}

// Header returns the encoded header of a frame with the given body length.
// Sealed transports authenticate it as additional data.
func Header(kind Kind, id uint32, bodyLen int) []byte {
	buf := make([]byte, HeaderSize)
	putHeader(buf, kind, id, bodyLen)
	return buf
}

// Encode writes a complete frame (header + body) to w.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different calls interleave and corrupt the stream.
func Encode(w io.Writer, f *Frame) error {
	if uint32(len(f.Body)) > MaxBodyLen {
		return rpcerr.Malformed("body length %d exceeds limit %d", len(f.Body), MaxBodyLen)
	}
	buf := make([]byte, HeaderSize)
	putHeader(buf, f.Kind, f.ID, len(f.Body))

	if _, err := w.Write(buf); err != nil {
		return err
	}
	if len(f.Body) == 0 {
		return nil
	}
	_, err := w.Write(f.Body)
	return err
}

// Decode reads a complete frame (header + body) from r.
// io.EOF is returned only when the stream ends exactly on a frame boundary;
// a frame cut short is malformed.
func Decode(r io.Reader) (*Frame, error) {
	headerBuf := make([]byte, HeaderSize)
	if n, err := io.ReadFull(r, headerBuf); err != nil {
		if err == io.EOF && n == 0 {
			return nil, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return nil, rpcerr.Malformed("truncated header: %d of %d bytes", n, HeaderSize)
		}
		return nil, err
	}

	f, bodyLen, err := parseHeader(headerBuf)
	if err != nil {
		return nil, err
	}

	// Read exactly bodyLen bytes
	f.Body = make([]byte, bodyLen)
	if n, err := io.ReadFull(r, f.Body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, rpcerr.Malformed("truncated body: %d of %d bytes", n, bodyLen)
		}
		return nil, err
	}
	return f, nil
}

// Marshal returns the encoded frame as a single message.
func Marshal(f *Frame) ([]byte, error) {
	if uint32(len(f.Body)) > MaxBodyLen {
		return nil, rpcerr.Malformed("body length %d exceeds limit %d", len(f.Body), MaxBodyLen)
	}
	buf := make([]byte, HeaderSize+len(f.Body))
	putHeader(buf, f.Kind, f.ID, len(f.Body))
	copy(buf[HeaderSize:], f.Body)
	return buf, nil
}

// Unmarshal decodes a frame from one message. The declared body length must
// match the bytes present exactly.
func Unmarshal(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, rpcerr.Malformed("short frame: %d bytes", len(data))
	}
	f, bodyLen, err := parseHeader(data[:HeaderSize])
	if err != nil {
		return nil, err
	}
	if int(bodyLen) != len(data)-HeaderSize {
		return nil, rpcerr.Malformed("declared body length %d, got %d bytes", bodyLen, len(data)-HeaderSize)
	}
	f.Body = make([]byte, bodyLen)
	copy(f.Body, data[HeaderSize:])
	return f, nil
}
