// Package codec implements the tagged binary value encoding used in frame bodies.
//
// Every value is prefixed by a one-byte type tag. Primitives are inlined,
// class instances are encoded recursively as a class name plus their fields,
// and remote objects travel as a handle (object id + interface name). A stream
// argument is only a stream-id placeholder; its bytes follow out-of-band in
// stream-chunk frames.
//
// Integers are fixed-width big-endian; floats are IEEE-754 bits passed
// through unmodified.
//
//	tag  payload
//	0    nil
//	1    bool       1 byte
//	2    int        8 bytes, two's complement
//	3    uint       8 bytes
//	4    float      8 bytes, IEEE-754
//	5    string     uint32 length + bytes
//	6    bytes      uint32 length + bytes
//	7    list       uint32 count + values
//	8    struct     string class name + uint16 count + values
//	9    handle     uint64 object id + string interface name
//	10   stream     uint32 stream id
package codec

// Tag identifies the type of an encoded value.
type Tag byte

const (
	TagNil Tag = iota
	TagBool
	TagInt
	TagUint
	TagFloat
	TagString
	TagBytes
	TagList
	TagStruct
	TagHandle
	TagStream
)

// maxDepth bounds nesting of lists and structs while decoding.
const maxDepth = 64

// Class is implemented by generated class types so they can be encoded by value.
type Class interface {
	ClassName() string
	MarshalFields() []any
	UnmarshalFields(fields []any) error
}

// Struct is the decoded form of a class instance.
type Struct struct {
	Name   string
	Fields []any
}

func (s *Struct) ClassName() string    { return s.Name }
func (s *Struct) MarshalFields() []any { return s.Fields }

func (s *Struct) UnmarshalFields(fields []any) error {
	s.Fields = fields
	return nil
}

// Handle denotes an object living on the other side of a channel. The side
// that created the object owns it; a Handle is a non-owning reference.
type Handle struct {
	ID        uint64
	Interface string
}

// StreamRef is the placeholder encoded in place of a stream argument.
type StreamRef struct {
	ID uint32
}
