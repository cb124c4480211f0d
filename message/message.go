// Package message defines the typed bodies carried by xbridge frames.
//
// A Call is the "envelope" of every remote method invocation. It is encoded by
// the codec package and wrapped in a protocol frame whose id is the
// correlation id. Replies and errors travel back under the same id.
package message

// Call carries a single method invocation on a remote object.
//
//   - ObjectID 0 addresses the well-known peer service; other ids name objects
//     exported by the receiving side.
//   - Method is the index into the interface's method list, not its name.
//   - Args hold decoded values: nil, bool, int64, uint64, float64, string,
//     []byte, []any, *codec.Struct, codec.Handle or codec.StreamRef.
type Call struct {
	ObjectID  uint64
	Interface string
	Method    uint16
	OneWay    bool // no reply frame is sent (methods taking a stream)
	Args      []any

	// Name is the method name resolved by the receiving channel before
	// dispatch. It is not encoded.
	Name string
}

// Error is the body of an error frame.
type Error struct {
	Code    uint16
	Message string
}

// Release tells the owning side that a remote object handle is no longer used.
type Release struct {
	ObjectID uint64
}
