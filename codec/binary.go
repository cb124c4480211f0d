package codec

import (
	"encoding/binary"
	"math"
	"reflect"

	"xbridge/message"
	"xbridge/rpcerr"

	"github.com/pkg/errors"
)

const flagOneWay byte = 1 << 0

type writer struct {
	buf []byte
}

func (w *writer) byte(b byte) { w.buf = append(w.buf, b) }

func (w *writer) uint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

func (w *writer) uint32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func (w *writer) uint64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *writer) bytes(b []byte) {
	w.uint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) string(s string) {
	w.uint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) value(v any, depth int) error {
	if depth > maxDepth {
		return errors.Wrapf(rpcerr.ErrBadArguments, "value nested deeper than %d", maxDepth)
	}
	if isNil(v) {
		w.byte(byte(TagNil))
		return nil
	}

	switch x := v.(type) {
	case bool:
		w.byte(byte(TagBool))
		if x {
			w.byte(1)
		} else {
			w.byte(0)
		}
	case int:
		w.int(int64(x))
	case int8:
		w.int(int64(x))
	case int16:
		w.int(int64(x))
	case int32:
		w.int(int64(x))
	case int64:
		w.int(x)
	case uint:
		w.uint(uint64(x))
	case uint8:
		w.uint(uint64(x))
	case uint16:
		w.uint(uint64(x))
	case uint32:
		w.uint(uint64(x))
	case uint64:
		w.uint(x)
	case float32:
		w.float(float64(x))
	case float64:
		w.float(x)
	case string:
		w.byte(byte(TagString))
		w.string(x)
	case []byte:
		w.byte(byte(TagBytes))
		w.bytes(x)
	case []any:
		w.byte(byte(TagList))
		w.uint32(uint32(len(x)))
		for _, item := range x {
			if err := w.value(item, depth+1); err != nil {
				return err
			}
		}
	case Handle:
		w.byte(byte(TagHandle))
		w.uint64(x.ID)
		w.string(x.Interface)
	case *Handle:
		return w.value(*x, depth)
	case StreamRef:
		w.byte(byte(TagStream))
		w.uint32(x.ID)
	case Class:
		fields := x.MarshalFields()
		if len(fields) > math.MaxUint16 {
			return errors.Wrapf(rpcerr.ErrBadArguments, "class %s has too many fields", x.ClassName())
		}
		w.byte(byte(TagStruct))
		w.string(x.ClassName())
		w.uint16(uint16(len(fields)))
		for _, field := range fields {
			if err := w.value(field, depth+1); err != nil {
				return errors.Wrapf(err, "field of %s", x.ClassName())
			}
		}
	default:
		return errUnsupported(v)
	}
	return nil
}

func (w *writer) int(v int64) {
	w.byte(byte(TagInt))
	w.uint64(uint64(v))
}

func (w *writer) uint(v uint64) {
	w.byte(byte(TagUint))
	w.uint64(v)
}

func (w *writer) float(v float64) {
	w.byte(byte(TagFloat))
	w.uint64(math.Float64bits(v))
}

// isNil catches untyped nil as well as typed nil pointers of generated classes.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map:
		return rv.IsNil()
	}
	return false
}

func errUnsupported(v any) error {
	return errors.Wrapf(rpcerr.ErrBadArguments, "unsupported value type %T", v)
}

type reader struct {
	data []byte
	off  int
}

func (r *reader) need(n int) error {
	if n < 0 || len(r.data)-r.off < n {
		return rpcerr.Malformed("need %d bytes at offset %d, have %d", n, r.off, len(r.data)-r.off)
	}
	return nil
}

func (r *reader) byte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.data[r.off]
	r.off++
	return b, nil
}

func (r *reader) uint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) uint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) uint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, r.data[r.off:])
	r.off += int(n)
	return b, nil
}

func (r *reader) string() (string, error) {
	b, err := r.bytes()
	return string(b), err
}

func (r *reader) value(depth int) (any, error) {
	if depth > maxDepth {
		return nil, rpcerr.Malformed("value nested deeper than %d", maxDepth)
	}
	tag, err := r.byte()
	if err != nil {
		return nil, err
	}

	switch Tag(tag) {
	case TagNil:
		return nil, nil
	case TagBool:
		b, err := r.byte()
		if err != nil {
			return nil, err
		}
		if b > 1 {
			return nil, rpcerr.Malformed("invalid bool byte %d", b)
		}
		return b == 1, nil
	case TagInt:
		v, err := r.uint64()
		return int64(v), err
	case TagUint:
		return r.uint64()
	case TagFloat:
		v, err := r.uint64()
		return math.Float64frombits(v), err
	case TagString:
		return r.string()
	case TagBytes:
		return r.bytes()
	case TagList:
		n, err := r.uint32()
		if err != nil {
			return nil, err
		}
		// every element takes at least its tag byte
		if err := r.need(int(n)); err != nil {
			return nil, err
		}
		items := make([]any, n)
		for i := range items {
			if items[i], err = r.value(depth + 1); err != nil {
				return nil, err
			}
		}
		return items, nil
	case TagStruct:
		name, err := r.string()
		if err != nil {
			return nil, err
		}
		n, err := r.uint16()
		if err != nil {
			return nil, err
		}
		if err := r.need(int(n)); err != nil {
			return nil, err
		}
		s := &Struct{Name: name, Fields: make([]any, n)}
		for i := range s.Fields {
			if s.Fields[i], err = r.value(depth + 1); err != nil {
				return nil, err
			}
		}
		return s, nil
	case TagHandle:
		id, err := r.uint64()
		if err != nil {
			return nil, err
		}
		iface, err := r.string()
		if err != nil {
			return nil, err
		}
		return Handle{ID: id, Interface: iface}, nil
	case TagStream:
		id, err := r.uint32()
		return StreamRef{ID: id}, err
	}
	return nil, rpcerr.Malformed("unknown type tag %d", tag)
}

func (r *reader) end() error {
	if r.off != len(r.data) {
		return rpcerr.Malformed("%d trailing bytes", len(r.data)-r.off)
	}
	return nil
}

// EncodeValue encodes a single value, e.g. a reply.
func EncodeValue(v any) ([]byte, error) {
	w := &writer{}
	if err := w.value(v, 0); err != nil {
		return nil, err
	}
	return w.buf, nil
}

// DecodeValue decodes a single value. The body must hold exactly one value.
func DecodeValue(data []byte) (any, error) {
	r := &reader{data: data}
	v, err := r.value(0)
	if err != nil {
		return nil, err
	}
	return v, r.end()
}

// EncodeCall encodes a call body: object id, interface name, method index,
// flags, argument count, then each argument by type tag.
func EncodeCall(call *message.Call) ([]byte, error) {
	if len(call.Args) > math.MaxUint16 {
		return nil, errors.Wrapf(rpcerr.ErrBadArguments, "too many arguments: %d", len(call.Args))
	}
	w := &writer{}
	w.uint64(call.ObjectID)
	w.string(call.Interface)
	w.uint16(call.Method)
	var flags byte
	if call.OneWay {
		flags |= flagOneWay
	}
	w.byte(flags)
	w.uint16(uint16(len(call.Args)))
	for i, arg := range call.Args {
		if err := w.value(arg, 0); err != nil {
			return nil, errors.Wrapf(err, "argument %d", i)
		}
	}
	return w.buf, nil
}

// DecodeCall decodes a call body.
func DecodeCall(data []byte) (*message.Call, error) {
	r := &reader{data: data}
	var err error
	call := &message.Call{}
	if call.ObjectID, err = r.uint64(); err != nil {
		return nil, err
	}
	if call.Interface, err = r.string(); err != nil {
		return nil, err
	}
	if call.Method, err = r.uint16(); err != nil {
		return nil, err
	}
	flags, err := r.byte()
	if err != nil {
		return nil, err
	}
	if flags&^flagOneWay != 0 {
		return nil, rpcerr.Malformed("unknown call flags %#x", flags)
	}
	call.OneWay = flags&flagOneWay != 0
	argc, err := r.uint16()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(argc)); err != nil {
		return nil, err
	}
	call.Args = make([]any, argc)
	for i := range call.Args {
		if call.Args[i], err = r.value(0); err != nil {
			return nil, err
		}
	}
	return call, r.end()
}

// EncodeError encodes an error body.
func EncodeError(e *message.Error) []byte {
	w := &writer{}
	w.uint16(e.Code)
	w.string(e.Message)
	return w.buf
}

// DecodeError decodes an error body.
func DecodeError(data []byte) (*message.Error, error) {
	r := &reader{data: data}
	code, err := r.uint16()
	if err != nil {
		return nil, err
	}
	msg, err := r.string()
	if err != nil {
		return nil, err
	}
	return &message.Error{Code: code, Message: msg}, r.end()
}

// EncodeRelease encodes a release body.
func EncodeRelease(rel *message.Release) []byte {
	w := &writer{}
	w.uint64(rel.ObjectID)
	return w.buf
}

// DecodeRelease decodes a release body.
func DecodeRelease(data []byte) (*message.Release, error) {
	r := &reader{data: data}
	id, err := r.uint64()
	if err != nil {
		return nil, err
	}
	return &message.Release{ObjectID: id}, r.end()
}
