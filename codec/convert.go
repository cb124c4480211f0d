package codec

import (
	"math"

	"xbridge/rpcerr"

	"github.com/pkg/errors"
)

// The As* helpers convert decoded values into the Go types used by generated
// code. A mismatch is a call-level ErrBadArguments, never a framing error.

func mismatch(want string, v any) error {
	return errors.Wrapf(rpcerr.ErrBadArguments, "expected %s, got %T", want, v)
}

func AsBool(v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, mismatch("bool", v)
	}
	return b, nil
}

func AsInt(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, errors.Wrapf(rpcerr.ErrBadArguments, "%d overflows int", x)
		}
		return int64(x), nil
	}
	return 0, mismatch("int", v)
}

func AsUint(v any) (uint64, error) {
	switch x := v.(type) {
	case uint64:
		return x, nil
	case int64:
		if x < 0 {
			return 0, errors.Wrapf(rpcerr.ErrBadArguments, "%d is negative", x)
		}
		return uint64(x), nil
	}
	return 0, mismatch("uint", v)
}

func AsFloat(v any) (float64, error) {
	f, ok := v.(float64)
	if !ok {
		return 0, mismatch("float", v)
	}
	return f, nil
}

func AsString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", mismatch("string", v)
	}
	return s, nil
}

func AsBytes(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, mismatch("bytes", v)
	}
	return b, nil
}

func AsList(v any) ([]any, error) {
	if v == nil {
		return nil, nil
	}
	l, ok := v.([]any)
	if !ok {
		return nil, mismatch("list", v)
	}
	return l, nil
}

// AsStruct fills dst from a decoded struct value. The class names must match.
func AsStruct(v any, dst Class) error {
	s, ok := v.(*Struct)
	if !ok {
		return mismatch("class "+dst.ClassName(), v)
	}
	if s.Name != dst.ClassName() {
		return errors.Wrapf(rpcerr.ErrBadArguments, "expected class %s, got %s", dst.ClassName(), s.Name)
	}
	return dst.UnmarshalFields(s.Fields)
}

func AsHandle(v any) (Handle, error) {
	h, ok := v.(Handle)
	if !ok {
		return Handle{}, mismatch("object handle", v)
	}
	return h, nil
}

// ListOf converts a typed slice into an encodable list.
func ListOf[T any](items []T) []any {
	if items == nil {
		return nil
	}
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}

// ListMap converts a typed slice into an encodable list, converting each
// element with conv (e.g. exporting interface values as handles).
func ListMap[T any](items []T, conv func(T) any) []any {
	if items == nil {
		return nil
	}
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = conv(item)
	}
	return out
}

// ListFrom converts a decoded list into a typed slice using conv per element.
func ListFrom[T any](v any, conv func(any) (T, error)) ([]T, error) {
	items, err := AsList(v)
	if err != nil || items == nil {
		return nil, err
	}
	out := make([]T, len(items))
	for i, item := range items {
		if out[i], err = conv(item); err != nil {
			return nil, errors.Wrapf(err, "list element %d", i)
		}
	}
	return out, nil
}

// Fields checks the field count of a decoded class against the expected one.
func Fields(class string, fields []any, want int) error {
	if len(fields) != want {
		return errors.Wrapf(rpcerr.ErrBadArguments, "class %s: expected %d fields, got %d", class, want, len(fields))
	}
	return nil
}
