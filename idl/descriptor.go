// Package idl is the interface definition model of xbridge.
//
// It parses .xb schema files (class declarations with typed fields, interface
// declarations with typed methods) into an immutable graph of descriptors that
// the code generator turns into Go interfaces, proxies and service skeletons,
// and that channels use at run time to name methods by index.
package idl

import (
	"fmt"
	"strings"
)

// Kind is the kind of a type reference.
type Kind int

const (
	KindVoid Kind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindString
	KindBytes
	KindList
	KindClass     // declared class, encoded by value
	KindInterface // declared interface, encoded as a remote object handle
	KindObject    // any remote object (handle of unknown interface)
	KindStream    // out-of-band byte stream, parameters only
)

var primitives = map[string]Kind{
	"void":   KindVoid,
	"bool":   KindBool,
	"int":    KindInt,
	"uint":   KindUint,
	"float":  KindFloat,
	"string": KindString,
	"bytes":  KindBytes,
	"object": KindObject,
	"stream": KindStream,
}

// TypeRef references a type from a field, parameter or return position.
type TypeRef struct {
	Kind Kind
	Name string   // class or interface name
	Elem *TypeRef // list element
}

var voidType = &TypeRef{Kind: KindVoid}

// IsPrimitive reports whether the type is encoded inline.
func (t *TypeRef) IsPrimitive() bool {
	return t.Kind >= KindBool && t.Kind <= KindBytes
}

func (t *TypeRef) String() string {
	switch t.Kind {
	case KindList:
		return "list<" + t.Elem.String() + ">"
	case KindClass, KindInterface:
		return t.Name
	}
	for name, kind := range primitives {
		if kind == t.Kind {
			return name
		}
	}
	return "?"
}

// Field is a named, typed slot of a class, an interface property or a method
// parameter.
type Field struct {
	Name string
	Type *TypeRef
}

// MethodDescriptor describes one interface method. Index is the position in
// the interface's method list and is what travels on the wire.
type MethodDescriptor struct {
	Name     string
	Index    uint16
	Params   []Field
	Returns  *TypeRef
	Property bool // synthesized getter for an interface field
}

// HasStream reports whether the method takes a stream parameter. Such methods
// are fire-and-forget: their payload follows the call frame out-of-band.
func (m *MethodDescriptor) HasStream() bool {
	for _, p := range m.Params {
		if p.Type.Kind == KindStream {
			return true
		}
	}
	return false
}

func (m *MethodDescriptor) String() string {
	params := make([]string, len(m.Params))
	for i, p := range m.Params {
		params[i] = p.Name + ": " + p.Type.String()
	}
	s := fmt.Sprintf("%s(%s)", m.Name, strings.Join(params, ", "))
	if m.Returns.Kind != KindVoid {
		s += " -> " + m.Returns.String()
	}
	return s
}

// InterfaceDescriptor describes an interface. It is immutable once parsed;
// proxies and services reference it without owning it.
type InterfaceDescriptor struct {
	Name    string
	Methods []*MethodDescriptor
	Fields  []Field
}

// Method looks up a method by name.
func (d *InterfaceDescriptor) Method(name string) (*MethodDescriptor, bool) {
	for _, m := range d.Methods {
		if m.Name == name {
			return m, true
		}
	}
	return nil, false
}

// MethodAt looks up a method by wire index.
func (d *InterfaceDescriptor) MethodAt(index uint16) (*MethodDescriptor, bool) {
	if int(index) >= len(d.Methods) {
		return nil, false
	}
	return d.Methods[index], true
}

// MethodName returns the name for index, or a placeholder for logging.
func (d *InterfaceDescriptor) MethodName(index uint16) string {
	if m, ok := d.MethodAt(index); ok {
		return m.Name
	}
	return fmt.Sprintf("#%d", index)
}

// ClassDescriptor describes a class: an ordered list of typed fields.
type ClassDescriptor struct {
	Name   string
	Fields []Field
}

// Schema is the result of parsing one .xb file.
type Schema struct {
	Package    string
	Classes    []*ClassDescriptor
	Interfaces []*InterfaceDescriptor
}

// Interface returns the named interface or nil.
func (s *Schema) Interface(name string) *InterfaceDescriptor {
	for _, d := range s.Interfaces {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// Class returns the named class or nil.
func (s *Schema) Class(name string) *ClassDescriptor {
	for _, c := range s.Classes {
		if c.Name == name {
			return c
		}
	}
	return nil
}
