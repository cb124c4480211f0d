package idl

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"text/scanner"
	"unicode"

	"github.com/pkg/errors"
)

// Parse parses schema source. filename is only used in error positions.
//
//	package greeter
//
//	class HelloReq { name: string }
//
//	interface Greeter {
//	    sayHello(req: HelloReq) -> HelloReply
//	    sendFile(name: string, data: stream)
//	    motd: string
//	}
func Parse(filename string, src []byte) (*Schema, error) {
	p := &parser{}
	p.s.Init(strings.NewReader(string(src)))
	p.s.Filename = filename
	p.s.Mode = scanner.ScanIdents | scanner.ScanComments | scanner.SkipComments
	p.s.Error = func(s *scanner.Scanner, msg string) {
		p.fail(s.Pos(), msg)
	}

	schema, err := p.parse()
	if err != nil {
		return nil, err
	}
	if err := resolve(schema, p.pending); err != nil {
		return nil, err
	}
	return schema, nil
}

// ParseFile reads and parses a schema file. The package defaults to the
// file's base name.
func ParseFile(path string) (*Schema, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to read schema")
	}
	schema, err := Parse(filepath.Base(path), src)
	if err != nil {
		return nil, err
	}
	if schema.Package == "" {
		schema.Package = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return schema, nil
}

// MustParse is Parse for schemas embedded in generated code.
func MustParse(filename, src string) *Schema {
	schema, err := Parse(filename, []byte(src))
	if err != nil {
		panic(err)
	}
	return schema
}

type pendingRef struct {
	ref  *TypeRef
	name string
	pos  scanner.Position
}

type parser struct {
	s       scanner.Scanner
	tok     rune
	text    string
	pos     scanner.Position
	pending []pendingRef
}

type parseError struct {
	err error
}

func (p *parser) fail(pos scanner.Position, format string, args ...any) {
	panic(parseError{fmt.Errorf("%s: %s", pos, fmt.Sprintf(format, args...))})
}

func (p *parser) next() {
	p.tok = p.s.Scan()
	p.text = p.s.TokenText()
	p.pos = p.s.Position
}

func (p *parser) expect(tok rune) {
	if p.tok != tok {
		p.fail(p.pos, "expected %s, found %q", scanner.TokenString(tok), p.text)
	}
	p.next()
}

func (p *parser) ident() string {
	if p.tok != scanner.Ident {
		p.fail(p.pos, "expected identifier, found %q", p.text)
	}
	name := p.text
	p.next()
	return name
}

// skipSeparators allows optional ',' or ';' between members.
func (p *parser) skipSeparators() {
	for p.tok == ',' || p.tok == ';' {
		p.next()
	}
}

func (p *parser) parse() (schema *Schema, err error) {
	defer func() {
		if r := recover(); r != nil {
			pe, ok := r.(parseError)
			if !ok {
				panic(r)
			}
			schema, err = nil, pe.err
		}
	}()

	p.next()
	schema = &Schema{}
	if p.tok == scanner.Ident && p.text == "package" {
		p.next()
		schema.Package = p.ident()
		p.skipSeparators()
	}

	names := map[string]bool{}
	for p.tok != scanner.EOF {
		pos := p.pos
		switch keyword := p.ident(); keyword {
		case "class":
			c := p.class()
			if names[c.Name] {
				p.fail(pos, "duplicate declaration %s", c.Name)
			}
			names[c.Name] = true
			schema.Classes = append(schema.Classes, c)
		case "interface":
			d := p.iface()
			if names[d.Name] {
				p.fail(pos, "duplicate declaration %s", d.Name)
			}
			names[d.Name] = true
			schema.Interfaces = append(schema.Interfaces, d)
		default:
			p.fail(pos, "expected class or interface, found %q", keyword)
		}
		p.skipSeparators()
	}
	return schema, nil
}

func (p *parser) declName() string {
	pos := p.pos
	name := p.ident()
	if _, reserved := primitives[name]; reserved || name == "list" {
		p.fail(pos, "%s is a reserved type name", name)
	}
	if !unicode.IsUpper([]rune(name)[0]) {
		p.fail(pos, "type name %s must start with an upper-case letter", name)
	}
	return name
}

func (p *parser) class() *ClassDescriptor {
	c := &ClassDescriptor{Name: p.declName()}
	p.expect('{')
	seen := map[string]bool{}
	for p.tok != '}' {
		pos := p.pos
		f := p.field()
		if seen[f.Name] {
			p.fail(pos, "duplicate field %s.%s", c.Name, f.Name)
		}
		seen[f.Name] = true
		c.Fields = append(c.Fields, f)
		p.skipSeparators()
	}
	p.expect('}')
	return c
}

func (p *parser) field() Field {
	name := p.ident()
	p.expect(':')
	return Field{Name: name, Type: p.typeRef()}
}

func (p *parser) iface() *InterfaceDescriptor {
	d := &InterfaceDescriptor{Name: p.declName()}
	p.expect('{')
	seen := map[string]bool{}
	for p.tok != '}' {
		pos := p.pos
		name := p.ident()

		var m *MethodDescriptor
		switch p.tok {
		case ':':
			// read-only property, exposed as a getter method
			p.next()
			typ := p.typeRef()
			d.Fields = append(d.Fields, Field{Name: name, Type: typ})
			m = &MethodDescriptor{Name: "get" + strings.ToUpper(name[:1]) + name[1:], Returns: typ, Property: true}
		case '(':
			m = &MethodDescriptor{Name: name, Returns: voidType}
			m.Params = p.params()
			if p.tok == '-' {
				p.next()
				p.expect('>')
				m.Returns = p.typeRef()
			}
		default:
			p.fail(p.pos, "expected '(' or ':' after %s, found %q", name, p.text)
		}

		if seen[m.Name] {
			p.fail(pos, "duplicate method %s.%s", d.Name, m.Name)
		}
		seen[m.Name] = true
		if len(d.Methods) >= math.MaxUint16 {
			p.fail(pos, "interface %s has too many methods", d.Name)
		}
		m.Index = uint16(len(d.Methods))
		d.Methods = append(d.Methods, m)
		p.skipSeparators()
	}
	p.expect('}')
	return d
}

func (p *parser) params() []Field {
	p.expect('(')
	var params []Field
	seen := map[string]bool{}
	for p.tok != ')' {
		pos := p.pos
		f := p.field()
		if seen[f.Name] {
			p.fail(pos, "duplicate parameter %s", f.Name)
		}
		seen[f.Name] = true
		params = append(params, f)
		if p.tok != ',' {
			break
		}
		p.next()
	}
	p.expect(')')
	return params
}

func (p *parser) typeRef() *TypeRef {
	pos := p.pos
	name := p.ident()
	if name == "list" {
		p.expect('<')
		elem := p.typeRef()
		p.expect('>')
		return &TypeRef{Kind: KindList, Elem: elem}
	}
	if kind, ok := primitives[name]; ok {
		if kind == KindVoid {
			return voidType
		}
		return &TypeRef{Kind: kind}
	}
	ref := &TypeRef{Name: name}
	p.pending = append(p.pending, pendingRef{ref: ref, name: name, pos: pos})
	return ref
}

// resolve binds named type references and checks placement rules.
func resolve(schema *Schema, pending []pendingRef) error {
	for _, pr := range pending {
		switch {
		case schema.Class(pr.name) != nil:
			pr.ref.Kind = KindClass
		case schema.Interface(pr.name) != nil:
			pr.ref.Kind = KindInterface
		default:
			return fmt.Errorf("%s: unknown type %s", pr.pos, pr.name)
		}
	}

	for _, c := range schema.Classes {
		for _, f := range c.Fields {
			if err := checkValueType(f.Type); err != nil {
				return fmt.Errorf("class %s field %s: %v", c.Name, f.Name, err)
			}
		}
	}
	for _, d := range schema.Interfaces {
		for _, m := range d.Methods {
			for _, param := range m.Params {
				if param.Type.Kind == KindStream {
					continue
				}
				if err := checkValueType(param.Type); err != nil {
					return fmt.Errorf("%s.%s parameter %s: %v", d.Name, m.Name, param.Name, err)
				}
			}
			if m.Returns.Kind != KindVoid {
				if err := checkValueType(m.Returns); err != nil {
					return fmt.Errorf("%s.%s return: %v", d.Name, m.Name, err)
				}
			}
			if m.HasStream() && m.Returns.Kind != KindVoid {
				return fmt.Errorf("%s.%s takes a stream and must not return a value", d.Name, m.Name)
			}
		}
	}
	return nil
}

func checkValueType(t *TypeRef) error {
	switch t.Kind {
	case KindStream:
		return fmt.Errorf("stream is only allowed as a method parameter")
	case KindVoid:
		return fmt.Errorf("void is only allowed as a return type")
	case KindList:
		return checkValueType(t.Elem)
	}
	return nil
}
