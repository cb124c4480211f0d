// Package gen turns a parsed schema into Go source.
//
// For every class it emits a struct implementing codec.Class. For every
// interface X it emits the descriptor variable XDescriptor, the abstract Go
// interface X, the client proxy PrX (a thin wrapper over channel.Proxy) and the
// server skeleton SrX, which implements channel.Service by switching on the
// method index. The schema itself is embedded in canonical form so the
// generated package rebuilds identical descriptors at init time.
package gen

import (
	"bytes"
	"fmt"
	"go/format"
	"go/token"
	"strconv"
	"strings"
	"text/template"

	"xbridge/idl"

	"github.com/pkg/errors"
)

// Options controls code generation.
type Options struct {
	Package string // Go package name; defaults to the schema's package
	Source  string // schema file name recorded in the generated header
}

// Generate renders schema into gofmt-ed Go source.
func Generate(schema *idl.Schema, opts Options) ([]byte, error) {
	pkg := opts.Package
	if pkg == "" {
		pkg = schema.Package
	}
	if pkg == "" || !token.IsIdentifier(pkg) {
		return nil, errors.Errorf("Invalid Go package name %q", pkg)
	}
	source := opts.Source
	if source == "" {
		source = pkg + ".xb"
	}

	data := &fileData{
		Package: pkg,
		Source:  source,
		Schema:  quote(idl.Format(schema)),
	}
	for _, c := range schema.Classes {
		cd, err := newClassData(c)
		if err != nil {
			return nil, err
		}
		data.Classes = append(data.Classes, cd)
	}
	for _, d := range schema.Interfaces {
		data.Interfaces = append(data.Interfaces, newInterfaceData(d))
	}

	var buf bytes.Buffer
	if err := fileTemplate.Execute(&buf, data); err != nil {
		return nil, errors.Wrap(err, "Failed to execute template")
	}
	out, err := format.Source(buf.Bytes())
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to format generated code:\n%s", buf.String())
	}
	return out, nil
}

type fileData struct {
	Package    string
	Source     string
	Schema     string
	Classes    []*classData
	Interfaces []*interfaceData
}

// Imports renders the import block so that no unused package is imported.
func (f *fileData) Imports() string {
	var std, local []string
	if len(f.Interfaces) > 0 {
		std = append(std, `"context"`)
		local = append(local, `"xbridge/channel"`)
	}
	if len(f.Classes) > 0 || len(f.Interfaces) > 0 {
		local = append(local, `"xbridge/codec"`)
	}
	local = append(local, `"xbridge/idl"`)

	lines := std
	if len(std) > 0 {
		lines = append(lines, "")
	}
	lines = append(lines, local...)
	return "\t" + strings.Join(lines, "\n\t")
}

type fieldData struct {
	GoName string
	GoType string
	Encode string
	Decode string
}

type classData struct {
	Name   string
	Fields []*fieldData
}

var classMethods = map[string]bool{"ClassName": true, "MarshalFields": true, "UnmarshalFields": true}

func newClassData(c *idl.ClassDescriptor) (*classData, error) {
	cd := &classData{Name: c.Name}
	for i, f := range c.Fields {
		if holdsInterface(f.Type) {
			return nil, errors.Errorf("class %s field %s: classes are passed by value and cannot hold remote objects", c.Name, f.Name)
		}
		goName := exported(f.Name)
		if classMethods[goName] {
			return nil, errors.Errorf("class %s field %s clashes with a generated method", c.Name, f.Name)
		}
		cd.Fields = append(cd.Fields, &fieldData{
			GoName: goName,
			GoType: goType(f.Type),
			Encode: encode(f.Type, "", "m."+goName),
			Decode: decode(f.Type, "", fmt.Sprintf("fields[%d]", i)),
		})
	}
	return cd, nil
}

type paramData struct {
	Name   string // Go identifier
	GoType string
	Encode string // proxy side: expression passed to Proxy.Call
	Decode string // skeleton side: expression converting args[i]
}

type methodData struct {
	Name     string
	GoName   string
	Index    uint16
	Params   []*paramData
	Void     bool
	Stream   bool
	GoResult string
	Result   string // proxy side: conversion of the reply value
	Reply    string // skeleton side: encoding of the implementation's result
}

// Signature returns the Go parameter list and results.
func (m *methodData) Signature() string {
	params := []string{"ctx context.Context"}
	for _, p := range m.Params {
		params = append(params, p.Name+" "+p.GoType)
	}
	results := "error"
	if !m.Void {
		results = "(" + m.GoResult + ", error)"
	}
	return "(" + strings.Join(params, ", ") + ") " + results
}

// CallArgs returns the encoded argument list for the proxy.
func (m *methodData) CallArgs() string {
	var args []string
	for _, p := range m.Params {
		args = append(args, p.Encode)
	}
	if len(args) == 0 {
		return ""
	}
	return ", " + strings.Join(args, ", ")
}

// ImplArgs returns the argument list for the implementation call.
func (m *methodData) ImplArgs() string {
	args := []string{"ctx"}
	for i := range m.Params {
		args = append(args, fmt.Sprintf("a%d", i))
	}
	return strings.Join(args, ", ")
}

type interfaceData struct {
	Name    string
	Methods []*methodData
}

// identifiers used by generated method bodies
var reservedParams = map[string]bool{
	"ctx": true, "p": true, "s": true, "res": true, "err": true, "zero": true,
	"args": true, "method": true, "codec": true, "channel": true, "idl": true, "context": true,
}

func paramName(name string) string {
	if reservedParams[name] || token.IsKeyword(name) {
		return name + "_"
	}
	return name
}

func newInterfaceData(d *idl.InterfaceDescriptor) *interfaceData {
	id := &interfaceData{Name: d.Name}
	for _, m := range d.Methods {
		md := &methodData{
			Name:   m.Name,
			GoName: exported(m.Name),
			Index:  m.Index,
			Void:   m.Returns.Kind == idl.KindVoid,
			Stream: m.HasStream(),
		}
		for i, p := range m.Params {
			name := paramName(p.Name)
			md.Params = append(md.Params, &paramData{
				Name:   name,
				GoType: goType(p.Type),
				Encode: encode(p.Type, "p.Proxy.Channel()", name),
				Decode: decode(p.Type, "channel.FromContext(ctx)", fmt.Sprintf("args[%d]", i)),
			})
		}
		if !md.Void {
			md.GoResult = goType(m.Returns)
			md.Result = decode(m.Returns, "p.Proxy.Channel()", "res")
			md.Reply = encode(m.Returns, "channel.FromContext(ctx)", "res")
		}
		id.Methods = append(id.Methods, md)
	}
	return id
}

func exported(name string) string {
	return strings.ToUpper(name[:1]) + name[1:]
}

func goType(t *idl.TypeRef) string {
	switch t.Kind {
	case idl.KindBool:
		return "bool"
	case idl.KindInt:
		return "int64"
	case idl.KindUint:
		return "uint64"
	case idl.KindFloat:
		return "float64"
	case idl.KindString:
		return "string"
	case idl.KindBytes:
		return "[]byte"
	case idl.KindList:
		return "[]" + goType(t.Elem)
	case idl.KindClass:
		return "*" + t.Name
	case idl.KindInterface:
		return t.Name
	case idl.KindObject:
		return "codec.Handle"
	case idl.KindStream:
		return "*channel.Stream"
	}
	return "any"
}

func holdsInterface(t *idl.TypeRef) bool {
	switch t.Kind {
	case idl.KindInterface, idl.KindStream:
		return true
	case idl.KindList:
		return holdsInterface(t.Elem)
	}
	return false
}

// converter returns an expression of type func(any) (T, error).
func converter(t *idl.TypeRef, ch string) string {
	switch t.Kind {
	case idl.KindBool:
		return "codec.AsBool"
	case idl.KindInt:
		return "codec.AsInt"
	case idl.KindUint:
		return "codec.AsUint"
	case idl.KindFloat:
		return "codec.AsFloat"
	case idl.KindString:
		return "codec.AsString"
	case idl.KindBytes:
		return "codec.AsBytes"
	case idl.KindObject:
		return "codec.AsHandle"
	case idl.KindStream:
		return "channel.AsStream"
	case idl.KindClass:
		return "as" + t.Name
	}
	return fmt.Sprintf("func(v any) (%s, error) { return %s }", goType(t), decode(t, ch, "v"))
}

// decode returns an expression of type (T, error) converting the decoded
// value v. ch is an expression yielding the *channel.Channel that remote
// object handles belong to.
func decode(t *idl.TypeRef, ch, v string) string {
	switch t.Kind {
	case idl.KindList:
		return fmt.Sprintf("codec.ListFrom(%s, %s)", v, converter(t.Elem, ch))
	case idl.KindInterface:
		return fmt.Sprintf("as%s(%s, %s)", t.Name, ch, v)
	}
	return converter(t, ch) + "(" + v + ")"
}

// encode returns an expression turning the Go value x into an encodable value.
func encode(t *idl.TypeRef, ch, x string) string {
	switch t.Kind {
	case idl.KindInterface:
		return fmt.Sprintf("export%s(%s, %s)", t.Name, ch, x)
	case idl.KindList:
		if t.Elem.Kind == idl.KindList || t.Elem.Kind == idl.KindInterface {
			return fmt.Sprintf("codec.ListMap(%s, func(e %s) any { return %s })", x, goType(t.Elem), encode(t.Elem, ch, "e"))
		}
		return fmt.Sprintf("codec.ListOf(%s)", x)
	}
	return x
}

func quote(s string) string {
	if strings.Contains(s, "`") {
		return strconv.Quote(s)
	}
	return "`" + s + "`"
}

var fileTemplate = template.Must(template.New("file").Parse(`// Code generated by xbgen from {{.Source}}. DO NOT EDIT.

package {{.Package}}

import (
{{.Imports}}
)

const schemaSource = {{.Schema}}

var schema = idl.MustParse("{{.Source}}", schemaSource)

var (
{{- range .Classes}}
	{{.Name}}Descriptor = schema.Class("{{.Name}}")
{{- end}}
{{- range .Interfaces}}
	{{.Name}}Descriptor = schema.Interface("{{.Name}}")
{{- end}}
)
{{range .Classes}}
type {{.Name}} struct {
{{- range .Fields}}
	{{.GoName}} {{.GoType}}
{{- end}}
}

func (m *{{.Name}}) ClassName() string { return "{{.Name}}" }

func (m *{{.Name}}) MarshalFields() []any {
	return []any{ {{- range $i, $f := .Fields}}{{if $i}}, {{end}}{{$f.Encode}}{{end -}} }
}

func (m *{{.Name}}) UnmarshalFields(fields []any) error {
	if err := codec.Fields("{{.Name}}", fields, {{len .Fields}}); err != nil {
		return err
	}
{{- if .Fields}}
	var err error
{{- end}}
{{- range .Fields}}
	if m.{{.GoName}}, err = {{.Decode}}; err != nil {
		return err
	}
{{- end}}
	return nil
}

func as{{.Name}}(v any) (*{{.Name}}, error) {
	if v == nil {
		return nil, nil
	}
	m := &{{.Name}}{}
	if err := codec.AsStruct(v, m); err != nil {
		return nil, err
	}
	return m, nil
}
{{end}}
{{- range .Interfaces}}
{{- $iface := .Name}}
type {{.Name}} interface {
{{- range .Methods}}
	{{.GoName}}{{.Signature}}
{{- end}}
}

// Pr{{.Name}} is the client proxy of a remote {{.Name}}.
type Pr{{.Name}} struct {
	*channel.Proxy
}

var _ {{.Name}} = (*Pr{{.Name}})(nil)

func NewPr{{.Name}}(ch *channel.Channel, h codec.Handle) *Pr{{.Name}} {
	return &Pr{{.Name}}{Proxy: channel.NewProxy(ch, h, {{.Name}}Descriptor)}
}
{{range .Methods}}
func (p *Pr{{$iface}}) {{.GoName}}{{.Signature}} {
{{- if .Stream}}
	return p.Proxy.Notify(ctx, {{.Index}}{{.CallArgs}})
{{- else if .Void}}
	_, err := p.Proxy.Call(ctx, {{.Index}}{{.CallArgs}})
	return err
{{- else}}
	res, err := p.Proxy.Call(ctx, {{.Index}}{{.CallArgs}})
	if err != nil {
		var zero {{.GoResult}}
		return zero, err
	}
	return {{.Result}}
{{- end}}
}
{{end}}
// Sr{{.Name}} dispatches inbound calls to a {{.Name}} implementation.
type Sr{{.Name}} struct {
	impl {{.Name}}
}

var _ channel.Service = (*Sr{{.Name}})(nil)

func NewSr{{.Name}}(impl {{.Name}}) *Sr{{.Name}} {
	return &Sr{{.Name}}{impl: impl}
}

func (s *Sr{{.Name}}) Descriptor() *idl.InterfaceDescriptor {
	return {{.Name}}Descriptor
}

func (s *Sr{{.Name}}) Dispatch(ctx context.Context, method uint16, args []any) (any, error) {
	switch method {
{{- range .Methods}}
	case {{.Index}}: // {{.Name}}
{{- range $i, $p := .Params}}
		a{{$i}}, err := {{$p.Decode}}
		if err != nil {
			return nil, err
		}
{{- end}}
{{- if .Void}}
		return nil, s.impl.{{.GoName}}({{.ImplArgs}})
{{- else}}
		res, err := s.impl.{{.GoName}}({{.ImplArgs}})
		if err != nil {
			return nil, err
		}
		return {{.Reply}}, nil
{{- end}}
{{- end}}
	}
	return nil, channel.NoMethod({{.Name}}Descriptor, method)
}

func as{{.Name}}(ch *channel.Channel, v any) ({{.Name}}, error) {
	if v == nil {
		return nil, nil
	}
	h, err := codec.AsHandle(v)
	if err != nil {
		return nil, err
	}
	return NewPr{{.Name}}(ch, h), nil
}

func export{{.Name}}(ch *channel.Channel, impl {{.Name}}) any {
	if impl == nil {
		return nil
	}
	return ch.Export(NewSr{{.Name}}(impl))
}
{{end}}`))
