package idl

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

const greeterSchema = `
package greeter

// requests
class HelloReq { name: string }
class HelloReply { msg: string; tags: list<string> }

interface Greeter {
    sayHello(req: HelloReq) -> HelloReply
    sendFile(name: string, data: stream)
    child() -> Greeter
    motd: string
    history(limit: int) -> list<HelloReply>
}
`

type ParserTestSuite struct {
	suite.Suite
}

func (suite *ParserTestSuite) TestParseGreeter() {
	schema, err := Parse("greeter.xb", []byte(greeterSchema))
	suite.Require().NoError(err)

	suite.Equal("greeter", schema.Package)
	suite.Len(schema.Classes, 2)
	suite.Len(schema.Interfaces, 1)

	reply := schema.Class("HelloReply")
	suite.Require().NotNil(reply)
	suite.Len(reply.Fields, 2)
	suite.Equal(KindList, reply.Fields[1].Type.Kind)
	suite.Equal(KindString, reply.Fields[1].Type.Elem.Kind)

	greeter := schema.Interface("Greeter")
	suite.Require().NotNil(greeter)
	suite.Len(greeter.Methods, 5)

	sayHello, ok := greeter.Method("sayHello")
	suite.Require().True(ok)
	suite.Equal(uint16(0), sayHello.Index)
	suite.Equal(KindClass, sayHello.Params[0].Type.Kind)
	suite.Equal("HelloReq", sayHello.Params[0].Type.Name)
	suite.Equal("HelloReply", sayHello.Returns.Name)
	suite.False(sayHello.HasStream())

	sendFile, ok := greeter.MethodAt(1)
	suite.Require().True(ok)
	suite.Equal("sendFile", sendFile.Name)
	suite.True(sendFile.HasStream())
	suite.Equal(KindVoid, sendFile.Returns.Kind)

	child, _ := greeter.Method("child")
	suite.Equal(KindInterface, child.Returns.Kind)

	// properties become getters in declaration order
	motd, ok := greeter.MethodAt(3)
	suite.Require().True(ok)
	suite.Equal("getMotd", motd.Name)
	suite.True(motd.Property)
	suite.Equal([]Field{{Name: "motd", Type: &TypeRef{Kind: KindString}}}, greeter.Fields)

	suite.Equal("history(limit: int) -> list<HelloReply>", greeter.Methods[4].String())
	suite.Equal("#9", greeter.MethodName(9))
}

func (suite *ParserTestSuite) TestRejectsInvalidSchemas() {
	cases := map[string]string{
		"unknown type":          `interface A { f(x: Missing) }`,
		"stream with result":    `interface A { f(x: stream) -> int }`,
		"stream as field":       `class C { s: stream }`,
		"stream as return":      `interface A { f() -> stream }`,
		"stream in list":        `interface A { f(x: list<stream>) }`,
		"duplicate method":      `interface A { f() f() }`,
		"duplicate field":       `class C { a: int, a: int }`,
		"duplicate declaration": `class C {} interface C {}`,
		"lower case type":       `class c {}`,
		"reserved name":         `class String {} class int {}`,
		"void parameter":        `interface A { f(x: void) }`,
		"missing brace":         `interface A { f()`,
		"garbage":               `struct A {}`,
	}
	for name, src := range cases {
		_, err := Parse(name+".xb", []byte(src))
		suite.Error(err, name)
	}
}

func (suite *ParserTestSuite) TestErrorPosition() {
	_, err := Parse("bad.xb", []byte("class A {\n  x: int\n  y: Nope\n}"))
	suite.Require().Error(err)
	suite.Contains(err.Error(), "bad.xb:3:6")
	suite.Contains(err.Error(), "unknown type Nope")
}

func (suite *ParserTestSuite) TestFormatReparses() {
	schema, err := Parse("greeter.xb", []byte(greeterSchema))
	suite.Require().NoError(err)

	formatted := Format(schema)
	suite.Contains(formatted, "\tmotd: string\n")
	suite.Contains(formatted, "\tsendFile(name: string, data: stream)\n")

	reparsed, err := Parse("formatted.xb", []byte(formatted))
	suite.Require().NoError(err)
	suite.Equal(schema, reparsed)
	suite.Equal(formatted, Format(reparsed))
}

func (suite *ParserTestSuite) TestMustParsePanics() {
	suite.Panics(func() { MustParse("x.xb", "interface {") })
	suite.NotPanics(func() { MustParse("x.xb", greeterSchema) })
}

func TestParserTestSuite(t *testing.T) {
	suite.Run(t, new(ParserTestSuite))
}
