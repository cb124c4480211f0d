package idl

import (
	"strings"
)

// Format prints a schema in canonical source form. Parsing the output yields
// an equivalent schema with the same method indexes, which is how generated
// code rebuilds its descriptors at run time.
func Format(schema *Schema) string {
	var b strings.Builder
	if schema.Package != "" {
		b.WriteString("package " + schema.Package + "\n")
	}

	for _, c := range schema.Classes {
		b.WriteString("\nclass " + c.Name + " {\n")
		for _, f := range c.Fields {
			b.WriteString("\t" + f.Name + ": " + f.Type.String() + "\n")
		}
		b.WriteString("}\n")
	}

	for _, d := range schema.Interfaces {
		b.WriteString("\ninterface " + d.Name + " {\n")
		property := 0
		for _, m := range d.Methods {
			if m.Property {
				f := d.Fields[property]
				property++
				b.WriteString("\t" + f.Name + ": " + f.Type.String() + "\n")
				continue
			}
			b.WriteString("\t" + m.String() + "\n")
		}
		b.WriteString("}\n")
	}
	return b.String()
}
