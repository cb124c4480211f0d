package main

import (
	"fmt"
	"io"
	"os"

	"xbridge/rpcerr"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
)

type renderer struct {
	output io.Writer
}

func newRenderer(output io.Writer) *renderer {
	return &renderer{
		output: output,
	}
}

func (r *renderer) RenderTable(header []any, records [][]any) {
	tw := table.NewWriter()
	tw.SetOutputMirror(r.output)
	tw.SetStyle(table.Style{
		Name: "xbridge",
		Box: table.BoxStyle{
			MiddleVertical: "|",
			PaddingLeft:    " ",
			PaddingRight:   " ",
		},
		Options: table.Options{
			DoNotColorBordersAndSeparators: true,
			DrawBorder:                     false,
			SeparateColumns:                true,
			SeparateFooter:                 false,
			SeparateHeader:                 false,
			SeparateRows:                   false,
		},
		Color:  table.ColorOptionsDefault,
		Format: table.FormatOptionsDefault,
		HTML:   table.DefaultHTMLOptions,
		Title:  table.TitleOptionsDefault,
	})
	tw.AppendHeader(header, table.RowConfig{})
	for _, record := range records {
		tw.AppendRow(record, table.RowConfig{})
	}
	tw.Render()
}

func cyan(s string) string {
	return color.New(color.FgHiCyan).Sprint(s)
}

func green(s string) string {
	return color.New(color.FgHiGreen).Sprint(s)
}

func yellow(s string) string {
	return color.New(color.FgHiYellow).Sprint(s)
}

func red(s string) string {
	return color.New(color.FgHiRed).Sprint(s)
}

// printError writes err to stderr, colored by the kind of failure.
func printError(err error) {
	paint := red
	switch rpcerr.KindOf(err) {
	case rpcerr.KindSession, rpcerr.KindPermission:
		paint = yellow
	case rpcerr.KindApplication:
		paint = cyan
	}
	fmt.Fprintln(os.Stderr, paint(rpcerr.Describe(err)))

	// context added on the way up, such as how to resume
	if full := err.Error(); full != errors.Cause(err).Error() {
		fmt.Fprintln(os.Stderr, full)
	}
}
