// Command xbgen generates Go proxies and service skeletons from .xb schemas.
//
//	xbgen -o greeter.xb.go [-p greeter] greeter.xb
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"xbridge/gen"
	"xbridge/idl"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type generateCommandeer struct {
	cmd         *cobra.Command
	output      string
	packageName string
}

func newGenerateCommandeer() *generateCommandeer {
	commandeer := &generateCommandeer{}

	cmd := &cobra.Command{
		Use:           "xbgen [flags] schema.xb",
		Short:         "Generate Go code from an xbridge schema",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return commandeer.generate(args[0])
		},
	}

	cmd.Flags().StringVarP(&commandeer.output, "output", "o", "", "Output file (default: <schema>.xb.go next to the schema)")
	cmd.Flags().StringVarP(&commandeer.packageName, "package", "p", "", "Go package name (default: the schema's package)")
	commandeer.cmd = cmd

	return commandeer
}

func (c *generateCommandeer) generate(path string) error {
	schema, err := idl.ParseFile(path)
	if err != nil {
		return errors.Wrap(err, "Failed to parse schema")
	}

	src, err := gen.Generate(schema, gen.Options{
		Package: c.packageName,
		Source:  filepath.Base(path),
	})
	if err != nil {
		return errors.Wrap(err, "Failed to generate code")
	}

	output := c.output
	if output == "" {
		output = strings.TrimSuffix(path, filepath.Ext(path)) + ".xb.go"
	}
	if err := os.WriteFile(output, src, 0644); err != nil {
		return errors.Wrap(err, "Failed to write output")
	}
	return nil
}

func main() {
	if err := newGenerateCommandeer().cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
