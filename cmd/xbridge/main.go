// Command xbridge serves a directory to trusted peers and talks to such
// servers.
//
//	xbridge serve
//	xbridge --addr host:7070 ls
//	xbridge --addr host:7070 get notes.txt
package main

import (
	"os"
)

func main() {
	if err := newRootCommandeer().Execute(); err != nil {
		printError(err)
		os.Exit(1)
	}
}
