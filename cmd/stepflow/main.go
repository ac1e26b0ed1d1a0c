// Command stepflow runs the workflow engine as an MCP server over stdio,
// with an optional HTTP management API alongside.
package main

import (
	"fmt"
	"os"
)

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "stepflow: %v\n", err)
			os.Exit(1)
		}
	case "version":
		printVersion()
	case "update":
		runUpdate()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\nusage: stepflow [serve|version|update]\n", cmd)
		os.Exit(2)
	}
}
