//go:build linux

package cli

import (
	"fmt"
	"os"

	"fireforge/internal/sandbox"
)

// runHidden dispatches the internal sandbox helper commands. They take raw
// shell text as arguments, so they must never go through flag parsing.
func runHidden(command string, args []string) (int, bool) {
	switch command {
	case sandbox.HoldCommand:
		return sandbox.HoldMain(), true

	case sandbox.ExecCommand:
		if len(args) < 3 {
			fmt.Fprintf(os.Stderr, "usage: fireforge %s <rootdir> <umask> <script|--interactive>\n",
				sandbox.ExecCommand)
			return exitUsage, true
		}
		rootDir, umask := args[0], args[1]
		if args[2] == "--interactive" {
			return sandbox.ExecMain(rootDir, umask, "", true), true
		}
		return sandbox.ExecMain(rootDir, umask, args[2], false), true
	}
	return 0, false
}
