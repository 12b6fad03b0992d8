// Command gef is the GEF ledger verification CLI.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the dispatcher entrypoint, separated from main for testability.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "emit":
		return runEmitCmd(args[2:], stdout, stderr)
	case "version", "--version", "-v":
		return runVersionCmd(stdout)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "gef — GuardClaw Evidence Format ledger tool")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  gef <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  verify <ledger-path>  Verify a ledger file's chain, signatures, and schema")
	fmt.Fprintln(w, "  emit <record-type>    Append one signed entry to the configured ledger")
	fmt.Fprintln(w, "  version               Show the supported gef_version")
	fmt.Fprintln(w, "  help                  Show this help")
}
