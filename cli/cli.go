// Package cli provides the command-line interface for the report
// signing pipeline.
package cli

import (
	"fmt"
	"os"
)

// Version information
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// osExit is a variable for os.Exit to allow testing
var osExit = os.Exit

// Run executes the CLI with the given arguments.
// This is the main entry point for the CLI.
func Run(args []string) {
	if len(args) < 2 {
		Usage()
		return
	}

	command := args[1]

	switch command {
	case "sign":
		SignCommand(args)
	case "verify-pin":
		VerifyPINCommand(args)
	case "check-config":
		CheckConfigCommand(args)
	case "version":
		VersionCommand()
	case "help", "-h", "--help":
		Usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		Usage()
	}
}

// Usage prints the CLI usage information.
func Usage() {
	fmt.Printf("firmapdf - medical report signing tool\n\n")
	fmt.Printf("Usage: %s <command> [options] <args>\n\n", os.Args[0])
	fmt.Println("Commands:")
	fmt.Println("  sign          Decorate, sign, attest and timestamp a PDF report")
	fmt.Println("  verify-pin    Check a smart card PIN without signing")
	fmt.Println("  check-config  Load and validate the signing settings")
	fmt.Println("  version       Show version information")
	fmt.Println("  help          Show this help message")
	fmt.Println("")
	fmt.Printf("Use '%s <command> -h' for command-specific help\n", os.Args[0])
	fmt.Println("")
	fmt.Println("Examples:")
	fmt.Printf("  %s sign -tenant OSP1 -pin 1234 referto.pdf firmato.pdf\n", os.Args[0])
	fmt.Printf("  %s sign -bypass -signer \"Dr. Mario Rossi\" referto.pdf firmato.pdf\n", os.Args[0])
	fmt.Printf("  %s verify-pin -pin 1234\n", os.Args[0])
}

// VersionCommand prints version information.
func VersionCommand() {
	fmt.Printf("firmapdf version %s\n", Version)
	fmt.Printf("Build time: %s\n", BuildTime)
}
