// Command firmapdf decorates, signs, attests and timestamps medical
// report PDFs.
//
// Usage:
//
//	firmapdf <command> [options] <args>
//
// Commands:
//
//	sign          Decorate, sign, attest and timestamp a PDF report
//	verify-pin    Check a smart card PIN without signing
//	check-config  Load and validate the signing settings
//	version       Show version information
//	help          Show help message
//
// Examples:
//
//	# Sign a report with a smart card
//	firmapdf sign -tenant OSP1 -pin 1234 referto.pdf firmato.pdf
//
//	# Decorate and attest without signing
//	firmapdf sign -bypass -signer "Dr. Mario Rossi" referto.pdf firmato.pdf
package main

import (
	"os"

	"github.com/refertomed/firmapdf/cli"
)

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/firmapdf
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	// Set version info
	cli.Version = version
	cli.BuildTime = buildTime

	// Run the CLI
	cli.Run(os.Args)
}
