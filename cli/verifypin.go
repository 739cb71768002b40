package cli

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/jonboulle/clockwork"

	"github.com/refertomed/firmapdf/config"
	"github.com/refertomed/firmapdf/pipeline"
	"github.com/refertomed/firmapdf/sign/hsm"
)

// VerifyPINCommand implements the 'verify-pin' command.
func VerifyPINCommand(args []string) {
	pinFlags := flag.NewFlagSet("verify-pin", flag.ExitOnError)

	var configDir, overrideDir, pin string
	pinFlags.StringVar(&configDir, "config", "/etc/firmapdf", "Default configuration directory")
	pinFlags.StringVar(&overrideDir, "config-override", "", "Override configuration directory")
	pinFlags.StringVar(&pin, "pin", "", "Smart card PIN to check")

	pinFlags.Usage = func() {
		fmt.Printf("Usage: %s verify-pin -pin <pin> [options]\n\n", os.Args[0])
		fmt.Println("Check a smart card PIN against the first available token.")
		fmt.Println("")
		fmt.Println("Options:")
		pinFlags.PrintDefaults()
	}

	if err := pinFlags.Parse(args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		osExit(1)
	}
	if pin == "" {
		pinFlags.Usage()
		osExit(1)
	}

	store := &config.Store{DefaultDir: configDir, OverrideDir: overrideDir}
	signer := pipeline.New(store, clockwork.NewRealClock(), "")

	err := signer.VerifyPIN(pin)
	switch {
	case err == nil:
		fmt.Println("PIN ok")
	case errors.Is(err, hsm.ErrPINIncorrect):
		fmt.Fprintln(os.Stderr, "PIN incorrect")
		osExit(2)
	case errors.Is(err, hsm.ErrPINLocked):
		fmt.Fprintln(os.Stderr, "PIN locked: unlock the card with its PUK")
		osExit(3)
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

// CheckConfigCommand implements the 'check-config' command: it loads
// the signing settings from disk and reports validation problems.
func CheckConfigCommand(args []string) {
	cfgFlags := flag.NewFlagSet("check-config", flag.ExitOnError)

	var configDir, overrideDir string
	cfgFlags.StringVar(&configDir, "config", "/etc/firmapdf", "Default configuration directory")
	cfgFlags.StringVar(&overrideDir, "config-override", "", "Override configuration directory")

	cfgFlags.Usage = func() {
		fmt.Printf("Usage: %s check-config [options]\n\n", os.Args[0])
		fmt.Println("Load and validate the signing settings.")
		fmt.Println("")
		fmt.Println("Options:")
		cfgFlags.PrintDefaults()
	}

	if err := cfgFlags.Parse(args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		osExit(1)
	}

	store := &config.Store{DefaultDir: configDir, OverrideDir: overrideDir}
	settings, err := store.LoadSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		osExit(1)
		return
	}
	fmt.Println("Configuration ok")
	fmt.Printf("  PKCS#11 library: %s\n", settings.PKCS11LibraryPath)
	if settings.RemoteSignURL != "" {
		fmt.Printf("  Remote signing:  %s\n", settings.RemoteSignURL)
	}
	if settings.TSAURL != "" {
		fmt.Printf("  TSA:             %s\n", settings.TSAURL)
	} else {
		fmt.Println("  TSA:             disabled")
	}
}
