package cli

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/jonboulle/clockwork"

	"github.com/refertomed/firmapdf/config"
	"github.com/refertomed/firmapdf/pipeline"
)

// SignOptions contains options for the sign command.
type SignOptions struct {
	ConfigDir   string
	OverrideDir string
	LogDir      string
	Tenant      string
	PIN         string
	Remote      bool
	OTP         string
	CNFilter    string
	Bypass      bool
	SignerName  string
	FooterText  string
	CMSOutput   string
}

// SignCommand implements the 'sign' command.
func SignCommand(args []string) {
	signFlags := flag.NewFlagSet("sign", flag.ExitOnError)

	var opts SignOptions

	signFlags.StringVar(&opts.ConfigDir, "config", "/etc/firmapdf", "Default configuration directory")
	signFlags.StringVar(&opts.OverrideDir, "config-override", "", "Override configuration directory")
	signFlags.StringVar(&opts.LogDir, "log-dir", "", "Directory for per-day signing logs")
	signFlags.StringVar(&opts.Tenant, "tenant", "", "Tenant code selecting the branding profile")
	signFlags.StringVar(&opts.PIN, "pin", "", "Smart card PIN (or keystore password)")
	signFlags.BoolVar(&opts.Remote, "remote", false, "Sign through the remote service instead of a local credential")
	signFlags.StringVar(&opts.OTP, "otp", "", "One-time password for remote signing")
	signFlags.StringVar(&opts.CNFilter, "cn", "", "Certificate CN filter (case-insensitive substring)")
	signFlags.BoolVar(&opts.Bypass, "bypass", false, "Decorate and attest without producing a signature")
	signFlags.StringVar(&opts.SignerName, "signer", "", "Attestation name for bypassed documents")
	signFlags.StringVar(&opts.FooterText, "footer", "", "Override the branding footer text")
	signFlags.StringVar(&opts.CMSOutput, "cms-out", "", "Write the detached CMS signature to this file")

	signFlags.Usage = func() {
		fmt.Printf("Usage: %s sign [options] <input.pdf> <output.pdf>\n\n", os.Args[0])
		fmt.Println("Decorate, sign, attest and timestamp a PDF report.")
		fmt.Println("")
		fmt.Println("Arguments:")
		fmt.Println("  input.pdf   Report to sign")
		fmt.Println("  output.pdf  Destination for the processed report")
		fmt.Println("")
		fmt.Println("Options:")
		signFlags.PrintDefaults()
		fmt.Println("")
		fmt.Println("Examples:")
		fmt.Printf("  %s sign -tenant OSP1 -pin 1234 referto.pdf firmato.pdf\n", os.Args[0])
		fmt.Printf("  %s sign -tenant OSP1 -pin 1234 -cn rossi -cms-out firmato.p7s referto.pdf firmato.pdf\n", os.Args[0])
		fmt.Printf("  %s sign -tenant OSP1 -remote -otp 123456 referto.pdf firmato.pdf\n", os.Args[0])
		fmt.Printf("  %s sign -bypass -signer \"Dr. Mario Rossi\" referto.pdf firmato.pdf\n", os.Args[0])
	}

	if err := signFlags.Parse(args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		osExit(1)
	}

	if len(signFlags.Args()) < 2 {
		signFlags.Usage()
		osExit(1)
	}

	inputPath := signFlags.Arg(0)
	outputPath := signFlags.Arg(1)

	if err := signPDF(inputPath, outputPath, &opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}

	fmt.Printf("Successfully signed PDF: %s\n", outputPath)
}

// signPDF runs the pipeline on one file.
func signPDF(inputPath, outputPath string, opts *SignOptions) error {
	document, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("failed to read input PDF: %w", err)
	}

	store := &config.Store{
		DefaultDir:  opts.ConfigDir,
		OverrideDir: opts.OverrideDir,
	}
	signer := pipeline.New(store, clockwork.NewRealClock(), opts.LogDir)

	result, err := signer.Sign(context.Background(), &pipeline.Request{
		Document:          document,
		TenantCode:        opts.Tenant,
		PIN:               opts.PIN,
		Remote:            opts.Remote,
		OTP:               opts.OTP,
		CertificateFilter: opts.CNFilter,
		Bypass:            opts.Bypass,
		SignerName:        opts.SignerName,
		FooterText:        opts.FooterText,
	})
	if err != nil {
		return err
	}

	if err := os.WriteFile(outputPath, result.Document, 0o644); err != nil {
		return fmt.Errorf("failed to write output PDF: %w", err)
	}
	if opts.CMSOutput != "" && result.CMS != nil {
		if err := os.WriteFile(opts.CMSOutput, result.CMS, 0o644); err != nil {
			return fmt.Errorf("failed to write CMS signature: %w", err)
		}
	}
	return nil
}
