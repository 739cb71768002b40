// Package p12 signs documents with a software credential loaded from a
// PKCS#12 keystore, as an alternative to the smart-card engine for
// environments without a physical token.
package p12

import (
	"errors"
	"fmt"
	"os"

	"github.com/jonboulle/clockwork"

	"github.com/refertomed/firmapdf/config"
	"github.com/refertomed/firmapdf/sign/cms"
	"github.com/refertomed/firmapdf/sign/keys"
)

// Keystore errors
var (
	ErrNoKeystore   = errors.New("no PKCS#12 keystore path configured")
	ErrKeystoreOpen = errors.New("failed to open PKCS#12 keystore")
)

// Load reads a PKCS#12 keystore from disk and decodes the signing
// credential.
func Load(path, password string) (*keys.PKCS12Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeystoreOpen, err)
	}
	cred, err := keys.DecodeKeystore(data, password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeystoreOpen, err)
	}
	return cred, nil
}

// Sign produces a detached CMS signature over doc with the configured
// keystore credential. When no keystore password is configured, the
// operator PIN doubles as the password. The returned signedBy is the
// certificate's subject Common Name.
func Sign(doc []byte, pin string, settings *config.SigningSettings, clock clockwork.Clock) ([]byte, string, error) {
	if settings.P12Path == "" {
		return nil, "", ErrNoKeystore
	}
	password := settings.P12Password
	if password == "" {
		password = pin
	}

	cred, err := Load(settings.P12Path, password)
	if err != nil {
		return nil, "", err
	}

	builder := cms.NewBuilder(cred.Certificate)
	builder.CertChain = cred.CACerts
	builder.PrivateKey = cred.PrivateKey
	builder.SetSigningTime(clock.Now())

	cmsBytes, err := builder.Sign(doc)
	if err != nil {
		return nil, "", err
	}
	return cmsBytes, cred.Certificate.Subject.CommonName, nil
}
