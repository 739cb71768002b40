// Package keys holds signing credential types and PKCS#12 keystore
// decoding shared by the software signing paths.
package keys

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// Common errors
var (
	ErrNoCertFound    = errors.New("no certificate found in keystore")
	ErrUnknownKeyType = errors.New("unknown private key type")
)

// PrivateKey represents a private key that can be used for signing.
type PrivateKey interface {
	crypto.Signer
}

// PKCS12Credential holds a certificate and key loaded from a PKCS#12
// keystore.
type PKCS12Credential struct {
	Certificate *x509.Certificate
	PrivateKey  PrivateKey
	CACerts     []*x509.Certificate
}

// DecodeKeystore decodes a PKCS#12 keystore into a signing credential,
// including any CA certificates bundled with it.
func DecodeKeystore(data []byte, password string) (*PKCS12Credential, error) {
	key, cert, caCerts, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, err
	}
	if cert == nil {
		return nil, ErrNoCertFound
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnknownKeyType, key)
	}
	return &PKCS12Credential{
		Certificate: cert,
		PrivateKey:  signer,
		CACerts:     caCerts,
	}, nil
}
