package timestamps

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"
)

// StubTSA is an in-process TSA: it grants every well-formed request
// and signs the token with its own self-signed certificate. It backs
// integration tests and local development without a real authority.
type StubTSA struct {
	Certificate *x509.Certificate
	Key         *rsa.PrivateKey

	// FixedTime pins GenTime for reproducible tokens; zero means now.
	FixedTime time.Time

	// WrongNonce echoes a different nonce, producing a response a
	// strict client must reject.
	WrongNonce bool

	// RejectAll answers every request with a rejection status.
	RejectAll bool

	policy asn1.ObjectIdentifier
}

// NewStubTSA creates a stub with a fresh self-signed certificate.
func NewStubTSA() (*StubTSA, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate TSA key: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Stub TSA", Organization: []string{"Test"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create TSA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &StubTSA{
		Certificate: cert,
		Key:         key,
		policy:      asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 4146, 2, 2},
	}, nil
}

// Handler serves the TSA over HTTP for use with httptest.
func (s *StubTSA) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqDER, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		respDER, err := s.Respond(reqDER)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/timestamp-reply")
		w.Write(respDER)
	})
}

// Respond processes a DER-encoded TimeStampReq and returns a
// DER-encoded TimeStampResp.
func (s *StubTSA) Respond(reqDER []byte) ([]byte, error) {
	var req TimeStampReq
	if _, err := asn1.Unmarshal(reqDER, &req); err != nil {
		return nil, fmt.Errorf("malformed timestamp request: %w", err)
	}

	if s.RejectAll {
		return asn1.Marshal(TimeStampResp{
			Status: PKIStatusInfo{Status: 2, StatusString: []string{"rejected"}},
		})
	}

	genTime := s.FixedTime
	if genTime.IsZero() {
		genTime = time.Now().UTC()
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	tstInfo := TSTInfo{
		Version:        1,
		Policy:         s.policy,
		MessageImprint: req.MessageImprint,
		SerialNumber:   serial,
		GenTime:        genTime,
	}
	tstInfo.Nonce = req.Nonce
	if s.WrongNonce && req.Nonce != nil {
		tstInfo.Nonce = new(big.Int).Add(req.Nonce, big.NewInt(1))
	}
	tstInfoBytes, err := asn1.Marshal(tstInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to encode TSTInfo: %w", err)
	}

	token, err := s.signToken(tstInfoBytes)
	if err != nil {
		return nil, err
	}

	return asn1.Marshal(TimeStampResp{
		Status:         PKIStatusInfo{Status: 0},
		TimeStampToken: asn1.RawValue{FullBytes: token},
	})
}

// Minimal CMS structures for the token envelope.

type tsaAttribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

type tsaIssuerAndSerial struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

type tsaSignerInfo struct {
	Version            int
	SID                tsaIssuerAndSerial
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        []tsaAttribute `asn1:"implicit,tag:0,set"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
}

type tsaEncapContent struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"optional,tag:0"`
}

type tsaSignedData struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo tsaEncapContent
	Certificates     []asn1.RawValue `asn1:"implicit,optional,tag:0"`
	SignerInfos      []tsaSignerInfo `asn1:"set"`
}

// signToken wraps a TSTInfo in a signed CMS structure.
func (s *StubTSA) signToken(tstInfoBytes []byte) ([]byte, error) {
	digest := sha256.Sum256(tstInfoBytes)

	contentTypeDER, err := asn1.Marshal(OIDTSTInfo)
	if err != nil {
		return nil, err
	}
	signedAttrs := []tsaAttribute{
		{
			Type:   asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3},
			Values: []asn1.RawValue{{FullBytes: contentTypeDER}},
		},
		{
			Type: asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4},
			Values: []asn1.RawValue{{
				Class: asn1.ClassUniversal,
				Tag:   asn1.TagOctetString,
				Bytes: digest[:],
			}},
		},
	}

	attrBytes, err := asn1.Marshal(signedAttrs)
	if err != nil {
		return nil, err
	}
	// signature covers the attributes under their SET OF tag
	attrBytes[0] = 0x31
	attrDigest := sha256.Sum256(attrBytes)
	signature, err := rsa.SignPKCS1v15(rand.Reader, s.Key, crypto.SHA256, attrDigest[:])
	if err != nil {
		return nil, err
	}

	// eContent is an OCTET STRING holding the TSTInfo DER
	eContent, err := asn1.Marshal(tstInfoBytes)
	if err != nil {
		return nil, err
	}

	nullParams := asn1.RawValue{Tag: 5}
	sd := tsaSignedData{
		Version: 3,
		DigestAlgorithms: []AlgorithmIdentifier{
			{Algorithm: OIDSHA256, Parameters: nullParams},
		},
		EncapContentInfo: tsaEncapContent{
			ContentType: OIDTSTInfo,
			Content: asn1.RawValue{
				Class:      asn1.ClassContextSpecific,
				Tag:        0,
				IsCompound: true,
				Bytes:      eContent,
			},
		},
		Certificates: []asn1.RawValue{{FullBytes: s.Certificate.Raw}},
		SignerInfos: []tsaSignerInfo{{
			Version: 1,
			SID: tsaIssuerAndSerial{
				Issuer:       asn1.RawValue{FullBytes: s.Certificate.RawIssuer},
				SerialNumber: s.Certificate.SerialNumber,
			},
			DigestAlgorithm: AlgorithmIdentifier{Algorithm: OIDSHA256, Parameters: nullParams},
			SignedAttrs:     signedAttrs,
			SignatureAlgorithm: AlgorithmIdentifier{
				Algorithm:  asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11},
				Parameters: nullParams,
			},
			Signature: signature,
		}},
	}
	sdBytes, err := asn1.Marshal(sd)
	if err != nil {
		return nil, err
	}

	contentInfo := struct {
		ContentType asn1.ObjectIdentifier
		Content     asn1.RawValue `asn1:"tag:0"`
	}{
		ContentType: asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2},
		Content: asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        0,
			IsCompound: true,
			Bytes:      sdBytes,
		},
	}
	return asn1.Marshal(contentInfo)
}
