package cms

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

// Helper to generate test certificate and key
func generateTestCertAndKey(t *testing.T) (*x509.Certificate, *rsa.PrivateKey) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   "Dr. Test Signer",
			Organization: []string{"Istituto Test"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}
	return cert, key
}

func TestBuilderSign(t *testing.T) {
	cert, key := generateTestCertAndKey(t)

	builder := NewBuilder(cert)
	builder.PrivateKey = key
	data := []byte("decorated report bytes")

	cmsData, err := builder.Sign(data)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	sd, err := Parse(cmsData)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if sd.Version != 1 {
		t.Errorf("Version = %d, want 1", sd.Version)
	}
	if len(sd.SignerInfos) != 1 {
		t.Fatalf("SignerInfos = %d, want 1", len(sd.SignerInfos))
	}
	if len(sd.Certificates) != 1 {
		t.Errorf("Certificates = %d, want 1", len(sd.Certificates))
	}
	if err := Verify(cmsData, data); err != nil {
		t.Errorf("Verify failed: %v", err)
	}
}

// The messageDigest attribute covers exactly the bytes handed to the
// signing stage.
func TestMessageDigestCoversInput(t *testing.T) {
	cert, key := generateTestCertAndKey(t)
	builder := NewBuilder(cert)
	builder.PrivateKey = key

	data := []byte("exactly these bytes")
	cmsData, err := builder.Sign(data)
	if err != nil {
		t.Fatal(err)
	}

	digest, err := GetMessageDigest(cmsData)
	if err != nil {
		t.Fatal(err)
	}
	want := sha256.Sum256(data)
	if !bytes.Equal(digest, want[:]) {
		t.Errorf("messageDigest = %x, want %x", digest, want)
	}

	// and not some other bytes
	if err := Verify(cmsData, []byte("different bytes")); err == nil {
		t.Error("Verify accepted mismatched content")
	}
}

func TestSignedAttributesFixedSet(t *testing.T) {
	cert, key := generateTestCertAndKey(t)
	builder := NewBuilder(cert)
	builder.PrivateKey = key

	cmsData, err := builder.Sign([]byte("data"))
	if err != nil {
		t.Fatal(err)
	}
	sd, err := Parse(cmsData)
	if err != nil {
		t.Fatal(err)
	}
	attrs := sd.SignerInfos[0].SignedAttrs
	if len(attrs) != 3 {
		t.Fatalf("signed attributes = %d, want 3", len(attrs))
	}
	seen := map[string]bool{}
	for _, a := range attrs {
		seen[a.Type.String()] = true
	}
	for _, oid := range []string{
		OIDContentType.String(), OIDMessageDigest.String(), OIDSigningTime.String(),
	} {
		if !seen[oid] {
			t.Errorf("missing signed attribute %s", oid)
		}
	}
	if len(sd.SignerInfos[0].UnsignedAttrs) != 0 {
		t.Error("fresh signature must carry no unsigned attributes")
	}
}

func TestBuilderSigningTime(t *testing.T) {
	cert, key := generateTestCertAndKey(t)
	builder := NewBuilder(cert)
	builder.PrivateKey = key
	testTime := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	builder.SetSigningTime(testTime)

	cmsData, err := builder.Sign([]byte("data"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := GetSigningTime(cmsData)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(testTime) {
		t.Errorf("signingTime = %v, want %v", got, testTime)
	}
}

// A signature produced externally over the attribute bytes assembles
// into the same structure the local path produces.
func TestBuilderPrecomputedSignature(t *testing.T) {
	cert, key := generateTestCertAndKey(t)
	data := []byte("document")

	builder := NewBuilder(cert)
	builder.SetSigningTime(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	_, attrBytes, err := builder.SignedAttributesForSigning(data)
	if err != nil {
		t.Fatal(err)
	}

	// what a CKM_SHA256_RSA_PKCS device does with the attribute bytes
	digest := sha256.Sum256(attrBytes)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatal(err)
	}
	builder.SetPrecomputedSignature(sig)

	cmsData, err := builder.Sign(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := Verify(cmsData, data); err != nil {
		t.Errorf("Verify failed: %v", err)
	}
}

func TestAddTimestampToken(t *testing.T) {
	cert, key := generateTestCertAndKey(t)
	builder := NewBuilder(cert)
	builder.PrivateKey = key
	data := []byte("document")

	cmsData, err := builder.Sign(data)
	if err != nil {
		t.Fatal(err)
	}
	if HasTimestampToken(cmsData) {
		t.Fatal("unexpected timestamp token before splice")
	}

	// a structurally plausible token: any DER SEQUENCE will do for the
	// splice, the augmenter validates tokens before calling this
	token := []byte{0x30, 0x03, 0x02, 0x01, 0x2a}
	augmented, err := AddTimestampToken(cmsData, token)
	if err != nil {
		t.Fatal(err)
	}

	if !HasTimestampToken(augmented) {
		t.Error("timestamp token not attached")
	}
	// the signed attributes survive byte-exactly: signature still valid
	if err := Verify(augmented, data); err != nil {
		t.Errorf("Verify after splice failed: %v", err)
	}
	sd, err := Parse(augmented)
	if err != nil {
		t.Fatal(err)
	}
	si := sd.SignerInfos[0]
	if len(si.UnsignedAttrs) != 1 {
		t.Fatalf("unsigned attributes = %d, want 1", len(si.UnsignedAttrs))
	}
	if !bytes.Equal(si.UnsignedAttrs[0].Values[0].FullBytes, token) {
		t.Error("token bytes not preserved")
	}
}

func TestGetSignerCertificates(t *testing.T) {
	cert, key := generateTestCertAndKey(t)
	builder := NewBuilder(cert)
	builder.PrivateKey = key

	cmsData, err := builder.Sign([]byte("data"))
	if err != nil {
		t.Fatal(err)
	}
	certs, err := GetSignerCertificates(cmsData)
	if err != nil {
		t.Fatal(err)
	}
	if len(certs) != 1 || certs[0].Subject.CommonName != "Dr. Test Signer" {
		t.Errorf("unexpected certificates: %v", certs)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse([]byte("not asn1")); err == nil {
		t.Error("expected error for garbage input")
	}
}
