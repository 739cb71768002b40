package timestamps

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/refertomed/firmapdf/sign/cms"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func buildTestCMS(t *testing.T, doc []byte) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "Dr. Test Signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	builder := cms.NewBuilder(cert)
	builder.PrivateKey = key
	cmsBytes, err := builder.Sign(doc)
	if err != nil {
		t.Fatalf("build CMS: %v", err)
	}
	return cmsBytes
}

func TestCreateRequest(t *testing.T) {
	data := []byte("cms bytes")
	reqDER, nonce, err := CreateRequest(data)
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if nonce == nil {
		t.Fatal("nonce is nil")
	}

	var req TimeStampReq
	if _, err := asn1.Unmarshal(reqDER, &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if req.Version != 1 {
		t.Errorf("version = %d", req.Version)
	}
	if !req.CertReq {
		t.Error("certReq not set")
	}
	digest := sha256.Sum256(data)
	if !bytes.Equal(req.MessageImprint.HashedMessage, digest[:]) {
		t.Error("message imprint does not match SHA-256 of data")
	}
	if !req.MessageImprint.HashAlgorithm.Algorithm.Equal(OIDSHA256) {
		t.Errorf("hash algorithm = %v", req.MessageImprint.HashAlgorithm.Algorithm)
	}
	if req.Nonce.Cmp(nonce) != 0 {
		t.Error("nonce in request differs from returned nonce")
	}
}

func TestAugmentSplicesToken(t *testing.T) {
	tsa, err := NewStubTSA()
	if err != nil {
		t.Fatalf("NewStubTSA: %v", err)
	}
	genTime := time.Date(2024, 3, 15, 10, 31, 0, 0, time.UTC)
	tsa.FixedTime = genTime
	srv := httptest.NewServer(tsa.Handler())
	defer srv.Close()

	doc := []byte("%PDF-1.4 referto")
	cmsBytes := buildTestCMS(t, doc)

	aug := NewAugmenter(testLogger(), srv.Client())
	out := aug.Augment(context.Background(), cmsBytes, srv.URL)

	if bytes.Equal(out, cmsBytes) {
		t.Fatal("signature not augmented")
	}
	if !cms.HasTimestampToken(out) {
		t.Fatal("timestamp token attribute missing")
	}
	// the original signature must survive the splice
	if err := cms.Verify(out, doc); err != nil {
		t.Fatalf("signature broken by timestamp splice: %v", err)
	}

	token, err := cms.GetTimestampToken(out)
	if err != nil {
		t.Fatalf("GetTimestampToken: %v", err)
	}
	got, err := GetGenTime(token)
	if err != nil {
		t.Fatalf("GetGenTime: %v", err)
	}
	if !got.Equal(genTime) {
		t.Errorf("genTime = %v, want %v", got, genTime)
	}

	// the imprint covers the CMS bytes, not the document
	tstInfo, err := ExtractTSTInfo(token)
	if err != nil {
		t.Fatalf("ExtractTSTInfo: %v", err)
	}
	digest := sha256.Sum256(cmsBytes)
	if !bytes.Equal(tstInfo.MessageImprint.HashedMessage, digest[:]) {
		t.Error("token imprint does not cover the CMS bytes")
	}
}

func TestAugmentNoTSAConfigured(t *testing.T) {
	cmsBytes := []byte{0x30, 0x03, 0x02, 0x01, 0x01}
	out := NewAugmenter(testLogger(), nil).Augment(context.Background(), cmsBytes, "")
	if !bytes.Equal(out, cmsBytes) {
		t.Fatal("input modified despite missing TSA URL")
	}
}

func TestAugmentFailuresReturnInputUnchanged(t *testing.T) {
	doc := []byte("doc")
	cmsBytes := buildTestCMS(t, doc)

	rejecting, err := NewStubTSA()
	if err != nil {
		t.Fatalf("NewStubTSA: %v", err)
	}
	rejecting.RejectAll = true

	badNonce, err := NewStubTSA()
	if err != nil {
		t.Fatalf("NewStubTSA: %v", err)
	}
	badNonce.WrongNonce = true

	tests := []struct {
		name    string
		handler http.Handler
	}{
		{"server error", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", http.StatusInternalServerError)
		})},
		{"garbage response", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not DER"))
		})},
		{"rejected", rejecting.Handler()},
		{"wrong nonce", badNonce.Handler()},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			out := NewAugmenter(testLogger(), srv.Client()).Augment(context.Background(), cmsBytes, srv.URL)
			if !bytes.Equal(out, cmsBytes) {
				t.Fatal("input modified despite timestamping failure")
			}
		})
	}
}

func TestAugmentUnreachableTSA(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cmsBytes := []byte{0x30, 0x03, 0x02, 0x01, 0x01}
	out := NewAugmenter(testLogger(), nil).Augment(context.Background(), cmsBytes, url)
	if !bytes.Equal(out, cmsBytes) {
		t.Fatal("input modified despite unreachable TSA")
	}
}

func TestParseResponseImprintMismatch(t *testing.T) {
	tsa, err := NewStubTSA()
	if err != nil {
		t.Fatalf("NewStubTSA: %v", err)
	}
	reqDER, nonce, err := CreateRequest([]byte("original"))
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	respDER, err := tsa.Respond(reqDER)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if _, err := ParseResponse(respDER, []byte("different"), nonce); err != ErrTimestampMismatch {
		t.Fatalf("err = %v, want ErrTimestampMismatch", err)
	}
}
