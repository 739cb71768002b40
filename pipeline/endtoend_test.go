package pipeline

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/refertomed/firmapdf/config"
	"github.com/refertomed/firmapdf/pdf/generic"
	"github.com/refertomed/firmapdf/pdf/reader"
	"github.com/refertomed/firmapdf/sign/cms"
)

// buildPDF produces a minimal classic-xref document with the given
// number of pages.
func buildPDF(pages int) []byte {
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make(map[int]int)
	add := func(num int, body string) {
		offsets[num] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", num, body)
	}

	kids := ""
	for i := 0; i < pages; i++ {
		kids += fmt.Sprintf("%d 0 R ", 3+i)
	}
	add(1, "<< /Type /Catalog /Pages 2 0 R >>")
	add(2, fmt.Sprintf("<< /Type /Pages /Count %d /Kids [%s] /MediaBox [0 0 595 842] >>", pages, kids))
	for i := 0; i < pages; i++ {
		add(3+i, fmt.Sprintf("<< /Type /Page /Parent 2 0 R /Contents %d 0 R >>", 3+pages+i))
	}
	for i := 0; i < pages; i++ {
		content := fmt.Sprintf("BT /F0 12 Tf 72 400 Td (referto pagina %d) Tj ET", i+1)
		add(3+pages+i, fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content))
	}

	count := 3 + 2*pages
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", count)
	for num := 1; num < count; num++ {
		fmt.Fprintf(&buf, "%010d 00000 n \n", offsets[num])
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", count, xref)
	return buf.Bytes()
}

func selfSignedCert(t *testing.T, cn string) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(crand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(77),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		NotAfter:     time.Date(2034, 1, 1, 0, 0, 0, 0, time.UTC),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(crand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert, key
}

// pageOps concatenates the decoded content streams of one page.
func pageOps(t *testing.T, doc *reader.Document, index int) string {
	t.Helper()
	page, err := doc.Page(index)
	if err != nil {
		t.Fatal(err)
	}
	contents, err := doc.Resolve(page.Get("Contents"))
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	switch c := contents.(type) {
	case generic.Array:
		for _, item := range c {
			obj, err := doc.Resolve(item)
			if err != nil {
				t.Fatal(err)
			}
			if s, ok := obj.(*generic.Stream); ok {
				buf.Write(s.Decoded)
			}
		}
	case *generic.Stream:
		buf.Write(c.Decoded)
	}
	return buf.String()
}

// The full pipeline over real stages: decoration, CMS construction and
// the timestamp stage run for real, only the smart card is faked out
// with a software key.
func TestSignEndToEnd(t *testing.T) {
	// a TSA address nobody listens on: timestamping fails and the
	// unstamped CMS must come back
	tsa := httptest.NewServer(http.NotFoundHandler())
	tsaURL := tsa.URL
	tsa.Close()

	dir := t.TempDir()
	writeConfig(t, dir, config.SettingsFileName,
		fmt.Sprintf(`{"pkcs11LibraryPath": "/usr/lib/p11.so", "tsaUrl": %q}`, tsaURL))
	store := &config.Store{DefaultDir: dir}
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC))
	s := New(store, clock, "")

	cert, key := selfSignedCert(t, "Dr. Test")
	var decorated []byte
	realDecorate := s.decorateFn
	s.decorateFn = func(pdf []byte, branding *config.BrandingProfile, settings *config.SigningSettings, footerText string) ([]byte, error) {
		out, err := realDecorate(pdf, branding, settings, footerText)
		decorated = out
		return out, err
	}
	s.signLocalFn = func(doc []byte, pin string, settings *config.SigningSettings, cnFilter string) ([]byte, string, error) {
		b := cms.NewBuilder(cert)
		b.PrivateKey = key
		b.SetSigningTime(clock.Now())
		sig, err := b.Sign(doc)
		return sig, cert.Subject.CommonName, err
	}

	res, err := s.Sign(context.Background(), &Request{
		Document:   buildPDF(2),
		TenantCode: "ASTER",
		PIN:        "1234",
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if res.SignedBy != "Dr. Test" {
		t.Fatalf("signedBy = %q, want Dr. Test", res.SignedBy)
	}
	if len(res.Document) == 0 || len(res.CMS) == 0 {
		t.Fatal("empty document or CMS on success")
	}

	// the signature covers the decorated bytes, not the attested output
	if err := cms.Verify(res.CMS, decorated); err != nil {
		t.Fatalf("CMS does not verify over the decorated document: %v", err)
	}
	if err := cms.Verify(res.CMS, res.Document); err == nil {
		t.Fatal("CMS verifies over the attested bytes; the attestation must come after signing")
	}

	// the unreachable TSA leaves the CMS without unsigned attributes
	if cms.HasTimestampToken(res.CMS) {
		t.Fatal("timestamp token present despite the TSA being down")
	}

	// the attestation names the certificate holder on the last page only
	doc, err := reader.Open(res.Document)
	if err != nil {
		t.Fatalf("reopening signed document: %v", err)
	}
	if got := doc.PageCount(); got != 2 {
		t.Fatalf("PageCount = %d, want 2", got)
	}
	if !strings.Contains(pageOps(t, doc, 1), "Dr. Test") {
		t.Error("attestation line missing from the last page")
	}
	if strings.Contains(pageOps(t, doc, 0), "Dr. Test") {
		t.Error("attestation line leaked onto the first page")
	}
}
