package hsm

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	pkcs11 "github.com/miekg/pkcs11"
	"github.com/sirupsen/logrus"

	"github.com/refertomed/firmapdf/config"
	"github.com/refertomed/firmapdf/sign/cms"
)

// fakeObject is one token object: a certificate (value, id) or a
// private key (id, key).
type fakeObject struct {
	class uint
	value []byte
	id    []byte
	key   *rsa.PrivateKey
}

type fakeSlot struct {
	pin      string
	loginErr error
	objects  []*fakeObject
}

type fakeSession struct {
	slot     uint
	loggedIn bool
	pending  []pkcs11.ObjectHandle
	signKey  *rsa.PrivateKey
}

// fakeModule implements Module in memory. Object handles are the
// 1-based index into the owning slot's object list.
type fakeModule struct {
	slots    []uint
	slotData map[uint]*fakeSlot

	initCalls     int
	finalizeCalls int
	destroyCalls  int
	logoutCalls   int

	open       map[pkcs11.SessionHandle]*fakeSession
	nextHandle pkcs11.SessionHandle
}

func newFakeModule() *fakeModule {
	return &fakeModule{
		slotData: make(map[uint]*fakeSlot),
		open:     make(map[pkcs11.SessionHandle]*fakeSession),
	}
}

func (m *fakeModule) addSlot(id uint, slot *fakeSlot) {
	m.slots = append(m.slots, id)
	m.slotData[id] = slot
}

func (m *fakeModule) Initialize() error { m.initCalls++; return nil }
func (m *fakeModule) Finalize() error   { m.finalizeCalls++; return nil }
func (m *fakeModule) Destroy()          { m.destroyCalls++ }

func (m *fakeModule) GetSlotList(tokenPresent bool) ([]uint, error) {
	return m.slots, nil
}

func (m *fakeModule) OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error) {
	if _, ok := m.slotData[slotID]; !ok {
		return 0, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	m.nextHandle++
	m.open[m.nextHandle] = &fakeSession{slot: slotID}
	return m.nextHandle, nil
}

func (m *fakeModule) CloseSession(sh pkcs11.SessionHandle) error {
	if _, ok := m.open[sh]; !ok {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	delete(m.open, sh)
	return nil
}

func (m *fakeModule) Login(sh pkcs11.SessionHandle, userType uint, pin string) error {
	sess := m.open[sh]
	slot := m.slotData[sess.slot]
	if slot.loginErr != nil {
		return slot.loginErr
	}
	if pin != slot.pin {
		return pkcs11.Error(pkcs11.CKR_PIN_INCORRECT)
	}
	sess.loggedIn = true
	return nil
}

func (m *fakeModule) Logout(sh pkcs11.SessionHandle) error {
	m.logoutCalls++
	m.open[sh].loggedIn = false
	return nil
}

func (m *fakeModule) FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error {
	sess := m.open[sh]
	slot := m.slotData[sess.slot]
	sess.pending = nil
	for i, obj := range slot.objects {
		if matchesTemplate(obj, temp) {
			sess.pending = append(sess.pending, pkcs11.ObjectHandle(i+1))
		}
	}
	return nil
}

func matchesTemplate(obj *fakeObject, temp []*pkcs11.Attribute) bool {
	for _, attr := range temp {
		switch attr.Type {
		case pkcs11.CKA_CLASS:
			want := pkcs11.NewAttribute(pkcs11.CKA_CLASS, obj.class)
			if !bytes.Equal(attr.Value, want.Value) {
				return false
			}
		case pkcs11.CKA_ID:
			if !bytes.Equal(attr.Value, obj.id) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (m *fakeModule) FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error) {
	sess := m.open[sh]
	n := len(sess.pending)
	if n > max {
		n = max
	}
	out := sess.pending[:n]
	sess.pending = sess.pending[n:]
	return out, false, nil
}

func (m *fakeModule) FindObjectsFinal(sh pkcs11.SessionHandle) error {
	m.open[sh].pending = nil
	return nil
}

func (m *fakeModule) GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, attrs []*pkcs11.Attribute) ([]*pkcs11.Attribute, error) {
	sess := m.open[sh]
	obj := m.slotData[sess.slot].objects[o-1]
	out := make([]*pkcs11.Attribute, 0, len(attrs))
	for _, attr := range attrs {
		switch attr.Type {
		case pkcs11.CKA_VALUE:
			out = append(out, pkcs11.NewAttribute(pkcs11.CKA_VALUE, obj.value))
		case pkcs11.CKA_ID:
			out = append(out, pkcs11.NewAttribute(pkcs11.CKA_ID, obj.id))
		default:
			return nil, pkcs11.Error(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID)
		}
	}
	return out, nil
}

func (m *fakeModule) SignInit(sh pkcs11.SessionHandle, mech []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error {
	sess := m.open[sh]
	obj := m.slotData[sess.slot].objects[o-1]
	if obj.key == nil {
		return pkcs11.Error(pkcs11.CKR_KEY_HANDLE_INVALID)
	}
	sess.signKey = obj.key
	return nil
}

func (m *fakeModule) Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error) {
	sess := m.open[sh]
	if sess.signKey == nil {
		return nil, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	digest := sha256.Sum256(message)
	return rsa.SignPKCS1v15(rand.Reader, sess.signKey, crypto.SHA256, digest[:])
}

func makeTokenCert(t *testing.T, cn string) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn, Organization: []string{"Ospedale Test"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return key, der
}

// certWithKey loads a certificate and its paired private key onto a
// slot under the given CKA_ID.
func certWithKey(t *testing.T, cn string, id byte) []*fakeObject {
	t.Helper()
	key, der := makeTokenCert(t, cn)
	return []*fakeObject{
		{class: pkcs11.CKO_CERTIFICATE, value: der, id: []byte{id}},
		{class: pkcs11.CKO_PRIVATE_KEY, id: []byte{id}, key: key},
	}
}

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testEngine(mod *fakeModule, loadCalls *int) *Engine {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC))
	return NewWithLoader(testLogger(), clock, func(path string) (Module, error) {
		*loadCalls++
		return mod, nil
	})
}

func hsmSettings() *config.SigningSettings {
	return &config.SigningSettings{PKCS11LibraryPath: "/usr/lib/fake-p11.so"}
}

func TestSignLocalCNFilter(t *testing.T) {
	mod := newFakeModule()
	slot := &fakeSlot{pin: "1234"}
	slot.objects = append(slot.objects, certWithKey(t, "Anna Bianchi", 1)...)
	slot.objects = append(slot.objects, certWithKey(t, "Mario Rossi", 2)...)
	mod.addSlot(0, slot)

	var loadCalls int
	eng := testEngine(mod, &loadCalls)

	doc := []byte("%PDF-1.4 referto")
	cmsBytes, signedBy, err := eng.SignLocal(doc, "1234", hsmSettings(), "mario")
	if err != nil {
		t.Fatalf("SignLocal: %v", err)
	}
	if signedBy != "Mario Rossi" {
		t.Fatalf("signedBy = %q, want Mario Rossi", signedBy)
	}
	if err := cms.Verify(cmsBytes, doc); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}
	certs, err := cms.GetSignerCertificates(cmsBytes)
	if err != nil {
		t.Fatalf("GetSignerCertificates: %v", err)
	}
	for _, c := range certs {
		if c.Subject.CommonName == "Anna Bianchi" {
			t.Fatal("filtered-out certificate present in CMS")
		}
	}
}

func TestSignLocalAcceptsFirstWithoutFilter(t *testing.T) {
	mod := newFakeModule()
	slot := &fakeSlot{pin: "1234"}
	slot.objects = append(slot.objects, certWithKey(t, "Anna Bianchi", 1)...)
	slot.objects = append(slot.objects, certWithKey(t, "Mario Rossi", 2)...)
	mod.addSlot(0, slot)

	var loadCalls int
	eng := testEngine(mod, &loadCalls)

	_, signedBy, err := eng.SignLocal([]byte("doc"), "1234", hsmSettings(), "  ")
	if err != nil {
		t.Fatalf("SignLocal: %v", err)
	}
	if signedBy != "Anna Bianchi" {
		t.Fatalf("signedBy = %q, want first certificate Anna Bianchi", signedBy)
	}
}

func TestSignLocalRequireCNMatch(t *testing.T) {
	mod := newFakeModule()
	var loadCalls int
	eng := testEngine(mod, &loadCalls)

	settings := hsmSettings()
	settings.RequireCNMatch = true
	_, _, err := eng.SignLocal([]byte("doc"), "1234", settings, "")
	if !errors.Is(err, ErrCNFilterRequired) {
		t.Fatalf("err = %v, want ErrCNFilterRequired", err)
	}
	if loadCalls != 0 {
		t.Fatalf("module loaded %d times before filter validation", loadCalls)
	}
}

func TestSignLocalSkipsSlotOnLoginFailure(t *testing.T) {
	mod := newFakeModule()
	badSlot := &fakeSlot{pin: "other-pin"}
	badSlot.objects = append(badSlot.objects, certWithKey(t, "Wrong Token", 1)...)
	goodSlot := &fakeSlot{pin: "1234"}
	goodSlot.objects = append(goodSlot.objects, certWithKey(t, "Mario Rossi", 1)...)
	mod.addSlot(1, badSlot)
	mod.addSlot(2, goodSlot)

	var loadCalls int
	eng := testEngine(mod, &loadCalls)

	_, signedBy, err := eng.SignLocal([]byte("doc"), "1234", hsmSettings(), "rossi")
	if err != nil {
		t.Fatalf("SignLocal: %v", err)
	}
	if signedBy != "Mario Rossi" {
		t.Fatalf("signedBy = %q, want Mario Rossi from second slot", signedBy)
	}
	if len(mod.open) != 0 {
		t.Fatalf("%d sessions left open", len(mod.open))
	}
}

func TestSignLocalSkipsCertWithoutKey(t *testing.T) {
	mod := newFakeModule()
	slot := &fakeSlot{pin: "1234"}
	_, orphanDER := makeTokenCert(t, "Orphan Cert")
	slot.objects = append(slot.objects, &fakeObject{class: pkcs11.CKO_CERTIFICATE, value: orphanDER, id: []byte{9}})
	slot.objects = append(slot.objects, certWithKey(t, "Mario Rossi", 1)...)
	mod.addSlot(0, slot)

	var loadCalls int
	eng := testEngine(mod, &loadCalls)

	_, signedBy, err := eng.SignLocal([]byte("doc"), "1234", hsmSettings(), "")
	if err != nil {
		t.Fatalf("SignLocal: %v", err)
	}
	if signedBy != "Mario Rossi" {
		t.Fatalf("signedBy = %q, want Mario Rossi", signedBy)
	}
}

func TestSignLocalExhaustedSearch(t *testing.T) {
	mod := newFakeModule()
	slot := &fakeSlot{pin: "1234"}
	slot.objects = append(slot.objects, certWithKey(t, "Anna Bianchi", 1)...)
	mod.addSlot(0, slot)

	var loadCalls int
	eng := testEngine(mod, &loadCalls)

	_, _, err := eng.SignLocal([]byte("doc"), "1234", hsmSettings(), "rossi")
	if !errors.Is(err, ErrNoCompatibleCertificate) {
		t.Fatalf("err = %v, want ErrNoCompatibleCertificate", err)
	}
	if mod.finalizeCalls != 1 || mod.destroyCalls != 1 {
		t.Fatalf("module not released: finalize=%d destroy=%d", mod.finalizeCalls, mod.destroyCalls)
	}
}

func TestSignLocalNoToken(t *testing.T) {
	mod := newFakeModule()
	var loadCalls int
	eng := testEngine(mod, &loadCalls)

	_, _, err := eng.SignLocal([]byte("doc"), "1234", hsmSettings(), "rossi")
	if !errors.Is(err, ErrNoToken) {
		t.Fatalf("err = %v, want ErrNoToken", err)
	}
}

func TestSignLocalMissingLibraryPath(t *testing.T) {
	mod := newFakeModule()
	var loadCalls int
	eng := testEngine(mod, &loadCalls)

	_, _, err := eng.SignLocal([]byte("doc"), "1234", &config.SigningSettings{}, "rossi")
	var cfgErr *config.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want *config.ConfigError", err)
	}
	if loadCalls != 0 || mod.initCalls != 0 {
		t.Fatalf("token touched despite invalid settings: load=%d init=%d", loadCalls, mod.initCalls)
	}
}

func TestSignLocalReleasesSessions(t *testing.T) {
	mod := newFakeModule()
	slot := &fakeSlot{pin: "1234"}
	slot.objects = append(slot.objects, certWithKey(t, "Mario Rossi", 1)...)
	mod.addSlot(0, slot)

	var loadCalls int
	eng := testEngine(mod, &loadCalls)

	if _, _, err := eng.SignLocal([]byte("doc"), "1234", hsmSettings(), "rossi"); err != nil {
		t.Fatalf("SignLocal: %v", err)
	}
	if len(mod.open) != 0 {
		t.Fatalf("%d sessions left open", len(mod.open))
	}
	if mod.logoutCalls == 0 {
		t.Fatal("logout never called")
	}
	if mod.finalizeCalls != 1 || mod.destroyCalls != 1 {
		t.Fatalf("module not released: finalize=%d destroy=%d", mod.finalizeCalls, mod.destroyCalls)
	}
}

func TestVerifyPIN(t *testing.T) {
	tests := []struct {
		name     string
		loginErr error
		pin      string
		wantErr  error
	}{
		{name: "correct", pin: "1234", wantErr: nil},
		{name: "incorrect", pin: "0000", wantErr: ErrPINIncorrect},
		{name: "locked", pin: "1234", loginErr: pkcs11.Error(pkcs11.CKR_PIN_LOCKED), wantErr: ErrPINLocked},
		{name: "generic", pin: "1234", loginErr: pkcs11.Error(pkcs11.CKR_DEVICE_ERROR), wantErr: ErrPINGeneric},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mod := newFakeModule()
			mod.addSlot(0, &fakeSlot{pin: "1234", loginErr: tc.loginErr})

			var loadCalls int
			eng := testEngine(mod, &loadCalls)

			err := eng.VerifyPIN(tc.pin, hsmSettings())
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("VerifyPIN: %v", err)
				}
			} else if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if len(mod.open) != 0 {
				t.Fatalf("%d sessions left open", len(mod.open))
			}
		})
	}
}
