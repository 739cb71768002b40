// Package hsm signs documents through a PKCS#11 smart-card token: it
// walks every token-present slot, searches certificates paired with a
// private key, filters by subject Common Name, and has the device sign
// the CMS signed attributes with CKM_SHA256_RSA_PKCS.
//
// This implementation uses the github.com/miekg/pkcs11 library behind
// a narrow Module interface so the search protocol is testable without
// hardware.
package hsm

import (
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"
	pkcs11 "github.com/miekg/pkcs11"
	"github.com/sirupsen/logrus"

	"github.com/refertomed/firmapdf/config"
	"github.com/refertomed/firmapdf/sign/cms"
)

// PKCS#11 related errors
var (
	ErrModuleLoad              = errors.New("failed to load PKCS#11 module")
	ErrNoToken                 = errors.New("no token present in any slot")
	ErrNoCompatibleCertificate = errors.New("no compatible certificate found on any token")
	ErrCNFilterRequired        = errors.New("a certificate CN filter is required by configuration")

	// PIN verification outcomes, each with a distinct user-facing
	// message. The caller re-prompts on incorrect and directs the user
	// to the card provider on locked.
	ErrPINIncorrect = errors.New("incorrect PIN")
	ErrPINLocked    = errors.New("PIN locked: too many failed attempts, unlock the card with its PUK")
	ErrPINGeneric   = errors.New("PIN verification failed")
)

// certSearchLimit bounds the certificate object search per session.
const certSearchLimit = 20

// Module is the subset of PKCS#11 primitives the engine consumes.
// *pkcs11.Ctx satisfies it.
type Module interface {
	Initialize() error
	Finalize() error
	Destroy()
	GetSlotList(tokenPresent bool) ([]uint, error)
	OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error)
	CloseSession(sh pkcs11.SessionHandle) error
	Login(sh pkcs11.SessionHandle, userType uint, pin string) error
	Logout(sh pkcs11.SessionHandle) error
	FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error
	FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error)
	FindObjectsFinal(sh pkcs11.SessionHandle) error
	GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error)
	SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error
	Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error)
}

// CertificateMatch is an accepted search candidate: a certificate
// object paired with a private key in the same session. It lives only
// for the duration of one signing operation.
type CertificateMatch struct {
	Certificate *x509.Certificate
	CommonName  string
	certHandle  pkcs11.ObjectHandle
	keyHandle   pkcs11.ObjectHandle
}

// Engine drives the HSM signing protocol. One module instance is
// loaded, used, and finalized per call; nothing is pooled across
// requests.
type Engine struct {
	log   logrus.FieldLogger
	clock clockwork.Clock

	// newModule loads a PKCS#11 module by library path. Replaced in
	// tests with an in-memory fake.
	newModule func(path string) (Module, error)
}

// New creates an engine over the real PKCS#11 loader.
func New(log logrus.FieldLogger, clock clockwork.Clock) *Engine {
	return &Engine{
		log:       log,
		clock:     clock,
		newModule: loadModule,
	}
}

// NewWithLoader creates an engine with a custom module loader.
func NewWithLoader(log logrus.FieldLogger, clock clockwork.Clock, loader func(path string) (Module, error)) *Engine {
	return &Engine{log: log, clock: clock, newModule: loader}
}

func loadModule(path string) (Module, error) {
	ctx := pkcs11.New(path)
	if ctx == nil {
		return nil, fmt.Errorf("%w: %s", ErrModuleLoad, path)
	}
	return ctx, nil
}

// session is a scoped, guaranteed-release PKCS#11 session. Release is
// best-effort: logout/close failures are logged, never propagated.
type session struct {
	mod      Module
	handle   pkcs11.SessionHandle
	loggedIn bool
	log      logrus.FieldLogger
}

func openSession(mod Module, slot uint, pin string, log logrus.FieldLogger) (*session, error) {
	handle, err := mod.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return nil, fmt.Errorf("failed to open session on slot %d: %w", slot, err)
	}
	s := &session{mod: mod, handle: handle, log: log}
	if err := mod.Login(handle, pkcs11.CKU_USER, pin); err != nil {
		s.Release()
		return nil, fmt.Errorf("login failed on slot %d: %w", slot, err)
	}
	s.loggedIn = true
	return s, nil
}

// Release logs out and closes the session, swallowing secondary
// errors.
func (s *session) Release() {
	if s.loggedIn {
		if err := s.mod.Logout(s.handle); err != nil {
			s.log.WithError(err).Debug("logout failed during session release")
		}
		s.loggedIn = false
	}
	if err := s.mod.CloseSession(s.handle); err != nil {
		s.log.WithError(err).Debug("close failed during session release")
	}
}

// finalize terminates the module, swallowing secondary errors: the
// primary signing error must not be masked by cleanup.
func finalizeModule(mod Module, log logrus.FieldLogger) {
	if err := mod.Finalize(); err != nil {
		log.WithError(err).Debug("module finalize failed")
	}
	mod.Destroy()
}

// SignLocal produces a detached CMS signature over doc with the first
// compatible certificate found across all token-present slots. The
// returned signedBy is the certificate's subject Common Name.
//
// A login failure on one slot is recoverable: the slot is skipped and
// the search advances. Only an exhausted search fails with
// ErrNoCompatibleCertificate.
func (e *Engine) SignLocal(doc []byte, pin string, settings *config.SigningSettings, cnFilter string) ([]byte, string, error) {
	if settings.PKCS11LibraryPath == "" {
		return nil, "", config.NewConfigError("pkcs11LibraryPath", "PKCS#11 library path is required")
	}
	cnFilter = strings.TrimSpace(cnFilter)
	if cnFilter == "" {
		if settings.RequireCNMatch {
			return nil, "", ErrCNFilterRequired
		}
		// accepting the first certificate is the documented behavior
		// for unattended single-cert tokens; make the mode visible
		e.log.Warn("no CN filter supplied: accepting first valid certificate on the token")
	}

	mod, err := e.newModule(settings.PKCS11LibraryPath)
	if err != nil {
		return nil, "", err
	}
	if err := mod.Initialize(); err != nil {
		mod.Destroy()
		return nil, "", fmt.Errorf("PKCS#11 initialize failed: %w", err)
	}
	defer finalizeModule(mod, e.log)

	slots, err := mod.GetSlotList(true)
	if err != nil {
		return nil, "", fmt.Errorf("failed to enumerate slots: %w", err)
	}
	if len(slots) == 0 {
		return nil, "", ErrNoToken
	}

	for _, slot := range slots {
		sess, err := openSession(mod, slot, pin, e.log)
		if err != nil {
			// recoverable: skip this slot and continue the search
			e.log.WithError(err).WithField("slot", slot).Warn("skipping slot")
			continue
		}

		cmsBytes, signedBy, err := e.signInSession(sess, doc, cnFilter)
		sess.Release()
		if err == nil {
			e.log.WithFields(logrus.Fields{"slot": slot, "cn": signedBy}).Info("document signed")
			return cmsBytes, signedBy, nil
		}
		if !errors.Is(err, errNoMatchInSlot) {
			return nil, "", err
		}
	}

	return nil, "", ErrNoCompatibleCertificate
}

// errNoMatchInSlot distinguishes "keep searching" from device errors.
var errNoMatchInSlot = errors.New("no matching certificate in slot")

// signInSession searches the logged-in session for an eligible
// certificate and signs with the first accepted candidate.
func (e *Engine) signInSession(sess *session, doc []byte, cnFilter string) ([]byte, string, error) {
	match, err := e.findCertificate(sess, cnFilter)
	if err != nil {
		return nil, "", err
	}

	builder := cms.NewBuilder(match.Certificate)
	builder.SetSigningTime(e.clock.Now())
	attrs, attrBytes, err := builder.SignedAttributesForSigning(doc)
	if err != nil {
		return nil, "", err
	}

	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_SHA256_RSA_PKCS, nil)}
	if err := sess.mod.SignInit(sess.handle, mech, match.keyHandle); err != nil {
		return nil, "", fmt.Errorf("SignInit failed: %w", err)
	}
	signature, err := sess.mod.Sign(sess.handle, attrBytes)
	if err != nil {
		return nil, "", fmt.Errorf("device signing failed: %w", err)
	}

	cmsBytes, err := builder.Assemble(attrs, signature)
	if err != nil {
		return nil, "", err
	}
	return cmsBytes, match.CommonName, nil
}

// findCertificate walks up to certSearchLimit certificate objects in
// search order. A candidate is eligible only when a private key with
// the same CKA_ID exists in the session; with a filter, its CN must
// case-insensitively contain the filter as a substring.
func (e *Engine) findCertificate(sess *session, cnFilter string) (*CertificateMatch, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
	}
	if err := sess.mod.FindObjectsInit(sess.handle, template); err != nil {
		return nil, fmt.Errorf("FindObjectsInit failed: %w", err)
	}
	objs, _, err := sess.mod.FindObjects(sess.handle, certSearchLimit)
	if ferr := sess.mod.FindObjectsFinal(sess.handle); ferr != nil {
		e.log.WithError(ferr).Debug("FindObjectsFinal failed")
	}
	if err != nil {
		return nil, fmt.Errorf("FindObjects failed: %w", err)
	}

	filter := strings.ToLower(cnFilter)
	for _, obj := range objs {
		attrs, err := sess.mod.GetAttributeValue(sess.handle, obj, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
			pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
		})
		if err != nil || len(attrs) < 2 || len(attrs[0].Value) == 0 {
			continue
		}
		cert, err := x509.ParseCertificate(attrs[0].Value)
		if err != nil {
			continue
		}
		cn := cert.Subject.CommonName
		if filter != "" && !strings.Contains(strings.ToLower(cn), filter) {
			continue
		}
		keyHandle, ok := e.findPrivateKey(sess, attrs[1].Value)
		if !ok {
			e.log.WithField("cn", cn).Debug("certificate has no paired private key, skipping")
			continue
		}
		return &CertificateMatch{
			Certificate: cert,
			CommonName:  cn,
			certHandle:  obj,
			keyHandle:   keyHandle,
		}, nil
	}
	return nil, errNoMatchInSlot
}

// findPrivateKey locates the private key object paired with the given
// CKA_ID.
func (e *Engine) findPrivateKey(sess *session, keyID []byte) (pkcs11.ObjectHandle, bool) {
	if len(keyID) == 0 {
		return 0, false
	}
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_ID, keyID),
	}
	if err := sess.mod.FindObjectsInit(sess.handle, template); err != nil {
		return 0, false
	}
	objs, _, err := sess.mod.FindObjects(sess.handle, 1)
	if ferr := sess.mod.FindObjectsFinal(sess.handle); ferr != nil {
		e.log.WithError(ferr).Debug("FindObjectsFinal failed")
	}
	if err != nil || len(objs) == 0 {
		return 0, false
	}
	return objs[0], true
}

// VerifyPIN probes the PIN against the first token-present slot:
// login, immediate logout. Provider status codes map to the three
// distinguished PIN errors.
func (e *Engine) VerifyPIN(pin string, settings *config.SigningSettings) error {
	if settings.PKCS11LibraryPath == "" {
		return config.NewConfigError("pkcs11LibraryPath", "PKCS#11 library path is required")
	}

	mod, err := e.newModule(settings.PKCS11LibraryPath)
	if err != nil {
		return err
	}
	if err := mod.Initialize(); err != nil {
		mod.Destroy()
		return fmt.Errorf("PKCS#11 initialize failed: %w", err)
	}
	defer finalizeModule(mod, e.log)

	slots, err := mod.GetSlotList(true)
	if err != nil {
		return fmt.Errorf("failed to enumerate slots: %w", err)
	}
	if len(slots) == 0 {
		return ErrNoToken
	}

	sess, err := openSession(mod, slots[0], pin, e.log)
	if err != nil {
		return classifyPINError(err)
	}
	sess.Release()
	return nil
}

// classifyPINError maps a login failure to one of the distinguished
// PIN conditions.
func classifyPINError(err error) error {
	var rv pkcs11.Error
	if errors.As(err, &rv) {
		switch uint(rv) {
		case pkcs11.CKR_PIN_INCORRECT:
			return ErrPINIncorrect
		case pkcs11.CKR_PIN_LOCKED:
			return ErrPINLocked
		}
	}
	return fmt.Errorf("%w: %v", ErrPINGeneric, err)
}
