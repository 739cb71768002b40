// Package pipeline orchestrates the full report signing flow:
// decorate, sign (smart card, keystore, or remote service), attest,
// timestamp. Every request either completes all stages or fails as a
// whole; the caller never sees a partially processed document.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/refertomed/firmapdf/config"
	"github.com/refertomed/firmapdf/decorate"
	"github.com/refertomed/firmapdf/sign/hsm"
	"github.com/refertomed/firmapdf/sign/p12"
	"github.com/refertomed/firmapdf/sign/remote"
	"github.com/refertomed/firmapdf/sign/timestamps"
)

// RemoteSignerName is the attestation name used when the signature is
// produced by the remote service, which does not disclose the
// certificate holder.
const RemoteSignerName = "Operatore autorizzato"

// ErrRequestConflict is returned when a request mixes signing modes:
// exactly one of local PIN, remote OTP, or bypass may be active.
var ErrRequestConflict = errors.New("conflicting signing request")

// Request describes one document to sign.
type Request struct {
	// Document is the PDF to process.
	Document []byte

	// TenantCode selects the branding profile.
	TenantCode string

	// PIN unlocks the smart card, or the keystore when its password
	// is not configured separately.
	PIN string

	// Remote routes the request to the remote signing service instead
	// of a local credential.
	Remote bool

	// OTP authorizes one remote signing operation.
	OTP string

	// CertificateFilter is matched case-insensitively against the
	// certificate subject CN on the token.
	CertificateFilter string

	// Bypass skips signature creation: the document is decorated and
	// attested but no CMS is produced.
	Bypass bool

	// SignerName is the attestation name for bypassed documents.
	SignerName string

	// FooterText overrides the branding footer text when non-empty.
	FooterText string
}

// validate rejects requests that mix signing modes.
func (req *Request) validate() error {
	switch {
	case req.Bypass && (req.Remote || req.PIN != "" || req.OTP != ""):
		return fmt.Errorf("%w: bypass excludes PIN, OTP and remote signing", ErrRequestConflict)
	case req.Remote && req.PIN != "":
		return fmt.Errorf("%w: remote signing takes an OTP, not a PIN", ErrRequestConflict)
	case !req.Remote && req.OTP != "":
		return fmt.Errorf("%w: an OTP is only used with remote signing", ErrRequestConflict)
	}
	return nil
}

// Result is the outcome of a completed request.
type Result struct {
	// Document is the decorated and attested PDF.
	Document []byte

	// CMS is the detached signature over the decorated document,
	// before the attestation line was added. Nil for bypassed
	// requests.
	CMS []byte

	// SignedBy is the name written in the attestation line.
	SignedBy string
}

// Signer runs the signing pipeline. Settings are cached across
// requests; branding is resolved fresh on every call.
type Signer struct {
	store    *config.Store
	settings *config.SettingsCache
	clock    clockwork.Clock
	log      *logrus.Logger

	// stage seams, replaced in tests
	decorateFn  func(pdf []byte, branding *config.BrandingProfile, settings *config.SigningSettings, footerText string) ([]byte, error)
	noticeFn    func(pdf []byte, signedBy string, settings *config.SigningSettings, clock clockwork.Clock) ([]byte, error)
	signLocalFn func(doc []byte, pin string, settings *config.SigningSettings, cnFilter string) ([]byte, string, error)
	signP12Fn   func(doc []byte, pin string, settings *config.SigningSettings, clock clockwork.Clock) ([]byte, string, error)
	signRemote  func(ctx context.Context, url string, doc []byte, otp string) ([]byte, error)
	timestampFn func(ctx context.Context, cmsBytes []byte, tsaURL string) []byte
	verifyPIN   func(pin string, settings *config.SigningSettings) error
}

// New creates a Signer over the given configuration store. Pipeline
// activity is logged to a per-day file under logDir; an empty logDir
// disables file logging.
func New(store *config.Store, clock clockwork.Clock, logDir string) *Signer {
	log := logrus.New()
	log.SetOutput(newDailyWriter(logDir, clock))

	engine := hsm.New(log, clock)
	augmenter := timestamps.NewAugmenter(log, nil)

	return &Signer{
		store:      store,
		settings:   config.NewSettingsCache(store),
		clock:      clock,
		log:        log,
		decorateFn: decorate.Decorate,
		noticeFn:   decorate.AddSignatureNotice,
		signLocalFn: func(doc []byte, pin string, settings *config.SigningSettings, cnFilter string) ([]byte, string, error) {
			return engine.SignLocal(doc, pin, settings, cnFilter)
		},
		signP12Fn: p12.Sign,
		signRemote: func(ctx context.Context, url string, doc []byte, otp string) ([]byte, error) {
			return remote.NewClient(url, &http.Client{Timeout: remote.DefaultTimeout}).Sign(ctx, doc, otp)
		},
		timestampFn: augmenter.Augment,
		verifyPIN: func(pin string, settings *config.SigningSettings) error {
			return engine.VerifyPIN(pin, settings)
		},
	}
}

// Sign runs the pipeline for one request. Any stage failure is logged
// and surfaces as a single wrapped error; no partial output is
// returned.
func (s *Signer) Sign(ctx context.Context, req *Request) (*Result, error) {
	res, err := s.run(ctx, req)
	if err != nil {
		s.log.WithError(err).WithField("tenant", req.TenantCode).Error("signing failed")
		return nil, fmt.Errorf("Error during PDF signing: %w", err)
	}
	return res, nil
}

func (s *Signer) run(ctx context.Context, req *Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	settings, err := s.settings.Get()
	if err != nil {
		return nil, err
	}
	branding, err := s.store.ResolveBranding(req.TenantCode)
	if err != nil {
		return nil, err
	}

	decorated, err := s.decorateFn(req.Document, branding, settings, req.FooterText)
	if err != nil {
		return nil, err
	}

	if req.Bypass {
		signedBy := req.SignerName
		if signedBy == "" {
			signedBy = RemoteSignerName
		}
		attested, err := s.noticeFn(decorated, signedBy, settings, s.clock)
		if err != nil {
			return nil, err
		}
		s.log.WithField("tenant", req.TenantCode).Info("document attested without signature")
		return &Result{Document: attested, SignedBy: signedBy}, nil
	}

	cmsBytes, signedBy, err := s.createSignature(ctx, decorated, req, settings)
	if err != nil {
		return nil, err
	}

	// The attestation line is stamped after the signature, so the CMS
	// covers the document without it.
	attested, err := s.noticeFn(decorated, signedBy, settings, s.clock)
	if err != nil {
		return nil, err
	}

	cmsBytes = s.timestampFn(ctx, cmsBytes, settings.TSAURL)

	s.log.WithFields(logrus.Fields{"tenant": req.TenantCode, "signedBy": signedBy}).Info("document signed")
	return &Result{Document: attested, CMS: cmsBytes, SignedBy: signedBy}, nil
}

// createSignature picks the signing backend from the request: the
// remote service when asked for, otherwise the PKCS#12 keystore or
// the smart card.
func (s *Signer) createSignature(ctx context.Context, doc []byte, req *Request, settings *config.SigningSettings) ([]byte, string, error) {
	switch {
	case req.Remote:
		if settings.RemoteSignURL == "" {
			return nil, "", config.NewConfigError("remoteSignUrl", "remote signing requested but no service URL is configured")
		}
		cmsBytes, err := s.signRemote(ctx, settings.RemoteSignURL, doc, req.OTP)
		if err != nil {
			return nil, "", err
		}
		return cmsBytes, RemoteSignerName, nil
	case settings.UseP12:
		return s.signP12Fn(doc, req.PIN, settings, s.clock)
	default:
		return s.signLocalFn(doc, req.PIN, settings, req.CertificateFilter)
	}
}

// VerifyPIN probes the smart card PIN without signing anything.
func (s *Signer) VerifyPIN(pin string) error {
	settings, err := s.settings.Get()
	if err != nil {
		return err
	}
	return s.verifyPIN(pin, settings)
}

// ReloadSettings discards the cached signing settings; the next
// request reads them from disk again.
func (s *Signer) ReloadSettings() {
	s.settings.Invalidate()
}
