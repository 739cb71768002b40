package config

import (
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

// SigningSettings holds the process-wide signing configuration. Loaded
// through a SettingsCache: once per process, reloaded only on explicit
// invalidation.
type SigningSettings struct {
	// PKCS11LibraryPath is the path to the PKCS#11 shared object.
	// Mandatory: validation fails before any HSM interaction when empty.
	PKCS11LibraryPath string `yaml:"pkcs11LibraryPath" json:"pkcs11LibraryPath"`

	// SlotIndex is a hint for the preferred HSM slot. The certificate
	// search still walks every token-present slot in order.
	SlotIndex int `yaml:"slotIndex" json:"slotIndex"`

	// RemoteSignURL is the remote signing service endpoint.
	RemoteSignURL string `yaml:"remoteSignUrl" json:"remoteSignUrl"`

	// TSAURL is the RFC 3161 timestamp authority endpoint. Empty means
	// timestamping is skipped.
	TSAURL string `yaml:"tsaUrl" json:"tsaUrl"`

	// AttestationLine1 and AttestationLine2 are the notice templates.
	// Both may contain {signedBy} and {date} placeholders.
	AttestationLine1 string `yaml:"attestationLine1" json:"attestationLine1"`
	AttestationLine2 string `yaml:"attestationLine2" json:"attestationLine2"`

	// Multiline stacks the two attestation lines; when false they are
	// concatenated with a space into one line.
	Multiline bool `yaml:"multiline" json:"multiline"`

	// AttestationY is the baseline offset of the notice from the page
	// bottom; AttestationStep is the vertical distance between stacked
	// lines; AttestationFontSize is the notice text size.
	AttestationY        float64 `yaml:"attestationY" json:"attestationY"`
	AttestationStep     float64 `yaml:"attestationStep" json:"attestationStep"`
	AttestationFontSize float64 `yaml:"attestationFontSize" json:"attestationFontSize"`

	// Logo geometry: drawn size in points and vertical position from
	// the page bottom, horizontally centered.
	LogoWidth  float64 `yaml:"logoWidth" json:"logoWidth"`
	LogoHeight float64 `yaml:"logoHeight" json:"logoHeight"`
	LogoY      float64 `yaml:"logoY" json:"logoY"`

	// Footer company-text position and size.
	FooterTextY    float64 `yaml:"footerTextY" json:"footerTextY"`
	FooterTextSize float64 `yaml:"footerTextSize" json:"footerTextSize"`

	// FontPath optionally names a TrueType font file for decoration
	// text. Any load failure falls back silently to the built-in font.
	FontPath string `yaml:"fontPath" json:"fontPath"`

	// UseP12 selects the software-credential local signing path instead
	// of the PKCS#11 engine.
	UseP12      bool   `yaml:"useP12" json:"useP12"`
	P12Path     string `yaml:"p12Path" json:"p12Path"`
	P12Password string `yaml:"p12Password" json:"p12Password"`

	// RequireCNMatch rejects signing requests that carry no CN filter.
	// When false (the historical behavior) a blank filter accepts the
	// first valid certificate; the engine logs that mode loudly.
	RequireCNMatch bool `yaml:"requireCnMatch" json:"requireCnMatch"`

	// SignerNameSubstitutions rewrites signer display names before the
	// attestation notice is rendered. Used to map legacy fiscal-code
	// identifiers to readable names.
	SignerNameSubstitutions map[string]string `yaml:"signerNameSubstitutions" json:"signerNameSubstitutions"`
}

// Validate checks the mandatory fields. The PKCS#11 library path is
// required even for remote-only deployments so that PIN verification
// stays available.
func (s *SigningSettings) Validate() error {
	if s.PKCS11LibraryPath == "" {
		return NewConfigError("pkcs11LibraryPath", "PKCS#11 library path is required")
	}
	return nil
}

// setDefaults fills the layout numerics a settings document may omit.
func (s *SigningSettings) setDefaults() {
	if s.AttestationLine1 == "" {
		s.AttestationLine1 = "Documento firmato digitalmente da {signedBy}"
	}
	if s.AttestationLine2 == "" {
		s.AttestationLine2 = "in data {date}"
	}
	if s.AttestationY == 0 {
		s.AttestationY = 20
	}
	if s.AttestationStep == 0 {
		s.AttestationStep = 10
	}
	if s.AttestationFontSize == 0 {
		s.AttestationFontSize = 7
	}
	if s.LogoWidth == 0 {
		s.LogoWidth = 120
	}
	if s.LogoHeight == 0 {
		s.LogoHeight = 40
	}
	if s.LogoY == 0 {
		s.LogoY = 780
	}
	if s.FooterTextY == 0 {
		s.FooterTextY = 45
	}
	if s.FooterTextSize == 0 {
		s.FooterTextSize = 8
	}
}

// LoadSettings reads and validates the settings document from the
// two-tier store. A document missing from both tiers is a
// configuration error: unlike branding there is no usable in-code
// fallback for the HSM library path.
func (s *Store) LoadSettings() (*SigningSettings, error) {
	data, err := s.readFile(SettingsFileName)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, NewConfigError("", fmt.Sprintf("%s not found in any config directory", SettingsFileName))
	}

	var settings SigningSettings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", SettingsFileName, err)
	}
	settings.setDefaults()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

// SettingsCache memoizes the signing settings for the life of the
// process. Invalidate forces the next Get to reload from disk.
type SettingsCache struct {
	Store *Store

	mu     sync.Mutex
	cached *SigningSettings
}

// NewSettingsCache creates a cache over the given store.
func NewSettingsCache(store *Store) *SettingsCache {
	return &SettingsCache{Store: store}
}

// Get returns the cached settings, loading them on first use.
func (c *SettingsCache) Get() (*SigningSettings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached != nil {
		return c.cached, nil
	}
	settings, err := c.Store.LoadSettings()
	if err != nil {
		return nil, err
	}
	c.cached = settings
	return settings, nil
}

// Invalidate clears the cache so the next Get reloads from disk.
func (c *SettingsCache) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}
