// Package config resolves per-tenant branding assets and process-wide
// signing settings from a two-tier config store: a user-writable
// override directory consulted first, then a read-only installation
// default directory, then in-code fallbacks.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Common errors
var (
	ErrConfigurationError   = errors.New("configuration error")
	ErrMissingRequiredField = errors.New("missing required field")
)

// Config file names looked up through the two-tier store.
const (
	BrandingFileName = "branding.json"
	SettingsFileName = "settings.json"
)

// DefaultTenant is the fallback branding key for blank or unknown
// tenant codes.
const DefaultTenant = "DEFAULT"

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrConfigurationError
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// Store locates named config files across the two tiers.
type Store struct {
	// DefaultDir is the read-only installation defaults directory.
	DefaultDir string

	// OverrideDir is the user-writable override directory. It takes
	// precedence over DefaultDir when both contain the same file.
	OverrideDir string
}

// readFile returns the contents of name from the override tier if
// present, otherwise from the default tier. A nil slice with nil error
// means the file exists in neither tier.
func (s *Store) readFile(name string) ([]byte, error) {
	for _, dir := range []string{s.OverrideDir, s.DefaultDir} {
		if dir == "" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err == nil {
			return data, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", name, err)
		}
	}
	return nil, nil
}

// BrandingProfile holds the visual assets and footer geometry for one
// tenant.
type BrandingProfile struct {
	// FooterText is the company legal line drawn on every page.
	FooterText string `yaml:"footerText" json:"footerText"`

	// LogoPath is the path to the tenant logo image.
	LogoPath string `yaml:"logoPath" json:"logoPath"`

	// FooterImagePath is the path to the footer strip image.
	FooterImagePath string `yaml:"footerImagePath" json:"footerImagePath"`

	// FooterImageWidth and FooterImageHeight are the drawn size of the
	// footer image in points.
	FooterImageWidth  float64 `yaml:"footerImageWidth" json:"footerImageWidth"`
	FooterImageHeight float64 `yaml:"footerImageHeight" json:"footerImageHeight"`

	// FooterImageY is the vertical position of the footer image from
	// the page bottom. Values beyond the page height are clamped when
	// drawing.
	FooterImageY float64 `yaml:"footerImageY" json:"footerImageY"`

	// FooterImageXOffset shifts the footer image horizontally from its
	// centered position.
	FooterImageXOffset float64 `yaml:"footerImageXOffset" json:"footerImageXOffset"`

	// BlankFooterHeight is the height of the opaque white strip painted
	// over the bottom of every page before the footer is drawn.
	BlankFooterHeight float64 `yaml:"blankFooterHeight" json:"blankFooterHeight"`
}

// fallbackBranding is used when no branding document exists in either
// tier.
var fallbackBranding = BrandingProfile{
	FooterText:        "Documento prodotto elettronicamente",
	FooterImageWidth:  400,
	FooterImageHeight: 40,
	FooterImageY:      10,
	BlankFooterHeight: 60,
}

// brandingDocument is the on-disk shape: tenant code to profile.
type brandingDocument map[string]*BrandingProfile

// NormalizeTenantCode trims and uppercases a tenant code for lookup.
func NormalizeTenantCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ResolveBranding returns the branding profile for the given tenant
// code. The branding document is read fresh on every call so edits
// take effect without a restart. Unknown or blank codes fall back to
// the DEFAULT entry; a missing document falls back to the in-code
// profile.
func (s *Store) ResolveBranding(tenantCode string) (*BrandingProfile, error) {
	data, err := s.readFile(BrandingFileName)
	if err != nil {
		return nil, err
	}
	if data == nil {
		profile := fallbackBranding
		return &profile, nil
	}

	var doc brandingDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", BrandingFileName, err)
	}

	code := NormalizeTenantCode(tenantCode)
	if profile, ok := doc[code]; ok && profile != nil {
		return profile, nil
	}
	if profile, ok := doc[DefaultTenant]; ok && profile != nil {
		return profile, nil
	}
	profile := fallbackBranding
	return &profile, nil
}
