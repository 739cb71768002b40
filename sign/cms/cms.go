// Package cms builds and inspects the CMS SignedData structures (RFC
// 5652) produced by report signing: a detached CAdES-BES signature
// with one SignerInfo, signed attributes {contentType, messageDigest,
// signingTime}, SHA-256 with RSA, and an optional RFC 3161 timestamp
// token attached post-hoc as an unsigned attribute.
package cms

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"
)

// OIDs for CMS structures and algorithms
var (
	// Content types
	OIDData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}

	// Algorithms
	OIDSHA256        = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDRSAEncryption = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}

	// Signed attributes
	OIDContentType   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDMessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDSigningTime   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}

	// OIDTimeStampToken is id-aa-signatureTimeStampToken (RFC 3161
	// appendix A), carried in the unsigned attributes.
	OIDTimeStampToken = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}
)

// Common errors
var (
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrMissingCertificate = errors.New("missing certificate")
	ErrNoSignerInfo       = errors.New("no signer info")
)

// AlgorithmIdentifier represents an algorithm identifier.
type AlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

// ContentInfo represents a CMS ContentInfo structure.
type ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// SignedData represents a CMS SignedData structure.
type SignedData struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo EncapsulatedContentInfo
	Certificates     []asn1.RawValue `asn1:"optional,implicit,tag:0,set"`
	CRLs             []asn1.RawValue `asn1:"optional,implicit,tag:1"`
	SignerInfos      []SignerInfo    `asn1:"set"`
}

// EncapsulatedContentInfo represents encapsulated content. EContent is
// absent for the detached signatures produced here.
type EncapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// SignerInfo represents a signer's information.
// Note: SID is IssuerAndSerialNumber directly (not wrapped in
// SignerIdentifier) because SignerIdentifier is a CHOICE in ASN.1.
type SignerInfo struct {
	Version            int
	SID                IssuerAndSerialNumber
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        []Attribute `asn1:"optional,implicit,tag:0,set"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      []Attribute `asn1:"optional,implicit,tag:1,set"`
}

// signerInfoRaw captures the raw signed-attribute bytes during parsing.
type signerInfoRaw struct {
	Version            int
	SID                IssuerAndSerialNumber
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1"`
}

// signedDataRaw captures raw signer infos during parsing.
type signedDataRaw struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo EncapsulatedContentInfo
	Certificates     []asn1.RawValue `asn1:"optional,implicit,tag:0,set"`
	CRLs             []asn1.RawValue `asn1:"optional,implicit,tag:1"`
	SignerInfos      []asn1.RawValue `asn1:"set"`
}

// IssuerAndSerialNumber identifies a certificate by issuer and serial.
type IssuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// Attribute represents a CMS attribute.
type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// Builder assembles a detached SignedData over SHA-256/RSA. The
// signature either comes from a local private key or is precomputed by
// an external device/service over the signed-attribute bytes.
type Builder struct {
	Certificate          *x509.Certificate
	CertChain            []*x509.Certificate
	PrivateKey           crypto.Signer
	SigningTime          time.Time
	PrecomputedSignature []byte
}

// NewBuilder creates a builder for the given signing certificate.
func NewBuilder(cert *x509.Certificate) *Builder {
	return &Builder{
		Certificate: cert,
		SigningTime: time.Now().UTC(),
	}
}

// SetSigningTime fixes the signingTime attribute. Must be set before
// SignedAttributesForSigning so the device signs the same bytes the
// final structure carries.
func (b *Builder) SetSigningTime(t time.Time) {
	b.SigningTime = t.UTC()
}

// SetPrecomputedSignature installs a signature computed externally
// over the DER signed-attribute bytes. When set, Sign uses it instead
// of the local private key.
func (b *Builder) SetPrecomputedSignature(sig []byte) {
	b.PrecomputedSignature = sig
}

// SignedAttributesForSigning returns the signed attributes and the
// exact DER SET bytes a signing primitive must cover. The attribute
// set is fixed: contentType (id-data), messageDigest (SHA-256 of
// data), signingTime (UTCTime).
func (b *Builder) SignedAttributesForSigning(data []byte) ([]Attribute, []byte, error) {
	digest := sha256.Sum256(data)

	contentTypeValue, err := asn1.Marshal(OIDData)
	if err != nil {
		return nil, nil, err
	}
	digestValue, err := asn1.Marshal(digest[:])
	if err != nil {
		return nil, nil, err
	}
	signingTimeValue, err := asn1.Marshal(b.SigningTime.Truncate(time.Second))
	if err != nil {
		return nil, nil, err
	}

	attrs := []Attribute{
		{Type: OIDContentType, Values: []asn1.RawValue{{FullBytes: contentTypeValue}}},
		{Type: OIDMessageDigest, Values: []asn1.RawValue{{FullBytes: digestValue}}},
		{Type: OIDSigningTime, Values: []asn1.RawValue{{FullBytes: signingTimeValue}}},
	}
	attrs = derSortAttributes(attrs)

	attrBytes, err := asn1.Marshal(attrs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal signed attributes: %w", err)
	}
	attrBytes[0] = 0x31 // SET tag

	return attrs, attrBytes, nil
}

// Sign creates the detached CMS signature over data.
func (b *Builder) Sign(data []byte) ([]byte, error) {
	signedAttrs, attrBytes, err := b.SignedAttributesForSigning(data)
	if err != nil {
		return nil, err
	}

	var signature []byte
	if b.PrecomputedSignature != nil {
		signature = b.PrecomputedSignature
	} else {
		signature, err = b.signAttrBytes(attrBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to sign: %w", err)
		}
	}
	return b.Assemble(signedAttrs, signature)
}

// Assemble wraps the signed attributes and signature into a complete
// ContentInfo/SignedData with one SignerInfo identified by issuer and
// serial.
func (b *Builder) Assemble(signedAttrs []Attribute, signature []byte) ([]byte, error) {
	if b.Certificate == nil {
		return nil, ErrMissingCertificate
	}

	sha256Alg := AlgorithmIdentifier{
		Algorithm:  OIDSHA256,
		Parameters: asn1.RawValue{Tag: 5}, // NULL
	}
	signerInfo := SignerInfo{
		Version: 1,
		SID: IssuerAndSerialNumber{
			Issuer:       asn1.RawValue{FullBytes: b.Certificate.RawIssuer},
			SerialNumber: b.Certificate.SerialNumber,
		},
		DigestAlgorithm: sha256Alg,
		SignedAttrs:     signedAttrs,
		SignatureAlgorithm: AlgorithmIdentifier{
			Algorithm:  OIDRSAEncryption,
			Parameters: asn1.RawValue{Tag: 5},
		},
		Signature: signature,
	}

	signedData := SignedData{
		Version:          1,
		DigestAlgorithms: []AlgorithmIdentifier{sha256Alg},
		EncapContentInfo: EncapsulatedContentInfo{
			EContentType: OIDData,
			// no encapsulated content: detached signature
		},
		SignerInfos: []SignerInfo{signerInfo},
	}
	signedData.Certificates = append(signedData.Certificates,
		asn1.RawValue{FullBytes: b.Certificate.Raw})
	for _, cert := range b.CertChain {
		signedData.Certificates = append(signedData.Certificates,
			asn1.RawValue{FullBytes: cert.Raw})
	}

	signedDataBytes, err := asn1.Marshal(signedData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signed data: %w", err)
	}
	return asn1.Marshal(ContentInfo{
		ContentType: OIDSignedData,
		Content:     asn1.RawValue{Class: 2, Tag: 0, IsCompound: true, Bytes: signedDataBytes},
	})
}

// signAttrBytes signs the DER attribute bytes with the local key,
// mirroring what the hardware mechanism does: hash then PKCS#1 v1.5.
func (b *Builder) signAttrBytes(attrBytes []byte) ([]byte, error) {
	if b.PrivateKey == nil {
		return nil, errors.New("no private key configured")
	}
	digest := sha256.Sum256(attrBytes)
	switch key := b.PrivateKey.(type) {
	case *rsa.PrivateKey:
		return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	default:
		return b.PrivateKey.Sign(rand.Reader, digest[:], crypto.SHA256)
	}
}

// derSortAttributes sorts attributes by their DER encoding, the SET OF
// ordering DER requires and Go's asn1 package does not apply.
func derSortAttributes(attrs []Attribute) []Attribute {
	type attrWithDER struct {
		attr Attribute
		der  []byte
	}
	attrsWithDER := make([]attrWithDER, len(attrs))
	for i, attr := range attrs {
		der, _ := asn1.Marshal(attr)
		attrsWithDER[i] = attrWithDER{attr: attr, der: der}
	}
	sort.Slice(attrsWithDER, func(i, j int) bool {
		return bytes.Compare(attrsWithDER[i].der, attrsWithDER[j].der) < 0
	})
	result := make([]Attribute, len(attrs))
	for i, awd := range attrsWithDER {
		result[i] = awd.attr
	}
	return result
}

// Parse parses a CMS structure into its SignedData.
func Parse(data []byte) (*SignedData, error) {
	var contentInfo ContentInfo
	if _, err := asn1.Unmarshal(data, &contentInfo); err != nil {
		return nil, fmt.Errorf("failed to parse ContentInfo: %w", err)
	}
	if !contentInfo.ContentType.Equal(OIDSignedData) {
		return nil, fmt.Errorf("expected SignedData, got %v", contentInfo.ContentType)
	}
	var signedData SignedData
	if _, err := asn1.Unmarshal(contentInfo.Content.Bytes, &signedData); err != nil {
		return nil, fmt.Errorf("failed to parse SignedData: %w", err)
	}
	return &signedData, nil
}

// firstSignerInfo returns the sole SignerInfo of a parsed structure.
func firstSignerInfo(sd *SignedData) (*SignerInfo, error) {
	if len(sd.SignerInfos) == 0 {
		return nil, ErrNoSignerInfo
	}
	return &sd.SignerInfos[0], nil
}

// signedAttribute returns the first value of the given signed
// attribute type.
func signedAttribute(si *SignerInfo, oid asn1.ObjectIdentifier) (asn1.RawValue, bool) {
	for _, attr := range si.SignedAttrs {
		if attr.Type.Equal(oid) && len(attr.Values) > 0 {
			return attr.Values[0], true
		}
	}
	return asn1.RawValue{}, false
}

// GetMessageDigest extracts the messageDigest signed attribute.
func GetMessageDigest(cmsData []byte) ([]byte, error) {
	sd, err := Parse(cmsData)
	if err != nil {
		return nil, err
	}
	si, err := firstSignerInfo(sd)
	if err != nil {
		return nil, err
	}
	value, ok := signedAttribute(si, OIDMessageDigest)
	if !ok {
		return nil, errors.New("message digest attribute not found")
	}
	var digest []byte
	if _, err := asn1.Unmarshal(value.FullBytes, &digest); err != nil {
		return nil, fmt.Errorf("malformed message digest attribute: %w", err)
	}
	return digest, nil
}

// GetSigningTime extracts the signingTime signed attribute.
func GetSigningTime(cmsData []byte) (time.Time, error) {
	sd, err := Parse(cmsData)
	if err != nil {
		return time.Time{}, err
	}
	si, err := firstSignerInfo(sd)
	if err != nil {
		return time.Time{}, err
	}
	value, ok := signedAttribute(si, OIDSigningTime)
	if !ok {
		return time.Time{}, errors.New("signing time attribute not found")
	}
	var signingTime time.Time
	if _, err := asn1.Unmarshal(value.FullBytes, &signingTime); err != nil {
		return time.Time{}, fmt.Errorf("malformed signing time attribute: %w", err)
	}
	return signingTime, nil
}

// GetSignerCertificates extracts the certificates carried in the
// structure.
func GetSignerCertificates(cmsData []byte) ([]*x509.Certificate, error) {
	sd, err := Parse(cmsData)
	if err != nil {
		return nil, err
	}
	var certs []*x509.Certificate
	for _, certRaw := range sd.Certificates {
		cert, err := x509.ParseCertificate(certRaw.FullBytes)
		if err != nil {
			continue
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// HasTimestampToken reports whether the sole SignerInfo carries an
// id-aa-signatureTimeStampToken unsigned attribute.
func HasTimestampToken(cmsData []byte) bool {
	sd, err := Parse(cmsData)
	if err != nil {
		return false
	}
	si, err := firstSignerInfo(sd)
	if err != nil {
		return false
	}
	for _, attr := range si.UnsignedAttrs {
		if attr.Type.Equal(OIDTimeStampToken) {
			return true
		}
	}
	return false
}

// GetTimestampToken returns the raw TSA token attached to the sole
// SignerInfo.
func GetTimestampToken(cmsData []byte) ([]byte, error) {
	sd, err := Parse(cmsData)
	if err != nil {
		return nil, err
	}
	si, err := firstSignerInfo(sd)
	if err != nil {
		return nil, err
	}
	for _, attr := range si.UnsignedAttrs {
		if attr.Type.Equal(OIDTimeStampToken) && len(attr.Values) > 0 {
			return attr.Values[0].FullBytes, nil
		}
	}
	return nil, errors.New("no timestamp token attribute")
}

// AddTimestampToken re-encodes cmsData with the TSA token attached as
// an unsigned attribute on the sole SignerInfo. The signed attributes
// are carried through untouched, so the signature they cover stays
// valid.
func AddTimestampToken(cmsData, token []byte) ([]byte, error) {
	sd, err := Parse(cmsData)
	if err != nil {
		return nil, err
	}
	si, err := firstSignerInfo(sd)
	if err != nil {
		return nil, err
	}

	si.UnsignedAttrs = append(si.UnsignedAttrs, Attribute{
		Type:   OIDTimeStampToken,
		Values: []asn1.RawValue{{FullBytes: token}},
	})

	signedDataBytes, err := asn1.Marshal(*sd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signed data: %w", err)
	}
	return asn1.Marshal(ContentInfo{
		ContentType: OIDSignedData,
		Content:     asn1.RawValue{Class: 2, Tag: 0, IsCompound: true, Bytes: signedDataBytes},
	})
}

// Verify checks the detached signature in cmsData over signedContent:
// the messageDigest attribute must match SHA-256 of the content and
// the RSA signature must verify over the re-encoded attribute SET.
func Verify(cmsData, signedContent []byte) error {
	var contentInfo ContentInfo
	if _, err := asn1.Unmarshal(cmsData, &contentInfo); err != nil {
		return fmt.Errorf("failed to parse ContentInfo: %w", err)
	}
	if !contentInfo.ContentType.Equal(OIDSignedData) {
		return fmt.Errorf("expected SignedData, got %v", contentInfo.ContentType)
	}
	var sdRaw signedDataRaw
	if _, err := asn1.Unmarshal(contentInfo.Content.Bytes, &sdRaw); err != nil {
		return fmt.Errorf("failed to parse SignedData: %w", err)
	}
	if len(sdRaw.SignerInfos) == 0 {
		return ErrNoSignerInfo
	}
	var siRaw signerInfoRaw
	if _, err := asn1.Unmarshal(sdRaw.SignerInfos[0].FullBytes, &siRaw); err != nil {
		return fmt.Errorf("failed to parse SignerInfo: %w", err)
	}

	var signerCert *x509.Certificate
	for _, certRaw := range sdRaw.Certificates {
		cert, err := x509.ParseCertificate(certRaw.FullBytes)
		if err != nil {
			continue
		}
		if siRaw.SID.SerialNumber != nil && cert.SerialNumber.Cmp(siRaw.SID.SerialNumber) == 0 {
			signerCert = cert
			break
		}
	}
	if signerCert == nil {
		return ErrMissingCertificate
	}

	// parse the signed attributes out of the implicit [0] wrapper
	var signedAttrs []Attribute
	rest := siRaw.SignedAttrs.Bytes
	for len(rest) > 0 {
		var attr Attribute
		var err error
		rest, err = asn1.Unmarshal(rest, &attr)
		if err != nil {
			return fmt.Errorf("failed to parse signed attribute: %w", err)
		}
		signedAttrs = append(signedAttrs, attr)
	}

	contentDigest := sha256.Sum256(signedContent)
	var foundDigest []byte
	for _, attr := range signedAttrs {
		if attr.Type.Equal(OIDMessageDigest) && len(attr.Values) > 0 {
			if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &foundDigest); err == nil {
				break
			}
		}
	}
	if foundDigest == nil {
		return errors.New("message digest attribute not found")
	}
	if !bytes.Equal(contentDigest[:], foundDigest) {
		return fmt.Errorf("%w: message digest mismatch", ErrInvalidSignature)
	}

	// Re-marshal the attributes with the SET tag, reproducing the
	// exact bytes the device signed.
	attrBytes, err := asn1.Marshal(signedAttrs)
	if err != nil {
		return fmt.Errorf("failed to marshal signed attributes: %w", err)
	}
	attrBytes[0] = 0x31

	attrDigest := sha256.Sum256(attrBytes)
	pub, ok := signerCert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: unsupported key type %T", ErrInvalidSignature, signerCert.PublicKey)
	}
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, attrDigest[:], siRaw.Signature); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}
