// Package timestamps augments CMS signatures with RFC 3161 timestamp
// tokens obtained from a TSA over HTTP.
//
// Timestamping is strictly best-effort: a document signed without a
// timestamp is still valid, so every failure in this package is logged
// and the signature is returned unchanged.
package timestamps

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/refertomed/firmapdf/sign/cms"
)

// DefaultTimeout bounds one TSA round trip.
const DefaultTimeout = 10 * time.Second

// OIDs for timestamp structures
var (
	OIDTSTInfo = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 4}
	OIDSHA256  = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
)

// Common errors
var (
	ErrTimestampFailed   = errors.New("timestamp request failed")
	ErrTimestampRejected = errors.New("timestamp request rejected")
	ErrInvalidTimestamp  = errors.New("invalid timestamp")
	ErrTimestampMismatch = errors.New("timestamp message imprint mismatch")
	ErrNonceMismatch     = errors.New("timestamp nonce mismatch")
)

// AlgorithmIdentifier represents an algorithm with parameters.
type AlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

// MessageImprint represents the hash of the data to timestamp.
type MessageImprint struct {
	HashAlgorithm AlgorithmIdentifier
	HashedMessage []byte
}

// TimeStampReq represents a timestamp request (RFC 3161).
type TimeStampReq struct {
	Version        int
	MessageImprint MessageImprint
	ReqPolicy      asn1.ObjectIdentifier `asn1:"optional"`
	Nonce          *big.Int              `asn1:"optional"`
	CertReq        bool                  `asn1:"optional,default:false"`
	Extensions     []Extension           `asn1:"optional,implicit,tag:0"`
}

// TimeStampResp represents a timestamp response (RFC 3161).
type TimeStampResp struct {
	Status         PKIStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

// PKIStatusInfo represents the status of a PKI operation.
type PKIStatusInfo struct {
	Status       int
	StatusString []string       `asn1:"optional"`
	FailInfo     asn1.BitString `asn1:"optional"`
}

// TSTInfo represents the timestamp token info.
type TSTInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint MessageImprint
	SerialNumber   *big.Int
	GenTime        time.Time     `asn1:"generalized"`
	Accuracy       Accuracy      `asn1:"optional"`
	Ordering       bool          `asn1:"optional,default:false"`
	Nonce          *big.Int      `asn1:"optional"`
	TSA            asn1.RawValue `asn1:"optional,explicit,tag:0"`
	Extensions     []Extension   `asn1:"optional,implicit,tag:1"`
}

// Accuracy represents timestamp accuracy.
type Accuracy struct {
	Seconds int `asn1:"optional"`
	Millis  int `asn1:"optional,implicit,tag:0"`
	Micros  int `asn1:"optional,implicit,tag:1"`
}

// Extension represents an X.509 extension.
type Extension struct {
	ExtnID    asn1.ObjectIdentifier
	Critical  bool `asn1:"optional,default:false"`
	ExtnValue []byte
}

// CreateRequest builds a DER-encoded SHA-256 timestamp request over
// data, asking the TSA to include its certificate. The returned nonce
// must match the one echoed in the token.
func CreateRequest(data []byte) ([]byte, *big.Int, error) {
	digest := sha256.Sum256(data)

	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, nil, err
	}

	req := TimeStampReq{
		Version: 1,
		MessageImprint: MessageImprint{
			HashAlgorithm: AlgorithmIdentifier{
				Algorithm:  OIDSHA256,
				Parameters: asn1.RawValue{Tag: 5}, // NULL
			},
			HashedMessage: digest[:],
		},
		Nonce:   nonce,
		CertReq: true,
	}

	der, err := asn1.Marshal(req)
	if err != nil {
		return nil, nil, err
	}
	return der, nonce, nil
}

// ParseResponse validates a DER-encoded timestamp response against the
// original data and the request nonce, returning the raw token.
func ParseResponse(respData, originalData []byte, nonce *big.Int) ([]byte, error) {
	var resp TimeStampResp
	if _, err := asn1.Unmarshal(respData, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}

	// 0 = granted, 1 = granted with modifications
	if resp.Status.Status != 0 && resp.Status.Status != 1 {
		return nil, fmt.Errorf("%w: status %d %v", ErrTimestampRejected, resp.Status.Status, resp.Status.StatusString)
	}
	if len(resp.TimeStampToken.FullBytes) == 0 {
		return nil, fmt.Errorf("%w: granted response without token", ErrInvalidTimestamp)
	}

	tstInfo, err := ExtractTSTInfo(resp.TimeStampToken.FullBytes)
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(originalData)
	if !bytes.Equal(tstInfo.MessageImprint.HashedMessage, digest[:]) {
		return nil, ErrTimestampMismatch
	}
	if nonce != nil && tstInfo.Nonce != nil && nonce.Cmp(tstInfo.Nonce) != 0 {
		return nil, ErrNonceMismatch
	}

	return resp.TimeStampToken.FullBytes, nil
}

// ExtractTSTInfo extracts the TSTInfo from a timestamp token.
func ExtractTSTInfo(tokenData []byte) (*TSTInfo, error) {
	var contentInfo struct {
		ContentType asn1.ObjectIdentifier
		Content     asn1.RawValue `asn1:"explicit,tag:0"`
	}
	if _, err := asn1.Unmarshal(tokenData, &contentInfo); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}

	var signedData struct {
		Version          int
		DigestAlgorithms asn1.RawValue
		EncapContentInfo struct {
			EContentType asn1.ObjectIdentifier
			EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
		}
		Certificates asn1.RawValue `asn1:"optional,implicit,tag:0"`
		SignerInfos  asn1.RawValue
	}
	if _, err := asn1.Unmarshal(contentInfo.Content.Bytes, &signedData); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}

	var tstInfo TSTInfo
	if _, err := asn1.Unmarshal(signedData.EncapContentInfo.EContent.Bytes, &tstInfo); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	return &tstInfo, nil
}

// GetGenTime returns the generation time from a timestamp token.
func GetGenTime(tokenData []byte) (time.Time, error) {
	tstInfo, err := ExtractTSTInfo(tokenData)
	if err != nil {
		return time.Time{}, err
	}
	return tstInfo.GenTime, nil
}

// Augmenter splices TSA timestamp tokens into finished CMS
// signatures.
type Augmenter struct {
	httpClient *http.Client
	log        logrus.FieldLogger
}

// NewAugmenter creates an augmenter. When httpClient is nil a default
// client with DefaultTimeout is used.
func NewAugmenter(log logrus.FieldLogger, httpClient *http.Client) *Augmenter {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Augmenter{httpClient: httpClient, log: log}
}

// Augment requests a timestamp token over the SHA-256 digest of
// cmsBytes from the TSA at tsaURL and splices it into the signature as
// an unsigned attribute. An empty tsaURL skips timestamping; any
// failure along the way is logged and cmsBytes is returned unchanged.
func (a *Augmenter) Augment(ctx context.Context, cmsBytes []byte, tsaURL string) []byte {
	if tsaURL == "" {
		a.log.Info("no TSA configured, skipping timestamp")
		return cmsBytes
	}

	token, err := a.fetchToken(ctx, cmsBytes, tsaURL)
	if err != nil {
		a.log.WithError(err).Warn("timestamping failed, keeping signature without timestamp")
		return cmsBytes
	}

	augmented, err := cms.AddTimestampToken(cmsBytes, token)
	if err != nil {
		a.log.WithError(err).Warn("failed to splice timestamp token, keeping signature without timestamp")
		return cmsBytes
	}
	return augmented
}

func (a *Augmenter) fetchToken(ctx context.Context, cmsBytes []byte, tsaURL string) ([]byte, error) {
	reqDER, nonce, err := CreateRequest(cmsBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimestampFailed, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", tsaURL, bytes.NewReader(reqDER))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimestampFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/timestamp-query")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimestampFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrTimestampFailed, resp.StatusCode)
	}

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimestampFailed, err)
	}

	return ParseResponse(respData, cmsBytes, nonce)
}
