// Package remote delegates CMS signature creation to an external
// signing service: the document digest travels out with a one-time
// password, the finished CMS structure comes back.
package remote

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// DefaultTimeout bounds one remote signing round trip. The service
// performs an HSM operation plus OTP validation, so this is generous.
const DefaultTimeout = 15 * time.Second

// Remote signing errors
var (
	ErrNoServiceURL  = errors.New("no remote signing service URL configured")
	ErrEmptyResponse = errors.New("remote signing service returned an empty CMS")
)

type signRequest struct {
	DigestBase64 string `json:"digestBase64"`
	OTP          string `json:"otp"`
}

type signResponse struct {
	CMS string `json:"cms"`
}

// Client calls the remote signing service. A failed call is final:
// the OTP is single-use, so the client never retries.
type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient creates a client for the given service URL. When
// httpClient is nil a default client with DefaultTimeout is used.
func NewClient(url string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{url: url, httpClient: httpClient}
}

// Sign submits the SHA-256 digest of doc together with the operator's
// OTP and returns the CMS structure produced by the service.
func (c *Client) Sign(ctx context.Context, doc []byte, otp string) ([]byte, error) {
	if c.url == "" {
		return nil, ErrNoServiceURL
	}

	digest := sha256.Sum256(doc)
	reqBody, err := json.Marshal(signRequest{
		DigestBase64: base64.StdEncoding.EncodeToString(digest[:]),
		OTP:          otp,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode signing request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create signing request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote signing request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote signing service returned status %d", resp.StatusCode)
	}

	var respData signResponse
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return nil, fmt.Errorf("failed to decode signing response: %w", err)
	}
	if respData.CMS == "" {
		return nil, ErrEmptyResponse
	}

	cmsBytes, err := base64.StdEncoding.DecodeString(respData.CMS)
	if err != nil {
		return nil, fmt.Errorf("remote signing service returned invalid base64: %w", err)
	}
	return cmsBytes, nil
}
