// Package tsa is the RFC3161 timestamp-authority client (C9): a single
// stamp operation with strict content-type and status checks, built on
// github.com/digitorus/timestamp for request/response encoding.
package tsa

import (
	"bytes"
	"context"
	"crypto"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/digitorus/timestamp"

	"github.com/ticketarc/ticketarc/internal/classify"
)

const (
	contentTypeQuery = "application/timestamp-query"
	contentTypeReply = "application/timestamp-reply"
)

// Options configures the TSA client.
type Options struct {
	URL      string
	Username string
	Password string
	Timeout  time.Duration
}

// Client posts RFC3161 timestamp requests to a configured TSA endpoint.
type Client struct {
	url        string
	username   string
	password   string
	httpClient *http.Client
}

// NewClient validates that basic auth is all-or-nothing: a partially
// configured username/password pair is a misconfiguration, not a
// silently-anonymous request. Returns a ready client.
func NewClient(opts Options) (*Client, error) {
	if (opts.Username == "") != (opts.Password == "") {
		return nil, classify.NewPermanent(classify.CodeTsaMisconfigured, "TSA basic auth must set both username and password, or neither")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		url:        opts.URL,
		username:   opts.Username,
		password:   opts.Password,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Stamp requests an RFC3161 timestamp over a SHA-256 message imprint and
// returns the whole DER-encoded TimeStampResp reply body; the timestamp
// token inside it is not extracted.
func (c *Client) Stamp(ctx context.Context, messageImprintSHA256 []byte) ([]byte, error) {
	if len(messageImprintSHA256) != 32 {
		return nil, classify.NewPermanent(classify.CodeTsaMisconfigured, "message imprint must be a 32-byte SHA-256 digest")
	}

	tsq := timestamp.Request{
		HashAlgorithm: crypto.SHA256,
		HashedMessage: messageImprintSHA256,
		Certificates:  true,
	}
	reqBytes, err := tsq.Marshal()
	if err != nil {
		return nil, classify.WrapPermanent(classify.CodeTsaMisconfigured, "failed to build RFC3161 request", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeoutOrDefault())
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, classify.WrapPermanent(classify.CodeTsaMisconfigured, "failed to build TSA HTTP request", err)
	}
	httpReq.Header.Set("Content-Type", contentTypeQuery)
	if c.username != "" {
		httpReq.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, classify.WrapTransient(classify.CodeTsaTimeout, "TSA request timed out", err)
		}
		return nil, classify.WrapTransient(classify.CodeTsaTimeout, "TSA request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify.WrapTransient(classify.CodeTsaTimeout, "failed to read TSA response", err)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 {
			return nil, classify.NewTransient(classify.CodeTsaBadResponse, fmt.Sprintf("TSA returned status %d", resp.StatusCode))
		}
		return nil, classify.NewPermanent(classify.CodeTsaBadResponse, fmt.Sprintf("TSA returned status %d", resp.StatusCode))
	}

	ct := resp.Header.Get("Content-Type")
	if ct != contentTypeReply && ct != contentTypeReply+"; charset=binary" {
		return nil, classify.NewPermanent(classify.CodeTsaBadResponse, fmt.Sprintf("TSA returned unexpected content-type %q", ct))
	}

	ts, err := timestamp.ParseResponse(body)
	if err != nil {
		return nil, classify.WrapPermanent(classify.CodeTsaBadResponse, "TSA response failed to parse or was not granted", err)
	}
	if len(ts.HashedMessage) == 0 || ts.Time.IsZero() {
		return nil, classify.NewPermanent(classify.CodeTsaBadResponse, "TSA response missing required fields")
	}

	// The raw reply body is the DER-encoded TimeStampResp, whose
	// timeStampToken field is what gets embedded in the PAdES signature's
	// unsigned attributes.
	return body, nil
}

// Endpoint exposes the configured TSA connection details so the signer
// (C10) can hand them to the PAdES library's own TSA embedding mechanism
// instead of re-implementing CMS unsigned-attribute patching by hand.
func (c *Client) Endpoint() (url, username, password string) {
	return c.url, c.username, c.password
}

func (c *Client) timeoutOrDefault() time.Duration {
	if c.httpClient.Timeout > 0 {
		return c.httpClient.Timeout
	}
	return 10 * time.Second
}
