// Package tms is the REST client for the external ticket-management
// system: get_ticket, list_tags, list_articles, add_tag, remove_tag, and
// create_internal_note. A single *http.Client chokepoint handles every
// call, context-scoped, with tolerant decoding for differently-shaped
// historical payloads. Retries are deliberately not performed here;
// failures surface to the orchestrator, which classifies them via
// internal/classify.
package tms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ticketarc/ticketarc/internal/classify"
)

// Options configures client construction, including the hardening
// overrides that must be explicit opt-ins.
type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration

	AllowPlaintext       bool
	AllowInsecureTLS     bool
	AllowLoopbackOrLocal bool
}

// Client is the TMS REST client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient validates transport safety at construction time and returns a
// ready-to-use client. Plaintext URLs, disabled TLS verification, and
// loopback/link-local hosts are rejected unless the matching override is
// set.
func NewClient(opts Options) (*Client, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, classify.WrapPermanent(classify.CodeTmsAuth, "invalid TMS base URL", err)
	}

	if u.Scheme != "https" && !opts.AllowPlaintext {
		return nil, classify.NewPermanent(classify.CodeTmsAuth, "TMS base URL is not HTTPS; set allow_plaintext to override")
	}

	if !opts.AllowLoopbackOrLocal {
		if err := rejectLoopbackOrLinkLocal(u.Hostname()); err != nil {
			return nil, err
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	transport := http.DefaultTransport
	if opts.AllowInsecureTLS {
		transport = insecureTransport()
	}

	return &Client{
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		token:   opts.Token,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: noProxyTransport(transport),
		},
		timeout: timeout,
	}, nil
}

func rejectLoopbackOrLinkLocal(host string) error {
	ips, err := net.LookupIP(host)
	if err != nil {
		// Unresolvable at construction time; literal addresses are still
		// checked below, hostnames fail open here and are re-checked by the
		// platform's own resolver/firewall at request time.
		if ip := net.ParseIP(host); ip != nil {
			ips = []net.IP{ip}
		} else {
			return nil
		}
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			return classify.NewPermanent(classify.CodeTmsAuth, fmt.Sprintf("TMS host %q resolves to a loopback/link-local address; set allow_loopback to override", host))
		}
	}
	if host == "localhost" {
		return classify.NewPermanent(classify.CodeTmsAuth, "TMS host is localhost; set allow_loopback to override")
	}
	return nil
}

// RawTicketPayload and RawArticlePayload mirror the TMS's documented but
// historically drifting wire shapes.
type RawTicketPayload struct {
	ID           int64          `json:"id"`
	Number       string         `json:"number"`
	Title        string         `json:"title"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Customer     string         `json:"customer"`
	Owner        string         `json:"owner"`
	CustomFields map[string]any `json:"custom_fields"`
}

type RawArticlePayload struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Internal  bool      `json:"internal"`
	Sender    string    `json:"sender"`
	Subject   string    `json:"subject"`
	BodyHTML  string    `json:"body_html"`
	BodyText  string    `json:"body_text"`
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, result any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return classify.WrapPermanent(classify.CodeTmsAuth, "failed to build TMS request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return classify.WrapTransient(classify.CodeTmsTimeout, "TMS request timed out", err)
		}
		return classify.WrapTransient(classify.CodeTmsServer, "TMS request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return classify.WrapTransient(classify.CodeTmsServer, "failed to read TMS response", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return classify.NewTransient(classify.CodeTmsServer, fmt.Sprintf("TMS returned %d: %s", resp.StatusCode, truncate(respBody)))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return classify.NewPermanent(classify.CodeTmsAuth, fmt.Sprintf("TMS returned %d: %s", resp.StatusCode, truncate(respBody)))
	case resp.StatusCode == http.StatusNotFound:
		return classify.NewPermanent(classify.CodeTmsNotFound, fmt.Sprintf("TMS returned 404: %s", truncate(respBody)))
	case resp.StatusCode >= 400:
		return classify.NewPermanent(classify.CodeTmsAuth, fmt.Sprintf("TMS returned %d: %s", resp.StatusCode, truncate(respBody)))
	}

	if result == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return classify.WrapPermanent(classify.CodeSnapshot, "failed to parse TMS response", err)
	}
	return nil
}

func truncate(b []byte) string {
	const max = 500
	if len(b) > max {
		return string(b[:max]) + "...(truncated)"
	}
	return string(b)
}

// GetTicket fetches a ticket by id.
func (c *Client) GetTicket(ctx context.Context, id int64) (RawTicketPayload, error) {
	var result RawTicketPayload
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/tickets/%d", id), nil, &result)
	return result, err
}

// tagEnvelopeB is the second of the two historical tag-payload shapes: an
// object with a "tags" array of {name}. The first, a bare array of names,
// decodes straight into []string.
type tagEnvelopeB struct {
	Tags []struct {
		Name string `json:"name"`
	} `json:"tags"`
}

// ListTags fetches the tag names on a ticket, tolerating both historical
// payload shapes.
func (c *Client) ListTags(ctx context.Context, id int64) ([]string, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/tickets/%d/tags", id), nil, &raw); err != nil {
		return nil, err
	}

	var flat []string
	if err := json.Unmarshal(raw, &flat); err == nil {
		return flat, nil
	}

	var enveloped tagEnvelopeB
	if err := json.Unmarshal(raw, &enveloped); err == nil {
		names := make([]string, 0, len(enveloped.Tags))
		for _, t := range enveloped.Tags {
			names = append(names, t.Name)
		}
		return names, nil
	}

	return nil, classify.NewPermanent(classify.CodeSnapshot, "tag payload matched neither known shape")
}

// ListArticles fetches all articles on a ticket.
func (c *Client) ListArticles(ctx context.Context, id int64) ([]RawArticlePayload, error) {
	var result []RawArticlePayload
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/tickets/%d/articles", id), nil, &result)
	return result, err
}

// AddTag adds a tag to a ticket.
func (c *Client) AddTag(ctx context.Context, id int64, name string) error {
	body, _ := json.Marshal(map[string]string{"name": name})
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/tickets/%d/tags", id), body, nil)
}

// RemoveTag removes a tag from a ticket.
func (c *Client) RemoveTag(ctx context.Context, id int64, name string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/v1/tickets/%d/tags/%s", id, url.PathEscape(name)), nil, nil)
}

// CreateInternalNote posts an internal note to the ticket.
func (c *Client) CreateInternalNote(ctx context.Context, id int64, bodyHTML string) error {
	body, _ := json.Marshal(map[string]any{"body_html": bodyHTML, "internal": true})
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/tickets/%d/articles", id), body, nil)
}

// ParseTicketID validates and parses a raw ticket id value: only positive
// integers, digit strings parsed, anything else (bool, float, zero,
// negative) rejected.
func ParseTicketID(raw any) (int64, error) {
	switch v := raw.(type) {
	case float64:
		if v != float64(int64(v)) {
			return 0, classify.NewPermanent(classify.CodeSnapshot, "ticket id is not an integer")
		}
		id := int64(v)
		if id <= 0 {
			return 0, classify.NewPermanent(classify.CodeSnapshot, "ticket id must be positive")
		}
		return id, nil
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, classify.WrapPermanent(classify.CodeSnapshot, "ticket id is not a digit string", err)
		}
		if id <= 0 {
			return 0, classify.NewPermanent(classify.CodeSnapshot, "ticket id must be positive")
		}
		return id, nil
	default:
		return 0, classify.NewPermanent(classify.CodeSnapshot, "ticket id has an unsupported type")
	}
}
