// Package coordinator implements the outbound HTTPS client for the
// remote coordinator: order fetch, evidence upload, and health checks.
// This is the only component in the agent that talks to the network.
package coordinator

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/osiriscare/compliance-agent/internal/orders"
)

// Failure kinds the cycle branches on.
var (
	// ErrUnauthorized covers 401/403. Never retried; the cycle emits an
	// alert-outcome bundle and waits for operator attention.
	ErrUnauthorized = errors.New("coordinator rejected credentials")
	// ErrUnreachable covers transport errors and 5xx after retries are
	// exhausted. The cycle continues from the offline queue.
	ErrUnreachable = errors.New("coordinator unreachable")
	// ErrHostNotAllowed is a fail-closed allowlist violation.
	ErrHostNotAllowed = errors.New("host not in coordinator allowlist")
)

// Options configures the client. Exactly one auth mechanism is used:
// a bearer token, or an mTLS client certificate when CertPath is set.
type Options struct {
	BaseURL        string
	AllowedHosts   []string // empty → BaseURL host only
	BearerToken    string
	CertPath       string
	KeyPath        string
	TrustedCAPath  string
	SiteID         string
	HostID         string
	DeploymentMode string
	ResellerID     string
	RequestTimeout time.Duration // per call, default 30s
	MaxAttempts    int           // retry budget, default 3
	OrderLimit     int           // fetch batch size, default 16
}

// Client is a pooled HTTPS client for the coordinator API.
type Client struct {
	opts    Options
	client  *http.Client
	allowed map[string]bool
}

// New builds a client, loading mTLS material if configured.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid coordinator_url %q", opts.BaseURL)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.OrderLimit <= 0 {
		opts.OrderLimit = 16
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if opts.CertPath != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertPath, opts.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	if opts.TrustedCAPath != "" {
		pem, err := os.ReadFile(opts.TrustedCAPath)
		if err != nil {
			return nil, fmt.Errorf("read trusted CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("trusted CA %s contains no certificates", opts.TrustedCAPath)
		}
		tlsCfg.RootCAs = pool
	}

	allowed := make(map[string]bool, len(opts.AllowedHosts)+1)
	allowed[base.Hostname()] = true
	for _, h := range opts.AllowedHosts {
		allowed[strings.ToLower(strings.TrimSpace(h))] = true
	}

	return &Client{
		opts:    opts,
		allowed: allowed,
		client: &http.Client{
			Timeout: opts.RequestTimeout,
			Transport: &http.Transport{
				TLSClientConfig:     tlsCfg,
				MaxIdleConns:        5,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}, nil
}

// FetchPendingOrders pulls the pending order batch for this site.
// On transport failure it returns (nil, ErrUnreachable): the caller
// treats the coordinator as offline and works from the queue.
func (c *Client) FetchPendingOrders(ctx context.Context) ([]orders.Order, error) {
	endpoint := fmt.Sprintf("%s/api/orders/pending?site_id=%s&limit=%d",
		c.opts.BaseURL, url.QueryEscape(c.opts.SiteID), c.opts.OrderLimit)

	body, err := c.doWithRetry(ctx, http.MethodGet, endpoint, "", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Orders []orders.Order `json:"orders"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse orders response: %w", err)
	}
	return resp.Orders, nil
}

// UploadBundle posts one evidence bundle plus its detached signature
// as a multipart request. Failure is not fatal; the bundle stays
// queued for the next flush.
func (c *Client) UploadBundle(ctx context.Context, bundlePath, sigPath string) error {
	bundle, err := os.ReadFile(bundlePath)
	if err != nil {
		return fmt.Errorf("read bundle: %w", err)
	}
	sig, err := os.ReadFile(sigPath)
	if err != nil {
		return fmt.Errorf("read signature: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="bundle"; filename="bundle.json"`)
	hdr.Set("Content-Type", "application/json")
	part, err := w.CreatePart(hdr)
	if err != nil {
		return fmt.Errorf("create bundle part: %w", err)
	}
	part.Write(bundle)

	hdr = textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="signature"; filename="bundle.sig"`)
	hdr.Set("Content-Type", "application/octet-stream")
	part, err = w.CreatePart(hdr)
	if err != nil {
		return fmt.Errorf("create signature part: %w", err)
	}
	part.Write(sig)

	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize multipart: %w", err)
	}

	_, err = c.doWithRetry(ctx, http.MethodPost, c.opts.BaseURL+"/api/evidence",
		w.FormDataContentType(), buf.Bytes())
	return err
}

// HealthCheck reports whether the coordinator answers its health
// endpoint. Single attempt, no retries.
func (c *Client) HealthCheck(ctx context.Context) bool {
	req, err := c.newRequest(ctx, http.MethodGet, c.opts.BaseURL+"/health", "", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// doWithRetry runs one logical request with exponential backoff on
// transport errors and 5xx. Attempt N sleeps 2^(N-1) seconds first.
// Auth errors surface immediately; other 4xx are non-retryable.
func (c *Client) doWithRetry(ctx context.Context, method, endpoint, contentType string, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(1<<(attempt-2)) * time.Second
			log.Printf("[coordinator] Retry %d/%d after %v: %v",
				attempt, c.opts.MaxAttempts, backoff, lastErr)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrUnreachable, ctx.Err())
			case <-time.After(backoff):
			}
		}

		req, err := c.newRequest(ctx, method, endpoint, contentType, body)
		if err != nil {
			return nil, err
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
			if readErr != nil {
				return nil, fmt.Errorf("read response: %w", readErr)
			}
			return respBody, nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, fmt.Errorf("%w (status %d)", ErrUnauthorized, resp.StatusCode)
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, truncate(respBody, 200))
			continue
		default:
			return nil, fmt.Errorf("coordinator returned %d: %s", resp.StatusCode, truncate(respBody, 200))
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrUnreachable, lastErr)
}

// newRequest builds a request with identity headers and auth, after
// enforcing the host allowlist. Off-list hosts fail closed before any
// connection is attempted.
func (c *Client) newRequest(ctx context.Context, method, endpoint, contentType string, body []byte) (*http.Request, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if !c.allowed[strings.ToLower(u.Hostname())] {
		return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, u.Hostname())
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("User-Agent", "OsirisCare-ComplianceAgent/Go")
	req.Header.Set("X-Site-ID", c.opts.SiteID)
	req.Header.Set("X-Host-ID", c.opts.HostID)
	req.Header.Set("X-Deployment-Mode", c.opts.DeploymentMode)
	if c.opts.DeploymentMode == "reseller" {
		req.Header.Set("X-Reseller-ID", c.opts.ResellerID)
	}
	if c.opts.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.BearerToken)
	}
	return req, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
