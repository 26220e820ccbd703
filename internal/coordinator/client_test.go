package coordinator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(t *testing.T, srv *httptest.Server, mutate func(*Options)) *Client {
	t.Helper()
	u, _ := url.Parse(srv.URL)
	opts := Options{
		BaseURL:        srv.URL,
		AllowedHosts:   []string{u.Hostname()},
		BearerToken:    "tok-123",
		SiteID:         "site-001",
		HostID:         "appliance-1",
		DeploymentMode: "direct",
		RequestTimeout: 2 * time.Second,
		MaxAttempts:    3,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestFetchPendingOrders(t *testing.T) {
	var gotAuth, gotSite, gotMode string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotSite = r.Header.Get("X-Site-ID")
		gotMode = r.Header.Get("X-Deployment-Mode")
		if r.URL.Path != "/api/orders/pending" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("site_id") != "site-001" {
			t.Errorf("missing site_id query param")
		}
		w.Write([]byte(`{"orders":[{"order_id":"ord-1","runbook_id":"RB-SERVICE-001","nonce":"n1","ttl_seconds":300}]}`))
	}))
	defer srv.Close()

	c := testClient(t, srv, nil)
	got, err := c.FetchPendingOrders(context.Background())
	if err != nil {
		t.Fatalf("FetchPendingOrders: %v", err)
	}
	if len(got) != 1 || got[0].OrderID != "ord-1" {
		t.Fatalf("unexpected orders: %+v", got)
	}
	if gotAuth != "Bearer tok-123" {
		t.Fatalf("bearer token not sent: %q", gotAuth)
	}
	if gotSite != "site-001" || gotMode != "direct" {
		t.Fatalf("identity headers missing: site=%q mode=%q", gotSite, gotMode)
	}
}

func TestResellerHeader(t *testing.T) {
	var gotReseller string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReseller = r.Header.Get("X-Reseller-ID")
		w.Write([]byte(`{"orders":[]}`))
	}))
	defer srv.Close()

	c := testClient(t, srv, func(o *Options) {
		o.DeploymentMode = "reseller"
		o.ResellerID = "rsl-9"
	})
	if _, err := c.FetchPendingOrders(context.Background()); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotReseller != "rsl-9" {
		t.Fatalf("reseller header not sent: %q", gotReseller)
	}
}

func TestRetryOn5xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"orders":[]}`))
	}))
	defer srv.Close()

	c := testClient(t, srv, nil)
	if _, err := c.FetchPendingOrders(context.Background()); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestAuthErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := testClient(t, srv, nil)
	_, err := c.FetchPendingOrders(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("auth error was retried: %d attempts", n)
	}
}

func TestUnreachableAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient(t, srv, func(o *Options) { o.MaxAttempts = 2 })
	_, err := c.FetchPendingOrders(context.Background())
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestHostAllowlistFailsClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should never reach the server")
	}))
	defer srv.Close()

	c := testClient(t, srv, nil)
	// Rewrite the base URL to a host outside the allowlist.
	c.opts.BaseURL = "http://evil.example.com"

	_, err := c.FetchPendingOrders(context.Background())
	if !errors.Is(err, ErrHostNotAllowed) {
		t.Fatalf("expected ErrHostNotAllowed, got %v", err)
	}
}

func TestUploadBundleMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		bf, _, err := r.FormFile("bundle")
		if err != nil {
			t.Errorf("bundle part missing: %v", err)
		} else {
			bf.Close()
		}
		sf, _, err := r.FormFile("signature")
		if err != nil {
			t.Errorf("signature part missing: %v", err)
		} else {
			sf.Close()
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	dir := t.TempDir()
	bundlePath := filepath.Join(dir, "bundle.json")
	sigPath := filepath.Join(dir, "bundle.sig")
	os.WriteFile(bundlePath, []byte(`{"bundle_id":"b-1"}`), 0o600)
	os.WriteFile(sigPath, []byte{0x01, 0x02}, 0o600)

	c := testClient(t, srv, nil)
	if err := c.UploadBundle(context.Background(), bundlePath, sigPath); err != nil {
		t.Fatalf("UploadBundle: %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := testClient(t, srv, nil)
	if !c.HealthCheck(context.Background()) {
		t.Fatal("expected healthy")
	}

	srv.Close()
	if c.HealthCheck(context.Background()) {
		t.Fatal("expected unhealthy after server close")
	}
}
