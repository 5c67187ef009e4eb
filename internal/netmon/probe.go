package netmon

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultHealthPath is probed on the upstream by HTTPProber.
const DefaultHealthPath = "/api/health"

// LinkSource reports the current connectivity signal.
type LinkSource interface {
	Link(ctx context.Context) (LinkInfo, error)
}

// Prober measures one round trip to the upstream.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// LinkSourceFunc adapts a function to LinkSource.
type LinkSourceFunc func(ctx context.Context) (LinkInfo, error)

func (f LinkSourceFunc) Link(ctx context.Context) (LinkInfo, error) { return f(ctx) }

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) (time.Duration, error)

func (f ProberFunc) Probe(ctx context.Context) (time.Duration, error) { return f(ctx) }

// DialSource treats the upstream as online when a TCP connection to its host
// succeeds. It provides no bandwidth hints.
type DialSource struct {
	// Addr is host:port.
	Addr   string
	Dialer net.Dialer
}

// NewDialSource derives the dial address from a base URL.
func NewDialSource(baseURL string) (*DialSource, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream url %q has no host", baseURL)
	}
	host, port := u.Hostname(), u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return &DialSource{Addr: net.JoinHostPort(host, port)}, nil
}

func (d *DialSource) Link(ctx context.Context) (LinkInfo, error) {
	conn, err := d.Dialer.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return LinkInfo{Online: false}, err
	}
	_ = conn.Close()
	return LinkInfo{Online: true}, nil
}

// ProbeStatusError reports a probe that reached the upstream but got a
// non-success status.
type ProbeStatusError struct {
	StatusCode int
}

func (e *ProbeStatusError) Error() string {
	return fmt.Sprintf("probe returned status %d", e.StatusCode)
}

// HTTPProber sends HEAD <BaseURL><Path> and times the round trip.
type HTTPProber struct {
	BaseURL string
	Path    string
	Client  *http.Client
}

// NewHTTPProber returns a prober for the health path of baseURL.
func NewHTTPProber(baseURL, path string, client *http.Client) *HTTPProber {
	if path == "" {
		path = DefaultHealthPath
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProber{BaseURL: strings.TrimRight(baseURL, "/"), Path: path, Client: client}
}

func (p *HTTPProber) Probe(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.BaseURL+p.Path, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Cache-Control", "no-cache")

	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	rtt := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return rtt, &ProbeStatusError{StatusCode: resp.StatusCode}
	}
	return rtt, nil
}
