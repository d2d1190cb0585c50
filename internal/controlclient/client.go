// Package controlclient builds the HTTP connection shared by the worker RPC
// client and the consumer API client.
package controlclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/buildkite/jobrunner/internal/endpoint"
	"github.com/buildkite/jobrunner/internal/tlsconfig"
	"golang.org/x/net/http2"
)

const (
	defaultDialTimeout = 10 * time.Second
	// Idle HTTP/2 connections are pinged so a follow stream or a worker
	// waiting between claims notices a vanished server.
	pingInterval = 30 * time.Second
	pingTimeout  = 15 * time.Second
)

type Options struct {
	TLS tlsconfig.Options
	// UserAgent identifies the caller, e.g. "jobrunner-worker/1.2.0".
	UserAgent   string
	DialTimeout time.Duration
}

// Conn is an HTTP client bound to one job runner endpoint.
type Conn struct {
	HTTPClient *http.Client
	BaseURL    string
	transport  http.RoundTripper
}

// Dial prepares a Conn for ep. Unix sockets and plain http use h2c with
// prior knowledge; https negotiates HTTP/2 over TLS. No connection is made
// until the first request.
func Dial(ep endpoint.Endpoint, opts Options) (*Conn, error) {
	if ep.Scheme == "tsnet" {
		return nil, fmt.Errorf("cannot dial a tsnet listen endpoint; use the tailnet host's http:// address")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	transport, err := buildTransport(ep, opts)
	if err != nil {
		return nil, err
	}
	var rt http.RoundTripper = transport
	if ua := strings.TrimSpace(opts.UserAgent); ua != "" {
		rt = &userAgentTransport{base: transport, userAgent: ua}
	}
	return &Conn{
		HTTPClient: &http.Client{Transport: rt},
		BaseURL:    strings.TrimRight(ep.BaseURL, "/"),
		transport:  transport,
	}, nil
}

// URL joins path onto the endpoint's base URL.
func (c *Conn) URL(path string) string {
	return c.BaseURL + path
}

// Close drops idle connections. In-flight requests are unaffected.
func (c *Conn) Close() {
	if ci, ok := c.transport.(interface{ CloseIdleConnections() }); ok {
		ci.CloseIdleConnections()
	}
}

func buildTransport(ep endpoint.Endpoint, opts Options) (http.RoundTripper, error) {
	dialer := &net.Dialer{Timeout: opts.DialTimeout, KeepAlive: pingInterval}

	switch ep.Scheme {
	case "https":
		tlsCfg, err := tlsconfig.ResolveClient(opts.TLS)
		if err != nil {
			return nil, err
		}
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS13}
		}
		t := &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			TLSClientConfig:     tlsCfg,
			TLSHandshakeTimeout: opts.DialTimeout,
			ForceAttemptHTTP2:   true,
		}
		h2, err := http2.ConfigureTransports(t)
		if err != nil {
			return nil, fmt.Errorf("configure http2: %w", err)
		}
		h2.ReadIdleTimeout = pingInterval
		h2.PingTimeout = pingTimeout
		return t, nil
	case "unix":
		return h2cTransport(dialer, "unix", ep.Address), nil
	case "http":
		if ep.Address == "" {
			return nil, fmt.Errorf("http endpoint %q has no host", ep.BaseURL)
		}
		addr := ep.Address
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = net.JoinHostPort(strings.Trim(addr, "[]"), "80")
		}
		return h2cTransport(dialer, "tcp", addr), nil
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", ep.Scheme)
	}
}

func h2cTransport(dialer *net.Dialer, network, address string) *http2.Transport {
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, network, address)
		},
		ReadIdleTimeout: pingInterval,
		PingTimeout:     pingTimeout,
	}
}

type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.base.RoundTrip(req)
}
