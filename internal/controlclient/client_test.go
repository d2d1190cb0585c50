package controlclient

import (
	"net"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/buildkite/jobrunner/internal/endpoint"
	"github.com/buildkite/jobrunner/internal/tlsconfig"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func serveH2C(t *testing.T, ln net.Listener) {
	t.Helper()
	handler := h2c.NewHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Proto", r.Proto)
		w.Header().Set("X-Seen-User-Agent", r.UserAgent())
		w.WriteHeader(http.StatusNoContent)
	}), &http2.Server{})
	srv := &http.Server{Handler: handler}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })
}

func TestDialUnixSocketSpeaksH2C(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "jobrunner.sock")
	ln, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatalf("listen unix: %v", err)
	}
	serveH2C(t, ln)

	ep, err := endpoint.Resolve("unix://" + socket)
	if err != nil {
		t.Fatalf("resolve endpoint: %v", err)
	}
	conn, err := Dial(ep, Options{})
	if err != nil {
		t.Fatalf("Dial returned error: %v", err)
	}

	resp, err := conn.HTTPClient.Get(conn.URL("/healthz"))
	if err != nil {
		t.Fatalf("GET over unix socket: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Proto"); got != "HTTP/2.0" {
		t.Fatalf("unexpected protocol: got %q want %q", got, "HTTP/2.0")
	}
}

func TestDialHTTPUsesPriorKnowledge(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen tcp: %v", err)
	}
	serveH2C(t, ln)

	ep, err := endpoint.Resolve("http://" + ln.Addr().String() + "/")
	if err != nil {
		t.Fatalf("resolve endpoint: %v", err)
	}
	conn, err := Dial(ep, Options{})
	if err != nil {
		t.Fatalf("Dial returned error: %v", err)
	}
	if got, want := conn.URL("/v1/jobs"), "http://"+ln.Addr().String()+"/v1/jobs"; got != want {
		t.Fatalf("unexpected URL: got %q want %q", got, want)
	}

	resp, err := conn.HTTPClient.Get(conn.URL("/healthz"))
	if err != nil {
		t.Fatalf("GET over h2c: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected status: got %d want %d", resp.StatusCode, http.StatusNoContent)
	}
}

func TestDialHTTPSRejectsHalfClientPair(t *testing.T) {
	ep := endpoint.Endpoint{Scheme: "https", Address: "jobs.example:443", BaseURL: "https://jobs.example"}
	if _, err := Dial(ep, Options{TLS: tlsconfig.Options{CertPath: "/tmp/worker.pem"}}); err == nil {
		t.Fatal("expected error for client cert without key")
	}
}

func TestDialSetsUserAgent(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen tcp: %v", err)
	}
	serveH2C(t, ln)

	ep, err := endpoint.Resolve("http://" + ln.Addr().String())
	if err != nil {
		t.Fatalf("resolve endpoint: %v", err)
	}
	conn, err := Dial(ep, Options{UserAgent: "jobrunner-worker/test"})
	if err != nil {
		t.Fatalf("Dial returned error: %v", err)
	}
	defer conn.Close()

	resp, err := conn.HTTPClient.Get(conn.URL("/healthz"))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Seen-User-Agent"); got != "jobrunner-worker/test" {
		t.Fatalf("unexpected user agent %q", got)
	}

	req, err := http.NewRequest(http.MethodGet, conn.URL("/healthz"), nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("User-Agent", "custom/1")
	resp, err = conn.HTTPClient.Do(req)
	if err != nil {
		t.Fatalf("GET with explicit agent: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Seen-User-Agent"); got != "custom/1" {
		t.Fatalf("explicit user agent was overwritten: %q", got)
	}
}

func TestDialRejectsListenOnlyEndpoints(t *testing.T) {
	for _, ep := range []endpoint.Endpoint{
		{Scheme: "tsnet", TSNetHostname: "jobrunner", TSNetPort: 7777},
		{Scheme: "ftp", Address: "jobs:21", BaseURL: "ftp://jobs:21"},
	} {
		if _, err := Dial(ep, Options{}); err == nil {
			t.Fatalf("expected Dial to reject %+v", ep)
		}
	}
}
