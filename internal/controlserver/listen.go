package controlserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/buildkite/jobrunner/internal/endpoint"
	"github.com/buildkite/jobrunner/internal/paths"
	"github.com/buildkite/jobrunner/internal/tlsconfig"
	"github.com/charmbracelet/log"
	"golang.org/x/net/http2"
	"tailscale.com/tsnet"
)

const (
	shutdownGrace     = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
	idleTimeout       = 2 * time.Minute
)

// TLSOptions configures the https listener. Setting ClientCAPath turns on
// mutual TLS: every worker and consumer must present a certificate signed by
// that CA in addition to its token or key.
type TLSOptions struct {
	CertPath     string
	KeyPath      string
	ClientCAPath string
}

// Serve accepts connections on ep until ctx is canceled. Open log follow
// streams are ended before the graceful shutdown so they cannot hold it up.
func Serve(ctx context.Context, ep endpoint.Endpoint, handler http.Handler, logger *log.Logger, tlsOpts *TLSOptions) error {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	ln, cleanup, err := listen(ep, logger, tlsOpts)
	if err != nil {
		return err
	}
	defer func() {
		_ = ln.Close()
		if cleanup != nil {
			_ = cleanup()
		}
	}()

	streamCtx, endStreams := context.WithCancel(context.Background())
	defer endStreams()

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		BaseContext:       func(net.Listener) context.Context { return streamCtx },
	}
	if ep.Scheme == "https" {
		if err := http2.ConfigureServer(srv, &http2.Server{IdleTimeout: idleTimeout}); err != nil {
			return fmt.Errorf("configure http2: %w", err)
		}
	}

	logger.Info("serving job runner API", "scheme", ep.Scheme, "address", ln.Addr().String())

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logger.Error("job runner API stopped", "error", err)
		return err
	case <-ctx.Done():
	}

	endStreams()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown incomplete", "error", err)
		_ = srv.Close()
	}
	if ep.Scheme == "unix" {
		_ = os.Remove(ep.Address)
	}
	logger.Info("job runner API stopped", "address", ep.Address)
	return nil
}

// listen opens the listener for ep. The returned cleanup, when non-nil,
// releases resources owned alongside the listener (the tsnet node).
func listen(ep endpoint.Endpoint, logger *log.Logger, tlsOpts *TLSOptions) (net.Listener, func() error, error) {
	switch ep.Scheme {
	case "unix":
		ln, err := listenUnix(ep.Address)
		return ln, nil, err
	case "tsnet":
		return listenTSNet(ep, logger)
	case "https":
		ln, err := listenTLS(listenAddr(ep.Address), tlsOpts)
		return ln, nil, err
	case "http":
		ln, err := net.Listen("tcp", listenAddr(ep.Address))
		return ln, nil, err
	default:
		return nil, nil, fmt.Errorf("unsupported endpoint scheme %q", ep.Scheme)
	}
}

func listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	// A socket left behind by a crashed server blocks the bind.
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("restrict socket permissions: %w", err)
	}
	return ln, nil
}

func listenTLS(addr string, opts *TLSOptions) (net.Listener, error) {
	var resolved tlsconfig.Options
	if opts != nil {
		resolved = tlsconfig.Options{CertPath: opts.CertPath, KeyPath: opts.KeyPath, ClientCAPath: opts.ClientCAPath}
	}
	cfg, err := tlsconfig.ResolveServer(resolved)
	if err != nil {
		return nil, fmt.Errorf("server tls: %w", err)
	}
	if cfg == nil {
		return nil, errors.New("https listener needs a server certificate: run 'jobrunner tls init' or pass --tls-cert and --tls-key")
	}
	ln, err := tls.Listen("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return ln, nil
}

func listenAddr(addr string) string {
	for _, scheme := range []string{"https://", "http://"} {
		addr = strings.TrimPrefix(addr, scheme)
	}
	return addr
}

type tsnetServer interface {
	Listen(network, addr string) (net.Listener, error)
	Close() error
}

// newTSNetServer is swapped out in tests so no tailnet node is started.
var newTSNetServer = func(ep endpoint.Endpoint, stateDir string, logf func(format string, args ...any)) tsnetServer {
	return &tsnet.Server{Dir: stateDir, Hostname: ep.TSNetHostname, Logf: logf}
}

func listenTSNet(ep endpoint.Endpoint, logger *log.Logger) (net.Listener, func() error, error) {
	stateDir, err := paths.TSNetStateDir()
	if err != nil {
		return nil, nil, fmt.Errorf("tsnet state directory: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("tsnet state directory: %w", err)
	}
	node := newTSNetServer(ep, stateDir, tsnetLogf(logger))
	ln, err := node.Listen("tcp", ep.Address)
	if err != nil {
		_ = node.Close()
		return nil, nil, fmt.Errorf("tsnet listen on %s: %w", ep.Address, err)
	}
	return ln, node.Close, nil
}

// tsnetLogf routes the tailnet node's chatter to debug level.
func tsnetLogf(logger *log.Logger) func(format string, args ...any) {
	if logger == nil {
		return func(string, ...any) {}
	}
	l := logger.WithPrefix("tsnet")
	return func(format string, args ...any) {
		if msg := strings.TrimSpace(fmt.Sprintf(format, args...)); msg != "" {
			l.Debug(msg)
		}
	}
}
