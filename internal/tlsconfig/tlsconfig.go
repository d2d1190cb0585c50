// Package tlsconfig loads TLS material for the job runner API. Servers can
// require client certificates; workers and consumers can present them.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/buildkite/jobrunner/internal/paths"
)

// Options holds explicit TLS paths from flags, config or the environment.
// CAPath is the root a client trusts; ClientCAPath is the root a server
// verifies client certificates against.
type Options struct {
	CertPath     string
	KeyPath      string
	CAPath       string
	ClientCAPath string
}

// ResolveServer returns the server-side tls.Config. A missing cert or key
// path falls back to server.pem/server.key in the default TLS directory. It
// returns nil when no server certificate is available.
func ResolveServer(opts Options) (*tls.Config, error) {
	certPath := orDiscovered(opts.CertPath, "server.pem")
	keyPath := orDiscovered(opts.KeyPath, "server.key")
	if certPath == "" || keyPath == "" {
		return nil, nil
	}
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load server certificate %s: %w", certPath, err)
	}

	cfg := baseConfig()
	cfg.Certificates = []tls.Certificate{pair}
	cfg.NextProtos = []string{"h2", "http/1.1"}
	if opts.ClientCAPath == "" {
		return cfg, nil
	}
	if cfg.ClientCAs, err = readPool(opts.ClientCAPath); err != nil {
		return nil, err
	}
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	return cfg, nil
}

// ResolveClient returns the client-side tls.Config. The trust root falls
// back to ca.pem in the default TLS directory, then to the system pool. A
// client certificate is presented only when both CertPath and KeyPath are set.
func ResolveClient(opts Options) (*tls.Config, error) {
	if (opts.CertPath == "") != (opts.KeyPath == "") {
		return nil, errors.New("--tls-cert and --tls-key must be given together")
	}

	cfg := baseConfig()
	if caPath := orDiscovered(opts.CAPath, "ca.pem"); caPath != "" {
		pool, err := readPool(caPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if opts.CertPath == "" {
		return cfg, nil
	}
	pair, err := tls.LoadX509KeyPair(opts.CertPath, opts.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load client certificate %s: %w", opts.CertPath, err)
	}
	cfg.Certificates = []tls.Certificate{pair}
	return cfg, nil
}

// PeerRole returns the role recorded in the organizational unit of the
// verified client certificate. ok is false when the connection carries no
// verified client certificate; role is empty when the certificate names none.
func PeerRole(state *tls.ConnectionState) (role string, ok bool) {
	if state == nil || len(state.VerifiedChains) == 0 || len(state.VerifiedChains[0]) == 0 {
		return "", false
	}
	leaf := state.VerifiedChains[0][0]
	if len(leaf.Subject.OrganizationalUnit) == 0 {
		return "", true
	}
	return leaf.Subject.OrganizationalUnit[0], true
}

func baseConfig() *tls.Config {
	return &tls.Config{MinVersion: tls.VersionTLS13}
}

// orDiscovered returns explicit when set, otherwise the path of file in the
// default TLS directory if it exists there.
func orDiscovered(explicit, file string) string {
	if explicit != "" {
		return explicit
	}
	dir, err := paths.TLSDir()
	if err != nil {
		return ""
	}
	candidate := filepath.Join(dir, file)
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}

func readPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("%s holds no PEM certificates", path)
	}
	return pool, nil
}
