package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/buildkite/jobrunner/internal/tlsbootstrap"
)

func initMaterial(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if _, err := tlsbootstrap.Init(dir, tlsbootstrap.InitOptions{}); err != nil {
		t.Fatalf("tls init: %v", err)
	}
	return dir
}

func TestResolveServerRequiresClientCertWhenClientCAGiven(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dir := initMaterial(t)

	cfg, err := ResolveServer(Options{
		CertPath:     filepath.Join(dir, "server.pem"),
		KeyPath:      filepath.Join(dir, "server.key"),
		ClientCAPath: filepath.Join(dir, "ca.pem"),
	})
	if err != nil {
		t.Fatalf("ResolveServer returned error: %v", err)
	}
	if cfg.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Fatalf("unexpected client auth: got %v want %v", cfg.ClientAuth, tls.RequireAndVerifyClientCert)
	}
	if cfg.ClientCAs == nil {
		t.Fatal("expected client CA pool")
	}
}

func TestResolveServerWithoutClientCA(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dir := initMaterial(t)

	cfg, err := ResolveServer(Options{
		CertPath: filepath.Join(dir, "server.pem"),
		KeyPath:  filepath.Join(dir, "server.key"),
	})
	if err != nil {
		t.Fatalf("ResolveServer returned error: %v", err)
	}
	if cfg.ClientAuth != tls.NoClientCert {
		t.Fatalf("unexpected client auth: got %v", cfg.ClientAuth)
	}
}

func TestResolveServerReturnsNilWithoutMaterial(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := ResolveServer(Options{})
	if err != nil {
		t.Fatalf("ResolveServer returned error: %v", err)
	}
	if cfg != nil {
		t.Fatal("expected nil config without TLS material")
	}
}

func TestResolveServerDiscoversDefaultDirectory(t *testing.T) {
	configHome := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configHome)
	if _, err := tlsbootstrap.Init(filepath.Join(configHome, "jobrunner", "tls"), tlsbootstrap.InitOptions{}); err != nil {
		t.Fatalf("tls init: %v", err)
	}

	cfg, err := ResolveServer(Options{})
	if err != nil {
		t.Fatalf("ResolveServer returned error: %v", err)
	}
	if cfg == nil || len(cfg.Certificates) != 1 {
		t.Fatal("expected discovered server certificate")
	}
}

func TestResolveClientLoadsCertificate(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dir := initMaterial(t)

	cfg, err := ResolveClient(Options{
		CAPath:   filepath.Join(dir, "ca.pem"),
		CertPath: filepath.Join(dir, "worker.pem"),
		KeyPath:  filepath.Join(dir, "worker.key"),
	})
	if err != nil {
		t.Fatalf("ResolveClient returned error: %v", err)
	}
	if cfg.RootCAs == nil || len(cfg.Certificates) != 1 {
		t.Fatalf("expected root CAs and one client certificate, got %d certs", len(cfg.Certificates))
	}
}

func TestResolveClientRejectsHalfAPair(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if _, err := ResolveClient(Options{CertPath: "/tmp/worker.pem"}); err == nil {
		t.Fatal("expected error for cert without key")
	}
}

func TestPeerRoleReadsOrganizationalUnit(t *testing.T) {
	dir := t.TempDir()
	if _, err := tlsbootstrap.Init(dir, tlsbootstrap.InitOptions{Consumers: []string{"alice"}}); err != nil {
		t.Fatalf("tls init: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "alice.pem"))
	if err != nil {
		t.Fatal(err)
	}
	block, _ := pem.Decode(data)
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatal(err)
	}

	role, ok := PeerRole(&tls.ConnectionState{VerifiedChains: [][]*x509.Certificate{{cert}}})
	if !ok || role != "consumer" {
		t.Fatalf("PeerRole = %q, %v; want consumer, true", role, ok)
	}
	if _, ok := PeerRole(&tls.ConnectionState{}); ok {
		t.Fatal("expected no role without a verified chain")
	}
	if _, ok := PeerRole(nil); ok {
		t.Fatal("expected no role for a plaintext connection")
	}
}
