// Package tlsbootstrap mints the private CA and role certificates used when
// the job runner API is served over mutual TLS. Servers get a server-auth
// certificate; workers and consumer clients get client-auth certificates
// whose subject records the role.
package tlsbootstrap

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"slices"
	"time"
)

const (
	caCommonName  = "jobrunner-ca"
	organization  = "jobrunner"
	leafValidity  = 365 * 24 * time.Hour
	authValidity  = 5 * leafValidity
	defaultWorker = "worker"
)

// Role is the part a certificate holder plays.
type Role string

const (
	RoleServer   Role = "server"
	RoleWorker   Role = "worker"
	RoleConsumer Role = "consumer"
)

func (r Role) extKeyUsage() ([]x509.ExtKeyUsage, error) {
	switch r {
	case RoleServer:
		return []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, nil
	case RoleWorker, RoleConsumer:
		return []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, nil
	default:
		return nil, fmt.Errorf("unknown certificate role %q", r)
	}
}

type KeyPair struct {
	CertPEM []byte
	KeyPEM  []byte
}

// Authority signs role certificates.
type Authority struct {
	KeyPair
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

// NewAuthority creates a self-signed P-256 CA.
func NewAuthority() (*Authority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: caCommonName, Organization: []string{organization}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(authValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}
	keyPEM, err := encodeKeyPEM(key)
	if err != nil {
		return nil, err
	}
	return &Authority{
		KeyPair: KeyPair{CertPEM: encodeCertPEM(der), KeyPEM: keyPEM},
		cert:    cert,
		key:     key,
	}, nil
}

// LoadAuthority parses a CA previously written by Init.
func LoadAuthority(certPEM, keyPEM []byte) (*Authority, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("decode CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}
	if !cert.IsCA {
		return nil, fmt.Errorf("certificate %q is not a CA", cert.Subject.CommonName)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("decode CA key PEM")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA key: %w", err)
	}
	return &Authority{KeyPair: KeyPair{CertPEM: certPEM, KeyPEM: keyPEM}, cert: cert, key: key}, nil
}

// Issue signs a certificate for name acting as role. Server certificates
// carry hosts as SANs (name itself when hosts is empty); client roles ignore
// hosts and record the role in the subject's organizational unit.
func (a *Authority) Issue(role Role, name string, hosts []string) (*KeyPair, error) {
	usage, err := role.extKeyUsage()
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%s certificate needs a name", role)
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate %s key: %w", role, err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         name,
			Organization:       []string{organization},
			OrganizationalUnit: []string{string(role)},
		},
		NotBefore:   now.Add(-time.Minute),
		NotAfter:    now.Add(leafValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: usage,
	}
	if role == RoleServer {
		if len(hosts) == 0 {
			hosts = []string{name}
		}
		for _, h := range hosts {
			if ip := net.ParseIP(h); ip != nil {
				template.IPAddresses = append(template.IPAddresses, ip)
			} else {
				template.DNSNames = append(template.DNSNames, h)
			}
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, &key.PublicKey, a.key)
	if err != nil {
		return nil, fmt.Errorf("create %s certificate: %w", role, err)
	}
	keyPEM, err := encodeKeyPEM(key)
	if err != nil {
		return nil, err
	}
	return &KeyPair{CertPEM: encodeCertPEM(der), KeyPEM: keyPEM}, nil
}

type InitOptions struct {
	Force bool
	// ServerHosts are added to the loopback names on the server certificate.
	ServerHosts []string
	// Workers and Consumers name the client certificates to issue. With
	// neither set a single "worker" certificate is written.
	Workers   []string
	Consumers []string
}

// Init writes ca, server and one pair per worker and consumer into dir as
// <name>.pem and <name>.key, returning the written certificate paths. An
// existing CA is kept unless opts.Force is set.
func Init(dir string, opts InitOptions) ([]string, error) {
	caPath := filepath.Join(dir, "ca.pem")
	if !opts.Force {
		if _, err := os.Stat(caPath); err == nil {
			return nil, fmt.Errorf("CA already exists at %s (use --force to overwrite)", caPath)
		}
	}

	workers := opts.Workers
	if len(workers) == 0 && len(opts.Consumers) == 0 {
		workers = []string{defaultWorker}
	}
	type request struct {
		role Role
		name string
	}
	requests := []request{{role: RoleServer, name: "server"}}
	seen := map[string]bool{"ca": true, "server": true}
	add := func(role Role, names []string) error {
		for _, n := range names {
			if n == "" || filepath.Base(n) != n || seen[n] {
				return fmt.Errorf("invalid or duplicate %s certificate name %q", role, n)
			}
			seen[n] = true
			requests = append(requests, request{role: role, name: n})
		}
		return nil
	}
	if err := add(RoleWorker, workers); err != nil {
		return nil, err
	}
	if err := add(RoleConsumer, opts.Consumers); err != nil {
		return nil, err
	}

	ca, err := NewAuthority()
	if err != nil {
		return nil, err
	}
	pairs := map[string]*KeyPair{"ca": &ca.KeyPair}
	hosts := append([]string{"localhost", "127.0.0.1", "::1"}, opts.ServerHosts...)
	for _, req := range requests {
		kp, err := ca.Issue(req.role, "jobrunner-"+req.name, hosts)
		if err != nil {
			return nil, err
		}
		pairs[req.name] = kp
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create TLS directory: %w", err)
	}
	names := make([]string, 0, len(pairs))
	for n := range pairs {
		names = append(names, n)
	}
	slices.Sort(names)
	written := make([]string, 0, len(names))
	for _, n := range names {
		certPath := filepath.Join(dir, n+".pem")
		if err := os.WriteFile(certPath, pairs[n].CertPEM, 0o644); err != nil {
			return nil, fmt.Errorf("write %s.pem: %w", n, err)
		}
		if err := os.WriteFile(filepath.Join(dir, n+".key"), pairs[n].KeyPEM, 0o600); err != nil {
			return nil, fmt.Errorf("write %s.key: %w", n, err)
		}
		written = append(written, certPath)
	}
	return written, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}
	return serial, nil
}

func encodeCertPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func encodeKeyPEM(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

// IssueInto signs a new worker or consumer certificate with the CA already
// in dir and writes it next to the CA.
func IssueInto(dir string, role Role, name string, force bool) (string, error) {
	if role == RoleServer {
		return "", fmt.Errorf("server certificates are issued by init")
	}
	if name == "" || filepath.Base(name) != name || name == "ca" || name == "server" {
		return "", fmt.Errorf("invalid %s certificate name %q", role, name)
	}
	certPath := filepath.Join(dir, name+".pem")
	if !force {
		if _, err := os.Stat(certPath); err == nil {
			return "", fmt.Errorf("%s already exists (use --force to overwrite)", certPath)
		}
	}
	caCert, err := os.ReadFile(filepath.Join(dir, "ca.pem"))
	if err != nil {
		return "", fmt.Errorf("read CA certificate: %w", err)
	}
	caKey, err := os.ReadFile(filepath.Join(dir, "ca.key"))
	if err != nil {
		return "", fmt.Errorf("read CA key: %w", err)
	}
	ca, err := LoadAuthority(caCert, caKey)
	if err != nil {
		return "", err
	}
	kp, err := ca.Issue(role, "jobrunner-"+name, nil)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(certPath, kp.CertPEM, 0o644); err != nil {
		return "", fmt.Errorf("write %s.pem: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".key"), kp.KeyPEM, 0o600); err != nil {
		return "", fmt.Errorf("write %s.key: %w", name, err)
	}
	return certPath, nil
}
