// Package endpoint resolves the address the server listens on and the
// address clients and workers dial.
package endpoint

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/buildkite/jobrunner/internal/paths"
)

// HostEnv overrides the default endpoint for every command.
const HostEnv = "JOBRUNNER_HOST"

const (
	defaultTSNetHostname = "jobrunner"
	defaultTSNetPort     = 7777
)

type Endpoint struct {
	Scheme  string
	Address string
	BaseURL string

	TSNetHostname string
	TSNetPort     int
}

// Default is the per-user unix socket used when neither a flag nor
// JOBRUNNER_HOST names an endpoint.
func Default() Endpoint {
	return Endpoint{
		Scheme:  "unix",
		Address: paths.SocketPath(),
		BaseURL: "http://unix",
	}
}

// ResolveListen resolves an endpoint for server-side listening.
func ResolveListen(raw string) (Endpoint, error) {
	return resolve(raw, true)
}

// Resolve resolves an endpoint for clients and workers.
func Resolve(raw string) (Endpoint, error) {
	return resolve(raw, false)
}

func resolve(raw string, listen bool) (Endpoint, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		value = strings.TrimSpace(os.Getenv(HostEnv))
	}
	if value == "" {
		return Default(), nil
	}

	switch {
	case strings.HasPrefix(value, "unix://"):
		path := strings.TrimPrefix(value, "unix://")
		if path == "" {
			return Endpoint{}, fmt.Errorf("invalid unix endpoint %q", value)
		}
		return Endpoint{Scheme: "unix", Address: path, BaseURL: "http://unix"}, nil
	case strings.HasPrefix(value, "http://"), strings.HasPrefix(value, "https://"):
		u, err := url.Parse(value)
		if err != nil || u.Host == "" {
			return Endpoint{}, fmt.Errorf("invalid endpoint %q", value)
		}
		base := strings.TrimRight(value, "/")
		return Endpoint{Scheme: u.Scheme, Address: u.Host, BaseURL: base}, nil
	case strings.HasPrefix(value, "tsnet://"):
		if !listen {
			return Endpoint{}, fmt.Errorf("tsnet endpoints are only valid for server --listen; dial the tailnet host with http://%s instead", strings.TrimPrefix(value, "tsnet://"))
		}
		return resolveTSNet(value)
	case strings.HasPrefix(value, "/"):
		return Endpoint{Scheme: "unix", Address: value, BaseURL: "http://unix"}, nil
	default:
		expected := "unix://, http://, https://, tsnet://, or absolute unix socket path"
		return Endpoint{}, fmt.Errorf("unsupported endpoint %q (expected %s)", value, expected)
	}
}

func resolveTSNet(value string) (Endpoint, error) {
	rest := strings.TrimPrefix(value, "tsnet://")
	if strings.ContainsAny(rest, "/?#") {
		return Endpoint{}, fmt.Errorf("tsnet endpoint %q must not include a path", value)
	}

	hostname := defaultTSNetHostname
	port := defaultTSNetPort
	if rest != "" {
		host, portRaw, err := net.SplitHostPort(rest)
		if err != nil {
			host, portRaw = rest, ""
		}
		if host != "" {
			hostname = host
		}
		if portRaw != "" {
			p, err := strconv.Atoi(portRaw)
			if err != nil || p < 1 || p > 65535 {
				return Endpoint{}, fmt.Errorf("invalid tsnet port %q", portRaw)
			}
			port = p
		}
	}

	return Endpoint{
		Scheme:        "tsnet",
		Address:       fmt.Sprintf(":%d", port),
		BaseURL:       fmt.Sprintf("http://%s:%d", hostname, port),
		TSNetHostname: hostname,
		TSNetPort:     port,
	}, nil
}
