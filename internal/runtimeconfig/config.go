// Package runtimeconfig loads the job runner's YAML configuration file.
package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/buildkite/jobrunner/internal/consumers"
	"github.com/buildkite/jobrunner/internal/jobapi"
	"github.com/buildkite/jobrunner/internal/paths"
	"github.com/buildkite/jobrunner/internal/quota"
	"github.com/buildkite/jobrunner/internal/sandbox/container"
	"github.com/buildkite/jobrunner/internal/sandbox/process"
	"gopkg.in/yaml.v3"
)

const (
	DefaultLeaseSeconds           = 30
	DefaultMaxAttempts            = 3
	DefaultReclaimIntervalSeconds = 5
	DefaultWorkerConcurrency      = 2
	DefaultWorkerPollSeconds      = 1
)

type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Consumers []ConsumerConfig `yaml:"consumers"`
	Worker    WorkerConfig     `yaml:"worker"`
	Backends  Backends         `yaml:"backends"`
}

type ServerConfig struct {
	Listen       string `yaml:"listen"`
	DatabasePath string `yaml:"database_path"`
	// WorkerToken is the shared secret workers present. Empty disables the
	// worker RPC surface.
	WorkerToken            string `yaml:"worker_token"`
	LeaseSeconds           int64  `yaml:"lease_seconds"`
	MaxAttempts            int    `yaml:"max_attempts"`
	ReclaimIntervalSeconds int64  `yaml:"reclaim_interval_seconds"`
	QuotaTimezone          string `yaml:"quota_timezone"`
	ConcurrencyPolicy      string `yaml:"concurrency_policy"`
	AllowBestEffort        bool   `yaml:"allow_best_effort"`
	TLSCert                string `yaml:"tls_cert"`
	TLSKey                 string `yaml:"tls_key"`
	TLSClientCA            string `yaml:"tls_client_ca"`
}

type ConsumerConfig struct {
	ID            string `yaml:"id"`
	KeySHA256     string `yaml:"key_sha256"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	MaxPerDay     int    `yaml:"max_per_day"`
	Enabled       *bool  `yaml:"enabled"`
}

type WorkerConfig struct {
	Server      string   `yaml:"server"`
	Token       string   `yaml:"token"`
	ID          string   `yaml:"id"`
	Concurrency int      `yaml:"concurrency"`
	PollSeconds int64    `yaml:"poll_seconds"`
	Sandboxes   []string `yaml:"sandboxes"`
	TLSCert     string   `yaml:"tls_cert"`
	TLSKey      string   `yaml:"tls_key"`
	TLSCA       string   `yaml:"tls_ca"`
}

type Backends struct {
	Container ContainerConfig `yaml:"container"`
	Process   ProcessConfig   `yaml:"process"`
}

type ContainerConfig struct {
	NetworkDriver    string  `yaml:"network_driver"`
	InternalNetworks bool    `yaml:"internal_networks"`
	User             string  `yaml:"user"`
	ReadOnlyRootFS   *bool   `yaml:"read_only_rootfs"`
	CPUs             float64 `yaml:"cpus"`
	MemoryMiB        int64   `yaml:"memory_mib"`
	PidsLimit        int64   `yaml:"pids_limit"`
	Pull             string  `yaml:"pull"`
	StopGraceSeconds int64   `yaml:"stop_grace_seconds"`
}

type ProcessConfig struct {
	CPUSeconds uint64 `yaml:"cpu_seconds"`
	MemoryMiB  uint64 `yaml:"memory_mib"`
	OpenFiles  uint64 `yaml:"open_files"`
	Processes  uint64 `yaml:"processes"`
	ScratchDir string `yaml:"scratch_dir"`
}

func Path() (string, error) {
	base, err := paths.ConfigBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "config.yaml"), nil
}

// Load reads the config file from the default path. A missing file yields a
// config holding only defaults.
func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}
	cfg, err := LoadFile(path)
	return cfg, path, err
}

func LoadFile(path string) (Config, error) {
	cfg := Config{}
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	s := &c.Server
	s.Listen = strings.TrimSpace(s.Listen)
	s.DatabasePath = strings.TrimSpace(s.DatabasePath)
	if s.LeaseSeconds == 0 {
		s.LeaseSeconds = DefaultLeaseSeconds
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = DefaultMaxAttempts
	}
	if s.ReclaimIntervalSeconds == 0 {
		s.ReclaimIntervalSeconds = DefaultReclaimIntervalSeconds
	}
	if strings.TrimSpace(s.QuotaTimezone) == "" {
		s.QuotaTimezone = "UTC"
	}

	w := &c.Worker
	if w.Concurrency == 0 {
		w.Concurrency = DefaultWorkerConcurrency
	}
	if w.PollSeconds == 0 {
		w.PollSeconds = DefaultWorkerPollSeconds
	}
	if len(w.Sandboxes) == 0 {
		w.Sandboxes = []string{jobapi.SandboxContainer}
	}
	for i, name := range w.Sandboxes {
		w.Sandboxes[i] = strings.ToLower(strings.TrimSpace(name))
	}

	if c.Backends.Container.ReadOnlyRootFS == nil {
		readOnly := true
		c.Backends.Container.ReadOnlyRootFS = &readOnly
	}
	p := &c.Backends.Process
	defaults := process.DefaultLimits()
	if p.CPUSeconds == 0 {
		p.CPUSeconds = defaults.CPUSeconds
	}
	if p.MemoryMiB == 0 {
		p.MemoryMiB = defaults.MemoryMiB
	}
	if p.OpenFiles == 0 {
		p.OpenFiles = defaults.OpenFiles
	}
	if p.Processes == 0 {
		p.Processes = defaults.Processes
	}
}

// Validate rejects values that would only fail later at startup.
func (c Config) Validate() error {
	s := c.Server
	if s.LeaseSeconds < 1 {
		return fmt.Errorf("server.lease_seconds must be positive")
	}
	if s.MaxAttempts < 1 {
		return fmt.Errorf("server.max_attempts must be positive")
	}
	if s.ReclaimIntervalSeconds < 1 {
		return fmt.Errorf("server.reclaim_interval_seconds must be positive")
	}
	if _, err := c.Server.Location(); err != nil {
		return err
	}
	if _, err := c.Server.Policy(); err != nil {
		return fmt.Errorf("server.concurrency_policy: %w", err)
	}
	if (s.TLSCert == "") != (s.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	if _, err := c.ConsumerEntries(); err != nil {
		return err
	}

	w := c.Worker
	if w.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be positive")
	}
	if w.PollSeconds < 1 {
		return fmt.Errorf("worker.poll_seconds must be positive")
	}
	for _, name := range w.Sandboxes {
		if name != jobapi.SandboxContainer && name != jobapi.SandboxProcess {
			return fmt.Errorf("worker.sandboxes: unknown sandbox %q (expected %s|%s)", name, jobapi.SandboxContainer, jobapi.SandboxProcess)
		}
	}

	if _, err := container.ParsePullPolicy(c.Backends.Container.Pull); err != nil {
		return fmt.Errorf("backends.container.pull: %w", err)
	}
	ct := c.Backends.Container
	if ct.CPUs < 0 || ct.MemoryMiB < 0 || ct.PidsLimit < 0 || ct.StopGraceSeconds < 0 {
		return fmt.Errorf("backends.container limits must not be negative")
	}
	return nil
}

func (s ServerConfig) LeaseDuration() time.Duration {
	return time.Duration(s.LeaseSeconds) * time.Second
}

func (s ServerConfig) ReclaimInterval() time.Duration {
	return time.Duration(s.ReclaimIntervalSeconds) * time.Second
}

// Location is the timezone whose midnight resets daily quotas.
func (s ServerConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(strings.TrimSpace(s.QuotaTimezone))
	if err != nil {
		return nil, fmt.Errorf("server.quota_timezone: %w", err)
	}
	return loc, nil
}

func (s ServerConfig) Policy() (quota.Policy, error) {
	return quota.ParsePolicy(s.ConcurrencyPolicy)
}

// ResolveDatabasePath returns the configured database path or the XDG
// default.
func (s ServerConfig) ResolveDatabasePath() (string, error) {
	if s.DatabasePath != "" {
		return s.DatabasePath, nil
	}
	return paths.DatabasePath()
}

// ConsumerEntries converts the consumers section for the static directory.
// Consumers are enabled unless the file says otherwise.
func (c Config) ConsumerEntries() ([]consumers.Entry, error) {
	entries := make([]consumers.Entry, 0, len(c.Consumers))
	for i, cc := range c.Consumers {
		if strings.TrimSpace(cc.ID) == "" {
			return nil, fmt.Errorf("consumers[%d]: id is required", i)
		}
		enabled := cc.Enabled == nil || *cc.Enabled
		entries = append(entries, consumers.Entry{
			ID:            cc.ID,
			KeySHA256:     cc.KeySHA256,
			MaxConcurrent: cc.MaxConcurrent,
			MaxPerDay:     cc.MaxPerDay,
			Enabled:       enabled,
		})
	}
	if _, err := consumers.NewStatic(entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// HasSandbox reports whether the worker should register the named backend.
func (w WorkerConfig) HasSandbox(name string) bool {
	return slices.Contains(w.Sandboxes, name)
}

func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollSeconds) * time.Second
}

func (c ContainerConfig) BackendConfig() (container.Config, error) {
	pull, err := container.ParsePullPolicy(c.Pull)
	if err != nil {
		return container.Config{}, err
	}
	readOnly := c.ReadOnlyRootFS == nil || *c.ReadOnlyRootFS
	return container.Config{
		User:             strings.TrimSpace(c.User),
		ReadOnlyRootFS:   readOnly,
		CPUs:             c.CPUs,
		MemoryMiB:        c.MemoryMiB,
		PidsLimit:        c.PidsLimit,
		Pull:             pull,
		NetworkDriver:    strings.TrimSpace(c.NetworkDriver),
		InternalNetworks: c.InternalNetworks,
		StopGrace:        time.Duration(c.StopGraceSeconds) * time.Second,
	}, nil
}

func (p ProcessConfig) BackendConfig() process.Config {
	return process.Config{
		ScratchDir: strings.TrimSpace(p.ScratchDir),
		Limits: process.Limits{
			CPUSeconds: p.CPUSeconds,
			MemoryMiB:  p.MemoryMiB,
			OpenFiles:  p.OpenFiles,
			Processes:  p.Processes,
		},
	}
}
