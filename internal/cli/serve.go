package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/buildkite/jobrunner/internal/consumers"
	"github.com/buildkite/jobrunner/internal/controlserver"
	"github.com/buildkite/jobrunner/internal/endpoint"
	"github.com/buildkite/jobrunner/internal/jobapi"
	"github.com/buildkite/jobrunner/internal/lifecycle"
	"github.com/buildkite/jobrunner/internal/quota"
	"github.com/buildkite/jobrunner/internal/runtimeconfig"
	"github.com/buildkite/jobrunner/internal/sandbox"
	"github.com/buildkite/jobrunner/internal/sandbox/container"
	"github.com/buildkite/jobrunner/internal/sandbox/process"
	"github.com/buildkite/jobrunner/internal/store"
	"github.com/buildkite/jobrunner/internal/worker"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

const workerTokenEnv = "JOBRUNNER_WORKER_TOKEN"

type ServeCommand struct {
	Listen      string `help:"Listen endpoint (unix://path, http://host:port, https://host:port or tsnet://hostname[:port])"`
	LogLevel    string `help:"Server log level (debug|info|warn|error)"`
	Database    string `help:"SQLite database path (defaults to the XDG data directory)"`
	WorkerToken string `help:"Shared secret workers must present" env:"JOBRUNNER_WORKER_TOKEN"`
	Workers     int    `help:"Run this many in-process worker slots alongside the API" default:"0"`

	TLSCert     string `help:"Server certificate for https listeners"`
	TLSKey      string `help:"Server private key for https listeners"`
	TLSClientCA string `help:"CA bundle that worker and consumer client certificates must chain to"`
}

func (s *ServeCommand) Run(rc *runtimeContext) error {
	logger, err := newLogger(s.LogLevel, "server")
	if err != nil {
		return err
	}
	cfg := rc.Config

	ep, err := endpoint.ResolveListen(firstNonEmpty(s.Listen, cfg.Server.Listen))
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dbPath := s.Database
	if dbPath == "" {
		if dbPath, err = cfg.Server.ResolveDatabasePath(); err != nil {
			return fmt.Errorf("resolve database path: %w", err)
		}
	}
	db, err := store.Open(ctx, dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	manager, err := newManager(cfg.Server, db, logger)
	if err != nil {
		return err
	}
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start lifecycle manager: %w", err)
	}

	entries, err := cfg.ConsumerEntries()
	if err != nil {
		return err
	}
	directory, err := consumers.NewStatic(entries)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		logger.Warn("no consumers configured; every consumer request will be rejected", "config", rc.ConfigPath)
	}

	token := firstNonEmpty(s.WorkerToken, cfg.Server.WorkerToken)
	if token == "" && s.Workers == 0 {
		logger.Warn("worker token not configured; remote workers cannot connect")
	}

	server := controlserver.New(controlserver.Options{
		Manager:     manager,
		Consumers:   directory,
		WorkerToken: token,
		Logger:      logger.With("subsystem", "http"),
	})

	var inProcess *worker.Worker
	if s.Workers > 0 {
		registry, err := rc.NewBackends(cfg, cfg.Worker.Sandboxes, logger)
		if err != nil {
			return err
		}
		inProcess, err = worker.New(worker.Options{
			ID:            firstNonEmpty(cfg.Worker.ID, worker.DefaultID()),
			Coordinator:   manager,
			Backends:      registry,
			Concurrency:   s.Workers,
			PollInterval:  cfg.Worker.PollInterval(),
			LeaseDuration: manager.LeaseDuration(),
			Logger:        logger.With("subsystem", "worker"),
		})
		if err != nil {
			return err
		}
	}

	if shouldShowStartupHeader(os.Stderr) {
		policy, _ := cfg.Server.Policy()
		_ = writeStartupHeader(rc.Stderr, startupHeader{
			Title: "jobrunner serve",
			Fields: []startupField{
				{Key: "listen", Value: endpointDisplay(ep)},
				{Key: "database", Value: dbPath},
				{Key: "consumers", Value: strconv.Itoa(len(entries))},
				{Key: "concurrency policy", Value: string(policy)},
				{Key: "in-process workers", Value: strconv.Itoa(s.Workers)},
				{Key: "log level", Value: effectiveLogLevel(s.LogLevel)},
			},
		}, shouldUseANSI(os.Stderr))
	}

	var tlsOpts *controlserver.TLSOptions
	certPath := firstNonEmpty(s.TLSCert, cfg.Server.TLSCert)
	keyPath := firstNonEmpty(s.TLSKey, cfg.Server.TLSKey)
	clientCA := firstNonEmpty(s.TLSClientCA, cfg.Server.TLSClientCA)
	if certPath != "" || keyPath != "" || clientCA != "" {
		tlsOpts = &controlserver.TLSOptions{CertPath: certPath, KeyPath: keyPath, ClientCAPath: clientCA}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return manager.RunReclaimer(gctx)
	})
	if inProcess != nil {
		g.Go(func() error {
			err := inProcess.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		err := controlserver.Serve(gctx, ep, server.Handler(), logger, tlsOpts)
		// The reclaimer and workers only stop when the context does.
		cancel()
		return err
	})
	return g.Wait()
}

func newManager(cfg runtimeconfig.ServerConfig, db *store.DB, logger *log.Logger) (*lifecycle.Manager, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	return lifecycle.New(lifecycle.Options{
		DB:              db,
		Ledger:          quota.New(quota.Options{Location: loc, Policy: policy}),
		Logger:          logger.With("subsystem", "lifecycle"),
		MaxAttempts:     cfg.MaxAttempts,
		LeaseDuration:   cfg.LeaseDuration(),
		ReclaimInterval: cfg.ReclaimInterval(),
		AllowBestEffort: cfg.AllowBestEffort,
	})
}

// newBackends builds the named sandbox backends from configuration.
func newBackends(cfg runtimeconfig.Config, names []string, logger *log.Logger) (*sandbox.Registry, error) {
	var backends []sandbox.Backend
	for _, name := range names {
		switch name {
		case jobapi.SandboxContainer:
			bc, err := cfg.Backends.Container.BackendConfig()
			if err != nil {
				return nil, err
			}
			bc.Logger = logger.With("subsystem", "sandbox", "sandbox", name)
			b, err := container.New(bc)
			if err != nil {
				return nil, err
			}
			backends = append(backends, b)
		case jobapi.SandboxProcess:
			pc := cfg.Backends.Process.BackendConfig()
			pc.Logger = logger.With("subsystem", "sandbox", "sandbox", name)
			b, err := process.New(pc)
			if err != nil {
				return nil, err
			}
			backends = append(backends, b)
		default:
			return nil, fmt.Errorf("unknown sandbox %q", name)
		}
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("no sandboxes configured")
	}
	return sandbox.NewRegistry(backends...), nil
}
