package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/buildkite/jobrunner/internal/endpoint"
	"github.com/buildkite/jobrunner/internal/tlsconfig"
	"github.com/buildkite/jobrunner/internal/worker"
	"github.com/buildkite/jobrunner/internal/workerclient"
)

type WorkerCommand struct {
	Server      string        `help:"Job runner endpoint to claim from" env:"JOBRUNNER_HOST"`
	Token       string        `help:"Worker token" env:"JOBRUNNER_WORKER_TOKEN"`
	ID          string        `help:"Worker ID (defaults to hostname plus a random suffix)"`
	Concurrency int           `help:"Maximum jobs executed at once"`
	Sandbox     []string      `help:"Sandboxes this worker offers (container, process)"`
	Poll        time.Duration `help:"Idle poll interval"`
	LogLevel    string        `help:"Worker log level (debug|info|warn|error)"`

	TLSCert string `help:"Client certificate for mTLS"`
	TLSKey  string `help:"Client private key for mTLS"`
	TLSCA   string `help:"CA bundle used to verify the server"`
}

func (w *WorkerCommand) Run(rc *runtimeContext) error {
	logger, err := newLogger(w.LogLevel, "worker")
	if err != nil {
		return err
	}
	cfg := rc.Config.Worker

	ep, err := endpoint.Resolve(firstNonEmpty(w.Server, cfg.Server))
	if err != nil {
		return err
	}
	token := firstNonEmpty(w.Token, cfg.Token)
	if token == "" {
		return fmt.Errorf("worker token is required (--token, %s or worker.token)", workerTokenEnv)
	}
	coord, err := workerclient.New(ep, token, workerclient.WithTLS(tlsconfig.Options{
		CertPath: firstNonEmpty(w.TLSCert, cfg.TLSCert),
		KeyPath:  firstNonEmpty(w.TLSKey, cfg.TLSKey),
		CAPath:   firstNonEmpty(w.TLSCA, cfg.TLSCA),
	}), workerclient.WithUserAgent("jobrunner-worker/"+rc.Version))
	if err != nil {
		return err
	}

	sandboxes := cfg.Sandboxes
	if len(w.Sandbox) > 0 {
		sandboxes = nil
		for _, name := range w.Sandbox {
			sandboxes = append(sandboxes, strings.ToLower(strings.TrimSpace(name)))
		}
	}
	registry, err := rc.NewBackends(rc.Config, sandboxes, logger)
	if err != nil {
		return err
	}

	concurrency := cfg.Concurrency
	if w.Concurrency > 0 {
		concurrency = w.Concurrency
	}
	poll := cfg.PollInterval()
	if w.Poll > 0 {
		poll = w.Poll
	}
	id := firstNonEmpty(w.ID, cfg.ID, worker.DefaultID())

	runner, err := worker.New(worker.Options{
		ID:           id,
		Coordinator:  coord,
		Backends:     registry,
		Concurrency:  concurrency,
		PollInterval: poll,
		Logger:       logger.With("worker_id", id),
	})
	if err != nil {
		return err
	}

	if shouldShowStartupHeader(os.Stderr) {
		_ = writeStartupHeader(rc.Stderr, startupHeader{
			Title: "jobrunner worker",
			Fields: []startupField{
				{Key: "server", Value: endpointDisplay(ep)},
				{Key: "worker", Value: id},
				{Key: "sandboxes", Value: strings.Join(registry.Names(), ", ")},
				{Key: "concurrency", Value: strconv.Itoa(concurrency)},
			},
		}, shouldUseANSI(os.Stderr))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return runner.Run(ctx)
}
