package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/buildkite/jobrunner/internal/sandbox"
	"github.com/buildkite/jobrunner/internal/store"
	"github.com/buildkite/jobrunner/internal/tlsconfig"
)

type DoctorCommand struct {
	Sandbox []string `help:"Sandboxes to diagnose (defaults to worker.sandboxes)"`
	JSON    bool     `help:"Print doctor report as JSON"`
}

type sandboxReport struct {
	Backend      string                `json:"backend"`
	Capabilities map[string]bool       `json:"capabilities"`
	Checks       []sandbox.DoctorCheck `json:"checks"`
}

func (d *DoctorCommand) Run(rc *runtimeContext) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	checks := []sandbox.DoctorCheck{
		{Name: "runtime_config", Status: "pass", Message: fmt.Sprintf("using runtime config path %s", rc.ConfigPath)},
	}
	checks = append(checks, serverChecks(ctx, rc)...)

	names := rc.Config.Worker.Sandboxes
	if len(d.Sandbox) > 0 {
		names = nil
		for _, name := range d.Sandbox {
			names = append(names, strings.ToLower(strings.TrimSpace(name)))
		}
	}

	logger, _ := newLogger("error", "doctor")
	var reports []sandboxReport
	registry, err := rc.NewBackends(rc.Config, names, logger)
	if err != nil {
		checks = append(checks, sandbox.DoctorCheck{Name: "sandboxes", Status: "fail", Message: err.Error()})
	} else {
		for _, b := range registry.Backends() {
			report := sandboxReport{Backend: b.Name(), Capabilities: sandbox.CapabilitiesFor(b)}
			if checker, ok := b.(sandbox.Checker); ok {
				r, err := checker.Doctor(ctx)
				if err != nil {
					return err
				}
				report.Checks = r.Checks
			} else {
				report.Checks = []sandbox.DoctorCheck{{Name: "backend_doctor", Status: "warn", Message: "backend does not expose doctor diagnostics"}}
			}
			reports = append(reports, report)
		}
	}

	if d.JSON {
		return printJSON(rc.Stdout, map[string]any{
			"checks":    checks,
			"sandboxes": reports,
		})
	}

	color := shouldUseANSI(os.Stdout)
	if _, err := fmt.Fprint(rc.Stdout, renderDoctorReport("host", checks, color)); err != nil {
		return err
	}
	for _, r := range reports {
		all := append([]sandbox.DoctorCheck(nil), r.Checks...)
		for _, key := range sandbox.SortedCapabilityKeys(r.Capabilities) {
			all = append(all, sandbox.DoctorCheck{Name: "capability." + key, Status: "pass", Message: fmt.Sprintf("%t", r.Capabilities[key])})
		}
		if _, err := fmt.Fprint(rc.Stdout, "\n"+renderDoctorReport(r.Backend, all, color)); err != nil {
			return err
		}
	}
	return nil
}

func serverChecks(ctx context.Context, rc *runtimeContext) []sandbox.DoctorCheck {
	var checks []sandbox.DoctorCheck
	cfg := rc.Config

	dbPath, err := cfg.Server.ResolveDatabasePath()
	if err != nil {
		checks = append(checks, sandbox.DoctorCheck{Name: "database", Status: "fail", Message: err.Error()})
	} else if _, statErr := os.Stat(dbPath); statErr != nil {
		checks = append(checks, sandbox.DoctorCheck{Name: "database", Status: "warn", Message: fmt.Sprintf("%s does not exist yet; serve will create it", dbPath)})
	} else if db, openErr := store.Open(ctx, dbPath); openErr != nil {
		checks = append(checks, sandbox.DoctorCheck{Name: "database", Status: "fail", Message: openErr.Error()})
	} else {
		_ = db.Close()
		checks = append(checks, sandbox.DoctorCheck{Name: "database", Status: "pass", Message: fmt.Sprintf("opened %s", dbPath)})
	}

	switch n := len(cfg.Consumers); n {
	case 0:
		checks = append(checks, sandbox.DoctorCheck{Name: "consumers", Status: "warn", Message: "no consumers configured"})
	default:
		checks = append(checks, sandbox.DoctorCheck{Name: "consumers", Status: "pass", Message: fmt.Sprintf("%d consumers configured", n)})
	}

	if cfg.Server.WorkerToken == "" && os.Getenv(workerTokenEnv) == "" {
		checks = append(checks, sandbox.DoctorCheck{Name: "worker_token", Status: "warn", Message: "worker RPC disabled until server.worker_token is set"})
	} else {
		checks = append(checks, sandbox.DoctorCheck{Name: "worker_token", Status: "pass", Message: "worker token configured"})
	}

	if policy, err := cfg.Server.Policy(); err == nil {
		checks = append(checks, sandbox.DoctorCheck{Name: "concurrency_policy", Status: "pass", Message: string(policy)})
	}

	tlsCfg, err := tlsconfig.ResolveServer(tlsconfig.Options{
		CertPath:     cfg.Server.TLSCert,
		KeyPath:      cfg.Server.TLSKey,
		ClientCAPath: cfg.Server.TLSClientCA,
	})
	switch {
	case err != nil:
		checks = append(checks, sandbox.DoctorCheck{Name: "tls", Status: "fail", Message: err.Error()})
	case tlsCfg == nil:
		checks = append(checks, sandbox.DoctorCheck{Name: "tls", Status: "warn", Message: "no TLS material found; https listeners will fail (run `jobrunner tls init`)"})
	default:
		checks = append(checks, sandbox.DoctorCheck{Name: "tls", Status: "pass", Message: "server certificate loaded"})
	}

	if cfg.Server.AllowBestEffort {
		checks = append(checks, sandbox.DoctorCheck{Name: "best_effort", Status: "warn", Message: "process sandbox jobs are admitted; they are not isolated"})
	}
	if exe, err := os.Executable(); err == nil {
		checks = append(checks, sandbox.DoctorCheck{Name: "binary", Status: "pass", Message: filepath.Clean(exe)})
	}
	return checks
}
