package cli

import (
	"fmt"

	"github.com/buildkite/jobrunner/internal/paths"
	"github.com/buildkite/jobrunner/internal/tlsbootstrap"
)

type TLSCommand struct {
	Init  TLSInitCommand  `cmd:"" help:"Generate a private CA plus server, worker and consumer certificates"`
	Issue TLSIssueCommand `cmd:"" help:"Issue another worker or consumer certificate from an existing CA"`
}

type TLSInitCommand struct {
	Dir      string   `help:"Output directory (defaults to the XDG config tls directory)"`
	Force    bool     `help:"Overwrite existing certificates"`
	SAN      []string `name:"san" help:"Extra DNS names or IPs for the server certificate"`
	Worker   []string `help:"Worker certificates to issue (default: worker)"`
	Consumer []string `help:"Consumer certificates to issue"`
}

func (c *TLSInitCommand) Run(rc *runtimeContext) error {
	dir, err := tlsDir(c.Dir)
	if err != nil {
		return err
	}
	written, err := tlsbootstrap.Init(dir, tlsbootstrap.InitOptions{
		Force:       c.Force,
		ServerHosts: c.SAN,
		Workers:     c.Worker,
		Consumers:   c.Consumer,
	})
	if err != nil {
		return err
	}
	for _, path := range written {
		if _, err := fmt.Fprintln(rc.Stdout, path); err != nil {
			return err
		}
	}
	return nil
}

type TLSIssueCommand struct {
	Role  string `enum:"worker,consumer" default:"worker" help:"Certificate role (worker|consumer)"`
	Name  string `arg:"" help:"Certificate name; files are written as <name>.pem and <name>.key"`
	Dir   string `help:"Directory holding ca.pem and ca.key (defaults to the XDG config tls directory)"`
	Force bool   `help:"Overwrite an existing certificate with the same name"`
}

func (c *TLSIssueCommand) Run(rc *runtimeContext) error {
	dir, err := tlsDir(c.Dir)
	if err != nil {
		return err
	}
	path, err := tlsbootstrap.IssueInto(dir, tlsbootstrap.Role(c.Role), c.Name, c.Force)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(rc.Stdout, path)
	return err
}

func tlsDir(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	return paths.TLSDir()
}
