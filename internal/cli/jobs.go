package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/buildkite/jobrunner/client"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// ConsumerFlags are shared by every command that talks to the consumer API.
type ConsumerFlags struct {
	Host    string `help:"Job runner endpoint (unix://path, http://host:port, or https://host:port)" env:"JOBRUNNER_HOST"`
	Key     string `help:"Consumer key" env:"JOBRUNNER_KEY"`
	TLSCert string `help:"Client certificate for mTLS"`
	TLSKey  string `help:"Client private key for mTLS"`
	TLSCA   string `help:"CA bundle used to verify the server"`
	JSON    bool   `help:"Print JSON output"`
}

func (f ConsumerFlags) client(rc *runtimeContext) (*client.Client, error) {
	return client.New(f.Host,
		client.WithKey(f.Key),
		client.WithUserAgent("jobrunner-cli/"+rc.Version),
		client.WithTLS(client.TLSOptions{CertPath: f.TLSCert, KeyPath: f.TLSKey, CAPath: f.TLSCA}),
	)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type SubmitCommand struct {
	ConsumerFlags `embed:""`

	Shell     string        `short:"s" help:"Shell command to run with /bin/sh -c (instead of argv)"`
	Image     string        `help:"Container image (container sandbox only)"`
	Sandbox   string        `help:"Sandbox to run in (container|process)"`
	Network   string        `help:"Network mode (per_job|bridge|none|<network name>)"`
	Timeout   time.Duration `help:"Job timeout"`
	CPUs      float64       `name:"cpus" help:"CPU limit"`
	MemoryMiB int64         `name:"memory-mib" help:"Memory limit in MiB"`
	Pids      int64         `help:"Process count limit"`
	CapAdd    []string      `help:"Linux capabilities to add (container sandbox only)"`
	Wait      bool          `short:"w" help:"Stream output and wait for the job to finish"`

	Command []string `arg:"" optional:"" passthrough:"" help:"Command argv"`
}

func (s *SubmitCommand) spec() (client.JobSpec, error) {
	if s.Shell == "" && len(s.Command) == 0 {
		return client.JobSpec{}, errors.New("a command is required (argv or --shell)")
	}
	if s.Shell != "" && len(s.Command) > 0 {
		return client.JobSpec{}, errors.New("--shell and argv are mutually exclusive")
	}
	return client.JobSpec{
		Command:        s.Shell,
		Argv:           append([]string(nil), s.Command...),
		Image:          s.Image,
		Sandbox:        s.Sandbox,
		Network:        s.Network,
		CapAdd:         s.CapAdd,
		TimeoutSeconds: int((s.Timeout + time.Second - 1) / time.Second),
		Limits: client.Limits{
			CPUs:      s.CPUs,
			MemoryMiB: s.MemoryMiB,
			Pids:      s.Pids,
		},
	}, nil
}

func (s *SubmitCommand) Run(rc *runtimeContext) error {
	spec, err := s.spec()
	if err != nil {
		return err
	}
	c, err := s.client(rc)
	if err != nil {
		return err
	}

	if !s.Wait {
		job, err := c.SubmitJob(context.Background(), spec)
		if err != nil {
			return describeAPIError(err)
		}
		if s.JSON {
			return printJSON(rc.Stdout, job)
		}
		_, err = fmt.Fprintln(rc.Stdout, job.ID)
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	result, err := c.RunAndWait(ctx, spec, client.RunOptions{
		Stdout:       rc.Stdout,
		Stderr:       rc.Stderr,
		System:       systemWriter(rc.Stderr),
		CancelOnExit: true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return exitCodeError{code: 130}
		}
		return describeAPIError(err)
	}
	if s.JSON {
		if err := printJSON(rc.Stdout, result.Job); err != nil {
			return err
		}
	}
	if result.Job.State != client.StateSucceeded {
		if result.Job.FailureReason != "" {
			fmt.Fprintf(rc.Stderr, "job %s %s: %s\n", result.Job.ID, result.Job.State, result.Job.FailureReason)
		}
		code := result.ExitCode
		if code == 0 {
			code = 1
		}
		return exitCodeError{code: code}
	}
	return nil
}

type StatusCommand struct {
	ConsumerFlags `embed:""`

	ID string `arg:"" help:"Job ID"`
}

func (s *StatusCommand) Run(rc *runtimeContext) error {
	c, err := s.client(rc)
	if err != nil {
		return err
	}
	job, err := c.GetJob(context.Background(), s.ID)
	if err != nil {
		return describeAPIError(err)
	}
	if s.JSON {
		return printJSON(rc.Stdout, job)
	}
	return writeJobDetail(rc.Stdout, job)
}

func writeJobDetail(w io.Writer, job *client.Job) error {
	command := job.Spec.Command
	if command == "" {
		command = strings.Join(job.Spec.Argv, " ")
	}
	fields := []startupField{
		{Key: "id", Value: job.ID},
		{Key: "state", Value: newTheme(wantsColor(w)).state(job.State)},
		{Key: "command", Value: command},
		{Key: "sandbox", Value: job.Spec.Sandbox},
		{Key: "image", Value: job.Spec.Image},
		{Key: "attempts", Value: strconv.Itoa(job.AttemptCount)},
		{Key: "worker", Value: job.ClaimedBy},
		{Key: "created", Value: job.CreatedAt.Format(time.RFC3339)},
		{Key: "started", Value: formatTime(job.StartedAt)},
		{Key: "finished", Value: formatTime(job.FinishedAt)},
		{Key: "failure", Value: job.FailureReason},
	}
	if job.ExitCode != nil {
		fields = append(fields, startupField{Key: "exit code", Value: strconv.Itoa(*job.ExitCode)})
	}
	for _, f := range fields {
		if f.Value == "" {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s: %s\n", f.Key, f.Value); err != nil {
			return err
		}
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

type ListCommand struct {
	ConsumerFlags `embed:""`

	State  string `help:"Only show jobs in this state"`
	Limit  int    `help:"Maximum jobs to show" default:"20"`
	Before string `help:"Show jobs older than this job ID"`
}

func (l *ListCommand) Run(rc *runtimeContext) error {
	c, err := l.client(rc)
	if err != nil {
		return err
	}
	resp, err := c.ListJobs(context.Background(), client.ListOptions{
		Limit:  l.Limit,
		State:  client.JobState(l.State),
		Before: l.Before,
	})
	if err != nil {
		return describeAPIError(err)
	}
	if l.JSON {
		return printJSON(rc.Stdout, resp)
	}
	if len(resp.Jobs) == 0 {
		_, err := fmt.Fprintln(rc.Stdout, "no jobs")
		return err
	}
	if _, err := fmt.Fprintln(rc.Stdout, renderJobTable(resp.Jobs, wantsColor(rc.Stdout))); err != nil {
		return err
	}
	if resp.NextBefore != "" {
		_, err = fmt.Fprintf(rc.Stdout, "more: --before %s\n", resp.NextBefore)
	}
	return err
}

func renderJobTable(jobs []client.Job, color bool) string {
	th := newTheme(color)
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		Headers("ID", "STATE", "EXIT", "CREATED", "COMMAND")
	for _, job := range jobs {
		exit := "-"
		if job.ExitCode != nil {
			exit = strconv.Itoa(*job.ExitCode)
		}
		command := job.Spec.Command
		if command == "" {
			command = strings.Join(job.Spec.Argv, " ")
		}
		if len(command) > 48 {
			command = command[:45] + "..."
		}
		t.Row(job.ID, th.state(job.State), exit, job.CreatedAt.Local().Format(time.DateTime), command)
	}
	return t.String()
}

type LogsCommand struct {
	ConsumerFlags `embed:""`

	ID     string `arg:"" help:"Job ID"`
	Follow bool   `short:"f" help:"Keep streaming until the job finishes"`
	Offset int64  `help:"First log sequence number to print"`
}

func (l *LogsCommand) Run(rc *runtimeContext) error {
	c, err := l.client(rc)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	emit := func(chunk client.LogChunk) error {
		if l.JSON {
			return json.NewEncoder(rc.Stdout).Encode(chunk)
		}
		return writeChunk(rc, chunk)
	}

	if l.Follow {
		for chunk, err := range c.FollowLogs(ctx, l.ID, l.Offset) {
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return describeAPIError(err)
			}
			if err := emit(chunk); err != nil {
				return err
			}
		}
		return nil
	}

	offset := l.Offset
	for {
		page, err := c.ReadLogs(ctx, l.ID, offset, 0)
		if err != nil {
			return describeAPIError(err)
		}
		for _, chunk := range page.Chunks {
			if err := emit(chunk); err != nil {
				return err
			}
		}
		if page.Done || len(page.Chunks) == 0 {
			return nil
		}
		offset = page.NextOffset
	}
}

func writeChunk(rc *runtimeContext, chunk client.LogChunk) error {
	var err error
	switch chunk.Stream {
	case client.StreamStdout:
		_, err = io.WriteString(rc.Stdout, chunk.Data)
	case client.StreamStderr:
		_, err = io.WriteString(rc.Stderr, chunk.Data)
	default:
		_, err = io.WriteString(systemWriter(rc.Stderr), chunk.Data)
	}
	return err
}

type CancelCommand struct {
	ConsumerFlags `embed:""`

	ID string `arg:"" help:"Job ID"`
}

func (c *CancelCommand) Run(rc *runtimeContext) error {
	cl, err := c.client(rc)
	if err != nil {
		return err
	}
	job, err := cl.CancelJob(context.Background(), c.ID)
	if err != nil {
		return describeAPIError(err)
	}
	if c.JSON {
		return printJSON(rc.Stdout, job)
	}
	_, err = fmt.Fprintf(rc.Stdout, "%s %s\n", job.ID, job.State)
	return err
}

type UsageCommand struct {
	ConsumerFlags `embed:""`
}

func (u *UsageCommand) Run(rc *runtimeContext) error {
	c, err := u.client(rc)
	if err != nil {
		return err
	}
	usage, err := c.Usage(context.Background())
	if err != nil {
		return describeAPIError(err)
	}
	if u.JSON {
		return printJSON(rc.Stdout, usage)
	}
	_, err = fmt.Fprintf(rc.Stdout, "consumer: %s\nactive: %d/%d\nsubmitted today (%s): %d/%d\n",
		usage.ConsumerID,
		usage.ActiveCount, usage.MaxConcurrent,
		usage.DayBucket, usage.SubmittedToday, usage.MaxPerDay,
	)
	return err
}

// describeAPIError turns API errors into messages a person can act on.
func describeAPIError(err error) error {
	switch client.ErrCode(err) {
	case client.ErrorCodeAuth:
		return fmt.Errorf("%w (check --key or JOBRUNNER_KEY)", err)
	case client.ErrorCodeQuotaExceeded:
		if limit := client.QuotaLimit(err); limit != "" {
			return fmt.Errorf("quota exceeded: %s limit reached", limit)
		}
	}
	return err
}
