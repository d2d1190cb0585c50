package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/buildkite/jobrunner/internal/endpoint"
	"github.com/buildkite/jobrunner/internal/jobapi"
	"github.com/buildkite/jobrunner/internal/sandbox"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

const headerIcon = "📦"

// theme holds the styles for human-facing output. A plain theme renders
// through an ASCII profile, so every style degrades to the bare text.
type theme struct {
	title  lipgloss.Style
	icon   lipgloss.Style
	field  lipgloss.Style
	muted  lipgloss.Style
	system lipgloss.Style
	checks map[string]lipgloss.Style
	states map[jobapi.JobState]lipgloss.Style
}

func newTheme(color bool) theme {
	r := lipgloss.NewRenderer(io.Discard)
	r.SetColorProfile(termenv.Ascii)
	if color {
		r.SetColorProfile(termenv.ANSI256)
	}
	fg := func(c string) lipgloss.Style { return r.NewStyle().Foreground(lipgloss.Color(c)) }
	bold := func(c string) lipgloss.Style { return fg(c).Bold(true) }

	running := bold("45")
	failed := bold("203")
	return theme{
		title:  bold("87"),
		icon:   bold("220"),
		field:  fg("252"),
		muted:  fg("246"),
		system: r.NewStyle().Faint(true),
		checks: map[string]lipgloss.Style{
			"pass":    bold("48"),
			"warn":    bold("214"),
			"fail":    failed,
			"unknown": bold("255"),
		},
		states: map[jobapi.JobState]lipgloss.Style{
			jobapi.StatePending:   fg("214"),
			jobapi.StateClaimed:   running,
			jobapi.StateRunning:   running,
			jobapi.StateSucceeded: bold("48"),
			jobapi.StateFailed:    failed,
			jobapi.StateTimedOut:  failed,
			jobapi.StateCanceled:  fg("246"),
		},
	}
}

func (t theme) state(s jobapi.JobState) string {
	if style, ok := t.states[s]; ok {
		return style.Render(string(s))
	}
	return string(s)
}

type startupHeader struct {
	Title  string
	Fields []startupField
}

type startupField struct {
	Key   string
	Value string
}

func renderStartupHeader(h startupHeader, color bool) string {
	th := newTheme(color)
	title := strings.TrimSpace(h.Title)
	if title == "" {
		title = "jobrunner"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\n%s %s\n", th.icon.Render(headerIcon), th.title.Render(title))
	for _, f := range h.Fields {
		key, value := strings.TrimSpace(f.Key), strings.TrimSpace(f.Value)
		if key == "" || value == "" {
			continue
		}
		fmt.Fprintf(&b, "   %s\n", th.field.Render(key+": "+value))
	}
	b.WriteByte('\n')
	return b.String()
}

func writeStartupHeader(w io.Writer, h startupHeader, color bool) error {
	if w == nil {
		return nil
	}
	_, err := io.WriteString(w, renderStartupHeader(h, color))
	return err
}

var checkGlyphs = map[string]string{"pass": "✓", "warn": "!", "fail": "✗", "unknown": "?"}

// renderDoctorReport prints one line per check followed by a tally. scope is
// "host" or a sandbox backend name.
func renderDoctorReport(scope string, checks []sandbox.DoctorCheck, color bool) string {
	th := newTheme(color)
	if scope = strings.TrimSpace(scope); scope == "" {
		scope = "unknown"
	}

	var b strings.Builder
	b.WriteString(th.title.Render(fmt.Sprintf("doctor report (%s)", scope)))
	b.WriteByte('\n')

	tally := map[string]int{}
	for _, c := range checks {
		status := normalizeDoctorStatus(c.Status)
		tally[status]++

		name := strings.TrimSpace(c.Name)
		if name == "" {
			name = "unnamed_check"
		}
		message := strings.TrimSpace(c.Message)
		if message == "" {
			message = "(no message)"
		}
		badge := th.checks[status].Render(fmt.Sprintf("%s [%s]", checkGlyphs[status], status))
		fmt.Fprintf(&b, "%s %s: %s\n", badge, name, message)
	}

	b.WriteString(th.muted.Render(fmt.Sprintf("summary: %d pass, %d warn, %d fail", tally["pass"], tally["warn"], tally["fail"])))
	b.WriteByte('\n')
	return b.String()
}

func normalizeDoctorStatus(raw string) string {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "pass", "ok", "success":
		return "pass"
	case "warn", "warning":
		return "warn"
	case "fail", "failed", "error":
		return "fail"
	default:
		return "unknown"
	}
}

// systemWriter renders worker-authored log lines. On a terminal they are
// dimmed so they stand apart from the job's own output.
func systemWriter(w io.Writer) io.Writer {
	if wantsColor(w) {
		return &styledLineWriter{w: w, style: newTheme(true).system}
	}
	return w
}

type styledLineWriter struct {
	w     io.Writer
	style lipgloss.Style
}

func (s *styledLineWriter) Write(p []byte) (int, error) {
	text := strings.TrimSuffix(string(p), "\n")
	out := s.style.Render(text)
	if len(text) != len(p) {
		out += "\n"
	}
	if _, err := io.WriteString(s.w, out); err != nil {
		return 0, err
	}
	return len(p), nil
}

func wantsColor(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && shouldUseANSI(f)
}

func shouldShowStartupHeader(stderr *os.File) bool {
	return stderr != nil && term.IsTerminal(int(stderr.Fd()))
}

func shouldUseANSI(f *os.File) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok || strings.TrimSpace(os.Getenv("CLICOLOR")) == "0" {
		return false
	}
	if v := strings.TrimSpace(os.Getenv("CLICOLOR_FORCE")); v != "" {
		n, err := strconv.Atoi(v)
		return err != nil || n != 0
	}
	return f != nil && term.IsTerminal(int(f.Fd()))
}

func applyLoggerStyles(logger *log.Logger, color bool) {
	if logger == nil || !color {
		return
	}
	styles := log.DefaultStyles()
	styles.Message = styles.Message.Foreground(lipgloss.Color("252"))
	styles.Key = styles.Key.Bold(true).Foreground(lipgloss.Color("75"))
	styles.Value = styles.Value.Foreground(lipgloss.Color("255"))
	styles.Separator = styles.Separator.Foreground(lipgloss.Color("240"))
	for level, c := range map[log.Level]string{
		log.DebugLevel: "45",
		log.InfoLevel:  "48",
		log.WarnLevel:  "214",
		log.ErrorLevel: "203",
	} {
		styles.Levels[level] = styles.Levels[level].Bold(true).Foreground(lipgloss.Color(c))
	}
	logger.SetStyles(styles)
}

func endpointDisplay(ep endpoint.Endpoint) string {
	switch ep.Scheme {
	case "unix":
		return "unix://" + ep.Address
	case "tsnet":
		host := strings.TrimSpace(ep.TSNetHostname)
		if host == "" {
			host = "jobrunner"
		}
		if ep.TSNetPort > 0 {
			return fmt.Sprintf("tsnet://%s:%d", host, ep.TSNetPort)
		}
		return "tsnet://" + host
	}
	if ep.Address != "" {
		return ep.Address
	}
	return ep.BaseURL
}

func effectiveLogLevel(rawLevel string) string {
	if level := strings.TrimSpace(strings.ToLower(rawLevel)); level != "" {
		return level
	}
	return "info"
}
