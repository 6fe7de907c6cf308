// Package diag runs the panel diagnostic battery against a host and builds
// the report.
package diag

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/panelprobe/panelprobe/pkg/config"
	"github.com/panelprobe/panelprobe/pkg/host"
	"github.com/panelprobe/panelprobe/pkg/util"
)

// Result is the outcome of one check. Lines are printed as is; Verdict is
// set by checks that answer a yes/no question.
type Result struct {
	Check    string
	Label    string
	Lines    []string
	Verdict  *bool
	Value    string
	Duration time.Duration
}

// Passed reports whether the check produced a true verdict.
func (r Result) Passed() bool {
	return r.Verdict != nil && *r.Verdict
}

// Summary is derived from the check results.
type Summary struct {
	ConnectorStatus string
	DriverLoaded    bool
	InitObserved    bool
	Guidance        []string
}

// Report contains all results of one run against one host.
type Report struct {
	Host      string
	RunID     string
	Timestamp time.Time
	Results   []Result
	Summary   Summary
	Duration  time.Duration
}

// Result returns the result of the named check.
func (r *Report) Result(name string) (Result, bool) {
	for _, res := range r.Results {
		if res.Check == name {
			return res, true
		}
	}
	return Result{}, false
}

// Check is one step of the battery.
type Check interface {
	Name() string
	Label() string
	Run(ctx context.Context, env *Env) Result
}

// Env is what a check runs against. The kernel log is read at most once
// per run and shared by the checks that scan it.
type Env struct {
	Host     host.Host
	Config   *config.Config
	Patterns *config.Patterns

	logRead  bool
	logLines []string
	logErr   error
}

// Checker runs the battery in a fixed order.
type Checker struct {
	cfg      *config.Config
	patterns *config.Patterns
	checks   []Check
	runID    string
}

// NewChecker creates a checker with the default battery.
func NewChecker(cfg *config.Config) (*Checker, error) {
	patterns, err := cfg.Compile()
	if err != nil {
		return nil, err
	}
	return &Checker{
		cfg:      cfg,
		patterns: patterns,
		checks: []Check{
			&ModuleCheck{},
			&KernelLogCheck{},
			&DSIErrorCheck{},
			&ConnectorCheck{},
			&DeviceTreeCheck{},
			&PinctrlCheck{},
			&ModuleFileCheck{},
		},
	}, nil
}

// WithRunID sets the run identifier stamped on reports. Without it every
// run gets a fresh UUID.
func (c *Checker) WithRunID(id string) *Checker {
	c.runID = id
	return c
}

func (c *Checker) env(h host.Host) *Env {
	return &Env{Host: h, Config: c.cfg, Patterns: c.patterns}
}

// Run executes every check and derives the summary. A check that finds
// nothing, fails, or panics still contributes a result.
func (c *Checker) Run(ctx context.Context, h host.Host) *Report {
	runID := c.runID
	if runID == "" {
		runID = uuid.NewString()
	}
	log := util.WithFields(map[string]interface{}{"host": h.Name(), "run_id": runID})

	start := time.Now()
	report := &Report{
		Host:      h.Name(),
		RunID:     runID,
		Timestamp: start,
		Results:   make([]Result, 0, len(c.checks)),
	}

	env := c.env(h)
	for _, check := range c.checks {
		log.WithField("check", check.Name()).Debug("running check")
		report.Results = append(report.Results, runCheck(ctx, check, env))
	}
	report.Summary = Summarize(report.Results, c.cfg.PanelDriver)

	report.Duration = time.Since(start)
	log.Debugf("battery finished in %s", report.Duration)
	return report
}

// RunCheck runs a single check by name.
func (c *Checker) RunCheck(ctx context.Context, h host.Host, name string) (*Result, error) {
	for _, check := range c.checks {
		if check.Name() == name {
			result := runCheck(ctx, check, c.env(h))
			return &result, nil
		}
	}
	return nil, fmt.Errorf("check '%s' not found", name)
}

func runCheck(ctx context.Context, check Check, env *Env) (result Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			util.WithCheck(check.Name()).Errorf("check panicked: %v", r)
			result = Result{
				Check: check.Name(),
				Label: check.Label(),
				Lines: []string{fmt.Sprintf("check failed: %v", r)},
			}
		}
		result.Duration = time.Since(start)
	}()

	result = check.Run(ctx, env)
	result.Check = check.Name()
	result.Label = check.Label()
	return result
}

// KernelLog returns the kernel log lines, reading them on first use from
// dmesg or, failing that, the journal.
func (e *Env) KernelLog(ctx context.Context) ([]string, error) {
	if e.logRead {
		return e.logLines, e.logErr
	}
	e.logRead = true

	var tried []string
	for _, cmd := range []string{"dmesg", "journalctl -k --no-pager -o cat"} {
		out, err := e.Host.Run(ctx, cmd)
		if err != nil {
			util.WithHost(e.Host.Name()).Debugf("%s failed: %v", cmd, err)
			tried = append(tried, strings.Fields(cmd)[0])
			continue
		}
		e.logLines = splitLines(out)
		return e.logLines, nil
	}
	e.logErr = util.NewCapabilityError("kernel log", tried...)
	return nil, e.logErr
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimRight(line, "\r ")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// tail returns at most the last n elements of lines.
func tail(lines []string, n int) []string {
	if n > 0 && len(lines) > n {
		return lines[len(lines)-n:]
	}
	return lines
}

func verdict(b bool) *bool {
	return &b
}
