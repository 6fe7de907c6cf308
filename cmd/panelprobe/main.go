// Panelprobe - DSI panel bring-up diagnostics
//
// Runs a fixed battery of read-only checks against the local machine or a
// remote host over SSH and prints a report: loaded modules, kernel log
// lifecycle phrases, DSI errors, DRM connector status, the panel nodes of
// the live device tree, pin state and the installed driver files.
//
// Examples:
//
//	panelprobe                       # diagnose this machine
//	panelprobe -r pi@raspberrypi     # diagnose a remote host
//	panelprobe -r pi@10.0.0.7:2222 -c lab.yaml
//
// Exit status: 0 when the battery ran (its findings never change the
// status), 2 for a missing or malformed host spec, 255 when the remote
// host cannot be reached, 1 for any other failure.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/panelprobe/panelprobe/pkg/cli"
	"github.com/panelprobe/panelprobe/pkg/config"
	"github.com/panelprobe/panelprobe/pkg/diag"
	"github.com/panelprobe/panelprobe/pkg/host"
	"github.com/panelprobe/panelprobe/pkg/util"
	"github.com/panelprobe/panelprobe/pkg/version"
)

// Exit statuses.
const (
	exitOK          = 0
	exitFailure     = 1
	exitUsage       = 2
	exitUnreachable = 255
)

// usageError marks errors caused by bad command-line input.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// newLocalHost is replaced in tests.
var newLocalHost = func() host.Host { return host.NewLocal() }

var promptPassword = host.PromptPassword

type options struct {
	remote     string
	configPath string
	verbose    bool
	askPass    bool
	noColor    bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line and returns the process exit status.
func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	util.SetLogOutput(stderr)
	cmd := newRootCmd(stdout)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(stderr, "panelprobe:", err)

	var ue *usageError
	switch {
	case errors.As(err, &ue):
		return exitUsage
	case errors.Is(err, util.ErrUnreachable):
		return exitUnreachable
	default:
		return exitFailure
	}
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:               "panelprobe [-r [user@]host[:port]]",
		Short:             "DSI panel bring-up diagnostics",
		Version:           version.Info(),
		Args:              noArgs,
		SilenceUsage:      true,
		SilenceErrors:     true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
		Long: `Panelprobe inspects a Linux board driving a MIPI DSI panel and reports why
the panel does or does not light up. All checks are read-only.

Without --remote the checks run on this machine. With --remote they run on
the named host over SSH, escalated with sudo unless logging in as root.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBattery(cmd, opts, stdout)
		},
	}
	cmd.SetVersionTemplate("panelprobe {{.Version}}\n")
	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	f := cmd.Flags()
	f.StringVarP(&opts.remote, "remote", "r", "", "Run the battery on a remote host ([user@]host[:port])")
	f.StringVarP(&opts.configPath, "config", "c", "", "Config file (default ~/.panelprobe/config.yaml)")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose output")
	f.BoolVar(&opts.askPass, "ask-pass", false, "Prompt for the SSH password")
	f.BoolVar(&opts.noColor, "no-color", false, "Disable coloured output")
	return cmd
}

func noArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.NoArgs(cmd, args); err != nil {
		return &usageError{err: err}
	}
	return nil
}

func runBattery(cmd *cobra.Command, opts *options, stdout io.Writer) error {
	ctx := cmd.Context()
	if opts.verbose {
		util.SetLogLevel("debug")
	} else {
		util.SetLogLevel("warn")
	}
	if opts.noColor {
		cli.SetColor(false)
	}

	// an explicitly empty --remote is a usage error, not a local run
	remote := cmd.Flags().Changed("remote")
	if remote && opts.remote == "" {
		return &usageError{err: errors.New("--remote requires a host spec")}
	}

	if err := config.LoadDotEnv(); err != nil {
		util.Warnf("Could not load .env: %v", err)
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	runID := uuid.NewString()
	log := util.WithField("run_id", runID)

	var h host.Host
	if remote {
		spec, err := host.ParseHostSpec(opts.remote, cfg.SSH.Port)
		if err != nil {
			return &usageError{err: err}
		}
		r, err := dialRemote(ctx, spec, cfg, opts)
		if err != nil {
			return err
		}
		defer r.Close()
		h = r
	} else {
		h = newLocalHost()
	}
	log.WithField("host", h.Name()).Debug("starting battery")

	checker, err := diag.NewChecker(cfg)
	if err != nil {
		return err
	}
	report := checker.WithRunID(runID).Run(ctx, h)
	diag.PrintReport(stdout, report)
	return nil
}

func dialRemote(ctx context.Context, spec host.HostSpec, cfg *config.Config, opts *options) (*host.Remote, error) {
	password := os.Getenv(config.EnvSSHPassword)
	if password == "" && opts.askPass {
		pw, err := promptPassword(fmt.Sprintf("%s's password: ", spec.String()))
		if err != nil {
			return nil, err
		}
		password = pw
	}
	return host.Dial(ctx, spec, host.Options{
		ProbeTimeout:    cfg.SSH.ProbeTimeout,
		CommandTimeout:  cfg.SSH.CommandTimeout,
		Password:        password,
		KeyFiles:        cfg.SSH.KeyFiles,
		KnownHostsFile:  cfg.SSH.KnownHosts,
		InsecureHostKey: cfg.SSH.InsecureHostKey,
	})
}
