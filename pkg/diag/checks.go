package diag

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/panelprobe/panelprobe/pkg/config"
	"github.com/panelprobe/panelprobe/pkg/util"
)

// ModuleCheck lists loaded display modules and looks for the panel driver.
type ModuleCheck struct{}

func (c *ModuleCheck) Name() string  { return "modules" }
func (c *ModuleCheck) Label() string { return "Loaded kernel modules" }

func (c *ModuleCheck) Run(ctx context.Context, env *Env) Result {
	names, err := loadedModules(ctx, env)
	if err != nil {
		return Result{
			Lines:   []string{fmt.Sprintf("module table not available: %v", err)},
			Verdict: verdict(false),
		}
	}

	want := config.NormalizeModuleName(env.Config.PanelDriver)
	loaded := false
	var lines []string
	for _, name := range names {
		if config.NormalizeModuleName(name) == want {
			loaded = true
		}
		if env.Patterns.Module.MatchString(name) {
			lines = append(lines, name)
		}
	}
	if len(lines) == 0 {
		lines = append(lines, "no display-related modules loaded")
	}
	if loaded {
		lines = append(lines, fmt.Sprintf("panel driver %s: loaded", env.Config.PanelDriver))
	} else {
		lines = append(lines, fmt.Sprintf("panel driver %s: not loaded", env.Config.PanelDriver))
	}
	return Result{Lines: lines, Verdict: verdict(loaded)}
}

// loadedModules reads module names from /proc/modules, or from lsmod when
// the table cannot be read.
func loadedModules(ctx context.Context, env *Env) ([]string, error) {
	data, err := env.Host.ReadFile(ctx, "/proc/modules")
	if err == nil {
		return firstFields(string(data), false), nil
	}
	util.WithHost(env.Host.Name()).Debugf("/proc/modules: %v", err)

	out, err := env.Host.Run(ctx, "lsmod")
	if err != nil {
		return nil, fmt.Errorf("/proc/modules and lsmod both failed: %w", err)
	}
	return firstFields(out, true), nil
}

func firstFields(s string, skipHeader bool) []string {
	var names []string
	for i, line := range splitLines(s) {
		if skipHeader && i == 0 && strings.HasPrefix(line, "Module") {
			continue
		}
		if f := strings.Fields(line); len(f) > 0 {
			names = append(names, f[0])
		}
	}
	return names
}

// KernelLogCheck shows recent display messages and which init lifecycle
// phrases have been logged.
type KernelLogCheck struct{}

func (c *KernelLogCheck) Name() string  { return "kernel-log" }
func (c *KernelLogCheck) Label() string { return "Kernel log: display subsystem" }

func (c *KernelLogCheck) Run(ctx context.Context, env *Env) Result {
	log, err := env.KernelLog(ctx)
	if err != nil {
		return Result{Lines: []string{err.Error()}, Verdict: verdict(false)}
	}

	var matched []string
	for _, line := range log {
		if env.Patterns.Log.MatchString(line) {
			matched = append(matched, line)
		}
	}

	var lines []string
	if len(matched) == 0 {
		lines = append(lines, "no display-related log lines")
	} else {
		shown := tail(matched, env.Config.LogLines)
		lines = append(lines, fmt.Sprintf("last %d of %d matching lines:", len(shown), len(matched)))
		for _, l := range shown {
			lines = append(lines, "  "+l)
		}
	}

	initSeen := false
	lines = append(lines, "lifecycle:")
	for _, ph := range env.Patterns.Lifecycle {
		last := ""
		for _, line := range log {
			if ph.Re.MatchString(line) {
				last = line
			}
		}
		if last == "" {
			lines = append(lines, fmt.Sprintf("  %s: not found", ph.Name))
			continue
		}
		if ph.Name == env.Config.InitPhrase {
			initSeen = true
		}
		lines = append(lines, fmt.Sprintf("  %s: found: %s", ph.Name, last))
	}
	return Result{Lines: lines, Verdict: verdict(initSeen)}
}

// DSIErrorCheck shows the most recent DSI transfer errors.
type DSIErrorCheck struct{}

func (c *DSIErrorCheck) Name() string  { return "dsi-errors" }
func (c *DSIErrorCheck) Label() string { return "Kernel log: DSI errors" }

func (c *DSIErrorCheck) Run(ctx context.Context, env *Env) Result {
	log, err := env.KernelLog(ctx)
	if err != nil {
		return Result{Lines: []string{err.Error()}}
	}
	var errs []string
	for _, line := range log {
		if env.Patterns.DSIError.MatchString(line) {
			errs = append(errs, line)
		}
	}
	if len(errs) == 0 {
		return Result{Lines: []string{"no DSI errors found"}, Verdict: verdict(true), Value: "0"}
	}
	return Result{
		Lines:   tail(errs, env.Config.ErrorLines),
		Verdict: verdict(false),
		Value:   fmt.Sprint(len(errs)),
	}
}

// ConnectorCheck reports the status of every DSI connector.
type ConnectorCheck struct{}

func (c *ConnectorCheck) Name() string  { return "connectors" }
func (c *ConnectorCheck) Label() string { return "DRM connectors" }

func (c *ConnectorCheck) Run(ctx context.Context, env *Env) Result {
	dir := env.Config.DRMClassDir
	entries, err := env.Host.ReadDir(ctx, dir)
	if err != nil && !errors.Is(err, util.ErrNotFound) {
		return Result{Lines: []string{fmt.Sprintf("cannot list %s: %v", dir, err)}}
	}

	var names []string
	for _, e := range entries {
		if env.Patterns.Connector.MatchString(e.Name) {
			names = append(names, e.Name)
		}
	}
	if len(names) == 0 {
		return Result{Lines: []string{"no DSI connector entries found"}}
	}
	sort.Strings(names)

	// the summary takes the status of the first connector only
	var result Result
	for i, name := range names {
		data, err := env.Host.ReadFile(ctx, path.Join(dir, name, "status"))
		if err != nil {
			result.Lines = append(result.Lines, name+": status file not present")
			continue
		}
		status := strings.TrimSpace(string(data))
		if i == 0 {
			result.Value = status
		}
		result.Lines = append(result.Lines, name+": "+status)
	}
	return result
}
