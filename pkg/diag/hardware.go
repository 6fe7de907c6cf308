package diag

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/shlex"

	"github.com/panelprobe/panelprobe/pkg/config"
	"github.com/panelprobe/panelprobe/pkg/devicetree"
	"github.com/panelprobe/panelprobe/pkg/host"
	"github.com/panelprobe/panelprobe/pkg/util"
)

// DeviceTreeCheck decodes the properties of every panel node in the live
// device tree.
type DeviceTreeCheck struct{}

func (c *DeviceTreeCheck) Name() string  { return "devicetree" }
func (c *DeviceTreeCheck) Label() string { return "Device tree panel nodes" }

func (c *DeviceTreeCheck) Run(ctx context.Context, env *Env) Result {
	const none = "no panel nodes found"

	root, err := devicetree.FindRoot(ctx, env.Host, env.Config.DeviceTreeRoots)
	if err != nil {
		return Result{Lines: []string{err.Error(), none}, Value: "0"}
	}
	src := devicetree.NewDirSource(env.Host, root)
	idx, nodes, err := devicetree.IndexTree(ctx, src, "/")
	if err != nil {
		return Result{Lines: []string{err.Error(), none}, Value: "0"}
	}
	util.WithHost(env.Host.Name()).Debugf("device tree at %s: %d nodes, %d phandles", root, len(nodes), idx.Len())

	var lines []string
	if d := idx.Duplicates(); d > 0 {
		lines = append(lines, fmt.Sprintf("warning: %d duplicate phandle values, first occurrence used", d))
	}

	panels := 0
	for _, n := range nodes {
		if !env.Patterns.PanelNode.MatchString(n.Name()) {
			continue
		}
		panels++
		lines = append(lines, "node "+n.Path+":")
		for _, prop := range env.Config.Properties {
			for _, l := range renderNodeProperty(ctx, src, n, prop, idx) {
				lines = append(lines, "  "+l)
			}
		}
	}
	if panels == 0 {
		lines = append(lines, none)
	}
	return Result{Lines: lines, Value: strconv.Itoa(panels)}
}

func renderNodeProperty(ctx context.Context, src devicetree.Source, n devicetree.Node, prop string, idx *devicetree.PhandleIndex) []string {
	if !n.HasProperty(prop) {
		return []string{prop + ": (not present)"}
	}
	raw, err := src.ReadProperty(ctx, n.Path, prop)
	if err != nil {
		return []string{fmt.Sprintf("%s: (unreadable: %v)", prop, err)}
	}
	return devicetree.RenderProperty(prop, raw, idx)
}

// PinctrlCheck queries the live function and level of the panel pins.
type PinctrlCheck struct{}

func (c *PinctrlCheck) Name() string  { return "pinctrl" }
func (c *PinctrlCheck) Label() string { return "Pin control state" }

func (c *PinctrlCheck) Run(ctx context.Context, env *Env) Result {
	tmpl, tool := pinQueryTool(ctx, env)
	if tmpl == nil {
		return Result{Lines: []string{"pin query tool not available, skipping"}}
	}

	lines := []string{"using " + tool}
	for _, pin := range env.Config.Pins {
		cmd := expandPin(tmpl, pin)
		out, err := env.Host.Run(ctx, cmd)
		if err != nil {
			lines = append(lines, fmt.Sprintf("pin %d: query failed: %v", pin, err))
			continue
		}
		got := splitLines(out)
		if len(got) == 0 {
			lines = append(lines, fmt.Sprintf("pin %d: (no output)", pin))
			continue
		}
		lines = append(lines, fmt.Sprintf("pin %d: %s", pin, got[0]))
		for _, l := range got[1:] {
			lines = append(lines, "  "+l)
		}
	}
	return Result{Lines: lines, Value: tool}
}

// pinQueryTool returns the tokens of the first configured query command
// whose program is installed.
func pinQueryTool(ctx context.Context, env *Env) ([]string, string) {
	for _, cmd := range env.Config.PinQueryCommands {
		tokens, err := shlex.Split(cmd)
		if err != nil || len(tokens) == 0 {
			util.Warnf("ignoring pin query command %q: %v", cmd, err)
			continue
		}
		if env.Host.HasCommand(ctx, tokens[0]) {
			return tokens, tokens[0]
		}
	}
	return nil, ""
}

func expandPin(tokens []string, pin int) string {
	args := make([]string, len(tokens))
	for i, t := range tokens {
		args[i] = shellArg(strings.ReplaceAll(t, config.PinPlaceholder, strconv.Itoa(pin)))
	}
	return strings.Join(args, " ")
}

// shellArg quotes s unless it consists only of characters the shell
// passes through unchanged.
func shellArg(s string) string {
	if s == "" {
		return "''"
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.ContainsRune("-_./:=@,+", c):
		default:
			return host.Quote(s)
		}
	}
	return s
}

// ModuleFileCheck lists the installed panel driver files for the running
// kernel.
type ModuleFileCheck struct{}

func (c *ModuleFileCheck) Name() string  { return "module-files" }
func (c *ModuleFileCheck) Label() string { return "Installed module files" }

func (c *ModuleFileCheck) Run(ctx context.Context, env *Env) Result {
	out, err := env.Host.Run(ctx, "uname -r")
	release := strings.TrimSpace(out)
	if err != nil || release == "" {
		return Result{Lines: []string{fmt.Sprintf("kernel release not available: %v", err)}}
	}

	dir := path.Join(env.Config.ModuleDir, release)
	lines := []string{"kernel release: " + release}
	if _, err := env.Host.Stat(ctx, dir); err != nil {
		if errors.Is(err, util.ErrNotFound) {
			return Result{Lines: append(lines, dir+" not present")}
		}
		return Result{Lines: append(lines, fmt.Sprintf("cannot stat %s: %v", dir, err))}
	}

	files, err := findModuleFiles(ctx, env.Host, dir, env.Config.PanelDriver)
	if err != nil {
		return Result{Lines: append(lines, fmt.Sprintf("cannot search %s: %v", dir, err))}
	}
	if len(files) == 0 {
		return Result{Lines: append(lines, "no installed module file for "+env.Config.PanelDriver), Value: "0"}
	}
	for _, f := range files {
		lines = append(lines, fmt.Sprintf("%s (%s)", f.Path, humanize.Bytes(uint64(f.Size))))
	}
	return Result{Lines: lines, Value: strconv.Itoa(len(files))}
}

// moduleFileNames returns the glob patterns of a driver's module files,
// in both the '-' and '_' spellings.
func moduleFileNames(driver string) []string {
	spellings := []string{driver}
	if alt := config.NormalizeModuleName(driver); alt != driver {
		spellings = append(spellings, alt)
	} else if alt := strings.ReplaceAll(driver, "_", "-"); alt != driver {
		spellings = append(spellings, alt)
	}
	var names []string
	for _, s := range spellings {
		names = append(names, s+".ko", s+".ko.*")
	}
	return names
}

func moduleFindCommand(dir, driver string) string {
	var terms []string
	for _, n := range moduleFileNames(driver) {
		terms = append(terms, "-name "+host.Quote(n))
	}
	return "find " + host.Quote(dir) + " -type f \\( " + strings.Join(terms, " -o ") + " \\)"
}

// findModuleFiles searches dir with find when installed and with a
// directory walk otherwise.
func findModuleFiles(ctx context.Context, h host.Host, dir, driver string) ([]host.FileInfo, error) {
	var paths []string
	if h.HasCommand(ctx, "find") {
		out, err := h.Run(ctx, moduleFindCommand(dir, driver))
		if err != nil {
			return nil, err
		}
		paths = splitLines(out)
	} else {
		var err error
		if paths, err = walkModuleDir(ctx, h, dir, moduleFileNames(driver)); err != nil {
			return nil, err
		}
	}
	sort.Strings(paths)

	files := make([]host.FileInfo, 0, len(paths))
	for _, p := range paths {
		fi, err := h.Stat(ctx, p)
		if err != nil {
			util.WithHost(h.Name()).Debugf("stat %s: %v", p, err)
			continue
		}
		files = append(files, fi)
	}
	return files, nil
}

func walkModuleDir(ctx context.Context, h host.Host, dir string, patterns []string) ([]string, error) {
	entries, err := h.ReadDir(ctx, dir)
	if err != nil {
		return nil, err
	}
	var found []string
	for _, e := range entries {
		p := path.Join(dir, e.Name)
		if e.IsDir {
			sub, err := walkModuleDir(ctx, h, p, patterns)
			if err != nil {
				continue
			}
			found = append(found, sub...)
			continue
		}
		for _, pat := range patterns {
			if ok, _ := path.Match(pat, e.Name); ok {
				found = append(found, p)
				break
			}
		}
	}
	return found, nil
}
