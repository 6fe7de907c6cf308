// Package testutil provides test helpers shared across packages.
package testutil

import (
	"context"
	"encoding/binary"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/panelprobe/panelprobe/pkg/host"
	"github.com/panelprobe/panelprobe/pkg/util"
)

// CommandResult is the canned outcome of one command on a FakeHost.
type CommandResult struct {
	Output string
	Err    error
}

// FakeHost is an in-memory host.Host. Directories are implied by file paths
// and can also be added explicitly; commands match exactly.
type FakeHost struct {
	HostName string

	mu       sync.Mutex
	files    map[string][]byte
	dirs     map[string]bool
	commands map[string]CommandResult
	tools    map[string]bool
	ran      []string
}

var _ host.Host = (*FakeHost)(nil)

// NewFakeHost returns an empty fake host named "fake".
func NewFakeHost() *FakeHost {
	return &FakeHost{
		HostName: "fake",
		files:    map[string][]byte{},
		dirs:     map[string]bool{"/": true},
		commands: map[string]CommandResult{},
		tools:    map[string]bool{},
	}
}

// AddFile stores a file and every parent directory.
func (f *FakeHost) AddFile(p string, data []byte) *FakeHost {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = path.Clean(p)
	f.files[p] = data
	f.addParents(p)
	return f
}

// AddText stores a text file.
func (f *FakeHost) AddText(p, text string) *FakeHost {
	return f.AddFile(p, []byte(text))
}

// AddDir stores an empty directory and its parents.
func (f *FakeHost) AddDir(p string) *FakeHost {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = path.Clean(p)
	f.dirs[p] = true
	f.addParents(p)
	return f
}

func (f *FakeHost) addParents(p string) {
	for dir := path.Dir(p); ; dir = path.Dir(dir) {
		f.dirs[dir] = true
		if dir == "/" || dir == "." {
			return
		}
	}
}

// SetCommand registers the output of an exact command line.
func (f *FakeHost) SetCommand(cmd, output string, err error) *FakeHost {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands[cmd] = CommandResult{Output: output, Err: err}
	return f
}

// AddTool marks executables as installed.
func (f *FakeHost) AddTool(names ...string) *FakeHost {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range names {
		f.tools[n] = true
	}
	return f
}

// Ran returns the commands executed so far, in order.
func (f *FakeHost) Ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

func (f *FakeHost) Name() string { return f.HostName }

func (f *FakeHost) Run(ctx context.Context, cmd string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, cmd)
	res, ok := f.commands[cmd]
	if !ok {
		return "", fmt.Errorf("run %q: exit status 127: command not found", cmd)
	}
	return res.Output, res.Err
}

func (f *FakeHost) ReadFile(ctx context.Context, p string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path.Clean(p)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, util.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (f *FakeHost) ReadDir(ctx context.Context, p string) ([]host.DirEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = path.Clean(p)
	if !f.dirs[p] {
		return nil, fmt.Errorf("%s: %w", p, util.ErrNotFound)
	}

	seen := map[string]host.DirEntry{}
	prefix := strings.TrimSuffix(p, "/") + "/"
	for d := range f.dirs {
		if name, ok := childName(prefix, d); ok {
			seen[name] = host.DirEntry{Name: name, IsDir: true}
		}
	}
	for file := range f.files {
		if name, ok := childName(prefix, file); ok {
			seen[name] = host.DirEntry{Name: name}
		}
	}

	entries := make([]host.DirEntry, 0, len(seen))
	for _, e := range seen {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func childName(prefix, p string) (string, bool) {
	rest, ok := strings.CutPrefix(p, prefix)
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

func (f *FakeHost) Stat(ctx context.Context, p string) (host.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = path.Clean(p)
	if data, ok := f.files[p]; ok {
		return host.FileInfo{Path: p, Size: int64(len(data))}, nil
	}
	if f.dirs[p] {
		return host.FileInfo{Path: p, IsDir: true}, nil
	}
	return host.FileInfo{}, fmt.Errorf("%s: %w", p, util.ErrNotFound)
}

func (f *FakeHost) HasCommand(ctx context.Context, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tools[name]
}

// Cells encodes values as big-endian device-tree cells.
func Cells(values ...uint32) []byte {
	b := make([]byte, 4*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint32(b[4*i:], v)
	}
	return b
}
