package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Local runs commands and reads files on the machine the tool runs on.
type Local struct{}

// NewLocal returns the local execution context.
func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Name() string { return "local" }

// Run executes cmd with sh -c.
func (l *Local) Run(ctx context.Context, cmd string) (string, error) {
	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if err := c.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return stdout.String(), fmt.Errorf("run %q: %w: %s", cmd, err, msg)
		}
		return stdout.String(), fmt.Errorf("run %q: %w", cmd, err)
	}
	return stdout.String(), nil
}

func (l *Local) ReadFile(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(path)
		}
		return nil, err
	}
	return data, nil
}

// ReadDir lists path. Symlinks are followed when deciding IsDir, since the
// kernel exposes both /proc/device-tree and /sys/class entries as links.
func (l *Local) ReadDir(ctx context.Context, path string) ([]DirEntry, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(path)
		}
		return nil, err
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		isDir := e.IsDir()
		if e.Type()&fs.ModeSymlink != 0 {
			if st, err := os.Stat(filepath.Join(path, e.Name())); err == nil {
				isDir = st.IsDir()
			}
		}
		out = append(out, DirEntry{Name: e.Name(), IsDir: isDir})
	}
	return out, nil
}

func (l *Local) Stat(ctx context.Context, path string) (FileInfo, error) {
	st, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return FileInfo{}, notFound(path)
		}
		return FileInfo{}, err
	}
	return FileInfo{Path: path, Size: st.Size(), IsDir: st.IsDir()}, nil
}

func (l *Local) HasCommand(ctx context.Context, name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
