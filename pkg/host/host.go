// Package host abstracts where diagnostic reads and commands execute: the
// local machine or one remote machine reached over SSH. Both implementations
// satisfy Host, so the check battery is written once.
package host

import (
	"context"
	"fmt"

	"github.com/panelprobe/panelprobe/pkg/util"
)

// DirEntry is one entry of a directory listing.
type DirEntry struct {
	Name  string
	IsDir bool
}

// FileInfo describes a file on the host.
type FileInfo struct {
	Path  string
	Size  int64
	IsDir bool
}

// Host is the execution context the diagnostic checks run against.
// Missing files and directories are reported with errors wrapping
// util.ErrNotFound.
type Host interface {
	// Name identifies the host in reports and logs.
	Name() string

	// Run executes a shell command and returns its standard output. The
	// output is returned even when the command exits non-zero.
	Run(ctx context.Context, cmd string) (string, error)

	ReadFile(ctx context.Context, path string) ([]byte, error)
	ReadDir(ctx context.Context, path string) ([]DirEntry, error)
	Stat(ctx context.Context, path string) (FileInfo, error)

	// HasCommand reports whether an executable is available on the host.
	HasCommand(ctx context.Context, name string) bool
}

func notFound(path string) error {
	return fmt.Errorf("%s: %w", path, util.ErrNotFound)
}
