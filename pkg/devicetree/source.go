package devicetree

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/panelprobe/panelprobe/pkg/host"
	"github.com/panelprobe/panelprobe/pkg/util"
)

// FS is the part of host.Host the tree reader needs.
type FS interface {
	ReadDir(ctx context.Context, path string) ([]host.DirEntry, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// Source reads a device tree where each node is a directory and each
// property is a file holding the raw value. Node paths are device-tree
// paths ("/", "/soc/gpio@7e200000"), independent of where the tree is
// mounted.
type Source interface {
	// List returns the child node names and property names of a node.
	List(ctx context.Context, nodePath string) (children, properties []string, err error)
	ReadProperty(ctx context.Context, nodePath, name string) ([]byte, error)
}

// DirSource is a Source backed by a directory on a host.
type DirSource struct {
	fs   FS
	root string
}

// NewDirSource reads the tree mounted at root.
func NewDirSource(fs FS, root string) *DirSource {
	return &DirSource{fs: fs, root: root}
}

// Root returns the directory the tree is read from.
func (s *DirSource) Root() string { return s.root }

func (s *DirSource) dir(nodePath string) string {
	return path.Join(s.root, nodePath)
}

func (s *DirSource) List(ctx context.Context, nodePath string) ([]string, []string, error) {
	entries, err := s.fs.ReadDir(ctx, s.dir(nodePath))
	if err != nil {
		return nil, nil, err
	}
	var children, props []string
	for _, e := range entries {
		if e.IsDir {
			children = append(children, e.Name)
		} else {
			props = append(props, e.Name)
		}
	}
	sort.Strings(children)
	sort.Strings(props)
	return children, props, nil
}

// Children lists the child node names of a node.
func (s *DirSource) Children(ctx context.Context, nodePath string) ([]string, error) {
	children, _, err := s.List(ctx, nodePath)
	return children, err
}

// Properties lists the property names of a node.
func (s *DirSource) Properties(ctx context.Context, nodePath string) ([]string, error) {
	_, props, err := s.List(ctx, nodePath)
	return props, err
}

func (s *DirSource) ReadProperty(ctx context.Context, nodePath, name string) ([]byte, error) {
	return s.fs.ReadFile(ctx, path.Join(s.dir(nodePath), name))
}

// FindRoot returns the first of roots that can be listed on fs. Only a
// missing root moves on to the next candidate; any other failure is
// returned as is.
func FindRoot(ctx context.Context, fs FS, roots []string) (string, error) {
	for _, r := range roots {
		_, err := fs.ReadDir(ctx, r)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, util.ErrNotFound) {
			return "", fmt.Errorf("read device tree root %s: %w", r, err)
		}
	}
	return "", fmt.Errorf("no device tree at %s: %w", strings.Join(roots, ", "), util.ErrNotFound)
}

// Node is one node of the tree with the names of its properties.
type Node struct {
	Path       string
	Properties []string
}

// Name returns the node's own name, "/" for the root.
func (n Node) Name() string {
	if n.Path == "/" {
		return "/"
	}
	return path.Base(n.Path)
}

// HasProperty reports whether the node carries the named property.
func (n Node) HasProperty(name string) bool {
	i := sort.SearchStrings(n.Properties, name)
	return i < len(n.Properties) && n.Properties[i] == name
}

// Walk lists every node of the tree depth first, children in name order.
// Only a failure to list the root is an error; unreadable subtrees are
// skipped.
func Walk(ctx context.Context, src Source, root string) ([]Node, error) {
	if root == "" {
		root = "/"
	}
	children, props, err := src.List(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("list device tree root: %w", err)
	}

	nodes := []Node{{Path: root, Properties: props}}
	var walk func(parent string, names []string)
	walk = func(parent string, names []string) {
		for _, name := range names {
			if ctx.Err() != nil {
				return
			}
			p := path.Join(parent, name)
			kids, props, err := src.List(ctx, p)
			if err != nil {
				if !errors.Is(err, util.ErrNotFound) {
					util.WithField("node", p).Debugf("skipping unreadable node: %v", err)
				}
				continue
			}
			nodes = append(nodes, Node{Path: p, Properties: props})
			walk(p, kids)
		}
	}
	walk(root, children)
	return nodes, nil
}
