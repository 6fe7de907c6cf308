package devicetree

import (
	"context"
	"encoding/binary"

	"github.com/panelprobe/panelprobe/pkg/util"
)

// Property names carrying a node's phandle.
const (
	PropPhandle      = "phandle"
	PropLinuxPhandle = "linux,phandle"
)

// PhandleIndex maps phandle values to node paths. It is built once per run
// and read-only afterwards.
type PhandleIndex struct {
	paths      map[uint32]string
	duplicates int
}

// NewPhandleIndex builds an index from explicit entries.
func NewPhandleIndex(entries map[uint32]string) *PhandleIndex {
	idx := &PhandleIndex{paths: make(map[uint32]string, len(entries))}
	for v, p := range entries {
		idx.paths[v] = p
	}
	return idx
}

// BuildIndex reads the phandle properties of nodes, in order. Only the first
// four bytes of a property count; shorter values are ignored. When two nodes
// claim the same value the first one wins and the clash is counted.
func BuildIndex(ctx context.Context, src Source, nodes []Node) *PhandleIndex {
	idx := &PhandleIndex{paths: make(map[uint32]string)}
	for _, n := range nodes {
		for _, prop := range []string{PropPhandle, PropLinuxPhandle} {
			if !n.HasProperty(prop) {
				continue
			}
			raw, err := src.ReadProperty(ctx, n.Path, prop)
			if err != nil {
				util.WithField("node", n.Path).Debugf("read %s: %v", prop, err)
				continue
			}
			if len(raw) < CellSize {
				continue
			}
			idx.add(binary.BigEndian.Uint32(raw[:CellSize]), n.Path)
		}
	}
	return idx
}

func (i *PhandleIndex) add(v uint32, nodePath string) {
	if existing, ok := i.paths[v]; ok {
		if existing != nodePath {
			i.duplicates++
		}
		return
	}
	i.paths[v] = nodePath
}

// Resolve returns the path of the node with phandle v.
func (i *PhandleIndex) Resolve(v uint32) (string, bool) {
	if i == nil {
		return "", false
	}
	p, ok := i.paths[v]
	return p, ok
}

// Len returns the number of indexed phandles.
func (i *PhandleIndex) Len() int {
	if i == nil {
		return 0
	}
	return len(i.paths)
}

// Duplicates returns how many phandle definitions lost to an earlier node.
func (i *PhandleIndex) Duplicates() int {
	if i == nil {
		return 0
	}
	return i.duplicates
}

// IndexTree walks the tree under root once and builds the phandle index from
// that single listing. The nodes are returned for further matching.
func IndexTree(ctx context.Context, src Source, root string) (*PhandleIndex, []Node, error) {
	nodes, err := Walk(ctx, src, root)
	if err != nil {
		return nil, nil, err
	}
	return BuildIndex(ctx, src, nodes), nodes, nil
}
