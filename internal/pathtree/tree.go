// Package pathtree implements the in-memory tree of paths that every other
// pipeline stage shares: file enumeration (orchestrator), classification
// (classifier), and canonical-order iteration (signature verifier). Nodes
// are held in a flat arena and referenced by NodeID, an index handle, so a
// full-tree walk or destroy is bookkeeping over a slice rather than a
// pointer graph (spec §9 "Cyclic pointer graphs").
package pathtree

import (
	"bufio"
	"io"
	"sort"
	"strings"

	"github.com/iotbzh/afmpkg-installer/internal/domain"
)

// NodeID is an index handle into a Tree's node arena. The zero value is
// the root of every tree.
type NodeID int32

const rootID NodeID = 0

type node struct {
	name     string
	parent   NodeID
	hasPar   bool
	children map[string]NodeID
	order    []string // child names, kept sorted for deterministic iteration
	added    bool
	leadSlash bool
	pathType domain.PathType
	vars     map[string]varEntry
}

type varEntry struct {
	value    any
	disposer func(any)
}

// Tree is the arena holding every node of one package's (or request's)
// path tree.
type Tree struct {
	nodes []node
}

// NewTree creates an empty tree with only a root node.
func NewTree() *Tree {
	t := &Tree{nodes: make([]node, 1)}
	t.nodes[0] = node{name: "", hasPar: false, children: map[string]NodeID{}}
	return t
}

// Root returns the root node's id.
func (t *Tree) Root() NodeID { return rootID }

func (t *Tree) n(id NodeID) *node { return &t.nodes[id] }

func splitPath(path string) (segments []string, leadSlash bool) {
	leadSlash = strings.HasPrefix(path, "/")
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			continue
		}
		segments = append(segments, seg)
	}
	return segments, leadSlash
}

// Add splits path on "/", collapsing repeated slashes, and walks/creates
// nodes for every segment, marking the leaf as explicitly added. Leading
// slash presence is recorded on the leaf, but RelPath and Path do not read
// it: they always return paths without a leading slash. "." and ".."
// segments are not rejected here; sanitising
// untrusted input is the caller's responsibility (spec §4.1).
func (t *Tree) Add(path string) NodeID {
	segments, leadSlash := splitPath(path)
	cur := rootID
	for i, seg := range segments {
		cur = t.childOrCreate(cur, seg)
		if i == len(segments)-1 {
			t.nodes[cur].leadSlash = leadSlash
		}
	}
	t.nodes[cur].added = true
	return cur
}

func (t *Tree) childOrCreate(parent NodeID, name string) NodeID {
	p := t.n(parent)
	if id, ok := p.children[name]; ok {
		return id
	}
	id := NodeID(len(t.nodes))
	t.nodes = append(t.nodes, node{
		name:     name,
		parent:   parent,
		hasPar:   true,
		children: map[string]NodeID{},
	})
	p = t.n(parent) // re-fetch: append may have reallocated the slice
	if p.children == nil {
		p.children = map[string]NodeID{}
	}
	p.children[name] = id
	p.order = insertSorted(p.order, name)
	return id
}

func insertSorted(order []string, name string) []string {
	i := sort.SearchStrings(order, name)
	if i < len(order) && order[i] == name {
		return order
	}
	order = append(order, "")
	copy(order[i+1:], order[i:])
	order[i] = name
	return order
}

// ErrNotFound is returned by Get when a path segment does not resolve.
type ErrNotFound struct{ Path string }

func (e ErrNotFound) Error() string { return "pathtree: not found: " + e.Path }

// Get resolves path to its node, returning ErrNotFound if any segment is missing.
func (t *Tree) Get(path string) (NodeID, error) {
	segments, _ := splitPath(path)
	cur := rootID
	for _, seg := range segments {
		p := t.n(cur)
		id, ok := p.children[seg]
		if !ok {
			return 0, ErrNotFound{Path: path}
		}
		cur = id
	}
	return cur, nil
}

// Name returns a node's own path component.
func (t *Tree) Name(id NodeID) string { return t.n(id).name }

// Parent returns a node's parent and whether it has one (false only at root).
func (t *Tree) Parent(id NodeID) (NodeID, bool) {
	n := t.n(id)
	return n.parent, n.hasPar
}

// Added reports whether id was the leaf of some Add call (as opposed to an
// implicit intermediate directory).
func (t *Tree) Added(id NodeID) bool { return t.n(id).added }

// PathType returns a node's current classification.
func (t *Tree) PathType(id NodeID) domain.PathType { return t.n(id).pathType }

// SetPathType assigns a node's classification.
func (t *Tree) SetPathType(id NodeID, pt domain.PathType) { t.n(id).pathType = pt }

// RelPath writes the path of id relative to root into buf (space permitting)
// and returns the length that would have been written, so callers can probe
// with a nil/short buffer first (spec §4.1).
func (t *Tree) RelPath(id NodeID, buf []byte, root NodeID) int {
	var segs []string
	cur := id
	for cur != root {
		n := t.n(cur)
		segs = append(segs, n.name)
		if !n.hasPar {
			break
		}
		cur = n.parent
	}
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	full := strings.Join(segs, "/")
	n := copy(buf, full)
	_ = n
	return len(full)
}

// Path is a convenience wrapper around RelPath that allocates its own buffer.
func (t *Tree) Path(id NodeID, root NodeID) string {
	n := t.RelPath(id, nil, root)
	buf := make([]byte, n)
	t.RelPath(id, buf, root)
	return string(buf)
}

// VarGet returns the value stored under key on id, if any.
func (t *Tree) VarGet(id NodeID, key string) (any, bool) {
	n := t.n(id)
	if n.vars == nil {
		return nil, false
	}
	e, ok := n.vars[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// VarSet attaches value under key on id. If a value already exists under
// key, its disposer (if any) is invoked before being overwritten.
func (t *Tree) VarSet(id NodeID, key string, value any, disposer func(any)) {
	n := t.n(id)
	if n.vars == nil {
		n.vars = map[string]varEntry{}
	}
	if old, ok := n.vars[key]; ok && old.disposer != nil {
		old.disposer(old.value)
	}
	n.vars[key] = varEntry{value: value, disposer: disposer}
}

// Destroy disposes every variable attached anywhere in the tree. Call once
// the tree is no longer needed.
func (t *Tree) Destroy() {
	for i := range t.nodes {
		for _, e := range t.nodes[i].vars {
			if e.disposer != nil {
				e.disposer(e.value)
			}
		}
		t.nodes[i].vars = nil
	}
}

// WalkFlags controls ForEach's traversal policy (spec §4.1).
type WalkFlags int

const (
	// Before visits a node before its children (pre-order). Default is post-order.
	Before WalkFlags = 1 << iota
	// OnlyAdded skips implicit intermediate directories.
	OnlyAdded
	// Silent skips invoking fn on the walk's starting root node.
	Silent
	// NoPath disables path-buffer maintenance for walks that only need the node id.
	NoPath
)

// WalkFunc is called once per visited node. path is "" when NoPath is set.
// A nonzero return aborts the walk; that value becomes ForEach's result.
type WalkFunc func(id NodeID, path string) error

// ForEach walks the subtree rooted at root applying flags (spec §4.1).
// Ordering among siblings is always ascending by name.
func (t *Tree) ForEach(flags WalkFlags, root NodeID, fn WalkFunc) error {
	return t.walk(flags, root, root, fn)
}

func (t *Tree) walk(flags WalkFlags, root, id NodeID, fn WalkFunc) error {
	n := t.n(id)
	visit := !(id == root && flags&Silent != 0)
	shouldCall := visit && (flags&OnlyAdded == 0 || n.added)

	path := ""
	if flags&NoPath == 0 {
		path = t.Path(id, root)
	}

	if shouldCall && flags&Before != 0 {
		if err := fn(id, path); err != nil {
			return err
		}
	}

	for _, name := range n.order {
		child := n.children[name]
		if err := t.walk(flags, root, child, fn); err != nil {
			return err
		}
	}

	if shouldCall && flags&Before == 0 {
		if err := fn(id, path); err != nil {
			return err
		}
	}

	return nil
}

// ReadPathList reads a newline-separated path list from r, stopping at EOF
// or a literal "#STOP#" sentinel line, skipping blank lines, lines with
// leading blank spaces collapsed, and "#"-prefixed comments (spec §4.1,
// §6 "Canonical file list").
func ReadPathList(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "#STOP#" {
			break
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
