// Package classifier implements the Path Classifier component: walking a
// package's path tree and assigning every node a domain.PathType through
// seven ordered, idempotent rule passes (spec §4.5).
package classifier

import (
	"context"
	"os"
	"path"

	"github.com/iotbzh/afmpkg-installer/internal/domain"
	"github.com/iotbzh/afmpkg-installer/internal/pathtree"
)

// Classify applies the seven ordered passes of spec §4.5 to every node
// under root, then chmods Exec/PublicExec nodes 0755 through fs.
func Classify(ctx context.Context, tree *pathtree.Tree, root pathtree.NodeID, m *domain.Manifest, fs domain.FS, baseDir string) error {
	resetPass(tree, root)
	if err := plugPass(tree, root, m); err != nil {
		return err
	}
	if err := bindingPass(tree, root, m); err != nil {
		return err
	}
	if err := overridePass(tree, root, m); err != nil {
		return err
	}
	if err := execTargetPass(tree, root, m); err != nil {
		return err
	}
	if err := defaultPass(ctx, tree, root, fs, baseDir); err != nil {
		return err
	}
	publicPropagationPass(tree, root)
	return ApplyDAC(ctx, tree, root, fs, baseDir)
}

// resetPass sets every node's type to Unset, then the root to Id (spec
// §4.5 rule 1).
func resetPass(tree *pathtree.Tree, root pathtree.NodeID) {
	_ = tree.ForEach(0, root, func(id pathtree.NodeID, _ string) error {
		tree.SetPathType(id, domain.Unset)
		return nil
	})
	tree.SetPathType(root, domain.Id)
}

// plugPass sets each plug's exported-path node to Plug (spec §4.5 rule 2).
func plugPass(tree *pathtree.Tree, root pathtree.NodeID, m *domain.Manifest) error {
	for _, p := range m.Plugs {
		id, err := tree.Get(join(root, tree, p.Name))
		if err != nil {
			return domain.NotFound{Path: p.Name}
		}
		tree.SetPathType(id, domain.Plug)
	}
	return nil
}

// bindingPass sets each provided-binding's referenced node to PublicLib
// (spec §4.5 rule 3).
func bindingPass(tree *pathtree.Tree, root pathtree.NodeID, m *domain.Manifest) error {
	for _, b := range m.Bindings {
		id, err := tree.Get(join(root, tree, b.Path))
		if err != nil {
			return domain.NotFound{Path: b.Path}
		}
		tree.SetPathType(id, domain.PublicLib)
	}
	return nil
}

// overridePass applies file-properties overrides, rejecting any path
// already assigned a conflicting type by a prior pass (spec §4.5 rule 4).
func overridePass(tree *pathtree.Tree, root pathtree.NodeID, m *domain.Manifest) error {
	for relPath, key := range m.FileProperties {
		pt, ok := domain.ResolveFileProperty(key)
		if !ok {
			return domain.BadInput{Field: "file-properties[" + relPath + "]", Reason: "unrecognised property key " + key}
		}
		id, err := tree.Get(join(root, tree, relPath))
		if err != nil {
			return domain.NotFound{Path: relPath}
		}
		existing := tree.PathType(id)
		if existing != domain.Unset && existing != pt {
			return domain.Conflict{Path: relPath, Existing: existing.String(), Proposed: pt.String()}
		}
		tree.SetPathType(id, pt)
	}
	return nil
}

// execTargetPass sets a target's content source to Exec when it exists in
// the tree, is still Unset, and declares an executable MIME type (spec
// §4.5 rule 5).
func execTargetPass(tree *pathtree.Tree, root pathtree.NodeID, m *domain.Manifest) error {
	for _, t := range m.Targets {
		if t.Content.Src == "" || !isExecutableMIME(t.Content.Type) {
			continue
		}
		id, err := tree.Get(join(root, tree, t.Content.Src))
		if err != nil {
			continue // spec: "if the content source exists in the tree" — absence is not an error here
		}
		if tree.PathType(id) == domain.Unset {
			tree.SetPathType(id, domain.Exec)
		}
	}
	return nil
}

func isExecutableMIME(mime string) bool {
	switch mime {
	case "application/x-executable", "application/x-sharedlib", "application/octet-stream":
		return true
	default:
		return false
	}
}

// defaultPass walks pre-order; any still-Unset node inherits a keyword
// type from its own directory name, or else its parent's current type
// (spec §4.5 rule 6).
func defaultPass(ctx context.Context, tree *pathtree.Tree, root pathtree.NodeID, fs domain.FS, baseDir string) error {
	return tree.ForEach(pathtree.Before, root, func(id pathtree.NodeID, relPath string) error {
		if id == root {
			return nil
		}
		if tree.PathType(id) != domain.Unset {
			return nil
		}

		name := tree.Name(id)
		isDir, _ := fs.IsDir(ctx, path.Join(baseDir, relPath))
		if isDir {
			if kw, ok := domain.DirectoryKeywordType[name]; ok {
				tree.SetPathType(id, kw)
				return nil
			}
		}

		parent, hasParent := tree.Parent(id)
		if hasParent {
			tree.SetPathType(id, tree.PathType(parent))
		} else {
			tree.SetPathType(id, domain.Id)
		}
		return nil
	})
}

// publicPropagationPass walks post-order; a Plug child upgrades its parent
// to Plug unless the parent is already Public, while a Public/PublicExec/
// PublicLib child unconditionally forces its parent to Public (spec §4.5
// rule 7).
func publicPropagationPass(tree *pathtree.Tree, root pathtree.NodeID) {
	_ = tree.ForEach(0, root, func(id pathtree.NodeID, _ string) error {
		if id == root || !tree.PathType(id).IsPublicish() {
			return nil
		}
		parent, ok := tree.Parent(id)
		if !ok {
			return nil
		}
		if tree.PathType(id) == domain.Plug {
			if tree.PathType(parent) != domain.Public {
				tree.SetPathType(parent, domain.Plug)
			}
			return nil
		}
		tree.SetPathType(parent, domain.Public)
		return nil
	})
}

// ApplyDAC chmods every Exec/PublicExec node 0755 (spec §4.5, trailing DAC
// pass).
func ApplyDAC(ctx context.Context, tree *pathtree.Tree, root pathtree.NodeID, fs domain.FS, baseDir string) error {
	return tree.ForEach(pathtree.OnlyAdded, root, func(id pathtree.NodeID, relPath string) error {
		if !tree.PathType(id).IsExecutable() {
			return nil
		}
		return fs.Chmod(ctx, path.Join(baseDir, relPath), os.FileMode(0755))
	})
}

// join resolves a manifest-declared relative path against root, returning
// the tree-global path Get/Add expect.
func join(root pathtree.NodeID, tree *pathtree.Tree, rel string) string {
	return tree.Path(root, tree.Root()) + "/" + rel
}
