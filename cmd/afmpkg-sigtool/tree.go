package main

import (
	"context"
	"path/filepath"

	"github.com/iotbzh/afmpkg-installer/internal/domain"
	"github.com/iotbzh/afmpkg-installer/internal/pathtree"
	"github.com/iotbzh/afmpkg-installer/internal/sigverify"
)

// buildTree walks every regular file under root (an OS directory) and adds
// its root-relative path to a fresh pathtree.Tree, the same shape the
// orchestrator builds from a request's file list, so afmpkg-sigtool signs
// exactly what the daemon will later verify.
func buildTree(ctx context.Context, fs domain.FS, root string) (*pathtree.Tree, pathtree.NodeID, error) {
	tree := pathtree.NewTree()
	if err := walk(ctx, fs, root, root, tree); err != nil {
		return nil, 0, err
	}
	return tree, tree.Root(), nil
}

func walk(ctx context.Context, fs domain.FS, root, dir string, tree *pathtree.Tree) error {
	entries, err := fs.ReadDir(ctx, dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		full := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			if err := walk(ctx, fs, root, full, tree); err != nil {
				return err
			}
			continue
		}
		if sigverify.IsSignatureFilename(entry.Name()) {
			continue // the envelope does not sign itself
		}
		rel, err := filepath.Rel(root, full)
		if err != nil {
			return err
		}
		tree.Add(rel)
	}
	return nil
}
