package classifier_test

import (
	"context"
	"testing"

	"github.com/iotbzh/afmpkg-installer/internal/adapters"
	"github.com/iotbzh/afmpkg-installer/internal/classifier"
	"github.com/iotbzh/afmpkg-installer/internal/domain"
	"github.com/iotbzh/afmpkg-installer/internal/pathtree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTree(t *testing.T, fs *adapters.MemFS, paths []string) (*pathtree.Tree, pathtree.NodeID) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, fs.MkdirAll(ctx, "/pkg", 0755))
	for _, p := range paths {
		full := "/pkg/" + p
		require.NoError(t, fs.MkdirAll(ctx, dirOf(full), 0755))
		require.NoError(t, fs.WriteFile(ctx, full, []byte("x"), 0644))
	}
	tree := pathtree.NewTree()
	root := tree.Add("/pkg")
	for _, p := range paths {
		tree.Add("/pkg/" + p)
	}
	return tree, root
}

func dirOf(p string) string {
	i := len(p) - 1
	for i >= 0 && p[i] != '/' {
		i--
	}
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

func TestClassifyDirectoryKeywords(t *testing.T) {
	fs := adapters.NewMemFS()
	tree, root := setupTree(t, fs, []string{"bin/app", "etc/app.conf", "lib/libfoo.so"})

	m := &domain.Manifest{}
	require.NoError(t, classifier.Classify(context.Background(), tree, root, m, fs, "/pkg"))

	binDir, err := tree.Get("/pkg/bin")
	require.NoError(t, err)
	assert.Equal(t, domain.Exec, tree.PathType(binDir))

	app, err := tree.Get("/pkg/bin/app")
	require.NoError(t, err)
	assert.Equal(t, domain.Exec, tree.PathType(app))

	conf, err := tree.Get("/pkg/etc/app.conf")
	require.NoError(t, err)
	assert.Equal(t, domain.Conf, tree.PathType(conf))
}

func TestClassifyPlugAndPropagation(t *testing.T) {
	fs := adapters.NewMemFS()
	tree, root := setupTree(t, fs, []string{"share/data.txt"})

	m := &domain.Manifest{
		Plugs: []domain.Plug{{Name: "share", Value: "com.example.importer"}},
	}
	require.NoError(t, classifier.Classify(context.Background(), tree, root, m, fs, "/pkg"))

	share, err := tree.Get("/pkg/share")
	require.NoError(t, err)
	assert.Equal(t, domain.Plug, tree.PathType(share))
	assert.Equal(t, domain.Plug, tree.PathType(root))
}

func TestClassifyFilePropertiesConflict(t *testing.T) {
	fs := adapters.NewMemFS()
	tree, root := setupTree(t, fs, []string{"bin/app"})

	m := &domain.Manifest{
		Plugs:          []domain.Plug{{Name: "bin", Value: "com.example.importer"}},
		FileProperties: map[string]string{"bin": "conf"},
	}
	err := classifier.Classify(context.Background(), tree, root, m, fs, "/pkg")
	require.Error(t, err)
	var conflict domain.Conflict
	assert.ErrorAs(t, err, &conflict)
}

func TestClassifyBindingSetsPublicLib(t *testing.T) {
	fs := adapters.NewMemFS()
	tree, root := setupTree(t, fs, []string{"lib/shared.so"})

	m := &domain.Manifest{
		Bindings: []domain.Binding{{Path: "lib/shared.so"}},
	}
	require.NoError(t, classifier.Classify(context.Background(), tree, root, m, fs, "/pkg"))

	n, err := tree.Get("/pkg/lib/shared.so")
	require.NoError(t, err)
	assert.Equal(t, domain.PublicLib, tree.PathType(n))
}

func TestApplyDACChmodsExecutables(t *testing.T) {
	fs := adapters.NewMemFS()
	tree, root := setupTree(t, fs, []string{"bin/app"})

	m := &domain.Manifest{}
	require.NoError(t, classifier.Classify(context.Background(), tree, root, m, fs, "/pkg"))

	info, err := fs.Stat(context.Background(), "/pkg/bin/app")
	require.NoError(t, err)
	assert.Equal(t, uint32(0755), uint32(info.Mode().Perm()))
}
