package adapters_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/iotbzh/afmpkg-installer/internal/adapters"
	"github.com/iotbzh/afmpkg-installer/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFakeHelper(t *testing.T, script string) string {
	t.Helper()
	if _, err := exec.LookPath("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	path := filepath.Join(t.TempDir(), "helper.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755))
	return path
}

func TestExternalPermissionPolicyParsesLines(t *testing.T) {
	helper := writeFakeHelper(t, "printf 'perm.a\\nperm.b\\n\\n'\n")
	p := adapters.NewExternalPermissionPolicy(helper)
	p.Retry = retry.Config{MaxAttempts: 1}

	grants, err := p.Grants(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, []string{"perm.a", "perm.b"}, grants)
}

func TestExternalPermissionPolicyFailurePropagates(t *testing.T) {
	helper := writeFakeHelper(t, "exit 1\n")
	p := adapters.NewExternalPermissionPolicy(helper)
	p.Retry = retry.Config{MaxAttempts: 1}

	_, err := p.Grants(context.Background(), "demo")
	assert.Error(t, err)
}
