package adapters_test

import (
	"context"
	"os"
	"testing"

	"github.com/iotbzh/afmpkg-installer/internal/adapters"
	"github.com/iotbzh/afmpkg-installer/internal/domain"
	"github.com/iotbzh/afmpkg-installer/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExternalSecurityManagerBeginSucceeds(t *testing.T) {
	if _, err := os.Stat("/bin/true"); err != nil {
		t.Skip("/bin/true not available")
	}
	s := adapters.NewExternalSecurityManager("/bin/true")
	s.Retry = retry.Config{MaxAttempts: 1}
	require.NoError(t, s.Begin(context.Background(), "demo", domain.ModeInstall))
}

func TestExternalSecurityManagerFailurePropagates(t *testing.T) {
	if _, err := os.Stat("/bin/false"); err != nil {
		t.Skip("/bin/false not available")
	}
	s := adapters.NewExternalSecurityManager("/bin/false")
	s.Retry = retry.Config{MaxAttempts: 1}
	err := s.End(context.Background(), -1)
	assert.Error(t, err)
}
