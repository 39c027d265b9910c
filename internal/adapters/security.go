package adapters

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/iotbzh/afmpkg-installer/internal/domain"
	"github.com/iotbzh/afmpkg-installer/internal/retry"
)

// DefaultSecurityManagerTimeout bounds a single security-manager helper
// invocation.
const DefaultSecurityManagerTimeout = 30 * time.Second

// ExternalSecurityManager implements domain.SecurityManager by shelling out
// to the platform's security-manager-cli helper, one subprocess per call,
// retrying transient failures with backoff the way the teacher's updater
// retries flaky network operations.
type ExternalSecurityManager struct {
	// Binary is the helper executable's path, e.g. "/usr/bin/security-manager-cli".
	Binary string
	// Timeout bounds each subprocess invocation; zero uses the default.
	Timeout time.Duration
	// Retry configures the backoff applied to a failing call.
	Retry retry.Config
}

// NewExternalSecurityManager returns an adapter invoking binary, with
// DefaultSecurityManagerTimeout and retry.DefaultConfig.
func NewExternalSecurityManager(binary string) *ExternalSecurityManager {
	return &ExternalSecurityManager{
		Binary:  binary,
		Timeout: DefaultSecurityManagerTimeout,
		Retry:   retry.DefaultConfig(),
	}
}

func (s *ExternalSecurityManager) Begin(ctx context.Context, appID string, mode domain.InstallMode) error {
	return s.run(ctx, "begin", appID, mode.String())
}

func (s *ExternalSecurityManager) TagFile(ctx context.Context, path string, kind domain.PathType) error {
	return s.run(ctx, "tagfile", path, kind.String())
}

func (s *ExternalSecurityManager) SetPerm(ctx context.Context, token string) error {
	return s.run(ctx, "setperm", token)
}

func (s *ExternalSecurityManager) SetUnits(ctx context.Context, units []domain.UnitDescriptor) error {
	args := make([]string, 0, 1+3*len(units))
	args = append(args, "setunits")
	for _, u := range units {
		args = append(args, u.Scope.String()+":"+u.Type.String(), u.Name, u.Content)
	}
	return s.run(ctx, args...)
}

func (s *ExternalSecurityManager) End(ctx context.Context, status int) error {
	return s.run(ctx, "end", strconv.Itoa(status))
}

func (s *ExternalSecurityManager) run(ctx context.Context, args ...string) error {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultSecurityManagerTimeout
	}

	return retry.Do(ctx, s.Retry, func() error {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(cctx, s.Binary, args...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return fmt.Errorf("security-manager %s: %w: %s", args[0], err, stderr.String())
		}
		return nil
	})
}
