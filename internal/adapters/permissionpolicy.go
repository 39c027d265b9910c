package adapters

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/iotbzh/afmpkg-installer/internal/retry"
)

// ExternalPermissionPolicy implements orchestrator.PermissionPolicy by
// shelling out to a helper binary that prints one granted permission name
// per line, the same subprocess-adapter shape as ExternalSecurityManager.
type ExternalPermissionPolicy struct {
	Binary  string
	Timeout time.Duration
	Retry   retry.Config
}

// NewExternalPermissionPolicy returns an adapter invoking binary, with
// DefaultSecurityManagerTimeout and retry.DefaultConfig.
func NewExternalPermissionPolicy(binary string) *ExternalPermissionPolicy {
	return &ExternalPermissionPolicy{
		Binary:  binary,
		Timeout: DefaultSecurityManagerTimeout,
		Retry:   retry.DefaultConfig(),
	}
}

// Grants runs the helper with appID and parses its stdout as a
// newline-separated list of granted permission names.
func (p *ExternalPermissionPolicy) Grants(ctx context.Context, appID string) ([]string, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultSecurityManagerTimeout
	}

	var out []string
	err := retry.Do(ctx, p.Retry, func() error {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(cctx, p.Binary, "grants", appID)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return fmt.Errorf("permission-policy grants: %w: %s", err, stderr.String())
		}

		out = nil
		for _, line := range strings.Split(stdout.String(), "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				out = append(out, line)
			}
		}
		return nil
	})
	return out, err
}
