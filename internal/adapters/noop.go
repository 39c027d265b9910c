package adapters

import (
	"context"

	"github.com/iotbzh/afmpkg-installer/internal/domain"
)

// NoopLogger discards everything. Used by tests and by code paths that run
// before the daemon's real logger is configured.
type NoopLogger struct{}

// NewNoopLogger creates a new no-op logger.
func NewNoopLogger() *NoopLogger {
	return &NoopLogger{}
}

func (l *NoopLogger) Debug(ctx context.Context, msg string, args ...any) {}
func (l *NoopLogger) Info(ctx context.Context, msg string, args ...any)  {}
func (l *NoopLogger) Warn(ctx context.Context, msg string, args ...any)  {}
func (l *NoopLogger) Error(ctx context.Context, msg string, args ...any) {}

func (l *NoopLogger) With(args ...any) domain.Logger {
	return l
}

// NoopSecurityManager accepts every call without doing anything. Used by
// tests that exercise the orchestrator's sequencing without a real
// security-manager backend, and by afmpkgd when no --security-helper is
// given.
type NoopSecurityManager struct{}

func (NoopSecurityManager) Begin(ctx context.Context, appID string, mode domain.InstallMode) error {
	return nil
}

func (NoopSecurityManager) TagFile(ctx context.Context, path string, kind domain.PathType) error {
	return nil
}

func (NoopSecurityManager) SetPerm(ctx context.Context, token string) error { return nil }

func (NoopSecurityManager) SetUnits(ctx context.Context, units []domain.UnitDescriptor) error {
	return nil
}

func (NoopSecurityManager) End(ctx context.Context, status int) error { return nil }
