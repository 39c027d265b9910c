// Package server implements the Server Loop: a Unix-socket accept loop that
// hands each connection to a bounded worker pool running the Request
// Protocol over the Installer Orchestrator and Transaction Ledger (spec
// §4.10, §5), generalized from the teacher's errgroup.WithContext fan-out
// shape used for bounded concurrent gathering.
package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/iotbzh/afmpkg-installer/internal/config"
	"github.com/iotbzh/afmpkg-installer/internal/domain"
	"github.com/iotbzh/afmpkg-installer/internal/ledger"
	"github.com/iotbzh/afmpkg-installer/internal/orchestrator"
	"github.com/iotbzh/afmpkg-installer/internal/protocol"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// ExitBindFailure and ExitAcceptFailure are the process exit codes spec §6
// assigns to a listener that never came up and an accept loop that died,
// respectively. Orderly shutdown exits 0.
const (
	ExitBindFailure   = 1
	ExitAcceptFailure = 2
)

// ExitError carries the process exit code a Serve failure should produce.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

// Server binds the install socket and serves connections until idle-shutdown
// (or ctx cancellation) permits it to stop.
type Server struct {
	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	Ledger       *ledger.Ledger
	Logger       domain.Logger

	liveWorkers atomic.Int64
}

// Serve binds the configured socket and runs the accept loop until either
// ctx is cancelled or idle-shutdown is reached (spec §4.10).
func (s *Server) Serve(ctx context.Context) error {
	ln, err := bindUnixSocket(s.Config.Socket.Address, s.Config.Socket.Backlog)
	if err != nil {
		return &ExitError{Code: ExitBindFailure, Err: fmt.Errorf("server: bind %s: %w", s.Config.Socket.Address, err)}
	}
	defer ln.Close()

	unixLn, ok := ln.(*net.UnixListener)
	if !ok {
		return &ExitError{Code: ExitBindFailure, Err: fmt.Errorf("server: listener is not a UnixListener")}
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.Config.Socket.MaxWorkers)

	poll := time.Duration(s.Config.Socket.PollSeconds) * time.Second
	if poll <= 0 {
		poll = 5 * time.Minute
	}

	for {
		select {
		case <-ctx.Done():
			_ = eg.Wait()
			return nil
		default:
		}

		_ = unixLn.SetDeadline(time.Now().Add(poll))
		conn, err := unixLn.AcceptUnix()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if s.idleShutdownReached() {
					_ = eg.Wait()
					return nil
				}
				continue
			}
			_ = eg.Wait()
			return &ExitError{Code: ExitAcceptFailure, Err: fmt.Errorf("server: accept: %w", err)}
		}

		eg.Go(func() error {
			s.serveConn(egCtx, conn)
			return nil
		})
	}
}

func (s *Server) idleShutdownReached() bool {
	if s.Config.Socket.Forever {
		return false
	}
	return s.Ledger.CanStop() && s.liveWorkers.Load() == 0
}

func (s *Server) serveConn(ctx context.Context, conn *net.UnixConn) {
	defer conn.Close()
	s.liveWorkers.Add(1)
	defer s.liveWorkers.Add(-1)

	if s.Config.Security.Strict {
		uid, err := peerUID(conn)
		if err != nil || uid != 0 {
			s.logger().Warn(ctx, "rejected_peer", "uid", uid, "error", err)
			_, _ = conn.Write([]byte("ERROR\n"))
			return
		}
	}

	pc := protocol.NewConn()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if pc.Feed(scanner.Text()) {
			break
		}
	}
	if pc.State() != protocol.Ready {
		return // client closed the connection before completing a request
	}

	dispatchErr := s.dispatch(ctx, pc)
	pc.Finish(dispatchErr)
	_, _ = conn.Write([]byte(pc.Reply()))
}

func (s *Server) dispatch(ctx context.Context, pc *protocol.Conn) error {
	if pc.Err() != nil {
		return nil // protocol violation already recorded; nothing to dispatch
	}

	if pc.IsStatus() {
		return s.dispatchStatus(pc)
	}

	req := pc.Request()
	if req.Kind == domain.KindCheckAdd || req.Kind == domain.KindCheckRemove {
		s.logger().Warn(ctx, "check_request_ignored", "kind", req.Kind.String())
		return nil // CHECK_* kinds are reserved: no orchestrator run, no backend call
	}
	result := s.Orchestrator.Run(ctx, req)
	if result.IsErr() {
		return result.UnwrapErr()
	}

	outcome := result.Unwrap()
	var firstErr error
	for _, pkg := range outcome.Packages {
		s.Ledger.RecordOutcome(req.TransID, pkg.Err == nil)
		if pkg.Err != nil && firstErr == nil {
			firstErr = pkg.Err
		}
	}
	return firstErr
}

func (s *Server) dispatchStatus(pc *protocol.Conn) error {
	rec := s.Ledger.GetOrCreate(pc.StatusID(), 0)
	if rec == nil {
		return domain.ErrTransactionNotFound{TransID: pc.StatusID()}
	}
	pc.SetMessage(fmt.Sprintf("%d %d %d", rec.Expected, rec.Success, rec.Failed))
	return nil
}

func (s *Server) logger() domain.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return noopLogger{}
}

type noopLogger struct{}

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}
func (noopLogger) With(...any) domain.Logger             { return noopLogger{} }

// bindUnixSocket creates the listening socket directly via golang.org/x/sys/unix
// so the configured backlog is honoured exactly (net.Listen has no backlog
// knob of its own); "@name" denotes the Linux abstract namespace.
func bindUnixSocket(address string, backlog int) (net.Listener, error) {
	name := address
	if strings.HasPrefix(address, "@") {
		name = "\x00" + address[1:]
	} else {
		_ = os.Remove(address) // stale socket file from a previous run
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: name}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}

	file := os.NewFile(uintptr(fd), "afmpkg-socket")
	defer file.Close()
	ln, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("file listener: %w", err)
	}
	return ln, nil
}

// peerUID reads SO_PEERCRED off a connected Unix socket to authorize a
// strict-mode client (spec §4.10).
func peerUID(conn *net.UnixConn) (uint32, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}

	var uid uint32
	var credErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		ucred, err := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err != nil {
			credErr = err
			return
		}
		uid = ucred.Uid
	})
	if ctrlErr != nil {
		return 0, ctrlErr
	}
	return uid, credErr
}
