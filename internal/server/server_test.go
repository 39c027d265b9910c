package server_test

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/iotbzh/afmpkg-installer/internal/adapters"
	"github.com/iotbzh/afmpkg-installer/internal/config"
	"github.com/iotbzh/afmpkg-installer/internal/domain"
	"github.com/iotbzh/afmpkg-installer/internal/ledger"
	"github.com/iotbzh/afmpkg-installer/internal/orchestrator"
	"github.com/iotbzh/afmpkg-installer/internal/server"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, sockPath string) *server.Server {
	t.Helper()
	fs := adapters.NewMemFS()
	ctx := context.Background()
	require.NoError(t, fs.MkdirAll(ctx, "/opt/pkg/demo/.rpconfig", 0755))
	require.NoError(t, fs.MkdirAll(ctx, "/opt/pkg/demo/bin", 0755))
	require.NoError(t, fs.WriteFile(ctx, "/opt/pkg/demo/.rpconfig/manifest.yml", []byte(`rp-manifest: "1"
id: demo
version: "1.0"
targets:
  - target: main
    content:
      src: bin/run
      type: application/x-executable
`), 0644))
	require.NoError(t, fs.WriteFile(ctx, "/opt/pkg/demo/bin/run", []byte("bin"), 0644))

	n := 0
	cfg := config.Default()
	cfg.Socket.Address = sockPath
	cfg.Socket.PollSeconds = 1
	cfg.Security.Strict = false

	return &server.Server{
		Config: cfg,
		Orchestrator: &orchestrator.Orchestrator{
			FS:       fs,
			Security: adapters.NoopSecurityManager{},
			NextAFID: func() int { n++; return n },
		},
		Ledger: ledger.New(domain.SystemClock{}, 3600),
	}
}

func TestServeHandlesHappyInstall(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "afmpkg.sock")
	s := newTestServer(t, sockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx) }()

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", sockPath)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)
	defer conn.Close()

	req := "BEGIN ADD\nINDEX 1\nCOUNT 1\nPACKAGE demo\nROOT /opt/pkg/demo\n" +
		"FILE /opt/pkg/demo/.rpconfig/manifest.yml\nFILE /opt/pkg/demo/bin/run\nEND ADD\n"
	_, err = conn.Write([]byte(req))
	require.NoError(t, err)

	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "OK\n", reply)

	cancel()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}
