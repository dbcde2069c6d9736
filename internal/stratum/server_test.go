package stratum

import (
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/hashforge/stratumcore/internal/config"
	"github.com/hashforge/stratumcore/internal/metrics"
)

func waitForConnectedCount(t *testing.T, srv *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.ConnectedCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for connected count %d, got %d", want, srv.ConnectedCount())
}

func TestServerRejectsConnectionsOverMaxSessions(t *testing.T) {
	cfg := config.Config{
		StratumListen:      "127.0.0.1:0",
		MaxSessions:        1,
		DefaultDifficulty:  0,
		VardiffTickSeconds: 3600,
	}
	srv := NewServer(cfg, &chaincfg.MainNetParams, nil, nil, nil, nil, nil, metrics.NoopRecorder{}, nil)

	ln, err := net.Listen("tcp", cfg.StratumListen)
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	srv.cfg.StratumListen = addr

	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer srv.Stop()

	conn1, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial 1: %v", err)
	}
	defer conn1.Close()
	waitForConnectedCount(t, srv, 1)

	conn2, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial 2: %v", err)
	}
	defer conn2.Close()

	_ = conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn2.Read(buf); err == nil {
		t.Fatalf("expected the over-limit connection to be closed by the server")
	}

	if got := srv.ConnectedCount(); got != 1 {
		t.Fatalf("expected connected count to stay at 1, got %d", got)
	}
}

func TestServerStopClosesLiveSessions(t *testing.T) {
	cfg := config.Config{
		StratumListen:      "127.0.0.1:0",
		MaxSessions:        10,
		DefaultDifficulty:  0,
		VardiffTickSeconds: 3600,
	}
	srv := NewServer(cfg, &chaincfg.MainNetParams, nil, nil, nil, nil, nil, metrics.NoopRecorder{}, nil)

	ln, err := net.Listen("tcp", cfg.StratumListen)
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	srv.cfg.StratumListen = addr

	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitForConnectedCount(t, srv, 1)

	if err := srv.Stop(); err != nil {
		t.Fatalf("stop server: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatalf("expected connection to be closed after server Stop")
	}
}
