package proxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/openrelay/elproxy/internal/auth"
	"github.com/openrelay/elproxy/internal/core"
)

func testConfig(t *testing.T) *core.Config {
	t.Helper()
	cfg := &core.Config{
		Password:            "PASSWORD",
		BindAddress:         "127.0.0.1",
		Port:                0,
		ExternalBindAddress: "127.0.0.1",
		LogLevel:            "error",
		MaxFrameSize:        core.DefaultMaxFrameSize,
	}
	return cfg
}

func TestProxy_Lifecycle_OpenStartShutdownClose(t *testing.T) {
	cfg := testConfig(t)

	p, err := Init(cfg)
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	if err := p.Open(); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if len(p.pool.Slots()) != 1 {
		t.Fatalf("Open() created %d slots, want 1", len(p.pool.Slots()))
	}
	if p.pool.UsableClients() != 0 {
		t.Fatalf("UsableClients() before Start = %d, want 0", p.pool.UsableClients())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if p.pool.UsableClients() != 1 {
		t.Fatalf("UsableClients() after Start = %d, want 1", p.pool.UsableClients())
	}

	runDone := make(chan error, 1)
	go func() { runDone <- p.Run() }()

	// Give Run's accept loop a moment to actually be blocked in Accept
	// before we shut the listener down under it.
	time.Sleep(10 * time.Millisecond)

	p.Shutdown()
	if p.pool.UsableClients() != 0 {
		t.Errorf("UsableClients() after Shutdown = %d, want 0", p.pool.UsableClients())
	}

	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("Run() returned %v after Shutdown, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after Shutdown closed the listener")
	}

	p.Close()
}

func TestProxy_Drop_ReturnsServingWorkerToIdle(t *testing.T) {
	cfg := testConfig(t)

	p, err := Init(cfg)
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	if err := p.Open(); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	go p.Run()

	client, err := net.Dial("tcp", p.listener.Addr().String())
	if err != nil {
		t.Fatalf("net.Dial() error: %v", err)
	}
	defer client.Close()

	nonce := make([]byte, 8)
	if _, err := client.Read(nonce); err != nil {
		t.Fatalf("reading nonce: %v", err)
	}
	response := auth.ExpectedResponse(cfg.Password, string(nonce))
	if _, err := client.Write(append([]byte("W1AW\n"), response[:]...)); err != nil {
		t.Fatalf("writing reply: %v", err)
	}

	// Wait for the worker to reach Serving; the client sends no frames past
	// the handshake, so it stays there blocked in Slot.Serve's Decode.
	worker := p.workers[0]
	deadline := time.Now().Add(time.Second)
	for worker.State() != Serving && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if worker.State() != Serving {
		t.Fatalf("worker.State() = %v, want Serving before Drop", worker.State())
	}

	p.Drop()

	deadline = time.Now().Add(time.Second)
	for worker.State() != Idle && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if worker.State() != Idle {
		t.Fatalf("worker.State() = %v, want Idle after Drop", worker.State())
	}

	closeDone := make(chan struct{})
	go func() {
		p.Close()
		close(closeDone)
	}()
	select {
	case <-closeDone:
	case <-time.After(time.Second):
		t.Fatal("Close() did not return; worker goroutine was not joined")
	}
}

func TestProxy_Open_RollsBackOnListenerFailure(t *testing.T) {
	cfg := testConfig(t)

	// Occupy the port so the proxy's listener bind fails, exercising
	// the rollback path that closes any slots already opened.
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error: %v", err)
	}
	defer blocker.Close()

	addr := blocker.Addr().(*net.TCPAddr)
	cfg.Port = addr.Port

	p, err := Init(cfg)
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	if err := p.Open(); err == nil {
		t.Fatal("Open() with an already-bound port should fail")
	}
}

func TestProxy_Open_RejectsBadAllowListRegex(t *testing.T) {
	cfg := testConfig(t)
	cfg.CallsignAllowList = "["

	p, err := Init(cfg)
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	if err := p.Open(); err == nil {
		t.Fatal("Open() with an invalid allow-list regex should fail")
	}
}
