package proxy

import (
	"net"
	"testing"

	"github.com/openrelay/elproxy/internal/audit"
	"github.com/openrelay/elproxy/internal/auth"
	"github.com/openrelay/elproxy/internal/registration"
	"github.com/openrelay/elproxy/internal/wire"
)

func TestAcceptor_AllWorkersBusy_DropsConnection(t *testing.T) {
	authorizer, err := auth.New("PASSWORD", "", "")
	if err != nil {
		t.Fatalf("auth.New() error: %v", err)
	}

	pool := NewSlotPool(newTestSlots(1), registration.NoOp{})
	pool.Start()

	worker := NewWorker(0, pool, authorizer, wire.NewCodec(0), audit.NoOp{}, testLogger())

	// Occupy the only worker so the acceptor has nowhere to route a second
	// connection.
	busyConn, _ := net.Pipe()
	if err := worker.TryAccept(busyConn); err != nil {
		t.Fatalf("TryAccept() error: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error: %v", err)
	}
	defer listener.Close()

	acceptor := &Acceptor{
		Listener: listener,
		Workers:  []*Worker{worker},
		Logger:   testLogger(),
		Pool:     pool,
	}

	processDone := make(chan error, 1)
	go func() { processDone <- acceptor.Process() }()

	clientConn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("net.Dial() error: %v", err)
	}
	defer clientConn.Close()

	if err := <-processDone; err != nil {
		t.Fatalf("Process() error: %v", err)
	}

	// The connection should have been closed by the acceptor rather than
	// handed to any worker.
	buf := make([]byte, 1)
	if _, err := clientConn.Read(buf); err == nil {
		t.Fatal("expected the dropped connection to be closed by the acceptor")
	}
}
