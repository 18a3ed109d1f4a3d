package proxy

import (
	"errors"
	"net"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/openrelay/elproxy/internal/audit"
	"github.com/openrelay/elproxy/internal/auth"
	"github.com/openrelay/elproxy/internal/wire"
)

// State is one point in a Worker's lifecycle.
type State int

const (
	Idle State = iota
	Authorizing
	Serving
	Draining
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Authorizing:
		return "authorizing"
	case Serving:
		return "serving"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// ErrWorkerBusy is returned by TryAccept when the worker is already serving
// a client.
var ErrWorkerBusy = errors.New("proxy: worker busy")

// Worker authorizes exactly one client at a time and, on success, drives
// that client's Slot Relay until the session ends. There is one Worker per
// Slot, but a Worker reserves the first free usable Slot from the pool by
// linear search, so Worker i is not necessarily served by Slot i.
type Worker struct {
	Index int

	pool       *SlotPool
	authorizer *auth.Authorizer
	codec      *wire.Codec
	auditLog   audit.Log
	logger     *logrus.Logger

	mu    sync.Mutex
	busy  bool
	state State

	inbox chan net.Conn
}

// NewWorker builds a Worker. pool, authorizer and codec are shared across
// every worker in the proxy; auditLog may be audit.NoOp{}.
func NewWorker(index int, pool *SlotPool, authorizer *auth.Authorizer, codec *wire.Codec, auditLog audit.Log, logger *logrus.Logger) *Worker {
	return &Worker{
		Index:      index,
		pool:       pool,
		authorizer: authorizer,
		codec:      codec,
		auditLog:   auditLog,
		logger:     logger,
		inbox:      make(chan net.Conn, 1),
	}
}

// State reports the worker's current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// TryAccept hands conn to the worker if it is idle. It implements the
// handoff contract: the caller (the Acceptor) holds no lock of its own,
// relying entirely on the worker's mutex to make "is this worker free"
// atomic with "claim it". Once handed off, the acceptor never touches conn
// again; the worker owns it until the session ends.
func (w *Worker) TryAccept(conn net.Conn) error {
	w.mu.Lock()
	if w.busy {
		w.mu.Unlock()
		return ErrWorkerBusy
	}
	w.busy = true
	w.mu.Unlock()

	w.inbox <- conn
	return nil
}

// Run processes handed-off connections until done is closed. It's meant to be
// started once per worker for the lifetime of the proxy.
func (w *Worker) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case conn := <-w.inbox:
			w.serve(conn)
		}
	}
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Worker) serve(conn net.Conn) {
	defer func() {
		w.mu.Lock()
		w.busy = false
		w.state = Idle
		w.mu.Unlock()
	}()

	remoteAddr := conn.RemoteAddr().String()
	w.setState(Authorizing)

	callsign, outcome, err := w.authorizer.Handshake(conn)
	if err != nil {
		w.logAuthFailure(remoteAddr, err)
		w.recordAttempt(remoteAddr, callsign, string(auth.OutcomeProtocolError))
		conn.Close()
		return
	}

	w.recordAttempt(remoteAddr, callsign, string(outcome))

	switch outcome {
	case auth.OutcomeBadPassword:
		w.logger.WithField("remote", remoteAddr).Info("rejected client: bad password")
		w.sendSystemFailure(conn, wire.SystemBadPassword)
		conn.Close()
		return
	case auth.OutcomeNotAuthorized:
		w.logger.WithFields(logrus.Fields{"remote": remoteAddr, "callsign": callsign}).Info("rejected client: callsign not authorized")
		w.sendSystemFailure(conn, wire.SystemNotAuthorized)
		conn.Close()
		return
	}

	w.setState(Serving)

	slot := w.pool.Reserve()
	if slot == nil {
		// No slot available for a worker that itself accepted a handoff:
		// this only happens under a shrinking usable-clients count during
		// a partial shutdown. Refuse gracefully rather than serving with
		// no slot.
		w.logger.WithField("remote", remoteAddr).Warn("authorized client but no free slot; dropping")
		conn.Close()
		return
	}

	err = slot.Serve(conn, w.codec, callsign)
	w.setState(Draining)
	w.pool.Release(slot)
	conn.Close()

	fields := logrus.Fields{"remote": remoteAddr, "callsign": callsign, "slot": slot.Index}
	switch {
	case err == nil:
	case isTransportError(err):
		w.logger.WithFields(fields).WithError(err).Warn("session ended")
	default:
		w.logger.WithFields(fields).WithError(err).Error("session ended with protocol violation")
	}
}

func (w *Worker) sendSystemFailure(conn net.Conn, code byte) {
	_ = w.codec.Encode(conn, wire.Frame{Opcode: wire.System, Payload: []byte{code}})
}

func (w *Worker) recordAttempt(remoteAddr, callsign, outcome string) {
	if err := w.auditLog.RecordAttempt(remoteAddr, callsign, outcome); err != nil && w.logger != nil {
		w.logger.WithError(err).Warn("failed to write audit record")
	}
}

// logAuthFailure distinguishes transport errors, logged at WARN, from
// protocol/policy errors, logged at ERROR with the remote address.
func (w *Worker) logAuthFailure(remoteAddr string, err error) {
	if isTransportError(err) {
		w.logger.WithField("remote", remoteAddr).WithError(err).Warn("authorization interrupted by transport error")
		return
	}
	w.logger.WithField("remote", remoteAddr).WithError(err).Error("authorization failed")
}

func isTransportError(err error) bool {
	msg := err.Error()
	for _, marker := range []string{"connection reset", "interrupted", "not connected", "broken pipe", "use of closed network connection", "EOF"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

