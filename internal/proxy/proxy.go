package proxy

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openrelay/elproxy/internal/audit"
	"github.com/openrelay/elproxy/internal/auth"
	"github.com/openrelay/elproxy/internal/core"
	"github.com/openrelay/elproxy/internal/registration"
	"github.com/openrelay/elproxy/internal/wire"
)

// Proxy is the top-level handle described by the lifecycle in
// Init/Open/Start/Process (or Run)/Shutdown/Drop/Close. Configuration is
// loaded beforehand by core.LoadConfig, and there is no separate Free step.
// It owns configuration, the log sink, the listener, the slot pool, the
// registration hook, and the workers.
type Proxy struct {
	Config *core.Config
	Logger *logrus.Logger

	authorizer *auth.Authorizer
	codec      *wire.Codec
	auditLog   audit.Log
	regHook    registration.Hook

	listener net.Listener
	pool     *SlotPool
	acceptor *Acceptor
	workers  []*Worker

	workerDone chan struct{}
	workerWG   sync.WaitGroup
}

// Init allocates the pieces of state that don't depend on configuration:
// the log sink, the audit log handle, and the registration collaborator.
// It mirrors the source's init phase, which every other phase assumes has
// already run.
func Init(cfg *core.Config) (*Proxy, error) {
	logger, err := core.NewLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("proxy: init: %w", err)
	}

	var auditLog audit.Log = audit.NoOp{}
	if cfg.AuditDBPath != "" {
		auditLog, err = audit.Open(cfg.AuditDBPath)
		if err != nil {
			return nil, fmt.Errorf("proxy: init: opening audit log: %w", err)
		}
	}

	var regHook registration.Hook = registration.NoOp{}
	if cfg.Registration.DirectoryURL != "" {
		regHook = &registration.HTTPClient{
			DirectoryURL: cfg.Registration.DirectoryURL,
			StationID:    cfg.Registration.StationID,
			Interval:     time.Duration(cfg.Registration.IntervalSeconds) * time.Second,
			Logger:       logger,
		}
	}

	return &Proxy{
		Config:     cfg,
		Logger:     logger,
		auditLog:   auditLog,
		regHook:    regHook,
		codec:      wire.NewCodec(cfg.MaxFrameSize),
		workerDone: make(chan struct{}),
	}, nil
}

// Open allocates num_clients = 1 + len(AdditionalExternalBindAddresses)
// slots and an equal number of workers, compiles the allow/deny regexes,
// and binds the client-facing listener. Any failure partway through rolls
// back everything already opened.
func (p *Proxy) Open() error {
	authorizer, err := auth.New(p.Config.Password, p.Config.CallsignAllowList, p.Config.CallsignDenyList)
	if err != nil {
		return fmt.Errorf("proxy: open: %w", err)
	}
	p.authorizer = authorizer

	addrs := p.Config.ExternalBindAddresses()
	slots := make([]*Slot, 0, len(addrs))
	for i, addr := range addrs {
		slot := NewSlot(i, addr, p.Logger)
		if err := slot.Open(); err != nil {
			for _, opened := range slots {
				opened.Close()
			}
			return fmt.Errorf("proxy: open: %w", err)
		}
		slots = append(slots, slot)
	}
	p.pool = NewSlotPool(slots, p.regHook)

	listener, err := net.Listen("tcp", p.Config.ListenAddress())
	if err != nil {
		for _, s := range slots {
			s.Close()
		}
		return fmt.Errorf("proxy: open: binding listener: %w", err)
	}
	p.listener = listener

	p.workers = make([]*Worker, len(slots))
	for i := range slots {
		p.workers[i] = NewWorker(i, p.pool, p.authorizer, p.codec, p.auditLog, p.Logger)
	}

	p.acceptor = &Acceptor{
		Listener: p.listener,
		Workers:  p.workers,
		Logger:   p.Logger,
		Pool:     p.pool,
	}

	return nil
}

// Start marks every slot usable, starts each worker's processing loop, and
// starts the registration collaborator.
func (p *Proxy) Start(ctx context.Context) error {
	p.pool.Start()

	for _, w := range p.workers {
		p.workerWG.Add(1)
		go func(w *Worker) {
			defer p.workerWG.Done()
			w.Run(p.workerDone)
		}(w)
	}

	if err := p.regHook.Start(ctx); err != nil {
		return fmt.Errorf("proxy: start: registration: %w", err)
	}

	return nil
}

// Process drives one acceptance cycle. Intended to be called repeatedly in
// a loop by the host; Acceptor.Run is a convenience wrapper for hosts that
// want that loop managed for them.
func (p *Proxy) Process() error {
	return p.acceptor.Process()
}

// Run blocks, driving the accept loop until Shutdown closes the listener.
func (p *Proxy) Run() error {
	err := p.acceptor.Run()
	if isExpectedSessionEnd(err) {
		return nil
	}
	return err
}

func isExpectedSessionEnd(err error) bool {
	return err != nil && isTransportError(err)
}

// Shutdown sets usable_clients to 0, reports the change to registration,
// and closes the listener to unblock any blocked Accept. It never
// propagates an error: shutdown is logged and continues regardless of what
// goes wrong closing any individual resource.
func (p *Proxy) Shutdown() {
	if p.pool != nil {
		p.pool.Shutdown()
	}
	if p.listener != nil {
		if err := p.listener.Close(); err != nil {
			p.Logger.WithError(err).Warn("error closing listener during shutdown")
		}
	}
}

// Drop forces every slot to terminate its current session: it closes the
// client connection Serve is blocked reading from, which unblocks that
// worker's goroutine so it can return to Idle, and then closes the slot's
// own peer sockets, which unblocks any of the slot's peer pump goroutines.
func (p *Proxy) Drop() {
	if p.pool == nil {
		return
	}
	for _, s := range p.pool.Slots() {
		s.DropClient()
		if err := s.Close(); err != nil {
			p.Logger.WithError(err).Warn("error dropping slot")
		}
	}
}

// Close stops registration, shuts down, drops all sessions, then joins
// every worker goroutine before freeing the audit log. Drop must run before
// workerDone is closed: a worker blocked in Slot.Serve only notices
// workerDone once its current session ends, and Drop is what ends it.
func (p *Proxy) Close() {
	p.regHook.Stop()
	p.Shutdown()
	p.Drop()

	close(p.workerDone)
	p.workerWG.Wait()

	if err := p.auditLog.Close(); err != nil {
		p.Logger.WithError(err).Warn("error closing audit log")
	}
}
