package proxy

import (
	"net"

	"github.com/sirupsen/logrus"
)

// Acceptor listens for client connections and hands each one to the first
// idle Worker it finds.
type Acceptor struct {
	Listener net.Listener
	Workers  []*Worker
	Logger   *logrus.Logger
	Pool     *SlotPool
}

// Process runs one accept cycle: block for a connection, then linearly
// probe workers 0..usable-1 for one that isn't busy. It's meant to be
// called repeatedly by the host in a loop; Listener.Close (from Shutdown)
// is what causes a blocked Accept to return an error and end that loop.
func (a *Acceptor) Process() error {
	conn, err := a.Listener.Accept()
	if err != nil {
		return err
	}

	usable := int(a.Pool.UsableClients())
	if usable > len(a.Workers) {
		usable = len(a.Workers)
	}

	for i := 0; i < usable; i++ {
		err := a.Workers[i].TryAccept(conn)
		if err == nil {
			return nil
		}
		if err != ErrWorkerBusy {
			conn.Close()
			return err
		}
	}

	a.Logger.WithField("remote", conn.RemoteAddr().String()).Info("all slots busy, dropping connection")
	conn.Close()
	return nil
}

// Run repeatedly calls Process until it returns an error, which happens
// once Shutdown closes the listener. It's a convenience wrapper for hosts
// that don't want to manage their own accept loop.
func (a *Acceptor) Run() error {
	for {
		if err := a.Process(); err != nil {
			return err
		}
	}
}
