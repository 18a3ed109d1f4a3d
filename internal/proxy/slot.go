// Package proxy implements the per-slot connection lifecycle: authorization,
// slot assignment, and bidirectional relay of the framed control protocol
// between an authorized client and the EchoLink peer network.
package proxy

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/openrelay/elproxy/internal/registration"
	"github.com/openrelay/elproxy/internal/wire"
)

// EchoLink peer ports a slot's outbound sockets talk to. Fixed by the wire
// protocol, not configurable.
const (
	PeerTCPPort  = 5200
	PeerUDPData  = 5199
	PeerUDPCtrl  = 5198
	udpReadSize  = 65535
	tcpReadSize  = 4096
)

// Slot owns one external address and the peer sockets opened against it. At
// most one client session uses a Slot at a time; Slot.Serve blocks for the
// duration of that session.
type Slot struct {
	Index      int
	SourceAddr string

	logger *logrus.Logger

	udpData *net.UDPConn
	udpCtrl *net.UDPConn

	current atomic.Pointer[clientHandle]

	peerMu   chan struct{} // 1-buffered channel used as a mutex (see newMutex, lock, unlock)
	peerTCP  net.Conn
	peerAddr net.IP

	inUse atomic.Bool
}

// clientHandle pairs the client connection currently being served with the
// mutex that guarantees per-frame writes to it stay atomic, regardless of
// which goroutine (main loop, TCP pump, UDP pump) is writing.
type clientHandle struct {
	conn  net.Conn
	mu    chan struct{} // 1-buffered mutex
	codec *wire.Codec
}

func newMutex() chan struct{} {
	m := make(chan struct{}, 1)
	m <- struct{}{}
	return m
}

func lock(m chan struct{})   { <-m }
func unlock(m chan struct{}) { m <- struct{}{} }

// NewSlot builds a Slot bound to sourceAddr. Open must be called before Serve.
func NewSlot(index int, sourceAddr string, logger *logrus.Logger) *Slot {
	return &Slot{
		Index:      index,
		SourceAddr: sourceAddr,
		logger:     logger,
		peerMu:     newMutex(),
	}
}

// Open binds the slot's two persistent UDP sockets to its external address
// and starts the goroutines that pump datagrams arriving on them to
// whichever client is currently being served (or discard them if none is).
func (s *Slot) Open() error {
	ip := net.ParseIP(s.SourceAddr)

	udpData, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: 0})
	if err != nil {
		return fmt.Errorf("proxy: slot %d: binding udp data socket: %w", s.Index, err)
	}
	udpCtrl, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: 0})
	if err != nil {
		udpData.Close()
		return fmt.Errorf("proxy: slot %d: binding udp control socket: %w", s.Index, err)
	}

	s.udpData = udpData
	s.udpCtrl = udpCtrl

	go s.pumpUDP(s.udpData, wire.UDPData)
	go s.pumpUDP(s.udpCtrl, wire.UDPCtrl)

	return nil
}

// Close tears down the slot's persistent sockets. Closing them unblocks the
// pump goroutines' blocking reads, which is how they're told to exit.
func (s *Slot) Close() error {
	lock(s.peerMu)
	if s.peerTCP != nil {
		s.peerTCP.Close()
		s.peerTCP = nil
	}
	unlock(s.peerMu)

	var firstErr error
	if s.udpData != nil {
		if err := s.udpData.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.udpCtrl != nil {
		if err := s.udpCtrl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// InUse reports whether a client is currently being served on this slot.
func (s *Slot) InUse() bool { return s.inUse.Load() }

// DropClient forcibly ends whatever session is currently being served on
// this slot by closing the client connection Serve is blocked reading from.
// It's a no-op if the slot is idle.
func (s *Slot) DropClient() {
	if h := s.current.Load(); h != nil {
		h.conn.Close()
	}
}

func (s *Slot) pumpUDP(conn *net.UDPConn, opcode wire.Opcode) {
	buf := make([]byte, udpReadSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		s.writeFrame(wire.Frame{Opcode: opcode, DstIP: addr.IP, Payload: payload})
	}
}

// writeFrame delivers f to whichever client is currently being served,
// locking that client's write mutex so the write is atomic with respect to
// any other goroutine forwarding traffic to the same client. If no session
// is active the frame is silently dropped.
func (s *Slot) writeFrame(f wire.Frame) {
	h := s.current.Load()
	if h == nil {
		return
	}
	lock(h.mu)
	defer unlock(h.mu)
	_ = h.codec.Encode(h.conn, f)
}

// SlotPool tracks how many slots are currently eligible to accept a new
// client and notifies the registration collaborator whenever occupancy
// changes.
type SlotPool struct {
	slots  []*Slot
	usable atomic.Int64

	hook registration.Hook
}

// NewSlotPool builds a pool over slots, all initially unusable until Start
// is called.
func NewSlotPool(slots []*Slot, hook registration.Hook) *SlotPool {
	if hook == nil {
		hook = registration.NoOp{}
	}
	return &SlotPool{slots: slots, hook: hook}
}

// Slots returns the pool's slots in index order.
func (p *SlotPool) Slots() []*Slot { return p.slots }

// Start marks every slot usable. The registration collaborator itself is
// started/stopped by the Proxy lifecycle controller, which owns it.
func (p *SlotPool) Start() {
	p.usable.Store(int64(len(p.slots)))
}

// UsableClients returns the number of slots currently eligible to accept a
// new client.
func (p *SlotPool) UsableClients() int64 { return p.usable.Load() }

// Shutdown drops the usable slot count to zero, which causes the acceptor
// to stop handing out new slots, and reports the change to registration.
func (p *SlotPool) Shutdown() {
	p.usable.Store(0)
	p.UpdateRegistration()
}

// Reserve linearly scans the usable slots for one that's free and marks it
// in use. Linear search (rather than an O(1) freelist) is preserved
// intentionally: it tolerates slots that have been made temporarily
// unusable by a shrunk usable-clients count without needing separate
// bookkeeping for which indices are still eligible.
func (p *SlotPool) Reserve() *Slot {
	usable := int(p.usable.Load())
	for i := 0; i < usable && i < len(p.slots); i++ {
		if p.slots[i].inUse.CompareAndSwap(false, true) {
			p.UpdateRegistration()
			return p.slots[i]
		}
	}
	return nil
}

// Release marks slot free again and reports the new occupancy.
func (p *SlotPool) Release(slot *Slot) {
	slot.inUse.Store(false)
	p.UpdateRegistration()
}

// UpdateRegistration recomputes slots_used/slots_total and forwards them to
// the registration collaborator. Called after every transition that could
// change either value.
func (p *SlotPool) UpdateRegistration() {
	used := 0
	for _, s := range p.slots {
		if s.InUse() {
			used++
		}
	}
	p.hook.Update(used, int(p.usable.Load()))
}
