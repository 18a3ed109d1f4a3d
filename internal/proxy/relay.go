package proxy

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/openrelay/elproxy/internal/wire"
)

// Serve drives one client session on the slot: it reads frames from client
// until the connection closes or a protocol violation occurs, routing them
// per the opcode table, and forwarding traffic arriving on the slot's peer
// sockets back to client. It returns once the session has ended and the
// slot has been fully cleaned up (peer_tcp closed, no more frames will be
// written to client).
func (s *Slot) Serve(client net.Conn, codec *wire.Codec, callsign string) error {
	handle := &clientHandle{conn: client, mu: newMutex(), codec: codec}
	s.current.Store(handle)

	defer func() {
		s.current.Store(nil)

		lock(s.peerMu)
		if s.peerTCP != nil {
			s.peerTCP.Close()
			s.peerTCP = nil
		}
		s.peerAddr = nil
		unlock(s.peerMu)

		if s.logger != nil {
			s.logger.WithFields(logrus.Fields{"slot": s.Index, "callsign": callsign}).Debug("session ended")
		}
	}()

	for {
		f, err := codec.Decode(client)
		if err != nil {
			return err
		}

		switch f.Opcode {
		case wire.TCPOpen:
			s.handleTCPOpen(handle, f.DstIP)
		case wire.TCPData:
			s.handleTCPData(handle, f.Payload)
		case wire.TCPClose:
			s.handleTCPClose()
		case wire.UDPData:
			s.sendUDP(s.udpData, f.DstIP, PeerUDPData, f.Payload)
		case wire.UDPCtrl:
			s.sendUDP(s.udpCtrl, f.DstIP, PeerUDPCtrl, f.Payload)
		default:
			return fmt.Errorf("proxy: slot %d: unexpected opcode %v from client", s.Index, f.Opcode)
		}
	}
}

func (s *Slot) handleTCPOpen(handle *clientHandle, dstIP net.IP) {
	lock(s.peerMu)
	old := s.peerTCP
	s.peerTCP = nil
	unlock(s.peerMu)
	if old != nil {
		old.Close()
	}

	localAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(s.SourceAddr, "0"))
	if err != nil {
		s.writeToHandle(handle, wire.Frame{Opcode: wire.TCPStatus, Payload: wire.EncodeTCPStatus(1)})
		return
	}
	remoteAddr := &net.TCPAddr{IP: dstIP, Port: PeerTCPPort}

	conn, err := net.DialTCP("tcp", localAddr, remoteAddr)
	if err != nil {
		s.writeToHandle(handle, wire.Frame{Opcode: wire.TCPStatus, Payload: wire.EncodeTCPStatus(1)})
		return
	}

	lock(s.peerMu)
	s.peerTCP = conn
	s.peerAddr = dstIP
	unlock(s.peerMu)

	go s.pumpPeerTCP(conn)

	s.writeToHandle(handle, wire.Frame{Opcode: wire.TCPStatus, Payload: wire.EncodeTCPStatus(0)})
}

func (s *Slot) handleTCPData(handle *clientHandle, payload []byte) {
	lock(s.peerMu)
	conn := s.peerTCP
	unlock(s.peerMu)

	if conn == nil {
		s.writeToHandle(handle, wire.Frame{Opcode: wire.TCPClose})
		return
	}
	if _, err := conn.Write(payload); err != nil {
		s.closePeerTCP(conn)
		s.writeToHandle(handle, wire.Frame{Opcode: wire.TCPClose})
	}
}

func (s *Slot) handleTCPClose() {
	lock(s.peerMu)
	old := s.peerTCP
	s.peerTCP = nil
	unlock(s.peerMu)
	if old != nil {
		old.Close()
	}
}

// closePeerTCP retires conn if it's still the slot's active peer connection,
// reporting whether it was. A caller that already replaced or cleared
// s.peerTCP itself (handleTCPOpen, handleTCPClose) sees false here, which
// tells pumpPeerTCP its close was superseded rather than a fresh failure.
func (s *Slot) closePeerTCP(conn net.Conn) bool {
	lock(s.peerMu)
	wasActive := s.peerTCP == conn
	if wasActive {
		s.peerTCP = nil
	}
	unlock(s.peerMu)
	conn.Close()
	return wasActive
}

// pumpPeerTCP forwards bytes arriving on the peer TCP connection to
// whichever client is currently being served, until the connection errors
// or is closed by the main serve loop (TCP_CLOSE, a new TCP_OPEN, or
// session end). That closure is what unblocks this goroutine's Read. It
// only reports TCP_CLOSE to the client when the connection was still the
// active one at the time of the error; a close that was already superseded
// by a new TCP_OPEN or an explicit TCP_CLOSE has nothing left to report.
func (s *Slot) pumpPeerTCP(conn net.Conn) {
	buf := make([]byte, tcpReadSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			s.writeFrame(wire.Frame{Opcode: wire.TCPData, DstIP: s.currentPeerAddr(), Payload: payload})
		}
		if err != nil {
			if s.closePeerTCP(conn) {
				s.writeFrame(wire.Frame{Opcode: wire.TCPClose})
			}
			return
		}
	}
}

func (s *Slot) currentPeerAddr() net.IP {
	lock(s.peerMu)
	defer unlock(s.peerMu)
	return s.peerAddr
}

func (s *Slot) sendUDP(conn *net.UDPConn, dstIP net.IP, port int, payload []byte) {
	if conn == nil || dstIP == nil {
		return
	}
	_, _ = conn.WriteToUDP(payload, &net.UDPAddr{IP: dstIP, Port: port})
}

func (s *Slot) writeToHandle(handle *clientHandle, f wire.Frame) {
	lock(handle.mu)
	defer unlock(handle.mu)
	_ = handle.codec.Encode(handle.conn, f)
}
