package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
)

// maxDatagram bounds a single inbound message. Snapshot payloads are pruned
// on the send side to stay well under this.
const maxDatagram = 65507

// Handler receives one inbound datagram together with its sender address.
type Handler func(payload []byte, from *net.UDPAddr)

// UDP is the connectionless message channel between instances. Delivery is
// best effort: correctness comes from idempotent reconciliation and periodic
// full-sync repair, not from retransmission.
type UDP struct {
	conn   *net.UDPConn
	closed atomic.Bool
}

// Listen binds the well-known sync port. A bind failure is fatal to the sync
// subsystem, so it is returned rather than absorbed.
func Listen(port int) (*UDP, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("failed to bind sync port %d: %w", port, err)
	}
	return &UDP{conn: conn}, nil
}

// Send delivers one datagram to the given peer address.
func (u *UDP) Send(payload []byte, addr string, port int) error {
	ip := net.ParseIP(addr)
	if ip == nil {
		return fmt.Errorf("invalid peer address %q", addr)
	}
	return u.SendTo(payload, &net.UDPAddr{IP: ip, Port: port})
}

// SendTo delivers one datagram to a resolved address, used for replies.
func (u *UDP) SendTo(payload []byte, addr *net.UDPAddr) error {
	if _, err := u.conn.WriteToUDP(payload, addr); err != nil {
		return fmt.Errorf("failed to send to %s: %w", addr, err)
	}
	return nil
}

// Serve blocks reading datagrams and dispatches each one synchronously to
// handler. It returns when Close unblocks the read; a receive error after
// Close is a normal shutdown signal, not a fault.
func (u *UDP) Serve(handler Handler) {
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if u.closed.Load() || errors.Is(err, net.ErrClosed) {
				slog.Info("Sync listener stopped")
				return
			}
			slog.Error("Error receiving sync message", "error", err)
			return
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		handler(payload, from)
	}
}

// LocalPort returns the bound port.
func (u *UDP) LocalPort() int {
	return u.conn.LocalAddr().(*net.UDPAddr).Port
}

// Close shuts down the socket, unblocking Serve. Idempotent.
func (u *UDP) Close() error {
	if u.closed.Swap(true) {
		return nil
	}
	return u.conn.Close()
}
