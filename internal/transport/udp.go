// Package transport implements the datagram socket shim (§4.9, C9): the
// thinnest possible layer over the OS primitive, so everything above it
// (wire codec, session engines) only ever sees bytes-in/bytes-out plus a
// peer address.
package transport

import (
	"fmt"
	"net"
	"time"
)

// MinBufferSize is the minimum send/receive socket buffer size this
// adapter requests (§4.9: "large send/receive buffers (≥ 2 MiB)").
const MinBufferSize = 2 * 1024 * 1024

// Socket is a bound UDP datagram endpoint. A Socket is safe for one
// concurrent reader and one concurrent writer (§5: "single-writer-single-
// reader socket"); concurrent calls to Send from multiple goroutines or
// Recv from multiple goroutines are not supported.
type Socket struct {
	conn *net.UDPConn
}

// Bind opens a UDP socket on the given port (0 picks an ephemeral port)
// and enlarges its send/receive buffers. RGT's exposure/pull model has no
// use for a raw IP socket — unlike a hand-rolled framing protocol, it
// doesn't need to manage IP-level fragmentation itself — so this shim
// only ever offers the UDP path; §4.9's raw-socket/UDP-fallback language
// collapses to "always UDP" here.
func Bind(bindAddress string, port int) (*Socket, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(bindAddress), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: bind failed: %w", err)
	}

	if err := conn.SetReadBuffer(MinBufferSize); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: set read buffer: %w", err)
	}
	if err := conn.SetWriteBuffer(MinBufferSize); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: set write buffer: %w", err)
	}

	return &Socket{conn: conn}, nil
}

// LocalAddr returns the socket's bound local address.
func (s *Socket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// SendTo writes one datagram to peer. RGT frames one packet per datagram
// (§4.2), so this is always exactly one Write call — no buffering, no
// coalescing.
func (s *Socket) SendTo(peer *net.UDPAddr, data []byte) error {
	n, err := s.conn.WriteToUDP(data, peer)
	if err != nil {
		return fmt.Errorf("transport: send_to %s failed: %w", peer, err)
	}
	if n != len(data) {
		return fmt.Errorf("transport: short write to %s: wrote %d of %d bytes", peer, n, len(data))
	}
	return nil
}

// Recv blocks until a datagram arrives, timeout elapses, or the socket is
// closed, returning the datagram's bytes (copied into a buffer sized by
// buf) and the sender's address. A timeout of 0 blocks indefinitely.
func (s *Socket) Recv(buf []byte, timeout time.Duration) (data []byte, peer *net.UDPAddr, err error) {
	if timeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, nil, fmt.Errorf("transport: set read deadline: %w", err)
		}
	} else {
		if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
			return nil, nil, fmt.Errorf("transport: clear read deadline: %w", err)
		}
	}

	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, err
	}
	return buf[:n], addr, nil
}

// Close releases the underlying socket, unblocking any in-flight Recv.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// IsTimeout reports whether err is a Recv deadline expiry, so callers can
// distinguish a routine poll timeout (errs.KindTimeout, keep running)
// from a fatal socket failure (errs.KindTransportError).
func IsTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
