package coap

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"
)

// UDPDialer is the production coap.Dialer: it binds a real UDP socket to
// local and connects it to remote, so WriteTo/Read address only the node's
// registration port (spec §4.4: "Bind a UDP socket to [gateway_addr]:
// reserved_port, send the packet to [node_ipv6]:1212").
type UDPDialer struct{}

// NewUDPDialer returns the production Dialer used by internal/router.
func NewUDPDialer() UDPDialer { return UDPDialer{} }

// DialUDP implements Dialer.
func (UDPDialer) DialUDP(_ context.Context, local, remote netip.AddrPort) (Conn, error) {
	conn, err := net.DialUDP("udp6",
		net.UDPAddrFromAddrPort(local),
		net.UDPAddrFromAddrPort(remote),
	)
	if err != nil {
		return nil, fmt.Errorf("coap: dial udp %s -> %s: %w", local, remote, err)
	}
	return udpConn{conn}, nil
}

// udpConn adapts a *net.UDPConn (already net.Dial'd to a single remote peer)
// to the handshake's minimal Conn surface.
type udpConn struct {
	*net.UDPConn
}

func (c udpConn) SetDeadline(t time.Time) error { return c.UDPConn.SetDeadline(t) }

func (c udpConn) WriteTo(b []byte) (int, error) { return c.UDPConn.Write(b) }

func (c udpConn) Read(b []byte) (int, error) { return c.UDPConn.Read(b) }

func (c udpConn) LocalAddr() netip.AddrPort {
	addr, _ := c.UDPConn.LocalAddr().(*net.UDPAddr)
	if addr == nil {
		return netip.AddrPort{}
	}
	return addr.AddrPort()
}

func (c udpConn) Close() error { return c.UDPConn.Close() }
