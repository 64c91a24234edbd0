package firmware

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/ipv6"
)

// Conn is the socket surface the CoAP server loop needs: receive with
// source address, and send to an arbitrary destination (unlike
// internal/session's Conn, which only ever reads — the Node Runtime is the
// server side of the handshake and must reply to whichever gateway asks).
type Conn interface {
	ReadFromAddrPort(buf []byte) (n int, src netip.AddrPort, err error)
	WriteToAddrPort(buf []byte, dst netip.AddrPort) (int, error)
	Close() error
	LocalAddr() netip.AddrPort
}

// udpConn adapts a *net.UDPConn, wrapped in golang.org/x/net/ipv6 for
// control-message delivery, to the Conn interface — the same idiom
// internal/session uses, so that a reading's reported source address is
// always the one actually observed on the wire rather than the bind
// address.
type udpConn struct {
	udp *net.UDPConn
	pc  *ipv6.PacketConn
}

// NewConn binds a UDP socket to local (spec §4.8: "one pinned UDP socket on
// port 1212") and wraps it for IPv6 control-message delivery.
func NewConn(local netip.AddrPort) (Conn, error) {
	udp, err := net.ListenUDP("udp6", net.UDPAddrFromAddrPort(local))
	if err != nil {
		return nil, err
	}

	if err := applySocketOptions(udp); err != nil {
		_ = udp.Close()
		return nil, fmt.Errorf("firmware: configure coap socket: %w", err)
	}

	pc := ipv6.NewPacketConn(udp)
	if err := pc.SetControlMessage(ipv6.FlagSrc, true); err != nil {
		// Control-message delivery is best-effort metadata; ReadFrom still
		// reports the peer address without it, so this is not fatal.
		_ = err
	}

	return &udpConn{udp: udp, pc: pc}, nil
}

func (c *udpConn) ReadFromAddrPort(buf []byte) (int, netip.AddrPort, error) {
	n, _, src, err := c.pc.ReadFrom(buf)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	udpAddr, ok := src.(*net.UDPAddr)
	if !ok {
		return n, netip.AddrPort{}, fmt.Errorf("firmware: unexpected source address type %T", src)
	}
	return n, udpAddr.AddrPort(), nil
}

func (c *udpConn) WriteToAddrPort(buf []byte, dst netip.AddrPort) (int, error) {
	return c.udp.WriteToUDPAddrPort(buf, dst)
}

func (c *udpConn) Close() error { return c.udp.Close() }

func (c *udpConn) LocalAddr() netip.AddrPort {
	addr, _ := c.udp.LocalAddr().(*net.UDPAddr)
	if addr == nil {
		return netip.AddrPort{}
	}
	return addr.AddrPort()
}
