// Package session implements the Node Session (spec §4.5): a per-node task
// that owns a UDP socket bound to a reserved port, decodes incoming sensor
// payloads, enforces a silence timeout, and emits a finite stream of
// meshtypes.NodeEvent values.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/ipv6"

	"github.com/nand-nor/plant-minder/internal/meshtypes"
)

// SilenceTimeout is the default detection timeout (spec §4.5, §5): 100
// seconds of no receive terminates the session with NodeTimeout.
const SilenceTimeout = 100 * time.Second

// recvBufSize is generous headroom over the largest realistic SensorReading
// JSON encoding.
const recvBufSize = 512

// recvChSize bounds the reader goroutine's lookahead, mirroring the
// teacher's Session.recvCh sizing rationale: large enough to never
// back-pressure a live socket under normal operation, small enough to bound
// memory if the consumer stalls.
const recvChSize = 16

// Conn is the socket surface a Session needs. Production sessions bind a
// real net.UDPConn wrapped for IPv6 control-message delivery (see NewConn);
// tests substitute an in-memory double.
type Conn interface {
	ReadFromAddrPort(buf []byte) (n int, src netip.AddrPort, err error)
	Close() error
	LocalAddr() netip.AddrPort
}

// ipv6Conn adapts a *net.UDPConn, wrapped in golang.org/x/net/ipv6 to
// request control-message delivery, to the Conn interface. Wrapping with
// ipv6.PacketConn keeps the source address reporting explicit and mirrors
// the teacher's netio.PacketMeta approach to recovering transport metadata
// the stdlib UDPConn would otherwise leave implicit.
type ipv6Conn struct {
	udp *net.UDPConn
	pc  *ipv6.PacketConn
}

// NewConn binds a UDP socket to local and wraps it for IPv6 control-message
// delivery.
func NewConn(local netip.AddrPort) (Conn, error) {
	udp, err := net.ListenUDP("udp6", net.UDPAddrFromAddrPort(local))
	if err != nil {
		return nil, err
	}

	pc := ipv6.NewPacketConn(udp)
	if err := pc.SetControlMessage(ipv6.FlagSrc, true); err != nil {
		// Control-message delivery is best-effort metadata; ReadFrom still
		// reports the peer address without it, so this is not fatal.
		_ = err
	}

	return &ipv6Conn{udp: udp, pc: pc}, nil
}

func (c *ipv6Conn) ReadFromAddrPort(buf []byte) (int, netip.AddrPort, error) {
	n, _, src, err := c.pc.ReadFrom(buf)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	udpAddr, ok := src.(*net.UDPAddr)
	if !ok {
		return n, netip.AddrPort{}, fmt.Errorf("session: unexpected source address type %T", src)
	}
	return n, udpAddr.AddrPort(), nil
}

func (c *ipv6Conn) Close() error { return c.udp.Close() }

func (c *ipv6Conn) LocalAddr() netip.AddrPort {
	addr, _ := c.udp.LocalAddr().(*net.UDPAddr)
	if addr == nil {
		return netip.AddrPort{}
	}
	return addr.AddrPort()
}

// recvItem is what the reader goroutine hands to the session's run loop.
type recvItem struct {
	payload []byte
	src     netip.Addr
	err     error
}

// Session is one Node Session: bound to a single reserved port, for the
// lifetime of one registered NodeIdentity.
type Session struct {
	conn           Conn
	silenceTimeout time.Duration
	events         chan<- meshtypes.NodeEvent
	logger         *slog.Logger

	sourceAddr netip.Addr // initial value is the bind address, per spec §4.5
	recvCh     chan recvItem
}

// New constructs a Session around an already-bound Conn. The bind address is
// the initial source_addr, replaced with the first real IPv6 source
// observed (spec §4.5).
func New(conn Conn, silenceTimeout time.Duration, events chan<- meshtypes.NodeEvent, logger *slog.Logger) *Session {
	if silenceTimeout <= 0 {
		silenceTimeout = SilenceTimeout
	}
	return &Session{
		conn:           conn,
		silenceTimeout: silenceTimeout,
		events:         events,
		logger:         logger,
		sourceAddr:     conn.LocalAddr().Addr(),
		recvCh:         make(chan recvItem, recvChSize),
	}
}

// Run drives the session's state machine (spec §4.5) until the socket
// closes, the silence timeout fires, or ctx is cancelled. Cancellation via
// ctx terminates the session silently, without emitting a status event
// (spec §4.5: "If the downstream event sink is closed, the session
// terminates silently").
func (s *Session) Run(ctx context.Context) {
	readerDone := make(chan struct{})
	go s.readLoop(readerDone)

	timer := time.NewTimer(s.silenceTimeout)
	defer timer.Stop()

	defer func() {
		_ = s.conn.Close()
		<-readerDone
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-timer.C:
			s.emit(meshtypes.NodeEvent{Kind: meshtypes.NodeEventTimeout, SourceIPv6: s.sourceAddr})
			return

		case item, ok := <-s.recvCh:
			if !ok {
				return
			}
			if item.err != nil {
				s.emit(meshtypes.NodeEvent{Kind: meshtypes.NodeEventSocketError, SourceIPv6: s.sourceAddr})
				return
			}

			// Spec §4.5: the silence timer resets on every successful
			// receive, including parse failures — the socket is live.
			resetTimer(timer, s.silenceTimeout)

			if !item.src.Is6() || item.src.Is4In6() {
				// "recv ok, non-v6 source": loop back to Bound without
				// updating source_addr or attempting a parse.
				continue
			}
			s.sourceAddr = item.src

			var reading meshtypes.SensorReading
			if err := json.Unmarshal(item.payload, &reading); err != nil {
				s.logger.Debug("dropping malformed sensor reading", "source", item.src, "error", err)
				continue
			}

			reading.Timestamp = time.Now().Unix()
			s.emit(meshtypes.NodeEvent{
				Kind:       meshtypes.NodeEventSensorReading,
				Reading:    reading,
				SourceIPv6: item.src,
			})
		}
	}
}

// readLoop blocks on the socket and forwards each datagram (or terminal
// error) to recvCh, closing readerDone when the socket is no longer
// readable. It never touches session state directly — mutation is confined
// to Run's select loop, matching the teacher's single-owner-goroutine rule
// for the BFD manager's registries.
func (s *Session) readLoop(done chan<- struct{}) {
	defer close(done)
	defer close(s.recvCh)

	buf := make([]byte, recvBufSize)
	for {
		n, src, err := s.conn.ReadFromAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.recvCh <- recvItem{err: err}
			return
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		s.recvCh <- recvItem{payload: payload, src: src.Addr()}
	}
}

// emit sends ev on the events channel, best-effort: with a nil channel the
// event is skipped, and with a full one it is logged and dropped rather than
// blocking the session indefinitely.
func (s *Session) emit(ev meshtypes.NodeEvent) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("dropping node event: downstream full", "kind", ev.Kind)
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// SetupError emits a NodeEventSetupError and is used by callers that fail to
// bind the session's socket before Run is ever started (spec §4.5: "bind
// err -> emit SetupError; terminate").
func SetupError(events chan<- meshtypes.NodeEvent) {
	if events == nil {
		return
	}
	select {
	case events <- meshtypes.NodeEvent{Kind: meshtypes.NodeEventSetupError}:
	default:
	}
}
