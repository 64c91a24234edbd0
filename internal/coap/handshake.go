package coap

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"
	"unicode/utf8"
)

// Handshake timing, per spec §4.4 and §5.
const (
	retryInterval = 500 * time.Millisecond
	wallDeadline  = 30 * time.Second
)

// maxPlantNameBytes bounds the plant-name portion of a registration response
// (spec §6: "a UTF-8 plant name of up to 20 bytes").
const maxPlantNameBytes = 20

// euiLen is the fixed length of the EUI prefix on a registration response.
const euiLen = 6

// ErrNoResponse indicates the 30-second wall deadline elapsed with no
// non-empty response (spec §4.4: "On deadline, return 'no response'").
var ErrNoResponse = errors.New("coap: handshake deadline exceeded with no response")

// Conn is the minimal socket surface the handshake needs: a UDP socket
// bound to a local address and able to send to / receive from a fixed
// remote peer. Modeled on the teacher's PacketConn abstraction
// (internal/netio.PacketConn) to keep the handshake mockable in tests
// without a real network.
type Conn interface {
	SetDeadline(t time.Time) error
	WriteTo(b []byte) (int, error)
	Read(b []byte) (int, error)
	LocalAddr() netip.AddrPort
	Close() error
}

// Dialer creates a Conn bound to local and able to exchange datagrams with
// remote. Implementations must bind to local (the reserved port) exactly —
// the Node Session reuses that same address after the handshake completes.
type Dialer interface {
	DialUDP(ctx context.Context, local, remote netip.AddrPort) (Conn, error)
}

// Result is the successful outcome of a registration handshake (spec §4.4
// output): the node's EUI and plant name, decoded from the response
// payload. The bound socket address is reported by the caller from the Conn
// it created, since the Conn itself is closed before Handshake returns.
type Result struct {
	EUI       [6]byte
	PlantName string
}

// Handshake performs the CoAP-observe registration procedure (spec §4.4):
// construct a GET /soilmoisture with Token 0xFACEBEEF and Observe=Register,
// with the message-id field repurposed to carry reservedPort; bind to
// gatewayAddr:reservedPort, send to nodeAddr:1212, and retry every 500ms
// until a non-empty response arrives or the 30-second wall deadline expires.
//
// The socket is always closed before Handshake returns, successfully or
// not — spec §4.4: "the socket is closed before return; the Node Session
// re-binds it."
func Handshake(ctx context.Context, dialer Dialer, gatewayAddr netip.Addr, reservedPort uint16, nodeAddr netip.Addr, nodePort uint16) (Result, error) {
	local := netip.AddrPortFrom(gatewayAddr, reservedPort)
	remote := netip.AddrPortFrom(nodeAddr, nodePort)

	conn, err := dialer.DialUDP(ctx, local, remote)
	if err != nil {
		return Result{}, fmt.Errorf("coap handshake: bind %s: %w", local, err)
	}
	defer conn.Close()

	req := &Message{
		Type:      TypeConfirmable,
		Code:      CodeGET,
		MessageID: reservedPort,
		Token:     Token[:],
		Options: []Option{
			{Number: OptionObserve, Value: []byte{ObserveRegister}},
			{Number: OptionURIPath, Value: []byte(SoilMoisturePath)},
		},
	}

	buf := make([]byte, 64)
	n, err := Marshal(req, buf)
	if err != nil {
		return Result{}, fmt.Errorf("coap handshake: marshal request: %w", err)
	}
	reqBytes := buf[:n]

	deadline := time.Now().Add(wallDeadline)
	respBuf := make([]byte, 256)

	for {
		if time.Now().After(deadline) {
			return Result{}, ErrNoResponse
		}

		if _, err := conn.WriteTo(reqBytes); err != nil {
			return Result{}, fmt.Errorf("coap handshake: send to %s: %w", remote, err)
		}

		readDeadline := time.Now().Add(retryInterval)
		if readDeadline.After(deadline) {
			readDeadline = deadline
		}
		if err := conn.SetDeadline(readDeadline); err != nil {
			return Result{}, fmt.Errorf("coap handshake: set deadline: %w", err)
		}

		n, err := conn.Read(respBuf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return Result{}, fmt.Errorf("coap handshake: recv from %s: %w", remote, err)
		}
		if n == 0 {
			continue
		}

		resp, err := Unmarshal(respBuf[:n])
		if err != nil {
			return Result{}, fmt.Errorf("coap handshake: parse response: %w", err)
		}
		if len(resp.Payload) == 0 {
			continue
		}

		return parseRegistrationPayload(resp.Payload)
	}
}

// parseRegistrationPayload decodes a registration response payload: the
// first 6 bytes are the EUI, the remainder (truncated to 20 bytes on a
// UTF-8 code-point boundary) is the plant name (spec §6, §8 property 7, §9
// "Non-UTF-8 plant names").
func parseRegistrationPayload(payload []byte) (Result, error) {
	if len(payload) < euiLen {
		return Result{}, fmt.Errorf("coap handshake: payload length %d below EUI length %d", len(payload), euiLen)
	}

	var res Result
	copy(res.EUI[:], payload[:euiLen])

	nameBytes := payload[euiLen:]
	if len(nameBytes) > maxPlantNameBytes {
		nameBytes = nameBytes[:maxPlantNameBytes]
	}
	res.PlantName = truncateValidUTF8(nameBytes)

	return res, nil
}

// truncateValidUTF8 drops a trailing partial code point left by a byte-count
// truncation, rather than letting utf8.ValidString fail outright on it.
func truncateValidUTF8(b []byte) string {
	for len(b) > 0 && !utf8.Valid(b) {
		b = b[:len(b)-1]
	}
	return string(b)
}

// isTimeout reports whether err represents a deadline-exceeded socket
// operation, without importing net for a single type assertion at call
// sites.
func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	te, ok := err.(timeout)
	return ok && te.Timeout()
}
