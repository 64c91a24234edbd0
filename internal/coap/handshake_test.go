package coap

import (
	"context"
	"net/netip"
	"testing"
	"time"
)

// fakeConn is an in-memory Conn double standing in for a UDP socket. It
// records sends and returns the next scripted response on each Read,
// mirroring the teacher's mock-conn testing style.
type fakeConn struct {
	local     netip.AddrPort
	responses [][]byte // each entry is one Read's worth of bytes; empty means simulate a timeout
	sent      int
	closed    bool
}

func (f *fakeConn) SetDeadline(time.Time) error { return nil }

func (f *fakeConn) WriteTo(b []byte) (int, error) {
	f.sent++
	return len(b), nil
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func (f *fakeConn) Read(b []byte) (int, error) {
	if f.sent == 0 || f.sent > len(f.responses) {
		return 0, timeoutErr{}
	}
	resp := f.responses[f.sent-1]
	if resp == nil {
		return 0, timeoutErr{}
	}
	return copy(b, resp), nil
}

func (f *fakeConn) LocalAddr() netip.AddrPort { return f.local }
func (f *fakeConn) Close() error              { f.closed = true; return nil }

type fakeDialer struct {
	conn *fakeConn
	err  error
}

func (d *fakeDialer) DialUDP(_ context.Context, local, _ netip.AddrPort) (Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.conn.local = local
	return d.conn, nil
}

func encodeContentResponse(t *testing.T, messageID uint16, payload []byte) []byte {
	t.Helper()
	msg := &Message{Type: TypeConfirmable, Code: CodeContent, MessageID: messageID, Payload: payload}
	buf := make([]byte, 64)
	n, err := Marshal(msg, buf)
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	return buf[:n]
}

func TestHandshakeSuccess(t *testing.T) {
	payload := append([]byte{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}, []byte("fern")...)
	conn := &fakeConn{responses: [][]byte{encodeContentResponse(t, 1213, payload)}}
	dialer := &fakeDialer{conn: conn}

	res, err := Handshake(context.Background(), dialer, netip.MustParseAddr("fd00::100"), 1213, netip.MustParseAddr("fd00::1"), 1212)
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if res.PlantName != "fern" {
		t.Fatalf("expected plant name 'fern', got %q", res.PlantName)
	}
	if !conn.closed {
		t.Fatalf("expected socket to be closed before Handshake returns")
	}
	if conn.sent != 1 {
		t.Fatalf("expected exactly one send for an immediate response, got %d", conn.sent)
	}
}

func TestHandshakeRetriesOnEmptyResponse(t *testing.T) {
	payload := append([]byte{0xBB, 0xBB, 0xBB, 0xBB, 0xBB, 0xBB}, []byte("oak")...)
	conn := &fakeConn{responses: [][]byte{
		encodeContentResponse(t, 1213, nil), // first response is empty, must retry
		encodeContentResponse(t, 1213, payload),
	}}
	dialer := &fakeDialer{conn: conn}

	res, err := Handshake(context.Background(), dialer, netip.MustParseAddr("fd00::100"), 1213, netip.MustParseAddr("fd00::1"), 1212)
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if res.PlantName != "oak" {
		t.Fatalf("expected plant name 'oak' after retry, got %q", res.PlantName)
	}
	if conn.sent < 2 {
		t.Fatalf("expected at least 2 sends after an empty first response, got %d", conn.sent)
	}
}

func TestHandshakeEUIAndNameBoundary(t *testing.T) {
	// Spec §8 property 7: payload length exactly 6 -> empty name.
	conn := &fakeConn{responses: [][]byte{encodeContentResponse(t, 1213, []byte{1, 2, 3, 4, 5, 6})}}
	dialer := &fakeDialer{conn: conn}

	res, err := Handshake(context.Background(), dialer, netip.MustParseAddr("fd00::100"), 1213, netip.MustParseAddr("fd00::1"), 1212)
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if res.EUI != ([6]byte{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("unexpected EUI: %x", res.EUI)
	}
	if res.PlantName != "" {
		t.Fatalf("expected empty plant name for 6-byte payload, got %q", res.PlantName)
	}
}

func TestHandshakeTruncatesLongName(t *testing.T) {
	longName := make([]byte, 30)
	for i := range longName {
		longName[i] = 'a'
	}
	payload := append([]byte{1, 2, 3, 4, 5, 6}, longName...)
	conn := &fakeConn{responses: [][]byte{encodeContentResponse(t, 1213, payload)}}
	dialer := &fakeDialer{conn: conn}

	res, err := Handshake(context.Background(), dialer, netip.MustParseAddr("fd00::100"), 1213, netip.MustParseAddr("fd00::1"), 1212)
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if len(res.PlantName) != maxPlantNameBytes {
		t.Fatalf("expected name truncated to %d bytes, got %d", maxPlantNameBytes, len(res.PlantName))
	}
}

func TestParseRegistrationPayloadTooShort(t *testing.T) {
	// The no-response path waits out the real 30s wall deadline and is not
	// exercised here; this covers the payload parser's rejection of a
	// response shorter than the 6-byte EUI.
	_, err := parseRegistrationPayload([]byte{1, 2, 3})
	if err == nil {
		t.Fatalf("expected error for payload shorter than EUI length")
	}
}
