package coap

import (
	"bytes"
	"errors"
	"testing"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	msg := &Message{
		Type:      TypeConfirmable,
		Code:      CodeGET,
		MessageID: 1213,
		Token:     Token[:],
		Options: []Option{
			{Number: OptionObserve, Value: []byte{ObserveRegister}},
			{Number: OptionURIPath, Value: []byte(SoilMoisturePath)},
		},
	}

	buf := make([]byte, 64)
	n, err := Marshal(msg, buf)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	got, err := Unmarshal(buf[:n])
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if got.MessageID != 1213 {
		t.Fatalf("expected message-id/port 1213, got %d", got.MessageID)
	}
	if !bytes.Equal(got.Token, Token[:]) {
		t.Fatalf("token mismatch: %x", got.Token)
	}
	if obs := got.FindOption(OptionObserve); obs == nil || obs.Value[0] != ObserveRegister {
		t.Fatalf("expected Observe=Register option, got %+v", obs)
	}
	if uri := got.FindOption(OptionURIPath); uri == nil || string(uri.Value) != SoilMoisturePath {
		t.Fatalf("expected Uri-Path=%q, got %+v", SoilMoisturePath, uri)
	}
}

func TestMarshalUnmarshalWithPayload(t *testing.T) {
	payload := append([]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}, []byte("fern")...)
	msg := &Message{
		Type:      TypeConfirmable,
		Code:      CodeContent,
		MessageID: 1213,
		Payload:   payload,
	}

	buf := make([]byte, 64)
	n, err := Marshal(msg, buf)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	got, err := Unmarshal(buf[:n])
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatalf("payload mismatch: %x", got.Payload)
	}
}

func TestUnmarshalTooShort(t *testing.T) {
	_, err := Unmarshal([]byte{0x40, 0x01})
	if !errors.Is(err, ErrMessageTooShort) {
		t.Fatalf("expected ErrMessageTooShort, got %v", err)
	}
}

func TestUnmarshalWrongVersion(t *testing.T) {
	buf := []byte{0x00, 0x01, 0x00, 0x00}
	_, err := Unmarshal(buf)
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestUnmarshalTruncatedToken(t *testing.T) {
	buf := []byte{0x44, 0x01, 0x00, 0x00, 0xAA} // TKL=4, only 1 byte of token present
	_, err := Unmarshal(buf)
	if !errors.Is(err, ErrTruncatedToken) {
		t.Fatalf("expected ErrTruncatedToken, got %v", err)
	}
}

func TestMarshalBufTooSmall(t *testing.T) {
	msg := &Message{Token: Token[:]}
	buf := make([]byte, 2)
	_, err := Marshal(msg, buf)
	if !errors.Is(err, ErrBufTooSmall) {
		t.Fatalf("expected ErrBufTooSmall, got %v", err)
	}
}
