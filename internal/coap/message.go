// Package coap implements the minimal subset of the Constrained Application
// Protocol (RFC 7252) and its Observe extension (RFC 7641) this system's
// registration handshake needs, plus the handshake procedure itself
// (spec §4.4, §6, §9).
//
// This is a deliberate, partial, non-conformant implementation: per spec §9
// ("Observer registration via the message-id field"), the CoAP Message ID
// field — normally a deduplication/retransmission handle — is repurposed to
// carry the UDP port the gateway wants readings delivered to. A conformant
// CoAP library would reject or silently discard this repurposing, so the
// codec is hand-rolled here rather than built on a general-purpose CoAP
// package; see DESIGN.md for the alternative considered and rejected.
package coap

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire constants, RFC 7252 Section 3.
const (
	// Version is the only CoAP version defined by RFC 7252.
	Version uint8 = 1

	// TypeConfirmable marks a message requiring acknowledgement.
	TypeConfirmable uint8 = 0

	// headerSize is the fixed 4-byte CoAP header (RFC 7252 Section 3).
	headerSize = 4

	// optionPayloadMarker (0xFF) separates options from the payload
	// (RFC 7252 Section 3.1).
	optionPayloadMarker = 0xFF
)

// Method/response codes used by this system (RFC 7252 Section 12.1.1/12.1.2).
const (
	CodeGET     uint8 = 0x01 // 0.01 GET
	CodeContent uint8 = 0x45 // 2.05 Content
)

// Option numbers used by this system (RFC 7252 Section 12.2, RFC 7641
// Section 2).
const (
	OptionObserve uint8 = 6  // RFC 7641 Section 2
	OptionURIPath uint8 = 11 // RFC 7252 Section 5.10.2
)

// ObserveRegister is the Observe option value that registers a new
// observation relationship (RFC 7641 Section 2).
const ObserveRegister uint8 = 0

// Token is the fixed 4-byte token this system uses on every registration
// request (spec §6: "Token: exactly 0xFA 0xCE 0xBE 0xEF").
var Token = [4]byte{0xFA, 0xCE, 0xBE, 0xEF}

// SoilMoisturePath is the URI path registered against (spec §6).
const SoilMoisturePath = "soilmoisture"

// Sentinel errors for the codec, in the teacher's style (wrapped with
// context via fmt.Errorf, matched with errors.Is).
var (
	// ErrBufTooSmall indicates the destination buffer cannot hold the
	// encoded message.
	ErrBufTooSmall = errors.New("coap: buffer too small")
	// ErrMessageTooShort indicates fewer bytes than the minimum header size
	// were supplied to Unmarshal.
	ErrMessageTooShort = errors.New("coap: message too short")
	// ErrUnsupportedVersion indicates the Ver field was not 1.
	ErrUnsupportedVersion = errors.New("coap: unsupported version")
	// ErrTruncatedToken indicates TKL claims more bytes than remain.
	ErrTruncatedToken = errors.New("coap: truncated token")
	// ErrTruncatedOption indicates an option header claims more bytes than
	// remain.
	ErrTruncatedOption = errors.New("coap: truncated option")
)

// Option is a decoded CoAP option: a number and its raw value bytes. This
// implementation supports only option numbers < 13 (single-nibble delta) and
// values shorter than 13 bytes (single-nibble length), which covers Observe
// and Uri-Path("soilmoisture") — the only two options this system ever
// sends or parses.
type Option struct {
	Number uint8
	Value  []byte
}

// Message is a decoded CoAP message carrying only the fields this system
// uses: the repurposed MessageID-as-port, Token, Options, and Payload.
type Message struct {
	Type      uint8
	Code      uint8
	MessageID uint16 // repurposed: carries a UDP port, not a dedup handle
	Token     []byte
	Options   []Option
	Payload   []byte
}

// Marshal encodes m into buf per RFC 7252 Section 3, returning the number of
// bytes written. Options must already be in ascending Number order (RFC 7252
// Section 3.1: "Options MUST appear in order of their Option Numbers").
func Marshal(m *Message, buf []byte) (int, error) {
	if len(m.Token) > 15 {
		return 0, fmt.Errorf("marshal coap message: token length %d exceeds TKL nibble: %w", len(m.Token), ErrBufTooSmall)
	}

	need := headerSize + len(m.Token)
	for _, opt := range m.Options {
		if opt.Number >= 13 || len(opt.Value) >= 13 {
			return 0, fmt.Errorf("marshal coap message: option %d value length %d exceeds simple encoding: %w", opt.Number, len(opt.Value), ErrBufTooSmall)
		}
		need += 1 + len(opt.Value)
	}
	if len(m.Payload) > 0 {
		need += 1 + len(m.Payload)
	}
	if len(buf) < need {
		return 0, fmt.Errorf("marshal coap message: need %d bytes, got %d: %w", need, len(buf), ErrBufTooSmall)
	}

	// Byte 0: Ver(2 bits) | Type(2 bits) | TKL(4 bits).
	buf[0] = (Version << 6) | (m.Type << 4) | uint8(len(m.Token))
	// Byte 1: Code.
	buf[1] = m.Code
	// Bytes 2-3: Message ID (big-endian), repurposed as the return port.
	binary.BigEndian.PutUint16(buf[2:4], m.MessageID)

	cur := headerSize
	cur += copy(buf[cur:], m.Token)

	var prevNumber uint8
	for _, opt := range m.Options {
		delta := opt.Number - prevNumber
		buf[cur] = (delta << 4) | uint8(len(opt.Value))
		cur++
		cur += copy(buf[cur:], opt.Value)
		prevNumber = opt.Number
	}

	if len(m.Payload) > 0 {
		buf[cur] = optionPayloadMarker
		cur++
		cur += copy(buf[cur:], m.Payload)
	}

	return cur, nil
}

// Unmarshal decodes a Message from buf. Only single-byte option headers
// (Number delta < 13, value length < 13) are understood; this is sufficient
// for every message this system sends or receives (see package doc).
func Unmarshal(buf []byte) (*Message, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("unmarshal coap message: %d bytes, minimum %d: %w", len(buf), headerSize, ErrMessageTooShort)
	}

	ver := buf[0] >> 6
	if ver != Version {
		return nil, fmt.Errorf("unmarshal coap message: version %d: %w", ver, ErrUnsupportedVersion)
	}

	m := &Message{
		Type:      (buf[0] >> 4) & 0x3,
		Code:      buf[1],
		MessageID: binary.BigEndian.Uint16(buf[2:4]),
	}

	tkl := int(buf[0] & 0x0F)
	cur := headerSize
	if cur+tkl > len(buf) {
		return nil, fmt.Errorf("unmarshal coap message: TKL %d exceeds remaining %d bytes: %w", tkl, len(buf)-cur, ErrTruncatedToken)
	}
	if tkl > 0 {
		m.Token = append([]byte(nil), buf[cur:cur+tkl]...)
		cur += tkl
	}

	var prevNumber uint8
	for cur < len(buf) {
		if buf[cur] == optionPayloadMarker {
			cur++
			break
		}

		delta := buf[cur] >> 4
		length := int(buf[cur] & 0x0F)
		cur++

		if cur+length > len(buf) {
			return nil, fmt.Errorf("unmarshal coap message: option value length %d exceeds remaining %d bytes: %w", length, len(buf)-cur, ErrTruncatedOption)
		}

		number := prevNumber + delta
		m.Options = append(m.Options, Option{Number: number, Value: append([]byte(nil), buf[cur:cur+length]...)})
		cur += length
		prevNumber = number
	}

	if cur < len(buf) {
		m.Payload = append([]byte(nil), buf[cur:]...)
	}

	return m, nil
}

// FindOption returns the first option with the given number, or nil if
// absent.
func (m *Message) FindOption(number uint8) *Option {
	for i := range m.Options {
		if m.Options[i].Number == number {
			return &m.Options[i]
		}
	}
	return nil
}
