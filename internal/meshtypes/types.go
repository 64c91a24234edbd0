// Package meshtypes defines the data model shared by every gateway component:
// node identity, sensor readings, and the event/status unions that flow
// between a Node Session, the Event Router, and the Broker.
package meshtypes

import (
	"encoding/hex"
	"fmt"
	"net/netip"
)

// EUI is a 6-byte Extended Unique Identifier, stable across node resets.
// It is the primary key for a plant record.
type EUI [6]byte

// String renders the EUI as colon-separated hex, e.g. "aa:bb:cc:dd:ee:ff".
func (e EUI) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", e[0], e[1], e[2], e[3], e[4], e[5])
}

// ParseEUI decodes a 6-byte slice into an EUI. Returns an error if b is not
// exactly 6 bytes.
func ParseEUI(b []byte) (EUI, error) {
	var e EUI
	if len(b) != len(e) {
		return e, fmt.Errorf("parse EUI: need %d bytes, got %d", len(e), len(b))
	}
	copy(e[:], b)
	return e, nil
}

// HexEUI renders the EUI as a bare hex string with no separators, useful for
// log correlation and CLI output.
func (e EUI) HexEUI() string {
	return hex.EncodeToString(e[:])
}

// RLOC is a 16-bit Thread Routing Locator. It changes across mesh attachments.
type RLOC uint16

// String renders the RLOC as 4-digit hex, matching Thread CLI conventions
// (e.g. "0xc001" is printed by ot-ctl as "c001").
func (r RLOC) String() string {
	return fmt.Sprintf("0x%04x", uint16(r))
}

// ChildLocator is a single entry reported by the Mesh Client: a mesh child's
// routing locator paired with its on-mesh IPv6 address.
type ChildLocator struct {
	RLOC RLOC
	IPv6 netip.Addr
}

// Key returns the (rloc, ipv6) tuple the Mesh Monitor uses for identity
// comparisons (spec §3: NodeIdentity invariants; §4.3 tie-breaks).
func (c ChildLocator) Key() ChildKey {
	return ChildKey{RLOC: c.RLOC, IPv6: c.IPv6}
}

// ChildKey is the (rloc, ipv6) comparison key used to detect new/lost/rebound
// children.
type ChildKey struct {
	RLOC RLOC
	IPv6 netip.Addr
}

// NodeIdentity is created on a successful CoAP-observe handshake and is
// keyed by ReservedPort inside the Mesh Monitor. A port is reserved 1:1 for
// the lifetime of a registration and returned to the pool on eviction.
type NodeIdentity struct {
	EUI          EUI
	IPv6         netip.Addr
	RLOC         RLOC
	ReservedPort uint16
	PlantName    string
}

// Key returns the (rloc, ipv6) identity comparison key.
func (n NodeIdentity) Key() ChildKey {
	return ChildKey{RLOC: n.RLOC, IPv6: n.IPv6}
}

// SoilReading is the mandatory sensor group of a SensorReading.
type SoilReading struct {
	Moisture uint16  `json:"moisture"`
	Temp     float32 `json:"temp"`
}

// LightReading is present only when the originating node has a light sensor.
type LightReading struct {
	Lux          float32 `json:"lux"`
	FullSpectrum uint16  `json:"full_spectrum"`
}

// GasReading is present only when the originating node has a gas sensor.
type GasReading struct {
	Temp          float32 `json:"temp"`
	Pressure      float32 `json:"pressure"`
	Humidity      float32 `json:"humidity"`
	GasResistance uint32  `json:"gas_resistance"`
}

// SensorReading is the wire schema (§3) sent JSON-encoded from a node to its
// observer. Soil is mandatory; Light and Gas are present only when the
// originating node carries those sensors. Timestamp is set by the gateway on
// receive, never trusted from the node (nodes send zero).
type SensorReading struct {
	Soil      SoilReading   `json:"soil"`
	Light     *LightReading `json:"light,omitempty"`
	Gas       *GasReading   `json:"gas,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// NodeEventKind discriminates the NodeEvent tagged union (§3).
type NodeEventKind uint8

const (
	// NodeEventSensorReading carries a decoded SensorReading plus the
	// observed source address.
	NodeEventSensorReading NodeEventKind = iota
	// NodeEventSocketError indicates a UDP socket I/O failure.
	NodeEventSocketError
	// NodeEventTimeout indicates the silence timeout elapsed with no receive.
	NodeEventTimeout
	// NodeEventSetupError indicates the session could not bind its socket.
	NodeEventSetupError
)

// String returns a human-readable label for the event kind.
func (k NodeEventKind) String() string {
	switch k {
	case NodeEventSensorReading:
		return "SensorReading"
	case NodeEventSocketError:
		return "SocketError"
	case NodeEventTimeout:
		return "NodeTimeout"
	case NodeEventSetupError:
		return "SetupError"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// NodeEvent is produced by a Node Session and consumed by the Broker. It is
// a finite stream: the stream terminates on any non-reading variant.
type NodeEvent struct {
	Kind       NodeEventKind
	Reading    SensorReading // valid iff Kind == NodeEventSensorReading
	SourceIPv6 netip.Addr    // valid for SensorReading, SocketError, NodeTimeout
}

// TerminationReason classifies why a Node Session ended, for NodeStatus.
type TerminationReason uint8

const (
	// ReasonTimeout corresponds to NodeEventTimeout.
	ReasonTimeout TerminationReason = iota
	// ReasonSocketError corresponds to NodeEventSocketError.
	ReasonSocketError
	// ReasonSetupError corresponds to NodeEventSetupError.
	ReasonSetupError
	// ReasonOther covers any other termination path (e.g. explicit eviction).
	ReasonOther
)

// String returns a human-readable label for the termination reason.
func (r TerminationReason) String() string {
	switch r {
	case ReasonTimeout:
		return "Timeout"
	case ReasonSocketError:
		return "SocketError"
	case ReasonSetupError:
		return "SetupError"
	case ReasonOther:
		return "Other"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(r))
	}
}

// NodeStatusKind discriminates the NodeStatus tagged union (§3).
type NodeStatusKind uint8

const (
	// StatusRegistration is broadcast when the Event Router registers a node.
	StatusRegistration NodeStatusKind = iota
	// StatusTermination is broadcast when a Node Session ends.
	StatusTermination
)

// NodeStatus is broadcast from the Broker to every subscriber's status sink.
type NodeStatus struct {
	Kind      NodeStatusKind
	EUI       EUI    // valid iff Kind == StatusRegistration
	PlantName string // valid iff Kind == StatusRegistration
	IPv6      netip.Addr
	Reason    TerminationReason // valid iff Kind == StatusTermination
}

// Registration returns a StatusRegistration NodeStatus for the given identity.
func Registration(eui EUI, ipv6 netip.Addr, plantName string) NodeStatus {
	return NodeStatus{Kind: StatusRegistration, EUI: eui, PlantName: plantName, IPv6: ipv6}
}

// Termination returns a StatusTermination NodeStatus for the given address
// and reason.
func Termination(ipv6 netip.Addr, reason TerminationReason) NodeStatus {
	return NodeStatus{Kind: StatusTermination, IPv6: ipv6, Reason: reason}
}
