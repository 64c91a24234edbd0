// Package ctlsock implements the Broker client API's transport (spec §6:
// "subscribe(id, readings_sink, status_sink)", "unsubscribe(id)") as a
// length-prefixed JSON protocol over a Unix-domain socket.
//
// The teacher's client API for gobfd is a ConnectRPC service
// (pkg/bfdpb/.../bfdv1connect) generated from a .proto file. That is a
// network control-plane surface for an external gobfdctl process talking to
// a daemon that may not even be on the same host. Spec §6 describes
// something narrower: an in-process subscription interface for "local
// subscribers (e.g. a terminal dashboard)". Fabricating .pb.go stubs by
// hand to keep the ConnectRPC stack would mean authoring fake generated
// code, which is worse than just building the real, small, dependency-free
// transport the spec actually calls for (see DESIGN.md).
package ctlsock

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/nand-nor/plant-minder/internal/meshtypes"
)

// Control-socket operations (Request.Op).
const (
	OpSessionList = "session_list"
	OpSessionShow = "session_show"
	OpMonitor     = "monitor"
)

// Event kinds streamed by OpMonitor.
const (
	EventKindReading = "reading"
	EventKindStatus  = "status"
)

// maxFrameSize bounds a single frame's payload, guarding against a
// misbehaving peer claiming an enormous length prefix.
const maxFrameSize = 1 << 20 // 1 MiB

// ErrFrameTooLarge indicates a frame's declared length exceeds maxFrameSize.
var ErrFrameTooLarge = errors.New("ctlsock: frame exceeds maximum size")

// Request is one client-to-server control-socket request.
type Request struct {
	Op  string `json:"op"`
	EUI string `json:"eui,omitempty"`
}

// SessionView is a snapshot of one tracked node session, maintained by the
// Server from Broker broadcasts (spec §3's NodeStatus/Reading union,
// flattened into a query-friendly shape for session list/show).
type SessionView struct {
	EUI          string                   `json:"eui,omitempty"`
	IPv6         string                   `json:"ipv6"`
	PlantName    string                   `json:"plant_name,omitempty"`
	Active       bool                     `json:"active"`
	LastReading  *meshtypes.SensorReading `json:"last_reading,omitempty"`
	LastSeenUnix int64                    `json:"last_seen_unix,omitempty"`
}

// Event is one streamed frame of an OpMonitor response: either a reading or
// a status change, tagged by Kind.
type Event struct {
	Kind    string                   `json:"kind"`
	IPv6    string                   `json:"ipv6"`
	Reading *meshtypes.SensorReading `json:"reading,omitempty"`
	Status  *meshtypes.NodeStatus    `json:"status,omitempty"`
}

// Response is one server-to-client response. OpSessionList/OpSessionShow
// send exactly one Response before closing; OpMonitor sends one Response
// per Event for the life of the connection.
type Response struct {
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
	Sessions []SessionView `json:"sessions,omitempty"`
	Session  *SessionView  `json:"session,omitempty"`
	Event    *Event        `json:"event,omitempty"`
}

// WriteFrame encodes v as JSON and writes it to w behind a 4-byte
// big-endian length prefix.
func WriteFrame(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ctlsock: marshal frame: %w", err)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("ctlsock: write length prefix: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("ctlsock: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame from r into v.
func ReadFrame(r io.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return fmt.Errorf("ctlsock: frame length %d: %w", n, ErrFrameTooLarge)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("ctlsock: read frame body: %w", err)
	}

	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("ctlsock: unmarshal frame: %w", err)
	}
	return nil
}
