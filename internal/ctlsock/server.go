package ctlsock

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nand-nor/plant-minder/internal/broker"
	"github.com/nand-nor/plant-minder/internal/meshtypes"
)

// trackerSubscriberID is the Broker subscriber id the Server itself
// registers under to maintain its session-snapshot cache, distinct from the
// per-connection ids OpMonitor clients get.
const trackerSubscriberID = "ctlsock-tracker"

// sinkBuf sizes the tracker's and each monitor connection's Broker sink
// channels.
const sinkBuf = 64

// Server answers plantminderctl requests over a Unix-domain socket,
// maintaining a session snapshot from Broker broadcasts and relaying live
// events for OpMonitor connections (spec §6 Broker client API).
type Server struct {
	path   string
	broker *broker.Broker
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*SessionView // keyed by ipv6 string

	monitorSeq atomic.Uint64
}

// NewServer constructs a Server that will listen on path once Run starts.
func NewServer(path string, brk *broker.Broker, logger *slog.Logger) *Server {
	return &Server{
		path:     path,
		broker:   brk,
		logger:   logger,
		sessions: make(map[string]*SessionView),
	}
}

// Run binds the control socket and serves connections until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	readings := make(chan broker.Reading, sinkBuf)
	status := make(chan meshtypes.NodeStatus, sinkBuf)
	if err := s.broker.Subscribe(ctx, broker.Subscriber{ID: trackerSubscriberID, Readings: readings, Status: status}); err != nil {
		return fmt.Errorf("ctlsock: subscribe tracker: %w", err)
	}
	defer func() {
		_ = s.broker.Unsubscribe(context.Background(), trackerSubscriberID)
	}()

	if err := os.RemoveAll(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ctlsock: remove stale socket %s: %w", s.path, err)
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("ctlsock: listen on %s: %w", s.path, err)
	}

	go s.acceptLoop(ctx, ln)

	for {
		select {
		case <-ctx.Done():
			_ = ln.Close()
			return nil
		case r := <-readings:
			s.trackReading(r)
		case st := <-status:
			s.trackStatus(st)
		}
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("ctlsock: accept failed", "error", err)
			return
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logger.Debug("ctlsock: read request failed", "error", err)
		return
	}

	switch req.Op {
	case OpSessionList:
		s.handleSessionList(conn)
	case OpSessionShow:
		s.handleSessionShow(conn, req.EUI)
	case OpMonitor:
		s.streamMonitor(ctx, conn)
	default:
		_ = WriteFrame(conn, Response{OK: false, Error: fmt.Sprintf("unknown op %q", req.Op)})
	}
}

func (s *Server) handleSessionList(conn net.Conn) {
	s.mu.Lock()
	sessions := make([]SessionView, 0, len(s.sessions))
	for _, sv := range s.sessions {
		sessions = append(sessions, *sv)
	}
	s.mu.Unlock()

	_ = WriteFrame(conn, Response{OK: true, Sessions: sessions})
}

func (s *Server) handleSessionShow(conn net.Conn, eui string) {
	s.mu.Lock()
	var found *SessionView
	for _, sv := range s.sessions {
		if sv.EUI == eui {
			cp := *sv
			found = &cp
			break
		}
	}
	s.mu.Unlock()

	if found == nil {
		_ = WriteFrame(conn, Response{OK: false, Error: fmt.Sprintf("no session with eui %q", eui)})
		return
	}
	_ = WriteFrame(conn, Response{OK: true, Session: found})
}

// streamMonitor registers a fresh Broker subscriber for the connection's
// lifetime and relays every reading/status as an Event frame until the
// client disconnects or ctx is cancelled.
func (s *Server) streamMonitor(ctx context.Context, conn net.Conn) {
	id := fmt.Sprintf("ctlsock-monitor-%d", s.monitorSeq.Add(1))

	readings := make(chan broker.Reading, sinkBuf)
	status := make(chan meshtypes.NodeStatus, sinkBuf)
	if err := s.broker.Subscribe(ctx, broker.Subscriber{ID: id, Readings: readings, Status: status}); err != nil {
		_ = WriteFrame(conn, Response{OK: false, Error: err.Error()})
		return
	}
	defer func() {
		_ = s.broker.Unsubscribe(context.Background(), id)
	}()

	// Detect client disconnect: a monitor connection never sends a second
	// request, so any read outcome (EOF, reset, or ctx-driven close) means
	// it's time to stop streaming.
	connClosed := make(chan struct{})
	go func() {
		defer close(connClosed)
		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-connClosed:
			return
		case r := <-readings:
			reading := r.Value
			ev := Event{Kind: EventKindReading, IPv6: r.SourceIPv6.String(), Reading: &reading}
			if err := WriteFrame(conn, Response{OK: true, Event: &ev}); err != nil {
				return
			}
		case st := <-status:
			stc := st
			ev := Event{Kind: EventKindStatus, IPv6: st.IPv6.String(), Status: &stc}
			if err := WriteFrame(conn, Response{OK: true, Event: &ev}); err != nil {
				return
			}
		}
	}
}

func (s *Server) trackReading(r broker.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := r.SourceIPv6.String()
	sv, ok := s.sessions[key]
	if !ok {
		sv = &SessionView{IPv6: key}
		s.sessions[key] = sv
	}
	reading := r.Value
	sv.LastReading = &reading
	sv.LastSeenUnix = time.Now().Unix()
	sv.Active = true
}

func (s *Server) trackStatus(st meshtypes.NodeStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := st.IPv6.String()
	sv, ok := s.sessions[key]
	if !ok {
		sv = &SessionView{IPv6: key}
		s.sessions[key] = sv
	}

	switch st.Kind {
	case meshtypes.StatusRegistration:
		sv.EUI = st.EUI.String()
		sv.PlantName = st.PlantName
		sv.Active = true
	case meshtypes.StatusTermination:
		sv.Active = false
	}
}
