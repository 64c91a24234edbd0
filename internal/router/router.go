// Package router implements the Event Router (spec §4.6): the poll loop
// that drives the Mesh Monitor, performs the CoAP-observe handshake for each
// newly discovered node, spawns a Node Session, and forwards the session's
// event stream and a Registration tuple to the Broker.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/nand-nor/plant-minder/internal/broker"
	"github.com/nand-nor/plant-minder/internal/coap"
	"github.com/nand-nor/plant-minder/internal/meshmon"
	"github.com/nand-nor/plant-minder/internal/meshtypes"
	"github.com/nand-nor/plant-minder/internal/portpool"
	"github.com/nand-nor/plant-minder/internal/session"
)

// DefaultPollInterval is the poll-loop period (spec §4.6, §6: default 15s).
const DefaultPollInterval = 15 * time.Second

// nodePort is the fixed UDP port the node runtime's CoAP server listens on
// (spec §4.8).
const nodePort = 1212

// sessionEventBuf sizes each spawned session's event channel. The spec
// models this as an unbounded SPSC queue; a generous buffer plus the
// session's own non-blocking send-or-drop policy (internal/session) stands
// in for "unbounded" without an actually-unbounded backing store.
const sessionEventBuf = 32

// SpawnSession starts one Node Session bound to local and returns the
// channel its events are delivered on. Production code binds a real socket
// (session.NewConn); tests substitute a fake one.
type SpawnSession func(ctx context.Context, local netip.AddrPort) (<-chan meshtypes.NodeEvent, error)

// Router owns the Mesh Monitor and drives the registration poll loop.
type Router struct {
	monitor      *meshmon.Monitor
	dialer       coap.Dialer
	spawn        SpawnSession
	broker       broker.RouterSink
	pollInterval time.Duration
	logger       *slog.Logger

	onHandshakeFailure func() // optional metrics hook
	onSessionStarted   func() // optional metrics hook
}

// OnHandshakeFailure installs a callback invoked once per failed CoAP-observe
// handshake. Used by the metrics package to keep a counter live without the
// Router importing prometheus directly.
func (r *Router) OnHandshakeFailure(fn func()) {
	r.onHandshakeFailure = fn
}

// OnSessionStarted installs a callback invoked once per successfully spawned
// Node Session.
func (r *Router) OnSessionStarted(fn func()) {
	r.onSessionStarted = fn
}

// New constructs a Router. dialer performs the CoAP handshake transport;
// spawn starts a Node Session for a newly registered node; sink is the
// Broker's router-facing input.
func New(monitor *meshmon.Monitor, dialer coap.Dialer, spawn SpawnSession, sink broker.RouterSink, pollInterval time.Duration, logger *slog.Logger) *Router {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Router{
		monitor:      monitor,
		dialer:       dialer,
		spawn:        spawn,
		broker:       sink,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Run executes the poll loop (spec §4.6) until ctx is cancelled. This is
// the sole mutator of the Mesh Monitor's registry; all updates are
// therefore serialized by construction.
func (r *Router) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	if err := r.poll(ctx); err != nil {
		r.logger.Warn("initial poll failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.poll(ctx); err != nil {
				r.logger.Warn("poll failed", "error", err)
			}
		}
	}
}

// poll runs one iteration of the four-step loop in spec §4.6.
func (r *Router) poll(ctx context.Context) error {
	if err := r.monitor.RefreshGateway(ctx); err != nil {
		r.logger.Warn("mesh transport: refresh gateway failed, retrying next poll", "error", err)
	}

	fresh, err := r.monitor.NewChildren(ctx)
	if err != nil {
		r.logger.Warn("mesh transport: enumerate children failed, retrying next poll", "error", err)
	}
	for _, child := range fresh {
		r.registerChild(ctx, child)
	}

	// lost_children is advisory-only logging (spec §4.6 step 3, §9 open
	// question): sessions self-terminate on silence timeout, which is the
	// authoritative eviction signal.
	lost, err := r.monitor.LostChildren(ctx)
	if err != nil {
		r.logger.Warn("mesh transport: check lost children failed", "error", err)
	}
	for _, id := range lost {
		r.logger.Info("mesh client reports child no longer reachable", "eui", id.EUI, "ipv6", id.IPv6, "reserved_port", id.ReservedPort)
	}

	return nil
}

// registerChild reserves a port, performs the handshake, and on success
// registers the node, spawns its session, and notifies the Broker (spec
// §4.6 step 2).
func (r *Router) registerChild(ctx context.Context, child meshtypes.ChildLocator) {
	port, err := r.monitor.ReservePort()
	if err != nil {
		if errors.Is(err, portpool.ErrPoolExhausted) {
			r.logger.Warn("port pool exhausted, dropping new child this poll", "rloc", child.RLOC, "ipv6", child.IPv6)
			return
		}
		r.logger.Warn("reserve port failed", "error", err)
		return
	}

	gatewayAddr := r.monitor.GatewayAddr()
	result, err := coap.Handshake(ctx, r.dialer, gatewayAddr, port, child.IPv6, nodePort)
	if err != nil {
		r.logger.Warn("coap handshake failed, releasing port", "rloc", child.RLOC, "ipv6", child.IPv6, "error", err)
		if r.onHandshakeFailure != nil {
			r.onHandshakeFailure()
		}
		r.monitor.ReturnPort(port)
		return
	}

	identity := meshtypes.NodeIdentity{
		EUI:          result.EUI,
		IPv6:         child.IPv6,
		RLOC:         child.RLOC,
		ReservedPort: port,
		PlantName:    result.PlantName,
	}
	r.monitor.Register(identity)

	events, err := r.spawn(ctx, netip.AddrPortFrom(gatewayAddr, port))
	if err != nil {
		r.logger.Warn("spawn node session failed", "eui", identity.EUI, "error", err)
		return
	}

	if r.onSessionStarted != nil {
		r.onSessionStarted()
	}

	r.broker.Registration(broker.Registration{EUI: identity.EUI, IPv6: identity.IPv6, PlantName: identity.PlantName})
	r.broker.SessionStream(broker.SessionStream{Events: events, IPv6: identity.IPv6})

	r.logger.Info("registered node", "eui", identity.EUI, "ipv6", identity.IPv6, "plant_name", identity.PlantName, "reserved_port", port)
}

// SpawnUDPSession is the production SpawnSession: it binds a real socket via
// session.NewConn and runs a session.Session in its own goroutine.
func SpawnUDPSession(silenceTimeout time.Duration, logger *slog.Logger) SpawnSession {
	return func(ctx context.Context, local netip.AddrPort) (<-chan meshtypes.NodeEvent, error) {
		conn, err := session.NewConn(local)
		if err != nil {
			events := make(chan meshtypes.NodeEvent, 1)
			session.SetupError(events)
			close(events)
			return events, fmt.Errorf("router: bind session socket: %w", err)
		}

		events := make(chan meshtypes.NodeEvent, sessionEventBuf)
		sess := session.New(conn, silenceTimeout, events, logger)
		go func() {
			defer close(events)
			sess.Run(ctx)
		}()
		return events, nil
	}
}
