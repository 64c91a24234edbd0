// Package broker implements the Broker (spec §4.7): the central actor that
// receives Node Events and Registration events from the Event Router,
// maintains the subscriber table, and fans out readings and status events to
// all subscribers.
//
// Per the "Actor handles in the source" design note (spec §9), this is
// rendered as one goroutine owning its private state behind a single
// inbound set of channels — no actor framework, matching how the teacher
// renders its BFD Manager and Session as single-owner goroutines with
// channel-based inboxes.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"github.com/nand-nor/plant-minder/internal/meshtypes"
)

// DefaultTickRate is the Broker's internal maintenance tick (spec §6:
// broker_tick_rate_ms), used to refresh the subscriber-count metric without
// waiting on traffic. The tick does no other maintenance.
const DefaultTickRate = 1 * time.Second

// dataQueueBuf and routerInBuf stand in for the spec's unbounded SPSC
// queues (see internal/router's sessionEventBuf doc comment for why a real
// unbounded channel is not used).
const (
	dataQueueBuf = 256
	routerInBuf  = 64
	controlBuf   = 16
)

// ErrBrokerClosed names the state of a Broker whose loop has exited.
// Subscribe and Unsubscribe do not detect that state and do not return it.
var ErrBrokerClosed = errors.New("broker: closed")

// Reading pairs a decoded SensorReading with the source address it arrived
// from, since source_ipv6 is part of what a subscriber needs (spec §8,
// scenario S1) even though it is not a field of SensorReading itself.
type Reading struct {
	Value      meshtypes.SensorReading
	SourceIPv6 netip.Addr
}

// Registration is the (eui, ipv6, plant_name) tuple the Event Router pushes
// after a successful handshake (spec §4.6 step 2).
type Registration struct {
	EUI       meshtypes.EUI
	IPv6      netip.Addr
	PlantName string
}

// SessionStream is a handle to one Node Session's event stream, pushed by
// the Event Router immediately after spawning the session (spec §4.6 step
// 2, §4.7 "SensorStreamHandle").
type SessionStream struct {
	Events <-chan meshtypes.NodeEvent
	IPv6   netip.Addr
}

// RouterSink is the Broker's router-facing input, implemented by *Broker and
// consumed by internal/router.
type RouterSink interface {
	Registration(Registration)
	SessionStream(SessionStream)
}

// Subscriber is a registered client of the Broker (spec §3): readings and
// status sinks are channels the Broker sends into; closing them (or letting
// them fill) triggers the best-effort failure policy in Run.
type Subscriber struct {
	ID       string
	Readings chan<- Reading
	Status   chan<- meshtypes.NodeStatus
}

type ctrlKind uint8

const (
	ctrlSubscribe ctrlKind = iota
	ctrlUnsubscribe
)

type ctrlMsg struct {
	kind ctrlKind
	sub  Subscriber
	id   string
}

type routerMsg struct {
	registration *Registration
	stream       *SessionStream
}

// Broker is the central fan-out actor.
type Broker struct {
	control  chan ctrlMsg
	routerIn chan routerMsg
	data     chan Reading
	internal chan meshtypes.NodeStatus // re-fed terminations, for broadcast

	tickRate time.Duration
	logger   *slog.Logger

	subs map[string]Subscriber

	onTick        func(subscriberCount int) // optional metrics hook
	onRegister    func()                    // optional metrics hook
	onReading     func(sourceIPv6 string)   // optional metrics hook
	onTermination func(reason string)       // optional metrics hook
}

// New constructs a Broker. tickRate <= 0 uses DefaultTickRate.
func New(tickRate time.Duration, logger *slog.Logger) *Broker {
	if tickRate <= 0 {
		tickRate = DefaultTickRate
	}
	return &Broker{
		control:  make(chan ctrlMsg, controlBuf),
		routerIn: make(chan routerMsg, routerInBuf),
		data:     make(chan Reading, dataQueueBuf),
		internal: make(chan meshtypes.NodeStatus, controlBuf),
		tickRate: tickRate,
		logger:   logger,
		subs:     make(map[string]Subscriber),
	}
}

// OnTick installs a callback invoked on every maintenance tick with the
// current subscriber count. Used by the metrics package to keep a gauge
// live without the Broker importing prometheus directly.
func (b *Broker) OnTick(fn func(subscriberCount int)) {
	b.onTick = fn
}

// OnRegistration installs a callback invoked once per successful node
// registration, before the corresponding NodeStatus is broadcast.
func (b *Broker) OnRegistration(fn func()) {
	b.onRegister = fn
}

// OnReading installs a callback invoked once per SensorReading pushed onto
// the data queue, with the source node's IPv6 address rendered as a string.
func (b *Broker) OnReading(fn func(sourceIPv6 string)) {
	b.onReading = fn
}

// OnTermination installs a callback invoked once per Node Session
// termination, with the meshtypes.TerminationReason rendered as a string.
func (b *Broker) OnTermination(fn func(reason string)) {
	b.onTermination = fn
}

// Subscribe queues a request to register sub, replacing any existing entry
// with the same id (spec §4.7: "last-writer-wins"). It returns nil once the
// request is queued, or ctx.Err() if ctx ends first. It does not check
// whether Run is still running: a request queued after Run has exited is
// never applied.
func (b *Broker) Subscribe(ctx context.Context, sub Subscriber) error {
	select {
	case b.control <- ctrlMsg{kind: ctrlSubscribe, sub: sub}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unsubscribe removes the subscriber with the given id, if present.
func (b *Broker) Unsubscribe(ctx context.Context, id string) error {
	select {
	case b.control <- ctrlMsg{kind: ctrlUnsubscribe, id: id}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Registration implements RouterSink.
func (b *Broker) Registration(r Registration) {
	select {
	case b.routerIn <- routerMsg{registration: &r}:
	default:
		b.logger.Warn("dropping registration: router channel full", "eui", r.EUI)
	}
}

// SessionStream implements RouterSink.
func (b *Broker) SessionStream(s SessionStream) {
	select {
	case b.routerIn <- routerMsg{stream: &s}:
	default:
		b.logger.Warn("dropping session stream: router channel full", "ipv6", s.IPv6)
	}
}

// Run drives the Broker's event loop (spec §4.7) until ctx is cancelled.
// The subscriber table is mutated only here, never from Subscribe/
// Unsubscribe directly (spec §3 invariant).
func (b *Broker) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.tickRate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg := <-b.control:
			b.handleControl(msg)

		case rt := <-b.routerIn:
			b.handleRouter(ctx, rt)

		case status := <-b.internal:
			b.broadcastStatus(status)

		case reading := <-b.data:
			b.broadcastReading(reading)

		case <-ticker.C:
			if b.onTick != nil {
				b.onTick(len(b.subs))
			}
		}
	}
}

func (b *Broker) handleControl(msg ctrlMsg) {
	switch msg.kind {
	case ctrlSubscribe:
		b.subs[msg.sub.ID] = msg.sub
		b.logger.Debug("subscriber added", "id", msg.sub.ID)
	case ctrlUnsubscribe:
		delete(b.subs, msg.id)
		b.logger.Debug("subscriber removed", "id", msg.id)
	}
}

func (b *Broker) handleRouter(ctx context.Context, rt routerMsg) {
	if rt.registration != nil {
		if b.onRegister != nil {
			b.onRegister()
		}
		status := meshtypes.Registration(rt.registration.EUI, rt.registration.IPv6, rt.registration.PlantName)
		b.broadcastStatus(status)
	}
	if rt.stream != nil {
		go b.demuxStream(ctx, *rt.stream)
	}
}

// demuxStream is the "per-stream task" of spec §4.7: SensorReading goes to
// the data queue, SocketError/NodeTimeout become a Termination re-fed for
// broadcast, SetupError terminates the stream silently.
func (b *Broker) demuxStream(ctx context.Context, stream SessionStream) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-stream.Events:
			if !ok {
				return
			}
			switch ev.Kind {
			case meshtypes.NodeEventSensorReading:
				if b.onReading != nil {
					b.onReading(ev.SourceIPv6.String())
				}
				b.pushReading(ctx, Reading{Value: ev.Reading, SourceIPv6: ev.SourceIPv6})
			case meshtypes.NodeEventSocketError:
				b.terminate(ctx, stream.IPv6, meshtypes.ReasonSocketError)
				return
			case meshtypes.NodeEventTimeout:
				b.terminate(ctx, stream.IPv6, meshtypes.ReasonTimeout)
				return
			case meshtypes.NodeEventSetupError:
				return
			}
		}
	}
}

// terminate records a termination metric and pushes the corresponding
// NodeStatus for broadcast.
func (b *Broker) terminate(ctx context.Context, ipv6 netip.Addr, reason meshtypes.TerminationReason) {
	if b.onTermination != nil {
		b.onTermination(reason.String())
	}
	b.pushStatus(ctx, meshtypes.Termination(ipv6, reason))
}

func (b *Broker) pushReading(ctx context.Context, r Reading) {
	select {
	case b.data <- r:
	case <-ctx.Done():
	}
}

func (b *Broker) pushStatus(ctx context.Context, s meshtypes.NodeStatus) {
	select {
	case b.internal <- s:
	case <-ctx.Done():
	}
}

// broadcastStatus fans s out to every subscriber's status sink. Best
// effort: a closed or full sink is logged and skipped (spec §4.7 fan-out
// policy; §7 "subscriber sink failure").
func (b *Broker) broadcastStatus(s meshtypes.NodeStatus) {
	for id, sub := range b.subs {
		select {
		case sub.Status <- s:
		default:
			b.logger.Warn("dropping status for subscriber: sink full", "subscriber_id", id, "kind", s.Kind)
		}
	}
}

// broadcastReading fans r out to every subscriber's readings sink, same
// best-effort policy as broadcastStatus.
func (b *Broker) broadcastReading(r Reading) {
	for id, sub := range b.subs {
		select {
		case sub.Readings <- r:
		default:
			b.logger.Warn("dropping reading for subscriber: sink full", "subscriber_id", id)
		}
	}
}
