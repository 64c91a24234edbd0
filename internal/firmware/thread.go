package firmware

import (
	"context"
	"fmt"
	"time"
)

// ThreadEventKind discriminates the network-state callback's event union
// (pmindp-thread / pmindd/src/event.rs): the three transitions the Node
// Runtime's event loop reacts to.
type ThreadEventKind uint8

const (
	// ThreadRlocAdded signals a successful mesh attach (spec §4.8 step 5).
	ThreadRlocAdded ThreadEventKind = iota
	// ThreadRlocRemoved signals a mesh detach; the server loop resets (spec
	// §4.8 "Network-state callback reports ThreadRlocRemoved").
	ThreadRlocRemoved
	// ThreadRoleChanged signals a Thread role transition (e.g. child ->
	// router); informational only, does not trigger a reset.
	ThreadRoleChanged
)

// String returns a human-readable label for the event kind.
func (k ThreadEventKind) String() string {
	switch k {
	case ThreadRlocAdded:
		return "RlocAdded"
	case ThreadRlocRemoved:
		return "RlocRemoved"
	case ThreadRoleChanged:
		return "RoleChanged"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// ThreadEvent is one network-state callback delivery.
type ThreadEvent struct {
	Kind ThreadEventKind
}

// ThreadStub abstracts the Thread stack's attach lifecycle: there is no
// real 802.15.4 radio behind this simulator, so Attach stands in for "block
// in the tasklet loop until the network-state callback reports
// ThreadRlocAdded" (spec §4.8 step 5). The callback contract matches the
// original's: delivered on a channel, never blocking the caller — recovery
// from a later RlocRemoved is the event loop's job, not the stub's.
type ThreadStub interface {
	// Attach begins mesh attachment and returns the channel ThreadEvents
	// arrive on for the lifetime of ctx.
	Attach(ctx context.Context) (<-chan ThreadEvent, error)
}

// SimulatedThreadStub is the default ThreadStub: it reports RlocAdded after
// a short simulated attach delay and otherwise stays silent until a test or
// operator injects a detach via SimulateDetach.
type SimulatedThreadStub struct {
	attachDelay time.Duration
	events      chan ThreadEvent
}

// NewSimulatedThreadStub constructs a SimulatedThreadStub with the given
// simulated attach latency.
func NewSimulatedThreadStub(attachDelay time.Duration) *SimulatedThreadStub {
	if attachDelay <= 0 {
		attachDelay = 10 * time.Millisecond
	}
	return &SimulatedThreadStub{
		attachDelay: attachDelay,
		events:      make(chan ThreadEvent, 4),
	}
}

// Attach starts the simulated attach sequence and returns the shared event
// channel.
func (s *SimulatedThreadStub) Attach(ctx context.Context) (<-chan ThreadEvent, error) {
	go func() {
		select {
		case <-time.After(s.attachDelay):
		case <-ctx.Done():
			return
		}
		select {
		case s.events <- ThreadEvent{Kind: ThreadRlocAdded}:
		case <-ctx.Done():
		}
	}()
	return s.events, nil
}

// SimulateDetach injects a RlocRemoved event, standing in for a real
// Thread stack's asynchronous detach notification.
func (s *SimulatedThreadStub) SimulateDetach() {
	select {
	case s.events <- ThreadEvent{Kind: ThreadRlocRemoved}:
	default:
	}
}

// SimulateRoleChanged injects a RoleChanged event.
func (s *SimulatedThreadStub) SimulateRoleChanged() {
	select {
	case s.events <- ThreadEvent{Kind: ThreadRoleChanged}:
	default:
	}
}
