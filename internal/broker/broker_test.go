package broker

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/nand-nor/plant-minder/internal/meshtypes"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBroker(t *testing.T) (*Broker, context.Context, context.CancelFunc) {
	t.Helper()
	b := New(5*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { b.Run(ctx); close(done) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return b, ctx, cancel
}

func mustSubscribe(t *testing.T, b *Broker, ctx context.Context, id string) (chan Reading, chan meshtypes.NodeStatus) {
	t.Helper()
	readings := make(chan Reading, 8)
	status := make(chan meshtypes.NodeStatus, 8)
	if err := b.Subscribe(ctx, Subscriber{ID: id, Readings: readings, Status: status}); err != nil {
		t.Fatalf("subscribe %s: %v", id, err)
	}
	return readings, status
}

// TestRegistrationPrecedesReadings covers spec §8 property 3: a subscriber
// sees the Registration status before any reading from that node's stream.
func TestRegistrationPrecedesReadings(t *testing.T) {
	b, ctx, _ := newTestBroker(t)
	readings, status := mustSubscribe(t, b, ctx, "sub1")

	eui := meshtypes.EUI{1, 2, 3, 4, 5, 6}
	ipv6 := netip.MustParseAddr("fd00::1")
	b.Registration(Registration{EUI: eui, IPv6: ipv6, PlantName: "basil"})

	events := make(chan meshtypes.NodeEvent, 1)
	events <- meshtypes.NodeEvent{
		Kind:       meshtypes.NodeEventSensorReading,
		Reading:    meshtypes.SensorReading{Soil: meshtypes.SoilReading{Moisture: 500}},
		SourceIPv6: ipv6,
	}
	close(events)
	b.SessionStream(SessionStream{Events: events, IPv6: ipv6})

	select {
	case s := <-status:
		if s.Kind != meshtypes.StatusRegistration || s.EUI != eui {
			t.Fatalf("expected registration status first, got %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for registration status")
	}

	select {
	case r := <-readings:
		if r.Value.Soil.Moisture != 500 {
			t.Fatalf("unexpected reading: %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reading")
	}
}

// TestSessionTerminationIsFannedOut covers spec §8 property 4: a session's
// terminal event (SocketError/NodeTimeout) reaches every subscriber as a
// Termination status.
func TestSessionTerminationIsFannedOut(t *testing.T) {
	b, ctx, _ := newTestBroker(t)
	_, status1 := mustSubscribe(t, b, ctx, "sub1")
	_, status2 := mustSubscribe(t, b, ctx, "sub2")

	ipv6 := netip.MustParseAddr("fd00::2")
	events := make(chan meshtypes.NodeEvent, 1)
	events <- meshtypes.NodeEvent{Kind: meshtypes.NodeEventTimeout, SourceIPv6: ipv6}
	close(events)
	b.SessionStream(SessionStream{Events: events, IPv6: ipv6})

	for _, ch := range []chan meshtypes.NodeStatus{status1, status2} {
		select {
		case s := <-ch:
			if s.Kind != meshtypes.StatusTermination || s.Reason != meshtypes.ReasonTimeout || s.IPv6 != ipv6 {
				t.Fatalf("unexpected termination status: %+v", s)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for termination status on a subscriber")
		}
	}
}

// TestSetupErrorTerminatesSilently: a SetupError event produces no status
// broadcast at all.
func TestSetupErrorTerminatesSilently(t *testing.T) {
	b, ctx, _ := newTestBroker(t)
	_, status := mustSubscribe(t, b, ctx, "sub1")

	ipv6 := netip.MustParseAddr("fd00::3")
	events := make(chan meshtypes.NodeEvent, 1)
	events <- meshtypes.NodeEvent{Kind: meshtypes.NodeEventSetupError, SourceIPv6: ipv6}
	close(events)
	b.SessionStream(SessionStream{Events: events, IPv6: ipv6})

	select {
	case s := <-status:
		t.Fatalf("expected no status for SetupError, got %+v", s)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestReadingsFanOutIsTotal covers spec §8 property 5: every subscriber
// present at broadcast time receives the reading.
func TestReadingsFanOutIsTotal(t *testing.T) {
	b, ctx, _ := newTestBroker(t)
	readings1, _ := mustSubscribe(t, b, ctx, "sub1")
	readings2, _ := mustSubscribe(t, b, ctx, "sub2")

	ipv6 := netip.MustParseAddr("fd00::4")
	events := make(chan meshtypes.NodeEvent, 1)
	events <- meshtypes.NodeEvent{
		Kind:       meshtypes.NodeEventSensorReading,
		Reading:    meshtypes.SensorReading{Soil: meshtypes.SoilReading{Moisture: 111}},
		SourceIPv6: ipv6,
	}
	close(events)
	b.SessionStream(SessionStream{Events: events, IPv6: ipv6})

	for _, ch := range []chan Reading{readings1, readings2} {
		select {
		case r := <-ch:
			if r.Value.Soil.Moisture != 111 {
				t.Fatalf("unexpected reading: %+v", r)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for reading fan-out")
		}
	}
}

// TestUnsubscribeStopsDelivery covers scenario S6: after unsubscribing, a
// client receives no further events.
func TestUnsubscribeStopsDelivery(t *testing.T) {
	b, ctx, _ := newTestBroker(t)
	readings, status := mustSubscribe(t, b, ctx, "sub1")

	if err := b.Unsubscribe(ctx, "sub1"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	// Give the loop a chance to process the unsubscribe before the broadcast.
	time.Sleep(20 * time.Millisecond)

	ipv6 := netip.MustParseAddr("fd00::5")
	b.Registration(Registration{EUI: meshtypes.EUI{9}, IPv6: ipv6, PlantName: "fern"})

	select {
	case s := <-status:
		t.Fatalf("expected no status after unsubscribe, got %+v", s)
	case <-time.After(100 * time.Millisecond):
	}
	select {
	case r := <-readings:
		t.Fatalf("expected no reading after unsubscribe, got %+v", r)
	default:
	}
}

// TestSlowSubscriberDoesNotBlockOthers: a full sink on one subscriber must
// not prevent delivery to a healthy one (best-effort fan-out policy).
func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b, ctx, _ := newTestBroker(t)

	slowStatus := make(chan meshtypes.NodeStatus) // unbuffered, never read: always full
	slowReadings := make(chan Reading)
	if err := b.Subscribe(ctx, Subscriber{ID: "slow", Readings: slowReadings, Status: slowStatus}); err != nil {
		t.Fatalf("subscribe slow: %v", err)
	}
	_, healthyStatus := mustSubscribe(t, b, ctx, "healthy")

	ipv6 := netip.MustParseAddr("fd00::6")
	b.Registration(Registration{EUI: meshtypes.EUI{2}, IPv6: ipv6, PlantName: "moss"})

	select {
	case s := <-healthyStatus:
		if s.Kind != meshtypes.StatusRegistration {
			t.Fatalf("unexpected status: %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("slow subscriber blocked delivery to healthy subscriber")
	}
}

// TestRebindEvictionReachesSubscribers covers spec §8 property 6: when a
// node's ipv6 changes under the same EUI, the old address's termination
// reaches subscribers via the same Registration/Termination path the Event
// Router drives (exercised here directly through the Broker's public API,
// since the rebind eviction itself is a Mesh Monitor concern).
func TestRebindEvictionReachesSubscribers(t *testing.T) {
	b, ctx, _ := newTestBroker(t)
	_, status := mustSubscribe(t, b, ctx, "sub1")

	oldAddr := netip.MustParseAddr("fd00::a")
	newAddr := netip.MustParseAddr("fd00::b")
	eui := meshtypes.EUI{7}

	b.Registration(Registration{EUI: eui, IPv6: oldAddr, PlantName: "ivy"})
	select {
	case s := <-status:
		if s.IPv6 != oldAddr {
			t.Fatalf("expected old addr registration, got %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out on first registration")
	}

	events := make(chan meshtypes.NodeEvent, 1)
	events <- meshtypes.NodeEvent{Kind: meshtypes.NodeEventSocketError, SourceIPv6: oldAddr}
	close(events)
	b.SessionStream(SessionStream{Events: events, IPv6: oldAddr})

	select {
	case s := <-status:
		if s.Kind != meshtypes.StatusTermination || s.IPv6 != oldAddr {
			t.Fatalf("expected termination for old addr, got %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out on old-addr termination")
	}

	b.Registration(Registration{EUI: eui, IPv6: newAddr, PlantName: "ivy"})
	select {
	case s := <-status:
		if s.Kind != meshtypes.StatusRegistration || s.IPv6 != newAddr {
			t.Fatalf("expected new addr registration, got %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out on new-addr registration")
	}
}

// TestMetricsHooksAreInvoked covers the optional OnRegistration/OnReading/
// OnTermination callbacks the metrics package installs.
func TestMetricsHooksAreInvoked(t *testing.T) {
	b := New(5*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { b.Run(ctx); close(done) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	var registered, terminated int
	var reasons []string
	var readEvents []string

	mu := make(chan struct{}, 1)
	mu <- struct{}{}
	lock := func() { <-mu }
	unlock := func() { mu <- struct{}{} }

	b.OnRegistration(func() {
		lock()
		registered++
		unlock()
	})
	b.OnTermination(func(reason string) {
		lock()
		terminated++
		reasons = append(reasons, reason)
		unlock()
	})
	b.OnReading(func(sourceIPv6 string) {
		lock()
		readEvents = append(readEvents, sourceIPv6)
		unlock()
	})

	_, status := mustSubscribe(t, b, ctx, "sub1")

	ipv6 := netip.MustParseAddr("fd00::7")
	b.Registration(Registration{EUI: meshtypes.EUI{3}, IPv6: ipv6, PlantName: "mint"})
	<-status // wait for registration to fan out before checking the hook

	events := make(chan meshtypes.NodeEvent, 2)
	events <- meshtypes.NodeEvent{
		Kind:       meshtypes.NodeEventSensorReading,
		Reading:    meshtypes.SensorReading{Soil: meshtypes.SoilReading{Moisture: 42}},
		SourceIPv6: ipv6,
	}
	events <- meshtypes.NodeEvent{Kind: meshtypes.NodeEventTimeout, SourceIPv6: ipv6}
	close(events)
	b.SessionStream(SessionStream{Events: events, IPv6: ipv6})
	<-status // wait for the termination status to fan out

	lock()
	defer unlock()

	if registered != 1 {
		t.Errorf("registered = %d, want 1", registered)
	}
	if terminated != 1 {
		t.Errorf("terminated = %d, want 1", terminated)
	}
	if len(reasons) != 1 || reasons[0] != meshtypes.ReasonTimeout.String() {
		t.Errorf("reasons = %v, want [%s]", reasons, meshtypes.ReasonTimeout.String())
	}
	if len(readEvents) != 1 || readEvents[0] != ipv6.String() {
		t.Errorf("readEvents = %v, want [%s]", readEvents, ipv6.String())
	}
}
