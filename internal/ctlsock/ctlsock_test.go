package ctlsock

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/nand-nor/plant-minder/internal/broker"
	"github.com/nand-nor/plant-minder/internal/meshtypes"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T) (*Server, *Client, *broker.Broker, context.Context) {
	t.Helper()

	brk := broker.New(5*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	brkDone := make(chan struct{})
	go func() { brk.Run(ctx); close(brkDone) }()

	sockPath := filepath.Join(t.TempDir(), "ctl.sock")
	srv := NewServer(sockPath, brk, testLogger())

	srvDone := make(chan struct{})
	go func() { srv.Run(ctx); close(srvDone) }()

	t.Cleanup(func() {
		cancel()
		<-srvDone
		<-brkDone
	})

	// Give Run a moment to bind the listener before any client dials.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cl := NewClient(sockPath)
		dialCtx, dialCancel := context.WithTimeout(ctx, 50*time.Millisecond)
		conn, err := cl.dial(dialCtx)
		dialCancel()
		if err == nil {
			conn.Close()
			return srv, cl, brk, ctx
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for ctlsock listener to bind")
	return nil, nil, nil, nil
}

func TestSessionListEmpty(t *testing.T) {
	t.Parallel()
	_, cl, _, ctx := startServer(t)

	sessions, err := cl.SessionList(ctx)
	if err != nil {
		t.Fatalf("SessionList: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("len(sessions) = %d, want 0", len(sessions))
	}
}

func TestSessionListAndShowAfterRegistration(t *testing.T) {
	t.Parallel()
	_, cl, brk, ctx := startServer(t)

	eui := meshtypes.EUI{1, 2, 3, 4, 5, 6}
	ipv6 := netip.MustParseAddr("fd00::1")
	brk.Registration(broker.Registration{EUI: eui, IPv6: ipv6, PlantName: "basil"})

	var sessions []SessionView
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var err error
		sessions, err = cl.SessionList(ctx)
		if err != nil {
			t.Fatalf("SessionList: %v", err)
		}
		if len(sessions) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(sessions) != 1 {
		t.Fatalf("len(sessions) = %d, want 1", len(sessions))
	}
	if sessions[0].EUI != eui.String() {
		t.Errorf("EUI = %q, want %q", sessions[0].EUI, eui.String())
	}
	if sessions[0].PlantName != "basil" {
		t.Errorf("PlantName = %q, want %q", sessions[0].PlantName, "basil")
	}
	if !sessions[0].Active {
		t.Error("Active = false, want true")
	}

	shown, err := cl.SessionShow(ctx, eui.String())
	if err != nil {
		t.Fatalf("SessionShow: %v", err)
	}
	if shown.IPv6 != ipv6.String() {
		t.Errorf("IPv6 = %q, want %q", shown.IPv6, ipv6.String())
	}
}

func TestSessionShowUnknownEUI(t *testing.T) {
	t.Parallel()
	_, cl, _, ctx := startServer(t)

	if _, err := cl.SessionShow(ctx, "00:00:00:00:00:00"); err == nil {
		t.Fatal("SessionShow: want error for unknown eui, got nil")
	}
}

func TestMonitorStreamsRegistrationAndReading(t *testing.T) {
	t.Parallel()
	_, cl, brk, ctx := startServer(t)

	monCtx, monCancel := context.WithCancel(ctx)
	defer monCancel()

	events := make(chan Event, 8)
	errCh := make(chan error, 1)
	go func() {
		errCh <- cl.Monitor(monCtx, func(ev Event) error {
			events <- ev
			return nil
		})
	}()

	// Let the monitor connection register before publishing.
	time.Sleep(20 * time.Millisecond)

	eui := meshtypes.EUI{9, 9, 9, 9, 9, 9}
	ipv6 := netip.MustParseAddr("fd00::9")
	brk.Registration(broker.Registration{EUI: eui, IPv6: ipv6, PlantName: "fern"})

	select {
	case ev := <-events:
		if ev.Kind != EventKindStatus {
			t.Fatalf("Kind = %q, want %q", ev.Kind, EventKindStatus)
		}
		if ev.Status == nil || ev.Status.EUI != eui {
			t.Fatalf("Status = %+v, want EUI %s", ev.Status, eui)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for registration event")
	}

	monCancel()
	select {
	case err := <-errCh:
		if err == nil {
			t.Error("Monitor returned nil error, want context.Canceled")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after cancellation")
	}
}
