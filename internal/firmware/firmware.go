// Package firmware simulates the Node Runtime (spec §4.8): the
// single-threaded cooperative event loop a real microcontroller would run —
// boot sequence, CoAP-observe server, periodic sensor composition, and the
// reset-on-unrecoverable-condition path. There is no real Thread stack, no
// I2C bus, and no radio behind this package; the Thread attach/detach
// lifecycle is modeled as a swappable interface (ThreadStub) and the
// operational dataset load is only logged, so the gateway-facing wire contract — the CoAP
// handshake, the sensor JSON frames, the reset path's externally-observable
// effect of dropping the current observer — is real and testable even
// though the hardware underneath is faked (pmindp-esp32-thread/src/platform.go,
// src/bin/main.rs).
package firmware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/netip"
	"time"

	"github.com/nand-nor/plant-minder/internal/coap"
	"github.com/nand-nor/plant-minder/internal/meshtypes"
	"github.com/nand-nor/plant-minder/internal/sensor"
)

// NodePort is the fixed UDP port the CoAP-observe server listens on (spec
// §4.8, §6). It is the node-side counterpart of internal/router's nodePort
// constant, duplicated rather than shared because the two packages model
// opposite ends of the same wire contract and have no other reason to
// depend on one another.
const NodePort = 1212

// DefaultSensorInterval is the periodic hardware timer period (spec §4.8:
// "default 25 s").
const DefaultSensorInterval = 25 * time.Second

// recvBufSize is generous headroom over the largest CoAP registration
// request this system ever sends (spec §6).
const recvBufSize = 256

// maxReadingBuf is the shared sensor-composition buffer size. Spec §4.8
// says "127-byte buffer"; sized up here since Go's JSON encoding of the
// three-sensor reading runs a little larger than the original's packed
// binary-ish encoding.
const maxReadingBuf = 256

// euiLen is the fixed EUI prefix length on a registration response (spec §6).
const euiLen = 6

// respHeaderRoom bounds the non-payload bytes of a marshaled CoAP response
// (4-byte header + up to 15-byte token).
const respHeaderRoom = 20

// ErrThreadDetached is returned by the server loop when the Thread stack
// reports RlocRemoved (spec §4.8: "exit to outer reset path").
var ErrThreadDetached = errors.New("firmware: thread stack detached")

// RadioConfig holds the boot sequence's radio configuration step (spec
// §4.8 step 2).
type RadioConfig struct {
	Channel    uint8
	TxPowerDBm int8
	AckPolicy  string
}

// ThreadDataset is the hard-coded Thread operational dataset loaded at boot
// (spec §4.8 step 3; pmindp-esp32-thread/src/platform.rs dataset constants).
type ThreadDataset struct {
	NetworkKey    string
	NetworkName   string
	PANID         uint16
	Channel       uint8
	ChannelMask   uint32
	ExtendedPANID string
}

// SRPConfig holds the SRP service registration fields (spec §4.8 step 6;
// platform.rs's srp_client setup): everything but the hostname and
// instance name, which are generated fresh at boot (step 1).
type SRPConfig struct {
	ServiceInstanceBase string // compile-time base, run-random-suffixed at boot
	ServiceName         string // e.g. "_soilmoisture._udp"
	Lease               time.Duration
	KeyLease            time.Duration
	TTL                 time.Duration
}

// BootConfig is everything the Node Runtime's boot sequence needs (spec
// §4.8 steps 1-6): the node's fixed identity, radio/dataset parameters, and
// SRP descriptors.
type BootConfig struct {
	EUI       meshtypes.EUI
	PlantName string
	Radio     RadioConfig
	Dataset   ThreadDataset
	SRP       SRPConfig
}

// sensorSlot pairs a fixed role with its driver, preserving the composition
// order sensors were attached in (spec §4.9: "ordered, sparsely-populated
// collection indexed by fixed role slots").
type sensorSlot struct {
	role   sensor.Role
	sensor sensor.Sensor
}

// recvItem is what the reader goroutine hands to the server loop.
type recvItem struct {
	payload []byte
	src     netip.AddrPort
	err     error
}

// Runtime is one simulated Node Runtime: a boot sequence, a CoAP-observe
// server, and the sensor set it composes readings from.
type Runtime struct {
	bootCfg        BootConfig
	thread         ThreadStub
	sensors        []sensorSlot
	sensorInterval time.Duration
	dial           func(local netip.AddrPort) (Conn, error)
	logger         *slog.Logger

	observer netip.AddrPort // zero value until the first registration
}

// New constructs a Runtime around boot and thread. Production callers use
// the default sensor interval and dialer; tests override both via the
// unexported fields in package-internal test files.
func New(boot BootConfig, thread ThreadStub, logger *slog.Logger) *Runtime {
	return &Runtime{
		bootCfg:        boot,
		thread:         thread,
		sensorInterval: DefaultSensorInterval,
		dial:           NewConn,
		logger:         logger,
	}
}

// AddSensor attaches a sensor at role. Composition order follows attachment
// order, mirroring pmindp-esp32-thread/src/bin/main.rs's sensors.insert
// sequence (SOIL_IDX, then LIGHT_IDX_1, then the gas slot).
func (r *Runtime) AddSensor(role sensor.Role, s sensor.Sensor) {
	r.sensors = append(r.sensors, sensorSlot{role: role, sensor: s})
}

// SetSensorInterval overrides the default periodic timer period.
func (r *Runtime) SetSensorInterval(d time.Duration) {
	if d > 0 {
		r.sensorInterval = d
	}
}

// Run drives the outer boot/serve/reset loop (spec §4.8) until ctx is
// cancelled. Every non-cancellation error from a serve attempt is treated as
// an unrecoverable condition: the reset path runs and the node re-attaches
// from boot, exactly as a real firmware reset would.
func (r *Runtime) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := r.bootAndServe(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		r.logger.Warn("node runtime: unrecoverable condition, resetting", "error", err)
		r.reset()
	}
}

// bootAndServe runs one full boot-sequence-then-serve attempt.
func (r *Runtime) bootAndServe(ctx context.Context) error {
	threadEvents, err := r.bootSequence(ctx)
	if err != nil {
		return fmt.Errorf("firmware: boot: %w", err)
	}

	conn, err := r.dial(netip.AddrPortFrom(netip.IPv6Unspecified(), NodePort))
	if err != nil {
		return fmt.Errorf("firmware: bind coap socket: %w", err)
	}
	defer conn.Close()

	return r.serverLoop(ctx, conn, threadEvents)
}

// bootSequence executes the boot sequence (spec §4.8 steps 1-6), blocking on the
// network-state callback until ThreadRlocAdded, then returns the same event
// channel for the server loop to keep watching for a later detach.
func (r *Runtime) bootSequence(ctx context.Context) (<-chan ThreadEvent, error) {
	hostname := fmt.Sprintf("plant-%s-%04x", r.bootCfg.EUI.HexEUI(), rand.IntN(0x10000))
	instance := fmt.Sprintf("%s-%04x", r.bootCfg.SRP.ServiceInstanceBase, rand.IntN(0x10000))
	r.logger.Info("generated SRP hostname and instance name", "hostname", hostname, "instance", instance)

	r.logger.Debug("configuring radio",
		"channel", r.bootCfg.Radio.Channel,
		"tx_power_dbm", r.bootCfg.Radio.TxPowerDBm,
		"ack_policy", r.bootCfg.Radio.AckPolicy,
	)

	r.logger.Debug("loading operational dataset",
		"network_name", r.bootCfg.Dataset.NetworkName,
		"pan_id", r.bootCfg.Dataset.PANID,
		"channel", r.bootCfg.Dataset.Channel,
		"channel_mask", r.bootCfg.Dataset.ChannelMask,
		"extended_pan_id", r.bootCfg.Dataset.ExtendedPANID,
	)

	r.logger.Debug("enabling ipv6 and thread")

	events, err := r.thread.Attach(ctx)
	if err != nil {
		return nil, fmt.Errorf("thread attach: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev := <-events:
			if ev.Kind == ThreadRlocAdded {
				r.registerSRP(hostname, instance)
				return events, nil
			}
			r.logger.Debug("thread event while attaching, ignoring", "kind", ev.Kind)
		}
	}
}

// registerSRP logs the SRP service registration (spec §4.8 step 6); there
// is no real SRP client behind the simulator.
func (r *Runtime) registerSRP(hostname, instance string) {
	r.logger.Info("srp service registered",
		"hostname", hostname,
		"instance", instance,
		"service", r.bootCfg.SRP.ServiceName,
		"lease", r.bootCfg.SRP.Lease,
		"key_lease", r.bootCfg.SRP.KeyLease,
		"ttl", r.bootCfg.SRP.TTL,
		"port", NodePort,
	)
}

// reset performs the only recovery path (spec §4.8 "Reset path"): drop the
// current observer and log the soft reset. The outer Run loop re-attaches
// from boot immediately after.
func (r *Runtime) reset() {
	r.observer = netip.AddrPort{}
	r.logger.Info("disabling thread and ipv6, performing soft reset")
}

// serverLoop is the CoAP server loop (spec §4.8 "CoAP server loop"): a
// single socket answers one registration request at a time and streams
// composed readings to the current observer on every periodic tick.
func (r *Runtime) serverLoop(ctx context.Context, conn Conn, threadEvents <-chan ThreadEvent) error {
	ticker := time.NewTicker(r.sensorInterval)
	defer ticker.Stop()

	recvCh := make(chan recvItem, 1)
	go r.readLoop(conn, recvCh)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev := <-threadEvents:
			switch ev.Kind {
			case ThreadRlocRemoved:
				return ErrThreadDetached
			case ThreadRoleChanged:
				r.logger.Info("thread role changed")
			}

		case <-ticker.C:
			if r.observer == (netip.AddrPort{}) {
				continue
			}
			if err := r.sendReading(conn); err != nil {
				return fmt.Errorf("send reading to observer: %w", err)
			}

		case item, ok := <-recvCh:
			if !ok {
				return nil
			}
			if item.err != nil {
				return fmt.Errorf("coap socket recv: %w", item.err)
			}
			r.handleRequest(conn, item)
		}
	}
}

// readLoop blocks on the socket and forwards each datagram (or terminal
// error) to out, matching internal/session's reader-goroutine shape.
func (r *Runtime) readLoop(conn Conn, out chan<- recvItem) {
	defer close(out)

	buf := make([]byte, recvBufSize)
	for {
		n, src, err := conn.ReadFromAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			out <- recvItem{err: err}
			return
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		out <- recvItem{payload: payload, src: src}
	}
}

// handleRequest parses one inbound datagram as a CoAP registration request
// (spec §6) and, if valid, replies with eui ∥ plant_name and stashes the
// requester as the current observer. Malformed or non-registration
// datagrams are dropped silently — the loop stays live for the next one.
func (r *Runtime) handleRequest(conn Conn, item recvItem) {
	msg, err := coap.Unmarshal(item.payload)
	if err != nil {
		r.logger.Debug("dropping malformed coap request", "error", err)
		return
	}
	if msg.Code != coap.CodeGET {
		return
	}
	observe := msg.FindOption(coap.OptionObserve)
	if observe == nil || len(observe.Value) == 0 || observe.Value[0] != coap.ObserveRegister {
		return
	}

	respPayload := make([]byte, 0, euiLen+len(r.bootCfg.PlantName))
	respPayload = append(respPayload, r.bootCfg.EUI[:]...)
	respPayload = append(respPayload, []byte(r.bootCfg.PlantName)...)

	resp := &coap.Message{
		Type:      coap.TypeConfirmable,
		Code:      coap.CodeContent,
		MessageID: msg.MessageID, // the requested return port, echoed back
		Token:     msg.Token,
		Payload:   respPayload,
	}

	buf := make([]byte, respHeaderRoom+len(respPayload))
	n, err := coap.Marshal(resp, buf)
	if err != nil {
		r.logger.Warn("marshal registration response failed", "error", err)
		return
	}

	dest := netip.AddrPortFrom(item.src.Addr(), msg.MessageID)
	if _, err := conn.WriteToAddrPort(buf[:n], dest); err != nil {
		r.logger.Warn("send registration response failed", "error", err)
		return
	}

	r.observer = dest
	r.logger.Info("observer registered", "addr", dest)
}

// sendReading composes one SensorReading and sends it to the current
// observer (spec §4.8 "periodic timer fired").
func (r *Runtime) sendReading(conn Conn) error {
	reading, err := r.composeReading()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("encode sensor reading: %w", err)
	}

	_, err = conn.WriteToAddrPort(payload, r.observer)
	return err
}

// composeReading walks the attached sensors in attachment order, feeding
// each one a cursor position into a shared buffer and decoding its
// self-delimited JSON fragment into the matching SensorReading field (spec
// §4.9's composition loop, verbatim).
func (r *Runtime) composeReading() (meshtypes.SensorReading, error) {
	var reading meshtypes.SensorReading
	buf := make([]byte, maxReadingBuf)
	offset := 0

	for _, slot := range r.sensors {
		n, err := slot.sensor.Read(buf, offset)
		if err != nil {
			return reading, fmt.Errorf("read %s sensor: %w", slot.role, err)
		}

		chunk := buf[offset : offset+n]
		switch slot.role {
		case sensor.RoleSoil:
			if err := json.Unmarshal(chunk, &reading.Soil); err != nil {
				return reading, fmt.Errorf("decode soil reading: %w", err)
			}
		case sensor.RoleLight:
			var lr meshtypes.LightReading
			if err := json.Unmarshal(chunk, &lr); err != nil {
				return reading, fmt.Errorf("decode light reading: %w", err)
			}
			reading.Light = &lr
		case sensor.RoleGas:
			var gr meshtypes.GasReading
			if err := json.Unmarshal(chunk, &gr); err != nil {
				return reading, fmt.Errorf("decode gas reading: %w", err)
			}
			reading.Gas = &gr
		}
		offset += n
	}

	return reading, nil
}
