// plantnode simulates the Node Runtime (spec §4.8): it boots a
// simulated Thread attach, serves the CoAP-observe endpoint on 1212, and
// streams composed sensor readings to whichever gateway registers as its
// observer. There is no real radio or I2C bus behind it — see
// internal/firmware's package doc for what is and isn't simulated.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nand-nor/plant-minder/internal/firmware"
	"github.com/nand-nor/plant-minder/internal/meshtypes"
	"github.com/nand-nor/plant-minder/internal/sensor"
	appversion "github.com/nand-nor/plant-minder/internal/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	euiHex := flag.String("eui", "aabbccddeeff", "6-byte EUI, hex-encoded")
	plantName := flag.String("plant-name", "fern", "plant name reported on registration")
	sensorInterval := flag.Duration("sensor-interval", firmware.DefaultSensorInterval, "periodic sensor sample interval")
	withLight := flag.Bool("light", true, "attach a simulated light sensor")
	withGas := flag.Bool("gas", false, "attach a simulated gas sensor")
	datasetPath := flag.String("dataset", "", "path to a Thread operational dataset YAML fixture (defaults built in if empty)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logger := newLogger(*logLevel)

	eui, err := parseEUI(*euiHex)
	if err != nil {
		logger.Error("invalid eui", "error", err)
		return 1
	}

	dataset, err := loadDataset(*datasetPath)
	if err != nil {
		logger.Error("invalid thread dataset", "error", err)
		return 1
	}

	logger.Info("plantnode starting", "version", appversion.Version, "eui", eui, "plant_name", *plantName)

	rt := newRuntime(eui, *plantName, dataset, *sensorInterval, *withLight, *withGas, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Run(ctx); err != nil {
		logger.Error("plantnode exited with error", "error", err)
		return 1
	}

	logger.Info("plantnode stopped")
	return 0
}

// defaultDataset is the compile-time-baked Thread operational dataset used
// when no --dataset fixture is given (spec §4.8 step 3).
var defaultDataset = firmware.ThreadDataset{
	NetworkKey:    "00112233445566778899aabbccddeeff",
	NetworkName:   "plantmind-mesh",
	PANID:         0x1234,
	Channel:       15,
	ChannelMask:   0x07fff800,
	ExtendedPANID: "dead00beef00cafe",
}

// loadDataset returns the built-in defaultDataset when path is empty,
// otherwise loads a YAML fixture via firmware.LoadThreadDataset.
func loadDataset(path string) (firmware.ThreadDataset, error) {
	if path == "" {
		return defaultDataset, nil
	}
	return firmware.LoadThreadDataset(path)
}

// newRuntime composes a firmware.Runtime with the boot configuration and
// sensor set named on the command line (spec §4.8 BootConfig, §4.9
// sensor composition).
func newRuntime(eui meshtypes.EUI, plantName string, dataset firmware.ThreadDataset, sensorInterval time.Duration, withLight, withGas bool, logger *slog.Logger) *firmware.Runtime {
	boot := firmware.BootConfig{
		EUI:       eui,
		PlantName: plantName,
		Radio: firmware.RadioConfig{
			Channel:    15,
			TxPowerDBm: 10,
			AckPolicy:  "per-frame",
		},
		Dataset: dataset,
		SRP: firmware.SRPConfig{
			ServiceInstanceBase: "plant",
			ServiceName:         "_soilmoisture._udp",
			Lease:               time.Hour,
			KeyLease:            30 * 24 * time.Hour,
			TTL:                 time.Hour,
		},
	}

	rt := firmware.New(boot, firmware.NewSimulatedThreadStub(0), logger)
	rt.SetSensorInterval(sensorInterval)
	rt.AddSensor(sensor.RoleSoil, sensor.NewSoil(820, 71.5))
	if withLight {
		rt.AddSensor(sensor.RoleLight, sensor.NewLight())
	}
	if withGas {
		rt.AddSensor(sensor.RoleGas, sensor.NewGas(70.0, 1013.25, 45.0, 50000))
	}
	return rt
}

func parseEUI(hexStr string) (meshtypes.EUI, error) {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return meshtypes.EUI{}, fmt.Errorf("decode eui hex: %w", err)
	}
	return meshtypes.ParseEUI(b)
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
