package sensor

import (
	"encoding/json"

	"github.com/nand-nor/plant-minder/internal/meshtypes"
)

// Gas simulates the optional gas/environmental role, shaped after the
// BME680 combined temperature/pressure/humidity/gas-resistance sensor
// (pmindp-esp32-thread/src/sensor/bme680.rs). The original driver forces a
// fresh measurement and re-arms forced mode on every read; the simulator
// has no mode to re-arm and just produces a fresh jittered reading.
type Gas struct {
	baseTemp     float32
	basePressure float32
	baseHumidity float32
	baseGasRes   uint32
}

// NewGas constructs a Gas sensor around the given baseline readings.
func NewGas(baseTempF, basePressureHPa, baseHumidityPct float32, baseGasResistanceOhm uint32) *Gas {
	return &Gas{
		baseTemp:     baseTempF,
		basePressure: basePressureHPa,
		baseHumidity: baseHumidityPct,
		baseGasRes:   baseGasResistanceOhm,
	}
}

// Read composes one GasReading, JSON-encodes it, and writes it into
// buf[offset:].
func (g *Gas) Read(buf []byte, offset int) (int, error) {
	reading := meshtypes.GasReading{
		Temp:          jitterFloat32(g.baseTemp, 1.0),
		Pressure:      jitterFloat32(g.basePressure, 0.5),
		Humidity:      jitterFloat32(g.baseHumidity, 2.0),
		GasResistance: jitterUint32(g.baseGasRes, 500),
	}
	encoded, err := json.Marshal(reading)
	if err != nil {
		return 0, err
	}
	return writeJSON(buf, offset, encoded)
}
