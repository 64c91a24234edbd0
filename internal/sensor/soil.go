package sensor

import (
	"encoding/json"
	"math/rand/v2"

	"github.com/nand-nor/plant-minder/internal/meshtypes"
)

// Soil simulates the mandatory soil-moisture/temperature role, shaped after
// the ATSAMD10 capacitive probe (pmindp-sensor/src/lib.rs): a raw moisture
// register read and a temperature conversion, here replaced by a baseline
// value plus small per-read jitter since there is no physical probe behind
// the simulator.
type Soil struct {
	baseMoisture uint16
	baseTemp     float32
}

// NewSoil constructs a Soil sensor around the given baseline readings.
func NewSoil(baseMoisture uint16, baseTempF float32) *Soil {
	return &Soil{baseMoisture: baseMoisture, baseTemp: baseTempF}
}

// Read composes one SoilReading, JSON-encodes it, and writes it into
// buf[offset:].
func (s *Soil) Read(buf []byte, offset int) (int, error) {
	reading := meshtypes.SoilReading{
		Moisture: jitterUint16(s.baseMoisture, 40),
		Temp:     jitterFloat32(s.baseTemp, 1.5),
	}
	encoded, err := json.Marshal(reading)
	if err != nil {
		return 0, err
	}
	return writeJSON(buf, offset, encoded)
}

// jitterUint16 adds signed noise in [-spread, spread] to base, saturating at
// zero rather than wrapping.
func jitterUint16(base uint16, spread int) uint16 {
	delta := rand.IntN(2*spread+1) - spread
	v := int(base) + delta
	if v < 0 {
		return 0
	}
	return uint16(v)
}

// jitterFloat32 adds uniform noise in [-spread, spread] to base.
func jitterFloat32(base, spread float32) float32 {
	delta := (rand.Float32()*2 - 1) * spread
	return base + delta
}

// jitterUint32 adds signed noise in [-spread, spread] to base, saturating at
// zero rather than wrapping.
func jitterUint32(base uint32, spread int) uint32 {
	delta := rand.IntN(2*spread+1) - spread
	v := int64(base) + int64(delta)
	if v < 0 {
		return 0
	}
	return uint32(v)
}
