package sensor

import (
	"encoding/json"

	"github.com/nand-nor/plant-minder/internal/meshtypes"
)

// ProbeCircuit simulates the secondary soil-like moisture probe (spec
// SUPPLEMENTED FEATURES), shaped after the SparkFun analog probe circuit
// (pmindp-esp32-thread/src/sensor/probe_circuit.rs): a bare resistive probe
// read through an ADC, with no temperature sense of its own. Temperature is
// always reported as zero, matching the original driver's
// ProbeCircuit::temperature returning Ok(0.0) unconditionally.
type ProbeCircuit struct {
	baseMoisture uint16
}

// NewProbeCircuit constructs a ProbeCircuit sensor around the given baseline
// moisture reading.
func NewProbeCircuit(baseMoisture uint16) *ProbeCircuit {
	return &ProbeCircuit{baseMoisture: baseMoisture}
}

// Read composes one SoilReading with Temp always zero, JSON-encodes it, and
// writes it into buf[offset:].
func (p *ProbeCircuit) Read(buf []byte, offset int) (int, error) {
	reading := meshtypes.SoilReading{
		Moisture: jitterUint16(p.baseMoisture, 25),
		Temp:     0,
	}
	encoded, err := json.Marshal(reading)
	if err != nil {
		return 0, err
	}
	return writeJSON(buf, offset, encoded)
}
