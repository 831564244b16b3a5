// Package telemetry defines the meter reading model shared by every layer of
// the engine, plus the error taxonomy each layer wraps.
package telemetry

import (
	"fmt"
	"time"
)

// Reading is a single validated measurement from one meter.
// Readings are immutable once accepted; timestamps are always UTC.
type Reading struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
	Power     float64   `json:"power"`     // kW
	Voltage   float64   `json:"voltage"`   // V
	Current   float64   `json:"current"`   // A
	Frequency float64   `json:"frequency"` // Hz
	Energy    float64   `json:"energy"`    // kWh since the previous reading
}

// Field identifies one of the numeric fields of a Reading.
type Field uint8

const (
	FieldPower Field = iota
	FieldVoltage
	FieldCurrent
	FieldFrequency
	FieldEnergy

	// NumFields is the number of numeric fields carried by a Reading.
	NumFields = 5
)

// Fields lists every numeric field in declaration order.
var Fields = [NumFields]Field{FieldPower, FieldVoltage, FieldCurrent, FieldFrequency, FieldEnergy}

var fieldNames = [NumFields]string{"power", "voltage", "current", "frequency", "energy"}

func (f Field) String() string {
	if int(f) < len(fieldNames) {
		return fieldNames[f]
	}
	return fmt.Sprintf("field(%d)", f)
}

// Value returns the value of field f.
func (r Reading) Value(f Field) float64 {
	switch f {
	case FieldPower:
		return r.Power
	case FieldVoltage:
		return r.Voltage
	case FieldCurrent:
		return r.Current
	case FieldFrequency:
		return r.Frequency
	case FieldEnergy:
		return r.Energy
	}
	return 0
}
