// Package detect holds the local detection signal a node feeds into the
// alert state machine: the gas sensor and vision detector interfaces, the
// temporal filters applied to their raw readings, and the Sampler that
// keeps the latest Snapshot.
package detect

import "time"

// Snapshot is the latest local detection state. It is passed by value.
type Snapshot struct {
	SensorDetected   bool      `json:"sensor_detected" cbor:"sensor_detected"`
	SmokePPM         float64   `json:"smoke_ppm" cbor:"smoke_ppm"`
	SensorAt         time.Time `json:"sensor_at" cbor:"sensor_at"`
	VisionDetected   bool      `json:"vision_detected" cbor:"vision_detected"`
	VisionConfidence float64   `json:"vision_confidence" cbor:"vision_confidence"`
	VisionAt         time.Time `json:"vision_at" cbor:"vision_at"`
}

// Detected reports whether either local detector currently sees smoke.
func (s Snapshot) Detected() bool { return s.SensorDetected || s.VisionDetected }

// Source supplies a Snapshot on demand.
type Source interface {
	Snapshot() Snapshot
}

// GasSensor reads a smoke concentration in parts per million.
type GasSensor interface {
	PPM() (float64, error)
}

// VisionDetector returns the smoke probability for the current frame.
type VisionDetector interface {
	Confidence() (float64, error)
}
