package alert

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ryandielhenn/sentinelmesh/pkg/detect"
	"github.com/ryandielhenn/sentinelmesh/pkg/mesh"
)

// Event describes one confirmed alert. DetectingNodes includes this node.
type Event struct {
	ID             uuid.UUID       `json:"id" cbor:"id"`
	NodeID         mesh.NodeID     `json:"node_id" cbor:"node_id"`
	At             time.Time       `json:"at" cbor:"at"`
	Snapshot       detect.Snapshot `json:"snapshot" cbor:"snapshot"`
	ActiveNodes    int             `json:"active_nodes" cbor:"active_nodes"`
	DetectingNodes int             `json:"detecting_nodes" cbor:"detecting_nodes"`
	Ratio          float64         `json:"ratio" cbor:"ratio"`
}

// Sink performs the externally visible side of an alert. Trigger is called
// from the tick driver and should not block for long.
type Sink interface {
	Trigger(Event) error
}

type SinkFunc func(Event) error

func (f SinkFunc) Trigger(ev Event) error { return f(ev) }

// LogSink writes an alert banner at WARN.
type LogSink struct {
	Log *zap.Logger
}

func (s LogSink) Trigger(ev Event) error {
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}
	log.Warn("=== WILDFIRE ALERT ===",
		zap.Stringer("event", ev.ID),
		zap.Stringer("node", ev.NodeID),
		zap.Float64("smoke_ppm", ev.Snapshot.SmokePPM),
		zap.Float64("vision_confidence", ev.Snapshot.VisionConfidence),
		zap.Int("detecting_nodes", ev.DetectingNodes),
		zap.Int("total_nodes", ev.ActiveNodes+1),
		zap.Float64("ratio", ev.Ratio),
	)
	return nil
}

// Multi fans an event out to every sink. All sinks run even when one fails.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(ev Event) error {
		var errs []error
		for _, s := range sinks {
			if s == nil {
				continue
			}
			if err := s.Trigger(ev); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
