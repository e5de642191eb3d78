// Package alert turns local detections and mesh vote counts into confirmed
// alerts. A Machine moves Idle -> Pending on a local detection, waits out
// the consensus window, and escalates to Alert only when enough of the
// mesh agrees.
package alert

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ryandielhenn/sentinelmesh/internal/telemetry"
	"github.com/ryandielhenn/sentinelmesh/pkg/detect"
	"github.com/ryandielhenn/sentinelmesh/pkg/mesh"
)

const (
	DefaultThreshold        = 0.6
	DefaultConsensusTimeout = 5 * time.Second
	DefaultAlertDuration    = 60 * time.Second
)

type State uint8

const (
	Idle State = iota
	Pending
	Alert
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Alert:
		return "alert"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Broadcaster announces the local vote to the mesh. *mesh.Mesh satisfies it.
type Broadcaster interface {
	BroadcastDetection(detected bool) error
}

// Config tunes a Machine. Zero or negative Threshold, ConsensusTimeout and
// AlertDuration fall back to DefaultThreshold, DefaultConsensusTimeout and
// DefaultAlertDuration.
type Config struct {
	NodeID           mesh.NodeID
	Threshold        float64
	ConsensusTimeout time.Duration
	AlertDuration    time.Duration

	// ExtendWhileDetecting restarts the alert dwell instead of clearing when
	// the local detection is still active at expiry.
	ExtendWhileDetecting bool
	// ClearOnFailedConsensus broadcasts detected=false when consensus fails.
	ClearOnFailedConsensus bool
}

// Status is a point-in-time copy of the machine.
type Status struct {
	State          State     `json:"state"`
	ConsensusStart time.Time `json:"consensus_start,omitzero"`
	AlertStart     time.Time `json:"alert_start,omitzero"`
	LastRatio      float64   `json:"last_ratio"`
	Alerts         int       `json:"alerts"`
	LastEvent      *Event    `json:"last_event,omitempty"`
}

type Option func(*Machine)

func WithLogger(l *zap.Logger) Option {
	return func(m *Machine) { m.log = l }
}

type Machine struct {
	cfg   Config
	bc    Broadcaster
	sink  Sink
	log   *zap.Logger
	label string

	mu             sync.Mutex
	state          State
	consensusStart time.Time
	alertStart     time.Time
	lastRatio      float64
	alerts         int
	lastEvent      *Event
}

// New builds a Machine in Idle. A nil sink discards alerts.
func New(cfg Config, bc Broadcaster, sink Sink, opts ...Option) *Machine {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.ConsensusTimeout <= 0 {
		cfg.ConsensusTimeout = DefaultConsensusTimeout
	}
	if cfg.AlertDuration <= 0 {
		cfg.AlertDuration = DefaultAlertDuration
	}
	if sink == nil {
		sink = SinkFunc(func(Event) error { return nil })
	}
	m := &Machine{
		cfg:   cfg,
		bc:    bc,
		sink:  sink,
		log:   zap.NewNop(),
		label: cfg.NodeID.String(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.Named("alert").With(zap.Stringer("node", cfg.NodeID))
	telemetry.AlertState.WithLabelValues(m.label).Set(float64(Idle))
	return m
}

// Ratio is the share of the mesh, self included, reporting a detection.
func Ratio(active, detecting int, local bool) float64 {
	if local {
		detecting++
	}
	return float64(detecting) / float64(active+1)
}

type effects struct {
	broadcast *bool
	event     *Event
}

// Tick advances the machine by at most one transition and returns the
// resulting state. active and detecting must come from one table snapshot.
func (m *Machine) Tick(now time.Time, snap detect.Snapshot, active, detecting int) State {
	local := snap.Detected()

	m.mu.Lock()
	from := m.state
	var fx effects
	switch m.state {
	case Idle:
		if local {
			m.state = Pending
			m.consensusStart = now
			fx.broadcast = ptr(true)
			m.log.Info("local detection, waiting for consensus",
				zap.Float64("smoke_ppm", snap.SmokePPM),
				zap.Float64("vision_confidence", snap.VisionConfidence),
			)
		}
	case Pending:
		switch {
		case !local:
			m.state = Idle
			fx.broadcast = ptr(false)
			m.log.Info("local detection cleared before consensus")
		case now.Sub(m.consensusStart) >= m.cfg.ConsensusTimeout:
			fx = m.evaluate(now, snap, active, detecting)
		}
	case Alert:
		if now.Sub(m.alertStart) >= m.cfg.AlertDuration {
			if m.cfg.ExtendWhileDetecting && local {
				m.alertStart = now
				m.log.Info("alert extended, detection still active")
				break
			}
			m.state = Idle
			fx.broadcast = ptr(false)
			m.log.Info("alert cleared")
		}
	}
	to := m.state
	m.mu.Unlock()

	if from != to {
		telemetry.Transitions.WithLabelValues(m.label, from.String(), to.String()).Inc()
		telemetry.AlertState.WithLabelValues(m.label).Set(float64(to))
	}
	m.apply(fx)
	return to
}

// evaluate runs with mu held.
func (m *Machine) evaluate(now time.Time, snap detect.Snapshot, active, detecting int) effects {
	ratio := Ratio(active, detecting, true)
	m.lastRatio = ratio
	telemetry.ConsensusRatio.WithLabelValues(m.label).Set(ratio)

	log := m.log.With(
		zap.Int("detecting", detecting+1),
		zap.Int("total", active+1),
		zap.Float64("ratio", ratio),
		zap.Float64("threshold", m.cfg.Threshold),
	)
	if ratio < m.cfg.Threshold {
		m.state = Idle
		log.Info("consensus not reached, false positive filtered")
		if m.cfg.ClearOnFailedConsensus {
			return effects{broadcast: ptr(false)}
		}
		return effects{}
	}

	m.state = Alert
	m.alertStart = now
	m.alerts++
	ev := &Event{
		ID:             uuid.New(),
		NodeID:         m.cfg.NodeID,
		At:             now,
		Snapshot:       snap,
		ActiveNodes:    active,
		DetectingNodes: detecting + 1,
		Ratio:          ratio,
	}
	m.lastEvent = ev
	log.Warn("alert confirmed by consensus", zap.Stringer("event", ev.ID))
	return effects{event: ev}
}

func (m *Machine) apply(fx effects) {
	if fx.broadcast != nil && m.bc != nil {
		if err := m.bc.BroadcastDetection(*fx.broadcast); err != nil {
			m.log.Warn("detection broadcast failed", zap.Bool("detected", *fx.broadcast), zap.Error(err))
		}
	}
	if fx.event != nil {
		telemetry.AlertsTotal.WithLabelValues(m.label).Inc()
		if err := m.sink.Trigger(*fx.event); err != nil {
			telemetry.SinkErrors.WithLabelValues(m.label).Inc()
			m.log.Error("alert sink failed", zap.Stringer("event", fx.event.ID), zap.Error(err))
		}
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:     m.state,
		LastRatio: m.lastRatio,
		Alerts:    m.alerts,
	}
	if m.state != Idle {
		st.ConsensusStart = m.consensusStart
	}
	if m.state == Alert {
		st.AlertStart = m.alertStart
	}
	if m.lastEvent != nil {
		ev := *m.lastEvent
		st.LastEvent = &ev
	}
	return st
}

func ptr[T any](v T) *T { return &v }
