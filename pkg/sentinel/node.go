// Package sentinel assembles one wildfire node: it samples the local
// detectors, runs the mesh, and drives the alert machine on a fixed tick.
package sentinel

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/sentinelmesh/pkg/alert"
	"github.com/ryandielhenn/sentinelmesh/pkg/detect"
	"github.com/ryandielhenn/sentinelmesh/pkg/mesh"
)

const (
	DefaultSensorInterval = time.Second
	DefaultVisionInterval = 200 * time.Millisecond
	DefaultTickInterval   = 10 * time.Millisecond
)

type Config struct {
	Mesh  mesh.Config
	Alert alert.Config

	SensorInterval time.Duration
	VisionInterval time.Duration
	TickInterval   time.Duration
}

type Option func(*Node)

func WithLogger(l *zap.Logger) Option { return func(n *Node) { n.log = l } }

// WithClock replaces time.Now for the node and its mesh.
func WithClock(now func() time.Time) Option { return func(n *Node) { n.now = now } }

type Node struct {
	cfg     Config
	sampler *detect.Sampler
	mesh    *mesh.Mesh
	machine *alert.Machine
	log     *zap.Logger
	now     func() time.Time

	peerVotes atomic.Int64
	running   atomic.Bool
}

// New wires a node over link. The alert machine broadcasts through the
// mesh and reports confirmed alerts to sink.
func New(cfg Config, link mesh.Link, sampler *detect.Sampler, sink alert.Sink, opts ...Option) (*Node, error) {
	if sampler == nil {
		return nil, errors.New("sentinel: nil sampler")
	}
	if cfg.SensorInterval <= 0 {
		cfg.SensorInterval = DefaultSensorInterval
	}
	if cfg.VisionInterval <= 0 {
		cfg.VisionInterval = DefaultVisionInterval
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	cfg.Alert.NodeID = cfg.Mesh.NodeID

	n := &Node{
		cfg:     cfg,
		sampler: sampler,
		log:     zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}

	m, err := mesh.New(cfg.Mesh, link, mesh.WithLogger(n.log), mesh.WithClock(n.now))
	if err != nil {
		return nil, fmt.Errorf("create mesh: %w", err)
	}
	n.mesh = m
	n.machine = alert.New(cfg.Alert, m, sink, alert.WithLogger(n.log))
	n.log = n.log.Named("sentinel").With(zap.Stringer("node", cfg.Mesh.NodeID))
	m.SetDetectionCallback(n.onPeerVote)
	return n, nil
}

func (n *Node) ID() mesh.NodeID          { return n.cfg.Mesh.NodeID }
func (n *Node) Mesh() *mesh.Mesh         { return n.mesh }
func (n *Node) Machine() *alert.Machine  { return n.machine }
func (n *Node) Sampler() *detect.Sampler { return n.sampler }
func (n *Node) PeerVotes() int64         { return n.peerVotes.Load() }
func (n *Node) Running() bool            { return n.running.Load() }

// Run starts the mesh and blocks, polling detectors and ticking the alert
// machine, until ctx is cancelled. The mesh is stopped before Run returns.
func (n *Node) Run(ctx context.Context) error {
	if err := n.mesh.Start(ctx); err != nil {
		return fmt.Errorf("start mesh: %w", err)
	}
	defer n.mesh.Stop()
	n.running.Store(true)
	defer n.running.Store(false)

	n.log.Info("sentinel running",
		zap.Bool("gas_sensor", n.sampler.HasGas()),
		zap.Bool("vision", n.sampler.HasVision()),
		zap.Duration("tick", n.cfg.TickInterval),
	)

	gas := time.NewTicker(n.cfg.SensorInterval)
	defer gas.Stop()
	vision := time.NewTicker(n.cfg.VisionInterval)
	defer vision.Stop()
	tick := time.NewTicker(n.cfg.TickInterval)
	defer tick.Stop()

	// read errors are logged by the sampler and the previous values kept
	_ = n.sampler.PollGas(n.now())
	_ = n.sampler.PollVision(n.now())

	for {
		select {
		case <-ctx.Done():
			n.log.Info("sentinel stopping", zap.Stringer("state", n.machine.State()))
			return nil
		case <-gas.C:
			_ = n.sampler.PollGas(n.now())
		case <-vision.C:
			_ = n.sampler.PollVision(n.now())
		case <-tick.C:
			n.Step()
		}
	}
}

// Step feeds the current snapshot and one consistent pair of mesh counts
// into the alert machine.
func (n *Node) Step() alert.State {
	active, detecting := n.mesh.Counts()
	return n.machine.Tick(n.now(), n.sampler.Snapshot(), active, detecting)
}

func (n *Node) onPeerVote(source mesh.NodeID, detected bool) {
	n.peerVotes.Add(1)
	n.log.Debug("mesh detection", zap.Stringer("peer", source), zap.Bool("detected", detected))
}
