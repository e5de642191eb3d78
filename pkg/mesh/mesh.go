package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/sentinelmesh/internal/telemetry"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultNodeTimeout       = 90 * time.Second
	DefaultPollInterval      = 10 * time.Millisecond

	recvBufferSize = 256
)

var (
	errStarted = errors.New("mesh: already started")
	errStopped = errors.New("mesh: stopped")
)

// RadioParams describes the physical link. The mesh only reports them; the
// radio driver applies them when the link is opened.
type RadioParams struct {
	FrequencyMHz    float64
	BandwidthKHz    int
	SpreadingFactor int
	TxPowerDBm      int
}

type Config struct {
	NodeID            NodeID
	HeartbeatInterval time.Duration
	NodeTimeout       time.Duration
	// PollInterval is how long the receive loop waits after an empty poll.
	PollInterval time.Duration
	// DropCorrupt discards frames that fail the checksum instead of
	// processing them with a warning.
	DropCorrupt bool
	Radio       RadioParams
}

// DetectionFunc is called from the receive loop for every peer detection
// vote. It must return quickly and never block.
type DetectionFunc func(source NodeID, detected bool)

type Option func(*Mesh)

func WithLogger(l *zap.Logger) Option {
	return func(m *Mesh) { m.log = l }
}

// WithMetrics directs the mesh's counters and gauges to mm instead of the
// package-level telemetry vectors. A nil mm keeps the default.
func WithMetrics(mm *telemetry.MeshMetrics) Option {
	return func(m *Mesh) {
		if mm != nil {
			m.metrics = mm
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Mesh) { m.now = now }
}

// Mesh owns the node table and drives the receive and heartbeat loops over
// a Link.
type Mesh struct {
	cfg     Config
	link    Link
	table   *NodeTable
	log     *zap.Logger
	metrics *telemetry.MeshMetrics
	now     func() time.Time
	label   string

	onDetection atomic.Pointer[DetectionFunc]

	sendMu sync.Mutex
	closed bool // guarded by sendMu

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, link Link, opts ...Option) (*Mesh, error) {
	if link == nil {
		return nil, errors.New("mesh: nil link")
	}
	if cfg.NodeID == Broadcast {
		return nil, fmt.Errorf("mesh: node id 0x%02x is reserved for broadcast", uint8(Broadcast))
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = DefaultNodeTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	m := &Mesh{
		cfg:     cfg,
		link:    link,
		table:   NewNodeTable(),
		log:     zap.NewNop(),
		metrics: telemetry.DefaultMeshMetrics(),
		now:     time.Now,
		label:   cfg.NodeID.String(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.Named("mesh").With(zap.Stringer("node", cfg.NodeID))
	return m, nil
}

func (m *Mesh) ID() NodeID { return m.cfg.NodeID }

// SetDetectionCallback installs fn, replacing any previous callback. A nil
// fn removes it.
func (m *Mesh) SetDetectionCallback(fn DetectionFunc) {
	if fn == nil {
		m.onDetection.Store(nil)
		return
	}
	m.onDetection.Store(&fn)
}

// Start launches the receive and heartbeat loops. They run until ctx is
// cancelled or Stop is called.
func (m *Mesh) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return errStopped
	}
	if m.started {
		return errStarted
	}
	m.started = true

	r := m.cfg.Radio
	m.log.Info("starting mesh",
		zap.Float64("frequency_mhz", r.FrequencyMHz),
		zap.Int("bandwidth_khz", r.BandwidthKHz),
		zap.Int("spreading_factor", r.SpreadingFactor),
		zap.Int("tx_power_dbm", r.TxPowerDBm),
		zap.Duration("heartbeat_interval", m.cfg.HeartbeatInterval),
		zap.Duration("node_timeout", m.cfg.NodeTimeout),
	)

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(2)
	go m.receiveLoop(ctx)
	go m.heartbeatLoop(ctx)
	return nil
}

// Stop cancels both loops and waits for them to exit. After Stop returns
// the mesh no longer touches the link. Calling it again, or before Start,
// is a no-op.
func (m *Mesh) Stop() {
	m.mu.Lock()
	m.stopped = true
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	m.sendMu.Lock()
	if !m.closed {
		m.closed = true
		m.log.Info("mesh shutdown complete")
	}
	m.sendMu.Unlock()
}

// BroadcastDetection announces the local detection state to every node.
func (m *Mesh) BroadcastDetection(detected bool) error {
	err := m.Send(Message{
		Type:    MsgDetection,
		Source:  m.cfg.NodeID,
		Dest:    Broadcast,
		Payload: DetectionPayload(detected),
	})
	if err != nil {
		return err
	}
	m.log.Info("broadcast detection", zap.Bool("detected", detected))
	return nil
}

// Send encodes msg and hands it to the link. Sends are serialized so frames
// never interleave; a failed send is reported and not retried.
func (m *Mesh) Send(msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}

	m.sendMu.Lock()
	if m.closed {
		m.sendMu.Unlock()
		return ErrClosed
	}
	err = m.link.Send(frame)
	m.sendMu.Unlock()

	if err != nil {
		m.metrics.SendErrors.WithLabelValues(m.label).Inc()
		m.log.Warn("send failed", zap.Stringer("type", msg.Type), zap.Error(err))
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	m.metrics.FramesSent.WithLabelValues(m.label, msg.Type.String()).Inc()
	m.log.Debug("sent message",
		zap.Stringer("type", msg.Type),
		zap.Stringer("dest", msg.Dest),
		zap.Int("payload_len", len(msg.Payload)),
	)
	return nil
}

// Counts returns active and detecting peers from one consistent snapshot.
func (m *Mesh) Counts() (active, detecting int) { return m.table.Counts() }

func (m *Mesh) ActiveNodeCount() int    { return m.table.ActiveCount() }
func (m *Mesh) DetectingNodeCount() int { return m.table.DetectingCount() }

// Nodes returns a copy of every known peer.
func (m *Mesh) Nodes() []NodeRecord { return m.table.Snapshot() }

func (m *Mesh) receiveLoop(ctx context.Context) {
	defer m.wg.Done()
	m.log.Info("receive loop started")
	defer m.log.Info("receive loop terminated")

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	buf := make([]byte, recvBufferSize)
	for {
		if ctx.Err() != nil {
			return
		}
		if n := m.link.TryReceive(buf); n > 0 {
			m.handleFrame(buf[:min(n, len(buf))])
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Mesh) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()
	m.log.Info("heartbeat loop started")
	defer m.log.Info("heartbeat loop terminated")

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		m.heartbeat()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Mesh) heartbeat() {
	// errors are already logged by Send; the next beat supersedes this one
	_ = m.Send(Message{Type: MsgHeartbeat, Source: m.cfg.NodeID, Dest: Broadcast})

	removed := m.table.Prune(m.now(), m.cfg.NodeTimeout)
	for _, id := range removed {
		m.log.Info("node timed out", zap.Stringer("peer", id))
	}
	if len(removed) > 0 {
		m.metrics.PrunedNodes.WithLabelValues(m.label).Add(float64(len(removed)))
	}
	m.updateGauges()
}

func (m *Mesh) handleFrame(frame []byte) {
	msg, err := Decode(frame, m.now())
	if err != nil {
		switch {
		case errors.Is(err, ErrChecksumMismatch):
			m.metrics.DecodeErrors.WithLabelValues(m.label, "checksum").Inc()
			if m.cfg.DropCorrupt {
				m.log.Warn("dropping corrupt frame", zap.Error(err))
				return
			}
			m.log.Warn("processing frame despite checksum mismatch", zap.Error(err))
		case errors.Is(err, ErrTooShort):
			m.metrics.DecodeErrors.WithLabelValues(m.label, "too_short").Inc()
			m.log.Warn("dropping frame", zap.Error(err))
			return
		default:
			m.metrics.DecodeErrors.WithLabelValues(m.label, "payload_too_large").Inc()
			m.log.Warn("dropping frame", zap.Error(err))
			return
		}
	}
	m.dispatch(msg)
}

func (m *Mesh) dispatch(msg Message) {
	switch msg.Source {
	case m.cfg.NodeID:
		m.metrics.DroppedFrames.WithLabelValues(m.label, "self").Inc()
		return
	case Broadcast:
		m.metrics.DroppedFrames.WithLabelValues(m.label, "reserved_source").Inc()
		m.log.Warn("dropping frame from reserved broadcast id")
		return
	}
	m.metrics.FramesReceived.WithLabelValues(m.label, msg.Type.String()).Inc()

	var created bool
	switch msg.Type {
	case MsgHeartbeat:
		created = m.table.Touch(msg.Source, msg.ReceivedAt)
		m.log.Debug("received heartbeat", zap.Stringer("peer", msg.Source))
	case MsgDetection:
		detected, ok := msg.Detected()
		if !ok {
			created = m.table.Touch(msg.Source, msg.ReceivedAt)
			m.log.Warn("detection message without payload", zap.Stringer("peer", msg.Source))
			break
		}
		created = m.table.Upsert(msg.Source, detected, msg.ReceivedAt)
		m.log.Info("peer detection", zap.Stringer("peer", msg.Source), zap.Bool("detected", detected))
		if fn := m.onDetection.Load(); fn != nil {
			(*fn)(msg.Source, detected)
		}
	case MsgAck:
		created = m.table.Touch(msg.Source, msg.ReceivedAt)
		m.log.Debug("received ack", zap.Stringer("peer", msg.Source))
	default:
		created = m.table.Touch(msg.Source, msg.ReceivedAt)
		m.log.Warn("unknown message type", zap.Uint8("type", uint8(msg.Type)), zap.Stringer("peer", msg.Source))
	}

	if sr, ok := m.link.(SignalReporter); ok {
		if rssi, ok := sr.LastRSSI(); ok {
			m.table.ObserveSignal(msg.Source, rssi)
		}
	}
	if created {
		m.log.Info("node joined", zap.Stringer("peer", msg.Source))
	}
	m.updateGauges()
}

func (m *Mesh) updateGauges() {
	active, detecting := m.table.Counts()
	m.metrics.ActiveNodes.WithLabelValues(m.label).Set(float64(active))
	m.metrics.DetectingNodes.WithLabelValues(m.label).Set(float64(detecting))
}
