package telemetry

import "github.com/prometheus/client_golang/prometheus"

// MeshMetrics is the set of collectors a mesh transport writes to. The
// package-level vectors are the default instance, registered on Registry.
type MeshMetrics struct {
	FramesReceived *prometheus.CounterVec
	FramesSent     *prometheus.CounterVec
	DecodeErrors   *prometheus.CounterVec
	SendErrors     *prometheus.CounterVec
	DroppedFrames  *prometheus.CounterVec
	PrunedNodes    *prometheus.CounterVec
	ActiveNodes    *prometheus.GaugeVec
	DetectingNodes *prometheus.GaugeVec
}

// DefaultMeshMetrics returns the instance backing the package-level vectors.
func DefaultMeshMetrics() *MeshMetrics { return defaultMesh }

// NewMeshMetrics builds a fresh set of mesh collectors and registers them
// on reg when it is non-nil.
func NewMeshMetrics(reg prometheus.Registerer) *MeshMetrics {
	m := &MeshMetrics{
		FramesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sentinel",
				Subsystem: "mesh",
				Name:      "frames_received_total",
				Help:      "Decoded frames accepted from peers, by message type.",
			},
			[]string{"node", "type"},
		),

		FramesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sentinel",
				Subsystem: "mesh",
				Name:      "frames_sent_total",
				Help:      "Frames handed to the radio link, by message type.",
			},
			[]string{"node", "type"},
		),

		DecodeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sentinel",
				Subsystem: "mesh",
				Name:      "decode_errors_total",
				Help:      "Frames that failed to decode, by kind (too_short, payload_too_large, checksum).",
			},
			[]string{"node", "kind"},
		),

		SendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sentinel",
				Subsystem: "mesh",
				Name:      "send_errors_total",
				Help:      "Frames the radio link refused to send.",
			},
			[]string{"node"},
		),

		DroppedFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sentinel",
				Subsystem: "mesh",
				Name:      "dropped_frames_total",
				Help:      "Frames discarded before reaching the node table, by reason.",
			},
			[]string{"node", "reason"},
		),

		PrunedNodes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sentinel",
				Subsystem: "mesh",
				Name:      "pruned_nodes_total",
				Help:      "Peers evicted from the node table after timing out.",
			},
			[]string{"node"},
		),

		ActiveNodes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "sentinel",
				Subsystem: "mesh",
				Name:      "active_nodes",
				Help:      "Peers currently present in the node table.",
			},
			[]string{"node"},
		),

		DetectingNodes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "sentinel",
				Subsystem: "mesh",
				Name:      "detecting_nodes",
				Help:      "Peers currently reporting a detection.",
			},
			[]string{"node"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func (m *MeshMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.FramesReceived, m.FramesSent, m.DecodeErrors, m.SendErrors,
		m.DroppedFrames, m.PrunedNodes, m.ActiveNodes, m.DetectingNodes,
	}
}
