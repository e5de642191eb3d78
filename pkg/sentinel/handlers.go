package sentinel

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/sentinelmesh/internal/telemetry"
	"github.com/ryandielhenn/sentinelmesh/pkg/alert"
	"github.com/ryandielhenn/sentinelmesh/pkg/detect"
	"github.com/ryandielhenn/sentinelmesh/pkg/mesh"
)

// Routes returns the node's HTTP surface with every endpoint instrumented.
func (n *Node) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", telemetry.Instrument("healthz", http.HandlerFunc(n.Healthz)))
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("/nodes", telemetry.Instrument("nodes", http.HandlerFunc(n.Nodes)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}

// Healthz returns 200 while Run is active and 503 otherwise.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	if !n.Running() {
		http.Error(w, "not running", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes the node id, alert status, local detection and mesh counts.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		NodeID         mesh.NodeID     `json:"node_id"`
		PID            int             `json:"pid"`
		Now            time.Time       `json:"now"`
		UptimeSec      float64         `json:"uptime_sec"`
		Alert          alert.Status    `json:"alert"`
		Local          detect.Snapshot `json:"local"`
		LocalDetection bool            `json:"local_detection"`
		ActiveNodes    int             `json:"active_nodes"`
		DetectingNodes int             `json:"detecting_nodes"`
		PeerVotes      int64           `json:"peer_votes"`
	}
	active, detecting := n.mesh.Counts()
	snap := n.sampler.Snapshot()
	n.writeJSON(w, resp{
		NodeID:         n.ID(),
		PID:            os.Getpid(),
		Now:            n.now(),
		UptimeSec:      telemetry.Uptime().Seconds(),
		Alert:          n.machine.Status(),
		Local:          snap,
		LocalDetection: snap.Detected(),
		ActiveNodes:    active,
		DetectingNodes: detecting,
		PeerVotes:      n.PeerVotes(),
	})
}

// Nodes writes the peer table, ordered by id.
func (n *Node) Nodes(w http.ResponseWriter, _ *http.Request) {
	type peer struct {
		ID        mesh.NodeID `json:"id"`
		Detecting bool        `json:"detecting"`
		LastSeen  time.Time   `json:"last_seen"`
		AgeSec    float64     `json:"age_sec"`
		RSSI      *int        `json:"rssi_dbm,omitempty"`
	}
	now := n.now()
	recs := n.mesh.Nodes()
	out := make([]peer, 0, len(recs))
	for _, r := range recs {
		p := peer{
			ID:        r.ID,
			Detecting: r.Detecting,
			LastSeen:  r.LastSeen,
			AgeSec:    now.Sub(r.LastSeen).Seconds(),
		}
		if r.HasRSSI {
			rssi := r.RSSI
			p.RSSI = &rssi
		}
		out = append(out, p)
	}
	n.writeJSON(w, out)
}

func (n *Node) writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		n.log.Error("encode response", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
