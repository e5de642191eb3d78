package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
	"go.uber.org/zap"

	"github.com/ryandielhenn/sentinelmesh/internal/config"
	"github.com/ryandielhenn/sentinelmesh/internal/logging"
	"github.com/ryandielhenn/sentinelmesh/pkg/alert"
	"github.com/ryandielhenn/sentinelmesh/pkg/detect"
	"github.com/ryandielhenn/sentinelmesh/pkg/mesh"
	"github.com/ryandielhenn/sentinelmesh/pkg/radio"
	"github.com/ryandielhenn/sentinelmesh/pkg/sentinel"
)

type simNode struct {
	node   *sentinel.Node
	smoke  bool
	alerts atomic.Int64
}

func main() {
	n := flag.Int("n", 5, "nodes in the mesh")
	burning := flag.Int("detecting", 3, "nodes that see smoke")
	loss := flag.Float64("loss", 0, "frame loss probability on the bus")
	seed := flag.Int64("seed", 1, "seed for the loss model")
	duration := flag.Duration("duration", 8*time.Second, "simulated run time")
	onset := flag.Duration("onset", time.Second, "delay before smoke appears")
	heartbeat := flag.Duration("heartbeat", 500*time.Millisecond, "heartbeat interval")
	consensus := flag.Duration("consensus", 2*time.Second, "consensus window")
	threshold := flag.Float64("threshold", 0.6, "consensus threshold")
	level := flag.String("log", "warn", "log level")
	flag.Parse()

	if *n < 1 || *n > int(mesh.Broadcast)-1 || *burning > *n {
		fmt.Fprintln(os.Stderr, "meshsim: need 1 <= detecting <= n < 255")
		os.Exit(2)
	}

	log, err := logging.Setup(config.LogConfig{Level: *level, Format: "console", Outputs: []string{"stderr"}})
	if err != nil {
		fmt.Fprintln(os.Stderr, "meshsim:", err)
		os.Exit(1)
	}
	defer log.Sync()

	pterm.DefaultHeader.WithFullWidth().Println("sentinel mesh simulation")
	pterm.Info.Printfln("%d nodes, %d detecting, loss %.0f%%, consensus %s at %.0f%%",
		*n, *burning, *loss*100, *consensus, *threshold*100)

	bus := radio.NewBus(radio.WithSeed(*seed))
	bus.SetLoss(*loss)

	start := time.Now()
	nodes := make([]*simNode, 0, *n)
	for i := 0; i < *n; i++ {
		id := mesh.NodeID(i + 1)
		sn := &simNode{smoke: i < *burning}
		smoke := sn.smoke
		reading := detect.Reading(func() (float64, error) {
			if smoke && time.Since(start) >= *onset {
				return 450, nil
			}
			return 15, nil
		})
		cfg := sentinel.Config{
			Mesh: mesh.Config{
				NodeID:            id,
				HeartbeatInterval: *heartbeat,
				NodeTimeout:       3 * *heartbeat,
			},
			Alert: alert.Config{
				Threshold:        *threshold,
				ConsensusTimeout: *consensus,
				AlertDuration:    *duration,
			},
			SensorInterval: 100 * time.Millisecond,
		}
		sink := alert.Multi(
			alert.LogSink{Log: log.Named("alert")},
			alert.SinkFunc(func(alert.Event) error {
				sn.alerts.Add(1)
				return nil
			}),
		)
		node, err := sentinel.New(cfg, bus.Attach(id.String()), detect.NewSampler(reading, nil), sink,
			sentinel.WithLogger(log))
		if err != nil {
			log.Fatal("create node", zap.Stringer("node", id), zap.Error(err))
		}
		sn.node = node
		nodes = append(nodes, sn)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	spinner, _ := pterm.DefaultSpinner.Start("running mesh")
	var wg sync.WaitGroup
	for _, sn := range nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sn.node.Run(ctx); err != nil {
				log.Error("node failed", zap.Stringer("node", sn.node.ID()), zap.Error(err))
			}
		}()
	}

	// sample states while the run lasts so short alerts still show up
	peak := make([]alert.State, len(nodes))
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			for i, sn := range nodes {
				peak[i] = max(peak[i], sn.node.Machine().State())
			}
			spinner.UpdateText(fmt.Sprintf("running mesh (%s)", time.Since(start).Truncate(100*time.Millisecond)))
		}
	}
	wg.Wait()
	spinner.Success("run complete")

	report(nodes, peak)
}

func report(nodes []*simNode, peak []alert.State) {
	data := pterm.TableData{{"node", "smoke", "peak", "final", "peers", "detecting", "ratio", "alerts", "votes rx"}}
	confirmed := 0
	for i, sn := range nodes {
		st := sn.node.Machine().Status()
		active, detecting := sn.node.Mesh().Counts()
		if sn.alerts.Load() > 0 {
			confirmed++
		}
		data = append(data, []string{
			sn.node.ID().String(),
			yesNo(sn.smoke),
			colorState(peak[i]),
			colorState(st.State),
			fmt.Sprint(active),
			fmt.Sprint(detecting),
			fmt.Sprintf("%.2f", st.LastRatio),
			fmt.Sprint(sn.alerts.Load()),
			fmt.Sprint(sn.node.PeerVotes()),
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(data).Render()

	if confirmed > 0 {
		pterm.Warning.Printfln("%d of %d nodes confirmed an alert", confirmed, len(nodes))
	} else {
		pterm.Success.Println("no alert confirmed")
	}
}

func colorState(s alert.State) string {
	switch s {
	case alert.Alert:
		return pterm.LightRed(s.String())
	case alert.Pending:
		return pterm.LightYellow(s.String())
	default:
		return pterm.LightGreen(s.String())
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
