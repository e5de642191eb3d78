package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/sentinelmesh/discovery"
	"github.com/ryandielhenn/sentinelmesh/internal/config"
	"github.com/ryandielhenn/sentinelmesh/internal/logging"
	"github.com/ryandielhenn/sentinelmesh/internal/telemetry"
	"github.com/ryandielhenn/sentinelmesh/pkg/alert"
	"github.com/ryandielhenn/sentinelmesh/pkg/detect"
	"github.com/ryandielhenn/sentinelmesh/pkg/mesh"
	"github.com/ryandielhenn/sentinelmesh/pkg/radio"
	"github.com/ryandielhenn/sentinelmesh/pkg/sentinel"
)

// set with -ldflags "-X main.version=... -X main.gitSHA=..."
var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	configPath := flag.String("config", "", "config file (json, yaml or toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sentinel:", err)
		os.Exit(1)
	}
	log, err := logging.Setup(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sentinel:", err)
		os.Exit(1)
	}
	defer log.Sync()
	telemetry.SetBuildInfo(version, gitSHA)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("sentinel starting", zap.Int("node_id", cfg.Node.ID), zap.String("version", version))
	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("sentinel failed", zap.Error(err))
	}
	log.Info("sentinel stopped")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	// 1. Open the radio link; failure here is fatal
	var (
		link mesh.Link
		udp  *radio.UDPLink
	)
	switch cfg.Link.Kind {
	case "udp":
		l, err := radio.OpenUDP(cfg.Link.Listen, cfg.Link.Peers, log)
		if err != nil {
			return fmt.Errorf("open radio link: %w", err)
		}
		defer l.Close()
		link, udp = l, l
	default:
		ml := radio.NewBus().Attach("loopback")
		defer ml.Close()
		link = ml
	}

	// 2. Alert sinks, plus the etcd backhaul when configured
	sinks := []alert.Sink{alert.LogSink{Log: log.Named("alert")}}
	var cli *clientv3.Client
	if len(cfg.Etcd.Endpoints) > 0 {
		var err error
		log.Info("creating etcd client", zap.Strings("endpoints", cfg.Etcd.Endpoints))
		cli, err = discovery.NewClient(cfg.Etcd.Endpoints)
		if err != nil {
			return fmt.Errorf("etcd client: %w", err)
		}
		defer cli.Close()
		ttl := time.Duration(cfg.Alert.DurationSec) * time.Second
		sinks = append(sinks, discovery.NewAlertPublisher(cli, cli, ttl, discovery.WithPublisherLogger(log)))
	}

	// 3. Assemble the node
	sampler := cfg.Sampler(detect.WithLogger(log))
	node, err := sentinel.New(cfg.Sentinel(), link, sampler, alert.Multi(sinks...), sentinel.WithLogger(log))
	if err != nil {
		return err
	}

	// 4. Register and follow peers
	if cli != nil {
		self := node.ID().String()
		_, cancel, err := discovery.RegisterNode(ctx, cli, cli, self, cfg.Link.Advertise, int64(cfg.Etcd.LeaseTTLSec))
		if err != nil {
			return err
		}
		defer cancel()
		if udp != nil {
			go discovery.WatchPeers(ctx, cli, cli, log, func(peers map[string]string) {
				addrs := append([]string(nil), cfg.Link.Peers...)
				for id, addr := range peers {
					if id != self {
						addrs = append(addrs, addr)
					}
				}
				if err := udp.SetPeers(addrs); err != nil {
					log.Warn("some peers could not be resolved", zap.Error(err))
				}
				log.Info("peer set updated", zap.Strings("peers", udp.Peers()))
			})
		}
	}

	// 5. HTTP surface
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: node.Routes(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return node.Run(ctx)
}
