// Package discovery connects sentinel nodes to an optional etcd backhaul.
// Nodes register their radio address under a lease so UDP deployments can
// find each other, and confirmed alerts are published for upstream
// dispatchers to watch.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	NodesPrefix  = "/sentinel/nodes/"
	AlertsPrefix = "/sentinel/alerts/"

	DefaultDialTimeout = 5 * time.Second
)

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: DefaultDialTimeout,
	})
}

// RegisterNode writes id -> addr under a lease of ttl seconds and keeps the
// lease alive until the returned cancel func is called or ctx ends. A
// *clientv3.Client serves as both kv and lease.
func RegisterNode(ctx context.Context, kv clientv3.KV, lease clientv3.Lease, id, addr string, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	grant, err := lease.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("grant lease: %w", err)
	}
	if _, err := kv.Put(ctx, NodesPrefix+id, addr, clientv3.WithLease(grant.ID)); err != nil {
		return 0, nil, fmt.Errorf("register %s: %w", id, err)
	}

	kaCtx, cancel := context.WithCancel(ctx)
	ch, err := lease.KeepAlive(kaCtx, grant.ID)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		// drain so the client does not log a full channel
		for range ch {
		}
	}()
	return grant.ID, cancel, nil
}

// Peers returns every registered node as id -> addr.
func Peers(ctx context.Context, kv clientv3.KV) (map[string]string, error) {
	resp, err := kv.Get(ctx, NodesPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	peers := make(map[string]string, len(resp.Kvs))
	for _, e := range resp.Kvs {
		peers[strings.TrimPrefix(string(e.Key), NodesPrefix)] = string(e.Value)
	}
	return peers, nil
}

// WatchPeers calls fn with the full peer set on start and after every change
// under NodesPrefix. It returns when ctx is cancelled.
func WatchPeers(ctx context.Context, kv clientv3.KV, w clientv3.Watcher, log *zap.Logger, fn func(map[string]string)) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("discovery")

	refresh := func() {
		peers, err := Peers(ctx, kv)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("peer refresh failed", zap.Error(err))
			}
			return
		}
		fn(peers)
	}

	refresh()
	for wr := range w.Watch(ctx, NodesPrefix, clientv3.WithPrefix()) {
		if err := wr.Err(); err != nil {
			log.Warn("peer watch error", zap.Error(err))
			continue
		}
		refresh()
	}
}
