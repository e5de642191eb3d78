package discovery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ryandielhenn/sentinelmesh/pkg/alert"
	"github.com/ryandielhenn/sentinelmesh/pkg/detect"
)

type fakeKV struct {
	clientv3.KV
	mu   sync.Mutex
	puts map[string]string
	opts []int
	err  error
}

func (f *fakeKV) Put(_ context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.puts == nil {
		f.puts = map[string]string{}
	}
	f.puts[key] = val
	f.opts = append(f.opts, len(opts))
	return &clientv3.PutResponse{}, nil
}

// Get treats key as a prefix whatever opts say.
func (f *fakeKV) Get(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	resp := &clientv3.GetResponse{}
	for k, v := range f.puts {
		if strings.HasPrefix(k, key) {
			resp.Kvs = append(resp.Kvs, &mvccpb.KeyValue{Key: []byte(k), Value: []byte(v)})
		}
	}
	resp.Count = int64(len(resp.Kvs))
	return resp, nil
}

type fakeLease struct {
	clientv3.Lease
	granted []int64
	err     error

	keptAlive []clientv3.LeaseID
	kaCtx     context.Context
	kaErr     error
}

func (f *fakeLease) Grant(_ context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.granted = append(f.granted, ttl)
	return &clientv3.LeaseGrantResponse{ID: clientv3.LeaseID(42), TTL: ttl}, nil
}

// KeepAlive's channel closes once ctx ends, like the real client's.
func (f *fakeLease) KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	if f.kaErr != nil {
		return nil, f.kaErr
	}
	f.keptAlive = append(f.keptAlive, id)
	f.kaCtx = ctx
	ch := make(chan *clientv3.LeaseKeepAliveResponse, 1)
	ch <- &clientv3.LeaseKeepAliveResponse{ID: id, TTL: 30}
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

type fakeWatcher struct {
	clientv3.Watcher
	ch chan clientv3.WatchResponse
}

func (f *fakeWatcher) Watch(context.Context, string, ...clientv3.OpOption) clientv3.WatchChan {
	return f.ch
}

func sampleEvent() alert.Event {
	at := time.Date(2026, 8, 1, 14, 30, 0, 123456789, time.UTC)
	return alert.Event{
		ID:     uuid.MustParse("8f14e45f-ceea-4e3f-a2b0-1c2d3e4f5a6b"),
		NodeID: 7,
		At:     at,
		Snapshot: detect.Snapshot{
			SensorDetected: true,
			SmokePPM:       412.5,
			SensorAt:       at.Add(-time.Second),
		},
		ActiveNodes:    4,
		DetectingNodes: 4,
		Ratio:          0.8,
	}
}

func TestPublisherWritesLeasedRecord(t *testing.T) {
	kv, lease := &fakeKV{}, &fakeLease{}
	p := NewAlertPublisher(kv, lease, 60*time.Second)
	published := time.Date(2026, 8, 1, 14, 30, 1, 0, time.UTC)
	p.now = func() time.Time { return published }

	ev := sampleEvent()
	if err := p.Trigger(ev); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	key := "/sentinel/alerts/7/8f14e45f-ceea-4e3f-a2b0-1c2d3e4f5a6b"
	val, ok := kv.puts[key]
	if !ok {
		t.Fatalf("no record at %s, have %v", key, kv.puts)
	}
	if len(lease.granted) != 1 || lease.granted[0] != 60 {
		t.Fatalf("lease grants = %v, want [60]", lease.granted)
	}
	if kv.opts[0] != 1 {
		t.Fatalf("put options = %d, want the lease option", kv.opts[0])
	}

	rec, err := DecodeRecord([]byte(val))
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	got := rec.Event
	if got.ID != ev.ID || got.NodeID != ev.NodeID || !got.At.Equal(ev.At) || got.Ratio != ev.Ratio {
		t.Fatalf("decoded event = %+v, want %+v", got, ev)
	}
	if got.Snapshot.SmokePPM != 412.5 || !got.Snapshot.SensorAt.Equal(ev.Snapshot.SensorAt) || !got.Snapshot.VisionAt.IsZero() {
		t.Fatalf("decoded snapshot = %+v", got.Snapshot)
	}
	if !rec.PublishedAt.Equal(published) {
		t.Fatalf("published at = %v", rec.PublishedAt)
	}
}

func TestPublisherWithoutTTLSkipsLease(t *testing.T) {
	kv, lease := &fakeKV{}, &fakeLease{}
	if err := NewAlertPublisher(kv, lease, 0).Trigger(sampleEvent()); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if len(lease.granted) != 0 || kv.opts[0] != 0 {
		t.Fatalf("grants=%v put options=%d", lease.granted, kv.opts[0])
	}
}

func TestPublisherReportsPutError(t *testing.T) {
	boom := errors.New("etcdserver: request timed out")
	p := NewAlertPublisher(&fakeKV{err: boom}, &fakeLease{}, time.Minute)
	err := p.Trigger(sampleEvent())
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "/sentinel/alerts/7/") {
		t.Fatalf("err = %v", err)
	}
}

func TestDecodeRecordRejectsGarbage(t *testing.T) {
	if _, err := DecodeRecord([]byte{0xff, 0x00}); err == nil {
		t.Fatalf("garbage decoded")
	}
}

func TestEncodeRecordIsDeterministic(t *testing.T) {
	r := Record{Event: sampleEvent()}
	a, err := EncodeRecord(r)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := EncodeRecord(r)
	if string(a) != string(b) {
		t.Fatalf("canonical encoding differs between calls")
	}
}
