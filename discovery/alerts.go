package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/sentinelmesh/pkg/alert"
)

const DefaultPublishTimeout = 3 * time.Second

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	if encMode, err = opts.EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// Record is the value stored for each published alert.
type Record struct {
	Event       alert.Event `cbor:"event"`
	PublishedAt time.Time   `cbor:"published_at"`
}

func EncodeRecord(r Record) ([]byte, error) { return encMode.Marshal(r) }

func DecodeRecord(b []byte) (Record, error) {
	var r Record
	if err := decMode.Unmarshal(b, &r); err != nil {
		return Record{}, fmt.Errorf("decode alert record: %w", err)
	}
	return r, nil
}

// AlertKey is where an event is stored: AlertsPrefix/<node>/<event id>.
func AlertKey(ev alert.Event) string {
	return AlertsPrefix + ev.NodeID.String() + "/" + ev.ID.String()
}

// AlertPublisher is an alert.Sink that writes each event to etcd under a
// lease, so records expire once the alert dwell is over.
type AlertPublisher struct {
	kv      clientv3.KV
	lease   clientv3.Lease
	ttl     time.Duration
	timeout time.Duration
	log     *zap.Logger
	now     func() time.Time
}

type PublisherOption func(*AlertPublisher)

func WithPublishTimeout(d time.Duration) PublisherOption {
	return func(p *AlertPublisher) { p.timeout = d }
}

func WithPublisherLogger(l *zap.Logger) PublisherOption {
	return func(p *AlertPublisher) { p.log = l }
}

// NewAlertPublisher accepts a *clientv3.Client for both kv and lease.
func NewAlertPublisher(kv clientv3.KV, lease clientv3.Lease, ttl time.Duration, opts ...PublisherOption) *AlertPublisher {
	p := &AlertPublisher{
		kv:      kv,
		lease:   lease,
		ttl:     ttl,
		timeout: DefaultPublishTimeout,
		log:     zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.Named("publisher")
	return p
}

func (p *AlertPublisher) Trigger(ev alert.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	val, err := EncodeRecord(Record{Event: ev, PublishedAt: p.now()})
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	var putOpts []clientv3.OpOption
	if secs := int64(p.ttl / time.Second); secs > 0 {
		grant, err := p.lease.Grant(ctx, secs)
		if err != nil {
			return fmt.Errorf("grant alert lease: %w", err)
		}
		putOpts = append(putOpts, clientv3.WithLease(grant.ID))
	}

	key := AlertKey(ev)
	if _, err := p.kv.Put(ctx, key, string(val), putOpts...); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	p.log.Info("alert published", zap.String("key", key), zap.Int("bytes", len(val)))
	return nil
}
