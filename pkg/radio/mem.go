package radio

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/ryandielhenn/sentinelmesh/pkg/mesh"
)

const defaultQueueLen = 64

// Bus is a shared in-process medium. A frame sent by one attached link is
// delivered to every other attached link, like a single-hop radio channel.
type Bus struct {
	mu       sync.Mutex
	links    map[string]*MemLink
	loss     float64
	rng      *rand.Rand
	queueLen int
}

type BusOption func(*Bus)

// WithSeed makes frame loss reproducible.
func WithSeed(seed int64) BusOption {
	return func(b *Bus) { b.rng = rand.New(rand.NewSource(seed)) }
}

// WithQueueLen bounds each link's receive queue. Frames arriving at a full
// queue are dropped.
func WithQueueLen(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.queueLen = n
		}
	}
}

func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		links:    make(map[string]*MemLink),
		rng:      rand.New(rand.NewSource(1)),
		queueLen: defaultQueueLen,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetLoss sets the probability in [0,1] that a delivery to one receiver is
// lost.
func (b *Bus) SetLoss(p float64) {
	b.mu.Lock()
	b.loss = min(max(p, 0), 1)
	b.mu.Unlock()
}

// Attach adds a named link to the bus. Attaching an existing name returns
// the link already registered under it.
func (b *Bus) Attach(name string) *MemLink {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.links[name]; ok {
		return l
	}
	l := &MemLink{bus: b, name: name, rx: make(chan []byte, b.queueLen)}
	b.links[name] = l
	return l
}

func (b *Bus) detach(name string) {
	b.mu.Lock()
	delete(b.links, name)
	b.mu.Unlock()
}

func (b *Bus) deliver(from *MemLink, frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, l := range b.links {
		if name == from.name {
			continue
		}
		if b.loss > 0 && b.rng.Float64() < b.loss {
			continue
		}
		l.enqueue(append([]byte(nil), frame...))
	}
}

// MemLink is one node's attachment to a Bus.
type MemLink struct {
	bus    *Bus
	name   string
	rx     chan []byte
	closed atomic.Bool
	rssi   atomic.Int64
	hasSig atomic.Bool
}

func (l *MemLink) Name() string { return l.name }

func (l *MemLink) Send(frame []byte) error {
	if l.closed.Load() {
		return mesh.ErrClosed
	}
	l.bus.deliver(l, frame)
	return nil
}

func (l *MemLink) TryReceive(buf []byte) int {
	select {
	case f := <-l.rx:
		return copy(buf, f)
	default:
		return 0
	}
}

// Inject queues a raw frame as if it had arrived over the air.
func (l *MemLink) Inject(frame []byte) {
	l.enqueue(append([]byte(nil), frame...))
}

// SetRSSI fixes the signal strength reported for every received frame.
func (l *MemLink) SetRSSI(dBm int) {
	l.rssi.Store(int64(dBm))
	l.hasSig.Store(true)
}

func (l *MemLink) LastRSSI() (int, bool) {
	return int(l.rssi.Load()), l.hasSig.Load()
}

// Close detaches the link from the bus. Further sends fail with
// mesh.ErrClosed.
func (l *MemLink) Close() error {
	if l.closed.CompareAndSwap(false, true) {
		l.bus.detach(l.name)
	}
	return nil
}

func (l *MemLink) enqueue(f []byte) {
	if l.closed.Load() {
		return
	}
	select {
	case l.rx <- f:
	default:
	}
}
