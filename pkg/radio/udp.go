package radio

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/sentinelmesh/pkg/mesh"
)

// DefaultUDPPort is used for peer addresses given without a port.
const DefaultUDPPort = "7946"

// readBackoff is how long the reader waits after a failed read before
// trying again.
var readBackoff = 50 * time.Millisecond

// UDPLink carries one mesh frame per datagram. Every Send goes to each
// configured peer address, which emulates broadcast on networks where
// real broadcast is unavailable.
type UDPLink struct {
	conn    *net.UDPConn
	log     *zap.Logger
	backoff time.Duration

	mu    sync.RWMutex
	peers []*net.UDPAddr

	rx        chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

// OpenUDP binds listen and starts the background reader. Peers may be
// added later with AddPeer.
func OpenUDP(listen string, peers []string, log *zap.Logger) (*UDPLink, error) {
	if log == nil {
		log = zap.NewNop()
	}
	laddr, err := net.ResolveUDPAddr("udp", NormalizeHostPort(listen, DefaultUDPPort))
	if err != nil {
		return nil, fmt.Errorf("resolve listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}
	l := &UDPLink{
		conn:    conn,
		log:     log.Named("udp"),
		backoff: readBackoff,
		rx:      make(chan []byte, defaultQueueLen),
		done:    make(chan struct{}),
	}
	for _, p := range peers {
		if err := l.AddPeer(p); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	go l.readLoop()
	l.log.Info("udp link open", zap.Stringer("addr", conn.LocalAddr()), zap.Int("peers", len(peers)))
	return l, nil
}

func (l *UDPLink) LocalAddr() net.Addr { return l.conn.LocalAddr() }

func resolvePeer(addr string) (*net.UDPAddr, error) {
	ua, err := net.ResolveUDPAddr("udp", NormalizeHostPort(addr, DefaultUDPPort))
	if err != nil {
		return nil, fmt.Errorf("resolve peer %q: %w", addr, err)
	}
	return ua, nil
}

// AddPeer adds addr to the send list. Duplicates are ignored.
func (l *UDPLink) AddPeer(addr string) error {
	ua, err := resolvePeer(addr)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.peers {
		if p.String() == ua.String() {
			return nil
		}
	}
	l.peers = append(l.peers, ua)
	return nil
}

// SetPeers replaces the send list. Unresolvable addresses are skipped and
// reported together; the rest are still applied.
func (l *UDPLink) SetPeers(addrs []string) error {
	var (
		peers []*net.UDPAddr
		errs  []error
		seen  = make(map[string]bool)
	)
	for _, a := range addrs {
		ua, err := resolvePeer(a)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[ua.String()] {
			continue
		}
		seen[ua.String()] = true
		peers = append(peers, ua)
	}
	l.mu.Lock()
	l.peers = peers
	l.mu.Unlock()
	return errors.Join(errs...)
}

func (l *UDPLink) Peers() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, len(l.peers))
	for i, p := range l.peers {
		out[i] = p.String()
	}
	return out
}

func (l *UDPLink) Send(frame []byte) error {
	select {
	case <-l.done:
		return mesh.ErrClosed
	default:
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	var errs []error
	for _, p := range l.peers {
		if _, err := l.conn.WriteToUDP(frame, p); err != nil {
			errs = append(errs, fmt.Errorf("write %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

func (l *UDPLink) TryReceive(buf []byte) int {
	select {
	case f := <-l.rx:
		return copy(buf, f)
	default:
		return 0
	}
}

func (l *UDPLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.conn.Close()
	})
	return err
}

func (l *UDPLink) readLoop() {
	buf := make([]byte, 512)
	for {
		n, raddr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			l.log.Warn("udp read failed", zap.Error(err), zap.Duration("backoff", l.backoff))
			select {
			case <-l.done:
				return
			case <-time.After(l.backoff):
			}
			continue
		}
		pkt := append([]byte(nil), buf[:n]...)
		select {
		case l.rx <- pkt:
		default:
			l.log.Debug("receive queue full, dropping datagram", zap.Stringer("from", raddr))
		}
	}
}

// NormalizeHostPort strips a udp:// prefix and adds defPort when addr has
// no port.
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "udp://"); ok {
		addr = rest
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, defPort)
}
