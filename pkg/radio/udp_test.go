package radio

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ryandielhenn/sentinelmesh/pkg/mesh"
)

func TestNormalizeHostPort(t *testing.T) {
	cases := map[string]string{
		"10.0.0.2":         "10.0.0.2:7946",
		"10.0.0.2:9000":    "10.0.0.2:9000",
		"udp://node3":      "node3:7946",
		"udp://node3:1234": "node3:1234",
		"":                 ":7946",
		"::1":              "[::1]:7946",
	}
	for in, want := range cases {
		if got := NormalizeHostPort(in, DefaultUDPPort); got != want {
			t.Fatalf("NormalizeHostPort(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUDPLinkExchangesFrames(t *testing.T) {
	a, err := OpenUDP("127.0.0.1:0", nil, nil)
	if err != nil {
		t.Fatalf("OpenUDP a: %v", err)
	}
	defer a.Close()
	b, err := OpenUDP("127.0.0.1:0", nil, nil)
	if err != nil {
		t.Fatalf("OpenUDP b: %v", err)
	}
	defer b.Close()

	if err := a.AddPeer(b.LocalAddr().String()); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	want := []byte{0x01, 2, 0xFF, 0, 0x01 ^ 2 ^ 0xFF}
	if err := a.Send(want); err != nil {
		t.Fatalf("Send: %v", err)
	}

	buf := make([]byte, 64)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n := b.TryReceive(buf); n > 0 {
			if !bytes.Equal(buf[:n], want) {
				t.Fatalf("received % x, want % x", buf[:n], want)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("datagram never arrived")
}

func receiveWithin(t *testing.T, l *UDPLink, d time.Duration) []byte {
	t.Helper()
	buf := make([]byte, 64)
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if n := l.TryReceive(buf); n > 0 {
			return append([]byte(nil), buf[:n]...)
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

// A transient read error must not stop the reader.
func TestUDPLinkKeepsReadingAfterError(t *testing.T) {
	old := readBackoff
	readBackoff = 5 * time.Millisecond
	defer func() { readBackoff = old }()

	core, logs := observer.New(zapcore.WarnLevel)
	b, err := OpenUDP("127.0.0.1:0", nil, zap.New(core))
	if err != nil {
		t.Fatalf("OpenUDP b: %v", err)
	}
	defer b.Close()
	a, err := OpenUDP("127.0.0.1:0", []string{b.LocalAddr().String()}, nil)
	if err != nil {
		t.Fatalf("OpenUDP a: %v", err)
	}
	defer a.Close()

	// An expired deadline makes the blocked read fail with a timeout.
	if err := b.conn.SetReadDeadline(time.Now()); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for logs.FilterMessage("udp read failed").Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("read error never logged")
		}
		time.Sleep(time.Millisecond)
	}
	if err := b.conn.SetReadDeadline(time.Time{}); err != nil {
		t.Fatalf("clear deadline: %v", err)
	}

	want := []byte{0x01, 2, 0xFF, 0, 0x01 ^ 2 ^ 0xFF}
	if err := a.Send(want); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := receiveWithin(t, b, 2*time.Second); !bytes.Equal(got, want) {
		t.Fatalf("after read error received % x, want % x", got, want)
	}
}

func TestUDPLinkClose(t *testing.T) {
	l, err := OpenUDP("127.0.0.1:0", nil, nil)
	if err != nil {
		t.Fatalf("OpenUDP: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := l.Send([]byte{1}); !errors.Is(err, mesh.ErrClosed) {
		t.Fatalf("Send after Close err = %v", err)
	}
}

func TestOpenUDPFailsWhenAddressInUse(t *testing.T) {
	a, err := OpenUDP("127.0.0.1:0", nil, nil)
	if err != nil {
		t.Fatalf("OpenUDP: %v", err)
	}
	defer a.Close()
	if _, err := OpenUDP(a.LocalAddr().String(), nil, nil); err == nil {
		t.Fatalf("second OpenUDP on %s succeeded", a.LocalAddr())
	}
}

func TestUDPLinkPeerSet(t *testing.T) {
	l, err := OpenUDP("127.0.0.1:0", []string{"127.0.0.1:9001"}, nil)
	if err != nil {
		t.Fatalf("OpenUDP: %v", err)
	}
	defer l.Close()

	if err := l.AddPeer("udp://127.0.0.1:9001"); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	if got := l.Peers(); len(got) != 1 {
		t.Fatalf("duplicate peer added: %v", got)
	}

	if err := l.SetPeers([]string{"127.0.0.1:9002", "127.0.0.1", "127.0.0.1:9002"}); err != nil {
		t.Fatalf("SetPeers: %v", err)
	}
	got := l.Peers()
	if len(got) != 2 || got[0] != "127.0.0.1:9002" || got[1] != "127.0.0.1:7946" {
		t.Fatalf("peers = %v", got)
	}
}
