package mesh

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestEncodeLayout(t *testing.T) {
	b, err := Encode(Message{Type: MsgDetection, Source: 0x07, Dest: Broadcast, Payload: []byte{1}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{0x02, 0x07, 0xFF, 0x01, 0x01, 0x02 ^ 0x07 ^ 0xFF ^ 0x01 ^ 0x01}
	if !bytes.Equal(b, want) {
		t.Fatalf("Encode = % x, want % x", b, want)
	}
}

func TestHeartbeatFrameIsFiveBytes(t *testing.T) {
	b, err := Encode(Message{Type: MsgHeartbeat, Source: 3, Dest: Broadcast})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(b) != minFrameSize {
		t.Fatalf("len = %d, want %d", len(b), minFrameSize)
	}
}

func TestRoundTripAllPayloadLengths(t *testing.T) {
	now := time.Unix(1700000000, 0)
	for n := 0; n <= MaxPayload; n++ {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i*7 + n)
		}
		in := Message{Type: MsgType(n%3 + 1), Source: NodeID(n), Dest: NodeID(200 - n), Payload: payload}

		b, err := Encode(in)
		if err != nil {
			t.Fatalf("Encode(len=%d): %v", n, err)
		}
		out, err := Decode(b, now)
		if err != nil {
			t.Fatalf("Decode(len=%d): %v", n, err)
		}
		if out.Type != in.Type || out.Source != in.Source || out.Dest != in.Dest {
			t.Fatalf("len=%d header = %+v, want %+v", n, out, in)
		}
		if !bytes.Equal(out.Payload, in.Payload) {
			t.Fatalf("len=%d payload = % x, want % x", n, out.Payload, in.Payload)
		}
		if !out.ReceivedAt.Equal(now) {
			t.Fatalf("ReceivedAt = %v, want %v", out.ReceivedAt, now)
		}
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	_, err := Encode(Message{Type: MsgAck, Payload: make([]byte, MaxPayload+1)})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestDecodeTooShort(t *testing.T) {
	for n := 0; n < minFrameSize; n++ {
		_, err := Decode(make([]byte, n), time.Now())
		if !errors.Is(err, ErrTooShort) {
			t.Fatalf("Decode(%d bytes) err = %v, want ErrTooShort", n, err)
		}
	}
}

func TestDecodePayloadTooLarge(t *testing.T) {
	cases := map[string][]byte{
		"over max":         append([]byte{0x01, 2, 0xFF, 65}, make([]byte, 66)...),
		"exceeds buffer":   {0x02, 2, 0xFF, 10, 1, 0},
		"missing checksum": {0x02, 2, 0xFF, 1, 1},
		"max len":          {0x02, 2, 0xFF, 0xFF, 0},
	}
	for name, frame := range cases {
		_, err := Decode(frame, time.Now())
		if !errors.Is(err, ErrPayloadTooLarge) {
			t.Fatalf("%s: err = %v, want ErrPayloadTooLarge", name, err)
		}
	}
}

func TestDecodeIgnoresTrailingBytes(t *testing.T) {
	b, _ := Encode(Message{Type: MsgDetection, Source: 4, Dest: Broadcast, Payload: []byte{1}})
	b = append(b, 0xAA, 0xBB)
	m, err := Decode(b, time.Now())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if d, ok := m.Detected(); !ok || !d {
		t.Fatalf("Detected = %v,%v want true,true", d, ok)
	}
}

// Every single-bit error outside the length byte must be caught by the XOR
// checksum while leaving the untouched fields intact. A flipped length byte
// reframes the payload, so it only has to be rejected or flagged.
func TestSingleBitFlipReportsChecksumMismatch(t *testing.T) {
	in := Message{Type: MsgDetection, Source: 9, Dest: Broadcast, Payload: []byte{1, 0x5A, 0xC3}}
	orig, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	for i := range orig {
		if i == 3 {
			for bit := 0; bit < 8; bit++ {
				b := append([]byte(nil), orig...)
				b[i] ^= 1 << bit
				_, err := Decode(b, time.Now())
				if !errors.Is(err, ErrChecksumMismatch) && !errors.Is(err, ErrPayloadTooLarge) {
					t.Fatalf("length bit %d: err = %v, want ErrChecksumMismatch or ErrPayloadTooLarge", bit, err)
				}
			}
			continue
		}
		for bit := 0; bit < 8; bit++ {
			b := append([]byte(nil), orig...)
			b[i] ^= 1 << bit

			out, err := Decode(b, time.Now())
			if !errors.Is(err, ErrChecksumMismatch) {
				t.Fatalf("byte %d bit %d: err = %v, want ErrChecksumMismatch", i, bit, err)
			}
			if i != 0 && out.Type != in.Type {
				t.Fatalf("byte %d bit %d: type = %v, want %v", i, bit, out.Type, in.Type)
			}
			if i != 1 && out.Source != in.Source {
				t.Fatalf("byte %d bit %d: source = %v, want %v", i, bit, out.Source, in.Source)
			}
			if i != 2 && out.Dest != in.Dest {
				t.Fatalf("byte %d bit %d: dest = %v, want %v", i, bit, out.Dest, in.Dest)
			}
			for j, p := range out.Payload {
				if headerSize+j != i && p != in.Payload[j] {
					t.Fatalf("byte %d bit %d: payload[%d] = %x, want %x", i, bit, j, p, in.Payload[j])
				}
			}
		}
	}
}

func TestDetectedPayload(t *testing.T) {
	cases := []struct {
		payload []byte
		want    bool
		ok      bool
	}{
		{nil, false, false},
		{[]byte{0}, false, true},
		{[]byte{1}, true, true},
		{[]byte{2}, false, true},
	}
	for _, c := range cases {
		got, ok := Message{Type: MsgDetection, Payload: c.payload}.Detected()
		if got != c.want || ok != c.ok {
			t.Fatalf("Detected(% x) = %v,%v want %v,%v", c.payload, got, ok, c.want, c.ok)
		}
	}
	if !bytes.Equal(DetectionPayload(true), []byte{1}) || !bytes.Equal(DetectionPayload(false), []byte{0}) {
		t.Fatalf("DetectionPayload mismatch")
	}
}
