package mesh

import (
	"sync"
	"testing"
	"time"
)

func TestTouchKeepsDetecting(t *testing.T) {
	tb := NewNodeTable()
	now := time.Unix(0, 0)

	if created := tb.Touch(2, now); !created {
		t.Fatalf("first Touch should create the record")
	}
	if rec, _ := tb.Get(2); rec.Detecting {
		t.Fatalf("new record must default to not detecting")
	}

	tb.Upsert(2, true, now.Add(time.Second))
	if created := tb.Touch(2, now.Add(2*time.Second)); created {
		t.Fatalf("Touch on a known node reported created")
	}
	rec, ok := tb.Get(2)
	if !ok || !rec.Detecting {
		t.Fatalf("heartbeat reset detecting: %+v", rec)
	}
	if !rec.LastSeen.Equal(now.Add(2 * time.Second)) {
		t.Fatalf("LastSeen = %v, want %v", rec.LastSeen, now.Add(2*time.Second))
	}

	tb.Upsert(2, false, now.Add(3*time.Second))
	if got := tb.DetectingCount(); got != 0 {
		t.Fatalf("DetectingCount = %d, want 0", got)
	}
}

func TestPruneRemovesStaleNodes(t *testing.T) {
	tb := NewNodeTable()
	now := time.Unix(1000, 0)
	tb.Upsert(2, true, now.Add(-91*time.Second))
	tb.Touch(3, now.Add(-10*time.Second))
	tb.Touch(4, now.Add(-90*time.Second)) // exactly at the timeout is still alive

	removed := tb.Prune(now, 90*time.Second)
	if len(removed) != 1 || removed[0] != 2 {
		t.Fatalf("Prune removed %v, want [2]", removed)
	}
	if _, ok := tb.Get(2); ok {
		t.Fatalf("node 2 still present")
	}
	active, detecting := tb.Counts()
	if active != 2 || detecting != 0 {
		t.Fatalf("Counts = %d,%d want 2,0", active, detecting)
	}
}

func TestCounts(t *testing.T) {
	tb := NewNodeTable()
	now := time.Now()
	tb.Upsert(2, true, now)
	tb.Upsert(3, true, now)
	tb.Touch(4, now)

	active, detecting := tb.Counts()
	if active != 3 || detecting != 2 {
		t.Fatalf("Counts = %d,%d want 3,2", active, detecting)
	}
	if tb.ActiveCount() != 3 || tb.DetectingCount() != 2 {
		t.Fatalf("ActiveCount/DetectingCount disagree with Counts")
	}
}

func TestSnapshotIsSortedCopy(t *testing.T) {
	tb := NewNodeTable()
	now := time.Now()
	for _, id := range []NodeID{9, 3, 6} {
		tb.Touch(id, now)
	}
	snap := tb.Snapshot()
	if len(snap) != 3 || snap[0].ID != 3 || snap[1].ID != 6 || snap[2].ID != 9 {
		t.Fatalf("Snapshot = %+v", snap)
	}
	snap[0].Detecting = true
	if rec, _ := tb.Get(3); rec.Detecting {
		t.Fatalf("mutating the snapshot changed the table")
	}
}

func TestObserveSignal(t *testing.T) {
	tb := NewNodeTable()
	tb.ObserveSignal(5, -90) // unknown nodes are ignored
	if _, ok := tb.Get(5); ok {
		t.Fatalf("ObserveSignal created a record")
	}
	tb.Touch(5, time.Now())
	tb.ObserveSignal(5, -71)
	rec, _ := tb.Get(5)
	if !rec.HasRSSI || rec.RSSI != -71 {
		t.Fatalf("rssi = %d,%v want -71,true", rec.RSSI, rec.HasRSSI)
	}
}

func TestConcurrentAccess_NoRaces(t *testing.T) {
	tb := NewNodeTable()
	base := time.Unix(0, 0)

	var wg sync.WaitGroup
	const G = 16
	const N = 1000

	for gid := range G {
		wg.Add(1)
		go func(gid int) {
			defer wg.Done()
			for i := range N {
				id := NodeID((gid*N + i) % 200)
				now := base.Add(time.Duration(i) * time.Millisecond)
				switch i % 4 {
				case 0:
					tb.Upsert(id, i%8 == 0, now)
				case 1:
					tb.Touch(id, now)
				case 2:
					if a, d := tb.Counts(); d > a {
						t.Errorf("detecting %d > active %d", d, a)
						return
					}
				case 3:
					tb.Prune(now, time.Hour)
				}
			}
		}(gid)
	}
	wg.Wait()

	if a := tb.ActiveCount(); a > 200 {
		t.Fatalf("ActiveCount = %d, more than distinct ids", a)
	}
}
