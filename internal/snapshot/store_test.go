package snapshot

import (
	"sync"
	"testing"
	"time"
)

type generation struct {
	header  uint64
	entries []uint64
}

func TestStore_InitialSnapshot(t *testing.T) {
	s := New[[]int]()

	snap := s.Load()
	if snap == nil {
		t.Fatal("Load() = nil, want zero snapshot")
	}
	if snap.Seq != 0 {
		t.Fatalf("Seq = %d, want 0", snap.Seq)
	}
	if snap.Value != nil {
		t.Fatalf("Value = %v, want nil", snap.Value)
	}
}

func TestStore_PublishIncrementsSeq(t *testing.T) {
	s := New[string]()

	for i, v := range []string{"a", "b", "c"} {
		got := s.Publish(v)
		if got.Seq != uint64(i+1) {
			t.Fatalf("Publish(%q).Seq = %d, want %d", v, got.Seq, i+1)
		}
		if got.PublishedAt.IsZero() {
			t.Fatalf("Publish(%q).PublishedAt is zero", v)
		}
	}
	if got := s.Load().Value; got != "c" {
		t.Fatalf("Load().Value = %q, want %q", got, "c")
	}
}

func TestStore_LoadIsIdempotent(t *testing.T) {
	s := New[generation]()
	s.Publish(generation{header: 7, entries: []uint64{7, 7}})

	first := s.Load()
	second := s.Load()
	if first != second {
		t.Fatalf("Load() returned different snapshots without a publish: %p vs %p", first, second)
	}
}

func TestStore_NoTornReads(t *testing.T) {
	s := New[generation]()
	s.Publish(generation{header: 0, entries: []uint64{0, 0, 0, 0}})

	const (
		readers     = 8
		generations = 2000
	)

	done := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan string, readers)

	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var lastSeq uint64
			for {
				select {
				case <-done:
					return
				default:
				}
				snap := s.Load()
				if snap.Seq < lastSeq {
					errs <- "sequence went backwards"
					return
				}
				lastSeq = snap.Seq
				for _, e := range snap.Value.entries {
					if e != snap.Value.header {
						errs <- "entry generation does not match header generation"
						return
					}
				}
			}
		}()
	}

	for g := uint64(1); g <= generations; g++ {
		s.Publish(generation{header: g, entries: []uint64{g, g, g, g}})
	}
	close(done)
	wg.Wait()
	close(errs)

	for msg := range errs {
		t.Fatal(msg)
	}
	if got := s.Load().Value.header; got != generations {
		t.Fatalf("final header = %d, want %d", got, generations)
	}
}

func TestStore_SubscribeReceivesLatestSeq(t *testing.T) {
	s := New[int]()
	ch, cancel := s.Subscribe()
	defer cancel()

	s.Publish(1)
	s.Publish(2)
	s.Publish(3)

	select {
	case seq := <-ch:
		if seq != 3 {
			t.Fatalf("notification seq = %d, want 3 (coalesced)", seq)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification received")
	}

	select {
	case seq := <-ch:
		t.Fatalf("unexpected extra notification %d", seq)
	default:
	}
}

func TestStore_UnsubscribeClosesChannel(t *testing.T) {
	s := New[int]()
	ch, cancel := s.Subscribe()
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}

	// Publishing after unsubscribe must not panic on the closed channel.
	s.Publish(1)
}
