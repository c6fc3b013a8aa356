// Package snapshot holds the latest result of a background producer and
// hands it to any number of concurrent readers.
package snapshot

import (
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is one published generation. It must be treated as read-only
// once returned by Store.Load.
type Snapshot[T any] struct {
	Seq         uint64    `json:"seq"` // 0 means nothing has been published yet
	PublishedAt time.Time `json:"published_at"`
	Value       T         `json:"value"`
}

// Store publishes values to many readers. Readers never block on a
// publish and always see a complete generation. Publishes are serialized
// so Seq is strictly increasing.
type Store[T any] struct {
	cur atomic.Pointer[Snapshot[T]]

	mu   sync.Mutex // serializes Publish and guards subs
	subs map[int]chan uint64
	next int
}

// New returns a store whose initial snapshot holds the zero value of T
// with Seq 0.
func New[T any]() *Store[T] {
	s := &Store[T]{subs: make(map[int]chan uint64)}
	s.cur.Store(&Snapshot[T]{})
	return s
}

// Load returns the most recently published snapshot.
func (s *Store[T]) Load() *Snapshot[T] {
	return s.cur.Load()
}

// Publish swaps in v as the next generation and notifies subscribers.
// The caller must not mutate v afterwards.
func (s *Store[T]) Publish(v T) *Snapshot[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &Snapshot[T]{
		Seq:         s.cur.Load().Seq + 1,
		PublishedAt: time.Now(),
		Value:       v,
	}
	s.cur.Store(snap)
	s.notifyLocked(snap.Seq)
	return snap
}

// Subscribe returns a channel that receives the sequence number of each
// publish. The channel holds one pending value; a subscriber that falls
// behind sees the latest pending value instead of every generation.
// The returned func unsubscribes and closes the channel.
func (s *Store[T]) Subscribe() (<-chan uint64, func()) {
	ch := make(chan uint64, 1)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *Store[T]) notifyLocked(seq uint64) {
	for _, ch := range s.subs {
		select {
		case ch <- seq:
		default:
			// Replace the stale pending value with the newest one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- seq:
			default:
			}
		}
	}
}
