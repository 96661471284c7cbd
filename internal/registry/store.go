package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/autometrics-dev/am/internal/model"
)

// Snapshot is the result of one completed scan.
type Snapshot struct {
	Registry    *Registry
	Diagnostics []model.Diagnostic
	ScannedAt   time.Time
	Generation  uint64
}

// Store publishes snapshots. Load never blocks on Publish and never
// returns a partially built snapshot.
type Store struct {
	current atomic.Pointer[Snapshot]

	mx   sync.Mutex
	subs map[chan *Snapshot]struct{}
}

func NewStore() *Store {
	s := &Store{subs: make(map[chan *Snapshot]struct{})}
	s.current.Store(&Snapshot{Registry: Empty()})
	return s
}

// Load returns the latest snapshot. Generation 0 means no scan completed
// yet.
func (s *Store) Load() *Snapshot {
	return s.current.Load()
}

// Publish swaps the visible snapshot and notifies subscribers.
func (s *Store) Publish(reg *Registry, diags []model.Diagnostic, scannedAt time.Time) *Snapshot {
	s.mx.Lock()
	defer s.mx.Unlock()

	snap := &Snapshot{
		Registry:    reg,
		Diagnostics: diags,
		ScannedAt:   scannedAt,
		Generation:  s.current.Load().Generation + 1,
	}
	s.current.Store(snap)

	for ch := range s.subs {
		// keep only the newest snapshot for slow subscribers
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
	return snap
}

// Subscribe returns a channel receiving every published snapshot. A slow
// reader only sees the newest one. The returned func unsubscribes and
// closes the channel.
func (s *Store) Subscribe() (<-chan *Snapshot, func()) {
	ch := make(chan *Snapshot, 1)
	s.mx.Lock()
	s.subs[ch] = struct{}{}
	s.mx.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mx.Lock()
			delete(s.subs, ch)
			s.mx.Unlock()
			close(ch)
		})
	}
}
