package ticks

import (
	"context"
	"sync"

	"tickflow/internal/metrics"
)

// Subscription is a cancellable push handle returned by Manager.Watch.
type Subscription struct {
	id   uint64
	ch   chan Snapshot
	m    *Manager
	once sync.Once
	done chan struct{}
}

// C yields a snapshot after every accepted tick. It is closed on Cancel.
func (s *Subscription) C() <-chan Snapshot {
	return s.ch
}

// Done is closed once the handle is cancelled.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Cancel detaches the handle. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.m.watchMu.Lock()
		delete(s.m.watchers, s.id)
		close(s.ch)
		s.m.watchMu.Unlock()
		close(s.done)
	})
}

// Watch registers a push subscriber. The handle is cancelled when ctx ends.
// A subscriber that falls behind by more than buffer snapshots misses updates.
func (m *Manager) Watch(ctx context.Context, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 1
	}
	m.watchMu.Lock()
	m.nextWatch++
	s := &Subscription{
		id:   m.nextWatch,
		ch:   make(chan Snapshot, buffer),
		m:    m,
		done: make(chan struct{}),
	}
	m.watchers[s.id] = s
	m.watchMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.Cancel()
		case <-s.done:
		}
	}()
	return s
}

// WatcherCount is the number of live push subscribers.
func (m *Manager) WatcherCount() int {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	return len(m.watchers)
}

func (m *Manager) broadcast(snap Snapshot) {
	m.watchMu.Lock()
	dropped := 0
	for _, s := range m.watchers {
		select {
		case s.ch <- snap:
		default:
			dropped++
		}
	}
	m.watchMu.Unlock()
	for i := 0; i < dropped; i++ {
		m.dropped.Add(1)
		metrics.EmitDropMetric(m.log, "ticks", snap.Symbol, "watch")
	}
}

func (m *Manager) closeWatchers() {
	m.watchMu.Lock()
	subs := make([]*Subscription, 0, len(m.watchers))
	for _, s := range m.watchers {
		subs = append(subs, s)
	}
	m.watchMu.Unlock()
	for _, s := range subs {
		s.Cancel()
	}
}
