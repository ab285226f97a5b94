// Package approval provides in-process waiters for executions parked in
// pending_approval. The durable one-shot transition lives with the owner of
// the execution row; this package only wakes callers blocked on a decision.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNoPending is returned for ids that were never registered or have
// already been resolved.
var ErrNoPending = errors.New("no pending approval")

// Manager handles the waiter lifecycle: register, wait, resolve.
type Manager struct {
	mu      sync.Mutex
	pending map[string]chan bool
}

// NewManager creates an empty approval manager.
func NewManager() *Manager {
	return &Manager{pending: make(map[string]chan bool)}
}

// Register opens a waiter for id. Registering an id twice keeps the
// existing waiter.
func (m *Manager) Register(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[id]; !ok {
		m.pending[id] = make(chan bool, 1)
	}
}

// Wait blocks until id is resolved or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	ch, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNoPending, id)
	}

	select {
	case approved := <-ch:
		m.cleanup(id, ch)
		return approved, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Resolve delivers a decision for id. A decision delivered before anyone
// waits is buffered for the first Wait.
func (m *Manager) Resolve(id string, approved bool) error {
	m.mu.Lock()
	ch, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPending, id)
	}

	// Non-blocking send (channel is buffered with size 1)
	select {
	case ch <- approved:
	default:
	}
	return nil
}

// Forget drops the waiter for id without a decision.
func (m *Manager) Forget(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// Pending returns the registered ids in sorted order.
func (m *Manager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) cleanup(id string, ch chan bool) {
	m.mu.Lock()
	if m.pending[id] == ch {
		delete(m.pending, id)
	}
	m.mu.Unlock()
}
