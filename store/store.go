// Package store persists payment order snapshots so that orders with funds
// in flight survive a restart of the settlement engine.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/keychainkit/keychain-go"
)

// OrderStore saves and loads order snapshots.
type OrderStore interface {
	// Save inserts or replaces the snapshot of an order.
	Save(ctx context.Context, snap keychain.OrderSnapshot) error

	// Get returns the latest snapshot of an order or keychain.ErrOrderNotFound.
	Get(ctx context.Context, id string) (keychain.OrderSnapshot, error)

	// ListActive returns every non-terminal order, oldest first.
	ListActive(ctx context.Context) ([]keychain.OrderSnapshot, error)
}

// Memory is an in-process OrderStore.
type Memory struct {
	mu     sync.RWMutex
	orders map[string]keychain.OrderSnapshot
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{orders: make(map[string]keychain.OrderSnapshot)}
}

// Save implements OrderStore. A snapshot older than the stored one is ignored.
func (m *Memory) Save(ctx context.Context, snap keychain.OrderSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.orders[snap.ID]; ok && snap.UpdatedAt.Before(prev.UpdatedAt) {
		return nil
	}
	m.orders[snap.ID] = snap
	return nil
}

// Get implements OrderStore.
func (m *Memory) Get(ctx context.Context, id string) (keychain.OrderSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.orders[id]
	if !ok {
		return keychain.OrderSnapshot{}, keychain.ErrOrderNotFound
	}
	return snap, nil
}

// ListActive implements OrderStore.
func (m *Memory) ListActive(ctx context.Context) ([]keychain.OrderSnapshot, error) {
	m.mu.RLock()
	active := make([]keychain.OrderSnapshot, 0, len(m.orders))
	for _, snap := range m.orders {
		if !snap.Status.Terminal() {
			active = append(active, snap)
		}
	}
	m.mu.RUnlock()

	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active, nil
}
