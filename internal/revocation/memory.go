// Package revocation keeps a denylist of access token ids until they expire.
package revocation

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local denylist.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]time.Time
}

// NewMemory returns an empty denylist. now may be nil.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now, entries: make(map[string]time.Time)}
}

// Revoke denies jti until the given time.
func (m *Memory) Revoke(_ context.Context, jti string, until time.Time) error {
	if jti == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweep()
	if until.After(m.now()) {
		m.entries[jti] = until
	}
	return nil
}

// Revoked reports whether jti is still denied.
func (m *Memory) Revoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.entries[jti]
	if !ok {
		return false, nil
	}
	if !m.now().Before(until) {
		delete(m.entries, jti)
		return false, nil
	}
	return true, nil
}

// Len returns the number of live entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweep()
	return len(m.entries)
}

func (m *Memory) sweep() {
	now := m.now()
	for k, until := range m.entries {
		if !now.Before(until) {
			delete(m.entries, k)
		}
	}
}
