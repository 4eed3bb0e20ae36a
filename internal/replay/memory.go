package replay

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Memory is an in-process Guard with bounded cardinality. Suitable for a
// single instance; horizontal scaling needs the sqlite-backed guard (or
// another store with atomic insert) shared across instances.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = oldest; insertion order tracks expiry order closely
	cap     int
	nowFunc func() time.Time // for tests
}

type memEntry struct {
	nonce     string
	expiresAt time.Time
}

// NewMemory creates a Memory guard with default capacity (100k nonces).
func NewMemory() *Memory {
	return NewMemoryWithCapacity(100_000)
}

func NewMemoryWithCapacity(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 100_000
	}
	return &Memory{
		entries: make(map[string]*list.Element, capacity/2),
		order:   list.New(),
		cap:     capacity,
		nowFunc: time.Now,
	}
}

func (m *Memory) Consume(_ context.Context, nonce string, ttl time.Duration) (bool, error) {
	now := m.nowFunc()

	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[nonce]; ok {
		en := el.Value.(*memEntry)
		if now.Before(en.expiresAt) {
			return false, nil
		}
		// Expired record: the nonce is fresh again; refresh in place.
		en.expiresAt = now.Add(ttl)
		m.order.MoveToBack(el)
		return true, nil
	}

	m.sweepLocked(now)

	// Capacity guard: evict the oldest entry if still full. Oldest is the
	// closest to expiry, so losing it costs the least replay coverage.
	if m.order.Len() >= m.cap {
		if front := m.order.Front(); front != nil {
			old := front.Value.(*memEntry)
			delete(m.entries, old.nonce)
			m.order.Remove(front)
		}
	}

	el := m.order.PushBack(&memEntry{nonce: nonce, expiresAt: now.Add(ttl)})
	m.entries[nonce] = el
	return true, nil
}

// Len reports the number of tracked nonces, expired included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// sweepLocked drops expired entries from the front of the insertion order.
func (m *Memory) sweepLocked(now time.Time) {
	for m.order.Len() > 0 {
		front := m.order.Front()
		en := front.Value.(*memEntry)
		if now.Before(en.expiresAt) {
			return
		}
		delete(m.entries, en.nonce)
		m.order.Remove(front)
	}
}
