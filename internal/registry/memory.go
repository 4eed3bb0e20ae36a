package registry

import (
	"context"
	"sync"
)

// Memory is an in-process Resolver for dev mode and tests.
type Memory struct {
	mu      sync.Mutex
	byCode  map[string]*Link
	byID    map[string]*Link
	failing bool // simulate an upstream outage in tests
}

func NewMemory() *Memory {
	return &Memory{
		byCode: make(map[string]*Link),
		byID:   make(map[string]*Link),
	}
}

func (m *Memory) Add(l Link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := l
	m.byCode[l.ShortCode] = &cp
	m.byID[l.ID] = &cp
}

func (m *Memory) Remove(linkID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.byID[linkID]; ok {
		delete(m.byCode, l.ShortCode)
		delete(m.byID, linkID)
	}
}

// SetFailing makes every lookup return an error, as a dead upstream would.
func (m *Memory) SetFailing(v bool) {
	m.mu.Lock()
	m.failing = v
	m.mu.Unlock()
}

func (m *Memory) Resolve(_ context.Context, shortCode string) (Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return Link{}, errUpstreamDown
	}
	l, ok := m.byCode[shortCode]
	if !ok {
		return Link{}, ErrNotFound
	}
	return *l, nil
}

func (m *Memory) ResolveDestination(_ context.Context, linkID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return "", errUpstreamDown
	}
	l, ok := m.byID[linkID]
	if !ok {
		return "", ErrNotFound
	}
	return l.Destination, nil
}

func (m *Memory) RecordClick(_ context.Context, linkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errUpstreamDown
	}
	if l, ok := m.byID[linkID]; ok {
		l.ClickCount++
	}
	return nil
}

// ClickCount returns the recorded clicks for a link (test helper).
func (m *Memory) ClickCount(linkID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.byID[linkID]; ok {
		return l.ClickCount
	}
	return 0
}
