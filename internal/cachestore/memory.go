package cachestore

import (
	"context"
	"sort"
	"sync"
)

// Memory is a non-durable Store.
type Memory struct {
	mu  sync.RWMutex
	nss map[string]map[string]Entry
}

func NewMemory() *Memory {
	return &Memory{nss: map[string]map[string]Entry{}}
}

func (m *Memory) Open(_ context.Context, ns string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nss[ns]; !ok {
		m.nss[ns] = map[string]Entry{}
	}
	return nil
}

func (m *Memory) Namespaces(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.nss))
	for ns := range m.nss {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) DeleteNamespace(_ context.Context, ns string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.nss[ns]
	delete(m.nss, ns)
	return ok, nil
}

func (m *Memory) Match(_ context.Context, ns, sig string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ent, ok := m.nss[ns][sig]
	return ent, ok, nil
}

func (m *Memory) Put(_ context.Context, ns, sig string, ent Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, ok := m.nss[ns]
	if !ok {
		entries = map[string]Entry{}
		m.nss[ns] = entries
	}
	entries[sig] = ent
	return nil
}

func (m *Memory) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{Namespaces: len(m.nss)}
	for _, entries := range m.nss {
		st.Entries += len(entries)
		for _, e := range entries {
			st.Bytes += int64(len(e.Body))
		}
	}
	return st
}
