package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-memory Store for tests and ephemeral runs. Nothing
// survives a restart.
type Memory struct {
	mutex      sync.RWMutex
	partitions map[string]map[string]Entry
	seq        int64
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		partitions: make(map[string]map[string]Entry),
	}
}

func (m *Memory) Get(ctx context.Context, p Partition, key string) (Entry, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entries, ok := m.partitions[p.Name()]
	if !ok {
		return Entry{}, ErrNotFound
	}
	entry, ok := entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

func (m *Memory) Put(ctx context.Context, p Partition, e Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.put(p, e)
}

func (m *Memory) PutAll(ctx context.Context, p Partition, entries []Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.partitions[p.Name()]; !ok {
		return fmt.Errorf("%w: %s", ErrNoPartition, p.Name())
	}
	for _, e := range entries {
		if err := m.put(p, e); err != nil {
			return err
		}
	}
	return nil
}

// put stores one entry with the next sequence number. Callers hold the lock.
func (m *Memory) put(p Partition, e Entry) error {
	entries, ok := m.partitions[p.Name()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPartition, p.Name())
	}
	m.seq++
	e.Seq = m.seq
	entries[e.Key] = e
	return nil
}

func (m *Memory) Delete(ctx context.Context, p Partition, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if entries, ok := m.partitions[p.Name()]; ok {
		delete(entries, key)
	}
	return nil
}

func (m *Memory) Count(ctx context.Context, p Partition) (int, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.partitions[p.Name()]), nil
}

func (m *Memory) Keys(ctx context.Context, p Partition) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.sortedKeys(p, func(Entry) bool { return true }), nil
}

func (m *Memory) OldestKeys(ctx context.Context, p Partition, n int) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	keys := m.sortedKeys(p, func(Entry) bool { return true })
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys, nil
}

func (m *Memory) StaleKeys(ctx context.Context, p Partition, before time.Time) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.sortedKeys(p, func(e Entry) bool { return e.CapturedAt.Before(before) }), nil
}

// sortedKeys returns matching keys in insertion order. Callers hold the lock.
func (m *Memory) sortedKeys(p Partition, match func(Entry) bool) []string {
	entries := m.partitions[p.Name()]
	matched := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if match(e) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Seq < matched[j].Seq })
	keys := make([]string, len(matched))
	for i, e := range matched {
		keys[i] = e.Key
	}
	return keys
}

func (m *Memory) Partitions(ctx context.Context) ([]Partition, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	partitions := make([]Partition, 0, len(m.partitions))
	for name := range m.partitions {
		p, err := ParseName(name)
		if err != nil {
			continue
		}
		partitions = append(partitions, p)
	}
	sort.Slice(partitions, func(i, j int) bool {
		return partitions[i].Name() < partitions[j].Name()
	})
	return partitions, nil
}

func (m *Memory) CreatePartition(ctx context.Context, p Partition) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.partitions[p.Name()]; !ok {
		m.partitions[p.Name()] = make(map[string]Entry)
	}
	return nil
}

func (m *Memory) DropPartition(ctx context.Context, p Partition) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.partitions, p.Name())
	return nil
}

func (m *Memory) Clear(ctx context.Context, p Partition) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.partitions[p.Name()]; ok {
		m.partitions[p.Name()] = make(map[string]Entry)
	}
	return nil
}

func (m *Memory) Close() error {
	return nil
}
