package store

import (
	"sort"
	"sync"

	"github.com/rmacdonaldsmith/topicmesh-go/pkg/store"
)

// NewMemory creates a store that keeps committed records in memory.
func NewMemory(cfg Config) *Store {
	return newStore(cfg, &memoryBackend{records: make(map[string]store.Record)})
}

type memoryBackend struct {
	mu      sync.RWMutex
	records map[string]store.Record
}

func (m *memoryBackend) apply(ops []op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range ops {
		if o.delete {
			delete(m.records, o.key)
			continue
		}
		m.records[o.key] = copyRecord(o.rec)
	}
	return nil
}

func (m *memoryBackend) get(key string) (store.Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok {
		return store.Record{}, false, nil
	}
	return copyRecord(rec), true, nil
}

func copyRecord(rec store.Record) store.Record {
	if rec.Message != nil {
		rec.Message = rec.Message.Copy()
	}
	if rec.Subscription != nil {
		sub := *rec.Subscription
		rec.Subscription = &sub
	}
	return rec
}

func (m *memoryBackend) scan(kind store.Kind, fn func(store.Record) bool) error {
	m.mu.RLock()
	keys := make([]string, 0, len(m.records))
	for k, rec := range m.records {
		if rec.Kind == kind {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	sort.Strings(keys)

	for _, k := range keys {
		rec, ok, _ := m.get(k)
		if ok && !fn(rec) {
			return nil
		}
	}
	return nil
}

func (m *memoryBackend) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]store.Record)
	return nil
}
