package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/l0p7/readerguard/internal/exchange"
)

type memoryStorage struct {
	mu         sync.RWMutex
	partitions map[string]*memoryPartition
	order      []string
}

// NewMemory returns a process-local Storage. Contents do not survive a
// restart.
func NewMemory() Storage {
	return &memoryStorage{partitions: make(map[string]*memoryPartition)}
}

func (s *memoryStorage) Open(_ context.Context, name string) (Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.partitions[name]; ok {
		return p, nil
	}
	p := &memoryPartition{name: name, entries: make(map[string]*exchange.Response)}
	s.partitions[name] = p
	s.order = append(s.order, name)
	return p, nil
}

func (s *memoryStorage) Has(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.partitions[name]
	return ok, nil
}

// Names lists partitions in creation order.
func (s *memoryStorage) Names(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...), nil
}

func (s *memoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partitions[name]
	if !ok {
		return false, nil
	}
	delete(s.partitions, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	p.mu.Lock()
	p.deleted = true
	p.entries = nil
	p.mu.Unlock()
	return true, nil
}

func (s *memoryStorage) Close(context.Context) error {
	return nil
}

type memoryPartition struct {
	name string

	mu      sync.RWMutex
	deleted bool
	entries map[string]*exchange.Response
}

func (p *memoryPartition) Name() string { return p.name }

func (p *memoryPartition) Match(_ context.Context, key string) (*exchange.Response, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.deleted {
		return nil, false, ErrPartitionNotFound
	}
	resp, ok := p.entries[key]
	if !ok {
		return nil, false, nil
	}
	return resp.Clone(), true, nil
}

func (p *memoryPartition) Put(_ context.Context, key string, resp *exchange.Response) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleted {
		return ErrPartitionNotFound
	}
	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}
	p.entries[key] = stored
	return nil
}

func (p *memoryPartition) Delete(_ context.Context, key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleted {
		return false, ErrPartitionNotFound
	}
	_, ok := p.entries[key]
	delete(p.entries, key)
	return ok, nil
}

func (p *memoryPartition) Keys(_ context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.deleted {
		return nil, ErrPartitionNotFound
	}
	keys := make([]string, 0, len(p.entries))
	for key := range p.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
