package store

import (
	"context"
	"sync"

	"github.com/lkozma/debridgate/scheduler"
)

// MemoryStore keeps service configs in process memory. It implements
// ConfigStore and is the default when no backend is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	configs map[string]scheduler.ServiceConfig
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs: make(map[string]scheduler.ServiceConfig),
	}
}

func (s *MemoryStore) Load(ctx context.Context) (map[string]scheduler.ServiceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]scheduler.ServiceConfig, len(s.configs))
	for name, cfg := range s.configs {
		out[name] = cfg
	}
	return out, nil
}

func (s *MemoryStore) Save(ctx context.Context, service string, cfg scheduler.ServiceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[service] = cfg
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, service string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, service)
	return nil
}

func (s *MemoryStore) Close() {}
