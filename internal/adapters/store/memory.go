package store

import (
	"fmt"
	"sync"

	"github.com/matthiaskaw/project-smart-lab/internal/domain"
	"github.com/matthiaskaw/project-smart-lab/internal/ports"
)

// MemoryStore is a ConfigStore seeded from static configuration. It is the
// default when no database is wired.
type MemoryStore struct {
	mu      sync.RWMutex
	configs map[string]domain.DeviceConfig
}

func NewMemoryStore(configs ...domain.DeviceConfig) *MemoryStore {
	m := &MemoryStore{configs: make(map[string]domain.DeviceConfig, len(configs))}
	for _, cfg := range configs {
		m.configs[cfg.ID] = cfg
	}
	return m
}

// Put adds or replaces one launch configuration.
func (m *MemoryStore) Put(cfg domain.DeviceConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[cfg.ID] = cfg
}

func (m *MemoryStore) LaunchConfig(deviceID string) (*domain.DeviceConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, deviceID)
	}
	out := cfg
	return &out, nil
}

var _ ports.ConfigStore = (*MemoryStore)(nil)
