package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// OutboundConfigManager holds the outbound list from outbounds.json.
// Outbounds named "direct" and "block" always exist.
type OutboundConfigManager struct {
	outbounds  map[string]*OutboundConfig
	mu         sync.RWMutex
	configPath string
}

// NewOutboundConfigManager creates a manager for configPath.
func NewOutboundConfigManager(configPath string) *OutboundConfigManager {
	return &OutboundConfigManager{
		outbounds:  builtinOutbounds(),
		configPath: configPath,
	}
}

func builtinOutbounds() map[string]*OutboundConfig {
	return map[string]*OutboundConfig{
		OutboundTypeDirect: {Name: OutboundTypeDirect, Type: OutboundTypeDirect},
		OutboundTypeBlock:  {Name: OutboundTypeBlock, Type: OutboundTypeBlock},
	}
}

// Load reads the outbound list. A missing file leaves only the built-in
// outbounds.
func (m *OutboundConfigManager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			m.outbounds = builtinOutbounds()
			return nil
		}
		return fmt.Errorf("failed to read outbound config file: %w", err)
	}

	var configs []*OutboundConfig
	if err := json.Unmarshal(data, &configs); err != nil {
		return fmt.Errorf("failed to parse outbound config file: %w", err)
	}

	next := builtinOutbounds()
	seen := make(map[string]bool, len(configs))
	for _, cfg := range configs {
		if cfg == nil {
			continue
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid outbound config for %s: %w", cfg.Name, err)
		}
		if seen[cfg.Name] {
			return fmt.Errorf("duplicate outbound name %s", cfg.Name)
		}
		seen[cfg.Name] = true
		next[cfg.Name] = cfg.Clone()
	}
	m.outbounds = next
	return nil
}

// Save writes the configured outbounds, without the built-ins, to the file.
func (m *OutboundConfigManager) Save() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]*OutboundConfig, 0, len(m.outbounds))
	for name, cfg := range m.outbounds {
		if builtin, ok := builtinOutbounds()[name]; ok && builtin.Equal(cfg) {
			continue
		}
		list = append(list, cfg.Clone())
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal outbound config: %w", err)
	}
	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write outbound config file: %w", err)
	}
	return nil
}

// Get returns a copy of the named outbound.
func (m *OutboundConfigManager) Get(name string) (*OutboundConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.outbounds[name]
	if !ok {
		return nil, false
	}
	return cfg.Clone(), true
}

// All returns copies of every outbound, sorted by name.
func (m *OutboundConfigManager) All() []*OutboundConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]*OutboundConfig, 0, len(m.outbounds))
	for _, cfg := range m.outbounds {
		list = append(list, cfg.Clone())
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Count returns the number of outbounds including the built-ins.
func (m *OutboundConfigManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.outbounds)
}

// Add adds a new outbound and saves the file.
func (m *OutboundConfigManager) Add(cfg *OutboundConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	if _, exists := m.outbounds[cfg.Name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("outbound with name %s already exists", cfg.Name)
	}
	m.outbounds[cfg.Name] = cfg.Clone()
	m.mu.Unlock()
	return m.Save()
}
